package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"x402.org/facilitator/internal/ledger"
)

// Messages travel as google.protobuf.Struct; these types give them shape.
// Amounts are decimal strings so uint256 values survive the float64 numbers of Struct.

type LoginMsg struct {
	Address   string `json:"address"`
	IssuedAt  int64  `json:"issued_at"`
	Signature string `json:"signature"`
}

type TokenMsg struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type AgentMsg struct {
	Agent string `json:"agent"`
}

type AuthorizedMsg struct {
	Agent      string `json:"agent"`
	Authorized bool   `json:"authorized"`
}

type CreateMsg struct {
	Recipient string `json:"recipient"`
	Token     string `json:"token,omitempty"`
	Amount    string `json:"amount"`
	Deadline  int64  `json:"deadline"`
}

type ExecuteMsg struct {
	RequestID string `json:"request_id"`
	Value     string `json:"value"`
}

type RequestIDMsg struct {
	RequestID string `json:"request_id"`
}

type PaymentRequestMsg struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Deadline  int64  `json:"deadline"`
	Agent     string `json:"agent"`
	Executed  bool   `json:"executed"`
	CreatedAt string `json:"created_at"`
	Status    string `json:"status"`
}

type BalanceMsg struct {
	Holder string `json:"holder"`
	Token  string `json:"token,omitempty"`
	Amount string `json:"amount,omitempty"`
}

// Sequence numbers and versions travel as decimal strings: Struct numbers are
// float64 and lose precision above 2^53.
type ListEventsMsg struct {
	After uint64 `json:"after,string"`
	Limit int    `json:"limit"`
}

type EventsMsg struct {
	Events    []EventMsg `json:"events"`
	NextAfter uint64     `json:"next_after,string"`
}

type EventMsg struct {
	Sequence  uint64 `json:"sequence,string"`
	ID        string `json:"id,omitempty"`
	Kind      string `json:"kind"`
	Agent     string `json:"agent"`
	RequestID string `json:"request_id,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Token     string `json:"token,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Deadline  int64  `json:"deadline,omitempty"`
	At        string `json:"at"`
}

type ReceiptMsg struct {
	Version   uint64     `json:"version,string"`
	RequestID string     `json:"request_id,omitempty"`
	Events    []EventMsg `json:"events"`
}

type StatsMsg struct {
	Agents   int    `json:"agents"`
	Requests int    `json:"requests"`
	Executed int    `json:"executed"`
	Version  uint64 `json:"version,string"`
}

type InfoMsg struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Owner   string `json:"owner"`
	Time    string `json:"time"`
}

// Encode converts a message into a Struct.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return out, nil
}

// Decode fills v from a Struct.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = new(structpb.Struct)
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	return json.Unmarshal(data, v)
}

func EventToMsg(ev ledger.Event) EventMsg {
	m := EventMsg{
		Sequence: ev.Sequence,
		ID:       ev.ID,
		Kind:     string(ev.Kind),
		Agent:    ev.Agent.Hex(),
		At:       ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.IsPayment() {
		m.RequestID = ev.RequestID.Hex()
		m.Recipient = ev.Recipient.Hex()
		m.Token = ev.Token.Hex()
		m.Amount = ev.Amount.String()
		m.Deadline = ev.Deadline.Unix()
	}
	return m
}

// Event converts the message back into a ledger event.
func (m EventMsg) Event() (ledger.Event, error) {
	at, err := time.Parse(time.RFC3339Nano, m.At)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("event %d: bad timestamp: %w", m.Sequence, err)
	}
	ev := ledger.Event{
		Sequence: m.Sequence,
		ID:       m.ID,
		Kind:     ledger.EventKind(m.Kind),
		Agent:    common.HexToAddress(m.Agent),
		At:       at.UTC(),
	}
	if ev.IsPayment() {
		amount, err := ledger.ParseAmount(m.Amount)
		if err != nil {
			return ledger.Event{}, fmt.Errorf("event %d: %w", m.Sequence, err)
		}
		ev.RequestID = common.HexToHash(m.RequestID)
		ev.Recipient = common.HexToAddress(m.Recipient)
		ev.Token = common.HexToAddress(m.Token)
		ev.Amount = amount
		ev.Deadline = time.Unix(m.Deadline, 0).UTC()
	}
	return ev, nil
}

func ReceiptToMsg(r ledger.Receipt) ReceiptMsg {
	m := ReceiptMsg{Version: r.Version, Events: make([]EventMsg, 0, len(r.Events))}
	if r.RequestID != (ledger.RequestID{}) {
		m.RequestID = r.RequestID.Hex()
	}
	for _, ev := range r.Events {
		m.Events = append(m.Events, EventToMsg(ev))
	}
	return m
}

// Receipt converts the message back into a ledger receipt.
func (m ReceiptMsg) Receipt() (ledger.Receipt, error) {
	r := ledger.Receipt{Version: m.Version}
	if m.RequestID != "" {
		r.RequestID = common.HexToHash(m.RequestID)
	}
	for _, em := range m.Events {
		ev, err := em.Event()
		if err != nil {
			return ledger.Receipt{}, err
		}
		r.Events = append(r.Events, ev)
	}
	return r, nil
}

func PaymentRequestToMsg(p ledger.PaymentRequest, now time.Time) PaymentRequestMsg {
	return PaymentRequestMsg{
		ID:        p.ID.Hex(),
		Recipient: p.Recipient.Hex(),
		Token:     p.Token.Hex(),
		Amount:    p.Amount.String(),
		Deadline:  p.Deadline.Unix(),
		Agent:     p.Agent.Hex(),
		Executed:  p.Executed,
		CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339Nano),
		Status:    string(p.Status(now)),
	}
}

// PaymentRequest converts the message back into a ledger record.
func (m PaymentRequestMsg) PaymentRequest() (ledger.PaymentRequest, error) {
	amount, err := ledger.ParseAmount(m.Amount)
	if err != nil {
		return ledger.PaymentRequest{}, err
	}
	created, err := time.Parse(time.RFC3339Nano, m.CreatedAt)
	if err != nil {
		return ledger.PaymentRequest{}, fmt.Errorf("bad created_at: %w", err)
	}
	return ledger.PaymentRequest{
		ID:        common.HexToHash(m.ID),
		Recipient: common.HexToAddress(m.Recipient),
		Token:     common.HexToAddress(m.Token),
		Amount:    amount,
		Deadline:  time.Unix(m.Deadline, 0).UTC(),
		Agent:     common.HexToAddress(m.Agent),
		Executed:  m.Executed,
		CreatedAt: created.UTC(),
	}, nil
}

// ParseAddress accepts a 0x-prefixed 20-byte hex address. Empty means the zero address.
func ParseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// ParseRequestID accepts a 0x-prefixed 32-byte hex id.
func ParseRequestID(s string) (ledger.RequestID, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return ledger.RequestID{}, fmt.Errorf("request_id: invalid id %q", s)
	}
	return common.BytesToHash(b), nil
}

// parseValue treats an empty value as zero.
func parseValue(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	return ledger.ParseAmount(s)
}
