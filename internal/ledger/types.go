package ledger

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Address identifies agents, recipients, tokens and callers.
type Address = common.Address

// RequestID is the 32-byte identifier assigned to a payment request at creation.
type RequestID = common.Hash

// NativeToken is the reserved token identifier for the chain's native currency.
var NativeToken = Address{}

// Status is the derived lifecycle position of a payment request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
	StatusExpired  Status = "expired"
)

// PaymentRequest is the authoritative record of a single payment.
// Executed is the only field that changes after creation.
type PaymentRequest struct {
	ID        RequestID `json:"id"`
	Recipient Address   `json:"recipient"`
	Token     Address   `json:"token"`
	Amount    *big.Int  `json:"amount"` // base units
	Deadline  time.Time `json:"deadline"`
	Agent     Address   `json:"agent"`
	Executed  bool      `json:"executed"`
	CreatedAt time.Time `json:"created_at"`
}

// IsNative reports whether the request settles in the native currency.
func (p PaymentRequest) IsNative() bool { return p.Token == NativeToken }

// Status derives the lifecycle position at the given instant. Expiry is never stored.
func (p PaymentRequest) Status(now time.Time) Status {
	switch {
	case p.Executed:
		return StatusExecuted
	case now.After(p.Deadline):
		return StatusExpired
	default:
		return StatusPending
	}
}

func (p PaymentRequest) clone() PaymentRequest {
	out := p
	out.Amount = new(big.Int).Set(p.Amount)
	return out
}

// EventKind names a state transition visible to off-chain observers.
type EventKind string

const (
	EventAgentAuthorized       EventKind = "AgentAuthorized"
	EventAgentRevoked          EventKind = "AgentRevoked"
	EventPaymentRequestCreated EventKind = "PaymentRequestCreated"
	EventPaymentExecuted       EventKind = "PaymentExecuted"
)

// Event is an append-only log entry. Registry events only carry Agent; payment
// events carry every field of the request so observers never need a follow-up read.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	ID        string    `json:"id,omitempty"`
	Kind      EventKind `json:"kind"`
	Agent     Address   `json:"agent"`
	RequestID RequestID `json:"request_id,omitempty"`
	Recipient Address   `json:"recipient,omitempty"`
	Token     Address   `json:"token,omitempty"`
	Amount    *big.Int  `json:"amount,omitempty"`
	Deadline  time.Time `json:"deadline,omitempty"`
	At        time.Time `json:"at"`
}

// IsPayment reports whether the event concerns a payment request.
func (e Event) IsPayment() bool {
	return e.Kind == EventPaymentRequestCreated || e.Kind == EventPaymentExecuted
}

// Receipt is the result of a successfully applied mutation.
type Receipt struct {
	Version   uint64    `json:"version"`
	RequestID RequestID `json:"request_id,omitempty"`
	Events    []Event   `json:"events"`
}

// Stats summarises ledger contents.
type Stats struct {
	Agents   int    `json:"agents"`
	Requests int    `json:"requests"`
	Executed int    `json:"executed"`
	Version  uint64 `json:"version"`
}

// CreateParams describes a new payment request.
type CreateParams struct {
	Recipient Address
	Token     Address
	Amount    *big.Int
	Deadline  time.Time
}

// MarshalJSON renders amounts as decimal strings and omits fields a registry event leaves empty.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire struct {
		Sequence  uint64     `json:"sequence"`
		ID        string     `json:"id,omitempty"`
		Kind      EventKind  `json:"kind"`
		Agent     Address    `json:"agent"`
		RequestID *RequestID `json:"request_id,omitempty"`
		Recipient *Address   `json:"recipient,omitempty"`
		Token     *Address   `json:"token,omitempty"`
		Amount    string     `json:"amount,omitempty"`
		Deadline  *time.Time `json:"deadline,omitempty"`
		At        time.Time  `json:"at"`
	}
	w := wire{Sequence: e.Sequence, ID: e.ID, Kind: e.Kind, Agent: e.Agent, At: e.At}
	if e.IsPayment() {
		w.RequestID = &e.RequestID
		w.Recipient = &e.Recipient
		w.Token = &e.Token
		w.Deadline = &e.Deadline
		if e.Amount != nil {
			w.Amount = e.Amount.String()
		}
	}
	return json.Marshal(w)
}
