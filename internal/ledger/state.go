package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Operation is one of AuthorizeAgent, RevokeAgent, CreatePaymentRequest or ExecutePayment.
type Operation interface {
	Name() string
}

type AuthorizeAgent struct{ Agent Address }

type RevokeAgent struct{ Agent Address }

type CreatePaymentRequest struct {
	Recipient Address
	Token     Address
	Amount    *big.Int
	Deadline  time.Time
}

type ExecutePayment struct{ ID RequestID }

func (AuthorizeAgent) Name() string       { return "authorize_agent" }
func (RevokeAgent) Name() string          { return "revoke_agent" }
func (CreatePaymentRequest) Name() string { return "create_payment_request" }
func (ExecutePayment) Name() string       { return "execute_payment" }

// AcceptFunc is consulted before value is credited to a recipient.
// A non-nil error aborts the settlement and leaves the request pending.
type AcceptFunc func(to, token Address, amount *big.Int) error

// Env is the execution context of a single operation.
type Env struct {
	Caller Address
	Now    time.Time
	Value  *big.Int // value attached to the call; nil means zero
	Accept AcceptFunc
}

type balanceKey struct {
	Holder Address
	Token  Address
}

// State is the complete ledger: registry, requests, settled balances.
// A State may also be a partial view holding only the keys an operation touches.
type State struct {
	Owner    Address
	Nonce    uint64
	Version  uint64
	agents   map[Address]struct{}
	requests map[RequestID]*PaymentRequest
	balances map[balanceKey]*big.Int
}

// NewState returns an empty ledger owned by owner.
func NewState(owner Address) *State {
	return &State{
		Owner:    owner,
		agents:   make(map[Address]struct{}),
		requests: make(map[RequestID]*PaymentRequest),
		balances: make(map[balanceKey]*big.Int),
	}
}

func (s *State) IsAuthorized(a Address) bool {
	_, ok := s.agents[a]
	return ok
}

// Request returns a copy of the stored request.
func (s *State) Request(id RequestID) (PaymentRequest, bool) {
	p, ok := s.requests[id]
	if !ok {
		return PaymentRequest{}, false
	}
	return p.clone(), true
}

// Balance returns the settled balance of holder in token.
func (s *State) Balance(holder, token Address) *big.Int {
	if b, ok := s.balances[balanceKey{holder, token}]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Agents returns the authorized set in no particular order.
func (s *State) Agents() []Address {
	out := make([]Address, 0, len(s.agents))
	for a := range s.agents {
		out = append(out, a)
	}
	return out
}

func (s *State) Stats() Stats {
	st := Stats{Agents: len(s.agents), Requests: len(s.requests), Version: s.Version}
	for _, p := range s.requests {
		if p.Executed {
			st.Executed++
		}
	}
	return st
}

// LoadAgent, LoadRequest and LoadBalance seed a partial state with persisted rows.
func (s *State) LoadAgent(a Address) { s.agents[a] = struct{}{} }

func (s *State) LoadRequest(p PaymentRequest) {
	c := p.clone()
	s.requests[p.ID] = &c
}

func (s *State) LoadBalance(holder, token Address, amount *big.Int) {
	s.balances[balanceKey{holder, token}] = new(big.Int).Set(amount)
}

// Apply runs op against st. Every precondition, and the transfer hook, is checked
// before the first mutation, so a failed operation leaves st untouched.
func Apply(st *State, env Env, op Operation) (Receipt, error) {
	var (
		rcpt Receipt
		err  error
	)
	switch o := op.(type) {
	case AuthorizeAgent:
		rcpt, err = st.authorize(env, o)
	case RevokeAgent:
		rcpt, err = st.revoke(env, o)
	case CreatePaymentRequest:
		rcpt, err = st.create(env, o)
	case ExecutePayment:
		rcpt, err = st.execute(env, o)
	default:
		return Receipt{}, fmt.Errorf("ledger: unknown operation %T", op)
	}
	if err != nil {
		return Receipt{}, err
	}
	st.Version++
	rcpt.Version = st.Version
	return rcpt, nil
}

func (s *State) authorize(env Env, op AuthorizeAgent) (Receipt, error) {
	if env.Caller != s.Owner {
		return Receipt{}, ErrUnauthorized
	}
	s.agents[op.Agent] = struct{}{}
	return Receipt{Events: []Event{{Kind: EventAgentAuthorized, Agent: op.Agent, At: env.Now}}}, nil
}

func (s *State) revoke(env Env, op RevokeAgent) (Receipt, error) {
	if env.Caller != s.Owner {
		return Receipt{}, ErrUnauthorized
	}
	delete(s.agents, op.Agent)
	return Receipt{Events: []Event{{Kind: EventAgentRevoked, Agent: op.Agent, At: env.Now}}}, nil
}

func (s *State) create(env Env, op CreatePaymentRequest) (Receipt, error) {
	if !s.IsAuthorized(env.Caller) {
		return Receipt{}, ErrUnauthorized
	}
	if op.Recipient == (Address{}) {
		return Receipt{}, ErrInvalidRecipient
	}
	if op.Amount == nil || op.Amount.Sign() <= 0 || op.Amount.Cmp(maxUint256) > 0 {
		return Receipt{}, ErrInvalidAmount
	}
	deadline := op.Deadline.UTC().Truncate(time.Second)
	if !deadline.After(env.Now) {
		return Receipt{}, ErrInvalidDeadline
	}

	nonce := s.Nonce
	id := DeriveRequestID(env.Caller, op.Recipient, op.Token, op.Amount, deadline, nonce)
	for s.requests[id] != nil {
		nonce++
		id = DeriveRequestID(env.Caller, op.Recipient, op.Token, op.Amount, deadline, nonce)
	}
	s.Nonce = nonce + 1

	p := &PaymentRequest{
		ID:        id,
		Recipient: op.Recipient,
		Token:     op.Token,
		Amount:    new(big.Int).Set(op.Amount),
		Deadline:  deadline,
		Agent:     env.Caller,
		CreatedAt: env.Now.UTC(),
	}
	s.requests[id] = p
	return Receipt{RequestID: id, Events: []Event{paymentEvent(EventPaymentRequestCreated, p, env.Now)}}, nil
}

func (s *State) execute(env Env, op ExecutePayment) (Receipt, error) {
	p, ok := s.requests[op.ID]
	if !ok {
		return Receipt{}, ErrRequestNotFound
	}
	if p.Executed {
		return Receipt{}, ErrAlreadyExecuted
	}
	if env.Now.After(p.Deadline) {
		return Receipt{}, ErrExpired
	}
	value := env.Value
	if value == nil {
		value = new(big.Int)
	}
	if value.Cmp(p.Amount) != 0 {
		return Receipt{}, NewIncorrectValue(p.Amount, value)
	}
	if env.Accept != nil {
		if err := env.Accept(p.Recipient, p.Token, p.Amount); err != nil {
			return Receipt{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	key := balanceKey{p.Recipient, p.Token}
	bal := s.balances[key]
	if bal == nil {
		bal = new(big.Int)
	}
	s.balances[key] = new(big.Int).Add(bal, p.Amount)
	p.Executed = true
	return Receipt{RequestID: p.ID, Events: []Event{paymentEvent(EventPaymentExecuted, p, env.Now)}}, nil
}

func paymentEvent(kind EventKind, p *PaymentRequest, at time.Time) Event {
	return Event{
		Kind:      kind,
		Agent:     p.Agent,
		RequestID: p.ID,
		Recipient: p.Recipient,
		Token:     p.Token,
		Amount:    new(big.Int).Set(p.Amount),
		Deadline:  p.Deadline,
		At:        at.UTC(),
	}
}

// DeriveRequestID hashes the creation inputs with keccak256 over their
// 32-byte (uint256 / left-padded address) encodings.
func DeriveRequestID(caller, recipient, token Address, amount *big.Int, deadline time.Time, nonce uint64) RequestID {
	return crypto.Keccak256Hash(
		common.LeftPadBytes(caller.Bytes(), 32),
		common.LeftPadBytes(recipient.Bytes(), 32),
		common.LeftPadBytes(token.Bytes(), 32),
		common.LeftPadBytes(amount.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetInt64(deadline.Unix()).Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(nonce).Bytes(), 32),
	)
}

// JournalEntry records one successfully applied operation.
type JournalEntry struct {
	Caller Address
	Now    time.Time
	Value  *big.Int
	Op     Operation
}

// Replay rebuilds a ledger from its journal. Transfer hooks are not re-run:
// every journalled entry already passed them once.
func Replay(owner Address, journal []JournalEntry) (*State, error) {
	st := NewState(owner)
	for i, e := range journal {
		if _, err := Apply(st, Env{Caller: e.Caller, Now: e.Now, Value: e.Value}, e.Op); err != nil {
			return nil, fmt.Errorf("replay entry %d (%s): %w", i, e.Op.Name(), err)
		}
	}
	return st, nil
}
