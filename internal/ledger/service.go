package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"x402.org/facilitator/internal/ids"
)

// Service defines facilitator operations. Every mutation names its caller explicitly.
type Service interface {
	AuthorizeAgent(ctx context.Context, caller, agent Address) (Receipt, error)
	RevokeAgent(ctx context.Context, caller, agent Address) (Receipt, error)
	IsAuthorized(ctx context.Context, agent Address) (bool, error)
	CreatePaymentRequest(ctx context.Context, caller Address, p CreateParams) (Receipt, error)
	ExecutePayment(ctx context.Context, caller Address, id RequestID, value *big.Int) (Receipt, error)
	GetPaymentRequest(ctx context.Context, id RequestID) (PaymentRequest, error)
	Balance(ctx context.Context, holder, token Address) (*big.Int, error)
	ListEvents(ctx context.Context, limit int, afterSeq uint64) ([]Event, uint64, error)
	Stats(ctx context.Context) (Stats, error)
}

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides the time source used as the execution timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *InMemory) { s.now = now }
}

// WithAccept installs a transfer hook consulted on every settlement.
func WithAccept(fn AcceptFunc) Option {
	return func(s *InMemory) { s.accept = fn }
}

// InMemory implements Service as a single-writer state machine: one mutex
// serialises every operation, so check-and-set on Executed is indivisible.
type InMemory struct {
	mu      sync.RWMutex
	state   *State
	events  []Event
	journal []JournalEntry
	now     func() time.Time
	accept  AcceptFunc
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates a fresh ledger owned by owner.
func NewInMemory(owner Address, opts ...Option) *InMemory {
	s := &InMemory{
		state: NewState(owner),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) AuthorizeAgent(ctx context.Context, caller, agent Address) (Receipt, error) {
	return s.apply(caller, nil, AuthorizeAgent{Agent: agent})
}

func (s *InMemory) RevokeAgent(ctx context.Context, caller, agent Address) (Receipt, error) {
	return s.apply(caller, nil, RevokeAgent{Agent: agent})
}

func (s *InMemory) IsAuthorized(ctx context.Context, agent Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.IsAuthorized(agent), nil
}

func (s *InMemory) CreatePaymentRequest(ctx context.Context, caller Address, p CreateParams) (Receipt, error) {
	return s.apply(caller, nil, CreatePaymentRequest{
		Recipient: p.Recipient,
		Token:     p.Token,
		Amount:    cloneInt(p.Amount),
		Deadline:  p.Deadline,
	})
}

func (s *InMemory) ExecutePayment(ctx context.Context, caller Address, id RequestID, value *big.Int) (Receipt, error) {
	return s.apply(caller, value, ExecutePayment{ID: id})
}

func (s *InMemory) GetPaymentRequest(ctx context.Context, id RequestID) (PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.Request(id)
	if !ok {
		return PaymentRequest{}, ErrRequestNotFound
	}
	return p, nil
}

func (s *InMemory) Balance(ctx context.Context, holder, token Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Balance(holder, token), nil
}

func (s *InMemory) ListEvents(ctx context.Context, limit int, afterSeq uint64) ([]Event, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Event
	last := afterSeq
	// sequences are dense and start at 1
	for i := afterSeq; i < uint64(len(s.events)); i++ {
		res = append(res, s.events[i])
		last = s.events[i].Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func (s *InMemory) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Stats(), nil
}

// Journal returns a copy of every applied operation, in order.
func (s *InMemory) Journal() []JournalEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JournalEntry, len(s.journal))
	copy(out, s.journal)
	return out
}

// Snapshot returns a deep copy of the current state.
func (s *InMemory) Snapshot() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := NewState(s.state.Owner)
	out.Nonce = s.state.Nonce
	out.Version = s.state.Version
	for a := range s.state.agents {
		out.LoadAgent(a)
	}
	for _, p := range s.state.requests {
		out.LoadRequest(*p)
	}
	for k, v := range s.state.balances {
		out.LoadBalance(k.Holder, k.Token, v)
	}
	return out
}

func (s *InMemory) apply(caller Address, value *big.Int, op Operation) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	attached := cloneInt(value)
	rcpt, err := Apply(s.state, Env{Caller: caller, Now: now, Value: attached, Accept: s.accept}, op)
	if err != nil {
		return Receipt{}, err
	}
	for i := range rcpt.Events {
		rcpt.Events[i].Sequence = uint64(len(s.events)) + 1
		rcpt.Events[i].ID = ids.At(now)
		s.events = append(s.events, rcpt.Events[i])
	}
	s.journal = append(s.journal, JournalEntry{Caller: caller, Now: now, Value: attached, Op: op})
	return rcpt, nil
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
