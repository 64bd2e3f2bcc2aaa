package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	agentA    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	agentB    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	operator  = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	oneNative = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T, opts ...Option) (*InMemory, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	s := NewInMemory(owner, append([]Option{WithClock(clk.Now)}, opts...)...)
	if _, err := s.AuthorizeAgent(context.Background(), owner, agentA); err != nil {
		t.Fatalf("authorize agent: %v", err)
	}
	return s, clk
}

func createRequest(t *testing.T, s *InMemory, clk *fakeClock, ttl time.Duration) RequestID {
	t.Helper()
	rcpt, err := s.CreatePaymentRequest(context.Background(), agentA, CreateParams{
		Recipient: recipient,
		Token:     NativeToken,
		Amount:    oneNative,
		Deadline:  clk.Now().Add(ttl),
	})
	if err != nil {
		t.Fatalf("create payment request: %v", err)
	}
	return rcpt.RequestID
}

func TestAuthorizeAndRevoke(t *testing.T) {
	s, _ := newLedger(t)
	ctx := context.Background()

	ok, _ := s.IsAuthorized(ctx, agentA)
	if !ok {
		t.Fatal("agent should be authorized")
	}

	rcpt, err := s.RevokeAgent(ctx, owner, agentA)
	if err != nil {
		t.Fatal(err)
	}
	if len(rcpt.Events) != 1 || rcpt.Events[0].Kind != EventAgentRevoked || rcpt.Events[0].Agent != agentA {
		t.Fatalf("unexpected revoke events: %+v", rcpt.Events)
	}
	if ok, _ := s.IsAuthorized(ctx, agentA); ok {
		t.Fatal("agent should be revoked")
	}
}

func TestRegistryIdempotent(t *testing.T) {
	s, _ := newLedger(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.AuthorizeAgent(ctx, owner, agentB); err != nil {
			t.Fatalf("authorize #%d: %v", i, err)
		}
	}
	if ok, _ := s.IsAuthorized(ctx, agentB); !ok {
		t.Fatal("expected agentB authorized")
	}
	for i := 0; i < 2; i++ {
		if _, err := s.RevokeAgent(ctx, owner, agentB); err != nil {
			t.Fatalf("revoke #%d: %v", i, err)
		}
	}
	if ok, _ := s.IsAuthorized(ctx, agentB); ok {
		t.Fatal("expected agentB revoked")
	}
}

func TestRegistryRequiresOwner(t *testing.T) {
	s, _ := newLedger(t)
	ctx := context.Background()
	before, _ := s.Stats(ctx)

	if _, err := s.AuthorizeAgent(ctx, agentA, agentB); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := s.RevokeAgent(ctx, agentB, agentA); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if ok, _ := s.IsAuthorized(ctx, agentB); ok {
		t.Fatal("non-owner authorization must not apply")
	}
	if ok, _ := s.IsAuthorized(ctx, agentA); !ok {
		t.Fatal("non-owner revocation must not apply")
	}
	after, _ := s.Stats(ctx)
	if after != before {
		t.Fatalf("state changed on rejected calls: %+v -> %+v", before, after)
	}
}

func TestCreateRejectsUnauthorizedAgent(t *testing.T) {
	s, clk := newLedger(t)
	ctx := context.Background()

	_, err := s.CreatePaymentRequest(ctx, agentB, CreateParams{
		Recipient: recipient,
		Amount:    oneNative,
		Deadline:  clk.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	st, _ := s.Stats(ctx)
	if st.Requests != 0 {
		t.Fatalf("request count changed: %d", st.Requests)
	}
	events, _, _ := s.ListEvents(ctx, 100, 0)
	if len(events) != 1 || events[0].Kind != EventAgentAuthorized {
		t.Fatalf("unexpected events after rejection: %+v", events)
	}
}

func TestCreateValidation(t *testing.T) {
	s, clk := newLedger(t)
	ctx := context.Background()
	now := clk.Now()

	cases := []struct {
		name   string
		params CreateParams
		want   error
	}{
		{"zero recipient", CreateParams{Amount: oneNative, Deadline: now.Add(time.Hour)}, ErrInvalidRecipient},
		{"zero amount", CreateParams{Recipient: recipient, Amount: big.NewInt(0), Deadline: now.Add(time.Hour)}, ErrInvalidAmount},
		{"negative amount", CreateParams{Recipient: recipient, Amount: big.NewInt(-5), Deadline: now.Add(time.Hour)}, ErrInvalidAmount},
		{"nil amount", CreateParams{Recipient: recipient, Deadline: now.Add(time.Hour)}, ErrInvalidAmount},
		{"deadline now", CreateParams{Recipient: recipient, Amount: oneNative, Deadline: now}, ErrInvalidDeadline},
		{"deadline past", CreateParams{Recipient: recipient, Amount: oneNative, Deadline: now.Add(-time.Minute)}, ErrInvalidDeadline},
		{"deadline sub-second", CreateParams{Recipient: recipient, Amount: oneNative, Deadline: now.Add(500 * time.Millisecond)}, ErrInvalidDeadline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.CreatePaymentRequest(ctx, agentA, tc.params); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	st, _ := s.Stats(ctx)
	if st.Requests != 0 {
		t.Fatalf("rejected creations stored records: %d", st.Requests)
	}
}

func TestCreateAssignsUniqueIDs(t *testing.T) {
	s, clk := newLedger(t)
	seen := make(map[RequestID]bool)
	for i := 0; i < 20; i++ {
		id := createRequest(t, s, clk, time.Hour)
		if seen[id] {
			t.Fatalf("duplicate id %s on iteration %d", id.Hex(), i)
		}
		seen[id] = true
	}
}

func TestCreateEmitsReconstructableEvent(t *testing.T) {
	s, clk := newLedger(t)
	ctx := context.Background()
	deadline := clk.Now().Add(time.Hour)

	rcpt, err := s.CreatePaymentRequest(ctx, agentA, CreateParams{
		Recipient: recipient,
		Token:     NativeToken,
		Amount:    oneNative,
		Deadline:  deadline,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rcpt.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rcpt.Events))
	}
	ev := rcpt.Events[0]
	if ev.Kind != EventPaymentRequestCreated || ev.RequestID != rcpt.RequestID ||
		ev.Recipient != recipient || ev.Token != NativeToken || ev.Amount.Cmp(oneNative) != 0 ||
		ev.Agent != agentA || !ev.Deadline.Equal(deadline) {
		t.Fatalf("unexpected event: %+v", ev)
	}

	got, err := s.GetPaymentRequest(ctx, rcpt.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Executed || got.Agent != agentA || got.Status(clk.Now()) != StatusPending {
		t.Fatalf("unexpected stored request: %+v", got)
	}
}

func TestExecuteScenario(t *testing.T) {
	s, clk := newLedger(t)
	ctx := context.Background()
	id := createRequest(t, s, clk, time.Hour)

	before, _ := s.Balance(ctx, recipient, NativeToken)
	rcpt, err := s.ExecutePayment(ctx, owner, id, oneNative)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	after, _ := s.Balance(ctx, recipient, NativeToken)
	if diff := new(big.Int).Sub(after, before); diff.Cmp(oneNative) != 0 {
		t.Fatalf("recipient balance delta %s, want %s", diff, oneNative)
	}

	if len(rcpt.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rcpt.Events))
	}
	ev := rcpt.Events[0]
	if ev.Kind != EventPaymentExecuted || ev.RequestID != id || ev.Recipient != recipient ||
		ev.Token != NativeToken || ev.Amount.Cmp(oneNative) != 0 || ev.Agent != agentA {
		t.Fatalf("unexpected executed event: %+v", ev)
	}

	got, _ := s.GetPaymentRequest(ctx, id)
	if !got.Executed || got.Status(clk.Now()) != StatusExecuted {
		t.Fatalf("request not marked executed: %+v", got)
	}
}

func TestExecuteTwiceRejected(t *testing.T) {
	s, clk := newLedger(t)
	ctx := context.Background()
	id := createRequest(t, s, clk, time.Hour)

	if _, err := s.ExecutePayment(ctx, operator, id, oneNative); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ExecutePayment(ctx, operator, id, oneNative); !errors.Is(err, ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted, got %v", err)
	}
	bal, _ := s.Balance(ctx, recipient, NativeToken)
	if bal.Cmp(oneNative) != 0 {
		t.Fatalf("recipient received %s, want exactly one transfer", bal)
	}
}

func TestExecuteIncorrectValue(t *testing.T) {
	s, clk := newLedger(t)
	ctx := context.Background()
	id := createRequest(t, s, clk, time.Hour)

	half := new(big.Int).Div(oneNative, big.NewInt(2))
	double := new(big.Int).Mul(oneNative, big.NewInt(2))
	cases := []struct {
		name    string
		value   *big.Int
		variant error
		dir     string
	}{
		{"insufficient", half, ErrInsufficientValue, "insufficient"},
		{"excess", double, ErrExcessValue, "excess"},
		{"one wei over", new(big.Int).Add(oneNative, big.NewInt(1)), ErrExcessValue, "excess"},
		{"nothing attached", nil, ErrInsufficientValue, "insufficient"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.ExecutePayment(ctx, operator, id, tc.value)
			if !errors.Is(err, ErrIncorrectValue) || !errors.Is(err, tc.variant) {
				t.Fatalf("expected %v, got %v", tc.variant, err)
			}
			var ive *IncorrectValueError
			if !errors.As(err, &ive) {
				t.Fatalf("expected IncorrectValueError, got %T", err)
			}
			if ive.Expected.Cmp(oneNative) != 0 || ive.Direction() != tc.dir {
				t.Fatalf("unexpected details: %+v (%s)", ive, ive.Direction())
			}
		})
	}
	got, _ := s.GetPaymentRequest(ctx, id)
	if got.Executed {
		t.Fatal("request executed despite incorrect value")
	}
}

func TestExecuteAfterDeadline(t *testing.T) {
	s, clk := newLedger(t)
	ctx := context.Background()
	id := createRequest(t, s, clk, time.Second)

	clk.Advance(2 * time.Second)
	if _, err := s.ExecutePayment(ctx, operator, id, oneNative); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	got, err := s.GetPaymentRequest(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Executed || got.Amount.Cmp(oneNative) != 0 || got.Recipient != recipient {
		t.Fatalf("expired request mutated: %+v", got)
	}
	if got.Status(clk.Now()) != StatusExpired {
		t.Fatalf("expected derived status expired, got %s", got.Status(clk.Now()))
	}
}

func TestExecuteAtDeadlineSucceeds(t *testing.T) {
	s, clk := newLedger(t)
	id := createRequest(t, s, clk, time.Minute)
	clk.Advance(time.Minute)
	if _, err := s.ExecutePayment(context.Background(), operator, id, oneNative); err != nil {
		t.Fatalf("execution at the deadline instant should succeed: %v", err)
	}
}

func TestExecuteUnknownRequest(t *testing.T) {
	s, _ := newLedger(t)
	ctx := context.Background()
	id := common.HexToHash("0xdeadbeef")
	if _, err := s.ExecutePayment(ctx, operator, id, oneNative); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
	if _, err := s.GetPaymentRequest(ctx, id); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestTransferFailureLeavesRequestPending(t *testing.T) {
	var reject atomic.Bool
	reject.Store(true)
	s, clk := newLedger(t, WithAccept(func(to, token Address, amount *big.Int) error {
		if reject.Load() {
			return fmt.Errorf("recipient %s cannot receive", to.Hex())
		}
		return nil
	}))
	ctx := context.Background()
	id := createRequest(t, s, clk, time.Hour)

	if _, err := s.ExecutePayment(ctx, operator, id, oneNative); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	got, _ := s.GetPaymentRequest(ctx, id)
	bal, _ := s.Balance(ctx, recipient, NativeToken)
	if got.Executed || bal.Sign() != 0 {
		t.Fatalf("partial settlement: executed=%v balance=%s", got.Executed, bal)
	}

	// anyone may retry before the deadline
	reject.Store(false)
	if _, err := s.ExecutePayment(ctx, agentB, id, oneNative); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestRevocationDoesNotInvalidatePendingRequests(t *testing.T) {
	s, clk := newLedger(t)
	ctx := context.Background()
	id := createRequest(t, s, clk, time.Hour)

	if _, err := s.RevokeAgent(ctx, owner, agentA); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ExecutePayment(ctx, operator, id, oneNative); err != nil {
		t.Fatalf("execution after revocation: %v", err)
	}
}

func TestConcurrentExecutionSettlesOnce(t *testing.T) {
	s, clk := newLedger(t)
	ctx := context.Background()
	id := createRequest(t, s, clk, time.Hour)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ExecutePayment(ctx, operator, id, oneNative); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("expected exactly one successful execution, got %d", successes.Load())
	}
	bal, _ := s.Balance(ctx, recipient, NativeToken)
	if bal.Cmp(oneNative) != 0 {
		t.Fatalf("recipient balance %s, want %s", bal, oneNative)
	}
}

func TestEventLogOrderAndPaging(t *testing.T) {
	s, clk := newLedger(t)
	ctx := context.Background()
	id := createRequest(t, s, clk, time.Hour)
	if _, err := s.ExecutePayment(ctx, operator, id, oneNative); err != nil {
		t.Fatal(err)
	}

	all, last, err := s.ListEvents(ctx, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []EventKind{EventAgentAuthorized, EventPaymentRequestCreated, EventPaymentExecuted}
	if len(all) != len(want) || last != 3 {
		t.Fatalf("unexpected log: %d events, last=%d", len(all), last)
	}
	for i, k := range want {
		if all[i].Kind != k || all[i].Sequence != uint64(i+1) || all[i].ID == "" {
			t.Fatalf("event %d: %+v", i, all[i])
		}
	}

	page, next, _ := s.ListEvents(ctx, 1, 1)
	if len(page) != 1 || page[0].Kind != EventPaymentRequestCreated || next != 2 {
		t.Fatalf("unexpected page: %+v next=%d", page, next)
	}
	empty, next, _ := s.ListEvents(ctx, 10, 3)
	if len(empty) != 0 || next != 3 {
		t.Fatalf("expected empty tail page, got %d events next=%d", len(empty), next)
	}
}

func TestReplayReproducesState(t *testing.T) {
	s, clk := newLedger(t)
	ctx := context.Background()
	first := createRequest(t, s, clk, time.Hour)
	clk.Advance(time.Minute)
	second := createRequest(t, s, clk, time.Hour)
	if _, err := s.ExecutePayment(ctx, operator, first, oneNative); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AuthorizeAgent(ctx, owner, agentB); err != nil {
		t.Fatal(err)
	}

	replayed, err := Replay(owner, s.Journal())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	snap := s.Snapshot()
	if replayed.Version != snap.Version || replayed.Nonce != snap.Nonce || replayed.Stats() != snap.Stats() {
		t.Fatalf("replayed state differs: %+v vs %+v", replayed.Stats(), snap.Stats())
	}
	for _, id := range []RequestID{first, second} {
		a, okA := replayed.Request(id)
		b, okB := snap.Request(id)
		if !okA || !okB || a.Executed != b.Executed || a.Agent != b.Agent {
			t.Fatalf("request %s differs after replay", id.Hex())
		}
	}
	if replayed.Balance(recipient, NativeToken).Cmp(oneNative) != 0 {
		t.Fatal("replayed balance mismatch")
	}
}
