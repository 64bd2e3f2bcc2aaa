package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// Sink receives events after the operation that emitted them has committed.
type Sink interface {
	Deliver(ctx context.Context, events []Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, events []Event)

func (f SinkFunc) Deliver(ctx context.Context, events []Event) { f(ctx, events) }

type namedSink struct {
	Sink
	name string
}

func (n namedSink) SinkName() string { return n.name }

// NamedSink labels s in drop reports.
func NamedSink(name string, s Sink) Sink {
	return namedSink{Sink: s, name: name}
}

// DefaultSinkQueue is the per-sink backlog, in receipts, used when no size is given.
const DefaultSinkQueue = 256

type batch struct {
	ctx    context.Context
	events []Event
}

type sinkQueue struct {
	name string
	sink Sink
	ch   chan batch
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithQueueSize sets the per-sink backlog.
func WithQueueSize(n int) NotifierOption {
	return func(nt *Notifier) {
		if n > 0 {
			nt.queueSize = n
		}
	}
}

// WithDropHook is called with the sink name and the events it missed whenever
// a sink's backlog is full.
func WithDropHook(fn func(sink string, events []Event)) NotifierOption {
	return func(nt *Notifier) { nt.onDrop = fn }
}

// Notifier decorates a Service and forwards every receipt's events to sinks.
// Each sink drains its own queue on a dedicated goroutine, so sinks observe
// operation order and a slow sink never delays a mutation. A full queue drops
// the receipt for that sink only.
type Notifier struct {
	Service
	queues    []*sinkQueue
	queueSize int
	onDrop    func(sink string, events []Event)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewNotifier wraps next and starts one worker per sink. Nil sinks are ignored.
// Call Close to flush and stop the workers.
func NewNotifier(next Service, sinks []Sink, opts ...NotifierOption) *Notifier {
	n := &Notifier{Service: next, queueSize: DefaultSinkQueue}
	for _, opt := range opts {
		opt(n)
	}
	for i, s := range sinks {
		if s == nil {
			continue
		}
		name := fmt.Sprintf("sink%d", i)
		if named, ok := s.(interface{ SinkName() string }); ok {
			name = named.SinkName()
		}
		q := &sinkQueue{name: name, sink: s, ch: make(chan batch, n.queueSize)}
		n.queues = append(n.queues, q)
		n.wg.Add(1)
		go n.drain(q)
	}
	return n
}

func (n *Notifier) drain(q *sinkQueue) {
	defer n.wg.Done()
	for b := range q.ch {
		q.sink.Deliver(b.ctx, b.events)
	}
}

// Close stops accepting events and waits until every queued receipt has been
// delivered or ctx ends.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		for _, q := range n.queues {
			close(q.ch)
		}
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) AuthorizeAgent(ctx context.Context, caller, agent Address) (Receipt, error) {
	return n.deliver(ctx, func() (Receipt, error) { return n.Service.AuthorizeAgent(ctx, caller, agent) })
}

func (n *Notifier) RevokeAgent(ctx context.Context, caller, agent Address) (Receipt, error) {
	return n.deliver(ctx, func() (Receipt, error) { return n.Service.RevokeAgent(ctx, caller, agent) })
}

func (n *Notifier) CreatePaymentRequest(ctx context.Context, caller Address, p CreateParams) (Receipt, error) {
	return n.deliver(ctx, func() (Receipt, error) { return n.Service.CreatePaymentRequest(ctx, caller, p) })
}

func (n *Notifier) ExecutePayment(ctx context.Context, caller Address, id RequestID, value *big.Int) (Receipt, error) {
	return n.deliver(ctx, func() (Receipt, error) { return n.Service.ExecutePayment(ctx, caller, id, value) })
}

// deliver runs op and enqueues its events under one lock so every queue sees
// receipts in commit order.
func (n *Notifier) deliver(ctx context.Context, op func() (Receipt, error)) (Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	rcpt, err := op()
	if err != nil || len(rcpt.Events) == 0 || n.closed {
		return rcpt, err
	}
	// sinks must not be cancelled by the caller's request ending
	b := batch{ctx: context.WithoutCancel(ctx), events: rcpt.Events}
	for _, q := range n.queues {
		select {
		case q.ch <- b:
		default:
			if n.onDrop != nil {
				n.onDrop(q.name, b.events)
			}
		}
	}
	return rcpt, nil
}
