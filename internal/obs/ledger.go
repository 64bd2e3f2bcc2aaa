package obs

import (
	"context"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"x402.org/facilitator/internal/ledger"
)

var (
	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger mutations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	ledgerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_rejections_total",
			Help:      "Rejected ledger mutations by error class and reason.",
		},
		[]string{"op", "class", "reason"},
	)

	ledgerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger mutation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	ledgerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_events_total",
			Help:      "Events emitted by kind.",
		},
		[]string{"kind"},
	)

	sinkDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_dropped_events_total",
			Help:      "Events a sink missed because its queue was full.",
		},
		[]string{"sink"},
	)
)

// SinkDropped counts and logs events a sink missed. It matches
// ledger.WithDropHook.
func SinkDropped(sink string, events []ledger.Event) {
	sinkDropped.WithLabelValues(sink).Add(float64(len(events)))
	Logger().Warn("sink queue full, events dropped",
		zap.String("sink", sink),
		zap.Int("events", len(events)),
		zap.Uint64("first_sequence", events[0].Sequence))
}

// InstrumentLedger records metrics and a debug log line for every mutation.
func InstrumentLedger(next ledger.Service) ledger.Service {
	return &instrumented{Service: next}
}

type instrumented struct {
	ledger.Service
}

func (s *instrumented) AuthorizeAgent(ctx context.Context, caller, agent ledger.Address) (ledger.Receipt, error) {
	return observe("authorize_agent", caller, func() (ledger.Receipt, error) {
		return s.Service.AuthorizeAgent(ctx, caller, agent)
	})
}

func (s *instrumented) RevokeAgent(ctx context.Context, caller, agent ledger.Address) (ledger.Receipt, error) {
	return observe("revoke_agent", caller, func() (ledger.Receipt, error) {
		return s.Service.RevokeAgent(ctx, caller, agent)
	})
}

func (s *instrumented) CreatePaymentRequest(ctx context.Context, caller ledger.Address, p ledger.CreateParams) (ledger.Receipt, error) {
	return observe("create_payment_request", caller, func() (ledger.Receipt, error) {
		return s.Service.CreatePaymentRequest(ctx, caller, p)
	})
}

func (s *instrumented) ExecutePayment(ctx context.Context, caller ledger.Address, id ledger.RequestID, value *big.Int) (ledger.Receipt, error) {
	return observe("execute_payment", caller, func() (ledger.Receipt, error) {
		return s.Service.ExecutePayment(ctx, caller, id, value)
	})
}

func observe(op string, caller ledger.Address, fn func() (ledger.Receipt, error)) (ledger.Receipt, error) {
	start := time.Now()
	rcpt, err := fn()
	ledgerDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		class := ledger.Class(err)
		if class == ledger.ClassUnknown {
			ledgerOps.WithLabelValues(op, "error").Inc()
			Logger().Error("ledger operation failed", zap.String("op", op), zap.String("caller", caller.Hex()), zap.Error(err))
			return rcpt, err
		}
		ledgerOps.WithLabelValues(op, "rejected").Inc()
		ledgerRejections.WithLabelValues(op, string(class), ledger.Reason(err)).Inc()
		Logger().Debug("ledger operation rejected", zap.String("op", op), zap.String("caller", caller.Hex()), zap.Error(err))
		return rcpt, err
	}

	ledgerOps.WithLabelValues(op, "ok").Inc()
	for _, ev := range rcpt.Events {
		ledgerEvents.WithLabelValues(string(ev.Kind)).Inc()
	}
	return rcpt, nil
}
