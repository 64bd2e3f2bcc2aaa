package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"x402.org/facilitator/internal/auth"
	"x402.org/facilitator/internal/ledger"
	"x402.org/facilitator/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID prefers an id set by WithRequestID and falls back to chi's request id.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return middleware.GetReqID(ctx)
}

// LogEvent writes an audit log entry enriched with request and caller context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := RequestID(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if caller, ok := auth.CallerFromContext(ctx); ok {
		zf = append(zf, zap.String("caller", caller.Hex()))
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	zf = append(zf, zap.Any("fields", copyFields))

	obs.Logger().Info("audit", zf...)
	return nil
}

// Sink records every committed ledger event in the audit log.
func Sink() ledger.Sink {
	return ledger.SinkFunc(func(ctx context.Context, events []ledger.Event) {
		for _, ev := range events {
			fields := map[string]any{
				"sequence": ev.Sequence,
				"id":       ev.ID,
				"agent":    ev.Agent.Hex(),
			}
			if ev.IsPayment() {
				fields["request_id"] = ev.RequestID.Hex()
				fields["recipient"] = ev.Recipient.Hex()
				fields["token"] = ev.Token.Hex()
				fields["amount"] = ev.Amount.String()
				fields["deadline"] = ev.Deadline.Unix()
			}
			_ = LogEvent(ctx, "ledger."+string(ev.Kind), fields)
		}
	})
}
