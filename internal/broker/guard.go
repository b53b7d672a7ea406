package broker

import (
	"context"
	"fmt"
	"time"

	cb "github.com/sony/gobreaker"
	"github.com/rs/zerolog/log"

	"github.com/phoenixdesk/phoenix/internal/alert"
	"github.com/phoenixdesk/phoenix/internal/audit"
)

// EscalationError is returned once the retry budget for a broker call is
// exhausted. No further automatic retry happens past this point; a human
// decides how to proceed.
type EscalationError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("broker %s escalated after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *EscalationError) Unwrap() error { return e.Last }

// ReasonCode returns the machine-readable rejection code.
func (e *EscalationError) ReasonCode() string { return "BROKER_ESCALATED" }

// Invariant names the enforcement this error carries.
func (e *EscalationError) Invariant() string { return "bounded-retry" }

// Guard wraps a Broker with a circuit breaker and the configured bounded
// backoff schedule. Connectivity failures are retried per the delay table
// up to the attempt cap, then escalated; business rejections inside typed
// results pass through untouched.
type Guard struct {
	inner       Broker
	breaker     *cb.CircuitBreaker
	maxAttempts int
	delays      []time.Duration
	alerter     alert.Alerter
	emitter     audit.Emitter

	sleep func(time.Duration)
}

// NewGuard wraps a broker adapter. Delays is the per-attempt delay table;
// attempts beyond its length reuse the last entry.
func NewGuard(inner Broker, maxAttempts int, delays []time.Duration, alerter alert.Alerter, emitter audit.Emitter) *Guard {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if len(delays) == 0 {
		delays = []time.Duration{time.Second}
	}
	if alerter == nil {
		alerter = alert.LogAlerter{}
	}
	if emitter == nil {
		emitter = audit.LogEmitter{}
	}

	settings := cb.Settings{Name: "broker"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 60 * time.Second
	settings.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	return &Guard{
		inner:       inner,
		breaker:     cb.NewCircuitBreaker(settings),
		maxAttempts: maxAttempts,
		delays:      delays,
		alerter:     alerter,
		emitter:     emitter,
		sleep:       time.Sleep,
	}
}

func (g *Guard) delayFor(attempt int) time.Duration {
	if attempt >= len(g.delays) {
		return g.delays[len(g.delays)-1]
	}
	return g.delays[attempt]
}

func (g *Guard) call(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := g.breaker.Execute(fn)
		if err == nil {
			return res, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("broker call failed")

		if attempt < g.maxAttempts-1 {
			g.sleep(g.delayFor(attempt))
		}
	}

	esc := &EscalationError{Op: op, Attempts: g.maxAttempts, Last: lastErr}
	g.alerter.EmitAlert(alert.LevelCritical, "broker connectivity escalated to human", map[string]any{
		"op": op, "attempts": g.maxAttempts, "error": lastErr.Error(),
	})
	audit.Append(g.emitter, audit.Record{
		BeadType: audit.BeadBrokerEscalated,
		EntityID: op,
		Reason:   lastErr.Error(),
		Details:  map[string]any{"attempts": g.maxAttempts},
	})
	return nil, esc
}

func (g *Guard) GetPositions(ctx context.Context) (*Snapshot, error) {
	res, err := g.call(ctx, "get_positions", func() (any, error) {
		return g.inner.GetPositions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Snapshot), nil
}

func (g *Guard) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	res, err := g.call(ctx, "submit_order", func() (any, error) {
		return g.inner.SubmitOrder(ctx, req)
	})
	if err != nil {
		return OrderResult{}, err
	}
	return res.(OrderResult), nil
}

func (g *Guard) CancelOrder(ctx context.Context, orderID string) (CancelResult, error) {
	res, err := g.call(ctx, "cancel_order", func() (any, error) {
		return g.inner.CancelOrder(ctx, orderID)
	})
	if err != nil {
		return CancelResult{}, err
	}
	return res.(CancelResult), nil
}
