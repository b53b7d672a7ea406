package position

import (
	"time"

	"github.com/phoenixdesk/phoenix/internal/alert"
	"github.com/phoenixdesk/phoenix/internal/audit"
	"github.com/phoenixdesk/phoenix/internal/metrics"
)

// TransitionRequest carries a requested transition plus the state-specific
// payload captured at that boundary.
type TransitionRequest struct {
	To State
	// Actor names the human taking a human-only transition; automation
	// leaves it empty.
	Actor  string
	Reason string

	// Captured on APPROVED.
	TokenID string
	// Captured on SUBMITTED / FILLED.
	BrokerOrderID  string
	FillPrice      float64
	FilledQuantity float64
	// Captured on CLOSED.
	ExitPrice float64
	// Captured on STALLED.
	StallReason string
}

// Lifecycle validates and applies transitions. It never creates or deletes
// positions; the Tracker owns those concerns and serializes calls into
// Apply per position.
type Lifecycle struct {
	emitter audit.Emitter
	alerter alert.Alerter
	now     func() time.Time
}

// NewLifecycle wires the lifecycle to the audit and alert collaborators.
func NewLifecycle(emitter audit.Emitter, alerter alert.Alerter) *Lifecycle {
	if emitter == nil {
		emitter = audit.LogEmitter{}
	}
	if alerter == nil {
		alerter = alert.LogAlerter{}
	}
	return &Lifecycle{emitter: emitter, alerter: alerter, now: time.Now}
}

// Apply validates the transition against the static table and applies it.
// Illegal transitions are rejected with the legal next states attached and
// leave the position untouched. The audit record is emitted unconditionally
// after the state change; an audit sink failure never rolls the change back.
func (l *Lifecycle) Apply(p *Position, req TransitionRequest) error {
	rule, legal := lookup(p.State, req.To)
	if !legal {
		return &IllegalTransitionError{
			PositionID: p.PositionID,
			From:       p.State,
			To:         req.To,
			Legal:      LegalNext(p.State),
		}
	}
	if rule.HumanOnly && req.Actor == "" {
		return &HumanRequiredError{PositionID: p.PositionID, From: p.State, To: req.To}
	}

	from := p.State
	p.PreviousState = from
	p.State = req.To
	p.StateChangedAt = l.now()

	switch req.To {
	case StateApproved:
		p.TokenID = req.TokenID
	case StateSubmitted:
		if req.BrokerOrderID != "" {
			p.BrokerOrderID = req.BrokerOrderID
		}
	case StateFilled:
		if req.FillPrice != 0 {
			p.EntryPrice = req.FillPrice
		}
		if req.FilledQuantity != 0 {
			p.FilledQuantity = req.FilledQuantity
		}
		if req.BrokerOrderID != "" {
			p.BrokerOrderID = req.BrokerOrderID
		}
		p.StallReason = ""
	case StateStalled:
		p.StallReason = req.StallReason
	case StateClosed:
		p.ExitPrice = req.ExitPrice
		p.RealizedPnL = p.realizedPnL(req.ExitPrice)
	}

	metrics.PositionTransitions.WithLabelValues(string(from), string(req.To)).Inc()
	if req.To == StateStalled {
		metrics.PositionsStalled.Inc()
	} else if from == StateStalled {
		metrics.PositionsStalled.Dec()
	}

	if rule.Alert {
		level := alert.LevelWarning
		if req.To == StateRejected {
			level = alert.LevelCritical
		}
		l.alerter.EmitAlert(level, "position "+string(from)+" -> "+string(req.To), map[string]any{
			"position_id": p.PositionID,
			"pair":        p.Pair,
			"reason":      req.Reason,
			"actor":       req.Actor,
		})
	}

	audit.Append(l.emitter, audit.Record{
		BeadType:   audit.BeadTransition,
		EntityID:   p.PositionID,
		PriorState: string(from),
		NewState:   string(req.To),
		Timestamp:  p.StateChangedAt,
		Reason:     req.Reason,
		Details: map[string]any{
			"intent_id":       p.IntentID,
			"actor":           req.Actor,
			"token_id":        p.TokenID,
			"broker_order_id": p.BrokerOrderID,
			"filled_quantity": p.FilledQuantity,
			"realized_pnl":    p.RealizedPnL,
		},
	})
	return nil
}
