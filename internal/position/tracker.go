package position

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ProposeRequest creates a new position from a trade intent.
type ProposeRequest struct {
	SignalID          string
	IntentID          string
	Pair              string
	Side              Side
	EntryPrice        float64
	StopPrice         float64
	TargetPrice       float64
	RequestedQuantity float64
}

// Tracker is the registry of positions. It is the single authoritative
// apply path: all transitions on one position are serialized under the
// tracker lock, so concurrent attempts resolve deterministically instead of
// last-write-wins. Positions are never deleted while non-terminal.
type Tracker struct {
	mu        sync.Mutex
	positions map[string]*Position
	lifecycle *Lifecycle

	now func() time.Time
}

// NewTracker creates an empty tracker around a lifecycle.
func NewTracker(lifecycle *Lifecycle) *Tracker {
	return &Tracker{
		positions: make(map[string]*Position),
		lifecycle: lifecycle,
		now:       time.Now,
	}
}

// Propose registers a new position in PROPOSED.
func (t *Tracker) Propose(req ProposeRequest) (Position, error) {
	if req.RequestedQuantity <= 0 {
		return Position{}, fmt.Errorf("requested quantity must be positive, got %f", req.RequestedQuantity)
	}
	if req.Side != SideLong && req.Side != SideShort {
		return Position{}, fmt.Errorf("invalid side %q", req.Side)
	}

	p := &Position{
		PositionID:        uuid.New().String(),
		SignalID:          req.SignalID,
		IntentID:          req.IntentID,
		State:             StateProposed,
		StateChangedAt:    t.now(),
		Pair:              req.Pair,
		Side:              req.Side,
		EntryPrice:        req.EntryPrice,
		StopPrice:         req.StopPrice,
		TargetPrice:       req.TargetPrice,
		RequestedQuantity: req.RequestedQuantity,
	}

	t.mu.Lock()
	t.positions[p.PositionID] = p
	t.mu.Unlock()

	log.Info().
		Str("position_id", p.PositionID).
		Str("intent_id", p.IntentID).
		Str("pair", p.Pair).
		Float64("requested_quantity", p.RequestedQuantity).
		Msg("position proposed")
	return *p, nil
}

// Get returns a copy of the position.
func (t *Tracker) Get(positionID string) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[positionID]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Transition applies a transition through the single authoritative path.
func (t *Tracker) Transition(positionID string, req TransitionRequest) (Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[positionID]
	if !ok {
		return Position{}, fmt.Errorf("unknown position %s", positionID)
	}
	if err := t.lifecycle.Apply(p, req); err != nil {
		return *p, err
	}
	return *p, nil
}

// Active returns copies of every non-terminal position, sorted by id.
func (t *Tracker) Active() []Position {
	return t.snapshot(func(p *Position) bool { return !p.State.Terminal() })
}

// All returns copies of every tracked position, sorted by id.
func (t *Tracker) All() []Position {
	return t.snapshot(func(*Position) bool { return true })
}

func (t *Tracker) snapshot(keep func(*Position) bool) []Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Position, 0, len(t.positions))
	for _, p := range t.positions {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// CheckStaleSubmitted forces any position sitting in SUBMITTED past the
// timeout into STALLED. The check is polled, not interrupt-driven, and is
// idempotent: a position already stalled is not touched again.
func (t *Tracker) CheckStaleSubmitted(timeout time.Duration) []Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var stalled []Position
	for _, p := range t.positions {
		if p.State != StateSubmitted {
			continue
		}
		if now.Sub(p.StateChangedAt) <= timeout {
			continue
		}
		err := t.lifecycle.Apply(p, TransitionRequest{
			To:          StateStalled,
			Reason:      "stale submission sweep",
			StallReason: fmt.Sprintf("no broker acknowledgment within %s", timeout),
		})
		if err != nil {
			// SUBMITTED -> STALLED is always in the table; reaching here is
			// a table regression and must be loud.
			log.Error().Err(err).Str("position_id", p.PositionID).Msg("stale sweep transition failed")
			continue
		}
		stalled = append(stalled, *p)
	}
	return stalled
}

// GC drops terminal positions whose last change aged past the retention
// window. Non-terminal positions are never collected.
func (t *Tracker) GC(retention time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-retention)
	removed := 0
	for id, p := range t.positions {
		if p.State.Terminal() && p.StateChangedAt.Before(cutoff) {
			delete(t.positions, id)
			removed++
		}
	}
	return removed
}
