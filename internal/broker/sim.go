package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimBroker is the in-memory broker used in sim mode and in tests. Orders
// fill immediately at the requested price; tests can skew reported
// quantities to exercise the reconciler.
type SimBroker struct {
	mu        sync.Mutex
	positions map[string]BrokerPosition
	account   AccountSummary
	orderSeq  int

	// RejectNext makes the next submission come back rejected.
	RejectNext string
	// FailNext makes the next call fail with a connectivity error.
	FailNext error
}

// NewSimBroker creates a simulated broker with a funded account.
func NewSimBroker() *SimBroker {
	return &SimBroker{
		positions: make(map[string]BrokerPosition),
		account:   AccountSummary{Currency: "USD", Balance: 100_000},
	}
}

func (b *SimBroker) takeFailure() error {
	err := b.FailNext
	b.FailNext = nil
	return err
}

func (b *SimBroker) GetPositions(context.Context) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return nil, err
	}

	snap := &Snapshot{Account: b.account, FetchedAt: time.Now()}
	for _, p := range b.positions {
		snap.Positions = append(snap.Positions, p)
	}
	return snap, nil
}

func (b *SimBroker) SubmitOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return OrderResult{}, err
	}
	if b.RejectNext != "" {
		reason := b.RejectNext
		b.RejectNext = ""
		return OrderResult{Accepted: false, RejectReason: reason, SubmittedAt: time.Now()}, nil
	}

	b.orderSeq++
	orderID := fmt.Sprintf("sim-%06d", b.orderSeq)
	b.positions[orderID] = BrokerPosition{
		OrderID:        orderID,
		Pair:           req.Pair,
		Side:           req.Side,
		Quantity:       req.Quantity,
		FilledQuantity: req.Quantity,
		AvgPrice:       req.Price,
		OpenedAt:       time.Now(),
	}
	return OrderResult{Accepted: true, OrderID: orderID, SubmittedAt: time.Now()}, nil
}

func (b *SimBroker) CancelOrder(_ context.Context, orderID string) (CancelResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return CancelResult{}, err
	}
	if _, ok := b.positions[orderID]; !ok {
		return CancelResult{Cancelled: false, Reason: "unknown order"}, nil
	}
	delete(b.positions, orderID)
	return CancelResult{Cancelled: true}, nil
}

// Seed installs broker positions directly, for reconciliation tests.
func (b *SimBroker) Seed(positions ...BrokerPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range positions {
		b.positions[p.OrderID] = p
	}
}

// Skew overwrites the reported quantities of an existing position to
// simulate drift against internal bookkeeping.
func (b *SimBroker) Skew(orderID string, quantity, filled float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[orderID]
	if !ok {
		return
	}
	p.Quantity = quantity
	p.FilledQuantity = filled
	b.positions[orderID] = p
}

// Drop removes a position from the broker's report without cancelling it,
// simulating a missing-on-broker drift.
func (b *SimBroker) Drop(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, orderID)
}
