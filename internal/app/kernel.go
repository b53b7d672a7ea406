// Package app assembles the trading safety kernel: the halt mesh, the tiered
// governance modules, the approval-token workflow, the position lifecycle and
// the reconciler, plus the background loops that keep them honest.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/phoenixdesk/phoenix/internal/alert"
	"github.com/phoenixdesk/phoenix/internal/audit"
	"github.com/phoenixdesk/phoenix/internal/broker"
	"github.com/phoenixdesk/phoenix/internal/config"
	"github.com/phoenixdesk/phoenix/internal/governance"
	"github.com/phoenixdesk/phoenix/internal/halt"
	"github.com/phoenixdesk/phoenix/internal/httpapi"
	"github.com/phoenixdesk/phoenix/internal/metrics"
	"github.com/phoenixdesk/phoenix/internal/position"
	"github.com/phoenixdesk/phoenix/internal/reconcile"
	"github.com/phoenixdesk/phoenix/internal/token"
)

// Kernel owns every safety collaborator and the only paths through which
// capital actions flow.
type Kernel struct {
	cfg config.Config

	mesh    *halt.Mesh
	emitter audit.Emitter
	alerter alert.Alerter
	hub     *httpapi.Hub

	store     token.Store
	issuer    *token.Issuer
	validator *token.Validator

	tracker    *position.Tracker
	broker     broker.Broker
	reconciler *reconcile.Reconciler

	executor *ExecutionGate
	intake   *StrategyIntake
	watcher  *ReconWatcher

	http *httpapi.Server
}

type options struct {
	broker  broker.Broker
	redis   *redis.Client
	auditDB *sqlx.DB
}

// Option overrides a collaborator during construction, mainly for tests and
// for live broker adapters built outside the kernel.
type Option func(*options)

// WithBroker injects a broker adapter. Required in live mode.
func WithBroker(b broker.Broker) Option { return func(o *options) { o.broker = b } }

// WithRedisClient injects a Redis client for the token store.
func WithRedisClient(c *redis.Client) Option { return func(o *options) { o.redis = c } }

// WithAuditDB injects an already-connected Postgres handle for the audit sink.
func WithAuditDB(db *sqlx.DB) Option { return func(o *options) { o.auditDB = db } }

// New wires a kernel from configuration. Every module is registered in the
// mesh and self-checked before New returns; a failed invariant aborts startup.
func New(cfg config.Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Mode == config.ModeLive && o.broker == nil {
		return nil, fmt.Errorf("live mode requires a broker adapter")
	}

	hub := httpapi.NewHub()

	baseAlerter := alert.LogAlerter{}
	alerter := alert.Func(func(level alert.Level, message string, details map[string]any) {
		baseAlerter.EmitAlert(level, message, details)
		hub.Publish(httpapi.Event{Kind: "alert", Payload: map[string]any{
			"level": string(level), "message": message, "details": details,
		}})
	})

	sinks := audit.MultiEmitter{
		audit.LogEmitter{},
		audit.EmitterFunc(func(rec audit.Record) error {
			hub.Publish(httpapi.Event{Kind: "bead", Payload: rec})
			return nil
		}),
	}
	if o.auditDB == nil && cfg.Postgres.DSN != "" {
		db, err := sqlx.Connect("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect audit sink: %w", err)
		}
		o.auditDB = db
	}
	if o.auditDB != nil {
		pg := audit.NewPostgresEmitter(o.auditDB, 5*time.Second)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	var emitter audit.Emitter = sinks

	var store token.Store
	switch {
	case o.redis != nil:
		store = token.NewRedisStore(o.redis, cfg.Tokens.CleanupHorizon)
	case cfg.Redis.Addr != "":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = token.NewRedisStore(client, cfg.Tokens.CleanupHorizon)
	default:
		store = token.NewMemoryStore()
	}

	tracker := position.NewTracker(position.NewLifecycle(emitter, alerter))

	inner := o.broker
	if inner == nil {
		inner = broker.NewSimBroker()
	}
	guarded := broker.NewGuard(inner, cfg.Broker.MaxAttempts, cfg.Broker.Delays, alerter, emitter)

	k := &Kernel{
		cfg:       cfg,
		mesh:      halt.NewMesh(emitter, alerter),
		emitter:   emitter,
		alerter:   alerter,
		hub:       hub,
		store:     store,
		issuer:    token.NewIssuer(store, emitter, cfg.Tokens.TTL, cfg.Tokens.MaxOutstanding),
		validator: token.NewValidator(store, emitter),
		tracker:   tracker,
		broker:    guarded,
		reconciler: reconcile.New(tracker, guarded, emitter, alerter,
			cfg.Reconcile.QtyTolerancePct, cfg.Reconcile.FillRatioTolerance, cfg.Reconcile.MaxRunsPerMinute),
		executor: NewExecutionGate(tracker),
		intake:   NewStrategyIntake(),
		watcher:  NewReconWatcher(),
	}
	k.http = httpapi.NewServer(cfg.HTTP.Host, cfg.HTTP.Port, k.mesh, tracker, k.reconciler, hub)

	if _, err := k.executor.Initialize(k.mesh, emitter, k.executor.StateSnapshot()); err != nil {
		return nil, err
	}
	if _, err := k.intake.Initialize(k.mesh, emitter, map[string]any{"signals": map[string]any{}}); err != nil {
		return nil, err
	}
	if _, err := k.watcher.Initialize(k.mesh, emitter, map[string]any{"drifts": map[string]any{}}); err != nil {
		return nil, err
	}

	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("token_store", fmt.Sprintf("%T", store)).
		Msg("kernel assembled")
	return k, nil
}

// Accessors for the command layer and tests.
func (k *Kernel) Mesh() *halt.Mesh                  { return k.mesh }
func (k *Kernel) Tracker() *position.Tracker        { return k.tracker }
func (k *Kernel) Reconciler() *reconcile.Reconciler { return k.reconciler }
func (k *Kernel) Executor() *ExecutionGate          { return k.executor }
func (k *Kernel) Intake() *StrategyIntake           { return k.intake }
func (k *Kernel) Watcher() *ReconWatcher            { return k.watcher }

// CurrentStateAnchor is the governance state hash evidence bundles should be
// anchored to at review time.
func (k *Kernel) CurrentStateAnchor() string { return k.executor.StateHash() }

// EmergencyHalt halts every registered module.
func (k *Kernel) EmergencyHalt(reason string) halt.GlobalReport {
	return k.mesh.GlobalHalt(reason)
}

// ClearHalts clears every module's halt signal after human review.
func (k *Kernel) ClearHalts(reason string) { k.mesh.ClearAll(reason) }

// ReceiveIntent takes a shaped trade intent through the intake tier and
// registers a PROPOSED position. No capital moves here.
func (k *Kernel) ReceiveIntent(_ context.Context, intent TradeIntent) (position.Position, error) {
	shaped, err := k.intake.ShapeIntent(intent)
	if err != nil {
		return position.Position{}, err
	}
	if err := k.executor.CheckHalt(); err != nil {
		return position.Position{}, err
	}
	if err := k.executor.CheckTierPermission("propose_position", governance.TargetPositions); err != nil {
		k.executor.ReportViolation(err)
		return position.Position{}, err
	}

	p, err := k.tracker.Propose(position.ProposeRequest{
		SignalID:          shaped.SignalID,
		IntentID:          shaped.IntentID,
		Pair:              shaped.Pair,
		Side:              shaped.Side,
		EntryPrice:        shaped.EntryPrice,
		StopPrice:         shaped.StopPrice,
		TargetPrice:       shaped.TargetPrice,
		RequestedQuantity: shaped.Quantity,
	})
	if err != nil {
		return position.Position{}, err
	}
	k.refreshAnchor()
	return p, nil
}

// ReviewEvidence is the human approval surface. It returns the blocking
// reasons when the bundle cannot be approved; otherwise it issues the token,
// anchored to the governance state the approval produces, and moves the
// position to APPROVED.
func (k *Kernel) ReviewEvidence(ctx context.Context, positionID, approvedBy string, bundle token.EvidenceBundle) (*token.Token, []string, error) {
	var blockers []string

	if approvedBy == "" {
		blockers = append(blockers, "approval requires a named human approver")
	}
	if err := k.executor.CheckHalt(); err != nil {
		blockers = append(blockers, "halt signal active: no approvals while halted")
	}
	if len(bundle.SafetyFlags) > 0 {
		blockers = append(blockers, fmt.Sprintf("safety flags raised during review: %v", bundle.SafetyFlags))
	}

	p, ok := k.tracker.Get(positionID)
	switch {
	case !ok:
		blockers = append(blockers, fmt.Sprintf("unknown position %s", positionID))
	case p.State != position.StateProposed:
		blockers = append(blockers, fmt.Sprintf("position is %s, only PROPOSED positions can be approved", p.State))
	case p.IntentID != bundle.IntentID:
		blockers = append(blockers, "evidence bundle is for a different intent")
	}
	if bundle.StateAnchor != "" && bundle.StateAnchor != k.executor.StateHash() {
		blockers = append(blockers, "evidence was reviewed against a stale state hash")
	}
	if len(blockers) > 0 {
		return nil, blockers, nil
	}

	// The anchor covers the governance state as of the approval itself, so
	// the token stays valid up to submission unless something else moves.
	anchor, err := k.approvalAnchor(positionID)
	if err != nil {
		return nil, nil, err
	}
	bundle.StateAnchor = anchor

	tok, err := k.issuer.Issue(ctx, bundle)
	if err != nil {
		return nil, nil, err
	}

	if _, err := k.tracker.Transition(positionID, position.TransitionRequest{
		To:      position.StateApproved,
		Actor:   approvedBy,
		Reason:  "human approval of evidence bundle",
		TokenID: tok.TokenID,
	}); err != nil {
		return nil, nil, err
	}
	k.refreshAnchor()
	return tok, nil, nil
}

// approvalAnchor hashes the executor state snapshot with the position already
// in APPROVED, the state the approval transition is about to produce.
func (k *Kernel) approvalAnchor(positionID string) (string, error) {
	snap := k.executor.StateSnapshot()
	positions, ok := snap["positions"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("executor snapshot missing positions map")
	}
	positions[positionID] = string(position.StateApproved)
	return governance.StateHash(snap)
}

// SubmitApproved consumes the approval token and presents the order to the
// broker. A transport failure after the token is consumed leaves the position
// in APPROVED and requires a fresh approval; there is no silent retry with
// the same token.
func (k *Kernel) SubmitApproved(ctx context.Context, positionID, tokenID, evidenceHash string) (position.Position, error) {
	p, ok := k.tracker.Get(positionID)
	if !ok {
		return position.Position{}, fmt.Errorf("unknown position %s", positionID)
	}
	if p.State != position.StateApproved {
		return p, fmt.Errorf("position %s is %s, not APPROVED", positionID, p.State)
	}
	if p.TokenID != tokenID {
		return p, fmt.Errorf("token %s does not belong to position %s", tokenID, positionID)
	}

	if _, err := k.executor.ValidateT2Action(ctx, k.validator, "submit_order", tokenID, p.IntentID, evidenceHash); err != nil {
		return p, err
	}
	if err := k.executor.CheckTierPermission("submit_order", governance.TargetOrders); err != nil {
		k.executor.ReportViolation(err)
		return p, err
	}
	if _, err := k.validator.Consume(ctx, tokenID); err != nil {
		return p, err
	}

	res, err := k.broker.SubmitOrder(ctx, broker.OrderRequest{
		IntentID:    p.IntentID,
		Pair:        p.Pair,
		Side:        string(p.Side),
		Quantity:    p.RequestedQuantity,
		Price:       p.EntryPrice,
		StopPrice:   p.StopPrice,
		TargetPrice: p.TargetPrice,
		ClientRef:   p.PositionID,
	})
	if err != nil {
		return p, fmt.Errorf("submission failed after token consumed, fresh approval required: %w", err)
	}

	p, err = k.tracker.Transition(positionID, position.TransitionRequest{
		To:            position.StateSubmitted,
		Reason:        "order presented to broker",
		BrokerOrderID: res.OrderID,
	})
	if err != nil {
		return p, err
	}
	if !res.Accepted {
		p, err = k.tracker.Transition(positionID, position.TransitionRequest{
			To:     position.StateRejected,
			Reason: res.RejectReason,
		})
	}
	k.refreshAnchor()
	return p, err
}

// ConfirmFill records the broker's fill confirmation. SUBMITTED and STALLED
// positions both accept a fill; a late fill clears the stall.
func (k *Kernel) ConfirmFill(_ context.Context, positionID, brokerOrderID string, fillPrice, filledQuantity float64) (position.Position, error) {
	if err := k.executor.CheckHalt(); err != nil {
		return position.Position{}, err
	}
	p, err := k.tracker.Transition(positionID, position.TransitionRequest{
		To:             position.StateFilled,
		Reason:         "broker fill confirmation",
		BrokerOrderID:  brokerOrderID,
		FillPrice:      fillPrice,
		FilledQuantity: filledQuantity,
	})
	if err != nil {
		return p, err
	}
	k.refreshAnchor()
	return p, nil
}

// ManagePosition moves a filled position under active management.
func (k *Kernel) ManagePosition(_ context.Context, positionID string) (position.Position, error) {
	if err := k.executor.CheckHalt(); err != nil {
		return position.Position{}, err
	}
	p, err := k.tracker.Transition(positionID, position.TransitionRequest{
		To:     position.StateManaged,
		Reason: "position under active management",
	})
	if err != nil {
		return p, err
	}
	k.refreshAnchor()
	return p, nil
}

// ClosePosition records the exit and the realized PnL.
func (k *Kernel) ClosePosition(_ context.Context, positionID, actor string, exitPrice float64, reason string) (position.Position, error) {
	if err := k.executor.CheckHalt(); err != nil {
		return position.Position{}, err
	}
	p, err := k.tracker.Transition(positionID, position.TransitionRequest{
		To:        position.StateClosed,
		Actor:     actor,
		Reason:    reason,
		ExitPrice: exitPrice,
	})
	if err != nil {
		return p, err
	}
	k.refreshAnchor()
	return p, nil
}

// CancelPosition cancels a position. Cancelling out of STALLED is human-only;
// the lifecycle rejects it without a named actor.
func (k *Kernel) CancelPosition(ctx context.Context, positionID, actor, reason string) (position.Position, error) {
	if err := k.executor.CheckHalt(); err != nil {
		return position.Position{}, err
	}
	p, ok := k.tracker.Get(positionID)
	if !ok {
		return position.Position{}, fmt.Errorf("unknown position %s", positionID)
	}

	// Cancel the broker order first when one is outstanding. Failure to
	// cancel leaves the position where it is; it will surface as drift.
	if p.BrokerOrderID != "" && (p.State == position.StateSubmitted || p.State == position.StateStalled) {
		if _, err := k.broker.CancelOrder(ctx, p.BrokerOrderID); err != nil {
			return p, fmt.Errorf("broker cancel failed, position left for reconciliation: %w", err)
		}
	}

	p, err := k.tracker.Transition(positionID, position.TransitionRequest{
		To:     position.StateCancelled,
		Actor:  actor,
		Reason: reason,
	})
	if err != nil {
		return p, err
	}
	k.refreshAnchor()
	return p, nil
}

// refreshAnchor recomputes the executor's state hash after any position
// mutation so token state anchors bind to the latest governance state.
func (k *Kernel) refreshAnchor() {
	if _, err := k.executor.UpdateStateHash(k.executor.StateSnapshot()); err != nil {
		log.Error().Err(err).Msg("executor state snapshot not hashable")
	}
}

// Run starts the operator HTTP server and the background loops and blocks
// until the context is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	log.Info().Msg("kernel running")

	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := k.http.Start(ctx); err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	}()

	loops := []func(context.Context){
		k.heartbeatLoop,
		k.staleSweepLoop,
		k.tokenSweepLoop,
		k.reconcileLoop,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// heartbeatLoop publishes per-module liveness for the monitoring layer.
func (k *Kernel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range []string{ModuleExecutionGate, ModuleStrategyIntake, ModuleReconWatcher} {
				metrics.ModuleHeartbeat.WithLabelValues(id).Set(float64(now.Unix()))
			}
		}
	}
}

// staleSweepLoop forces stuck submissions into STALLED and collects aged
// terminal positions. The sweep yields while the executor is halted.
func (k *Kernel) staleSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.Positions.StaleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if k.executor.CheckHalt() != nil {
				continue
			}
			if stalled := k.tracker.CheckStaleSubmitted(k.cfg.Positions.StaleSubmitTimeout); len(stalled) > 0 {
				k.refreshAnchor()
			}
			k.tracker.GC(k.cfg.Positions.Retention)
		}
	}
}

// tokenSweepLoop purges aged used and expired tokens. Cleanup is safe under
// halt and keeps running.
func (k *Kernel) tokenSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.Tokens.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := k.issuer.Sweep(ctx, k.cfg.Tokens.CleanupHorizon); err != nil {
				log.Warn().Err(err).Msg("token sweep failed")
			}
		}
	}
}

// reconcileLoop diffs tracker state against broker truth. Reconciliation is
// read-only and deliberately keeps running while halted: a halt is exactly
// when drift visibility matters most.
func (k *Kernel) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.Reconcile.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := k.reconciler.Reconcile(ctx); err != nil {
				log.Warn().Err(err).Msg("reconcile run failed")
			}
		}
	}
}
