// Package fanout turns one parent instruction into many independent child
// orders, serializing all mutations behind distributed locks and tolerating
// partial failure: one participant's error is recorded and the wave
// continues, the instruction as a whole only fails when nobody succeeds.
package fanout

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"pamm-core/internal/events"
	"pamm-core/internal/execution"
	"pamm-core/internal/ledger"
	"pamm-core/internal/lock"
	"pamm-core/internal/reconcile"
	"pamm-core/internal/resolver"
	"pamm-core/internal/telemetry"
	"pamm-core/pkg/cache"
	"pamm-core/pkg/config"
	"pamm-core/pkg/db"
)

// Config tunes the executor's locking and margin model.
type Config struct {
	LockTTL         time.Duration
	DefaultLeverage float64
	// ZeroAllocationFails makes an instruction whose every participant was
	// rejected by zero-allocation-after-rounding fail hard. Policy knob, off
	// by default: such rejections normally do not count toward a failure
	// threshold.
	ZeroAllocationFails bool
	// Metrics is optional; a nil value disables recording.
	Metrics *telemetry.Metrics
}

// Executor runs fan-out waves for placement, close, cancel and protection
// changes.
type Executor struct {
	database *db.Database
	store    cache.Store
	locks    *lock.Manager
	exec     execution.Client
	resolve  *resolver.Resolver
	recon    *reconcile.Service
	ledger   *ledger.Poster
	catalog  *config.Catalog
	bus      *events.Bus
	log      *slog.Logger
	cfg      Config
}

func NewExecutor(
	database *db.Database,
	store cache.Store,
	locks *lock.Manager,
	execClient execution.Client,
	res *resolver.Resolver,
	recon *reconcile.Service,
	poster *ledger.Poster,
	catalog *config.Catalog,
	bus *events.Bus,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.DefaultLeverage == 0 {
		cfg.DefaultLeverage = 100
	}
	return &Executor{
		database: database,
		store:    store,
		locks:    locks,
		exec:     execClient,
		resolve:  res,
		recon:    recon,
		ledger:   poster,
		catalog:  catalog,
		bus:      bus,
		log:      logger,
		cfg:      cfg,
	}
}

// waveTimer starts timing one wave. With no metrics configured the timer
// still runs, it just records nowhere.
func (e *Executor) waveTimer() *telemetry.Timer {
	if m := e.cfg.Metrics; m != nil {
		return telemetry.NewTimer(m.WaveLatency)
	}
	return telemetry.NewTimer(nil)
}

// recordWave stops the wave timer and feeds the outcome counters, when
// configured.
func (e *Executor) recordWave(timer *telemetry.Timer, summary Summary) {
	timer.Stop()
	m := e.cfg.Metrics
	if m == nil {
		return
	}
	m.IncrementWaves()
	m.AddChildOutcomes(summary.Successful(), summary.Failed())
}

func (e *Executor) recordSettlement() {
	if m := e.cfg.Metrics; m != nil {
		m.IncrementSettlements()
	}
}

// requiredMargin estimates the margin a child order will consume:
// contractSize * quantity * price * marginFactor / leverage. The margin
// factor defaults to 1 and is raised for instruments that demand it.
func (e *Executor) requiredMargin(in config.Instrument, quantity, price float64) float64 {
	leverage := in.Leverage
	if leverage == 0 {
		leverage = e.cfg.DefaultLeverage
	}
	return in.ContractSize * quantity * price * in.MarginFactor / leverage
}

// referencePrice picks the price used for margin estimation: the caller's
// requested price when given, else the cached last price for the symbol.
func (e *Executor) referencePrice(ctx context.Context, symbol string, requested float64) (float64, error) {
	if requested > 0 {
		return requested, nil
	}
	fields, err := e.store.HGetAll(ctx, cache.PriceKey(symbol))
	if err == nil {
		if raw := fields["price"]; raw != "" {
			if p, perr := strconv.ParseFloat(raw, 64); perr == nil && p > 0 {
				return p, nil
			}
		}
	}
	return 0, ErrPriceUnavailable
}

// projectChild mirrors a child order into its canonical cache projection.
// Projection failures are logged and never fail the wave: the cache is a
// derived view and the resolver heals it on demand.
func (e *Executor) projectChild(ctx context.Context, row db.ChildOrder) {
	if err := e.store.HSet(ctx, cache.OrderKey(row.ID), resolver.ProjectionFields(row)); err != nil {
		e.log.Warn("project child order to cache failed", "order", row.ID, "err", err)
		return
	}
	if err := e.store.Publish(ctx, cache.ChannelOrderUpdated, row.ID); err != nil {
		e.log.Warn("cache change notify failed", "order", row.ID, "err", err)
	}
}

// releaseMargin hands a settled child's margin back to its participant.
// Best effort: the snapshot is derived state and the next wave recomputes it.
func (e *Executor) releaseMargin(ctx context.Context, child db.ChildOrder) {
	participant, err := e.database.GetParticipant(ctx, child.ParticipantID)
	if err != nil {
		e.log.Warn("release margin: participant lookup failed",
			"participant", child.ParticipantID, "err", err)
		return
	}
	used := participant.UsedMargin - child.Margin
	if used < 0 {
		used = 0
	}
	e.mirrorMargin(ctx, *participant, used)
}

// recomputeGuarded rebuilds a parent under the aggregate-account lock when it
// can get it. A busy account does not block the rebuild: the recompute is a
// full idempotent derivation from the child set, so the last writer is always
// correct; the lock just keeps it from interleaving with a wave in flight.
func (e *Executor) recomputeGuarded(ctx context.Context, parentID string) {
	parent, err := e.database.GetAggregateOrder(ctx, parentID)
	if err != nil {
		e.log.Error("reconciliation lookup failed", "order", parentID, "err", err)
		return
	}
	if handle, err := e.locks.Acquire(ctx, lock.ResourceAggregate, parent.AccountID, e.cfg.LockTTL); err == nil {
		defer e.locks.Release(ctx, handle)
	}
	if err := e.recon.RecomputeOrder(ctx, parentID); err != nil {
		e.log.Error("reconciliation failed", "order", parentID, "err", err)
	}
}

// mirrorMargin refreshes a participant's used/free margin snapshot in the
// system of record and the fast-path cache.
func (e *Executor) mirrorMargin(ctx context.Context, p db.Participant, usedMargin float64) {
	freeMargin := p.Balance.InexactFloat64() - usedMargin
	if freeMargin < 0 {
		freeMargin = 0
	}
	if err := e.database.UpdateParticipantMargin(ctx, p.ID, usedMargin, freeMargin); err != nil {
		e.log.Error("mirror participant margin failed", "participant", p.ID, "err", err)
		return
	}
	err := e.store.HSet(ctx, cache.MarginKey(p.ID), map[string]string{
		"used_margin": strconv.FormatFloat(usedMargin, 'f', -1, 64),
		"free_margin": strconv.FormatFloat(freeMargin, 'f', -1, 64),
	})
	if err != nil {
		e.log.Warn("mirror margin to cache failed", "participant", p.ID, "err", err)
	}
}
