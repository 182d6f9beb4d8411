// Package equity watches participant equity against configured stop-loss and
// take-profit thresholds and triggers a full close of the participant's
// positions when one is breached. A triggered participant is guarded against
// duplicate closes until its open orders actually reflect the closure.
package equity

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"pamm-core/internal/events"
	"pamm-core/internal/fanout"
	"pamm-core/pkg/cache"
	"pamm-core/pkg/config"
	"pamm-core/pkg/db"
)

// Closer is the slice of the fan-out executor the monitor needs.
type Closer interface {
	CloseParticipant(ctx context.Context, participantID string) (fanout.Summary, error)
}

// Status is a snapshot of the monitor's loop state.
type Status struct {
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval"`
	Runs      uint64        `json:"runs"`
	Triggered uint64        `json:"triggered"`
	Errors    uint64        `json:"errors"`
	InFlight  int           `json:"in_flight"`
	LastRun   time.Time     `json:"last_run"`
}

// Monitor periodically evaluates every threshold-configured participant.
type Monitor struct {
	database *db.Database
	store    cache.Store
	closer   Closer
	catalog  *config.Catalog
	bus      *events.Bus
	log      *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	inFlight  map[string]bool
	runs      uint64
	triggered uint64
	errors    uint64
	lastRun   time.Time
}

func NewMonitor(database *db.Database, store cache.Store, closer Closer, catalog *config.Catalog, bus *events.Bus, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		database: database,
		store:    store,
		closer:   closer,
		catalog:  catalog,
		bus:      bus,
		log:      logger,
		interval: interval,
		inFlight: make(map[string]bool),
	}
}

// Start launches the evaluation loop. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(loopCtx, m.done)
	m.log.Info("equity monitor started", "interval", m.interval)
}

// Stop halts the loop and waits for the in-progress tick to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.log.Info("equity monitor stopped")
}

// Status returns the loop counters.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running:   m.running,
		Interval:  m.interval,
		Runs:      m.runs,
		Triggered: m.triggered,
		Errors:    m.errors,
		InFlight:  len(m.inFlight),
		LastRun:   m.lastRun,
	}
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick evaluates every monitored participant once. Exported so a settlement
// event or a test can force an immediate evaluation.
func (m *Monitor) Tick(ctx context.Context) {
	m.mu.Lock()
	m.runs++
	m.lastRun = time.Now()
	m.mu.Unlock()

	participants, err := m.database.ListEquityMonitored(ctx)
	if err != nil {
		m.countError()
		m.log.Error("list monitored participants failed", "err", err)
		return
	}

	for _, p := range participants {
		m.evaluate(ctx, p)
	}
}

func (m *Monitor) evaluate(ctx context.Context, p db.Participant) {
	open, err := m.database.ListOpenChildOrdersByParticipant(ctx, p.ID)
	if err != nil {
		m.countError()
		m.log.Error("list open orders failed", "participant", p.ID, "err", err)
		return
	}

	// The guard clears only once the closure is visible in the order set, so
	// a close still in flight cannot be triggered twice.
	if len(open) == 0 {
		m.mu.Lock()
		delete(m.inFlight, p.ID)
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	busy := m.inFlight[p.ID]
	m.mu.Unlock()
	if busy {
		return
	}

	equity, ok := m.equity(ctx, p, open)
	if !ok {
		return
	}

	reason := m.breached(p, equity)
	if reason == "" {
		return
	}

	m.mu.Lock()
	m.inFlight[p.ID] = true
	m.triggered++
	m.mu.Unlock()

	m.log.Warn("equity threshold breached, closing participant",
		"participant", p.ID, "equity", equity, "reason", reason)
	m.bus.Publish(events.EventEquityTriggered, p.ID)

	if _, err := m.closer.CloseParticipant(ctx, p.ID); err != nil {
		m.countError()
		m.log.Error("triggered close failed", "participant", p.ID, "err", err)
		// Allow a retry on the next tick.
		m.mu.Lock()
		delete(m.inFlight, p.ID)
		m.mu.Unlock()
	}
}

// equity computes balance plus unrealized P&L over the open children. A
// missing price for any open symbol makes the evaluation inconclusive and the
// participant is skipped this tick.
func (m *Monitor) equity(ctx context.Context, p db.Participant, open []db.ChildOrder) (float64, bool) {
	equity := p.Balance.InexactFloat64()

	for _, c := range open {
		if c.Status != db.StatusOpen {
			continue
		}
		price, ok := m.lastPrice(ctx, c.Symbol)
		if !ok {
			m.countError()
			m.log.Warn("no price for open symbol, skipping evaluation",
				"participant", p.ID, "symbol", c.Symbol)
			return 0, false
		}
		in, ok := m.catalog.Get(c.Symbol)
		if !ok {
			m.countError()
			m.log.Warn("open symbol not in catalog", "participant", p.ID, "symbol", c.Symbol)
			return 0, false
		}

		delta := (price - c.EntryPrice) * in.ContractSize * c.Quantity
		if c.Side == db.SideSell {
			delta = -delta
		}
		equity += delta
	}
	return equity, true
}

// breached returns which threshold fired, or "".
func (m *Monitor) breached(p db.Participant, equity float64) string {
	if floor, ok := threshold(p.StopLossType, p.StopLossValue, p.InitialInvestment, -1); ok && equity <= floor {
		return "stop_loss"
	}
	if ceiling, ok := threshold(p.TakeProfitType, p.TakeProfitValue, p.InitialInvestment, +1); ok && equity >= ceiling {
		return "take_profit"
	}
	return ""
}

// threshold converts a configured threshold into an absolute equity level.
// Percent thresholds are relative to the initial investment; sign selects the
// direction (-1 stop-loss, +1 take-profit).
func threshold(kind string, value, initial, sign float64) (float64, bool) {
	switch kind {
	case db.ThresholdPercent:
		if initial <= 0 || value <= 0 {
			return 0, false
		}
		return initial * (1 + sign*value/100), true
	case db.ThresholdAmount:
		if value <= 0 {
			return 0, false
		}
		return value, true
	default:
		return 0, false
	}
}

func (m *Monitor) lastPrice(ctx context.Context, symbol string) (float64, bool) {
	fields, err := m.store.HGetAll(ctx, cache.PriceKey(symbol))
	if err != nil {
		return 0, false
	}
	raw := fields["price"]
	if raw == "" {
		return 0, false
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil || price <= 0 {
		return 0, false
	}
	return price, true
}

func (m *Monitor) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
