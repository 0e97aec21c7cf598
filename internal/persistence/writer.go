// Package persistence implements the buffered, asynchronous durability
// layer (§4.9, §6). A single background goroutine owns the database handle;
// every other package enqueues records through non-blocking channel sends
// and never waits on disk I/O.
//
// Modeled on the teacher's gorm-backed database layer
// (web3guy0-polybot/internal/database/database.go): a sqlite constructor,
// AutoMigrate for schema, and plain struct models with gorm tags. A
// postgres DSN is rejected with an error. The upsert-on-conflict writes for
// orders and positions use gorm's clause.OnConflict, not raw SQL.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"polymarket-mm/internal/config"
	"polymarket-mm/pkg/types"
)

// EventRecord durably logs every NormalizedEvent the engine processes.
type EventRecord struct {
	ID            uint `gorm:"primaryKey;autoIncrement"`
	Kind          string
	MarketID      string `gorm:"index"`
	TokenID       string
	RecvTS        time.Time
	ExchangeTS    time.Time
	CorrelationID string
	CreatedAt     time.Time
}

// OrderIntentRecord logs every strategy Intent and its order-manager verdict.
type OrderIntentRecord struct {
	ID            uint `gorm:"primaryKey;autoIncrement"`
	Type          string
	MarketID      string `gorm:"index"`
	TokenID       string
	Side          string
	Price         float64
	Size          float64
	TTLMs         int64
	OrderRef      string
	Accepted      bool
	Reason        string
	ClientOrderID string
	CreatedAt     time.Time
}

// OrderRecord mirrors a ManagedOrder, upserted by ClientOrderID on every
// mutation so the table always reflects current state.
type OrderRecord struct {
	ClientOrderID string `gorm:"primaryKey"`
	VenueOrderID  string `gorm:"index"`
	MarketID      string `gorm:"index"`
	TokenID       string
	Side          string
	Price         float64
	Size          float64
	RemainingSize float64
	Status        string
	CreatedTS     time.Time
	LastUpdateTS  time.Time
	TTLMs         int64
	AckTS         time.Time
	FirstFillTS   time.Time
	RiskBreach    bool
}

// FillRecord is an append-only log of individual fills.
type FillRecord struct {
	ID            uint `gorm:"primaryKey;autoIncrement"`
	ClientOrderID string `gorm:"index"`
	VenueOrderID  string
	Side          string
	Price         float64
	Size          float64
	TradeID       string
	RecvTS        time.Time
}

// PositionRecord mirrors types.Position, upserted by its Key() on every
// change.
type PositionRecord struct {
	Key       string `gorm:"primaryKey"`
	MarketID  string `gorm:"index"`
	TokenID   string
	Qty       float64
	AvgPrice  float64
	UpdatedTS time.Time
}

// PnLSnapshotRecord is a periodic point-in-time snapshot of risk engine state.
type PnLSnapshotRecord struct {
	ID            uint `gorm:"primaryKey;autoIncrement"`
	TS            time.Time
	RealizedPnL   float64
	UnrealizedPnL float64
	Cash          float64
	TotalExposure float64
	EngineState   string
}

// LatencyMetricRecord logs one request-roundtrip observation.
type LatencyMetricRecord struct {
	ID        uint `gorm:"primaryKey;autoIncrement"`
	TS        time.Time
	Operation string
	LatencyMs float64
}

// BookSnapshotRecord is a periodic snapshot of one token's top of book.
type BookSnapshotRecord struct {
	ID       uint `gorm:"primaryKey;autoIncrement"`
	MarketID string `gorm:"index"`
	TokenID  string
	RecvTS   time.Time
	BestBid  float64
	BestAsk  float64
	Mid      float64
	Active   bool
}

// ErrorRecord logs an operational error for post-mortem queries.
type ErrorRecord struct {
	ID        uint `gorm:"primaryKey;autoIncrement"`
	TS        time.Time
	Component string
	Message   string
}

// Writer is the single-goroutine buffered writer. All Persist* methods are
// safe to call from any goroutine; they enqueue and return immediately.
type Writer struct {
	db     *gorm.DB
	cfg    config.PersistenceConfig
	logger *slog.Logger

	queue chan any
	stop  chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	pending int
}

// New opens the sqlite database and runs AutoMigrate for every model. A
// postgres:// or postgresql:// DSN returns an error.
func New(cfg config.PersistenceConfig, logger *slog.Logger) (*Writer, error) {
	var db *gorm.DB
	var err error

	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	if strings.HasPrefix(cfg.DBPath, "postgres://") || strings.HasPrefix(cfg.DBPath, "postgresql://") {
		return nil, fmt.Errorf("persistence: postgres driver not wired in this build; use sqlite dsn")
	}

	dir := filepath.Dir(cfg.DBPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("persistence: create db dir: %w", err)
		}
	}
	db, err = gorm.Open(sqlite.Open(cfg.DBPath), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite: %w", err)
	}

	if err := db.AutoMigrate(
		&EventRecord{}, &OrderIntentRecord{}, &OrderRecord{}, &FillRecord{},
		&PositionRecord{}, &PnLSnapshotRecord{}, &LatencyMetricRecord{},
		&BookSnapshotRecord{}, &ErrorRecord{},
	); err != nil {
		return nil, fmt.Errorf("persistence: automigrate: %w", err)
	}

	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 10000
	}

	w := &Writer{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "persistence"),
		queue:  make(chan any, capacity),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	return w, nil
}

// Run drains the queue until Stop is called, flushing on a timer or when the
// queue crosses HighWatermark.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	interval := w.cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := newBatch()

	flush := func() {
		if batch.empty() {
			return
		}
		if err := batch.writeTo(w.db); err != nil {
			w.logger.Error("flush failed", "error", err)
		}
		batch = newBatch()
	}

	highWatermark := w.cfg.HighWatermark
	if highWatermark <= 0 {
		highWatermark = int(float64(cap(w.queue)) * 0.8)
	}

	for {
		select {
		case <-ctx.Done():
			w.drainRemaining(batch)
			return
		case <-w.stop:
			w.drainRemaining(batch)
			return
		case <-ticker.C:
			flush()
		case item := <-w.queue:
			w.decPending()
			batch.add(item)
			if len(w.queue) >= highWatermark {
				w.logger.Warn("persistence queue crossed high watermark, emergency flush", "queue_len", len(w.queue))
				flush()
			}
		}
	}
}

func (w *Writer) drainRemaining(batch *writeBatch) {
	for {
		select {
		case item := <-w.queue:
			w.decPending()
			batch.add(item)
		default:
			if err := batch.writeTo(w.db); err != nil {
				w.logger.Error("final flush failed", "error", err)
			}
			return
		}
	}
}

// Stop signals Run to flush and exit, waiting up to FlushTimeout.
func (w *Writer) Stop() {
	close(w.stop)
	timeout := w.cfg.FlushTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-w.done:
	case <-time.After(timeout):
		w.logger.Warn("persistence shutdown flush timed out", "timeout", timeout)
	}
}

func (w *Writer) enqueue(item any) {
	w.mu.Lock()
	w.pending++
	w.mu.Unlock()
	select {
	case w.queue <- item:
	default:
		w.decPending()
		w.logger.Warn("persistence queue full, dropping record", "type", fmt.Sprintf("%T", item))
	}
}

func (w *Writer) decPending() {
	w.mu.Lock()
	w.pending--
	w.mu.Unlock()
}

// PendingCount reports how many records are enqueued but not yet flushed
// (dashboard/backpressure observability).
func (w *Writer) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// ————————————————————————————————————————————————————————————————————————
// Public enqueue API — one method per logical table.
// ————————————————————————————————————————————————————————————————————————

func (w *Writer) PersistEvent(e types.NormalizedEvent) {
	w.enqueue(EventRecord{
		Kind: string(e.Kind), MarketID: e.MarketID, TokenID: e.TokenID,
		RecvTS: e.RecvTS, ExchangeTS: e.ExchangeTS, CorrelationID: e.CorrelationID,
		CreatedAt: time.Now(),
	})
}

func (w *Writer) PersistIntent(intent types.Intent, decision types.OrderDecision) {
	w.enqueue(OrderIntentRecord{
		Type: string(intent.Type), MarketID: intent.MarketID, TokenID: intent.TokenID,
		Side: string(intent.Side), Price: intent.Price, Size: intent.Size, TTLMs: intent.TTLMs,
		OrderRef: intent.OrderRef, Accepted: decision.Accepted, Reason: decision.Reason,
		ClientOrderID: decision.ClientOrderID, CreatedAt: time.Now(),
	})
}

// PersistOrder implements orders.Persister: every ManagedOrder mutation is
// upserted by ClientOrderID.
func (w *Writer) PersistOrder(o types.ManagedOrder) {
	w.enqueue(OrderRecord{
		ClientOrderID: o.ClientOrderID, VenueOrderID: o.VenueOrderID, MarketID: o.MarketID,
		TokenID: o.TokenID, Side: string(o.Side), Price: o.Price, Size: o.Size,
		RemainingSize: o.RemainingSize, Status: string(o.Status), CreatedTS: o.CreatedTS,
		LastUpdateTS: o.LastUpdateTS, TTLMs: o.TTLMs, AckTS: o.AckTS,
		FirstFillTS: o.FirstFillTS, RiskBreach: o.RiskBreach,
	})
}

func (w *Writer) PersistFill(f types.FillPayload, recvTS time.Time) {
	w.enqueue(FillRecord{
		ClientOrderID: f.ClientOrderID, VenueOrderID: f.VenueOrderID, Side: string(f.Side),
		Price: f.Price, Size: f.Size, TradeID: f.TradeID, RecvTS: recvTS,
	})
}

// PersistPosition upserts a Position by its Key().
func (w *Writer) PersistPosition(p types.Position) {
	w.enqueue(PositionRecord{
		Key: p.Key(), MarketID: p.MarketID, TokenID: p.TokenID,
		Qty: p.Qty, AvgPrice: p.AvgPrice, UpdatedTS: p.UpdatedTS,
	})
}

func (w *Writer) PersistPnLSnapshot(realized, unrealized, cash, exposure float64, state types.EngineState) {
	w.enqueue(PnLSnapshotRecord{
		TS: time.Now(), RealizedPnL: realized, UnrealizedPnL: unrealized,
		Cash: cash, TotalExposure: exposure, EngineState: string(state),
	})
}

func (w *Writer) PersistLatency(operation string, latencyMs float64) {
	w.enqueue(LatencyMetricRecord{TS: time.Now(), Operation: operation, LatencyMs: latencyMs})
}

func (w *Writer) PersistBookSnapshot(b types.BookState) {
	bid, ask := b.BestBid(), b.BestAsk()
	mid, _ := b.Mid()
	w.enqueue(BookSnapshotRecord{
		MarketID: b.MarketID, TokenID: b.TokenID, RecvTS: b.RecvTS,
		BestBid: bid, BestAsk: ask, Mid: mid, Active: b.Active,
	})
}

func (w *Writer) PersistError(component, message string) {
	w.enqueue(ErrorRecord{TS: time.Now(), Component: component, Message: message})
}
