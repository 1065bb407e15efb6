// Package recorder persists normalized ticks to PostgreSQL in batches.
// Recording is strictly off the broadcast path: Record never blocks,
// and a full buffer drops ticks rather than stalling fan-out.
package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeterm/feedbridge/internal/model"
)

// Config controls batching behavior.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultConfig returns production batching defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 1 * time.Second,
		BufferSize:    10000,
	}
}

// Metrics counts recorder activity since start.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Dropped   int64
	Errors    int64
}

// tickStore is the slice of the pool the recorder writes through.
type tickStore interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Recorder buffers ticks and writes them to the ticks table in batches.
// It satisfies the session tick sink.
type Recorder struct {
	cfg    Config
	logger *slog.Logger

	input chan model.Tick
	db    tickStore

	batch   []tickRow
	batchMu sync.Mutex

	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

type tickRow struct {
	Symbol    string
	Token     string
	Exchange  string
	FeedType  string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	LastPrice float64
	Volume    int64
	TickTime  int64
	StoredAt  int64
}

// New creates a Recorder. db may be nil in tests that never flush.
func New(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		cfg:    cfg,
		logger: logger.With("component", "recorder"),
		input:  make(chan model.Tick, cfg.BufferSize),
		batch:  make([]tickRow, 0, cfg.BatchSize),
	}
	if db != nil {
		r.db = db
	}
	return r
}

// Record enqueues a tick for persistence. Never blocks; ticks are
// dropped when the buffer is full.
func (r *Recorder) Record(tick model.Tick) {
	select {
	case r.input <- tick:
	default:
		r.batchMu.Lock()
		r.metrics.Dropped++
		r.batchMu.Unlock()
	}
}

// Start begins consuming ticks and writing to the database.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	r.wg.Add(1)
	go r.consumeLoop()

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the goroutines and performs a final flush.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	if r.cancel != nil {
		r.cancel()
	}
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("recorder stopped")
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
	}

	// Final flush runs on the caller's context; the internal one is
	// already cancelled and would fail the insert.
	r.flush(ctx)
	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case tick := <-r.input:
			r.handleTick(tick)
		}
	}
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flush(r.ctx)
		}
	}
}

func (r *Recorder) handleTick(tick model.Tick) {
	row := transform(tick)

	r.batchMu.Lock()
	r.batch = append(r.batch, row)
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush(r.ctx)
	}
}

func transform(tick model.Tick) tickRow {
	return tickRow{
		Symbol:    tick.Symbol,
		Token:     tick.Token,
		Exchange:  tick.Exchange,
		FeedType:  tick.FeedType,
		Open:      tick.Data.Open,
		High:      tick.Data.High,
		Low:       tick.Data.Low,
		Close:     tick.Data.Close,
		LastPrice: tick.Data.LastPrice,
		Volume:    tick.Data.Volume,
		TickTime:  tick.Data.Time,
		StoredAt:  time.Now().UnixMicro(),
	}
}

// flush writes the current batch to the database.
func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]tickRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	conflicts, err := r.batchInsert(ctx, batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(len(batch) - conflicts)
	r.metrics.Conflicts += int64(conflicts)
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed ticks",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(ctx context.Context, rows []tickRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO ticks (symbol, token, exchange, feed_type, open, high, low, close, last_price, volume, tick_time, stored_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (token, tick_time, feed_type) DO NOTHING
		`, row.Symbol, row.Token, row.Exchange, row.FeedType, row.Open, row.High, row.Low, row.Close, row.LastPrice, row.Volume, row.TickTime, row.StoredAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
