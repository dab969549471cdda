// Package recorder persists received channel frames to TimescaleDB.
//
// The recorder is a plain consumer of the connection manager: it
// subscribes to the configured channels through the public Subscribe
// operation, accumulates frames, and batch-inserts them on a size or
// interval trigger.
package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quotestream/realtime/internal/connection"
	"github.com/quotestream/realtime/internal/protocol"
)

// Config contains recorder settings.
type Config struct {
	// Channels to record.
	Channels []string

	// BatchSize is the number of frames to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: time.Second,
	}
}

// Metrics holds recorder counters.
type Metrics struct {
	Frames    int64 // Frames accepted into a batch
	Inserts   int64 // Rows inserted
	Conflicts int64 // Rows skipped on conflict
	Flushes   int64
	Errors    int64
}

// frameRow is a row for the frames hypertable.
type frameRow struct {
	FrameID    string // Message uuid, primary key
	Channel    string
	Type       string
	Payload    []byte // JSONB
	SentTs     int64  // Sender timestamp, milliseconds
	RecordedTs int64  // Local receive timestamp, microseconds
}

// Recorder subscribes to channels and batch-writes frames.
type Recorder struct {
	cfg    Config
	mgr    connection.Manager
	db     *pgxpool.Pool
	logger *slog.Logger

	// Subscription ids, removed on Stop
	subIDs []string

	batch       []frameRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// New creates a recorder over an existing manager and database pool.
func New(cfg Config, mgr connection.Manager, db *pgxpool.Pool, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:    cfg,
		mgr:    mgr,
		db:     db,
		logger: logger,
		batch:  make([]frameRow, 0, cfg.BatchSize),
	}
}

// Start subscribes to the configured channels and begins flushing.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	for _, ch := range r.cfg.Channels {
		id, err := r.mgr.Subscribe(ch, r.record)
		if err != nil {
			return err
		}
		r.subIDs = append(r.subIDs, id)
	}

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("recorder started",
		"channels", r.cfg.Channels,
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop unsubscribes and flushes the remaining batch.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	for _, id := range r.subIDs {
		if err := r.mgr.Unsubscribe(id); err != nil {
			r.logger.Debug("unsubscribe on stop", "id", id, "error", err)
		}
	}
	r.subIDs = nil

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

	// Final flush runs on the caller's context; r.ctx is already canceled.
	r.flush(ctx)
	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// record is the subscription callback: transform and batch one frame.
func (r *Recorder) record(msg protocol.Message) {
	row := transform(msg)

	r.batchMu.Lock()
	r.batch = append(r.batch, row)
	r.metrics.Frames++
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush(r.ctx)
	}
}

// transform converts a message to a frames row.
func transform(msg protocol.Message) frameRow {
	return frameRow{
		FrameID:    msg.ID,
		Channel:    msg.Channel,
		Type:       msg.Type,
		Payload:    []byte(msg.Payload),
		SentTs:     msg.Timestamp,
		RecordedTs: time.Now().UnixMicro(),
	}
}

// flushLoop periodically flushes the batch.
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

// flush writes the current batch to the database.
func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]frameRow, 0, r.cfg.BatchSize)
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

	r.logger.Debug("flushed frames",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(ctx context.Context, rows []frameRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO frames (frame_id, channel, type, payload, sent_ts, recorded_ts)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (frame_id) DO NOTHING
		`, row.FrameID, row.Channel, row.Type, row.Payload, row.SentTs, row.RecordedTs)
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
