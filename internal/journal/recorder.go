package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/sharedconn/internal/connection"
)

// Config holds recorder settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // Transitions kept in memory before the oldest is dropped
}

// finalFlushTimeout bounds the last insert when the caller's context has
// already expired.
var finalFlushTimeout = 5 * time.Second

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
	}
}

// Metrics tracks recorder activity.
type Metrics struct {
	Recorded int64
	Dropped  int64
	Inserts  int64
	Errors   int64
	Flushes  int64
}

// BatchSender is the part of *pgxpool.Pool the recorder needs.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Subscriber is the state stream the recorder attaches to, normally a
// *connection.Manager.
type Subscriber interface {
	SubscribeState(fn func(connection.StateChange)) (unsubscribe func())
}

// Recorder batches state transitions and writes them to connection_events.
type Recorder struct {
	cfg    Config
	logger *slog.Logger

	input *queue[connection.StateChange]

	// Database
	db BatchSender

	// Batching
	batch   []eventRow
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

type eventRow struct {
	InstanceID string
	From       string
	To         string
	Error      *string
	OccurredAt time.Time
}

// NewRecorder creates a Recorder writing through db.
func NewRecorder(cfg Config, db BatchSender, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Recorder{
		cfg:    cfg,
		logger: logger,
		input:  newQueue[connection.StateChange](cfg.BufferSize),
		db:     db,
		batch:  make([]eventRow, 0, cfg.BatchSize),
	}
}

// Record queues a transition. It never blocks.
func (r *Recorder) Record(c connection.StateChange) {
	if !r.input.push(c) {
		r.logger.Debug("journal closed, transition not recorded", "to", c.To)
	}
}

// Attach records every transition published by s until the returned
// function is called.
func (r *Recorder) Attach(s Subscriber) (detach func()) {
	return s.SubscribeState(func(c connection.StateChange) {
		// The initial replay carries no transition.
		if c.From == c.To {
			return
		}
		r.Record(c)
	})
}

// Start begins draining queued transitions and writing them.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("connection journal started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop drains what is queued, writes a final batch, and stops.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping connection journal")

	r.input.close()
	if r.cancel != nil {
		r.cancel()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("connection journal stop timed out")
	}

	r.collect()
	r.flush(ctx)

	r.logger.Info("connection journal stopped")
	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	pushed, dropped := r.input.stats()

	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	m := r.metrics
	m.Recorded = pushed
	m.Dropped = dropped
	return m
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.input.ready:
			if r.collect() {
				r.flush(r.ctx)
			}
		case <-ticker.C:
			r.flush(r.ctx)
		}
	}
}

// collect moves queued transitions into the batch. It reports whether the
// batch is full.
func (r *Recorder) collect() bool {
	changes := r.input.drain(0)

	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	for _, c := range changes {
		r.batch = append(r.batch, transform(c))
	}
	return len(r.batch) >= r.cfg.BatchSize
}

// transform converts a StateChange to an eventRow.
func transform(c connection.StateChange) eventRow {
	row := eventRow{
		InstanceID: c.Instance,
		From:       c.From.String(),
		To:         c.To.String(),
		OccurredAt: c.At,
	}
	if row.OccurredAt.IsZero() {
		row.OccurredAt = time.Now()
	}
	if c.Err != nil {
		msg := c.Err.Error()
		row.Error = &msg
	}
	return row
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
	r.batch = make([]eventRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	if r.db == nil {
		return
	}

	// Stop cancels the run context before the final flush.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), finalFlushTimeout)
		defer cancel()
	}

	start := time.Now()

	if err := r.batchInsert(ctx, batch); err != nil {
		r.logger.Error("journal insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(len(batch))
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed connection events",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (r *Recorder) batchInsert(ctx context.Context, rows []eventRow) error {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO connection_events (instance_id, from_state, to_state, error, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
		`, row.InstanceID, row.From, row.To, row.Error, row.OccurredAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
