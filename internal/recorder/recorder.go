package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/broker-stream/internal/stream"
)

// Expected table:
//
//	CREATE TABLE stream_messages (
//	    id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
//	    channel     TEXT        NOT NULL,
//	    payload     JSONB       NOT NULL,
//	    received_at TIMESTAMPTZ NOT NULL
//	);

// DB is the subset of pgxpool.Pool the recorder needs. Narrowed for tests.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Subscriber registers channel handlers on a streaming session.
type Subscriber interface {
	Subscribe(channel string, h stream.Handler) error
}

// Config holds recorder settings.
type Config struct {
	Channels      []string
	BatchSize     int
	FlushInterval time.Duration
}

// Recorder batches stream messages into PostgreSQL.
type Recorder struct {
	cfg    Config
	db     DB
	logger *slog.Logger

	batchMu sync.Mutex
	batch   []row

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Counters, guarded by batchMu.
	inserts int64
	errors  int64
}

type row struct {
	Channel    string
	Payload    []byte
	ReceivedAt time.Time
}

// New creates a recorder. Call Start to attach it to a session.
func New(cfg Config, db DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	return &Recorder{
		cfg:    cfg,
		db:     db,
		logger: logger,
		batch:  make([]row, 0, cfg.BatchSize),
	}
}

// Start subscribes to the configured channels and begins flushing.
func (r *Recorder) Start(ctx context.Context, sub Subscriber) error {
	if len(r.cfg.Channels) == 0 {
		return fmt.Errorf("no channels configured")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)

	for _, ch := range r.cfg.Channels {
		channel := ch
		if err := sub.Subscribe(channel, func(msg stream.Message) error {
			r.record(channel, msg)
			return nil
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
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

// Stop flushes the remaining batch and stops the flush loop. The session
// subscriptions are left to the session's own shutdown.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.flush()
	r.logger.Info("recorder stopped")
}

// Stats returns rows inserted and failed flushes so far.
func (r *Recorder) Stats() (inserts, errors int64) {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.inserts, r.errors
}

func (r *Recorder) record(channel string, msg stream.Message) {
	payload := []byte(msg.Data)
	if len(payload) == 0 {
		payload = []byte("null")
	}

	r.batchMu.Lock()
	r.batch = append(r.batch, row{
		Channel:    channel,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush()
	}
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

// flush writes the current batch to the database.
func (r *Recorder) flush() {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]row, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	if err := r.batchInsert(batch); err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.inserts += int64(len(batch))
	r.batchMu.Unlock()

	r.logger.Debug("flushed stream messages",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

func (r *Recorder) batchInsert(rows []row) error {
	batch := &pgx.Batch{}
	for _, rw := range rows {
		batch.Queue(`
			INSERT INTO stream_messages (channel, payload, received_at)
			VALUES ($1, $2, $3)
		`, rw.Channel, rw.Payload, rw.ReceivedAt)
	}

	// Flushing may outlive the run context during shutdown, so use a
	// bounded background context here.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return nil
}
