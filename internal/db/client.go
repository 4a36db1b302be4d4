package db

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/circuitbreaker"
	"github.com/goldfinch-research/orchestrator/internal/metrics"
	"github.com/goldfinch-research/orchestrator/internal/streaming"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds database configuration
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// WriteWorkers and WriteQueueSize size the async event-log writer.
	WriteWorkers   int
	WriteQueueSize int
}

// Client is the research Store. Request and outcome writes are synchronous;
// event logs go through a queue drained by a worker pool.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger

	writeQueue chan EventLog
	workers    int
	batchSize  int
	flushEvery time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
	workerWg   sync.WaitGroup
}

// Open connects, applies the embedded schema and starts the event-log workers.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	raw, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		raw.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		raw.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		raw.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	c := New(raw, cfg, logger)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.db.PingContext(pctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := c.Migrate(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	c.Start()

	logger.Info("Database client initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("workers", c.workers),
	)
	return c, nil
}

// New wraps an existing handle without pinging or migrating. Call Start to
// run the event-log workers.
func New(raw *sqlx.DB, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.WriteWorkers
	if workers <= 0 {
		workers = 4
	}
	size := cfg.WriteQueueSize
	if size <= 0 {
		size = 1000
	}
	return &Client{
		db:         circuitbreaker.NewDatabaseWrapper(raw, raw.DriverName(), logger),
		logger:     logger,
		writeQueue: make(chan EventLog, size),
		workers:    workers,
		batchSize:  100,
		flushEvery: time.Second,
		stopCh:     make(chan struct{}),
	}
}

// Migrate applies the schema for the current driver. Statements are idempotent.
func (c *Client) Migrate(ctx context.Context) error {
	data, err := migrations.ReadFile("migrations/" + c.db.DriverName() + ".sql")
	if err != nil {
		return fmt.Errorf("no schema for driver %q: %w", c.db.DriverName(), err)
	}
	for _, stmt := range strings.Split(string(data), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Start launches the event-log workers.
func (c *Client) Start() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

// RecordEvent queues evt for the event_logs table. When the queue is full the
// event is dropped and counted; the live stream and Redis mirror still carry it.
func (c *Client) RecordEvent(evt streaming.Event) {
	select {
	case <-c.stopCh:
		return
	default:
	}
	select {
	case c.writeQueue <- eventLogFrom(evt):
	default:
		metrics.StoreWrites.WithLabelValues("event_log", "dropped").Inc()
		c.logger.Warn("Event log queue is full, dropping event",
			zap.String("request_id", evt.RequestID),
			zap.Uint64("seq", evt.Seq),
		)
	}
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Write worker started", zap.Int("worker_id", id))

	batch := make([]EventLog, 0, c.batchSize)
	ticker := time.NewTicker(c.flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.SaveEventLogs(ctx, batch); err != nil {
			c.logger.Error("Failed to save event logs", zap.Int("count", len(batch)), zap.Error(err))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-c.stopCh:
			c.drainQueue(&batch, flush)
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case e := <-c.writeQueue:
			batch = append(batch, e)
			if len(batch) >= c.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (c *Client) drainQueue(batch *[]EventLog, flush func()) {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-c.writeQueue:
			*batch = append(*batch, e)
			if len(*batch) >= c.batchSize {
				flush()
			}
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			flush()
			return
		default:
			flush()
			return
		}
	}
}

// Close drains queued event logs and closes the handle.
func (c *Client) Close() error {
	c.logger.Info("Shutting down database client")
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.workerWg.Wait()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Wrapper returns the underlying DatabaseWrapper for health checks.
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}
