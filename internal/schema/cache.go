package schema

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cipherstash/pgproxy/pkg/logger"
)

// Cache holds the current Snapshot behind an atomic pointer, refreshed on
// a background ticker using a dedicated connection pool (§4.6, §5). The
// initial load retries with exponential backoff to tolerate the database
// starting concurrently with the proxy; refreshes after that first success
// only log and retain the previous snapshot on failure.
type Cache struct {
	pool   *pgxpool.Pool
	table  string
	types  []string

	refreshInterval time.Duration
	retryBaseDelay  time.Duration
	retryMaxDelay   time.Duration
	retryAttempts   int

	current atomic.Pointer[Snapshot]

	stop chan struct{}
	done chan struct{}
}

// NewCache constructs a Cache. Call Start to perform the initial load and
// launch the refresh loop.
func NewCache(pool *pgxpool.Pool, configTable string, encryptedTypeNames []string, refreshInterval, retryBaseDelay, retryMaxDelay time.Duration, retryAttempts int) *Cache {
	return &Cache{
		pool:            pool,
		table:           configTable,
		types:           encryptedTypeNames,
		refreshInterval: refreshInterval,
		retryBaseDelay:  retryBaseDelay,
		retryMaxDelay:   retryMaxDelay,
		retryAttempts:   retryAttempts,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start performs the initial load (with retry) and launches the refresh
// loop as a goroutine. It returns once the first snapshot is published.
func (c *Cache) Start(ctx context.Context) error {
	snap, err := c.loadWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("initial schema load: %w", err)
	}
	c.current.Store(snap)
	logger.Info("loaded schema snapshot", "tables", len(snap.tables), "config_missing", snap.configMissing)

	go c.refreshLoop()
	return nil
}

// Stop halts the refresh loop and waits for it to exit.
func (c *Cache) Stop() {
	close(c.stop)
	<-c.done
}

// Load returns the current snapshot. Callers should dereference once and
// hold the reference for the duration of their request (§3, §9).
func (c *Cache) Load() *Snapshot {
	return c.current.Load()
}

func (c *Cache) loadWithRetry(ctx context.Context) (*Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		snap, err := Load(ctx, c.pool, c.table, c.types)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		if attempt == c.retryAttempts {
			break
		}

		delay := c.retryBaseDelay * (1 << attempt)
		if delay > c.retryMaxDelay || delay <= 0 {
			delay = c.retryMaxDelay
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Cache) refreshLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.refreshInterval)
			snap, err := Load(ctx, c.pool, c.table, c.types)
			cancel()
			if err != nil {
				logger.Warn("schema refresh failed, retaining previous snapshot", "error", err)
				continue
			}
			c.current.Store(snap)
		}
	}
}
