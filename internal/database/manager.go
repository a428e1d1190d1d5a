// Package database fans engine events and statistics snapshots out to the
// optional storage backends: Redis for live state, InfluxDB for time series,
// and PostgreSQL or SQLite for the durable share history.
package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/database/sqlite"
	"github.com/bardlex/gominer/internal/events"
	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/clock"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// Cache holds the rig's live state.
type Cache interface {
	Key(parts ...string) string
	SetSnapshot(ctx context.Context, snapshot any, ttl time.Duration) error
	SetCurrentJob(ctx context.Context, jobData any) error
	SetHashrate(ctx context.Context, deviceID int, hashrate float64, at time.Time, window time.Duration) error
	IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error)
	Health(ctx context.Context) error
	Close() error
}

// TimeSeries receives metric points. Writes are asynchronous.
type TimeSeries interface {
	WriteShare(sh share.Share)
	WriteSnapshot(snap *stats.Snapshot)
	WriteDeviceHealth(deviceID int, from, to, reason string, at time.Time)
	WriteConnection(pool, state string, at time.Time)
	Flush()
	// Errors carries asynchronous write failures. It must be drained.
	Errors() <-chan error
	Health(ctx context.Context) error
	Close()
}

// ShareStore is a durable share history.
type ShareStore interface {
	RecordShare(ctx context.Context, sh share.Share) error
	ResolveShare(ctx context.Context, sh share.Share) error
	RecordDeviceEvent(ctx context.Context, ev events.DeviceHealthChanged) error
	Health(ctx context.Context) error
	Close() error
}

// Config holds configuration for all storage backends. Empty URLs or paths
// leave a backend disabled.
type Config struct {
	Rig         string
	RedisURL    string
	Influx      *influx.Config
	PostgresURL string
	SQLitePath  string

	Buffer         int
	SnapshotTTL    time.Duration
	HashrateWindow time.Duration
	CounterTTL     time.Duration
	FlushInterval  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Buffer <= 0 {
		out.Buffer = 1024
	}
	if out.SnapshotTTL <= 0 {
		out.SnapshotTTL = 5 * time.Minute
	}
	if out.HashrateWindow <= 0 {
		out.HashrateWindow = 10 * time.Minute
	}
	if out.CounterTTL <= 0 {
		out.CounterTTL = 24 * time.Hour
	}
	if out.FlushInterval <= 0 {
		out.FlushInterval = 10 * time.Second
	}
	return out
}

// Enabled reports whether any backend is configured.
func (c *Config) Enabled() bool {
	return c.RedisURL != "" || (c.Influx != nil && c.Influx.URL != "") ||
		c.PostgresURL != "" || c.SQLitePath != ""
}

// Manager is an events.Sink that writes to every configured backend from
// its own goroutine.
type Manager struct {
	*events.Buffered

	Cache  Cache
	Series TimeSeries
	Stores []ShareStore

	cfg    Config
	clock  clock.Clock
	logger *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	mu       sync.Mutex
	latest   *stats.Snapshot
	snapshot chan struct{}
}

// NewManager connects every configured backend. A failure closes the
// backends already opened.
func NewManager(cfg *Config, clk clock.Clock, logger *log.Logger) (*Manager, error) {
	full := cfg.withDefaults()
	var (
		cache  Cache
		series TimeSeries
		stores []ShareStore
	)

	fail := func(err error, op, msg string) (*Manager, error) {
		var closeErrs []error
		if cache != nil {
			if closeErr := cache.Close(); closeErr != nil {
				closeErrs = append(closeErrs, closeErr)
			}
		}
		if series != nil {
			series.Close()
		}
		for _, s := range stores {
			if closeErr := s.Close(); closeErr != nil {
				closeErrs = append(closeErrs, closeErr)
			}
		}

		wrapped := errors.Wrap(err, errors.ErrorTypeStorage, op, msg)
		if len(closeErrs) > 0 {
			wrapped = wrapped.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return nil, wrapped
	}

	if full.RedisURL != "" {
		client, err := redis.NewClient(&redis.Config{URL: full.RedisURL, Rig: full.Rig})
		if err != nil {
			return fail(err, "redis_connection", "failed to connect to Redis")
		}
		cache = client
	}

	if full.Influx != nil && full.Influx.URL != "" {
		influxCfg := *full.Influx
		influxCfg.Rig = full.Rig
		client, err := influx.NewClient(&influxCfg)
		if err != nil {
			return fail(err, "influx_connection", "failed to connect to InfluxDB")
		}
		series = client
	}

	if full.PostgresURL != "" {
		client, err := postgres.NewClient(&postgres.Config{
			URL:          full.PostgresURL,
			MaxOpenConns: 4,
			MaxIdleConns: 2,
			MaxLifetime:  30 * time.Minute,
		})
		if err != nil {
			return fail(err, "postgres_connection", "failed to connect to PostgreSQL")
		}
		stores = append(stores, newPostgresStore(client, full.Rig))
	}

	if full.SQLitePath != "" {
		journal, err := sqlite.Open(full.SQLitePath, full.Rig)
		if err != nil {
			return fail(err, "sqlite_open", "failed to open SQLite journal")
		}
		stores = append(stores, journal)
	}

	m := newManager(full, cache, series, stores, clk, logger)
	m.logger.Info("storage sinks ready",
		"redis", cache != nil,
		"influx", series != nil,
		"share_stores", len(stores))
	return m, nil
}

func newManager(cfg Config, cache Cache, series TimeSeries, stores []ShareStore, clk clock.Clock, logger *log.Logger) *Manager {
	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		Clock:           clk,
	}

	return &Manager{
		Buffered:       events.NewBuffered(cfg.Buffer),
		Cache:          cache,
		Series:         series,
		Stores:         stores,
		cfg:            cfg,
		clock:          clk,
		logger:         logger.WithComponent("storage"),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.SinkConfig(),
		snapshot:       make(chan struct{}, 1),
	}
}

// PublishSnapshot queues snap, replacing any snapshot not yet written.
func (m *Manager) PublishSnapshot(snap *stats.Snapshot) {
	m.mu.Lock()
	m.latest = snap
	m.mu.Unlock()

	select {
	case m.snapshot <- struct{}{}:
	default:
	}
}

// Run writes events and snapshots until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	var (
		flush     <-chan time.Time
		writeErrs <-chan error
	)
	if m.Series != nil {
		ticker := m.clock.NewTicker(m.cfg.FlushInterval)
		defer ticker.Stop()
		flush = ticker.C()
		writeErrs = m.Series.Errors()
	}

	for {
		select {
		case <-ctx.Done():
			if n := m.Dropped(); n > 0 {
				m.logger.Warn("storage sink dropped events", "dropped", n)
			}
			return
		case ev := <-m.Events():
			m.handle(ctx, ev)
		case <-m.snapshot:
			m.writeSnapshot(ctx)
		case <-flush:
			m.Series.Flush()
		case err := <-writeErrs:
			m.logger.WithError(err).Warn("time series write failed")
		}
	}
}

// currentJob is what the cache holds for the job being mined.
type currentJob struct {
	JobID      string    `json:"job_id"`
	CleanJobs  bool      `json:"clean_jobs"`
	Difficulty float64   `json:"difficulty"`
	At         time.Time `json:"at"`
}

func (m *Manager) handle(ctx context.Context, ev events.Event) {
	switch e := ev.(type) {
	case events.ShareSubmitted:
		m.eachStore(ctx, "record_share", func(s ShareStore) error {
			return s.RecordShare(ctx, e.Share)
		})

	case events.ShareResolved:
		m.eachStore(ctx, "resolve_share", func(s ShareStore) error {
			return s.ResolveShare(ctx, e.Share)
		})
		if m.Series != nil {
			m.Series.WriteShare(e.Share)
		}
		if m.Cache != nil {
			key := m.Cache.Key("shares", e.Share.State.String())
			if _, err := m.Cache.IncrementCounter(ctx, key, m.cfg.CounterTTL); err != nil {
				m.bestEffort(err, "redis_share_counter")
			}
		}

	case events.DeviceHealthChanged:
		m.eachStore(ctx, "record_device_event", func(s ShareStore) error {
			return s.RecordDeviceEvent(ctx, e)
		})
		if m.Series != nil {
			m.Series.WriteDeviceHealth(e.DeviceID, e.From, e.To, e.Reason, e.At)
		}

	case events.JobReceived:
		if m.Cache != nil {
			job := currentJob{JobID: e.JobID, CleanJobs: e.CleanJobs, Difficulty: e.Difficulty, At: e.At}
			if err := m.Cache.SetCurrentJob(ctx, job); err != nil {
				m.bestEffort(err, "redis_current_job")
			}
		}

	case events.ConnectionChanged:
		if m.Series != nil {
			m.Series.WriteConnection(e.Pool, e.To, e.At)
		}
	}
}

// eachStore writes to every share store through the breaker with retries.
// The share history is the one backend worth retrying for.
func (m *Manager) eachStore(ctx context.Context, op string, fn func(ShareStore) error) {
	for _, s := range m.Stores {
		err := m.circuitBreaker.Execute(ctx, func() error {
			return retry.Do(ctx, m.retryConfig, func() error {
				if err := fn(s); err != nil {
					return errors.Wrap(err, errors.ErrorTypeStorage, op,
						"failed to write share history")
				}
				return nil
			})
		})
		if err != nil && ctx.Err() == nil {
			m.logger.WithError(err).Warn("share store write failed", "operation", op)
		}
	}
}

func (m *Manager) writeSnapshot(ctx context.Context) {
	m.mu.Lock()
	snap := m.latest
	m.latest = nil
	m.mu.Unlock()
	if snap == nil {
		return
	}

	if m.Cache != nil {
		if err := m.Cache.SetSnapshot(ctx, snap, m.cfg.SnapshotTTL); err != nil {
			m.bestEffort(err, "redis_snapshot")
		}
		for _, d := range snap.Devices {
			if err := m.Cache.SetHashrate(ctx, d.ID, d.Hashrate, snap.At, m.cfg.HashrateWindow); err != nil {
				m.bestEffort(err, "redis_hashrate")
				break
			}
		}
	}

	if m.Series != nil {
		m.Series.WriteSnapshot(snap)
	}
}

// bestEffort logs a failed write to a non-critical backend.
func (m *Manager) bestEffort(err error, op string) {
	werr := errors.Wrap(err, errors.ErrorTypeStorage, op, "non-critical storage write failed")
	werr.Retryable = false
	m.logger.WithError(werr).Debug("storage write skipped", "operation", op)
}

// Close closes all backends.
func (m *Manager) Close() error {
	var errs []error

	if m.Cache != nil {
		if err := m.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Series != nil {
		m.Series.Close()
	}
	for _, s := range m.Stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("share store close error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("storage close errors: %v", errs)
	}
	return nil
}

// Health checks every configured backend.
func (m *Manager) Health(ctx context.Context) error {
	start := m.clock.Now()
	defer func() { m.logger.LogDuration("storage_health_check", m.clock.Now().Sub(start)) }()

	if m.Cache != nil {
		if err := m.Cache.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Series != nil {
		if err := m.Series.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	for _, s := range m.Stores {
		if err := s.Health(ctx); err != nil {
			return fmt.Errorf("share store health check failed: %w", err)
		}
	}
	return nil
}

// postgresStore adapts the PostgreSQL repositories to ShareStore.
type postgresStore struct {
	client  *postgres.Client
	shares  *postgres.ShareRepository
	devices *postgres.DeviceEventRepository
	rig     string
}

func newPostgresStore(client *postgres.Client, rig string) *postgresStore {
	return &postgresStore{
		client:  client,
		shares:  postgres.NewShareRepository(client.DB()),
		devices: postgres.NewDeviceEventRepository(client.DB()),
		rig:     rig,
	}
}

func (p *postgresStore) RecordShare(ctx context.Context, sh share.Share) error {
	return p.shares.CreateShare(ctx, postgres.NewShare(p.rig, sh))
}

func (p *postgresStore) ResolveShare(ctx context.Context, sh share.Share) error {
	return p.shares.ResolveShare(ctx, postgres.NewShare(p.rig, sh))
}

func (p *postgresStore) RecordDeviceEvent(ctx context.Context, ev events.DeviceHealthChanged) error {
	return p.devices.CreateDeviceEvent(ctx, &postgres.DeviceEvent{
		Rig:       p.rig,
		DeviceID:  ev.DeviceID,
		FromState: ev.From,
		ToState:   ev.To,
		Reason:    ev.Reason,
		CreatedAt: ev.At,
	})
}

func (p *postgresStore) Health(ctx context.Context) error { return p.client.Health(ctx) }

func (p *postgresStore) Close() error { return p.client.Close() }
