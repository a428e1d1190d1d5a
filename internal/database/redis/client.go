// Package redis keeps the miner's live state in Redis: the latest statistics
// snapshot, the current job, rolling per-device hashrate and share counters.
// Dashboards read these keys; nothing in the miner reads them back.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for one rig.
type Client struct {
	rdb *redis.Client
	rig string
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	Rig          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient parses cfg.URL and pings the server.
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb, rig: cfg.Rig}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key namespaces name under this rig: miner:<rig>:<parts...>.
func (c *Client) Key(parts ...string) string {
	return "miner:" + c.rig + ":" + strings.Join(parts, ":")
}

// Snapshot

// SetSnapshot stores the latest statistics snapshot. It expires after ttl so
// a dead rig disappears from dashboards.
func (c *Client) SetSnapshot(ctx context.Context, snapshot any, ttl time.Duration) error {
	return c.setJSON(ctx, c.Key("snapshot"), snapshot, ttl)
}

// GetSnapshot decodes the stored snapshot into dest.
func (c *Client) GetSnapshot(ctx context.Context, dest any) error {
	return c.getJSON(ctx, c.Key("snapshot"), dest)
}

// Job management

// SetCurrentJob stores the job the rig is mining.
func (c *Client) SetCurrentJob(ctx context.Context, jobData any) error {
	return c.setJSON(ctx, c.Key("current_job"), jobData, 0)
}

// GetCurrentJob retrieves the job the rig is mining.
func (c *Client) GetCurrentJob(ctx context.Context, dest any) error {
	return c.getJSON(ctx, c.Key("current_job"), dest)
}

// Statistics and counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// SetHashrate records a device hashrate sample taken at at, keeping only the
// samples inside window.
func (c *Client) SetHashrate(ctx context.Context, deviceID int, hashrate float64, at time.Time, window time.Duration) error {
	key := c.Key("hashrate", strconv.Itoa(deviceID))
	timestamp := at.Unix()

	// Members must be unique, so the sample carries its own timestamp.
	member := redis.Z{
		Score:  float64(timestamp),
		Member: fmt.Sprintf("%d:%g", timestamp, hashrate),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(timestamp-int64(window.Seconds()), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}

	return nil
}

// GetAverageHashrate averages the device samples newer than now-window.
func (c *Client) GetAverageHashrate(ctx context.Context, deviceID int, now time.Time, window time.Duration) (float64, error) {
	key := c.Key("hashrate", strconv.Itoa(deviceID))
	minScore := now.Add(-window).Unix()

	values, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}

	return averageSamples(values), nil
}

func averageSamples(values []string) float64 {
	var total float64
	var n int
	for _, val := range values {
		_, rate, ok := strings.Cut(val, ":")
		if !ok {
			continue
		}
		if hashrate, err := strconv.ParseFloat(rate, 64); err == nil {
			total += hashrate
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func (c *Client) setJSON(ctx context.Context, key string, data any, expiration time.Duration) error {
	jsonData, err := sonic.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	if err := c.rdb.Set(ctx, key, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	return nil
}

func (c *Client) getJSON(ctx context.Context, key string, dest any) error {
	jsonData, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("%s not found", key)
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}

	if err := sonic.Unmarshal(jsonData, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	return nil
}
