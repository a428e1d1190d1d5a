// Package influx writes the miner's time series to InfluxDB: share verdicts,
// per-device hashrate, health transitions, connection changes and periodic
// snapshot totals.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/internal/stats"
)

// Client wraps InfluxDB operations for one rig.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	rig      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Rig    string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		rig:      cfg.Rig,
	}, nil
}

// Close flushes pending points and closes the client.
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Errors exposes asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteShare records a share verdict.
func (c *Client) WriteShare(sh share.Share) {
	c.writeAPI.WritePoint(SharePoint(c.rig, sh))
}

// WriteSnapshot records the rig totals and one hashrate point per device.
func (c *Client) WriteSnapshot(snap *stats.Snapshot) {
	for _, p := range SnapshotPoints(c.rig, snap) {
		c.writeAPI.WritePoint(p)
	}
}

// WriteDeviceHealth records a device health transition.
func (c *Client) WriteDeviceHealth(deviceID int, from, to, reason string, at time.Time) {
	c.writeAPI.WritePoint(DeviceHealthPoint(c.rig, deviceID, from, to, reason, at))
}

// WriteConnection records a pool connection state change.
func (c *Client) WriteConnection(pool, state string, at time.Time) {
	c.writeAPI.WritePoint(ConnectionPoint(c.rig, pool, state, at))
}

// SharePoint builds the "shares" point for a resolved share.
func SharePoint(rig string, sh share.Share) *write.Point {
	tags := map[string]string{
		"rig":    rig,
		"device": strconv.Itoa(sh.DeviceID),
		"state":  sh.State.String(),
		"block":  strconv.FormatBool(sh.Block),
	}

	fields := map[string]interface{}{
		"difficulty": sh.Difficulty,
		"count":      1,
	}
	if !sh.SubmittedAt.IsZero() && !sh.ResolvedAt.IsZero() {
		fields["latency_ms"] = sh.ResolvedAt.Sub(sh.SubmittedAt).Milliseconds()
	}

	return write.NewPoint("shares", tags, fields, sh.ResolvedAt)
}

// SnapshotPoints builds the "miner_stats" point and the per-device
// "hashrate" points for a snapshot.
func SnapshotPoints(rig string, snap *stats.Snapshot) []*write.Point {
	points := make([]*write.Point, 0, len(snap.Devices)+1)

	points = append(points, write.NewPoint("miner_stats",
		map[string]string{"rig": rig},
		map[string]interface{}{
			"hashrate":        snap.Hashrate,
			"accepted":        int64(snap.Accepted),
			"rejected":        int64(snap.Rejected),
			"stale":           int64(snap.Stale),
			"pending":         int64(snap.Pending),
			"invalid":         int64(snap.Invalid),
			"discarded":       int64(snap.Discarded),
			"acceptance_rate": snap.AcceptanceRate,
			"uptime_ratio":    snap.UptimeRatio,
			"reconnects":      int64(snap.Reconnects),
			"jobs":            int64(snap.Jobs),
		},
		snap.At))

	for _, d := range snap.Devices {
		points = append(points, write.NewPoint("hashrate",
			map[string]string{
				"rig":    rig,
				"device": strconv.Itoa(d.ID),
				"health": d.Health,
			},
			map[string]interface{}{
				"hashrate":  d.Hashrate,
				"intensity": int64(d.Intensity),
				"failures":  int64(d.Failures),
			},
			snap.At))
	}

	return points
}

// DeviceHealthPoint builds the "device_health" point for a transition.
func DeviceHealthPoint(rig string, deviceID int, from, to, reason string, at time.Time) *write.Point {
	return write.NewPoint("device_health",
		map[string]string{
			"rig":    rig,
			"device": strconv.Itoa(deviceID),
			"from":   from,
			"to":     to,
		},
		map[string]interface{}{
			"count":  1,
			"reason": reason,
		},
		at)
}

// ConnectionPoint builds the "connection" point for a state change.
func ConnectionPoint(rig, pool, state string, at time.Time) *write.Point {
	return write.NewPoint("connection",
		map[string]string{
			"rig":   rig,
			"pool":  pool,
			"state": state,
		},
		map[string]interface{}{"count": 1},
		at)
}
