package influx

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gominer/internal/share"
	"github.com/bardlex/gominer/internal/stats"
)

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestSharePoint(t *testing.T) {
	submitted := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sh := share.Share{
		DeviceID:    2,
		Difficulty:  1024,
		Block:       true,
		State:       share.Accepted,
		SubmittedAt: submitted,
		ResolvedAt:  submitted.Add(150 * time.Millisecond),
	}

	p := SharePoint("rig1", sh)

	if p.Name() != "shares" {
		t.Errorf("Name() = %q", p.Name())
	}
	if !p.Time().Equal(sh.ResolvedAt) {
		t.Errorf("Time() = %v, want %v", p.Time(), sh.ResolvedAt)
	}

	tg := tags(p)
	if tg["rig"] != "rig1" || tg["device"] != "2" || tg["state"] != "accepted" || tg["block"] != "true" {
		t.Errorf("tags = %v", tg)
	}

	f := fields(p)
	if f["difficulty"] != float64(1024) {
		t.Errorf("difficulty = %v", f["difficulty"])
	}
	if f["latency_ms"] != int64(150) {
		t.Errorf("latency_ms = %v", f["latency_ms"])
	}
}

func TestSharePointWithoutTimestamps(t *testing.T) {
	p := SharePoint("rig1", share.Share{State: share.Stale})

	if _, ok := fields(p)["latency_ms"]; ok {
		t.Error("latency_ms written for a share without timestamps")
	}
}

func TestSnapshotPoints(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	snap := &stats.Snapshot{
		At:             at,
		Hashrate:       3e6,
		Accepted:       9,
		Rejected:       1,
		AcceptanceRate: 0.9,
		Devices: []stats.DeviceStats{
			{ID: 0, Health: "healthy", Intensity: 20, Hashrate: 1e6},
			{ID: 1, Health: "excluded", Intensity: 22, Hashrate: 2e6, Failures: 3},
		},
	}

	points := SnapshotPoints("rig1", snap)
	if len(points) != 3 {
		t.Fatalf("got %d points, want 3", len(points))
	}

	if points[0].Name() != "miner_stats" {
		t.Errorf("first point = %q", points[0].Name())
	}
	if f := fields(points[0]); f["accepted"] != int64(9) || f["acceptance_rate"] != 0.9 {
		t.Errorf("miner_stats fields = %v", f)
	}

	dev := points[2]
	if dev.Name() != "hashrate" || tags(dev)["device"] != "1" || tags(dev)["health"] != "excluded" {
		t.Errorf("device point = %s %v", dev.Name(), tags(dev))
	}
	if f := fields(dev); f["hashrate"] != 2e6 || f["failures"] != int64(3) {
		t.Errorf("device fields = %v", f)
	}
}

func TestDeviceHealthAndConnectionPoints(t *testing.T) {
	at := time.Unix(1700000000, 0)

	line := write.PointToLineProtocol(DeviceHealthPoint("rig1", 4, "healthy", "excluded", "compute failed", at), time.Second)
	if !strings.HasPrefix(line, "device_health,") || !strings.Contains(line, "to=excluded") {
		t.Errorf("device health line = %q", line)
	}

	line = write.PointToLineProtocol(ConnectionPoint("rig1", "pool:3333", "reconnecting", at), time.Second)
	if !strings.HasPrefix(line, "connection,") || !strings.Contains(line, "state=reconnecting") {
		t.Errorf("connection line = %q", line)
	}
}

func TestNewClient(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("TEST_INFLUX_URL")
	if url == "" {
		t.Skip("TEST_INFLUX_URL not set")
	}

	client, err := NewClient(&Config{
		URL:    url,
		Token:  os.Getenv("TEST_INFLUX_TOKEN"),
		Org:    "gominer",
		Bucket: "mining",
		Rig:    "test",
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()

	client.WriteShare(share.Share{State: share.Accepted, ResolvedAt: time.Now()})
	client.Flush()
}
