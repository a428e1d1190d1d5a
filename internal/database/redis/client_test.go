package redis

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	c := &Client{rig: "rig1"}

	if got := c.Key("snapshot"); got != "miner:rig1:snapshot" {
		t.Errorf("Key(snapshot) = %q", got)
	}
	if got := c.Key("hashrate", "3"); got != "miner:rig1:hashrate:3" {
		t.Errorf("Key(hashrate, 3) = %q", got)
	}
}

func TestAverageSamples(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []string{"100:2e+06"}, 2e6},
		{"mixed", []string{"100:10", "101:30"}, 20},
		{"skips garbage", []string{"100:10", "junk", "101:nan?"}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := averageSamples(tt.values); got != tt.want {
				t.Errorf("averageSamples() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient(&Config{URL: "not a url"}); err == nil {
		t.Fatal("expected error for malformed URL")
	}
}

func TestClientRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	client, err := NewClient(&Config{URL: url, Rig: "test-" + time.Now().Format("150405.000")})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer func() { _ = client.Close() }()

	ctx := context.Background()

	type job struct {
		ID string `json:"id"`
	}
	if err := client.SetCurrentJob(ctx, job{ID: "4f"}); err != nil {
		t.Fatalf("SetCurrentJob() error = %v", err)
	}
	var got job
	if err := client.GetCurrentJob(ctx, &got); err != nil || got.ID != "4f" {
		t.Fatalf("GetCurrentJob() = %+v, %v", got, err)
	}

	type snapshot struct {
		Version  uint64 `json:"version"`
		Accepted uint64 `json:"accepted"`
	}
	if err := client.SetSnapshot(ctx, snapshot{Version: 3, Accepted: 2}, time.Minute); err != nil {
		t.Fatalf("SetSnapshot() error = %v", err)
	}
	var snap snapshot
	if err := client.GetSnapshot(ctx, &snap); err != nil || snap.Version != 3 || snap.Accepted != 2 {
		t.Fatalf("GetSnapshot() = %+v, %v", snap, err)
	}

	now := time.Now()
	_ = client.SetHashrate(ctx, 0, 100, now.Add(-2*time.Second), time.Minute)
	_ = client.SetHashrate(ctx, 0, 300, now.Add(-time.Second), time.Minute)
	avg, err := client.GetAverageHashrate(ctx, 0, now, time.Minute)
	if err != nil || avg != 200 {
		t.Errorf("GetAverageHashrate() = %v, %v; want 200", avg, err)
	}

	key := client.Key("shares", "accepted")
	if n, err := client.IncrementCounter(ctx, key, time.Minute); err != nil || n != 1 {
		t.Errorf("IncrementCounter() = %d, %v", n, err)
	}
	if n, _ := client.GetCounter(ctx, key); n != 1 {
		t.Errorf("GetCounter() = %d", n)
	}
}
