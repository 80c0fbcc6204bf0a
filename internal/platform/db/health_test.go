package db

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewPoolStats(t *testing.T) {
	stats := newPoolStats(10, 5, 5, 20, 100, 1500*time.Millisecond)

	if stats.TotalConns != 10 || stats.IdleConns != 5 || stats.AcquiredConns != 5 {
		t.Errorf("unexpected connection counts: %+v", stats)
	}
	if stats.MaxConns != 20 {
		t.Errorf("expected MaxConns 20, got %d", stats.MaxConns)
	}
	if stats.AcquireDuration != "1.5s" {
		t.Errorf("expected AcquireDuration 1.5s, got %q", stats.AcquireDuration)
	}
	if !stats.Healthy {
		t.Error("expected Healthy with open connections")
	}
}

func TestNewPoolStats_NoConnections(t *testing.T) {
	stats := newPoolStats(0, 0, 0, 20, 0, 0)
	if stats.Healthy {
		t.Error("expected Healthy to be false when TotalConns is 0")
	}
}

func TestPoolStats_JSON(t *testing.T) {
	b, err := json.Marshal(newPoolStats(1, 1, 0, 4, 2, time.Millisecond))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration", "healthy"} {
		if _, ok := out[k]; !ok {
			t.Errorf("missing key %q", k)
		}
	}
}
