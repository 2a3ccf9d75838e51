package observability

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/tripleyak/web-perception-mcp/dbopen"
	_ "modernc.org/sqlite"
)

func newTestMetrics(t *testing.T) *MetricsManager {
	t.Helper()
	db := dbopen.OpenMemory(t)
	mm := NewMetricsManager(db, 100, time.Second)
	if err := mm.Init(); err != nil {
		t.Fatal(err)
	}
	return mm
}

func TestMetrics_RecordAndQuery(t *testing.T) {
	mm := newTestMetrics(t)

	for i := 0; i < 5; i++ {
		mm.RecordSimple("step_latency_ms", float64(100+i), "milliseconds")
	}
	mm.RecordSimple("action_failures", 1, "count")
	mm.Close() // flushes

	latencies, err := mm.Query("step_latency_ms", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(latencies) != 5 {
		t.Fatalf("latencies: %d", len(latencies))
	}
	if latencies[0].Unit != "milliseconds" {
		t.Fatalf("unit: %q", latencies[0].Unit)
	}

	all, err := mm.Query("", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 6 {
		t.Fatalf("all: %d", len(all))
	}
}

func TestMetrics_QueryLimit(t *testing.T) {
	mm := newTestMetrics(t)
	for i := 0; i < 10; i++ {
		mm.RecordSimple("frames_dropped", 1, "count")
	}
	mm.Close()

	got, err := mm.Query("frames_dropped", nil, nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("limit: %d", len(got))
	}
}

func TestMetrics_BufferOverflowFlushes(t *testing.T) {
	db := dbopen.OpenMemory(t)
	mm := NewMetricsManager(db, 4, time.Hour) // flush only on buffer fill
	if err := mm.Init(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		mm.RecordSimple("sessions_active", float64(i), "count")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM metrics_timeseries`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Fatalf("flushed rows: %d", count)
	}
	mm.Close()
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger(&buf, "warn")

	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if bytes.Contains([]byte(out), []byte("hidden")) {
		t.Fatal("info should be filtered at warn level")
	}
	if !bytes.Contains([]byte(out), []byte("visible")) {
		t.Fatalf("warn missing: %q", out)
	}
	if slog.Default() != logger {
		t.Fatal("default logger not installed")
	}
}
