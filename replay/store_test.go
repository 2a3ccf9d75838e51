package replay

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), nil)
}

func intp(v int) *int { return &v }

func TestSanitizeTraceID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"abc-123_x.y", "abc-123_x.y"},
		{"sess:1700", "sess_1700"},
		{"a/b\\c d", "a_b_c_d"},
	}
	for _, c := range cases {
		if got := SanitizeTraceID(c.in); got != c.want {
			t.Fatalf("SanitizeTraceID(%q): got %q, want %q", c.in, got, c.want)
		}
	}
}

func TestAppendLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	trace := "sess1:1700000000000"

	err := s.Append(trace, Event{
		Type: EventCreate, Index: 1, At: 1000,
		Payload: map[string]any{"session_id": "sess1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 2; i <= 5; i++ {
		if err := s.Append(trace, Event{Type: EventStep, Index: i, At: int64(1000 + i)}); err != nil {
			t.Fatal(err)
		}
	}

	m, err := s.Load(trace)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Events) != 5 {
		t.Fatalf("events: got %d", len(m.Events))
	}
	if m.SessionID != "sess1" {
		t.Fatalf("session id: %q", m.SessionID)
	}
	if m.CreatedAt != 1000 {
		t.Fatalf("created at: %d", m.CreatedAt)
	}
	for i, ev := range m.Events {
		if ev.Index != i+1 {
			t.Fatalf("index at %d: got %d", i, ev.Index)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	s := newTestStore(t)
	m, err := s.Load("never-written")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Events) != 0 || m.TraceID != "never-written" {
		t.Fatalf("manifest: %+v", m)
	}
	if m.CreatedAt == 0 {
		t.Fatal("created_at should default to now")
	}
}

func TestLoad_DropsMalformedLines(t *testing.T) {
	s := newTestStore(t)
	trace := "t1"
	if err := s.Append(trace, Event{Type: EventStep, Index: 1, At: 5}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(s.TracePath(trace), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n\n")
	f.Close()
	if err := s.Append(trace, Event{Type: EventStep, Index: 2, At: 6}); err != nil {
		t.Fatal(err)
	}

	m, err := s.Load(trace)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Events) != 2 {
		t.Fatalf("events: got %d, want 2", len(m.Events))
	}
}

func TestFilter_InclusiveBounds(t *testing.T) {
	s := newTestStore(t)
	trace := "t2"
	for i := 1; i <= 5; i++ {
		if err := s.Append(trace, Event{Type: EventStep, Index: i, At: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}

	mid, err := s.Filter(trace, intp(2), intp(4))
	if err != nil {
		t.Fatal(err)
	}
	if len(mid) != 3 || mid[0].Index != 2 || mid[2].Index != 4 {
		t.Fatalf("filter 2..4: %+v", mid)
	}

	tail, err := s.Filter(trace, intp(4), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 {
		t.Fatalf("filter 4..: %+v", tail)
	}

	all, err := s.Filter(trace, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("filter open: %d", len(all))
	}
}

func TestNextIndex_DensePerTrace(t *testing.T) {
	s := newTestStore(t)
	trace := "t3"
	if got := s.NextIndex(trace); got != 1 {
		t.Fatalf("first index: %d", got)
	}
	for i := 1; i <= 3; i++ {
		if err := s.Append(trace, Event{Type: EventStep, Index: s.NextIndex(trace), At: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.NextIndex(trace); got != 4 {
		t.Fatalf("next index: %d", got)
	}
}

func TestPersistAndLoadIndex(t *testing.T) {
	s := newTestStore(t)
	if err := s.PersistIndex("t4", 7); err != nil {
		t.Fatal(err)
	}
	idx, err := s.LoadIndex("t4")
	if err != nil {
		t.Fatal(err)
	}
	if idx.TraceID != "t4" || idx.Total != 7 || idx.UpdatedAt == 0 {
		t.Fatalf("index: %+v", idx)
	}
}

func TestCleanup(t *testing.T) {
	s := newTestStore(t)
	trace := "t5"
	if err := s.Append(trace, Event{Type: EventStop, Index: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.PersistIndex(trace, 1); err != nil {
		t.Fatal(err)
	}
	s.Cleanup(trace)
	if _, err := os.Stat(s.TracePath(trace)); !os.IsNotExist(err) {
		t.Fatal("trace file should be gone")
	}
	if _, err := os.Stat(s.IndexPath(trace)); !os.IsNotExist(err) {
		t.Fatal("index file should be gone")
	}
	// Idempotent.
	s.Cleanup(trace)
}

func TestJanitor_ReclaimsOrphanArtifacts(t *testing.T) {
	s := newTestStore(t)

	// Live trace: log + artifact dir.
	if err := s.Append("live", Event{Type: EventCreate, Index: 1}); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(s.TraceDir("live"), "frames"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Orphan: artifact dir without a log.
	if err := os.MkdirAll(filepath.Join(s.TraceDir("orphan"), "frames"), 0o755); err != nil {
		t.Fatal(err)
	}

	if got := s.Janitor(); got != 1 {
		t.Fatalf("reclaimed: got %d, want 1", got)
	}
	if _, err := os.Stat(s.TraceDir("orphan")); !os.IsNotExist(err) {
		t.Fatal("orphan dir should be gone")
	}
	if _, err := os.Stat(s.TraceDir("live")); err != nil {
		t.Fatal("live dir should remain")
	}
}
