package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tripleyak/web-perception-mcp/capture"
	"github.com/tripleyak/web-perception-mcp/guard"
	"github.com/tripleyak/web-perception-mcp/replay"
	"github.com/tripleyak/web-perception-mcp/state"
)

// fakeHandle is a Handle that records stops without a browser.
type fakeHandle struct {
	id        string
	createdAt time.Time
	lastTouch time.Time
	stopped   bool
	preserve  bool
	stopPanic bool
}

func (f *fakeHandle) ID() string           { return f.id }
func (f *fakeHandle) TraceID() string      { return f.id + ":1" }
func (f *fakeHandle) CreatedAt() time.Time { return f.createdAt }
func (f *fakeHandle) LastTouch() time.Time { return f.lastTouch }
func (f *fakeHandle) Active() bool         { return !f.stopped }
func (f *fakeHandle) Touch() {
	now := time.Now()
	f.createdAt = now
	f.lastTouch = now
}
func (f *fakeHandle) Capabilities() Capabilities { return Capabilities{DOMFirst: true} }
func (f *fakeHandle) Step(context.Context, StepInput) (*StepResult, error) {
	return &StepResult{}, nil
}
func (f *fakeHandle) Snapshot(context.Context, SnapshotInput) (*state.Packet, error) {
	return &state.Packet{}, nil
}
func (f *fakeHandle) Stop(preserve bool) StopResult {
	if f.stopPanic {
		panic("driver wedged")
	}
	f.stopped = true
	f.preserve = preserve
	return StopResult{Status: "stopped", Cleanup: "cleaned"}
}

func newTestManager(t *testing.T, maxSessions int) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		MaxSessions: maxSessions,
		MaxAgeMS:    1000,
		Store:       replay.NewStore(t.TempDir(), nil),
	})
	m.start = func(_ context.Context, cfg Config) (Handle, *state.Packet, error) {
		now := time.Now()
		h := &fakeHandle{id: cfg.ID, createdAt: now, lastTouch: now}
		return h, &state.Packet{
			SessionID: cfg.ID,
			FrameRefs: []capture.FrameRef{{ID: cfg.ID + "-frame"}},
		}, nil
	}
	return m
}

func TestCreate_ReturnsIdsAndFrameRef(t *testing.T) {
	m := newTestManager(t, 4)
	res, err := m.Create(context.Background(), CreateInput{TargetURL: "https://example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID == "" {
		t.Fatal("missing session id")
	}
	if !strings.HasPrefix(res.TraceID, res.SessionID+":") {
		t.Fatalf("trace id: %q", res.TraceID)
	}
	if res.FrameRef == nil || res.FrameRef.ID != res.SessionID+"-frame" {
		t.Fatalf("frame ref: %+v", res.FrameRef)
	}
	if m.Count() != 1 {
		t.Fatalf("count: %d", m.Count())
	}
}

func TestCreate_RejectsBadURL(t *testing.T) {
	m := newTestManager(t, 4)
	_, err := m.Create(context.Background(), CreateInput{TargetURL: "ftp://example.com"})
	if err == nil || !strings.Contains(err.Error(), guard.CodeInvalidScheme) {
		t.Fatalf("got %v", err)
	}
	if m.Count() != 0 {
		t.Fatal("rejected create must not admit")
	}
}

func TestCreate_HonorsDenylist(t *testing.T) {
	m := newTestManager(t, 4)
	m.cfg.Rules = guard.URLRules{Denylist: []string{"blocked.com"}}
	_, err := m.Create(context.Background(), CreateInput{TargetURL: "https://sub.blocked.com"})
	if err == nil || !strings.Contains(err.Error(), guard.CodeDomainDenied) {
		t.Fatalf("got %v", err)
	}
}

func TestCreate_EvictsOldestAtCapacity(t *testing.T) {
	m := newTestManager(t, 2)

	r1, err := m.Create(context.Background(), CreateInput{TargetURL: "https://a.com"})
	if err != nil {
		t.Fatal(err)
	}
	h1, _ := m.Get(r1.SessionID)
	// Backdate the first session so it is unambiguously oldest.
	h1.(*fakeHandle).createdAt = time.Now().Add(-time.Hour)

	if _, err := m.Create(context.Background(), CreateInput{TargetURL: "https://b.com"}); err != nil {
		t.Fatal(err)
	}
	r3, err := m.Create(context.Background(), CreateInput{TargetURL: "https://c.com"})
	if err != nil {
		t.Fatal(err)
	}

	if m.Count() != 2 {
		t.Fatalf("count: %d", m.Count())
	}
	if _, ok := m.Get(r1.SessionID); ok {
		t.Fatal("oldest session should be evicted")
	}
	if !h1.(*fakeHandle).stopped || h1.(*fakeHandle).preserve {
		t.Fatal("eviction must be a full non-preserving stop")
	}
	if _, ok := m.Get(r3.SessionID); !ok {
		t.Fatal("new session should be admitted")
	}
}

func TestStop_UnknownIDIsNoop(t *testing.T) {
	m := newTestManager(t, 4)
	res := m.Stop("nope", false)
	if res.Cleanup != "noop" {
		t.Fatalf("result: %+v", res)
	}
}

func TestStop_RemovesFromPool(t *testing.T) {
	m := newTestManager(t, 4)
	r, err := m.Create(context.Background(), CreateInput{TargetURL: "https://a.com"})
	if err != nil {
		t.Fatal(err)
	}
	res := m.Stop(r.SessionID, true)
	if res.Status != "stopped" {
		t.Fatalf("result: %+v", res)
	}
	if m.Count() != 0 {
		t.Fatal("session should be removed")
	}
}

func TestGC_EvictsIdleSessions(t *testing.T) {
	m := newTestManager(t, 4)
	r1, _ := m.Create(context.Background(), CreateInput{TargetURL: "https://a.com"})
	r2, _ := m.Create(context.Background(), CreateInput{TargetURL: "https://b.com"})

	h1, _ := m.Get(r1.SessionID)
	h1.(*fakeHandle).lastTouch = time.Now().Add(-time.Minute)

	if n := m.GC(); n != 1 {
		t.Fatalf("evicted: %d", n)
	}
	if _, ok := m.Get(r1.SessionID); ok {
		t.Fatal("idle session should be gone")
	}
	if _, ok := m.Get(r2.SessionID); !ok {
		t.Fatal("fresh session should remain")
	}
}

func TestGC_SurvivesStopFailure(t *testing.T) {
	m := newTestManager(t, 4)
	r1, _ := m.Create(context.Background(), CreateInput{TargetURL: "https://a.com"})
	r2, _ := m.Create(context.Background(), CreateInput{TargetURL: "https://b.com"})

	h1, _ := m.Get(r1.SessionID)
	h1.(*fakeHandle).lastTouch = time.Now().Add(-time.Minute)
	h1.(*fakeHandle).stopPanic = true
	h2, _ := m.Get(r2.SessionID)
	h2.(*fakeHandle).lastTouch = time.Now().Add(-time.Minute)

	if n := m.GC(); n != 2 {
		t.Fatalf("evicted: %d", n)
	}
	if m.Count() != 0 {
		t.Fatal("sweep must continue past failures")
	}
}

func TestTouch_ProtectsFromEviction(t *testing.T) {
	m := newTestManager(t, 4)
	r1, _ := m.Create(context.Background(), CreateInput{TargetURL: "https://a.com"})

	h1, _ := m.Get(r1.SessionID)
	h1.(*fakeHandle).lastTouch = time.Now().Add(-time.Minute)
	m.Touch(r1.SessionID)

	if n := m.GC(); n != 0 {
		t.Fatalf("touched session evicted: %d", n)
	}
}

func TestStopAll_Preserves(t *testing.T) {
	m := newTestManager(t, 4)
	r1, _ := m.Create(context.Background(), CreateInput{TargetURL: "https://a.com"})
	h1, _ := m.Get(r1.SessionID)

	m.StopAll()
	if m.Count() != 0 {
		t.Fatal("pool should be empty")
	}
	if !h1.(*fakeHandle).stopped || !h1.(*fakeHandle).preserve {
		t.Fatal("shutdown stop should preserve traces")
	}
}
