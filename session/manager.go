package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tripleyak/web-perception-mcp/capture"
	"github.com/tripleyak/web-perception-mcp/guard"
	"github.com/tripleyak/web-perception-mcp/idgen"
	"github.com/tripleyak/web-perception-mcp/replay"
	"github.com/tripleyak/web-perception-mcp/state"
)

// Default pool limits.
const (
	DefaultMaxSessions = 4
	DefaultMaxAgeMS    = 30 * 60 * 1000

	janitorInterval = 30 * time.Second
)

// Handle is the manager's view of a running session. *Session implements it;
// manager tests substitute fakes.
type Handle interface {
	ID() string
	TraceID() string
	CreatedAt() time.Time
	LastTouch() time.Time
	Touch()
	Active() bool
	Capabilities() Capabilities
	Step(ctx context.Context, in StepInput) (*StepResult, error)
	Snapshot(ctx context.Context, in SnapshotInput) (*state.Packet, error)
	Stop(preserve bool) StopResult
}

// ManagerConfig tunes the session pool.
type ManagerConfig struct {
	MaxSessions int
	MaxAgeMS    int64
	Rules       guard.URLRules
	PolicyMode  guard.PolicyMode
	Headless    bool
	Stealth     bool
	Store       *replay.Store
	Logger      *slog.Logger
	Metrics     Recorder
}

func (c *ManagerConfig) defaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MaxAgeMS <= 0 {
		c.MaxAgeMS = DefaultMaxAgeMS
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// starter boots a session from its config and returns the handle plus the
// initial state packet. The default launches a real browser session.
type starter func(ctx context.Context, cfg Config) (Handle, *state.Packet, error)

// Manager owns the bounded pool of sessions in this process.
type Manager struct {
	cfg   ManagerConfig
	start starter

	mu       sync.Mutex
	sessions map[string]Handle

	newID idgen.Generator
	now   func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	cfg.defaults()
	return &Manager{
		cfg: cfg,
		start: func(ctx context.Context, sc Config) (Handle, *state.Packet, error) {
			s := New(sc)
			packet, err := s.Start(ctx)
			if err != nil {
				return nil, nil, err
			}
			return s, packet, nil
		},
		sessions: make(map[string]Handle),
		newID:    idgen.Default,
		now:      time.Now,
	}
}

// Count returns the current pool size.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get returns the session for id.
func (m *Manager) Get(id string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Touch refreshes a session's timestamps so it is not the eviction victim.
func (m *Manager) Touch(id string) {
	if s, ok := m.Get(id); ok {
		s.Touch()
	}
}

// Create admits a new session: evicts the oldest when the pool is full,
// validates the target URL, mints ids, resolves the capture profile and
// policy, and starts the browser session.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	m.evictForAdmission()

	if res := m.cfg.Rules.ValidateURL(in.TargetURL); !res.OK {
		return nil, fmt.Errorf("session: target rejected: %s", res.Issues[0].Code)
	}

	now := m.now()
	id := m.newID()
	traceID := idgen.TraceID(id, now)

	profile := capture.ParseProfile(in.CaptureProfile)
	policyMode := m.cfg.PolicyMode
	if in.PolicyMode != "" {
		policyMode = guard.ParsePolicyMode(in.PolicyMode)
	}

	var requestedFrames *int
	if in.Capture != nil {
		requestedFrames = in.Capture.MaxFrames
	}

	cfg := Config{
		ID:               id,
		TraceID:          traceID,
		TargetURL:        in.TargetURL,
		Viewport:         in.Viewport,
		Profile:          profile,
		Policy:           guard.NewPolicy(policyMode),
		FrameCap:         capture.ResolveFrameCap(requestedFrames, profile),
		Headless:         m.cfg.Headless,
		Stealth:          m.cfg.Stealth,
		StorageStatePath: in.StorageStatePath,
		Store:            m.cfg.Store,
		Logger:           m.cfg.Logger,
		Metrics:          m.cfg.Metrics,
	}
	if in.MaxSteps != nil && *in.MaxSteps > 0 {
		cfg.MaxSteps = *in.MaxSteps
	}
	if in.MaxDurationMS != nil && *in.MaxDurationMS > 0 {
		cfg.MaxDurationMS = *in.MaxDurationMS
	}

	handle, packet, err := m.start(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = handle
	count := len(m.sessions)
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordSimple("sessions_active", float64(count), "count")
	}

	result := &CreateResult{
		SessionID:            id,
		TraceID:              traceID,
		SessionCapabilities:  handle.Capabilities(),
		InitialStateSnapshot: *packet,
	}
	if n := len(packet.FrameRefs); n > 0 {
		ref := packet.FrameRefs[n-1]
		result.FrameRef = &ref
	}
	return result, nil
}

// evictForAdmission removes the oldest session (smallest creation timestamp)
// when the pool is at capacity. Full stop, non-preserving.
func (m *Manager) evictForAdmission() {
	m.mu.Lock()
	if len(m.sessions) < m.cfg.MaxSessions {
		m.mu.Unlock()
		return
	}
	var oldest Handle
	for _, s := range m.sessions {
		if oldest == nil || s.CreatedAt().Before(oldest.CreatedAt()) {
			oldest = s
		}
	}
	if oldest != nil {
		delete(m.sessions, oldest.ID())
	}
	m.mu.Unlock()

	if oldest != nil {
		m.cfg.Logger.Info("session: evicting oldest for admission", "session_id", oldest.ID())
		oldest.Stop(false)
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RecordSimple("sessions_evicted", 1, "count")
		}
	}
}

// Stop stops and removes a session. Unknown ids are a no-op.
func (m *Manager) Stop(id string, preserve bool) StopResult {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return StopResult{Status: "ok", Cleanup: "noop"}
	}
	return s.Stop(preserve)
}

// GC stops every session idle past the age limit, non-preserving, and
// returns the eviction count. Per-session stop failures never stop the sweep.
func (m *Manager) GC() int {
	now := m.now()
	cutoff := time.Duration(m.cfg.MaxAgeMS) * time.Millisecond

	m.mu.Lock()
	var expired []Handle
	for id, s := range m.sessions {
		if now.Sub(s.LastTouch()) > cutoff {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.cfg.Logger.Warn("session: gc stop panicked", "session_id", s.ID(), "panic", r)
				}
			}()
			s.Stop(false)
		}()
		m.cfg.Logger.Info("session: gc evicted", "session_id", s.ID())
	}

	if n := len(expired); n > 0 && m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordSimple("sessions_gc_evicted", float64(n), "count")
	}
	return len(expired)
}

// StartJanitor runs the periodic sweep: session GC plus orphaned-artifact
// reclamation. Stops when ctx is done.
func (m *Manager) StartJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.GC(); n > 0 {
					m.cfg.Logger.Debug("session: gc sweep", "evicted", n)
				}
				if m.cfg.Store != nil {
					if n := m.cfg.Store.Janitor(); n > 0 {
						m.cfg.Logger.Debug("session: artifact janitor", "reclaimed", n)
					}
				}
			}
		}
	}()
}

// StopAll stops every session, preserving trace logs. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]Handle, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]Handle)
	m.mu.Unlock()

	for _, s := range all {
		s.Stop(true)
	}
}
