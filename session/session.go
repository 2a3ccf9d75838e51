package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/tripleyak/web-perception-mcp/action"
	"github.com/tripleyak/web-perception-mcp/capture"
	"github.com/tripleyak/web-perception-mcp/guard"
	"github.com/tripleyak/web-perception-mcp/netlog"
	"github.com/tripleyak/web-perception-mcp/replay"
	"github.com/tripleyak/web-perception-mcp/state"
)

// Session lifecycle states.
type Status int

const (
	StatusCreated Status = iota
	StatusStarting
	StatusActive
	StatusStopping
	StatusStopped
)

// Lifecycle errors surfaced as tool-level failures.
var (
	ErrNotActive      = errors.New("session is not active")
	ErrAlreadyStarted = errors.New("session already started")
	ErrMaxSteps       = errors.New("max_steps reached")
	ErrMaxDuration    = errors.New("session exceeded max_duration_ms")
)

const navigateTimeout = 120 * time.Second

// Recorder receives runtime counters. The metrics manager implements it; a
// nil recorder drops everything.
type Recorder interface {
	RecordSimple(name string, value float64, unit string)
}

// Config assembles everything a session needs at start.
type Config struct {
	ID               string
	TraceID          string
	TargetURL        string
	Viewport         *Viewport
	Profile          capture.Profile
	Policy           guard.Policy
	MaxSteps         int
	MaxDurationMS    int64
	FrameCap         int
	Headless         bool
	Stealth          bool
	StorageStatePath string
	Store            *replay.Store
	Logger           *slog.Logger
	Metrics          Recorder
}

func (c *Config) defaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 1000
	}
	if c.MaxDurationMS <= 0 {
		c.MaxDurationMS = 30 * 60 * 1000
	}
	if c.FrameCap <= 0 {
		c.FrameCap = capture.ResolveFrameCap(nil, c.Profile)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// actionRunner is the executor seam; tests substitute a fake.
type actionRunner interface {
	Execute(in action.Input, ring *netlog.Ring) action.Result
}

// frameCoordinator is the capture seam; *capture.Coordinator implements it,
// tests substitute a fake that records Stop calls.
type frameCoordinator interface {
	Stop()
	SignalVisualDrift()
	state.FrameSource
}

// Session is the per-session state machine. Operations on one session are
// serialized by the caller; the session does not self-serialize its control
// path, only its bookkeeping fields.
type Session struct {
	cfg Config

	mu        sync.Mutex
	status    Status
	createdAt time.Time
	lastTouch time.Time
	stepIndex int

	browser   *rod.Browser
	lnch      *launcher.Launcher
	incognito *rod.Browser
	page      *rod.Page
	netCancel context.CancelFunc

	netRing *netlog.Ring
	coord   frameCoordinator
	exec    actionRunner
	builder *state.Builder

	now func() time.Time

	// Overridable seams for tests; New wires the real implementations.
	acquire  func(ctx context.Context) (*rod.Page, error)
	startCap func(page *rod.Page) frameCoordinator
	observe  func(page *rod.Page) *state.Builder
	nav      func(ctx context.Context, page *rod.Page) error
}

// New creates a session in the Created state.
func New(cfg Config) *Session {
	cfg.defaults()
	s := &Session{
		cfg:     cfg,
		status:  StatusCreated,
		netRing: netlog.NewRing(netlog.GeneralCap),
		now:     time.Now,
	}
	s.acquire = s.openPage
	s.startCap = s.launchCapture
	s.observe = func(page *rod.Page) *state.Builder {
		return state.NewBuilder(state.NewRodPage(page), s.netRing, s.coord, s.cfg.Logger)
	}
	s.nav = s.navigateTarget
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.ID }

// TraceID returns the trace id.
func (s *Session) TraceID() string { return s.cfg.TraceID }

// CreatedAt returns the (touchable) creation timestamp.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// LastTouch returns the last-activity timestamp.
func (s *Session) LastTouch() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTouch
}

// Touch refreshes both timestamps so "oldest" means least-recently-active.
func (s *Session) Touch() {
	s.mu.Lock()
	now := s.now()
	s.createdAt = now
	s.lastTouch = now
	s.mu.Unlock()
}

// Active reports whether the session accepts steps.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusActive
}

// StepIndex returns the monotonic step counter.
func (s *Session) StepIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepIndex
}

// Capabilities reports the session's capability surface.
func (s *Session) Capabilities() Capabilities {
	return Capabilities{
		CaptureProfile: string(s.cfg.Profile),
		MaxSteps:       s.cfg.MaxSteps,
		MaxDurationMS:  s.cfg.MaxDurationMS,
		Policy:         string(s.cfg.Policy.Mode()),
		DOMFirst:       true,
		FrameCapture:   s.cfg.Profile.FramesEnabled(),
	}
}

// Start launches the browser, wires observation, navigates to the target and
// returns the initial state packet. Any failure releases everything acquired
// so far before returning.
func (s *Session) Start(ctx context.Context) (*state.Packet, error) {
	s.mu.Lock()
	if s.status != StatusCreated {
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	s.status = StatusStarting
	now := s.now()
	s.createdAt = now
	s.lastTouch = now
	s.mu.Unlock()

	packet, err := s.bootstrap(ctx)
	if err != nil {
		// Release in the same order as Stop: capture first, browser after.
		if s.coord != nil {
			s.coord.Stop()
		}
		s.teardownBrowser()
		s.mu.Lock()
		s.status = StatusStopped
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.status = StatusActive
	s.mu.Unlock()
	return packet, nil
}

func (s *Session) bootstrap(ctx context.Context) (*state.Packet, error) {
	log := s.cfg.Logger

	page, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	s.coord = s.startCap(page)
	s.exec = action.NewExecutor(page, log)
	s.builder = s.observe(page)

	if err := s.nav(ctx, page); err != nil {
		return nil, err
	}

	packet := s.builder.Build(ctx, state.Include{
		DOM:     s.cfg.Profile.DOMEnabled(),
		AX:      true,
		Network: true,
		Frames:  s.cfg.Profile.FramesEnabled(),
	}, nil)
	packet = state.WithSessionID(packet, s.cfg.ID)

	s.appendReplay(replay.EventCreate, map[string]any{
		"session_id": s.cfg.ID,
		"target_url": s.cfg.TargetURL,
		"profile":    string(s.cfg.Profile),
		"policy":     string(s.cfg.Policy.Mode()),
	})

	log.Info("session: started",
		"session_id", s.cfg.ID, "target", s.cfg.TargetURL, "profile", s.cfg.Profile)
	return &packet, nil
}

// openPage launches the browser, creates the incognito context and page,
// applies viewport and storage state, and wires the network-event handlers.
func (s *Session) openPage(ctx context.Context) (*rod.Page, error) {
	log := s.cfg.Logger

	l := launcher.New().
		Headless(s.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("no-first-run").
		Set("disable-gpu")
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("session: launch browser: %w", err)
	}
	s.lnch = l

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("session: connect browser: %w", err)
	}
	s.browser = b

	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("session: browser context: %w", err)
	}
	s.incognito = incognito

	var page *rod.Page
	if s.cfg.Stealth {
		page, err = stealth.Page(incognito)
	} else {
		page, err = incognito.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("session: create page: %w", err)
	}
	s.page = page

	if vp := s.cfg.Viewport; vp != nil && vp.Width > 0 && vp.Height > 0 {
		if err := (proto.EmulationSetDeviceMetricsOverride{
			Width:             vp.Width,
			Height:            vp.Height,
			DeviceScaleFactor: 1.0,
			Mobile:            false,
		}).Call(page); err != nil {
			log.Warn("session: set viewport failed", "error", err)
		}
	}

	if s.cfg.StorageStatePath != "" {
		if err := s.loadStorageState(page); err != nil {
			log.Warn("session: storage state load failed", "error", err)
		}
	}

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		log.Warn("session: enable network domain failed", "error", err)
	}
	netCtx, cancel := context.WithCancel(context.Background())
	s.netCancel = cancel
	go page.Context(netCtx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			s.netRing.Append(netlog.Request(string(e.RequestID), e.Request.URL, e.Request.Method, string(e.Type), s.now()))
		},
		func(e *proto.NetworkResponseReceived) {
			s.netRing.Append(netlog.Response(string(e.RequestID), e.Response.URL, e.Response.Status, string(e.Type), s.now()))
		},
		func(e *proto.NetworkLoadingFailed) {
			s.netRing.Append(netlog.Failure(string(e.RequestID), "", e.ErrorText, s.now()))
		},
	)()

	return page, nil
}

// launchCapture builds and starts the capture coordinator for the page. A
// capture start failure degrades the session to DOM-only observation rather
// than failing the start.
func (s *Session) launchCapture(page *rod.Page) frameCoordinator {
	capCfg := capture.Config{
		Enabled:   s.cfg.Profile.FramesEnabled(),
		SessionID: s.cfg.ID,
		TraceID:   s.cfg.TraceID,
		MaxFrames: s.cfg.FrameCap,
		Adaptive:  s.cfg.Profile == capture.ProfileAdaptive,
		TraceDir:  s.cfg.Store.TraceDir(s.cfg.TraceID),
		Logger:    s.cfg.Logger,
		OnDropped: func(delta int64) {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordSimple("frames_dropped", float64(delta), "count")
			}
		},
	}
	if vp := s.cfg.Viewport; vp != nil {
		capCfg.MaxWidth = vp.Width
		capCfg.MaxHeight = vp.Height
	}
	coord := capture.NewCoordinator(capCfg)
	if err := coord.Start(page); err != nil {
		s.cfg.Logger.Warn("session: capture start failed", "error", err)
	}
	return coord
}

// navigateTarget drives the initial navigation with a domcontentloaded wait.
func (s *Session) navigateTarget(ctx context.Context, page *rod.Page) error {
	nav := page.Context(ctx).Timeout(navigateTimeout)
	wait := nav.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := nav.Navigate(s.cfg.TargetURL); err != nil {
		return fmt.Errorf("session: navigate %s: %w", s.cfg.TargetURL, err)
	}
	wait()
	return nil
}

// normalizeCapture resolves the effective include set for a step: profile
// defaults when the caller sent no block or a block with no include flag set
// (preserving its max_frames), the caller's flags verbatim otherwise.
func (s *Session) normalizeCapture(block *CaptureSettings) (state.Include, *int) {
	if block == nil {
		return state.Defaults(s.cfg.Profile), nil
	}
	if !block.Include().Any() {
		return state.Defaults(s.cfg.Profile), block.MaxFrames
	}
	return block.Include(), block.MaxFrames
}

// Step executes one action and returns the post-state.
func (s *Session) Step(ctx context.Context, in StepInput) (*StepResult, error) {
	start := s.now()

	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return nil, ErrNotActive
	}
	if s.stepIndex >= s.cfg.MaxSteps {
		s.mu.Unlock()
		return nil, ErrMaxSteps
	}
	if start.Sub(s.createdAt).Milliseconds() > s.cfg.MaxDurationMS {
		s.mu.Unlock()
		return nil, ErrMaxDuration
	}
	s.mu.Unlock()

	include, maxFrames := s.normalizeCapture(in.Capture)

	preState := s.builder.Build(ctx, include, maxFrames)
	preState = state.WithSessionID(preState, s.cfg.ID)

	decision := s.cfg.Policy.Decide(guard.ActionRequest{
		Action:     in.Action,
		URL:        in.URL,
		StateToken: preState.StateToken,
	})
	if !decision.Allowed {
		return &StepResult{
			State:     preState,
			FrameRefs: preState.FrameRefs,
			ActionResult: action.Result{
				Action:  in.Action,
				Success: false,
				Status:  "policy_denied",
				Detail:  decision.Reason,
			},
			ErrorCodes:         []string{guard.CodePolicyDenied},
			NextRecommendation: RecommendHalt,
			LatencyMS:          s.now().Sub(start).Milliseconds(),
			QueueHealth:        preState.QueueHealth,
		}, nil
	}

	actionRes := s.exec.Execute(in.Input, s.netRing)
	if !actionRes.Success {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordSimple("action_failures", 1, "count")
		}
	}

	if in.Action == "wait" || in.Action == "wait_for" {
		if s.coord != nil {
			s.coord.SignalVisualDrift()
		}
	}

	postState := s.builder.Build(ctx, include, maxFrames)
	postState = state.WithSessionID(postState, s.cfg.ID)

	s.mu.Lock()
	s.stepIndex++
	now := s.now()
	s.createdAt = now
	s.lastTouch = now
	stepIndex := s.stepIndex
	s.mu.Unlock()

	latency := s.now().Sub(start).Milliseconds()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSimple("step_latency_ms", float64(latency), "milliseconds")
	}

	var codes []string
	rec := RecommendContinue
	if !actionRes.Success {
		codes = append(codes, "ACTION_FAILED")
		if strings.Contains(actionRes.Detail, "timeout") {
			rec = RecommendFallbackOrAbandon
		} else {
			rec = RecommendRetry
		}
	}
	if len(postState.NetworkEvents) == 0 {
		codes = append(codes, "NO_NETWORK_EVENT")
	}
	if codes == nil {
		codes = []string{}
	}

	s.appendReplay(replay.EventStep, map[string]any{
		"session_id":  s.cfg.ID,
		"step_index":  stepIndex,
		"action":      in.Action,
		"success":     actionRes.Success,
		"state_token": postState.StateToken,
	})

	return &StepResult{
		State:              postState,
		FrameRefs:          postState.FrameRefs,
		ActionResult:       actionRes,
		ErrorCodes:         codes,
		NextRecommendation: rec,
		LatencyMS:          latency,
		QueueHealth:        postState.QueueHealth,
	}, nil
}

// Snapshot builds a state packet honoring the caller's include flags
// literally and records a snapshot replay event.
func (s *Session) Snapshot(ctx context.Context, in SnapshotInput) (*state.Packet, error) {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return nil, ErrNotActive
	}
	s.mu.Unlock()

	packet := s.builder.Build(ctx, in.Include(), in.MaxFrames)
	packet = state.WithSessionID(packet, s.cfg.ID)

	s.appendReplay(replay.EventSnapshot, map[string]any{
		"session_id":  s.cfg.ID,
		"state_token": packet.StateToken,
	})
	return &packet, nil
}

// Stop tears the session down. Idempotent: stopping a stopped session is a
// no-op result, and a stopped session is never reactivated.
func (s *Session) Stop(preserve bool) StopResult {
	s.mu.Lock()
	if s.status != StatusActive && s.status != StatusStarting {
		s.mu.Unlock()
		return StopResult{
			Status:    "ok",
			Cleanup:   "noop",
			TracePath: s.cfg.Store.TracePath(s.cfg.TraceID),
		}
	}
	s.status = StatusStopping
	s.mu.Unlock()

	if s.coord != nil {
		s.coord.Stop()
	}
	if preserve && s.cfg.StorageStatePath != "" && s.page != nil {
		if err := s.saveStorageState(s.page); err != nil {
			s.cfg.Logger.Warn("session: storage state save failed", "error", err)
		}
	}
	s.teardownBrowser()

	s.appendReplay(replay.EventStop, map[string]any{
		"session_id": s.cfg.ID,
		"preserve":   preserve,
	})

	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()

	cleanup := "retained"
	if !preserve {
		s.cfg.Store.Cleanup(s.cfg.TraceID)
		s.cfg.Store.CleanupArtifacts(s.cfg.TraceID)
		cleanup = "cleaned"
	}

	s.cfg.Logger.Info("session: stopped", "session_id", s.cfg.ID, "cleanup", cleanup)
	return StopResult{
		Status:    "stopped",
		Cleanup:   cleanup,
		TracePath: s.cfg.Store.TracePath(s.cfg.TraceID),
	}
}

// teardownBrowser closes page, context and browser in that order, swallowing
// every error; resource release must not depend on driver health.
func (s *Session) teardownBrowser() {
	if s.netCancel != nil {
		s.netCancel()
		s.netCancel = nil
	}
	if s.page != nil {
		if err := s.page.Close(); err != nil {
			s.cfg.Logger.Debug("session: page close", "error", err)
		}
		s.page = nil
	}
	if s.incognito != nil {
		if id := s.incognito.BrowserContextID; id != "" {
			if err := (proto.TargetDisposeBrowserContext{BrowserContextID: id}).Call(s.incognito); err != nil {
				s.cfg.Logger.Debug("session: context dispose", "error", err)
			}
		}
		s.incognito = nil
	}
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			s.cfg.Logger.Debug("session: browser close", "error", err)
		}
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
}

// appendReplay writes one replay event with the next dense index. Append
// failures are logged, never propagated: replay is an audit trail, not a
// transaction log.
func (s *Session) appendReplay(eventType string, payload map[string]any) {
	store := s.cfg.Store
	idx := store.NextIndex(s.cfg.TraceID)
	ev := replay.Event{
		Type:    eventType,
		Index:   idx,
		At:      s.now().UnixMilli(),
		Payload: payload,
	}
	if err := store.Append(s.cfg.TraceID, ev); err != nil {
		s.cfg.Logger.Warn("session: replay append failed", "type", eventType, "error", err)
		return
	}
	if err := store.PersistIndex(s.cfg.TraceID, idx); err != nil {
		s.cfg.Logger.Debug("session: index persist failed", "error", err)
	}
}

// storedCookies is the storage-state file shape.
type storedCookies struct {
	Cookies []*proto.NetworkCookieParam `json:"cookies"`
}

func (s *Session) loadStorageState(page *rod.Page) error {
	data, err := os.ReadFile(s.cfg.StorageStatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("session: read storage state: %w", err)
	}
	var st storedCookies
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("session: decode storage state: %w", err)
	}
	if len(st.Cookies) == 0 {
		return nil
	}
	if err := page.SetCookies(st.Cookies); err != nil {
		return fmt.Errorf("session: set cookies: %w", err)
	}
	return nil
}

func (s *Session) saveStorageState(page *rod.Page) error {
	res, err := proto.NetworkGetCookies{}.Call(page)
	if err != nil {
		return fmt.Errorf("session: get cookies: %w", err)
	}
	params := make([]*proto.NetworkCookieParam, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	data, err := json.MarshalIndent(storedCookies{Cookies: params}, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode storage state: %w", err)
	}
	if err := os.WriteFile(s.cfg.StorageStatePath, data, 0o600); err != nil {
		return fmt.Errorf("session: write storage state: %w", err)
	}
	return nil
}
