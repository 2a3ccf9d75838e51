package capture

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/tripleyak/web-perception-mcp/idgen"
)

// Throttle intervals. Steady state keeps roughly three frames per second off
// the wire; a visual-drift signal opens a burst window at 8 fps for two
// seconds so transitions are not missed.
const (
	steadyInterval = 333 * time.Millisecond
	burstInterval  = 125 * time.Millisecond
	burstWindow    = 2 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	Enabled   bool
	SessionID string
	TraceID   string
	Quality   int // JPEG quality, 1-100
	MaxWidth  int
	MaxHeight int
	MaxFrames int // ring capacity
	Adaptive  bool
	TraceDir  string
	Logger    *slog.Logger

	// OnDropped receives eviction deltas for the metrics aggregator.
	OnDropped func(delta int64)
}

func (c *Config) defaults() {
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 60
	}
	if c.MaxWidth <= 0 {
		c.MaxWidth = 1280
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = 720
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = 8
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Coordinator owns the screencast for one session: it subscribes to frame
// events, throttles, persists kept frames, and acknowledges every delivery so
// the driver keeps streaming.
type Coordinator struct {
	cfg  Config
	ring *Ring

	mu            sync.Mutex
	active        bool
	page          *rod.Page
	cancel        context.CancelFunc
	seq           int64
	lastCaptured  time.Time
	burstUntil    time.Time
	reportedDrops int64

	pendingMu sync.Mutex
	pending   int

	// Overridable seams for tests. NewCoordinator sets now to time.Now and
	// ack to a no-op; Start replaces ack with the real screencast ack.
	now func() time.Time
	ack func(cdpSession int) error
}

// NewCoordinator creates a Coordinator. Call Start with the session's page.
func NewCoordinator(cfg Config) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		cfg:  cfg,
		ring: NewRing(cfg.MaxFrames),
		now:  time.Now,
		ack:  func(int) error { return nil },
	}
}

// Start subscribes to screencast frames on the page and begins the stream.
// No-op when disabled or already active.
func (c *Coordinator) Start(page *rod.Page) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.Enabled || c.active {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.page = page
	c.cancel = cancel
	c.ack = func(cdpSession int) error {
		return proto.PageScreencastFrameAck{SessionID: cdpSession}.Call(page)
	}

	if err := (proto.PageEnable{}).Call(page); err != nil {
		cancel()
		return fmt.Errorf("capture: enable page domain: %w", err)
	}
	quality := c.cfg.Quality
	maxWidth := c.cfg.MaxWidth
	maxHeight := c.cfg.MaxHeight
	everyNthFrame := 1
	if err := (proto.PageStartScreencast{
		Format:        proto.PageStartScreencastFormatJpeg,
		Quality:       &quality,
		MaxWidth:      &maxWidth,
		MaxHeight:     &maxHeight,
		EveryNthFrame: &everyNthFrame,
	}).Call(page); err != nil {
		cancel()
		return fmt.Errorf("capture: start screencast: %w", err)
	}

	c.active = true

	go page.Context(ctx).EachEvent(func(e *proto.PageScreencastFrame) {
		var w, h int
		var scale float64
		if e.Metadata != nil {
			w = int(e.Metadata.DeviceWidth)
			h = int(e.Metadata.DeviceHeight)
			scale = e.Metadata.PageScaleFactor
		}
		c.handleFrame(e.Data, e.SessionID, w, h, scale)
	})()

	c.cfg.Logger.Info("capture: screencast started",
		"session_id", c.cfg.SessionID, "quality", c.cfg.Quality, "max_frames", c.cfg.MaxFrames)
	return nil
}

// handleFrame processes one delivered frame: throttle decision, optional
// persistence and ring push, and unconditional acknowledgement.
func (c *Coordinator) handleFrame(data []byte, cdpSession, width, height int, scale float64) {
	c.pendingMu.Lock()
	c.pending++
	c.pendingMu.Unlock()

	defer func() {
		if cdpSession != 0 {
			if err := c.ack(cdpSession); err != nil {
				c.cfg.Logger.Debug("capture: frame ack failed", "error", err)
			}
		}
		c.pendingMu.Lock()
		c.pending--
		c.pendingMu.Unlock()
	}()

	now := c.now()

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	interval := steadyInterval
	if now.Before(c.burstUntil) {
		interval = burstInterval
	}
	keep := c.lastCaptured.IsZero() || now.Sub(c.lastCaptured) >= interval
	if keep {
		c.lastCaptured = now
		c.seq++
	}
	seq := c.seq
	c.mu.Unlock()

	if !keep || len(data) == 0 {
		return
	}

	start := time.Now()
	sum := sha1.Sum(data)
	frameID := idgen.FrameID(c.cfg.SessionID, now, seq)
	dir := filepath.Join(c.cfg.TraceDir, "frames")
	path := filepath.Join(dir, frameID+".jpg")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.cfg.Logger.Warn("capture: frame dir", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.cfg.Logger.Warn("capture: frame write", "path", path, "error", err)
		return
	}

	c.ring.Push(FrameRef{
		ID:        frameID,
		Timestamp: now.UnixMilli(),
		Width:     width,
		Height:    height,
		MIME:      "image/jpeg",
		Checksum:  hex.EncodeToString(sum[:]),
		Path:      path,
		Metadata: map[string]string{
			"raw_bytes":     strconv.Itoa(len(data)),
			"processing_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
			"source_scale":  strconv.FormatFloat(scale, 'f', -1, 64),
		},
	})

	c.mu.Lock()
	dropped := c.ring.Dropped()
	delta := dropped - c.reportedDrops
	c.reportedDrops = dropped
	c.mu.Unlock()
	if delta > 0 && c.cfg.OnDropped != nil {
		c.cfg.OnDropped(delta)
	}
}

// SignalVisualDrift opens the burst throttle window. Only adaptive sessions
// react; the others keep the steady interval.
func (c *Coordinator) SignalVisualDrift() {
	if !c.cfg.Adaptive {
		return
	}
	c.mu.Lock()
	c.burstUntil = c.now().Add(burstWindow)
	c.mu.Unlock()
}

// Stop disables capture first so no further frames are retained, then tears
// the screencast down best-effort and clears the ring.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	page := c.page
	cancel := c.cancel
	c.page = nil
	c.cancel = nil
	c.mu.Unlock()

	if page != nil {
		if err := (proto.PageStopScreencast{}).Call(page); err != nil {
			c.cfg.Logger.Debug("capture: stop screencast", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}

	c.ring.Clear()
	c.pendingMu.Lock()
	c.pending = 0
	c.pendingMu.Unlock()
}

// Enabled reports whether this coordinator captures frames at all.
func (c *Coordinator) Enabled() bool { return c.cfg.Enabled }

// QueueDepth returns the current ring depth.
func (c *Coordinator) QueueDepth() int { return c.ring.Depth() }

// QueueMax returns the ring capacity.
func (c *Coordinator) QueueMax() int { return c.ring.Cap() }

// DroppedFrames returns the monotonic eviction count.
func (c *Coordinator) DroppedFrames() int64 { return c.ring.Dropped() }

// PendingAcks returns the number of frames delivered but not yet acknowledged.
func (c *Coordinator) PendingAcks() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.pending
}

// Queue returns a snapshot of the current ring contents, oldest first.
func (c *Coordinator) Queue() []FrameRef { return c.ring.Snapshot() }

// LastFrames returns up to n most-recent refs, oldest first.
func (c *Coordinator) LastFrames(n int) []FrameRef { return c.ring.Last(n) }

// LatestFrame returns the most recent ref, if any.
func (c *Coordinator) LatestFrame() (FrameRef, bool) { return c.ring.Latest() }

// Health returns the ring health counters for state packets.
func (c *Coordinator) Health() QueueHealth {
	return QueueHealth{
		Depth:      c.ring.Depth(),
		Max:        c.ring.Cap(),
		Dropped:    c.ring.Dropped(),
		PendingAck: c.PendingAcks(),
	}
}
