package state

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tripleyak/web-perception-mcp/capture"
	"github.com/tripleyak/web-perception-mcp/netlog"
)

// How many ring entries a packet samples.
const (
	networkWindow      = 100
	defaultFrameWindow = 6
)

// PageObserver is the read surface the builder needs from a page. The rod
// adapter implements it; tests substitute a fake.
type PageObserver interface {
	// Info returns the current URL and title. A title read failure yields "".
	Info(ctx context.Context) (url, title string)
	// DOMSummary runs the in-page interactive-element census.
	DOMSummary(ctx context.Context) (*DOMSummary, error)
	// AXSnapshot fetches the filtered accessibility tree.
	AXSnapshot(ctx context.Context) (json.RawMessage, error)
}

// FrameSource exposes the frame ring view a packet samples. A nil source
// (frame capture disabled) yields empty refs and zero health.
type FrameSource interface {
	LastFrames(n int) []capture.FrameRef
	Health() capture.QueueHealth
}

// Builder assembles state packets and tracks the previous state token for
// change detection. One builder per session; no cross-session sharing.
type Builder struct {
	page    PageObserver
	netRing *netlog.Ring
	frames  FrameSource
	logger  *slog.Logger

	mu        sync.Mutex
	lastToken string

	now func() time.Time
}

// NewBuilder creates a builder bound to one session's observation sources.
// frames may be nil when the capture profile disables visual frames.
func NewBuilder(page PageObserver, netRing *netlog.Ring, frames FrameSource, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		page:    page,
		netRing: netRing,
		frames:  frames,
		logger:  logger,
		now:     time.Now,
	}
}

// Build samples the page and rings and returns a packet. The rings are read
// with snapshot-on-read; no barrier is taken across sources — freshness over
// consistency.
func (b *Builder) Build(ctx context.Context, in Include, maxFrames *int) Packet {
	now := b.now()
	url, title := b.page.Info(ctx)

	p := Packet{
		Timestamp:     now.UnixMilli(),
		URL:           url,
		Title:         title,
		NetworkEvents: []netlog.Event{},
		FrameRefs:     []capture.FrameRef{},
	}

	if in.DOM {
		dom, err := b.page.DOMSummary(ctx)
		if err != nil {
			b.logger.Debug("state: dom summary failed", "error", err)
		} else {
			p.DOM = dom
			p.RegionDetections = regionsFromDOM(dom)
		}
	}

	if in.AX {
		ax, err := b.page.AXSnapshot(ctx)
		if err != nil {
			b.logger.Debug("state: ax snapshot failed", "error", err)
		} else {
			p.Accessibility = ax
		}
	}

	if in.Network && b.netRing != nil {
		p.NetworkEvents = b.netRing.Last(networkWindow)
	}

	if in.Frames && b.frames != nil {
		n := defaultFrameWindow
		if maxFrames != nil {
			n = *maxFrames
		}
		if n < 1 {
			n = 1
		}
		p.FrameRefs = b.frames.LastFrames(n)
	}

	if b.frames != nil {
		p.QueueHealth = b.frames.Health()
	}

	p.StateToken = Token(p)

	b.mu.Lock()
	switch {
	case b.lastToken == "":
		p.ChangeTokens = []string{ChangeInit}
	case b.lastToken == p.StateToken:
		p.ChangeTokens = []string{ChangeNone}
	default:
		p.ChangeTokens = []string{ChangeChanged}
	}
	b.lastToken = p.StateToken
	b.mu.Unlock()

	return p
}

// tokenBasis is the canonical serialization hashed into the state token.
// Field order is fixed; the zero DOM basis serializes as an empty object.
type tokenBasis struct {
	URL          string `json:"url"`
	Title        string `json:"title"`
	DOM          any    `json:"dom"`
	NetworkCount int    `json:"networkCount"`
	FrameCount   int    `json:"frameCount"`
}

type tokenDOMCounts struct {
	InteractiveCount int `json:"interactive_count"`
	Buttons          int `json:"buttons"`
	TextInputs       int `json:"text_inputs"`
	Links            int `json:"links"`
	Iframes          int `json:"iframes"`
	CanvasNodes      int `json:"canvas_nodes"`
}

// Token computes the SHA-1 change-detection token for a packet. It is a pure
// function of url, title, the DOM counts (or an empty object when DOM was not
// included), the network-event count, and the frame count.
func Token(p Packet) string {
	basis := tokenBasis{
		URL:          p.URL,
		Title:        p.Title,
		DOM:          struct{}{},
		NetworkCount: len(p.NetworkEvents),
		FrameCount:   len(p.FrameRefs),
	}
	if p.DOM != nil {
		basis.DOM = tokenDOMCounts{
			InteractiveCount: p.DOM.InteractiveCount,
			Buttons:          p.DOM.Buttons,
			TextInputs:       p.DOM.TextInputs,
			Links:            p.DOM.Links,
			Iframes:          p.DOM.Iframes,
			CanvasNodes:      p.DOM.CanvasNodes,
		}
	}
	data, err := json.Marshal(basis)
	if err != nil {
		// Marshal of a closed struct cannot fail; keep the token total anyway.
		data = []byte(fmt.Sprintf("%v", basis))
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// regionsFromDOM synthesises region detections from the top interactive
// elements that carry a bounding box.
func regionsFromDOM(dom *DOMSummary) []RegionDetection {
	var out []RegionDetection
	for _, el := range dom.TopElements {
		if el.Bounds.Width <= 0 || el.Bounds.Height <= 0 {
			continue
		}
		label := el.Tag
		if el.ID != "" {
			label += "#" + el.ID
		}
		out = append(out, RegionDetection{
			Label:      label,
			Confidence: regionConfidence,
			Bounds:     el.Bounds,
		})
	}
	return out
}
