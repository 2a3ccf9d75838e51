// Package state merges DOM, accessibility, network and frame observations
// into a single state packet with a stable change-detection token.
package state

import (
	"encoding/json"

	"github.com/tripleyak/web-perception-mcp/capture"
	"github.com/tripleyak/web-perception-mcp/netlog"
)

// Change tokens derived from consecutive state tokens.
const (
	ChangeInit    = "INIT"
	ChangeNone    = "NO_CHANGE"
	ChangeChanged = "STATE_CHANGED"
)

// Bounds is an element bounding box, clamped to non-negative integers.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DOMElement summarises one interactive element.
type DOMElement struct {
	Tag    string `json:"tag"`
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
	Text   string `json:"text,omitempty"`
	Bounds Bounds `json:"bounds"`
}

// DOMSummary holds the interactive-element census of a page.
type DOMSummary struct {
	InteractiveCount int          `json:"interactive_count"`
	TextInputs       int          `json:"text_inputs"`
	Buttons          int          `json:"buttons"`
	Links            int          `json:"links"`
	Iframes          int          `json:"iframes"`
	CanvasNodes      int          `json:"canvas_nodes"`
	TopElements      []DOMElement `json:"top_elements,omitempty"`
}

// RegionDetection is a coarse visual-region hypothesis synthesised from the
// DOM census. Confidence is fixed: these are derivations, not detections.
type RegionDetection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Bounds     Bounds  `json:"bounds"`
}

const regionConfidence = 0.78

// Packet is the normalized observation returned from every step/snapshot.
type Packet struct {
	StateToken       string              `json:"state_token"`
	Timestamp        int64               `json:"timestamp"`
	SessionID        string              `json:"session_id,omitempty"`
	URL              string              `json:"url"`
	Title            string              `json:"title"`
	DOM              *DOMSummary         `json:"dom,omitempty"`
	Accessibility    json.RawMessage     `json:"accessibility,omitempty"`
	NetworkEvents    []netlog.Event      `json:"network_events"`
	FrameRefs        []capture.FrameRef  `json:"frame_refs"`
	RegionDetections []RegionDetection   `json:"region_detections,omitempty"`
	ChangeTokens     []string            `json:"change_tokens"`
	QueueHealth      capture.QueueHealth `json:"queue_health"`
}

// WithSessionID returns a structural copy of the packet bound to the given
// session id. Slices are shared (refs are immutable); the queue-health block
// is a fresh copy.
func WithSessionID(p Packet, id string) Packet {
	out := p
	out.SessionID = id
	out.QueueHealth = capture.QueueHealth{
		Depth:      p.QueueHealth.Depth,
		Max:        p.QueueHealth.Max,
		Dropped:    p.QueueHealth.Dropped,
		PendingAck: p.QueueHealth.PendingAck,
	}
	return out
}

// Include selects which observations a build gathers.
type Include struct {
	DOM     bool `json:"include_dom"`
	AX      bool `json:"include_ax"`
	Network bool `json:"include_network"`
	Frames  bool `json:"include_frames"`
}

// Any reports whether at least one include flag is set.
func (in Include) Any() bool { return in.DOM || in.AX || in.Network || in.Frames }

// Defaults returns the include set implied by a capture profile: DOM and AX
// unless frames_only, frames unless dom_only, network always.
func Defaults(profile capture.Profile) Include {
	return Include{
		DOM:     profile.DOMEnabled(),
		AX:      profile.DOMEnabled(),
		Network: true,
		Frames:  profile.FramesEnabled(),
	}
}
