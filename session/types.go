// Package session binds a browser, capture coordinator, state builder,
// action executor and replay log into one per-session state machine, and
// provides the admission-controlled manager owning the process's session
// pool.
package session

import (
	"github.com/tripleyak/web-perception-mcp/action"
	"github.com/tripleyak/web-perception-mcp/capture"
	"github.com/tripleyak/web-perception-mcp/state"
)

// Viewport is the requested page size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CaptureSettings is the per-call capture block. Include flags absent from
// the wire decode as false; MaxFrames nil means "no override".
type CaptureSettings struct {
	IncludeDOM     bool `json:"include_dom"`
	IncludeAX      bool `json:"include_ax"`
	IncludeNetwork bool `json:"include_network"`
	IncludeFrames  bool `json:"include_frames"`
	MaxFrames      *int `json:"max_frames,omitempty"`
}

// Include converts the block to the builder's include set.
func (c CaptureSettings) Include() state.Include {
	return state.Include{
		DOM:     c.IncludeDOM,
		AX:      c.IncludeAX,
		Network: c.IncludeNetwork,
		Frames:  c.IncludeFrames,
	}
}

// ConfidenceGate is the optional confidence-gate block of a create request.
// It is decoded but not read: region detections are not filtered by
// min_score, and the block is not echoed back in any result.
type ConfidenceGate struct {
	MinScore *float64 `json:"min_score,omitempty"`
}

// CreateInput is the payload of web_agent_session_create.
type CreateInput struct {
	TargetURL        string           `json:"target_url"`
	Viewport         *Viewport        `json:"viewport,omitempty"`
	CaptureProfile   string           `json:"capture_profile,omitempty"`
	PolicyMode       string           `json:"policy_mode,omitempty"`
	MaxSteps         *int             `json:"max_steps,omitempty"`
	MaxDurationMS    *int64           `json:"max_duration_ms,omitempty"`
	Capture          *CaptureSettings `json:"capture,omitempty"`
	ConfidenceGate   *ConfidenceGate  `json:"confidence_gate,omitempty"`
	MaxFrameBudgetMS *int             `json:"max_frame_budget_ms,omitempty"`
	StorageStatePath string           `json:"storage_state_path,omitempty"`
}

// StepInput is the payload of web_agent_step. The action fields are flat;
// the optional capture block overrides the profile defaults.
type StepInput struct {
	SessionID string `json:"session_id"`
	action.Input
	Capture *CaptureSettings `json:"capture,omitempty"`
}

// SnapshotInput is the payload of web_agent_snapshot. Include flags are
// honored literally; absent means false.
type SnapshotInput struct {
	SessionID string `json:"session_id"`
	CaptureSettings
}

// StopInput is the payload of web_agent_session_stop.
type StopInput struct {
	SessionID string `json:"session_id"`
	Preserve  bool   `json:"preserve,omitempty"`
}

// Capabilities reports what a session can do; returned from create.
type Capabilities struct {
	CaptureProfile string `json:"capture_profile"`
	MaxSteps       int    `json:"max_steps"`
	MaxDurationMS  int64  `json:"max_duration_ms"`
	Policy         string `json:"policy"`
	DOMFirst       bool   `json:"dom_first"`
	FrameCapture   bool   `json:"frame_capture"`
}

// CreateResult is the response of web_agent_session_create.
type CreateResult struct {
	SessionID            string            `json:"session_id"`
	TraceID              string            `json:"trace_id"`
	SessionCapabilities  Capabilities      `json:"session_capabilities"`
	InitialStateSnapshot state.Packet      `json:"initial_state_snapshot"`
	FrameRef             *capture.FrameRef `json:"frame_ref,omitempty"`
}

// Next-step recommendations. Advisory only: the server never retries.
const (
	RecommendContinue          = "continue"
	RecommendRetry             = "retry"
	RecommendFallbackOrAbandon = "fallback_or_abandon"
	RecommendHalt              = "halt"
)

// StepResult is the response of web_agent_step.
type StepResult struct {
	State              state.Packet        `json:"state"`
	FrameRefs          []capture.FrameRef  `json:"frame_refs"`
	ActionResult       action.Result       `json:"action_result"`
	ErrorCodes         []string            `json:"error_codes"`
	NextRecommendation string              `json:"next_recommendation"`
	LatencyMS          int64               `json:"latency_ms"`
	QueueHealth        capture.QueueHealth `json:"queue_health"`
}

// StopResult is the response of web_agent_session_stop.
type StopResult struct {
	Status    string `json:"status"`
	Cleanup   string `json:"cleanup"` // "cleaned", "retained", "noop"
	TracePath string `json:"tracePath,omitempty"`
}
