// Package validate performs structural and semantic checks on tool arguments
// before any browser work happens. Failures are error-code lists, not Go
// errors: the caller decides how to surface them.
package validate

import (
	"net/url"
	"strings"

	"github.com/tripleyak/web-perception-mcp/guard"
	"github.com/tripleyak/web-perception-mcp/session"
)

// Error codes owned by this layer. URL codes come from guard.
const (
	CodeInvalidTarget      = "INVALID_TARGET"
	CodeInvalidViewport    = "INVALID_VIEWPORT"
	CodeInvalidMaxSteps    = "INVALID_MAX_STEPS"
	CodeInvalidDuration    = "INVALID_DURATION"
	CodeInvalidAction      = "INVALID_ACTION"
	CodeMissingURL         = "MISSING_URL"
	CodeMissingText        = "MISSING_TEXT"
	CodeMissingKey         = "MISSING_KEY"
	CodeMissingTarget      = "MISSING_TARGET"
	CodeInvalidSelector    = "INVALID_SELECTOR"
	CodeInvalidTimeout     = "INVALID_TIMEOUT"
	CodeInvalidActionLimit = "INVALID_ACTION_LIMIT"
)

// Schema bounds.
const (
	MaxURLLength      = 2048
	MinViewportWidth  = 320
	MaxViewportWidth  = 7680
	MinViewportHeight = 200
	MaxViewportHeight = 4320
	MaxStepsLimit     = 50000
	MinDurationMS     = 1000
	MinTimeoutMS      = 50
	MaxTimeoutMS      = 120000
	MaxActionsLimit   = 20
)

// Result is a validation outcome: ok plus the collected error codes.
type Result struct {
	OK     bool          `json:"ok"`
	Errors []guard.Issue `json:"errors"`
}

func result(issues []guard.Issue) Result {
	if issues == nil {
		issues = []guard.Issue{}
	}
	return Result{OK: len(issues) == 0, Errors: issues}
}

var knownActions = map[string]bool{
	"navigate": true,
	"click":    true,
	"hover":    true,
	"type":     true,
	"press":    true,
	"scroll":   true,
	"drag":     true,
	"wait":     true,
	"wait_for": true,
}

// Create validates a session-create request against the schema bounds and
// the configured URL rules.
func Create(in session.CreateInput, rules guard.URLRules) Result {
	var issues []guard.Issue

	target := strings.TrimSpace(in.TargetURL)
	switch {
	case target == "":
		issues = append(issues, guard.Issue{Code: CodeInvalidTarget, Message: "target_url is required"})
	case len(target) > MaxURLLength:
		issues = append(issues, guard.Issue{Code: CodeInvalidTarget, Message: "target_url exceeds 2048 characters"})
	default:
		if res := rules.ValidateURL(target); !res.OK {
			issues = append(issues, res.Issues...)
		}
	}

	if vp := in.Viewport; vp != nil {
		if vp.Width < MinViewportWidth || vp.Width > MaxViewportWidth ||
			vp.Height < MinViewportHeight || vp.Height > MaxViewportHeight {
			issues = append(issues, guard.Issue{Code: CodeInvalidViewport, Message: "viewport out of range"})
		}
	}
	if in.MaxSteps != nil && (*in.MaxSteps < 1 || *in.MaxSteps > MaxStepsLimit) {
		issues = append(issues, guard.Issue{Code: CodeInvalidMaxSteps, Message: "max_steps must be in [1, 50000]"})
	}
	if in.MaxDurationMS != nil && *in.MaxDurationMS < MinDurationMS {
		issues = append(issues, guard.Issue{Code: CodeInvalidDuration, Message: "max_duration_ms must be at least 1000"})
	}

	return result(issues)
}

// Action validates a step request: known action, per-action required fields,
// and numeric bounds.
func Action(in session.StepInput) Result {
	var issues []guard.Issue

	if strings.TrimSpace(in.SessionID) == "" {
		issues = append(issues, guard.Issue{Code: CodeMissingTarget, Message: "session_id is required"})
	}

	act := in.Action
	if !knownActions[act] {
		issues = append(issues, guard.Issue{Code: CodeInvalidAction, Message: "unknown action " + act})
		return result(issues)
	}

	hasCoords := in.X != nil && in.Y != nil

	switch act {
	case "navigate":
		if strings.TrimSpace(in.URL) == "" {
			issues = append(issues, guard.Issue{Code: CodeMissingURL, Message: "url is required for navigate"})
		} else if _, err := url.Parse(in.URL); err != nil {
			issues = append(issues, guard.Issue{Code: guard.CodeInvalidURL, Message: "url does not parse"})
		}
	case "click", "hover":
		if in.Selector == "" && !hasCoords {
			issues = append(issues, guard.Issue{Code: CodeMissingTarget, Message: act + " needs a selector or coordinates"})
		}
	case "type":
		if in.Text == "" {
			issues = append(issues, guard.Issue{Code: CodeMissingText, Message: "text is required for type"})
		}
		if in.Selector == "" && !hasCoords {
			issues = append(issues, guard.Issue{Code: CodeMissingTarget, Message: "type needs a selector or coordinates"})
		}
	case "press":
		if in.Key == "" {
			issues = append(issues, guard.Issue{Code: CodeMissingKey, Message: "key is required for press"})
		}
	case "drag":
		if !hasCoords || in.DeltaX == nil || in.DeltaY == nil {
			issues = append(issues, guard.Issue{Code: CodeMissingTarget, Message: "drag needs x, y, delta_x and delta_y"})
		}
	case "wait_for":
		if strings.TrimSpace(in.Selector) == "" {
			issues = append(issues, guard.Issue{Code: CodeMissingTarget, Message: "wait_for needs a selector or load-state name"})
		}
	}

	if in.Selector != "" && strings.TrimSpace(in.Selector) == "" {
		issues = append(issues, guard.Issue{Code: CodeInvalidSelector, Message: "selector is blank"})
	}
	if in.TimeoutMS != nil && (*in.TimeoutMS < MinTimeoutMS || *in.TimeoutMS > MaxTimeoutMS) {
		issues = append(issues, guard.Issue{Code: CodeInvalidTimeout, Message: "timeout_ms must be in [50, 120000]"})
	}
	if in.MaxActionsPerStep != nil && (*in.MaxActionsPerStep < 1 || *in.MaxActionsPerStep > MaxActionsLimit) {
		issues = append(issues, guard.Issue{Code: CodeInvalidActionLimit, Message: "max_actions_per_step must be in [1, 20]"})
	}

	return result(issues)
}

// Snapshot validates a snapshot request.
func Snapshot(in session.SnapshotInput) Result {
	var issues []guard.Issue
	if strings.TrimSpace(in.SessionID) == "" {
		issues = append(issues, guard.Issue{Code: CodeMissingTarget, Message: "session_id is required"})
	}
	return result(issues)
}

// Stop validates a stop request.
func Stop(in session.StopInput) Result {
	var issues []guard.Issue
	if strings.TrimSpace(in.SessionID) == "" {
		issues = append(issues, guard.Issue{Code: CodeMissingTarget, Message: "session_id is required"})
	}
	return result(issues)
}

// Replay validates a replay request.
func Replay(traceID string) Result {
	var issues []guard.Issue
	if strings.TrimSpace(traceID) == "" {
		issues = append(issues, guard.Issue{Code: CodeMissingTarget, Message: "trace_id is required"})
	}
	return result(issues)
}
