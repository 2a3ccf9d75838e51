// Package server exposes the session runtime as five tools over MCP stdio
// and an optional REST adapter. It owns dispatch, validation wiring, and the
// transport surfaces; the session package owns everything browser-shaped.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tripleyak/web-perception-mcp/guard"
	"github.com/tripleyak/web-perception-mcp/observability"
	"github.com/tripleyak/web-perception-mcp/replay"
	"github.com/tripleyak/web-perception-mcp/session"
	"github.com/tripleyak/web-perception-mcp/validate"
)

// Tool names.
const (
	ToolSessionCreate = "web_agent_session_create"
	ToolStep          = "web_agent_step"
	ToolSnapshot      = "web_agent_snapshot"
	ToolSessionStop   = "web_agent_session_stop"
	ToolReplay        = "web_agent_replay"
)

// SessionOps is the manager surface the service dispatches into.
// *session.Manager satisfies it; tests substitute a fake.
type SessionOps interface {
	Create(ctx context.Context, in session.CreateInput) (*session.CreateResult, error)
	Get(id string) (session.Handle, bool)
	Touch(id string)
	Stop(id string, preserve bool) session.StopResult
}

// ValidationError carries the error-code list across the tool boundary.
type ValidationError struct {
	Result validate.Result
}

func (e *ValidationError) Error() string {
	codes := make([]string, 0, len(e.Result.Errors))
	for _, issue := range e.Result.Errors {
		codes = append(codes, issue.Code)
	}
	return "validation failed: " + strings.Join(codes, ", ")
}

// ReplayInput is the payload of web_agent_replay.
type ReplayInput struct {
	TraceID string `json:"trace_id"`
	Start   *int   `json:"start,omitempty"`
	End     *int   `json:"end,omitempty"`
}

// ReplayResult is the response of web_agent_replay.
type ReplayResult struct {
	TraceID string         `json:"trace_id"`
	Total   int            `json:"total"`
	Events  []replay.Event `json:"events"`
}

// Service binds the manager, replay store and metrics behind the tool surface.
type Service struct {
	ops     SessionOps
	store   *replay.Store
	metrics *observability.MetricsManager
	rules   guard.URLRules
	logger  *slog.Logger
}

// NewService creates a Service. metrics may be nil.
func NewService(ops SessionOps, store *replay.Store, metrics *observability.MetricsManager, rules guard.URLRules, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ops: ops, store: store, metrics: metrics, rules: rules, logger: logger}
}

// Dispatch routes one tool invocation: decode, validate, execute. Unknown
// tools and validation failures reject before any browser work.
func (s *Service) Dispatch(ctx context.Context, tool string, args json.RawMessage) (any, error) {
	switch tool {
	case ToolSessionCreate:
		var in session.CreateInput
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		return s.create(ctx, in)
	case ToolStep:
		var in session.StepInput
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		return s.step(ctx, in)
	case ToolSnapshot:
		var in session.SnapshotInput
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		return s.snapshot(ctx, in)
	case ToolSessionStop:
		var in session.StopInput
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		return s.stopSession(in)
	case ToolReplay:
		var in ReplayInput
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		return s.replayTrace(in)
	default:
		return nil, fmt.Errorf("Unknown tool: %s", tool)
	}
}

func decode(args json.RawMessage, out any) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (s *Service) create(ctx context.Context, in session.CreateInput) (any, error) {
	if res := validate.Create(in, s.rules); !res.OK {
		return nil, &ValidationError{Result: res}
	}
	result, err := s.ops.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	s.logger.Info("tool: session created", "session_id", result.SessionID)
	return result, nil
}

func (s *Service) step(ctx context.Context, in session.StepInput) (any, error) {
	if res := validate.Action(in); !res.OK {
		return nil, &ValidationError{Result: res}
	}
	h, ok := s.ops.Get(in.SessionID)
	if !ok {
		return nil, fmt.Errorf("unknown session id: %s", in.SessionID)
	}
	s.ops.Touch(in.SessionID)
	return h.Step(ctx, in)
}

func (s *Service) snapshot(ctx context.Context, in session.SnapshotInput) (any, error) {
	if res := validate.Snapshot(in); !res.OK {
		return nil, &ValidationError{Result: res}
	}
	h, ok := s.ops.Get(in.SessionID)
	if !ok {
		return nil, fmt.Errorf("unknown session id: %s", in.SessionID)
	}
	s.ops.Touch(in.SessionID)
	return h.Snapshot(ctx, in)
}

func (s *Service) stopSession(in session.StopInput) (any, error) {
	if res := validate.Stop(in); !res.OK {
		return nil, &ValidationError{Result: res}
	}
	return s.ops.Stop(in.SessionID, in.Preserve), nil
}

func (s *Service) replayTrace(in ReplayInput) (any, error) {
	if res := validate.Replay(in.TraceID); !res.OK {
		return nil, &ValidationError{Result: res}
	}
	events, err := s.store.Filter(in.TraceID, in.Start, in.End)
	if err != nil {
		return nil, err
	}
	return &ReplayResult{TraceID: in.TraceID, Total: len(events), Events: events}, nil
}
