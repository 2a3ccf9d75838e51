// Package action executes exactly one browser action per step, preferring
// DOM selectors and falling back to coordinates, under a caller-supplied
// timeout. Every executed action — success or failure — leaves a synthetic
// event on the session's network ring so traffic and actions interleave
// causally.
package action

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/tripleyak/web-perception-mcp/netlog"
)

// Timeout bounds in milliseconds.
const (
	MinTimeoutMS     = 100
	MaxTimeoutMS     = 120000
	DefaultTimeoutMS = 8000

	// hardCeilingSlack is added to the effective timeout for the outer
	// deadline that catches a wedged driver call.
	hardCeilingSlack = 300 * time.Millisecond
)

// Point is a viewport coordinate pair.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Input describes one action request.
type Input struct {
	Action            string   `json:"action"`
	Selector          string   `json:"selector,omitempty"`
	URL               string   `json:"url,omitempty"`
	Text              string   `json:"text,omitempty"`
	Key               string   `json:"key,omitempty"`
	X                 *float64 `json:"x,omitempty"`
	Y                 *float64 `json:"y,omitempty"`
	DeltaX            *float64 `json:"delta_x,omitempty"`
	DeltaY            *float64 `json:"delta_y,omitempty"`
	TimeoutMS         *int     `json:"timeout_ms,omitempty"`
	MaxActionsPerStep *int     `json:"max_actions_per_step,omitempty"`
}

// Result is the structured outcome of one execution. Failures are data, not
// errors: they cross the tool boundary inside the step result.
type Result struct {
	Action      string `json:"action"`
	Success     bool   `json:"success"`
	Status      string `json:"status"`
	Target      string `json:"target,omitempty"`
	Selector    string `json:"selector,omitempty"`
	Coordinates *Point `json:"coordinates,omitempty"`
	Detail      string `json:"detail,omitempty"`
	ElapsedMS   int64  `json:"elapsed_ms"`
}

// Executor dispatches actions against one session's page.
type Executor struct {
	page   *rod.Page
	logger *slog.Logger
}

// NewExecutor creates an executor bound to a page.
func NewExecutor(page *rod.Page, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{page: page, logger: logger}
}

// ClampTimeout resolves the effective per-action timeout.
func ClampTimeout(requested *int) time.Duration {
	ms := DefaultTimeoutMS
	if requested != nil {
		ms = *requested
		if ms < MinTimeoutMS {
			ms = MinTimeoutMS
		}
		if ms > MaxTimeoutMS {
			ms = MaxTimeoutMS
		}
	}
	return time.Duration(ms) * time.Millisecond
}

// Execute runs one action and appends its synthetic event to the ring.
func (e *Executor) Execute(in Input, ring *netlog.Ring) Result {
	start := time.Now()
	timeout := ClampTimeout(in.TimeoutMS)

	res := e.executeWithDeadline(in, timeout)
	res.ElapsedMS = time.Since(start).Milliseconds()

	if ring != nil {
		ring.Append(netlog.Action(in.Action, e.targetURL(), res.Success, res.Detail, time.Now()))
		ring.TrimTo(netlog.ActionCap)
	}
	return res
}

// executeWithDeadline runs the dispatch in a goroutine under a hard outer
// ceiling of timeout+300ms; driver calls themselves run with the page
// deadline, so the outer timer only fires when a call wedges.
func (e *Executor) executeWithDeadline(in Input, timeout time.Duration) Result {
	if in.MaxActionsPerStep != nil && *in.MaxActionsPerStep > 1 {
		return e.fail(in, "max_actions_per_step must be 1 in phase 1")
	}

	done := make(chan Result, 1)
	go func() {
		done <- e.dispatch(in, timeout)
	}()

	select {
	case res := <-done:
		return res
	case <-time.After(timeout + hardCeilingSlack):
		return e.fail(in, fmt.Sprintf("action timeout after %dms", timeout.Milliseconds()))
	}
}

func (e *Executor) dispatch(in Input, timeout time.Duration) Result {
	switch in.Action {
	case "navigate":
		return e.navigate(in, timeout)
	case "click":
		return e.click(in, timeout)
	case "hover":
		return e.hover(in, timeout)
	case "type":
		return e.typeText(in, timeout)
	case "press":
		return e.press(in, timeout)
	case "scroll":
		return e.scroll(in, timeout)
	case "drag":
		return e.drag(in, timeout)
	case "wait":
		return e.wait(in)
	case "wait_for":
		return e.waitFor(in, timeout)
	default:
		return e.fail(in, fmt.Sprintf("unsupported action %q", in.Action))
	}
}

func (e *Executor) navigate(in Input, timeout time.Duration) Result {
	if strings.TrimSpace(in.URL) == "" {
		return e.fail(in, "url is required for navigate")
	}
	p := e.page.Timeout(timeout)
	wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := p.Navigate(in.URL); err != nil {
		return e.fail(in, fmt.Sprintf("navigate: %v", err))
	}
	wait()
	return e.ok(in)
}

func (e *Executor) click(in Input, timeout time.Duration) Result {
	return e.withElementOrCoordinate(in, timeout,
		func(el *rod.Element) error {
			if err := el.WaitVisible(); err != nil {
				return err
			}
			return el.Click(proto.InputMouseButtonLeft, 1)
		},
		func(p *rod.Page, pt Point) error {
			if err := p.Mouse.MoveTo(proto.Point{X: pt.X, Y: pt.Y}); err != nil {
				return err
			}
			return p.Mouse.Click(proto.InputMouseButtonLeft, 1)
		})
}

func (e *Executor) hover(in Input, timeout time.Duration) Result {
	return e.withElementOrCoordinate(in, timeout,
		func(el *rod.Element) error {
			return el.Hover()
		},
		func(p *rod.Page, pt Point) error {
			return p.Mouse.MoveTo(proto.Point{X: pt.X, Y: pt.Y})
		})
}

func (e *Executor) typeText(in Input, timeout time.Duration) Result {
	if in.Text == "" {
		return e.fail(in, "text is required for type")
	}
	return e.withElementOrCoordinate(in, timeout,
		func(el *rod.Element) error {
			if err := el.ScrollIntoView(); err != nil {
				return err
			}
			return el.Input(in.Text)
		},
		func(p *rod.Page, pt Point) error {
			if err := p.Mouse.MoveTo(proto.Point{X: pt.X, Y: pt.Y}); err != nil {
				return err
			}
			if err := p.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
				return err
			}
			return p.InsertText(in.Text)
		})
}

// namedKeys maps the key names callers send to driver key codes.
var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
	"Space":      input.Space,
}

func (e *Executor) press(in Input, timeout time.Duration) Result {
	if in.Key == "" {
		return e.fail(in, "key is required for press")
	}
	p := e.page.Timeout(timeout)

	if key, ok := namedKeys[in.Key]; ok {
		if err := p.Keyboard.Press(key); err != nil {
			return e.fail(in, fmt.Sprintf("press: %v", err))
		}
	} else if len([]rune(in.Key)) == 1 {
		if err := p.InsertText(in.Key); err != nil {
			return e.fail(in, fmt.Sprintf("press: %v", err))
		}
	} else {
		return e.fail(in, fmt.Sprintf("unsupported key %q", in.Key))
	}
	time.Sleep(20 * time.Millisecond)
	return e.ok(in)
}

func (e *Executor) scroll(in Input, timeout time.Duration) Result {
	p := e.page.Timeout(timeout)
	if in.X != nil && in.Y != nil {
		if err := p.Mouse.MoveTo(proto.Point{X: *in.X, Y: *in.Y}); err != nil {
			return e.fail(in, fmt.Sprintf("scroll move: %v", err))
		}
	}
	var dx, dy float64
	if in.DeltaX != nil {
		dx = *in.DeltaX
	}
	if in.DeltaY != nil {
		dy = *in.DeltaY
	}
	if err := p.Mouse.Scroll(dx, dy, 1); err != nil {
		return e.fail(in, fmt.Sprintf("scroll: %v", err))
	}
	return e.ok(in)
}

func (e *Executor) drag(in Input, timeout time.Duration) Result {
	if in.X == nil || in.Y == nil || in.DeltaX == nil || in.DeltaY == nil {
		return e.fail(in, "drag requires x, y, delta_x and delta_y")
	}
	p := e.page.Timeout(timeout)
	start := proto.Point{X: *in.X, Y: *in.Y}
	end := proto.Point{X: *in.X + *in.DeltaX, Y: *in.Y + *in.DeltaY}

	if err := p.Mouse.MoveTo(start); err != nil {
		return e.fail(in, fmt.Sprintf("drag move: %v", err))
	}
	if err := p.Mouse.Down(proto.InputMouseButtonLeft, 1); err != nil {
		return e.fail(in, fmt.Sprintf("drag down: %v", err))
	}
	if err := p.Mouse.MoveLinear(end, 10); err != nil {
		_ = p.Mouse.Up(proto.InputMouseButtonLeft, 1)
		return e.fail(in, fmt.Sprintf("drag: %v", err))
	}
	if err := p.Mouse.Up(proto.InputMouseButtonLeft, 1); err != nil {
		return e.fail(in, fmt.Sprintf("drag up: %v", err))
	}
	return e.ok(in)
}

func (e *Executor) wait(in Input) Result {
	ms := 1000
	if in.TimeoutMS != nil {
		ms = *in.TimeoutMS
	}
	if ms > MaxTimeoutMS {
		ms = MaxTimeoutMS
	}
	if ms < 0 {
		ms = 0
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return e.ok(in)
}

func (e *Executor) waitFor(in Input, timeout time.Duration) Result {
	if strings.TrimSpace(in.Selector) == "" {
		return e.fail(in, "wait_for requires a selector or load-state name")
	}
	p := e.page.Timeout(timeout)
	switch strings.ToLower(strings.TrimSpace(in.Selector)) {
	case "networkidle", "network_idle":
		wait := p.WaitRequestIdle(300*time.Millisecond, nil, nil, nil)
		wait()
	case "stable", "domstable":
		if err := p.WaitDOMStable(300*time.Millisecond, 0); err != nil {
			return e.fail(in, fmt.Sprintf("wait_for stable: %v", err))
		}
	default:
		if _, err := p.Element(in.Selector); err != nil {
			return e.fail(in, fmt.Sprintf("wait_for %q: %v", in.Selector, err))
		}
	}
	return e.ok(in)
}

// withElementOrCoordinate resolves the target: a selector that matches at
// least one node wins; otherwise explicit coordinates; otherwise failure.
func (e *Executor) withElementOrCoordinate(in Input, timeout time.Duration,
	useSelector func(*rod.Element) error,
	useCoords func(*rod.Page, Point) error,
) Result {
	p := e.page.Timeout(timeout)

	if in.Selector != "" {
		els, err := p.Elements(in.Selector)
		if err == nil && len(els) > 0 {
			if err := useSelector(els.First()); err != nil {
				return e.fail(in, fmt.Sprintf("%s %q: %v", in.Action, in.Selector, err))
			}
			return e.ok(in)
		}
	}

	if in.X != nil && in.Y != nil {
		pt := Point{X: *in.X, Y: *in.Y}
		if err := useCoords(p, pt); err != nil {
			return e.fail(in, fmt.Sprintf("%s at (%g,%g): %v", in.Action, pt.X, pt.Y, err))
		}
		return e.ok(in)
	}

	return e.fail(in, "selector not found and coordinates missing")
}

func (e *Executor) ok(in Input) Result {
	res := Result{
		Action:  in.Action,
		Success: true,
		Status:  "completed",
		Target:  e.targetURL(),
	}
	if in.Selector != "" {
		res.Selector = in.Selector
	}
	if in.X != nil && in.Y != nil {
		res.Coordinates = &Point{X: *in.X, Y: *in.Y}
	}
	return res
}

func (e *Executor) fail(in Input, detail string) Result {
	e.logger.Debug("action: failed", "action", in.Action, "detail", detail)
	return Result{
		Action:  in.Action,
		Success: false,
		Status:  "failed",
		Detail:  detail,
	}
}

func (e *Executor) targetURL() string {
	if e.page == nil {
		return ""
	}
	info, err := e.page.Info()
	if err != nil || info == nil {
		return ""
	}
	return info.URL
}
