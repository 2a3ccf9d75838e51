package validate

import (
	"testing"

	"github.com/tripleyak/web-perception-mcp/action"
	"github.com/tripleyak/web-perception-mcp/guard"
	"github.com/tripleyak/web-perception-mcp/session"
)

func intp(v int) *int           { return &v }
func int64p(v int64) *int64     { return &v }
func floatp(v float64) *float64 { return &v }

func hasCode(r Result, code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestAction_ClickWithCoordinates(t *testing.T) {
	res := Action(session.StepInput{
		SessionID: "s1",
		Input:     action.Input{Action: "click", X: floatp(20), Y: floatp(15)},
	})
	if !res.OK {
		t.Fatalf("should pass: %+v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("errors must be empty, got %+v", res.Errors)
	}
}

func TestAction_TypeWithoutText(t *testing.T) {
	res := Action(session.StepInput{
		SessionID: "s1",
		Input:     action.Input{Action: "type", Selector: "#q"},
	})
	if res.OK {
		t.Fatal("should fail")
	}
	if !hasCode(res, CodeMissingText) {
		t.Fatalf("missing MISSING_TEXT: %+v", res.Errors)
	}
}

func TestAction_CodeTable(t *testing.T) {
	cases := []struct {
		name string
		in   session.StepInput
		code string
	}{
		{"no session", session.StepInput{Input: action.Input{Action: "click", Selector: "#a"}}, CodeMissingTarget},
		{"unknown action", session.StepInput{SessionID: "s", Input: action.Input{Action: "explode"}}, CodeInvalidAction},
		{"navigate no url", session.StepInput{SessionID: "s", Input: action.Input{Action: "navigate"}}, CodeMissingURL},
		{"click no target", session.StepInput{SessionID: "s", Input: action.Input{Action: "click"}}, CodeMissingTarget},
		{"hover no target", session.StepInput{SessionID: "s", Input: action.Input{Action: "hover"}}, CodeMissingTarget},
		{"press no key", session.StepInput{SessionID: "s", Input: action.Input{Action: "press"}}, CodeMissingKey},
		{"drag no deltas", session.StepInput{SessionID: "s", Input: action.Input{Action: "drag", X: floatp(1), Y: floatp(1)}}, CodeMissingTarget},
		{"wait_for no target", session.StepInput{SessionID: "s", Input: action.Input{Action: "wait_for"}}, CodeMissingTarget},
		{"timeout low", session.StepInput{SessionID: "s", Input: action.Input{Action: "wait", TimeoutMS: intp(10)}}, CodeInvalidTimeout},
		{"timeout high", session.StepInput{SessionID: "s", Input: action.Input{Action: "wait", TimeoutMS: intp(300000)}}, CodeInvalidTimeout},
		{"action limit", session.StepInput{SessionID: "s", Input: action.Input{Action: "click", Selector: "#a", MaxActionsPerStep: intp(30)}}, CodeInvalidActionLimit},
	}
	for _, c := range cases {
		res := Action(c.in)
		if res.OK {
			t.Fatalf("%s: should fail", c.name)
		}
		if !hasCode(res, c.code) {
			t.Fatalf("%s: want %s, got %+v", c.name, c.code, res.Errors)
		}
	}
}

func TestAction_ValidVariants(t *testing.T) {
	valid := []session.StepInput{
		{SessionID: "s", Input: action.Input{Action: "navigate", URL: "https://a.com"}},
		{SessionID: "s", Input: action.Input{Action: "type", Selector: "#q", Text: "hi"}},
		{SessionID: "s", Input: action.Input{Action: "type", X: floatp(5), Y: floatp(5), Text: "hi"}},
		{SessionID: "s", Input: action.Input{Action: "press", Key: "Enter"}},
		{SessionID: "s", Input: action.Input{Action: "scroll"}},
		{SessionID: "s", Input: action.Input{Action: "wait"}},
		{SessionID: "s", Input: action.Input{Action: "wait_for", Selector: "networkidle"}},
		{SessionID: "s", Input: action.Input{Action: "drag", X: floatp(1), Y: floatp(1), DeltaX: floatp(5), DeltaY: floatp(5)}},
		{SessionID: "s", Input: action.Input{Action: "click", Selector: "#a", MaxActionsPerStep: intp(1)}},
	}
	for _, in := range valid {
		if res := Action(in); !res.OK {
			t.Fatalf("%s: should pass, got %+v", in.Action, res.Errors)
		}
	}
}

func TestCreate_TargetChecks(t *testing.T) {
	var rules guard.URLRules

	if res := Create(session.CreateInput{}, rules); !hasCode(res, CodeInvalidTarget) {
		t.Fatalf("empty target: %+v", res.Errors)
	}

	long := "https://example.com/" + string(make([]byte, 2100))
	if res := Create(session.CreateInput{TargetURL: long}, rules); !hasCode(res, CodeInvalidTarget) {
		t.Fatalf("long target: %+v", res.Errors)
	}

	res := Create(session.CreateInput{TargetURL: "ftp://x.com"}, rules)
	if res.OK || !hasCode(res, guard.CodeInvalidScheme) {
		t.Fatalf("scheme: %+v", res.Errors)
	}

	if res := Create(session.CreateInput{TargetURL: "https://example.com"}, rules); !res.OK {
		t.Fatalf("valid: %+v", res.Errors)
	}
}

func TestCreate_Bounds(t *testing.T) {
	var rules guard.URLRules
	base := session.CreateInput{TargetURL: "https://example.com"}

	in := base
	in.Viewport = &session.Viewport{Width: 100, Height: 100}
	if res := Create(in, rules); !hasCode(res, CodeInvalidViewport) {
		t.Fatalf("viewport: %+v", res.Errors)
	}

	in = base
	in.Viewport = &session.Viewport{Width: 1280, Height: 720}
	if res := Create(in, rules); !res.OK {
		t.Fatalf("viewport valid: %+v", res.Errors)
	}

	in = base
	in.MaxSteps = intp(0)
	if res := Create(in, rules); !hasCode(res, CodeInvalidMaxSteps) {
		t.Fatalf("max_steps: %+v", res.Errors)
	}
	in.MaxSteps = intp(60000)
	if res := Create(in, rules); !hasCode(res, CodeInvalidMaxSteps) {
		t.Fatalf("max_steps high: %+v", res.Errors)
	}

	in = base
	in.MaxDurationMS = int64p(500)
	if res := Create(in, rules); !hasCode(res, CodeInvalidDuration) {
		t.Fatalf("duration: %+v", res.Errors)
	}
}

func TestSnapshotStopReplay(t *testing.T) {
	if res := Snapshot(session.SnapshotInput{}); res.OK {
		t.Fatal("snapshot without session should fail")
	}
	if res := Snapshot(session.SnapshotInput{SessionID: "s"}); !res.OK {
		t.Fatalf("snapshot: %+v", res.Errors)
	}
	if res := Stop(session.StopInput{}); res.OK {
		t.Fatal("stop without session should fail")
	}
	if res := Replay(""); res.OK {
		t.Fatal("replay without trace should fail")
	}
	if res := Replay("t1"); !res.OK {
		t.Fatalf("replay: %+v", res.Errors)
	}
}
