package netlog

import (
	"fmt"
	"testing"
	"time"
)

func TestRing_DropOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append(Event{ID: fmt.Sprintf("r_%d", i)})
	}
	if r.Len() != 3 {
		t.Fatalf("len: got %d, want 3", r.Len())
	}
	got := r.Last(0)
	if got[0].ID != "r_2" || got[2].ID != "r_4" {
		t.Fatalf("window: got %v", got)
	}
}

func TestRing_LastIsSnapshot(t *testing.T) {
	r := NewRing(10)
	r.Append(Event{ID: "r_a"})
	snap := r.Last(0)
	r.Append(Event{ID: "r_b"})
	if len(snap) != 1 {
		t.Fatalf("snapshot mutated: %v", snap)
	}
}

func TestRing_TrimTo(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 6; i++ {
		r.Append(Event{ID: fmt.Sprintf("r_%d", i)})
	}
	r.TrimTo(4)
	if r.Len() != 4 {
		t.Fatalf("len after trim: got %d", r.Len())
	}
	if got := r.Last(0)[0].ID; got != "r_2" {
		t.Fatalf("oldest after trim: got %s", got)
	}
	r.TrimTo(0) // no-op
	if r.Len() != 4 {
		t.Fatal("TrimTo(0) must not clear")
	}
}

func TestEventConstructors(t *testing.T) {
	at := time.UnixMilli(1700000000000)

	req := Request("42", "https://x.com", "POST", "xhr", at)
	if req.ID != "r_42" || req.Method != "POST" || req.Time != 1700000000000 {
		t.Fatalf("request: %+v", req)
	}

	resp := Response("42", "https://x.com", 204, "xhr", at)
	if resp.ID != "p_42" || resp.Status != 204 || resp.Method != "" {
		t.Fatalf("response: %+v", resp)
	}

	fail := Failure("42", "https://x.com", "net::ERR_FAILED", at)
	if fail.ID != "f_42" || fail.FailureText != "net::ERR_FAILED" {
		t.Fatalf("failure: %+v", fail)
	}
}

func TestEventAction(t *testing.T) {
	at := time.UnixMilli(1700000000000)

	ok := Action("click", "https://x.com", true, "", at)
	if ok.ID != "1700000000000:click" || ok.Status != 200 || ok.Type != TypeAction {
		t.Fatalf("success action: %+v", ok)
	}
	if ok.Method != "click" {
		t.Fatalf("method: got %s", ok.Method)
	}

	bad := Action("type", "https://x.com", false, "selector not found", at)
	if bad.Status != 0 || bad.Type != TypeActionFailed || bad.FailureText == "" {
		t.Fatalf("failed action: %+v", bad)
	}
}
