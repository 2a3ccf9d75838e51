// Package netlog records the network activity a session observes: real
// request/response/failure events pushed by the driver, interleaved with
// synthetic events the action executor appends so that causality between
// actions and traffic is visible in one ordered stream.
package netlog

import (
	"fmt"
	"sync"
	"time"
)

// Capacity limits for the shared event ring. The general cap applies on
// driver-event appends; the executor trims to the tighter action cap after
// appending its synthetic events.
const (
	GeneralCap = 500
	ActionCap  = 400
)

// Event id prefixes distinguishing the three driver subtypes.
const (
	RequestPrefix  = "r_"
	ResponsePrefix = "p_"
	FailurePrefix  = "f_"
)

// Synthetic event types appended by the action executor.
const (
	TypeAction       = "action"
	TypeActionFailed = "action_failed"
)

// Event is one observed network (or synthetic action) event.
type Event struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Method      string `json:"method"`
	Status      int    `json:"status,omitempty"`
	Type        string `json:"type,omitempty"`
	Time        int64  `json:"time"`
	FailureText string `json:"failureText,omitempty"`
}

// Request builds a request-subtype event.
func Request(requestID, url, method, resourceType string, at time.Time) Event {
	return Event{
		ID:     RequestPrefix + requestID,
		URL:    url,
		Method: method,
		Type:   resourceType,
		Time:   at.UnixMilli(),
	}
}

// Response builds a response-subtype event.
func Response(requestID, url string, status int, resourceType string, at time.Time) Event {
	return Event{
		ID:     ResponsePrefix + requestID,
		URL:    url,
		Status: status,
		Type:   resourceType,
		Time:   at.UnixMilli(),
	}
}

// Failure builds a failure-subtype event.
func Failure(requestID, url, failureText string, at time.Time) Event {
	return Event{
		ID:          FailurePrefix + requestID,
		URL:         url,
		Type:        "failure",
		Time:        at.UnixMilli(),
		FailureText: failureText,
	}
}

// Action builds the synthetic event recorded for every executed action,
// successful or not.
func Action(action, pageURL string, success bool, failureText string, at time.Time) Event {
	ev := Event{
		ID:     fmt.Sprintf("%d:%s", at.UnixMilli(), action),
		URL:    pageURL,
		Method: action,
		Time:   at.UnixMilli(),
	}
	if success {
		ev.Status = 200
		ev.Type = TypeAction
	} else {
		ev.Type = TypeActionFailed
		ev.FailureText = failureText
	}
	return ev
}

// Ring is a bounded FIFO of events with drop-oldest overflow. Writers are the
// driver event handlers and the action executor; the state builder reads a
// snapshot copy, so no reader ever observes a torn slice.
type Ring struct {
	mu     sync.Mutex
	events []Event
	cap    int
}

// NewRing creates a ring with the given capacity (GeneralCap if <= 0).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = GeneralCap
	}
	return &Ring{cap: capacity}
}

// Append adds an event, dropping the oldest entries beyond capacity.
func (r *Ring) Append(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if over := len(r.events) - r.cap; over > 0 {
		r.events = append(r.events[:0:0], r.events[over:]...)
	}
}

// TrimTo shrinks the ring to at most n most-recent events. Used by the
// executor after synthetic appends.
func (r *Ring) TrimTo(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if over := len(r.events) - n; over > 0 {
		r.events = append(r.events[:0:0], r.events[over:]...)
	}
}

// Last returns a snapshot copy of up to n most-recent events, oldest first.
func (r *Ring) Last(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.events) {
		n = len(r.events)
	}
	out := make([]Event, n)
	copy(out, r.events[len(r.events)-n:])
	return out
}

// Len returns the current event count.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
