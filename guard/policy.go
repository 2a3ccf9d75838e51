package guard

import (
	"regexp"
	"strings"
)

// PolicyMode selects the action-gating strategy for a session.
type PolicyMode string

const (
	// PolicyModelOwnsAction lets every action through; the calling model is
	// responsible for its own choices.
	PolicyModelOwnsAction PolicyMode = "model_owns_action"
	// PolicyDeterministic additionally blocks navigations to unsafe schemes.
	PolicyDeterministic PolicyMode = "deterministic"
)

// ParsePolicyMode maps a config string to a PolicyMode, defaulting to
// model_owns_action on anything unrecognised.
func ParsePolicyMode(s string) PolicyMode {
	if PolicyMode(strings.TrimSpace(s)) == PolicyDeterministic {
		return PolicyDeterministic
	}
	return PolicyModelOwnsAction
}

// ActionRequest is the slice of a step input the policy gate needs, together
// with the pre-state token so adapters can make state-aware decisions.
type ActionRequest struct {
	Action     string
	URL        string
	StateToken string
}

// Decision is the outcome of a policy evaluation. A denied decision carries
// the reason surfaced in the step result.
type Decision struct {
	Allowed bool
	Reason  string
}

// Policy decides whether an action may execute. Evaluation happens before
// the action runs, against the pre-state; a denial must leave the session
// untouched (no step-index bump, no replay event).
type Policy interface {
	Decide(req ActionRequest) Decision
	Mode() PolicyMode
}

// NewPolicy returns the adapter for the given mode.
func NewPolicy(mode PolicyMode) Policy {
	if mode == PolicyDeterministic {
		return deterministicPolicy{}
	}
	return permissivePolicy{}
}

type permissivePolicy struct{}

func (permissivePolicy) Decide(ActionRequest) Decision { return Decision{Allowed: true} }
func (permissivePolicy) Mode() PolicyMode              { return PolicyModelOwnsAction }

var unsafeNavScheme = regexp.MustCompile(`(?i)^(javascript:|data:|file:|about:|chrome:)`)

type deterministicPolicy struct{}

func (deterministicPolicy) Decide(req ActionRequest) Decision {
	if req.Action == "navigate" && unsafeNavScheme.MatchString(strings.TrimSpace(req.URL)) {
		return Decision{Allowed: false, Reason: "navigation to unsafe scheme blocked by deterministic policy"}
	}
	return Decision{Allowed: true}
}

func (deterministicPolicy) Mode() PolicyMode { return PolicyDeterministic }
