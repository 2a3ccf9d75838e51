package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// RodPage adapts a rod page to the PageObserver interface.
type RodPage struct {
	page *rod.Page
}

// NewRodPage wraps a rod page for observation.
func NewRodPage(page *rod.Page) *RodPage {
	return &RodPage{page: page}
}

// Info reads the page URL and title. Failures yield empty strings; a page
// mid-navigation has no stable identity worth failing a build over.
func (r *RodPage) Info(ctx context.Context) (string, string) {
	info, err := r.page.Context(ctx).Info()
	if err != nil || info == nil {
		return "", ""
	}
	return info.URL, info.Title
}

// domCensusJS runs in the page and returns the interactive-element census in
// the DOMSummary JSON shape. Bounds are clamped to non-negative integers.
const domCensusJS = `() => {
	const sel = 'button, input, textarea, select, a, [role="button"], [role="link"], [onclick], canvas';
	const nodes = Array.from(document.querySelectorAll(sel));
	const clamp = (v) => Math.max(0, Math.round(v || 0));
	const isTextInput = (el) => {
		if (el.tagName === 'TEXTAREA') return true;
		if (el.tagName !== 'INPUT') return false;
		const t = (el.type || 'text').toLowerCase();
		return ['text', 'search', 'email', 'url', 'tel', 'password', 'number'].includes(t);
	};
	const isButton = (el) =>
		el.tagName === 'BUTTON' ||
		(el.tagName === 'INPUT' && ['button', 'submit', 'reset'].includes((el.type || '').toLowerCase())) ||
		el.getAttribute('role') === 'button';
	const isLink = (el) => el.tagName === 'A' || el.getAttribute('role') === 'link';

	const top = nodes.slice(0, 12).map((el) => {
		const r = el.getBoundingClientRect();
		const out = {
			tag: el.tagName.toLowerCase(),
			bounds: { x: clamp(r.x), y: clamp(r.y), width: clamp(r.width), height: clamp(r.height) },
		};
		if (el.id) out.id = el.id;
		if (el.name) out.name = String(el.name);
		const role = el.getAttribute('role');
		if (role) out.role = role;
		const text = (el.innerText || el.value || '').trim();
		if (text) out.text = text.slice(0, 64);
		return out;
	});

	return {
		interactive_count: nodes.length,
		text_inputs: nodes.filter(isTextInput).length,
		buttons: nodes.filter(isButton).length,
		links: nodes.filter(isLink).length,
		iframes: document.querySelectorAll('iframe').length,
		canvas_nodes: nodes.filter((el) => el.tagName === 'CANVAS').length,
		top_elements: top,
	};
}`

// DOMSummary executes the in-page census evaluator.
func (r *RodPage) DOMSummary(ctx context.Context) (*DOMSummary, error) {
	res, err := r.page.Context(ctx).Eval(domCensusJS)
	if err != nil {
		return nil, fmt.Errorf("state: dom census: %w", err)
	}
	raw, err := json.Marshal(res.Value)
	if err != nil {
		return nil, fmt.Errorf("state: dom census marshal: %w", err)
	}
	var sum DOMSummary
	if err := json.Unmarshal(raw, &sum); err != nil {
		return nil, fmt.Errorf("state: dom census decode: %w", err)
	}
	return &sum, nil
}

// axNode is the compact accessibility record surfaced in packets.
type axNode struct {
	NodeID string `json:"node_id"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
}

// AXSnapshot fetches the accessibility tree and keeps the interesting nodes:
// not ignored, role present.
func (r *RodPage) AXSnapshot(ctx context.Context) (json.RawMessage, error) {
	page := r.page.Context(ctx)
	if err := (proto.AccessibilityEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("state: enable accessibility: %w", err)
	}
	res, err := proto.AccessibilityGetFullAXTree{}.Call(page)
	if err != nil {
		return nil, fmt.Errorf("state: ax tree: %w", err)
	}

	nodes := make([]axNode, 0, len(res.Nodes))
	for _, n := range res.Nodes {
		if n == nil || n.Ignored || n.Role == nil {
			continue
		}
		node := axNode{
			NodeID: string(n.NodeID),
			Role:   n.Role.Value.Str(),
		}
		if n.Name != nil {
			node.Name = n.Name.Value.Str()
		}
		if node.Role == "" {
			continue
		}
		nodes = append(nodes, node)
	}

	out, err := json.Marshal(nodes)
	if err != nil {
		return nil, fmt.Errorf("state: ax marshal: %w", err)
	}
	return out, nil
}
