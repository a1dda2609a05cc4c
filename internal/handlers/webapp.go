package handlers

import (
	"net/http"
	"strings"
	"sync"

	"github.com/rosa-flowers/checkout/internal/platform/bridge"
)

const (
	headerInitData     = "X-WebApp-Init-Data"
	headerCapabilities = "X-WebApp-Capabilities"

	capOpenExternalLink = "openExternalLink"
	capOpenLink         = "openLink"
	capHaptics          = "haptics"
)

// Directive is a host-side effect the webview must execute after a checkout
// call: open a URL through a capability, navigate in-app, or fire a haptic.
type Directive struct {
	Type   string `json:"type"`
	Method string `json:"method,omitempty"`
	URL    string `json:"url,omitempty"`
	Path   string `json:"path,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

const (
	directiveOpen     = "open"
	directiveNavigate = "navigate"
	directiveHaptic   = "haptic"
)

// webHost adapts the per-request capability headers into the bridge Host and
// Navigator. The webview declares what its host build supports on every
// request; side effects the session triggers are buffered as directives and
// returned in the response for the webview to execute.
type webHost struct {
	mu         sync.Mutex
	initData   string
	caps       map[string]bool
	directives []Directive
}

func newWebHost() *webHost {
	return &webHost{caps: map[string]bool{}}
}

// begin loads the capability headers for the current request and resets the
// directive buffer.
func (h *webHost) begin(r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initData = strings.TrimSpace(r.Header.Get(headerInitData))
	h.caps = map[string]bool{}
	for _, name := range strings.Split(r.Header.Get(headerCapabilities), ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			h.caps[name] = true
		}
	}
	h.directives = nil
}

// take drains the directives buffered since begin.
func (h *webHost) take() []Directive {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.directives
	h.directives = nil
	return out
}

func (h *webHost) has(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.caps[name]
}

func (h *webHost) record(d Directive) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.directives = append(h.directives, d)
}

// InitData implements bridge.Host.
func (h *webHost) InitData() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initData, h.initData != ""
}

// OpenExternalLink implements bridge.Host.
func (h *webHost) OpenExternalLink() (bridge.LinkOpener, bool) {
	if !h.has(capOpenExternalLink) {
		return nil, false
	}
	return func(url string) error {
		h.record(Directive{Type: directiveOpen, Method: capOpenExternalLink, URL: url})
		return nil
	}, true
}

// OpenLink implements bridge.Host.
func (h *webHost) OpenLink() (bridge.LinkOpener, bool) {
	if !h.has(capOpenLink) {
		return nil, false
	}
	return func(url string) error {
		h.record(Directive{Type: directiveOpen, Method: capOpenLink, URL: url})
		return nil
	}, true
}

// HapticNotification implements bridge.Host.
func (h *webHost) HapticNotification() (bridge.HapticFunc, bool) {
	if !h.has(capHaptics) {
		return nil, false
	}
	return func(kind string) error {
		h.record(Directive{Type: directiveHaptic, Kind: kind})
		return nil
	}, true
}

// Go implements bridge.Navigator as an in-app navigation directive.
func (h *webHost) Go(path string) {
	h.record(Directive{Type: directiveNavigate, Path: path})
}
