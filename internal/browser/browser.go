// browser.go — The narrow surface the executor drives per tab.
// Implementations: Chrome (DevTools protocol via chromedp) and test fakes.
package browser

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

// ErrNavigationTimeout reports that a tab did not finish loading in time.
var ErrNavigationTimeout = errors.New("navigation timeout")

// ErrElementNotFound reports that a selector matched nothing on the page.
var ErrElementNotFound = errors.New("element not found")

// BodySink receives one captured response body.
type BodySink func(url string, raw []byte)

// ProbeFilter selects which responses the probe buffers: JSON mime type
// plus a host substring supplied by policy.
type ProbeFilter struct {
	HostSubstring string
}

// Match reports whether a response with the given mime type and URL is of
// interest to the capture buffer.
func (f ProbeFilter) Match(mimeType, rawURL string) bool {
	if !strings.Contains(strings.ToLower(mimeType), "json") {
		return false
	}
	if f.HostSubstring == "" {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.Contains(u.Hostname(), f.HostSubstring)
}

// ExtractResult is the content adapter's answer to a schema extraction.
// Schemas carries non-listing structured blocks; it is empty when the page
// has none, but the field is part of the contract.
type ExtractResult struct {
	Listings []map[string]any `json:"listings"`
	Schemas  []map[string]any `json:"schemas"`
}

// Tab is a single open page. All methods take a context because every one
// of them crosses into browser I/O.
type Tab interface {
	// ID is the orchestrator-assigned tab identifier.
	ID() int64

	// AttachProbe subscribes to network responses matching filter and feeds
	// bodies to sink until DetachProbe or Close.
	AttachProbe(ctx context.Context, filter ProbeFilter, sink BodySink) error

	// DetachProbe removes the response listener. Idempotent, best-effort.
	DetachProbe(ctx context.Context) error

	// Close closes the tab. Idempotent, best-effort.
	Close(ctx context.Context) error

	// ScrollToBottom scrolls in step-pixel increments with delay between
	// steps, up to maxIterations, returning the iteration count.
	ScrollToBottom(ctx context.Context, step int, delay time.Duration, maxIterations int) (int, error)

	// Click clicks the selector up to maxTimes with delay between clicks,
	// returning the click count. ErrElementNotFound when nothing matches.
	Click(ctx context.Context, selector string, maxTimes int, delay time.Duration) (int, error)

	// ExtractSchema pulls structured records from the rendered DOM.
	ExtractSchema(ctx context.Context, types []string) (ExtractResult, error)

	// ActivePage returns the page number the site currently shows.
	ActivePage(ctx context.Context) (int, error)
}

// Browser opens tabs. OpenTab blocks until the page load event or timeout
// (ErrNavigationTimeout); the tab opens without stealing focus.
type Browser interface {
	OpenTab(ctx context.Context, url string, timeout time.Duration) (Tab, error)
}
