// chrome.go — chromedp-backed Browser and Tab.
// One exec allocator per daemon; each Tab is a child target context. The
// probe is a ListenTarget subscription on the tab's context; body fetches
// run on the tab's executor so they serialize with other protocol calls.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// Chrome drives a real Chrome instance over the DevTools protocol.
type Chrome struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	rootCtx     context.Context
	rootCancel  context.CancelFunc
	log         zerolog.Logger

	nextTabID atomic.Int64
}

// ChromeOptions tunes the allocator.
type ChromeOptions struct {
	Headless bool
	ExecPath string
}

// NewChrome launches (or prepares to launch) the browser process.
func NewChrome(ctx context.Context, opts ChromeOptions, log zerolog.Logger) (*Chrome, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !opts.Headless {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	rootCtx, rootCancel := chromedp.NewContext(allocCtx)

	// Start the browser process eagerly so the first command does not pay
	// the startup cost inside its navigation timeout.
	if err := chromedp.Run(rootCtx); err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &Chrome{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		log:         log.With().Str("component", "browser").Logger(),
	}, nil
}

// Close shuts the browser down.
func (c *Chrome) Close() {
	c.rootCancel()
	c.allocCancel()
}

// OpenTab opens url in a new background target and waits for the load
// event, returning ErrNavigationTimeout past timeout.
func (c *Chrome) OpenTab(ctx context.Context, url string, timeout time.Duration) (Tab, error) {
	tabCtx, tabCancel := chromedp.NewContext(c.rootCtx)

	navCtx, navCancel := context.WithTimeout(tabCtx, timeout)
	defer navCancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		tabCancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNavigationTimeout
		}
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}

	return &chromeTab{
		id:     c.nextTabID.Add(1),
		ctx:    tabCtx,
		cancel: tabCancel,
		log:    c.log,
	}, nil
}

type chromeTab struct {
	id     int64
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	mu          sync.Mutex
	probeCancel context.CancelFunc
	closed      bool
}

func (t *chromeTab) ID() int64 { return t.id }

func (t *chromeTab) AttachProbe(ctx context.Context, filter ProbeFilter, sink BodySink) error {
	if err := chromedp.Run(t.ctx, network.Enable()); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}

	listenCtx, listenCancel := context.WithCancel(t.ctx)
	t.mu.Lock()
	t.probeCancel = listenCancel
	t.mu.Unlock()

	chromedp.ListenTarget(listenCtx, func(ev any) {
		rr, ok := ev.(*network.EventResponseReceived)
		if !ok {
			return
		}
		if !filter.Match(rr.Response.MimeType, rr.Response.URL) {
			return
		}
		reqID := rr.RequestID
		respURL := rr.Response.URL

		// The body is only retrievable after loading finishes; fetch on the
		// tab executor off the event goroutine. GetResponseBody decodes
		// base64 transport itself.
		go func() {
			var raw []byte
			err := chromedp.Run(t.ctx, chromedp.ActionFunc(func(cctx context.Context) error {
				b, berr := network.GetResponseBody(reqID).Do(cctx)
				raw = b
				return berr
			}))
			if err != nil {
				t.log.Debug().Err(err).Str("url", respURL).Msg("response body fetch skipped")
				return
			}
			sink(respURL, raw)
		}()
	})
	return nil
}

func (t *chromeTab) DetachProbe(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.probeCancel
	t.probeCancel = nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if err := chromedp.Run(t.ctx, network.Disable()); err != nil {
		return fmt.Errorf("disable network domain: %w", err)
	}
	return nil
}

func (t *chromeTab) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	return nil
}

func (t *chromeTab) ScrollToBottom(ctx context.Context, step int, delay time.Duration, maxIterations int) (int, error) {
	iterations := 0
	for i := 0; i < maxIterations; i++ {
		var atBottom bool
		js := fmt.Sprintf(scrollStepJS, step)
		if err := chromedp.Run(t.ctx, chromedp.Evaluate(js, &atBottom)); err != nil {
			return iterations, fmt.Errorf("scroll step: %w", err)
		}
		iterations++
		if atBottom {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return iterations, err
		}
	}
	return iterations, nil
}

func (t *chromeTab) Click(ctx context.Context, selector string, maxTimes int, delay time.Duration) (int, error) {
	clicks := 0
	for i := 0; i < maxTimes; i++ {
		var clicked bool
		js := fmt.Sprintf(clickJS, jsString(selector))
		if err := chromedp.Run(t.ctx, chromedp.Evaluate(js, &clicked)); err != nil {
			return clicks, fmt.Errorf("click %s: %w", selector, err)
		}
		if !clicked {
			if clicks == 0 {
				return 0, ErrElementNotFound
			}
			break
		}
		clicks++
		if err := sleep(ctx, delay); err != nil {
			return clicks, err
		}
	}
	return clicks, nil
}

func (t *chromeTab) ExtractSchema(ctx context.Context, types []string) (ExtractResult, error) {
	var res ExtractResult
	if err := chromedp.Run(t.ctx, chromedp.Evaluate(extractSchemaJS, &res)); err != nil {
		return ExtractResult{}, fmt.Errorf("extract schema: %w", err)
	}
	if len(types) > 0 {
		res.Listings = filterByType(res.Listings, types)
	}
	return res, nil
}

func (t *chromeTab) ActivePage(ctx context.Context) (int, error) {
	var page int
	if err := chromedp.Run(t.ctx, chromedp.Evaluate(activePageJS, &page)); err != nil {
		return 0, fmt.Errorf("read active page: %w", err)
	}
	if page < 1 {
		page = 1
	}
	return page, nil
}

// filterByType keeps listings whose @type (or type) matches one of types;
// listings with no type are kept as well.
func filterByType(listings []map[string]any, types []string) []map[string]any {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := make([]map[string]any, 0, len(listings))
	for _, l := range listings {
		typ, _ := l["@type"].(string)
		if typ == "" {
			typ, _ = l["type"].(string)
		}
		if typ == "" || want[typ] {
			out = append(out, l)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
