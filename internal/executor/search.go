// search.go — High-level search-task driver: one tab per term/page,
// templated URLs, jittered waits, and early termination when the site
// resets to an earlier page.
package executor

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/webpilot/webpilot/internal/command"
	"github.com/webpilot/webpilot/internal/session"
)

const defaultSearchURLTemplate = "https://www.etsy.com/search?q={searchTerm}&page={pageNumber}"

// Wait overrides for search pages draw uniformly from [minWaitMs, maxWaitMs).
const (
	minSearchWaitMs = 1500
	maxSearchWaitMs = 3000
)

func (e *Executor) handleSearchTask(ctx context.Context, cmd command.Command) command.Result {
	terms := cmd.Payload.Strings("searchTerms")
	if len(terms) == 0 {
		return command.Failed(command.ErrInvalidCommand)
	}

	settings := e.settings.Snapshot()
	template := settings.SearchURLTemplate
	if template == "" {
		template = defaultSearchURLTemplate
	}
	maxPages := settings.MaxPagesPerTerm
	if maxPages < 1 {
		maxPages = 1
	}

	actions := cmd.Subactions()
	if len(actions) == 0 {
		actions = defaultSearchActions()
	}

	runID := uuid.NewString()[:8]
	for _, term := range terms {
		e.runTerm(ctx, runID, term, template, actions, maxPages)
	}

	e.sink.Export()
	return command.Result{Status: command.StatusCompleted}
}

// runTerm pages through one search term until maxPages or an early stop.
func (e *Executor) runTerm(ctx context.Context, runID, term, template string, actions []command.Action, maxPages int) {
	for page := 1; page <= maxPages; page++ {
		pageURL := expandTemplate(template, term, page)

		sub := command.Command{
			ID:   fmt.Sprintf("search:%s:%s:p%d", runID, term, page),
			Type: command.OpenURL,
			Payload: command.Payload{
				"url":     pageURL,
				"actions": e.jitterWaits(actions),
			},
		}
		res := e.runStep(ctx, sub)

		// The tab always comes down, success or not, before deciding
		// whether to continue the term.
		stop := false
		if !res.Completed() {
			stop = true
		} else if active, ok := e.activePage(ctx, res.TabID); ok && active < page {
			e.log.Info().
				Str("term", term).
				Int("requested", page).
				Int("active", active).
				Msg("site reset to an earlier page, stopping term")
			stop = true
		}
		if res.TabID != 0 {
			e.sessions.Cleanup(ctx, res.TabID)
		}
		if stop || ctx.Err() != nil {
			return
		}
	}
}

// activePage asks the page which page number it believes it is showing.
// The tab handle survives the session, so this works after a capture step
// destroyed the capture buffer.
func (e *Executor) activePage(ctx context.Context, tabID int64) (int, bool) {
	tab, ok := e.sessions.Tab(tabID)
	if !ok {
		return 0, false
	}
	active, err := tab.ActivePage(ctx)
	if err != nil {
		e.log.Debug().Err(err).Int64("tab", tabID).Msg("active page query failed")
		return 0, false
	}
	return active, true
}

// jitterWaits deep-copies the action template, replacing every WAIT's
// milliseconds with a uniform draw from the search wait range.
func (e *Executor) jitterWaits(actions []command.Action) []command.Action {
	out := make([]command.Action, len(actions))
	for i, act := range actions {
		payload := command.Payload{}
		for k, v := range act.Payload {
			payload[k] = v
		}
		if act.Type == command.Wait {
			payload["milliseconds"] = minSearchWaitMs + e.jitter(maxSearchWaitMs-minSearchWaitMs)
		}
		out[i] = command.Action{Type: act.Type, Payload: payload}
	}
	return out
}

// expandTemplate substitutes {searchTerm} (URL-encoded) and {pageNumber}.
func expandTemplate(template, term string, page int) string {
	out := strings.ReplaceAll(template, "{searchTerm}", url.QueryEscape(term))
	return strings.ReplaceAll(out, "{pageNumber}", strconv.Itoa(page))
}

// defaultSearchActions is the per-page plan when the task carries none:
// settle, scroll the results in, extract whatever the DOM renders, and
// capture the search responses.
func defaultSearchActions() []command.Action {
	return []command.Action{
		{Type: command.Wait, Payload: command.Payload{"milliseconds": 2000}},
		{Type: command.ScrollToBottom, Payload: command.Payload{}},
		{Type: command.ExtractSchema, Payload: command.Payload{}},
		{Type: command.CaptureJSON, Payload: command.Payload{
			"captureType": session.ModeListings,
			"closeTab":    false,
		}},
	}
}
