// capture.go — Turns buffered response bodies into records.
// Site-specific JSON-shape knowledge lives in the transformer set; the
// executor only sees records. Oversized bodies are skipped silently and
// parse failures are counted, never fatal.
package capture

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/webpilot/webpilot/internal/command"
	"github.com/webpilot/webpilot/internal/session"
)

// Transformer reduces one parsed body to the payload worth keeping for a
// capture type. Returning false drops to the whole-document fallback.
type Transformer func(url string, raw []byte) (any, bool)

// TransformerSet maps capture types to transformers.
type TransformerSet map[string]Transformer

// Defaults returns the transformer set for the reference scrape target:
// listing search responses keep their result arrays, review responses
// their review arrays.
func Defaults() TransformerSet {
	return TransformerSet{
		session.ModeListings: subtree("results", "listings", "organic_listings"),
		session.ModeReviews:  subtree("reviews", "results"),
	}
}

// subtree keeps the first present array field out of the candidates.
func subtree(fields ...string) Transformer {
	return func(url string, raw []byte) (any, bool) {
		for _, f := range fields {
			v := gjson.GetBytes(raw, f)
			if v.IsArray() {
				var out any
				if err := json.Unmarshal([]byte(v.Raw), &out); err != nil {
					return nil, false
				}
				return out, true
			}
		}
		return nil, false
	}
}

// Outcome summarizes one parse pass over a session buffer.
type Outcome struct {
	Records       []command.Record
	Skipped       int
	ParseFailures int
}

// Records parses each buffered body at most maxBytes long into one record
// of the form {source: "raw", url, captureType, json}. Bodies over the
// size cap are skipped; unparseable bodies are counted and dropped.
func Records(bodies []session.CapturedBody, captureType string, maxBytes int64, set TransformerSet) Outcome {
	var out Outcome
	for _, b := range bodies {
		if int64(len(b.Raw)) > maxBytes {
			out.Skipped++
			continue
		}
		if !gjson.ValidBytes(b.Raw) {
			out.ParseFailures++
			continue
		}

		var payload any
		if t, ok := set[captureType]; ok {
			if v, kept := t(b.URL, b.Raw); kept {
				payload = v
			}
		}
		if payload == nil {
			if err := json.Unmarshal(b.Raw, &payload); err != nil {
				out.ParseFailures++
				continue
			}
		}

		out.Records = append(out.Records, command.Record{
			Source:      "raw",
			URL:         b.URL,
			CaptureType: captureType,
			JSON:        payload,
		})
	}
	return out
}
