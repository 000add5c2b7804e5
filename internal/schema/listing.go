// listing.go — Validation for listings extracted from rendered pages.
// Only records that pass validation are streamed to the data sink.
package schema

import (
	"errors"
	"fmt"
)

// Listing validation errors.
var (
	ErrNoIdentity = errors.New("listing has no identity field")
	ErrNoTitle    = errors.New("listing has no title")
)

// ValidateListing checks the minimal listing shape: an identity
// (listingId, @id, sku, or url) and a human-readable title or name.
// Price, when present, must be a string or number.
func ValidateListing(l map[string]any) error {
	if !hasAny(l, "listingId", "@id", "sku", "url") {
		return ErrNoIdentity
	}
	if !hasAny(l, "title", "name") {
		return ErrNoTitle
	}
	if price, ok := l["price"]; ok {
		switch price.(type) {
		case string, float64, int, map[string]any:
		default:
			return fmt.Errorf("listing price has unsupported type %T", price)
		}
	}
	return nil
}

func hasAny(l map[string]any, keys ...string) bool {
	for _, k := range keys {
		switch v := l[k].(type) {
		case string:
			if v != "" {
				return true
			}
		case nil:
		default:
			return true
		}
	}
	return false
}

// Partition splits extracted listings into valid and rejected.
func Partition(listings []map[string]any) (valid []map[string]any, rejected int) {
	for _, l := range listings {
		if err := ValidateListing(l); err != nil {
			rejected++
			continue
		}
		valid = append(valid, l)
	}
	return valid, rejected
}
