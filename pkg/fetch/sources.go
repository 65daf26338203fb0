package fetch

import (
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
)

// Per-source payload shapes: gjson paths that must resolve before a payload
// counts as parsed. A shape miss means the upstream contract changed, which
// is worth telling apart from an outage in the logs.
var (
	shapeMu sync.RWMutex
	shapes  = map[string][]string{
		"apod":         {"date", "url"},
		"neo_feed":     {"element_count", "near_earth_objects"},
		"iss_position": {"iss_position.latitude", "iss_position.longitude"},
		// donki_events and epic_imagery return bare arrays; valid JSON is
		// the only check we can make there.
	}
)

// RegisterShape declares required paths for a source added at runtime.
func RegisterShape(source string, paths ...string) {
	shapeMu.Lock()
	defer shapeMu.Unlock()
	shapes[source] = paths
}

// checkShape validates that the body is JSON and contains the source's
// required paths.
func checkShape(source string, body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}

	shapeMu.RLock()
	paths := shapes[source]
	shapeMu.RUnlock()

	parsed := gjson.ParseBytes(body)
	for _, p := range paths {
		if !parsed.Get(p).Exists() {
			return fmt.Errorf("%w: missing %q", ErrMalformed, p)
		}
	}
	return nil
}
