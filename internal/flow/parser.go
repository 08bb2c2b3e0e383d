// Package flow turns the host's active connection-tracking entries into the
// set of peer addresses the admission logic works on.
package flow

import (
	"net/netip"
	"strings"
)

// SourceAddr returns the originating address of one conntrack record, i.e. the
// first src= token. Records without a parsable src= yield ok == false.
func SourceAddr(record string) (addr string, ok bool) {
	for _, tok := range strings.Fields(record) {
		v, found := strings.CutPrefix(tok, "src=")
		if !found {
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return "", false
		}
		return a.Unmap().String(), true
	}
	return "", false
}

// ParseAll returns the unique source addresses of records in first-seen order,
// leaving out exclude (the protected host).
func ParseAll(records []string, exclude string) []string {
	seen := make(map[string]struct{}, len(records))
	out := make([]string, 0, len(records))
	for _, r := range records {
		a, ok := SourceAddr(r)
		if !ok || a == exclude {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
