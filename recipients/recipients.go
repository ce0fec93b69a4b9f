// Package recipients turns raw user input into the ordered, deduplicated and
// capped address list the dispatch engine consumes.
package recipients

import (
	"strings"

	"bulkmailer/internal/email"
)

// DefaultMax bounds a single run.
const DefaultMax = 2000

// List is a prepared recipient sequence.
type List struct {
	// Addresses keeps the first-seen spelling of every accepted address, in
	// input order.
	Addresses []string
	// Rejected counts entries that failed the syntax check.
	Rejected int
	// Duplicates counts entries dropped because an earlier entry matched
	// case-insensitively.
	Duplicates int
	// Truncated counts valid, unique entries dropped by the cap.
	Truncated int
}

// Len returns the number of accepted addresses.
func (l List) Len() int {
	return len(l.Addresses)
}

// Empty reports whether no address survived preparation.
func (l List) Empty() bool {
	return len(l.Addresses) == 0
}

// Parse splits raw on newlines, commas and semicolons and prepares the result.
// max <= 0 selects DefaultMax.
func Parse(raw string, max int) List {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ';'
	})
	return FromSlice(fields, max)
}

// FromSlice prepares an already-split candidate list. Entries containing
// separators are split further so JSON arrays and pasted text behave alike.
func FromSlice(candidates []string, max int) List {
	if max <= 0 {
		max = DefaultMax
	}

	var out List
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if strings.ContainsAny(c, "\n\r,;") {
			nested := Parse(c, 0)
			for _, addr := range nested.Addresses {
				out.add(addr, seen, max)
			}
			out.Rejected += nested.Rejected
			out.Duplicates += nested.Duplicates
			continue
		}
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !email.Valid(c) {
			out.Rejected++
			continue
		}
		out.add(c, seen, max)
	}
	return out
}

func (l *List) add(addr string, seen map[string]struct{}, max int) {
	key := email.Key(addr)
	if _, dup := seen[key]; dup {
		l.Duplicates++
		return
	}
	seen[key] = struct{}{}
	if len(l.Addresses) >= max {
		l.Truncated++
		return
	}
	l.Addresses = append(l.Addresses, addr)
}
