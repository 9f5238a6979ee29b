// Package unit defines the atomic scheduling granularity shared across the
// walker, oracle, planner, invocation builder, dispatchers, and validators.
package unit

import (
	"strconv"
	"strings"
)

// Unit is a (subject, optional session) pair. Session is empty when the
// pipeline or dataset is not session-aware.
type Unit struct {
	Subject string
	Session string
}

// String renders the unit with BIDS-style prefixes, e.g. "sub-001" or
// "sub-001/ses-01".
func (u Unit) String() string {
	s := "sub-" + u.Subject
	if u.Session != "" {
		s += "/ses-" + u.Session
	}
	return s
}

// ID returns the flat identifier used to key success markers and log files.
func (u Unit) ID() string {
	if u.Session == "" {
		return u.Subject
	}
	return u.Subject + "_" + u.Session
}

// Normalize strips a "sub-" or "ses-" prefix (if present) and surrounding
// whitespace, returning the internal (unprefixed) id.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "sub-"):
		return strings.TrimPrefix(s, "sub-")
	case strings.HasPrefix(s, "ses-"):
		return strings.TrimPrefix(s, "ses-")
	default:
		return s
	}
}

// Render re-adds the given prefix ("sub" or "ses") to a normalized id.
func Render(id, prefix string) string {
	if id == "" {
		return ""
	}
	return prefix + "-" + id
}

// Less is a natural-sort comparator: embedded digit runs compare
// numerically so "sub-2" sorts before "sub-10". Ties on Subject are broken
// by Session using the same rule.
func Less(a, b Unit) bool {
	if a.Subject != b.Subject {
		return naturalLess(a.Subject, b.Subject)
	}
	return naturalLess(a.Session, b.Session)
}

// naturalLess compares two strings by walking them in runs of digits and
// runs of non-digits, comparing digit runs as integers.
func naturalLess(a, b string) bool {
	ai, bi := 0, 0
	for ai < len(a) && bi < len(b) {
		ac, bc := a[ai], b[bi]
		if isDigit(ac) && isDigit(bc) {
			aStart, bStart := ai, bi
			for ai < len(a) && isDigit(a[ai]) {
				ai++
			}
			for bi < len(b) && isDigit(b[bi]) {
				bi++
			}
			aNum, aErr := strconv.Atoi(a[aStart:ai])
			bNum, bErr := strconv.Atoi(b[bStart:bi])
			if aErr == nil && bErr == nil && aNum != bNum {
				return aNum < bNum
			}
			if a[aStart:ai] != b[bStart:bi] {
				return a[aStart:ai] < b[bStart:bi]
			}
			continue
		}
		if ac != bc {
			return ac < bc
		}
		ai++
		bi++
	}
	return len(a)-ai < len(b)-bi
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
