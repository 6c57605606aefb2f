// Package version compares dotted WordPress-style version strings and
// evaluates affected-version expressions from vulnerability feeds.
package version

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

type part struct {
	num int
	pre string // non-numeric suffix, e.g. "beta1" in "6.5-beta1"
}

// Normalize trims whitespace and a leading "v".
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "v")
	v = strings.TrimPrefix(v, "V")
	return v
}

// IsKnown reports whether v is a usable version string.
func IsKnown(v string) bool {
	v = Normalize(v)
	return v != "" && v != types.UnknownVersion && v != "*"
}

func split(v string) []part {
	v = Normalize(v)
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == '.' || r == '-' || r == '_' || r == '+'
	})

	parts := make([]part, 0, len(fields))
	for _, f := range fields {
		i := 0
		for i < len(f) && unicode.IsDigit(rune(f[i])) {
			i++
		}
		p := part{}
		if i > 0 {
			p.num, _ = strconv.Atoi(f[:i])
			p.pre = strings.ToLower(f[i:])
		} else {
			// "beta1" standing alone belongs to the previous release component
			p.num = -1
			p.pre = strings.ToLower(f)
		}
		parts = append(parts, p)
	}
	return parts
}

// Compare returns -1, 0 or 1 as a is older than, equal to, or newer than b.
// Missing trailing components count as zero, so "1.2" equals "1.2.0".
func Compare(a, b string) int {
	pa, pb := split(a), split(b)
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}

	for i := 0; i < n; i++ {
		x, y := part{}, part{}
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if c := comparePart(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func comparePart(x, y part) int {
	if x.num != y.num {
		// a standalone pre-release tag sorts below any release number
		if x.num < y.num {
			return -1
		}
		return 1
	}
	switch {
	case x.pre == y.pre:
		return 0
	case x.pre == "":
		return 1
	case y.pre == "":
		return -1
	case x.pre < y.pre:
		return -1
	default:
		return 1
	}
}

// IsOutdated reports whether detected is strictly older than latest.
// An unknown side never yields true.
func IsOutdated(detected, latest string) bool {
	if !IsKnown(detected) || !IsKnown(latest) {
		return false
	}
	return Compare(detected, latest) < 0
}
