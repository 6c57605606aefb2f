package version

import (
	"strings"
)

// Matches evaluates an affected-version expression against v.
//
// Grammar: alternatives separated by "||", each a comma-separated list of
// constraints such as ">=1.0, <5.8.5". Operators are <, <=, >, >=, =, ==
// and !=; a bare version means equality. "*" or an empty expression
// matches every version, and is the only form that matches an unknown one.
func Matches(expr, v string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "*" {
		return true
	}
	if !IsKnown(v) {
		return false
	}

	for _, alt := range strings.Split(expr, "||") {
		if matchAll(alt, v) {
			return true
		}
	}
	return false
}

func matchAll(alt, v string) bool {
	constraints := strings.Split(alt, ",")
	matched := false
	for _, c := range constraints {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if c == "*" {
			matched = true
			continue
		}
		if !matchOne(c, v) {
			return false
		}
		matched = true
	}
	return matched
}

func matchOne(c, v string) bool {
	op, target := splitOperator(c)
	cmp := Compare(v, target)

	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "!=":
		return cmp != 0
	default:
		return cmp == 0
	}
}

func splitOperator(c string) (string, string) {
	for _, op := range []string{"<=", ">=", "==", "!=", "<", ">", "="} {
		if strings.HasPrefix(c, op) {
			return op, strings.TrimSpace(c[len(op):])
		}
	}
	return "=", c
}

// Range builds an expression from the from/to bounds used by
// Wordfence-style feeds, where "*" stands for an open bound.
func Range(from string, fromInclusive bool, to string, toInclusive bool) string {
	var parts []string
	if from = strings.TrimSpace(from); from != "" && from != "*" {
		op := ">"
		if fromInclusive {
			op = ">="
		}
		parts = append(parts, op+from)
	}
	if to = strings.TrimSpace(to); to != "" && to != "*" {
		op := "<"
		if toInclusive {
			op = "<="
		}
		parts = append(parts, op+to)
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ", ")
}
