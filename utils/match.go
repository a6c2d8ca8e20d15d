package utils

import "strings"

// MatchResource reports whether value matches pattern. Patterns are
// '/'-separated segments where
//   - '*' inside a segment matches any run of characters in that segment,
//   - ":name" matches exactly one non-empty segment,
//   - "**" matches zero or more whole segments.
//
// A '*' ending the pattern also matches across '/', so "projects/*" covers
// the whole subtree. An upper-case "METHOD " prefix in the pattern is
// compared on its own, with "*" accepting any method.
func MatchResource(value, pattern string) bool {
	if method, rest, ok := strings.Cut(pattern, " "); ok && isMethod(method) {
		vm, vr, ok := strings.Cut(value, " ")
		if !ok || (method != "*" && !strings.EqualFold(method, vm)) {
			return false
		}
		value, pattern = vr, rest
	}
	return matchSegments(strings.Split(value, "/"), strings.Split(pattern, "/"))
}

func isMethod(s string) bool {
	if s == "*" {
		return true
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

func matchSegments(vs, ps []string) bool {
	for len(ps) > 0 {
		p := ps[0]
		switch {
		case p == "**":
			if len(ps) == 1 {
				return true
			}
			for i := 0; i <= len(vs); i++ {
				if matchSegments(vs[i:], ps[1:]) {
					return true
				}
			}
			return false
		case len(vs) == 0:
			return false
		case len(ps) == 1 && strings.HasSuffix(p, "*"):
			return matchGlob(strings.Join(vs, "/"), p)
		case strings.HasPrefix(p, ":"):
			if vs[0] == "" {
				return false
			}
		default:
			if !matchGlob(vs[0], p) {
				return false
			}
		}
		vs, ps = vs[1:], ps[1:]
	}
	return len(vs) == 0
}

// matchGlob is a backtracking '*'-only wildcard match.
func matchGlob(s, p string) bool {
	si, pi := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, si
			pi++
		case pi < len(p) && p[pi] == s[si]:
			si++
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
