package sse

import "strings"

// Match reports whether pattern matches candidate (spec.md §4.H "Pattern
// matching"). Both are raw strings; no fragment normalization. Matching is
// segment-wise over the "/"-split URL: an exact string match always
// succeeds (reflexive on equality, spec.md §8 property 4), and a pattern
// segment prefixed with ":" matches any single non-empty candidate
// segment in the same position ("a :slot against any well-formed URL
// segment").
//
// Hand-rolled: no URL-pattern matching library (the WHATWG URLPattern
// shape spec.md's wording describes) appears anywhere in the retrieval
// pack — see DESIGN.md.
func Match(pattern, candidate string) bool {
	if pattern == candidate {
		return true
	}

	pSegs := strings.Split(pattern, "/")
	cSegs := strings.Split(candidate, "/")
	if len(pSegs) != len(cSegs) {
		return false
	}
	for i, p := range pSegs {
		c := cSegs[i]
		if strings.HasPrefix(p, ":") {
			if c == "" {
				return false
			}
			continue
		}
		if p != c {
			return false
		}
	}
	return true
}

// anyMatch reports whether any pattern in patterns matches any candidate
// in candidates.
func anyMatch(patterns, candidates []string) bool {
	for _, p := range patterns {
		for _, c := range candidates {
			if Match(p, c) {
				return true
			}
		}
	}
	return false
}
