// Package utils provides small helpers used by the HTTP layer and the CLI.
package utils

import "strconv"

// AtoiDefault converts s to an int, returning def when s is empty or invalid.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page is a resolved page request.
type Page struct {
	Page   int `json:"page"`
	Limit  int `json:"limit"`
	Offset int `json:"-"`
}

// ParsePage resolves 1-based page and limit query values. Missing or
// invalid values fall back to page 1 and def; limit is capped at max.
func ParsePage(page, limit string, def, max int) Page {
	p := AtoiDefault(page, 1)
	if p < 1 {
		p = 1
	}
	l := AtoiDefault(limit, def)
	if l < 1 {
		l = def
	}
	if max > 0 && l > max {
		l = max
	}
	return Page{Page: p, Limit: l, Offset: (p - 1) * l}
}
