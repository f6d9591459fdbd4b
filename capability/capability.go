// Package capability matches capability tags between tasks and agents.
// Matching is exact set membership after normalisation; it is never semantic.
package capability

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// Normalize trims, case-folds, de-duplicates and sorts tags. Empty tags are dropped.
func Normalize(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	fold := cases.Fold()
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = fold.String(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Set is a normalised capability set.
type Set map[string]struct{}

// NewSet builds a Set from raw tags.
func NewSet(tags []string) Set {
	s := make(Set, len(tags))
	for _, tag := range Normalize(tags) {
		s[tag] = struct{}{}
	}
	return s
}

// Has reports whether tag is in the set.
func (s Set) Has(tag string) bool {
	_, ok := s[cases.Fold().String(strings.TrimSpace(tag))]
	return ok
}

// Covers reports whether every tag in required is present. An empty required
// set is covered by any agent.
func (s Set) Covers(required []string) bool {
	for _, tag := range Normalize(required) {
		if _, ok := s[tag]; !ok {
			return false
		}
	}
	return true
}

// Overlap returns the tags present in both the set and other.
func (s Set) Overlap(other []string) []string {
	var out []string
	for _, tag := range Normalize(other) {
		if _, ok := s[tag]; ok {
			out = append(out, tag)
		}
	}
	return out
}

// Subset reports whether required is a subset of have.
func Subset(required, have []string) bool {
	return NewSet(have).Covers(required)
}

// Intersects reports whether have shares at least one tag with wanted. An empty
// wanted set intersects everything.
func Intersects(wanted, have []string) bool {
	if len(Normalize(wanted)) == 0 {
		return true
	}
	return len(NewSet(have).Overlap(wanted)) > 0
}
