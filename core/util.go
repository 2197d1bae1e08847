package core

import (
	"sort"
	"strings"
)

// CleanString trims all leading and trailing whitespace in `s` and optionally lowers it.
func CleanString(s string, lower ...bool) string {
	s = strings.TrimSpace(s)
	if len(lower) > 0 && lower[0] {
		return strings.ToLower(s)
	}
	return s
}

// UniqueStrings drops blanks and duplicates from ss, keeping the first occurrence order.
func UniqueStrings(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// StringSet is a set of IDs.
type StringSet map[string]struct{}

func NewStringSet(ss ...string) StringSet {
	set := make(StringSet, len(ss))
	for _, s := range ss {
		set[s] = struct{}{}
	}
	return set
}

func (set StringSet) Add(s string)    { set[s] = struct{}{} }
func (set StringSet) Remove(s string) { delete(set, s) }
func (set StringSet) Len() int        { return len(set) }

func (set StringSet) Has(s string) bool {
	_, ok := set[s]
	return ok
}

func (set StringSet) Equal(o StringSet) bool {
	return len(set) == len(o) && len(set.Minus(o)) == 0
}

// Minus returns the members of set missing from o.
func (set StringSet) Minus(o StringSet) StringSet {
	diff := make(StringSet)
	for s := range set {
		if !o.Has(s) {
			diff.Add(s)
		}
	}
	return diff
}

// Sorted returns the set members in ascending order.
func (set StringSet) Sorted() []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
