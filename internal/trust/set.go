// Package trust owns the trusted-source list: the in-memory Set, its JSON
// persistence and the hostname-based dynamic layer.
package trust

import "sort"

// Set is a set of source addresses that remembers insertion order for
// persistence. The order carries no meaning.
type Set struct {
	order []string
	idx   map[string]struct{}
}

func NewSet(addrs ...string) *Set {
	s := &Set{idx: make(map[string]struct{}, len(addrs))}
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

// Add inserts a and reports whether it was new.
func (s *Set) Add(a string) bool {
	if _, ok := s.idx[a]; ok {
		return false
	}
	s.idx[a] = struct{}{}
	s.order = append(s.order, a)
	return true
}

func (s *Set) Contains(a string) bool {
	if s == nil {
		return false
	}
	_, ok := s.idx[a]
	return ok
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// List returns the members in insertion order.
func (s *Set) List() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

func (s *Set) Sorted() []string {
	out := s.List()
	sort.Strings(out)
	return out
}

// Equal compares membership only.
func (s *Set) Equal(o *Set) bool {
	if s.Len() != o.Len() {
		return false
	}
	for _, a := range s.List() {
		if !o.Contains(a) {
			return false
		}
	}
	return true
}
