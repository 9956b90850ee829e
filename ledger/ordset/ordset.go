// Package ordset provides an insertion-ordered set of comparable values.
package ordset

import (
	"encoding/json"
	"slices"
)

// Set keeps members in first-insertion order with no duplicates.
// The zero value is an empty set ready to use.
type Set[T comparable] struct {
	items []T
}

func New[T comparable](items ...T) *Set[T] {
	s := &Set[T]{}
	for _, it := range items {
		s.Add(it)
	}
	return s
}

// Add appends item if absent. It reports whether the set changed.
func (s *Set[T]) Add(item T) bool {
	if s.Contains(item) {
		return false
	}
	s.items = append(s.items, item)
	return true
}

// Remove deletes item, keeping the order of the remaining members.
// It reports whether the set changed.
func (s *Set[T]) Remove(item T) bool {
	idx := slices.Index(s.items, item)
	if idx < 0 {
		return false
	}
	s.items = slices.Delete(s.items, idx, idx+1)
	return true
}

func (s *Set[T]) Contains(item T) bool {
	return slices.Contains(s.items, item)
}

func (s *Set[T]) Len() int {
	return len(s.items)
}

// Items returns a copy of the members in insertion order.
func (s *Set[T]) Items() []T {
	return slices.Clone(s.items)
}

func (s *Set[T]) Clone() *Set[T] {
	return &Set[T]{items: slices.Clone(s.items)}
}

func (s *Set[T]) Clear() {
	s.items = nil
}

// MarshalJSON has a value receiver so sets embedded by value still encode.
func (s Set[T]) MarshalJSON() ([]byte, error) {
	if s.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.items)
}

// UnmarshalJSON drops duplicates, keeping the first occurrence.
func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	s.items = nil
	for _, it := range items {
		s.Add(it)
	}
	return nil
}
