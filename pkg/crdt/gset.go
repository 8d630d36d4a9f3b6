package crdt

import (
	"encoding/json"
	"slices"
)

// GSet is a grow-only set.
type GSet struct {
	elems map[string]struct{}
}

func NewGSet() *GSet {
	return &GSet{elems: make(map[string]struct{})}
}

func (*GSet) Kind() Kind { return KindGSet }
func (*GSet) sealed()    {}

// Add inserts e and reports whether it was new.
func (s *GSet) Add(e string) bool {
	if _, ok := s.elems[e]; ok {
		return false
	}
	s.elems[e] = struct{}{}
	return true
}

func (s *GSet) Has(e string) bool {
	_, ok := s.elems[e]
	return ok
}

// Elements returns the members in sorted order.
func (s *GSet) Elements() []string {
	out := make([]string, 0, len(s.elems))
	for e := range s.elems {
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}

func (s *GSet) Value() any { return s.Elements() }

// Merge unions other into s.
func (s *GSet) Merge(other *GSet) bool {
	changed := false
	for e := range other.elems {
		if s.Add(e) {
			changed = true
		}
	}
	return changed
}

func (s *GSet) State() (json.RawMessage, error) {
	return json.Marshal(s.Elements())
}

func (s *GSet) LoadState(raw json.RawMessage) error {
	var elems []string
	if err := decodeState(raw, &elems); err != nil {
		return err
	}
	s.elems = make(map[string]struct{}, len(elems))
	for _, e := range elems {
		s.elems[e] = struct{}{}
	}
	return nil
}

func (s *GSet) MergeState(raw json.RawMessage) (bool, error) {
	remote := NewGSet()
	if err := remote.LoadState(raw); err != nil {
		return false, err
	}
	return s.Merge(remote), nil
}
