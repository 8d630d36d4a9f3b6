package crdt

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

type tagSet map[string]struct{}

// ORSet is an observed-remove set: an element is present while at least one
// of its add tags has not been removed.
type ORSet struct {
	nodeID  string
	added   map[string]tagSet
	removed map[string]tagSet
}

type orsetState struct {
	Added   map[string][]string `json:"added"`
	Removed map[string][]string `json:"removed"`
}

func NewORSet(nodeID string) *ORSet {
	return &ORSet{
		nodeID:  nodeID,
		added:   make(map[string]tagSet),
		removed: make(map[string]tagSet),
	}
}

func (*ORSet) Kind() Kind { return KindORSet }
func (*ORSet) sealed()    {}

// NewTag mints a globally unique add tag for nodeID.
func NewTag(nodeID string) string {
	return fmt.Sprintf("%s:%d:%s", nodeID, time.Now().UnixNano(), uuid.NewString()[:8])
}

// Add inserts e under a fresh tag and returns the tag.
func (s *ORSet) Add(e string) string {
	tag := NewTag(s.nodeID)
	s.AddTag(e, tag)
	return tag
}

// AddTag inserts e under an explicit tag.
func (s *ORSet) AddTag(e, tag string) bool {
	return insertTag(s.added, e, tag)
}

// Remove tombstones every tag of e observed so far and reports whether e was present.
func (s *ORSet) Remove(e string) bool {
	present := s.Has(e)
	for tag := range s.added[e] {
		insertTag(s.removed, e, tag)
	}
	return present
}

// Has reports whether e has a live tag.
func (s *ORSet) Has(e string) bool {
	for tag := range s.added[e] {
		if _, gone := s.removed[e][tag]; !gone {
			return true
		}
	}
	return false
}

// Elements returns the present members in sorted order.
func (s *ORSet) Elements() []string {
	out := make([]string, 0, len(s.added))
	for e := range s.added {
		if s.Has(e) {
			out = append(out, e)
		}
	}
	slices.Sort(out)
	return out
}

func (s *ORSet) Value() any { return s.Elements() }

// Merge unions both tag sets element by element.
func (s *ORSet) Merge(other *ORSet) bool {
	changed := false
	for e, tags := range other.added {
		for tag := range tags {
			if insertTag(s.added, e, tag) {
				changed = true
			}
		}
	}
	for e, tags := range other.removed {
		for tag := range tags {
			if insertTag(s.removed, e, tag) {
				changed = true
			}
		}
	}
	return changed
}

func (s *ORSet) State() (json.RawMessage, error) {
	return json.Marshal(orsetState{Added: flatten(s.added), Removed: flatten(s.removed)})
}

func (s *ORSet) LoadState(raw json.RawMessage) error {
	var st orsetState
	if err := decodeState(raw, &st); err != nil {
		return err
	}
	s.added = expand(st.Added)
	s.removed = expand(st.Removed)
	return nil
}

func (s *ORSet) MergeState(raw json.RawMessage) (bool, error) {
	remote := NewORSet(s.nodeID)
	if err := remote.LoadState(raw); err != nil {
		return false, err
	}
	return s.Merge(remote), nil
}

func insertTag(m map[string]tagSet, e, tag string) bool {
	tags, ok := m[e]
	if !ok {
		tags = make(tagSet)
		m[e] = tags
	}
	if _, ok := tags[tag]; ok {
		return false
	}
	tags[tag] = struct{}{}
	return true
}

func flatten(m map[string]tagSet) map[string][]string {
	out := make(map[string][]string, len(m))
	for e, tags := range m {
		list := make([]string, 0, len(tags))
		for t := range tags {
			list = append(list, t)
		}
		slices.Sort(list)
		out[e] = list
	}
	return out
}

func expand(m map[string][]string) map[string]tagSet {
	out := make(map[string]tagSet, len(m))
	for e, tags := range m {
		set := make(tagSet, len(tags))
		for _, t := range tags {
			set[t] = struct{}{}
		}
		out[e] = set
	}
	return out
}
