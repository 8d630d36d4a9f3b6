package crdt

import "encoding/json"

// PNCounter is a counter supporting increment and decrement.
type PNCounter struct {
	inc map[string]uint64
	dec map[string]uint64
}

type pnState struct {
	Increments map[string]uint64 `json:"increments"`
	Decrements map[string]uint64 `json:"decrements"`
}

func NewPNCounter() *PNCounter {
	return &PNCounter{inc: make(map[string]uint64), dec: make(map[string]uint64)}
}

func (*PNCounter) Kind() Kind { return KindPNCounter }
func (*PNCounter) sealed()    {}

func (c *PNCounter) Increment(nodeID string, n uint64) { c.inc[nodeID] += n }
func (c *PNCounter) Decrement(nodeID string, n uint64) { c.dec[nodeID] += n }

// Count returns sum(increments) - sum(decrements).
func (c *PNCounter) Count() int64 {
	var total int64
	for _, v := range c.inc {
		total += int64(v)
	}
	for _, v := range c.dec {
		total -= int64(v)
	}
	return total
}

func (c *PNCounter) Value() any { return c.Count() }

// Merge takes the per-node max of both maps.
func (c *PNCounter) Merge(other *PNCounter) bool {
	a := maxInto(c.inc, other.inc)
	b := maxInto(c.dec, other.dec)
	return a || b
}

func (c *PNCounter) State() (json.RawMessage, error) {
	return json.Marshal(pnState{Increments: c.inc, Decrements: c.dec})
}

func (c *PNCounter) LoadState(raw json.RawMessage) error {
	var st pnState
	if err := decodeState(raw, &st); err != nil {
		return err
	}
	c.inc, c.dec = make(map[string]uint64), make(map[string]uint64)
	maxInto(c.inc, st.Increments)
	maxInto(c.dec, st.Decrements)
	return nil
}

func (c *PNCounter) MergeState(raw json.RawMessage) (bool, error) {
	remote := NewPNCounter()
	if err := remote.LoadState(raw); err != nil {
		return false, err
	}
	return c.Merge(remote), nil
}

func maxInto(dst, src map[string]uint64) bool {
	changed := false
	for node, v := range src {
		if dst[node] < v {
			dst[node] = v
			changed = true
		}
	}
	return changed
}
