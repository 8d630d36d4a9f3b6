package crdt

// VectorClock tracks logical time per node.
type VectorClock map[string]uint64

// Ordering is the causal relation between two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Increment bumps the entry for nodeID and returns the new value.
func (vc VectorClock) Increment(nodeID string) uint64 {
	vc[nodeID]++
	return vc[nodeID]
}

// Merge takes the element-wise max with other and reports whether vc advanced.
func (vc VectorClock) Merge(other VectorClock) bool {
	changed := false
	for node, remote := range other {
		if vc[node] < remote {
			vc[node] = remote
			changed = true
		}
	}
	return changed
}

// Clone returns an independent copy; a nil clock clones to an empty one.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Compare reports how vc relates to other.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	less, greater := false, false
	for node, v := range vc {
		switch o := other[node]; {
		case v < o:
			less = true
		case v > o:
			greater = true
		}
	}
	for node, o := range other {
		if _, seen := vc[node]; !seen && o > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Dominates reports whether every entry of vc is >= the matching entry of other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for node, o := range other {
		if vc[node] < o {
			return false
		}
	}
	return true
}
