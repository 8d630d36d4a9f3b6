package crdt

import (
	"encoding/json"
	"time"
)

// ORMap is an observed-remove set of keys with one LWW register per key.
// Deleting a key leaves its register in place; a later Set revives it.
type ORMap struct {
	keys *ORSet
	regs map[string]*LWWRegister
}

type ormapState struct {
	Keys      json.RawMessage            `json:"keys"`
	Registers map[string]json.RawMessage `json:"registers"`
}

func NewORMap(nodeID string) *ORMap {
	return &ORMap{keys: NewORSet(nodeID), regs: make(map[string]*LWWRegister)}
}

func (*ORMap) Kind() Kind { return KindORMap }
func (*ORMap) sealed()    {}

// Set adds k and writes v to its register.
func (m *ORMap) Set(k string, v json.RawMessage, ts time.Time, writer string) {
	m.keys.Add(k)
	m.register(k).Set(v, ts, writer)
}

// Timestamp returns the write time of k's register, zero when k was never set.
func (m *ORMap) Timestamp(k string) time.Time {
	if reg, ok := m.regs[k]; ok {
		return reg.Timestamp()
	}
	return time.Time{}
}

// Delete removes k and reports whether it was present.
func (m *ORMap) Delete(k string) bool {
	return m.keys.Remove(k)
}

// Get returns the value for a present key.
func (m *ORMap) Get(k string) (json.RawMessage, bool) {
	if !m.keys.Has(k) {
		return nil, false
	}
	return m.register(k).Get(), true
}

func (m *ORMap) Keys() []string { return m.keys.Elements() }

// Entries projects every present key to its value.
func (m *ORMap) Entries() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, k := range m.keys.Elements() {
		out[k] = m.register(k).Get()
	}
	return out
}

func (m *ORMap) Value() any { return m.Entries() }

func (m *ORMap) Merge(other *ORMap) bool {
	changed := m.keys.Merge(other.keys)
	for k, reg := range other.regs {
		if m.register(k).Merge(reg) {
			changed = true
		}
	}
	return changed
}

func (m *ORMap) State() (json.RawMessage, error) {
	keys, err := m.keys.State()
	if err != nil {
		return nil, err
	}
	st := ormapState{Keys: keys, Registers: make(map[string]json.RawMessage, len(m.regs))}
	for k, reg := range m.regs {
		raw, err := reg.State()
		if err != nil {
			return nil, err
		}
		st.Registers[k] = raw
	}
	return json.Marshal(st)
}

func (m *ORMap) LoadState(raw json.RawMessage) error {
	var st ormapState
	if err := decodeState(raw, &st); err != nil {
		return err
	}
	keys := NewORSet(m.keys.nodeID)
	if err := keys.LoadState(st.Keys); err != nil {
		return err
	}
	regs := make(map[string]*LWWRegister, len(st.Registers))
	for k, r := range st.Registers {
		reg := NewLWWRegister()
		if err := reg.LoadState(r); err != nil {
			return err
		}
		regs[k] = reg
	}
	m.keys, m.regs = keys, regs
	return nil
}

func (m *ORMap) MergeState(raw json.RawMessage) (bool, error) {
	remote := NewORMap(m.keys.nodeID)
	if err := remote.LoadState(raw); err != nil {
		return false, err
	}
	return m.Merge(remote), nil
}

func (m *ORMap) register(k string) *LWWRegister {
	reg, ok := m.regs[k]
	if !ok {
		reg = NewLWWRegister()
		m.regs[k] = reg
	}
	return reg
}
