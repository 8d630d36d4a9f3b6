package crdt

import (
	"bytes"
	"encoding/json"
	"time"
)

// LWWRegister is a last-write-wins register. Ordering is by timestamp, then
// by writer id so concurrent writes resolve identically everywhere.
type LWWRegister struct {
	value     json.RawMessage
	timestamp time.Time
	writer    string
}

type lwwState struct {
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Writer    string          `json:"writer"`
}

func NewLWWRegister() *LWWRegister { return &LWWRegister{} }

func (*LWWRegister) Kind() Kind { return KindLWW }
func (*LWWRegister) sealed()    {}

// Newer reports whether a write (ts, writer) beats one at (curTs, curWriter).
func Newer(ts time.Time, writer string, curTs time.Time, curWriter string) bool {
	if ts.After(curTs) {
		return true
	}
	return ts.Equal(curTs) && writer > curWriter
}

// Set applies a write if it wins against the current one.
func (r *LWWRegister) Set(v json.RawMessage, ts time.Time, writer string) bool {
	if !Newer(ts, writer, r.timestamp, r.writer) {
		return false
	}
	r.value = bytes.Clone(v)
	r.timestamp = ts
	r.writer = writer
	return true
}

// Get returns a copy of the stored value; nil when never written.
func (r *LWWRegister) Get() json.RawMessage { return bytes.Clone(r.value) }

func (r *LWWRegister) Timestamp() time.Time { return r.timestamp }
func (r *LWWRegister) Writer() string       { return r.writer }

func (r *LWWRegister) Value() any { return r.Get() }

// Merge keeps the winning write.
func (r *LWWRegister) Merge(other *LWWRegister) bool {
	return r.Set(other.value, other.timestamp, other.writer)
}

func (r *LWWRegister) State() (json.RawMessage, error) {
	return json.Marshal(lwwState{Value: r.value, Timestamp: r.timestamp, Writer: r.writer})
}

func (r *LWWRegister) LoadState(raw json.RawMessage) error {
	var st lwwState
	if err := decodeState(raw, &st); err != nil {
		return err
	}
	r.value, r.timestamp, r.writer = st.Value, st.Timestamp, st.Writer
	return nil
}

func (r *LWWRegister) MergeState(raw json.RawMessage) (bool, error) {
	remote := NewLWWRegister()
	if err := remote.LoadState(raw); err != nil {
		return false, err
	}
	return r.Merge(remote), nil
}
