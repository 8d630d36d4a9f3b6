// Package state implements an event-sourced, last-writer-wins state store
// that peers reconcile by exchanging event logs and snapshots.
package state

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/ElisAS4/neonet-sub000/pkg/crdt"
	"github.com/ElisAS4/neonet-sub000/pkg/metrics"
	"github.com/ElisAS4/neonet-sub000/pkg/wire"
)

var (
	ErrStateExists   = errors.New("state: already exists")
	ErrStateNotFound = errors.New("state: not found")
	ErrSyncDecode    = errors.New("state: undecodable sync payload")
)

// Config configures a Manager.
type Config struct {
	NodeID            string
	MaxEventLogSize   int
	SnapshotInterval  time.Duration
	BatchDelay        time.Duration
	CompressThreshold int
	Clock             clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.MaxEventLogSize <= 0 {
		c.MaxEventLogSize = 1000
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 50 * time.Millisecond
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = wire.DefaultCompressThreshold
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

type subscription struct {
	stateID string
	fn      func(Change)
}

// Manager owns the event log, snapshots and materialized containers of one node.
type Manager struct {
	logger *slog.Logger
	cfg    Config

	mu        sync.Mutex
	vc        crdt.VectorClock
	states    map[string]*container
	log       []Event
	seen      map[string]struct{}
	snapshots map[string]Snapshot
	lastIndex uint64
	entropy   io.Reader

	pending map[string]struct{}
	timer   clockwork.Timer
	closed  bool

	subMu   sync.Mutex
	subs    map[uint64]subscription
	nextSub uint64

	startedOnce sync.Once
}

func NewManager(logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		logger:    logger.With("component", "state", "node", cfg.NodeID),
		cfg:       cfg,
		vc:        crdt.VectorClock{},
		states:    make(map[string]*container),
		seen:      make(map[string]struct{}),
		snapshots: make(map[string]Snapshot),
		entropy:   ulid.Monotonic(rand.Reader, 0),
		pending:   make(map[string]struct{}),
		subs:      make(map[uint64]subscription),
	}
}

func (m *Manager) NodeID() string { return m.cfg.NodeID }

// Start takes snapshots every SnapshotInterval and compacts an oversized log.
func (m *Manager) Start(ctx context.Context) {
	m.startedOnce.Do(func() {
		go func() {
			t := m.cfg.Clock.NewTicker(m.cfg.SnapshotInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.Chan():
					m.mu.Lock()
					m.snapshotAllLocked()
					if len(m.log) > m.cfg.MaxEventLogSize {
						m.compactLocked()
					}
					m.mu.Unlock()
				}
			}
		}()
	})
}

// Close cancels pending notifications.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// CreateState creates id with an initial value.
func (m *Manager) CreateState(id string, initial any, metadata map[string]any) (State, error) {
	raw, err := json.Marshal(initial)
	if err != nil {
		return State{}, err
	}
	return m.write(id, metadata, func(prev *container) (EventType, json.RawMessage, error) {
		if prev != nil && !prev.deleted {
			return "", nil, fmt.Errorf("%w: %s", ErrStateExists, id)
		}
		return EventCreated, raw, nil
	})
}

// SetState replaces the value of id, creating it when absent.
func (m *Manager) SetState(id string, value any, metadata map[string]any) (State, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return State{}, err
	}
	return m.write(id, metadata, func(prev *container) (EventType, json.RawMessage, error) {
		if prev == nil || prev.deleted {
			return EventCreated, raw, nil
		}
		return EventUpdated, raw, nil
	})
}

// UpdateState shallow-merges patch into the current value when both are JSON
// objects and replaces it otherwise.
func (m *Manager) UpdateState(id string, patch any, metadata map[string]any) (State, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return State{}, err
	}
	return m.write(id, metadata, func(prev *container) (EventType, json.RawMessage, error) {
		if prev == nil || prev.deleted {
			return EventCreated, raw, nil
		}
		return EventUpdated, shallowMerge(prev.value, raw), nil
	})
}

// DeleteState records a tombstone for id.
func (m *Manager) DeleteState(id string) error {
	_, err := m.write(id, nil, func(prev *container) (EventType, json.RawMessage, error) {
		if prev == nil || prev.deleted {
			return "", nil, fmt.Errorf("%w: %s", ErrStateNotFound, id)
		}
		return EventDeleted, nil, nil
	})
	return err
}

func (m *Manager) write(id string, metadata map[string]any, decide func(prev *container) (EventType, json.RawMessage, error)) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.states[id]
	typ, value, err := decide(prev)
	if err != nil {
		return State{}, err
	}

	var prevTs time.Time
	var prevValue json.RawMessage
	if prev != nil {
		prevTs, prevValue = prev.lastModified, prev.value
	}

	now := m.cfg.Clock.Now()
	ts := now
	if !ts.After(prevTs) {
		ts = prevTs.Add(time.Nanosecond)
	}
	m.vc.Increment(m.cfg.NodeID)
	ev := Event{
		ID:          ulid.MustNew(ulid.Timestamp(now), m.entropy).String(),
		Type:        typ,
		StateID:     id,
		NodeID:      m.cfg.NodeID,
		Timestamp:   ts,
		VectorClock: m.vc.Clone(),
		Data:        EventData{Value: value, PreviousValue: prevValue, Metadata: metadata},
	}
	m.appendLocked(ev)
	metrics.RecordStateEvent(string(typ), metrics.OriginLocal)

	c := prev
	if c == nil {
		c = &container{id: id}
		m.states[id] = c
	}
	if !c.apply(ev) {
		metrics.IncStateRejectedWrites()
	}
	m.markDirtyLocked(id)

	if len(m.log) > m.cfg.MaxEventLogSize {
		m.compactLocked()
	}
	return c.view(), nil
}

func (m *Manager) appendLocked(ev Event) {
	m.lastIndex++
	ev.Index = m.lastIndex
	m.log = append(m.log, ev)
	m.seen[ev.ID] = struct{}{}
	metrics.SetStateEventLogSize(float64(len(m.log)))
}

// insertLocked places a remote event after every event that does not sort
// later by (timestamp, node id).
func (m *Manager) insertLocked(ev Event) {
	m.lastIndex++
	ev.Index = m.lastIndex
	i := len(m.log)
	for i > 0 && eventAfter(m.log[i-1], ev) {
		i--
	}
	m.log = append(m.log, Event{})
	copy(m.log[i+1:], m.log[i:])
	m.log[i] = ev
	m.seen[ev.ID] = struct{}{}
	metrics.SetStateEventLogSize(float64(len(m.log)))
}

func eventAfter(a, b Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.NodeID > b.NodeID
}

// GetState returns a copy of a live state.
func (m *Manager) GetState(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.states[id]
	if !ok || c.deleted {
		return State{}, false
	}
	return c.view(), true
}

// States returns every live state ordered by id.
func (m *Manager) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.states))
	for _, c := range m.states {
		if !c.deleted {
			out = append(out, c.view())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Events returns a copy of the retained log in log order.
func (m *Manager) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEvents(m.log)
}

// Snapshots returns a copy of every retained snapshot.
func (m *Manager) Snapshots() map[string]Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSnapshots(m.snapshots)
}

// CurrentEventIndex is the index of the most recently logged event.
func (m *Manager) CurrentEventIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastIndex
}

func (m *Manager) VectorClock() crdt.VectorClock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vc.Clone()
}

// Subscribe calls fn with debounced changes to stateID, or to every state when
// stateID is empty. The returned func cancels the subscription.
func (m *Manager) Subscribe(stateID string, fn func(Change)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = subscription{stateID: stateID, fn: fn}
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) markDirtyLocked(id string) {
	if m.closed {
		return
	}
	m.pending[id] = struct{}{}
	if m.timer == nil {
		m.timer = m.cfg.Clock.AfterFunc(m.cfg.BatchDelay, m.flush)
	}
}

func (m *Manager) flush() {
	m.mu.Lock()
	changes := make([]Change, 0, len(m.pending))
	for id := range m.pending {
		if c, ok := m.states[id]; ok {
			changes = append(changes, Change{State: c.view(), Deleted: c.deleted})
		}
	}
	m.pending = make(map[string]struct{})
	m.timer = nil
	m.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].State.ID < changes[j].State.ID })

	m.subMu.Lock()
	subs := make([]subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subMu.Unlock()

	delivered := 0
	for _, ch := range changes {
		for _, s := range subs {
			if s.stateID == "" || s.stateID == ch.State.ID {
				s.fn(ch)
				delivered++
			}
		}
	}
	metrics.AddStateNotifications(delivered)
}

func shallowMerge(base, patch json.RawMessage) json.RawMessage {
	var b, p map[string]json.RawMessage
	if json.Unmarshal(base, &b) != nil || json.Unmarshal(patch, &p) != nil || b == nil || p == nil {
		return patch
	}
	for k, v := range p {
		b[k] = v
	}
	merged, err := json.Marshal(b)
	if err != nil {
		return patch
	}
	return merged
}

func cloneEvents(in []Event) []Event {
	out := make([]Event, len(in))
	for i, ev := range in {
		ev.VectorClock = ev.VectorClock.Clone()
		ev.Data.Value = bytes.Clone(ev.Data.Value)
		ev.Data.PreviousValue = bytes.Clone(ev.Data.PreviousValue)
		out[i] = ev
	}
	return out
}

func cloneSnapshots(in map[string]Snapshot) map[string]Snapshot {
	out := make(map[string]Snapshot, len(in))
	for k, v := range in {
		v.Value = bytes.Clone(v.Value)
		out[k] = v
	}
	return out
}
