// Package replica owns the local set of CRDT instances and merges remote
// sync payloads into them.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ElisAS4/neonet-sub000/pkg/crdt"
	"github.com/ElisAS4/neonet-sub000/pkg/metrics"
	"github.com/ElisAS4/neonet-sub000/pkg/tracing"
	"github.com/ElisAS4/neonet-sub000/pkg/wire"
)

var (
	ErrExists     = errors.New("replica: crdt already exists")
	ErrNotFound   = errors.New("replica: crdt not found")
	ErrWrongKind  = errors.New("replica: operation not supported by crdt kind")
	ErrSyncDecode = errors.New("replica: undecodable sync payload")
)

// Config configures a Manager.
type Config struct {
	NodeID            string
	SyncInterval      time.Duration
	BatchSize         int
	CompressThreshold int
	Clock             clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = wire.DefaultCompressThreshold
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Manager holds CRDT instances for one node. All methods are safe for
// concurrent use; subscribers are invoked without internal locks held.
type Manager struct {
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	vc      crdt.VectorClock
	entries map[string]*entry
	queue   []incoming

	subMu   sync.Mutex
	subs    map[uint64]func(ChangeSet)
	nextSub uint64

	startedOnce sync.Once
	cancel      context.CancelFunc
	closed      bool
}

func NewManager(logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		logger:  logger.With("component", "replica", "node", cfg.NodeID),
		cfg:     cfg,
		vc:      crdt.VectorClock{},
		entries: make(map[string]*entry),
		subs:    make(map[uint64]func(ChangeSet)),
	}
}

// NodeID returns the id used for this replica's clock entry.
func (m *Manager) NodeID() string { return m.cfg.NodeID }

// Start drains the incoming queue every SyncInterval until ctx is done or
// Close is called.
func (m *Manager) Start(ctx context.Context) {
	m.startedOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			cancel()
			return
		}
		m.cancel = cancel
		m.mu.Unlock()
		go m.loop(ctx)
	})
}

// Close stops the drain loop and drops queued payloads. Payloads enqueued
// afterwards are discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	cancel := m.cancel
	m.cancel = nil
	dropped := len(m.queue)
	m.queue = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	metrics.SetCRDTQueueDepth(0)
	m.logger.Debug("replica closed", "dropped", dropped)
}

func (m *Manager) loop(ctx context.Context) {
	t := m.cfg.Clock.NewTicker(m.cfg.SyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			m.ProcessQueue()
		}
	}
}

func (m *Manager) create(id string, kind crdt.Kind, init func(crdt.Type) error) error {
	typ, err := crdt.New(kind, m.cfg.NodeID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.entries[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	if init != nil {
		if err := init(typ); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	e := &entry{
		id:           id,
		owner:        m.cfg.NodeID,
		kind:         kind,
		clock:        crdt.VectorClock{},
		lastModified: m.cfg.Clock.Now(),
		data:         typ,
	}
	m.vc.Increment(m.cfg.NodeID)
	e.clock.Increment(m.cfg.NodeID)
	m.entries[id] = e
	n := len(m.entries)
	m.mu.Unlock()

	metrics.SetCRDTInstances(float64(n))
	m.logger.Debug("crdt created", "id", id, "kind", kind)
	m.notify(ChangeSet{IDs: []string{id}, Local: true})
	return nil
}

func (m *Manager) CreateGSet(id string, initial ...string) error {
	return m.create(id, crdt.KindGSet, func(t crdt.Type) error {
		for _, e := range initial {
			t.(*crdt.GSet).Add(e)
		}
		return nil
	})
}

func (m *Manager) CreateORSet(id string, initial ...string) error {
	return m.create(id, crdt.KindORSet, func(t crdt.Type) error {
		for _, e := range initial {
			t.(*crdt.ORSet).Add(e)
		}
		return nil
	})
}

// CreateLWWRegister creates a register; a nil initial leaves it unwritten.
func (m *Manager) CreateLWWRegister(id string, initial any) error {
	return m.create(id, crdt.KindLWW, func(t crdt.Type) error {
		if initial == nil {
			return nil
		}
		raw, err := json.Marshal(initial)
		if err != nil {
			return err
		}
		t.(*crdt.LWWRegister).Set(raw, m.cfg.Clock.Now(), m.cfg.NodeID)
		return nil
	})
}

func (m *Manager) CreatePNCounter(id string, initial int64) error {
	return m.create(id, crdt.KindPNCounter, func(t crdt.Type) error {
		c := t.(*crdt.PNCounter)
		if initial >= 0 {
			c.Increment(m.cfg.NodeID, uint64(initial))
		} else {
			c.Decrement(m.cfg.NodeID, uint64(-initial))
		}
		return nil
	})
}

func (m *Manager) CreateORMap(id string, initial map[string]any) error {
	return m.create(id, crdt.KindORMap, func(t crdt.Type) error {
		om := t.(*crdt.ORMap)
		now := m.cfg.Clock.Now()
		for k, v := range initial {
			raw, err := json.Marshal(v)
			if err != nil {
				return err
			}
			om.Set(k, raw, now, m.cfg.NodeID)
		}
		return nil
	})
}

// Mutate applies fn to the instance under the manager lock and records a
// local mutation. fn must not retain t.
func (m *Manager) Mutate(id string, fn func(t crdt.Type) error) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fn(e.data); err != nil {
		m.mu.Unlock()
		return err
	}
	m.vc.Increment(m.cfg.NodeID)
	e.clock.Increment(m.cfg.NodeID)
	e.lastModified = m.cfg.Clock.Now()
	kind := e.kind
	m.mu.Unlock()

	metrics.RecordCRDTMutation(string(kind))
	m.notify(ChangeSet{IDs: []string{id}, Local: true})
	return nil
}

// Add inserts elem into a gset or orset.
func (m *Manager) Add(id, elem string) error {
	return m.Mutate(id, func(t crdt.Type) error {
		switch s := t.(type) {
		case *crdt.GSet:
			s.Add(elem)
		case *crdt.ORSet:
			s.Add(elem)
		default:
			return fmt.Errorf("%w: add on %s", ErrWrongKind, t.Kind())
		}
		return nil
	})
}

// Remove removes elem from an orset.
func (m *Manager) Remove(id, elem string) error {
	return m.Mutate(id, func(t crdt.Type) error {
		s, ok := t.(*crdt.ORSet)
		if !ok {
			return fmt.Errorf("%w: remove on %s", ErrWrongKind, t.Kind())
		}
		s.Remove(elem)
		return nil
	})
}

// Set writes value to an lww register.
func (m *Manager) Set(id string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return m.Mutate(id, func(t crdt.Type) error {
		r, ok := t.(*crdt.LWWRegister)
		if !ok {
			return fmt.Errorf("%w: set on %s", ErrWrongKind, t.Kind())
		}
		r.Set(raw, writeTime(m.cfg.Clock.Now(), r.Timestamp()), m.cfg.NodeID)
		return nil
	})
}

// SetKey writes key in an ormap.
func (m *Manager) SetKey(id, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return m.Mutate(id, func(t crdt.Type) error {
		om, ok := t.(*crdt.ORMap)
		if !ok {
			return fmt.Errorf("%w: set key on %s", ErrWrongKind, t.Kind())
		}
		om.Set(key, raw, writeTime(m.cfg.Clock.Now(), om.Timestamp(key)), m.cfg.NodeID)
		return nil
	})
}

// DeleteKey removes key from an ormap.
func (m *Manager) DeleteKey(id, key string) error {
	return m.Mutate(id, func(t crdt.Type) error {
		om, ok := t.(*crdt.ORMap)
		if !ok {
			return fmt.Errorf("%w: delete key on %s", ErrWrongKind, t.Kind())
		}
		om.Delete(key)
		return nil
	})
}

func (m *Manager) Increment(id string, n uint64) error {
	return m.counter(id, func(c *crdt.PNCounter) { c.Increment(m.cfg.NodeID, n) })
}

func (m *Manager) Decrement(id string, n uint64) error {
	return m.counter(id, func(c *crdt.PNCounter) { c.Decrement(m.cfg.NodeID, n) })
}

func (m *Manager) counter(id string, fn func(*crdt.PNCounter)) error {
	return m.Mutate(id, func(t crdt.Type) error {
		c, ok := t.(*crdt.PNCounter)
		if !ok {
			return fmt.Errorf("%w: counter op on %s", ErrWrongKind, t.Kind())
		}
		fn(c)
		return nil
	})
}

// Value returns the projected value of id.
func (m *Manager) Value(id string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.data.Value(), nil
}

func (m *Manager) Get(id string) (Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Instance{}, false
	}
	return e.view(), true
}

// AllStates returns a view of every instance keyed by id.
func (m *Manager) AllStates() map[string]Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Instance, len(m.entries))
	for id, e := range m.entries {
		out[id] = e.view()
	}
	return out
}

// VectorClock returns a copy of the replica clock.
func (m *Manager) VectorClock() crdt.VectorClock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vc.Clone()
}

// GenerateSyncPayload serializes every instance for target.
func (m *Manager) GenerateSyncPayload(target string) Payload {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := Payload{
		NodeID:      m.cfg.NodeID,
		VectorClock: m.vc.Clone(),
		CRDTs:       make(map[string]EntryState, len(m.entries)),
	}
	for id, e := range m.entries {
		raw, err := e.data.State()
		if err != nil {
			m.logger.Warn("skip unserializable crdt", "id", id, "target", target, "error", err)
			continue
		}
		p.CRDTs[id] = EntryState{
			Type:         e.kind,
			State:        raw,
			VectorClock:  e.clock.Clone(),
			Owner:        e.owner,
			LastModified: e.lastModified,
		}
	}
	return p
}

// EncodeSyncPayload returns the wire form of GenerateSyncPayload(target).
func (m *Manager) EncodeSyncPayload(target string) ([]byte, error) {
	return wire.Encode(m.GenerateSyncPayload(target), m.cfg.CompressThreshold)
}

// HandleIncomingSync decodes a wire payload from sender and queues it.
// Local state is untouched when decoding fails.
func (m *Manager) HandleIncomingSync(sender string, data []byte) error {
	var p Payload
	if err := wire.Decode(data, &p); err != nil {
		m.logger.Warn("discard sync payload", "sender", sender, "error", err)
		return fmt.Errorf("%w: %v", ErrSyncDecode, err)
	}
	m.Enqueue(sender, p)
	return nil
}

// Enqueue queues an already decoded payload for the next batch.
func (m *Manager) Enqueue(sender string, p Payload) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, incoming{sender: sender, payload: p})
	depth := len(m.queue)
	m.mu.Unlock()
	metrics.SetCRDTQueueDepth(float64(depth))
}

// ProcessQueue merges up to BatchSize queued payloads in FIFO order and
// notifies subscribers once if anything changed. It returns the number of
// payloads processed.
func (m *Manager) ProcessQueue() int {
	start := time.Now()
	_, span := otel.Tracer(tracing.TracerReplica).Start(context.Background(), tracing.SpanReplicaBatch)
	defer func() {
		span.End()
		metrics.ObserveCRDTBatchDuration(time.Since(start).Seconds())
	}()

	m.mu.Lock()
	n := min(len(m.queue), m.cfg.BatchSize)
	batch := m.queue[:n]
	m.queue = slices.Clone(m.queue[n:])

	changed := make(map[string]struct{})
	senders := make(map[string]struct{})
	for _, in := range batch {
		m.vc.Merge(in.payload.VectorClock)
		for id := range m.mergePayload(in) {
			changed[id] = struct{}{}
			senders[in.sender] = struct{}{}
		}
	}
	depth, total := len(m.queue), len(m.entries)
	m.mu.Unlock()

	metrics.SetCRDTQueueDepth(float64(depth))
	metrics.SetCRDTInstances(float64(total))
	span.SetAttributes(attribute.Int("batch.size", n), attribute.Int("batch.changed", len(changed)))

	if len(changed) > 0 {
		m.notify(ChangeSet{IDs: sortedKeys(changed), Senders: sortedKeys(senders)})
	}
	return n
}

// mergePayload must be called with m.mu held.
func (m *Manager) mergePayload(in incoming) map[string]struct{} {
	changed := make(map[string]struct{})
	now := m.cfg.Clock.Now()
	for id, es := range in.payload.CRDTs {
		if !es.Type.Valid() {
			m.logger.Warn("unknown crdt kind in sync", "id", id, "kind", es.Type, "sender", in.sender)
			metrics.RecordCRDTMerge(string(es.Type), metrics.MergeFailed)
			continue
		}

		e, ok := m.entries[id]
		if !ok {
			typ, _ := crdt.New(es.Type, m.cfg.NodeID)
			if err := typ.LoadState(es.State); err != nil {
				m.logger.Warn("bad crdt state in sync", "id", id, "sender", in.sender, "error", err)
				metrics.RecordCRDTMerge(string(es.Type), metrics.MergeFailed)
				continue
			}
			owner := es.Owner
			if owner == "" {
				owner = in.payload.NodeID
			}
			lastModified := es.LastModified
			if lastModified.IsZero() {
				lastModified = now
			}
			m.entries[id] = &entry{
				id:           id,
				owner:        owner,
				kind:         es.Type,
				clock:        es.VectorClock.Clone(),
				lastModified: lastModified,
				data:         typ,
			}
			changed[id] = struct{}{}
			metrics.RecordCRDTMerge(string(es.Type), metrics.MergeCreated)
			continue
		}

		if e.kind != es.Type {
			m.logger.Warn("crdt kind mismatch in sync", "id", id, "local", e.kind, "remote", es.Type, "sender", in.sender)
			metrics.RecordCRDTMerge(string(es.Type), metrics.MergeFailed)
			continue
		}
		didChange, err := e.data.MergeState(es.State)
		if err != nil {
			m.logger.Warn("bad crdt state in sync", "id", id, "sender", in.sender, "error", err)
			metrics.RecordCRDTMerge(string(es.Type), metrics.MergeFailed)
			continue
		}
		e.clock.Merge(es.VectorClock)
		if didChange {
			e.lastModified = now
			changed[id] = struct{}{}
			metrics.RecordCRDTMerge(string(es.Type), metrics.MergeChanged)
		} else {
			metrics.RecordCRDTMerge(string(es.Type), metrics.MergeUnchanged)
		}
	}
	return changed
}

// QueueLen reports how many payloads are waiting.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Subscribe registers fn for change notifications and returns a cancel func.
func (m *Manager) Subscribe(fn func(ChangeSet)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) notify(cs ChangeSet) {
	m.subMu.Lock()
	fns := make([]func(ChangeSet), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(cs)
	}
}

// writeTime keeps local writes strictly after the write they replace.
func writeTime(now, prev time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
