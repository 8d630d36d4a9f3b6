package state

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ElisAS4/neonet-sub000/pkg/crdt"
	"github.com/ElisAS4/neonet-sub000/pkg/metrics"
	"github.com/ElisAS4/neonet-sub000/pkg/tracing"
	"github.com/ElisAS4/neonet-sub000/pkg/wire"
)

// GenerateSyncData returns every retained event with index >= from, all
// snapshots and the current event index.
func (m *Manager) GenerateSyncData(from uint64) SyncData {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]Event, 0)
	for _, ev := range m.log {
		if ev.Index >= from {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Index < events[j].Index })

	return SyncData{
		NodeID:            m.cfg.NodeID,
		VectorClock:       m.vc.Clone(),
		Events:            cloneEvents(events),
		Snapshots:         cloneSnapshots(m.snapshots),
		CurrentEventIndex: m.lastIndex,
	}
}

// EncodeSyncData returns the wire form of GenerateSyncData(from).
func (m *Manager) EncodeSyncData(from uint64) ([]byte, uint64, error) {
	data := m.GenerateSyncData(from)
	raw, err := wire.Encode(data, m.cfg.CompressThreshold)
	return raw, data.CurrentEventIndex, err
}

// HandleIncomingSync decodes a wire payload and applies it.
func (m *Manager) HandleIncomingSync(sender string, raw []byte) (int, error) {
	var data SyncData
	if err := wire.Decode(raw, &data); err != nil {
		m.logger.Warn("discard state sync", "sender", sender, "error", err)
		return 0, fmt.Errorf("%w: %v", ErrSyncDecode, err)
	}
	return m.ProcessSyncData(data), nil
}

// ProcessSyncData merges remote sync data and returns the number of events
// inserted into the local log.
func (m *Manager) ProcessSyncData(data SyncData) int {
	start := time.Now()
	_, span := otel.Tracer(tracing.TracerState).Start(context.Background(), tracing.SpanStateSync)
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.vc.Merge(data.VectorClock)

	for _, snap := range data.Snapshots {
		m.installSnapshotLocked(snap)
	}

	touched := make(map[string]struct{})
	inserted := 0
	for _, ev := range data.Events {
		if ev.ID == "" {
			continue
		}
		if _, ok := m.seen[ev.ID]; ok {
			continue
		}
		ev.VectorClock = ev.VectorClock.Clone()
		ev.Data.Value = bytes.Clone(ev.Data.Value)
		m.insertLocked(ev)
		metrics.RecordStateEvent(string(ev.Type), metrics.OriginRemote)
		touched[ev.StateID] = struct{}{}
		inserted++
	}

	for id := range touched {
		m.rebuildLocked(id)
	}
	if len(m.log) > m.cfg.MaxEventLogSize {
		m.compactLocked()
	}

	span.SetAttributes(
		attribute.String("sync.sender", data.NodeID),
		attribute.Int("sync.events", len(data.Events)),
		attribute.Int("sync.inserted", inserted),
	)
	m.logger.Debug("state sync applied",
		"sender", data.NodeID,
		"inserted", inserted,
		"touched", len(touched),
		"took", time.Since(start),
	)
	return inserted
}

// installSnapshotLocked keeps a remote snapshot that is further along than the
// local one or carries a newer last-writer-wins value. Event indexes are
// per node, so a newer value is installed whatever its index. The stored
// value is the winner of both so a later rebuild cannot regress.
func (m *Manager) installSnapshotLocked(remote Snapshot) {
	if remote.StateID == "" {
		return
	}
	local, ok := m.snapshots[remote.StateID]
	newer := !ok || crdt.Newer(remote.LastModified, remote.LastModifiedBy, local.LastModified, local.LastModifiedBy)
	if ok && !newer && remote.EventIndex <= local.EventIndex {
		return
	}

	merged := remote
	merged.Value = bytes.Clone(remote.Value)
	if ok {
		if !newer {
			merged = local
			merged.Timestamp = remote.Timestamp
		}
		merged.EventIndex = max(local.EventIndex, remote.EventIndex)
	}
	m.snapshots[remote.StateID] = merged
	metrics.IncStateSnapshotsInstalled()

	c, exists := m.states[remote.StateID]
	switch {
	case !exists:
		m.states[remote.StateID] = fromSnapshot(merged)
		m.markDirtyLocked(remote.StateID)
	case crdt.Newer(merged.LastModified, merged.LastModifiedBy, c.lastModified, c.lastModifiedBy):
		*c = *fromSnapshot(merged)
		m.markDirtyLocked(remote.StateID)
	}
}

// RebuildState replays the snapshot and every retained event for id and
// returns the resulting state.
func (m *Manager) RebuildState(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.rebuildLocked(id)
	if c == nil || c.deleted {
		return State{}, false
	}
	return c.view(), true
}

func (m *Manager) rebuildLocked(id string) *container {
	var c *container
	if snap, ok := m.snapshots[id]; ok {
		c = fromSnapshot(snap)
	} else {
		c = &container{id: id}
	}

	var events []Event
	for _, ev := range m.log {
		if ev.StateID == id {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Index < events[j].Index })

	applied := false
	for _, ev := range events {
		if c.apply(ev) {
			applied = true
		}
	}

	old := m.states[id]
	if old == nil && !applied && c.lastModified.IsZero() {
		return nil
	}
	if !c.sameAs(old) {
		m.markDirtyLocked(id)
	}
	m.states[id] = c
	return c
}

// snapshotAllLocked snapshots every container, tombstones included, at the
// current event index.
func (m *Manager) snapshotAllLocked() {
	now := m.cfg.Clock.Now()
	for id, c := range m.states {
		m.snapshots[id] = c.snapshot(m.lastIndex, now)
	}
}

// compactLocked snapshots every container and drops events already covered
// by every snapshot.
func (m *Manager) compactLocked() {
	_, span := otel.Tracer(tracing.TracerState).Start(context.Background(), tracing.SpanStateCompact)
	defer span.End()

	m.snapshotAllLocked()
	if len(m.snapshots) == 0 {
		return
	}
	floor := ^uint64(0)
	for _, s := range m.snapshots {
		floor = min(floor, s.EventIndex)
	}

	kept := m.log[:0:0]
	for _, ev := range m.log {
		if ev.Index > floor {
			kept = append(kept, ev)
		}
	}
	dropped := len(m.log) - len(kept)
	m.log = kept

	metrics.IncStateCompactions()
	metrics.SetStateEventLogSize(float64(len(m.log)))
	span.SetAttributes(attribute.Int("compact.dropped", dropped), attribute.Int64("compact.floor", int64(floor)))
	m.logger.Debug("event log compacted", "dropped", dropped, "retained", len(m.log), "floor", floor)
}

// Compact forces a compaction regardless of log size.
func (m *Manager) Compact() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compactLocked()
}
