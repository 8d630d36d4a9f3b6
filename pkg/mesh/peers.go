package mesh

import (
	"slices"
	"sort"
	"time"

	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

// peerRecord is the mesh bookkeeping for one discovered node.
type peerRecord struct {
	info            types.PeerInfo
	failures        int
	transportErrors int
	lastAttempt     time.Time
	blockedUntil    time.Time
	priority        float64
}

func (r *peerRecord) blocked(now time.Time) bool {
	return !r.blockedUntil.IsZero() && now.Before(r.blockedUntil)
}

// score ranks a peer for connection: +10 for a preferred region, +5 per
// wanted capability, up to +10 for recency, -2 per failed attempt.
func score(info types.PeerInfo, failures int, cfg Config, now time.Time) float64 {
	var s float64
	if info.Metadata.Region != "" && slices.Contains(cfg.PreferredRegions, info.Metadata.Region) {
		s += 10
	}
	for _, c := range cfg.RequiredCapabilities {
		if info.Metadata.HasCapability(c) {
			s += 5
		}
	}
	if !info.LastSeen.IsZero() && cfg.StalePeerTimeout > 0 {
		age := now.Sub(info.LastSeen)
		if age < 0 {
			age = 0
		}
		if age < cfg.StalePeerTimeout {
			s += 10 * (1 - float64(age)/float64(cfg.StalePeerTimeout))
		}
	}
	return s - 2*float64(failures)
}

// byPriority orders records best first, falling back to node id.
func byPriority(recs []*peerRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].priority != recs[j].priority {
			return recs[i].priority > recs[j].priority
		}
		return recs[i].info.NodeID < recs[j].info.NodeID
	})
}
