package highway

import (
	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tos-network/go-highway/consensus"
	"github.com/tos-network/go-highway/params"
)

// requestCacheSize bounds the dependency-request dedup cache. Old
// entries fall out, which at worst causes one redundant request.
const requestCacheSize = 4096

// pendingVertex is a pre-validated vertex queued for addition,
// together with its sender and the time it arrived.
type pendingVertex struct {
	sender   consensus.NodeID
	pvv      *PreValidatedVertex
	received params.Timestamp
}

// Synchronizer is the vertex-dependency queue: it holds pre-validated
// but not-yet-addable vertices, tracks which of them wait for which
// dependency, defers future-dated vertices, and hands out the next
// addable vertex.
type Synchronizer struct {
	logger  log.Logger
	timeout params.TimeDiff

	// toAdd is the queue of vertices whose dependencies were satisfied
	// when last checked; they are consumed by PopVertexToAdd.
	toAdd []*pendingVertex

	// awaiting maps a missing dependency to the vertices waiting on it.
	awaiting map[Dependency][]*pendingVertex

	// future holds vertices with timestamps ahead of local time, keyed
	// by their timestamp.
	future map[params.Timestamp][]*pendingVertex

	// requested remembers dependencies we already asked peers for, so
	// repeat arrivals don't trigger duplicate requests.
	requested *lru.Cache
}

// NewSynchronizer creates an empty synchronizer with the given pending
// vertex timeout.
func NewSynchronizer(timeout params.TimeDiff) *Synchronizer {
	requested, err := lru.New(requestCacheSize)
	if err != nil {
		panic(err) // only fails for non-positive size
	}
	return &Synchronizer{
		logger:    log.New("module", "highway/synchronizer"),
		timeout:   timeout,
		awaiting:  make(map[Dependency][]*pendingVertex),
		future:    make(map[params.Timestamp][]*pendingVertex),
		requested: requested,
	}
}

// PendingVertexTimeout returns the configured queue timeout.
func (sy *Synchronizer) PendingVertexTimeout() params.TimeDiff { return sy.timeout }

// IsEmpty reports whether no vertices are queued anywhere.
func (sy *Synchronizer) IsEmpty() bool {
	return len(sy.toAdd) == 0 && len(sy.awaiting) == 0 && len(sy.future) == 0
}

// IsDependency reports whether some queued vertex waits on the given
// id.
func (sy *Synchronizer) IsDependency(dep Dependency) bool {
	_, ok := sy.awaiting[dep]
	return ok
}

// ScheduleAddVertex enqueues a vertex for addition and returns the
// action outcome that makes the driver call back into addVertex via
// HandleAction.
func (sy *Synchronizer) ScheduleAddVertex(sender consensus.NodeID, pvv *PreValidatedVertex, now params.Timestamp) []consensus.ProtocolOutcome {
	sy.toAdd = append(sy.toAdd, &pendingVertex{sender: sender, pvv: pvv, received: now})
	return []consensus.ProtocolOutcome{consensus.ActionOutcome(actionIDVertex)}
}

// PopVertexToAdd returns the next vertex whose dependencies are all in
// the state. Vertices with missing dependencies are parked and a
// request for the dependency is emitted, deduplicated across calls.
func (sy *Synchronizer) PopVertexToAdd(s *State) (*pendingVertex, []consensus.ProtocolOutcome) {
	var outcomes []consensus.ProtocolOutcome
	for len(sy.toAdd) > 0 {
		pv := sy.toAdd[0]
		sy.toAdd = sy.toAdd[1:]

		dep := s.MissingDependency(pv.pvv.Inner())
		if dep == nil {
			return pv, outcomes
		}
		sy.awaiting[*dep] = append(sy.awaiting[*dep], pv)
		if sy.requested.Contains(*dep) {
			continue
		}
		sy.requested.Add(*dep, struct{}{})
		outcomes = append(outcomes, consensus.GossipOutcome(
			(&Message{Kind: MsgRequestDependency, Dependency: dep}).Encode()))
	}
	return nil, outcomes
}

// StoreVertexForAdditionLater parks a future-dated vertex until its
// timestamp elapses.
func (sy *Synchronizer) StoreVertexForAdditionLater(timestamp, now params.Timestamp, sender consensus.NodeID, pvv *PreValidatedVertex) {
	sy.future[timestamp] = append(sy.future[timestamp],
		&pendingVertex{sender: sender, pvv: pvv, received: now})
}

// AddPastDueStoredVertices releases all deferred vertices whose
// timestamp is due and schedules their addition.
func (sy *Synchronizer) AddPastDueStoredVertices(now params.Timestamp) []consensus.ProtocolOutcome {
	var outcomes []consensus.ProtocolOutcome
	for ts, pvs := range sy.future {
		if ts > now {
			continue
		}
		delete(sy.future, ts)
		for _, pv := range pvs {
			outcomes = append(outcomes, sy.ScheduleAddVertex(pv.sender, pv.pvv, now)...)
		}
	}
	return outcomes
}

// RemoveSatisfiedDeps moves every vertex whose awaited dependency is
// now in the state back into the addition queue.
func (sy *Synchronizer) RemoveSatisfiedDeps(s *State) []consensus.ProtocolOutcome {
	var outcomes []consensus.ProtocolOutcome
	for dep, pvs := range sy.awaiting {
		if !s.HasDependency(dep) {
			continue
		}
		delete(sy.awaiting, dep)
		sy.requested.Remove(dep)
		for _, pv := range pvs {
			sy.toAdd = append(sy.toAdd, pv)
			outcomes = append(outcomes, consensus.ActionOutcome(actionIDVertex))
		}
	}
	return outcomes
}

// DropDependentVertices transitively discards every queued vertex that
// depends on any of the given ids, and returns the set of peers that
// sent the dropped vertices.
func (sy *Synchronizer) DropDependentVertices(ids []Dependency) mapset.Set {
	senders := mapset.NewSet()
	frontier := ids
	for len(frontier) > 0 {
		var next []Dependency
		for _, dep := range frontier {
			pvs, ok := sy.awaiting[dep]
			if !ok {
				continue
			}
			delete(sy.awaiting, dep)
			sy.requested.Remove(dep)
			for _, pv := range pvs {
				senders.Add(pv.sender)
				next = append(next, pv.pvv.Inner().ID())
			}
		}
		frontier = next
	}
	if senders.Cardinality() > 0 {
		sy.logger.Info("dropped vertices with invalid dependencies", "senders", senders.Cardinality())
	}
	return senders
}

// PurgeVertices drops every queued vertex older than the pending
// vertex timeout.
func (sy *Synchronizer) PurgeVertices(now params.Timestamp) {
	cutoff := params.Timestamp(0)
	if uint64(now) > sy.timeout.Millis() {
		cutoff = now - params.Timestamp(sy.timeout)
	}
	purged := 0

	kept := sy.toAdd[:0]
	for _, pv := range sy.toAdd {
		if pv.received >= cutoff {
			kept = append(kept, pv)
		} else {
			purged++
		}
	}
	sy.toAdd = kept

	for dep, pvs := range sy.awaiting {
		keep := pvs[:0]
		for _, pv := range pvs {
			if pv.received >= cutoff {
				keep = append(keep, pv)
			} else {
				purged++
			}
		}
		if len(keep) == 0 {
			delete(sy.awaiting, dep)
			sy.requested.Remove(dep)
		} else {
			sy.awaiting[dep] = keep
		}
	}

	for ts, pvs := range sy.future {
		keep := pvs[:0]
		for _, pv := range pvs {
			if pv.received >= cutoff {
				keep = append(keep, pv)
			} else {
				purged++
			}
		}
		if len(keep) == 0 {
			delete(sy.future, ts)
		} else {
			sy.future[ts] = keep
		}
	}

	if purged > 0 {
		sy.logger.Debug("purged expired pending vertices", "count", purged)
		synchronizerPurgedMeter.Mark(int64(purged))
	}
}

// RetainEvidenceOnly drops every queued vertex that is not evidence.
func (sy *Synchronizer) RetainEvidenceOnly() {
	kept := sy.toAdd[:0]
	for _, pv := range sy.toAdd {
		if pv.pvv.Inner().IsEvidence() {
			kept = append(kept, pv)
		}
	}
	sy.toAdd = kept

	for dep, pvs := range sy.awaiting {
		keep := pvs[:0]
		for _, pv := range pvs {
			if pv.pvv.Inner().IsEvidence() {
				keep = append(keep, pv)
			}
		}
		if len(keep) == 0 {
			delete(sy.awaiting, dep)
			sy.requested.Remove(dep)
		} else {
			sy.awaiting[dep] = keep
		}
	}

	for ts, pvs := range sy.future {
		keep := pvs[:0]
		for _, pv := range pvs {
			if pv.pvv.Inner().IsEvidence() {
				keep = append(keep, pv)
			}
		}
		if len(keep) == 0 {
			delete(sy.future, ts)
		} else {
			sy.future[ts] = keep
		}
	}
}
