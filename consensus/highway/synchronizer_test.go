package highway

import (
	"testing"

	"github.com/tos-network/go-highway/consensus"
	"github.com/tos-network/go-highway/params"
)

func countKind(outcomes []consensus.ProtocolOutcome, kind consensus.OutcomeKind) int {
	n := 0
	for _, o := range outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

func preValidated(v *Vertex) *PreValidatedVertex {
	return &PreValidatedVertex{vertex: v}
}

// unitChain builds a chain u0 <- u1 <- u2 from validator 0 without
// adding anything to the state.
func unitChain(s *State) []*WireUnit {
	u0 := stateUnit(s, 0, 0, eraStart+1, nil, nil)
	pan1 := NewPanorama(s.Validators().Len())
	pan1[0] = Observation{Kind: ObsCorrect, Hash: u0.Hash()}
	u1 := stateUnit(s, 0, 1, eraStart+2, pan1, nil)
	pan2 := NewPanorama(s.Validators().Len())
	pan2[0] = Observation{Kind: ObsCorrect, Hash: u1.Hash()}
	u2 := stateUnit(s, 0, 2, eraStart+3, pan2, nil)
	return []*WireUnit{u0, u1, u2}
}

func TestSynchronizerDependencyChain(t *testing.T) {
	s := newTestState(t, 10, 10)
	sy := NewSynchronizer(params.TimeDiff(60_000))
	chain := unitChain(s)
	now := eraStart + 10

	// Deliver in reverse order: u2, then u1.
	sy.ScheduleAddVertex("peer-a", preValidated(UnitVertex(chain[2])), now)
	pv, outcomes := sy.PopVertexToAdd(s)
	if pv != nil {
		t.Fatalf("u2 should not be addable yet")
	}
	if got := countKind(outcomes, consensus.OutcomeGossip); got != 1 {
		t.Fatalf("expected one dependency request, have %d", got)
	}

	sy.ScheduleAddVertex("peer-a", preValidated(UnitVertex(chain[1])), now)
	pv, outcomes = sy.PopVertexToAdd(s)
	if pv != nil {
		t.Fatalf("u1 should not be addable yet")
	}
	if got := countKind(outcomes, consensus.OutcomeGossip); got != 1 {
		t.Fatalf("expected one dependency request for u0, have %d", got)
	}

	// A repeat arrival of u2 must not trigger a duplicate request.
	sy.ScheduleAddVertex("peer-b", preValidated(UnitVertex(chain[2])), now)
	pv, outcomes = sy.PopVertexToAdd(s)
	if pv != nil {
		t.Fatalf("u2 still should not be addable")
	}
	if got := countKind(outcomes, consensus.OutcomeGossip); got != 0 {
		t.Fatalf("duplicate dependency request emitted")
	}

	// u0 arrives: it is addable immediately.
	sy.ScheduleAddVertex("peer-a", preValidated(UnitVertex(chain[0])), now)
	pv, _ = sy.PopVertexToAdd(s)
	if pv == nil {
		t.Fatalf("u0 should be addable")
	}
	addUnit(s, pv.pvv.Inner().Unit)

	// u1 unblocks, then u2.
	if got := countKind(sy.RemoveSatisfiedDeps(s), consensus.OutcomeScheduleAction); got != 1 {
		t.Fatalf("expected one unblocked vertex, have %d", got)
	}
	pv, _ = sy.PopVertexToAdd(s)
	if pv == nil || pv.pvv.Inner().Unit.SeqNumber != 1 {
		t.Fatalf("expected u1 next")
	}
	addUnit(s, pv.pvv.Inner().Unit)

	if got := countKind(sy.RemoveSatisfiedDeps(s), consensus.OutcomeScheduleAction); got != 2 {
		// Both queued copies of u2 unblock.
		t.Fatalf("expected two unblocked vertices, have %d", got)
	}
	pv, _ = sy.PopVertexToAdd(s)
	if pv == nil || pv.pvv.Inner().Unit.SeqNumber != 2 {
		t.Fatalf("expected u2 last")
	}
	if !sy.IsEmpty() {
		// The duplicate u2 is still queued.
		pv, _ = sy.PopVertexToAdd(s)
		if pv == nil {
			t.Fatalf("duplicate u2 lost")
		}
	}
	if !sy.IsEmpty() {
		t.Fatalf("synchronizer not drained")
	}
}

func TestSynchronizerDropDependents(t *testing.T) {
	s := newTestState(t, 10, 10)
	sy := NewSynchronizer(params.TimeDiff(60_000))
	chain := unitChain(s)
	now := eraStart + 10

	sy.ScheduleAddVertex("peer-a", preValidated(UnitVertex(chain[1])), now)
	sy.ScheduleAddVertex("peer-b", preValidated(UnitVertex(chain[2])), now)
	if pv, _ := sy.PopVertexToAdd(s); pv != nil {
		t.Fatalf("nothing should be addable")
	}

	// Dropping u0 must transitively discard u1 and u2 and report both
	// senders.
	senders := sy.DropDependentVertices([]Dependency{{Kind: DepUnit, Hash: chain[0].Hash()}})
	if senders.Cardinality() != 2 {
		t.Fatalf("expected both senders reported, have %d", senders.Cardinality())
	}
	if !senders.Contains(consensus.NodeID("peer-a")) || !senders.Contains(consensus.NodeID("peer-b")) {
		t.Fatalf("unexpected sender set: %v", senders)
	}
	if !sy.IsEmpty() {
		t.Fatalf("dependent vertices not dropped")
	}
}

func TestSynchronizerFutureVertices(t *testing.T) {
	s := newTestState(t, 10, 10)
	sy := NewSynchronizer(params.TimeDiff(60_000))
	u := stateUnit(s, 0, 0, eraStart+5000, nil, nil)
	now := eraStart + 10

	sy.StoreVertexForAdditionLater(u.Timestamp, now, "peer-a", preValidated(UnitVertex(u)))
	if outcomes := sy.AddPastDueStoredVertices(eraStart + 4999); len(outcomes) != 0 {
		t.Fatalf("vertex released before its timestamp")
	}
	outcomes := sy.AddPastDueStoredVertices(eraStart + 5000)
	if got := countKind(outcomes, consensus.OutcomeScheduleAction); got != 1 {
		t.Fatalf("expected one release, have %d", got)
	}
	if pv, _ := sy.PopVertexToAdd(s); pv == nil {
		t.Fatalf("released vertex not addable")
	}
}

func TestSynchronizerPurge(t *testing.T) {
	s := newTestState(t, 10, 10)
	timeout := params.TimeDiff(60_000)
	sy := NewSynchronizer(timeout)
	chain := unitChain(s)

	old := eraStart + 10
	sy.ScheduleAddVertex("peer-a", preValidated(UnitVertex(chain[1])), old)
	if pv, _ := sy.PopVertexToAdd(s); pv != nil {
		t.Fatalf("nothing should be addable")
	}

	// Not yet expired at exactly the timeout boundary.
	sy.PurgeVertices(old.Add(timeout))
	if sy.IsEmpty() {
		t.Fatalf("vertex purged at the boundary")
	}
	sy.PurgeVertices(old.Add(timeout) + 1)
	if !sy.IsEmpty() {
		t.Fatalf("expired vertex survived purge")
	}
}

func TestSynchronizerRetainEvidenceOnly(t *testing.T) {
	s := newTestState(t, 10, 10)
	sy := NewSynchronizer(params.TimeDiff(60_000))
	now := eraStart + 10

	u1 := stateUnit(s, 0, 0, eraStart+1, nil, nil)
	u2 := stateUnit(s, 0, 0, eraStart+2, nil, nil)
	ev := &Evidence{Kind: EvidenceEquivocation, Unit1: u1, Unit2: u2}

	sy.ScheduleAddVertex("peer-a", preValidated(UnitVertex(u1)), now)
	sy.ScheduleAddVertex("peer-b", preValidated(EvidenceVertex(ev)), now)
	sy.RetainEvidenceOnly()

	pv, _ := sy.PopVertexToAdd(s)
	if pv == nil || !pv.pvv.Inner().IsEvidence() {
		t.Fatalf("evidence not retained")
	}
	if pv, _ := sy.PopVertexToAdd(s); pv != nil {
		t.Fatalf("non-evidence vertex retained")
	}
}
