package highway

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tos-network/go-highway/consensus"
	"github.com/tos-network/go-highway/core/types"
	"github.com/tos-network/go-highway/params"
)

func testHighwayConfig() *params.HighwayConfig {
	return &params.HighwayConfig{
		MinRoundExponent:         10,
		MaxRoundExponent:         19,
		FinalityThresholdNum:     1,
		FinalityThresholdDen:     3,
		ReducedRewardNum:         1,
		ReducedRewardDen:         5,
		PendingVertexTimeout:     params.TimeDiff(10 * 60 * 1000),
		StandstillTimeout:        params.TimeDiff(60 * 1000),
		LogParticipationInterval: params.TimeDiff(60 * 1000),
		MinimumEraHeight:         5,
		EraDuration:              params.TimeDiff(2 * 60 * 60 * 1000),
	}
}

func newTestProtocol(t *testing.T, stakes ...uint64) (*Protocol, []consensus.ProtocolOutcome) {
	t.Helper()
	p, outcomes, err := NewProtocol(common.Hash{0xee}, stakeMap(stakes...), nil,
		testHighwayConfig(), nil, eraStart, 42, nil, eraStart)
	if err != nil {
		t.Fatalf("protocol construction failed: %v", err)
	}
	return p, outcomes
}

// drain runs every scheduled action until none remain, collecting all
// outcomes.
func drain(p *Protocol, outcomes []consensus.ProtocolOutcome, now params.Timestamp) []consensus.ProtocolOutcome {
	for i := 0; i < len(outcomes); i++ {
		if outcomes[i].Kind == consensus.OutcomeScheduleAction {
			outcomes = append(outcomes, p.HandleAction(outcomes[i].ActionID, now)...)
		}
	}
	return outcomes
}

func deliver(p *Protocol, sender consensus.NodeID, v *Vertex, now params.Timestamp) []consensus.ProtocolOutcome {
	msg := &Message{Kind: MsgNewVertex, Vertex: v}
	return drain(p, p.HandleMessage(sender, msg.Encode(), now), now)
}

// protoUnit builds a wire unit for the protocol under test.
func protoUnit(p *Protocol, creator int, seq uint64, ts params.Timestamp, pan Panorama, value *types.ProtoBlock) *WireUnit {
	if pan == nil {
		pan = NewPanorama(p.hw.Validators().Len())
	}
	return &WireUnit{
		InstanceID: p.InstanceID(),
		Creator:    consensus.ValidatorIndex(creator),
		SeqNumber:  seq,
		RoundExp:   10,
		Timestamp:  ts,
		Panorama:   pan,
		Value:      value,
		Signature:  []byte{0x01},
	}
}

// leaderRound finds a round whose leader is the given index.
func leaderRound(p *Protocol, idx consensus.ValidatorIndex) params.Timestamp {
	length := params.TimeDiff(uint64(1) << 10)
	for k := uint64(0); k < 10_000; k++ {
		rid := eraStart.Add(params.TimeDiff(k * length.Millis()))
		if p.hw.Leader(rid) == idx {
			return rid
		}
	}
	panic("no round led by the validator")
}

func TestProtocolInitialization(t *testing.T) {
	p, outcomes := newTestProtocol(t, 40, 30, 30)
	if got := countKind(outcomes, consensus.OutcomeScheduleTimer); got != 3 {
		t.Fatalf("expected three periodic timers, have %d", got)
	}
	if got := countKind(outcomes, consensus.OutcomeGossip); got != 1 {
		t.Fatalf("expected one startup gossip, have %d", got)
	}
	// The startup gossip is a LatestStateRequest with an empty panorama.
	for _, o := range outcomes {
		if o.Kind != consensus.OutcomeGossip {
			continue
		}
		msg, err := DecodeMessage(o.Payload)
		if err != nil {
			t.Fatalf("startup gossip undecodable: %v", err)
		}
		if msg.Kind != MsgLatestStateRequest {
			t.Fatalf("unexpected startup message kind: %d", msg.Kind)
		}
		for _, obs := range msg.Panorama {
			if !obs.IsNone() {
				t.Fatalf("startup panorama not empty")
			}
		}
	}
	if p.HasReceivedMessages() {
		t.Fatalf("fresh protocol claims to have state")
	}
}

func TestNewVertexAdded(t *testing.T) {
	p, _ := newTestProtocol(t, 40, 30, 30)
	now := eraStart + 100
	u := protoUnit(p, 0, 0, eraStart+1, nil, nil)

	deliver(p, "peer-a", UnitVertex(u), now)
	if !p.hw.State().HasUnit(u.Hash()) {
		t.Fatalf("unit not added to state")
	}

	// Re-delivery is a no-op.
	if outcomes := deliver(p, "peer-a", UnitVertex(u), now); len(outcomes) != 0 {
		t.Fatalf("duplicate vertex produced outcomes: %v", outcomes)
	}
}

func TestFutureTimestampBoundary(t *testing.T) {
	p, _ := newTestProtocol(t, 40, 30, 30)
	now := eraStart + 100
	timeout := p.synchronizer.PendingVertexTimeout()

	// Exactly at the boundary: stored for later, release timer set.
	atBoundary := protoUnit(p, 0, 0, now.Add(timeout), nil, nil)
	outcomes := deliver(p, "peer-a", UnitVertex(atBoundary), now)
	foundTimer := false
	for _, o := range outcomes {
		if o.Kind == consensus.OutcomeScheduleTimer && o.TimerID == timerIDFutureVertex {
			foundTimer = true
			if o.Timestamp != atBoundary.Timestamp {
				t.Fatalf("release timer at %v, want %v", o.Timestamp, atBoundary.Timestamp)
			}
		}
	}
	if !foundTimer {
		t.Fatalf("boundary vertex not stored for later: %v", outcomes)
	}

	// Strictly beyond: dropped.
	beyond := protoUnit(p, 1, 0, now.Add(timeout)+1, nil, nil)
	if outcomes := deliver(p, "peer-a", UnitVertex(beyond), now); len(outcomes) != 0 {
		t.Fatalf("vertex beyond the timeout window produced outcomes")
	}
	if p.hw.State().HasUnit(beyond.Hash()) {
		t.Fatalf("far-future vertex entered the state")
	}

	// The release timer fires and the stored vertex lands.
	release := atBoundary.Timestamp
	outcomes = drain(p, p.HandleTimer(release, timerIDFutureVertex), release)
	if !p.hw.State().HasUnit(atBoundary.Hash()) {
		t.Fatalf("stored vertex not added after its timestamp")
	}
	_ = outcomes
}

func TestEquivocationDetection(t *testing.T) {
	// The equivocator's weight (30) stays below FTT (33): the era
	// survives the fault.
	p, _ := newTestProtocol(t, 30, 35, 35)
	now := eraStart + 100

	u1 := protoUnit(p, 0, 0, eraStart+1, nil, nil)
	u2 := protoUnit(p, 0, 0, eraStart+2, nil, nil)

	deliver(p, "peer-a", UnitVertex(u1), now)
	outcomes := deliver(p, "peer-b", UnitVertex(u2), now)

	if got := countKind(outcomes, consensus.OutcomeNewEvidence); got != 1 {
		t.Fatalf("expected NewEvidence, have %d", got)
	}
	if !p.hw.State().IsFaulty(0) {
		t.Fatalf("equivocator not marked faulty")
	}
	if !p.HasEvidence(addr(1)) {
		t.Fatalf("evidence not retrievable by validator id")
	}

	// Later units from the equivocator are dropped silently.
	pan := NewPanorama(3)
	pan[0] = Observation{Kind: ObsCorrect, Hash: u1.Hash()}
	u3 := protoUnit(p, 0, 1, eraStart+3, pan, nil)
	if outcomes := deliver(p, "peer-a", UnitVertex(u3), now); len(outcomes) != 0 {
		t.Fatalf("unit from faulty validator produced outcomes: %v", outcomes)
	}
}

func TestFttExceeded(t *testing.T) {
	p, _ := newTestProtocol(t, 34, 33, 33)
	now := eraStart + 100

	// The weight-34 validator equivocates; FTT is floor(100/3) = 33.
	u1 := protoUnit(p, 0, 0, eraStart+1, nil, nil)
	u2 := protoUnit(p, 0, 0, eraStart+2, nil, nil)
	deliver(p, "peer-a", UnitVertex(u1), now)
	outcomes := deliver(p, "peer-b", UnitVertex(u2), now)

	if got := countKind(outcomes, consensus.OutcomeFttExceeded); got == 0 {
		t.Fatalf("expected FttExceeded outcome")
	}
	if got := countKind(outcomes, consensus.OutcomeFinalizedBlock); got != 0 {
		t.Fatalf("finalized blocks emitted in a dead era")
	}

	// No finality ever again: another proposal changes nothing.
	value := types.NewProtoBlock(nil, nil, eraStart+1024, false)
	rid := leaderRound(p, 1)
	proposal := protoUnit(p, 1, 0, rid, nil, value)
	later := deliver(p, "peer-a", UnitVertex(proposal), rid+1)
	if got := countKind(later, consensus.OutcomeFinalizedBlock); got != 0 {
		t.Fatalf("finalized block after FTT exceeded")
	}
}

func TestFinalizationFlow(t *testing.T) {
	p, _ := newTestProtocol(t, 40, 30, 30)

	// An empty proposal needs no external validation.
	rid := leaderRound(p, 0)
	value := types.NewProtoBlock(nil, nil, rid, true)
	proposal := protoUnit(p, 0, 0, rid, nil, value)
	now := rid + 10

	outcomes := deliver(p, "peer-a", UnitVertex(proposal), now)
	if got := countKind(outcomes, consensus.OutcomeFinalizedBlock); got != 0 {
		t.Fatalf("proposal finalized without confirmations")
	}

	pan := NewPanorama(3)
	pan[0] = Observation{Kind: ObsCorrect, Hash: proposal.Hash()}
	confirm := protoUnit(p, 1, 0, rid+5, pan, nil)
	outcomes = deliver(p, "peer-b", UnitVertex(confirm), now)

	if got := countKind(outcomes, consensus.OutcomeFinalizedBlock); got != 1 {
		t.Fatalf("expected one finalized block, have %d", got)
	}
	for _, o := range outcomes {
		if o.Kind == consensus.OutcomeFinalizedBlock && o.Value.Hash() != value.Hash() {
			t.Fatalf("wrong value finalized")
		}
	}
}

func TestValidateConsensusValue(t *testing.T) {
	p, _ := newTestProtocol(t, 40, 30, 30)

	rid := leaderRound(p, 0)
	// A proposal carrying deploys needs validation before addition.
	value := types.NewProtoBlock(nil, []common.Hash{{0x42}}, rid, false)
	proposal := protoUnit(p, 0, 0, rid, nil, value)
	now := rid + 10

	outcomes := deliver(p, "peer-a", UnitVertex(proposal), now)
	if got := countKind(outcomes, consensus.OutcomeValidateConsensusValue); got != 1 {
		t.Fatalf("expected a validation request, have %d", got)
	}
	if p.hw.State().HasUnit(proposal.Hash()) {
		t.Fatalf("unvalidated proposal entered the state")
	}

	resolved := drain(p, p.ResolveValidity(value, true, now), now)
	if !p.hw.State().HasUnit(proposal.Hash()) {
		t.Fatalf("validated proposal not added")
	}
	_ = resolved
}

func TestResolveValidityInvalid(t *testing.T) {
	p, _ := newTestProtocol(t, 40, 30, 30)

	rid := leaderRound(p, 0)
	value := types.NewProtoBlock(nil, []common.Hash{{0x42}}, rid, false)
	proposal := protoUnit(p, 0, 0, rid, nil, value)
	now := rid + 10

	deliver(p, "peer-a", UnitVertex(proposal), now)
	outcomes := drain(p, p.ResolveValidity(value, false, now), now)

	if p.hw.State().HasUnit(proposal.Hash()) {
		t.Fatalf("invalid proposal entered the state")
	}
	// Validity failures do not disconnect anyone.
	if got := countKind(outcomes, consensus.OutcomeDisconnect); got != 0 {
		t.Fatalf("disconnect on invalid value")
	}
}

func TestInvalidVertexHandling(t *testing.T) {
	p, _ := newTestProtocol(t, 40, 30, 30)
	now := eraStart + 100

	// Wrong panorama length fails pre-validation.
	bad := protoUnit(p, 0, 0, eraStart+1, NewPanorama(1), nil)
	outcomes := deliver(p, "peer-a", UnitVertex(bad), now)
	if got := countKind(outcomes, consensus.OutcomeInvalidIncomingMessage); got != 1 {
		t.Fatalf("expected InvalidIncomingMessage, have %d", got)
	}

	// A sequence number with no predecessor passes pre-validation but
	// fails full validation; the sender is disconnected.
	skipped := protoUnit(p, 1, 5, eraStart+1, nil, nil)
	outcomes = deliver(p, "peer-b", UnitVertex(skipped), now)
	if got := countKind(outcomes, consensus.OutcomeInvalidIncomingMessage); got != 1 {
		t.Fatalf("expected InvalidIncomingMessage for invalid vertex, have %d", got)
	}
	if got := countKind(outcomes, consensus.OutcomeDisconnect); got != 1 {
		t.Fatalf("expected Disconnect for invalid vertex, have %d", got)
	}
}

func TestRequestDependencyHandling(t *testing.T) {
	p, _ := newTestProtocol(t, 40, 30, 30)
	now := eraStart + 100
	u := protoUnit(p, 0, 0, eraStart+1, nil, nil)
	deliver(p, "peer-a", UnitVertex(u), now)

	// Known unit: answered with a targeted NewVertex.
	req := &Message{Kind: MsgRequestDependency,
		Dependency: &Dependency{Kind: DepUnit, Hash: u.Hash()}}
	outcomes := p.HandleMessage("peer-b", req.Encode(), now)
	if got := countKind(outcomes, consensus.OutcomeTargetedMessage); got != 1 {
		t.Fatalf("expected targeted reply, have %d", got)
	}

	// Unknown unit: ignored.
	req = &Message{Kind: MsgRequestDependency,
		Dependency: &Dependency{Kind: DepUnit, Hash: common.Hash{0xff}}}
	if outcomes := p.HandleMessage("peer-b", req.Encode(), now); len(outcomes) != 0 {
		t.Fatalf("unknown dependency produced outcomes")
	}

	// Evidence request after an equivocation: answered via SendEvidence.
	u2 := protoUnit(p, 0, 0, eraStart+2, nil, nil)
	deliver(p, "peer-a", UnitVertex(u2), now)
	req = &Message{Kind: MsgRequestDependency,
		Dependency: &Dependency{Kind: DepEvidence, Validator: 0}}
	outcomes = p.HandleMessage("peer-b", req.Encode(), now)
	if got := countKind(outcomes, consensus.OutcomeSendEvidence); got != 1 {
		t.Fatalf("expected SendEvidence, have %d", got)
	}
}

func TestLatestStateRequestExchange(t *testing.T) {
	p, _ := newTestProtocol(t, 40, 30, 30)
	now := eraStart + 100
	u := protoUnit(p, 0, 0, eraStart+1, nil, nil)
	deliver(p, "peer-a", UnitVertex(u), now)

	// The peer knows nothing: we send them our unit.
	req := &Message{Kind: MsgLatestStateRequest, Panorama: NewPanorama(3)}
	outcomes := p.HandleMessage("peer-b", req.Encode(), now)
	if got := countKind(outcomes, consensus.OutcomeTargetedMessage); got != 1 {
		t.Fatalf("expected one targeted message, have %d", got)
	}

	// The peer knows a unit we lack: we request it.
	theirs := NewPanorama(3)
	theirs[0] = Observation{Kind: ObsCorrect, Hash: u.Hash()} // same as ours
	theirs[1] = Observation{Kind: ObsCorrect, Hash: common.Hash{0x99}}
	req = &Message{Kind: MsgLatestStateRequest, Panorama: theirs}
	outcomes = p.HandleMessage("peer-b", req.Encode(), now)
	foundRequest := false
	for _, o := range outcomes {
		if o.Kind != consensus.OutcomeTargetedMessage {
			continue
		}
		msg, err := DecodeMessage(o.Payload)
		if err != nil {
			t.Fatalf("undecodable reply: %v", err)
		}
		if msg.Kind == MsgRequestDependency && msg.Dependency.Hash == (common.Hash{0x99}) {
			foundRequest = true
		}
	}
	if !foundRequest {
		t.Fatalf("missing unit not requested from the peer")
	}
}

func TestStandstillAlert(t *testing.T) {
	p, _ := newTestProtocol(t, 40, 30, 30)
	now := eraStart.Add(p.standstillTimeout)

	// No progress since construction: alert.
	outcomes := p.HandleTimer(now, timerIDStandstillAlert)
	if got := countKind(outcomes, consensus.OutcomeStandstillAlert); got != 1 {
		t.Fatalf("expected standstill alert, have %d", got)
	}

	// Progress happened: the check reschedules instead.
	u := protoUnit(p, 0, 0, eraStart+1, nil, nil)
	deliver(p, "peer-a", UnitVertex(u), now)
	outcomes = p.HandleTimer(now.Add(p.standstillTimeout), timerIDStandstillAlert)
	if got := countKind(outcomes, consensus.OutcomeStandstillAlert); got != 0 {
		t.Fatalf("alert despite progress")
	}
	if got := countKind(outcomes, consensus.OutcomeScheduleTimer); got != 1 {
		t.Fatalf("standstill check not rescheduled")
	}
}

type testSigner struct{}

func (testSigner) Sign(digest common.Hash) ([]byte, error) {
	return append([]byte{0x51}, digest[:4]...), nil
}

func TestDoppelgangerDetection(t *testing.T) {
	p, _ := newTestProtocol(t, 40, 30, 30)
	now := eraStart + 100

	drain(p, p.ActivateValidator(addr(1), testSigner{}, now, ""), now)
	if !p.IsActive() {
		t.Fatalf("validator not active")
	}

	// A unit with our index that we did not create.
	u := protoUnit(p, 0, 0, eraStart+1, nil, nil)
	outcomes := deliver(p, "peer-a", UnitVertex(u), now)

	if got := countKind(outcomes, consensus.OutcomeDoppelgangerDetected); got != 1 {
		t.Fatalf("expected doppelganger alert, have %d", got)
	}
	if p.IsActive() {
		t.Fatalf("validator still active after doppelganger")
	}
	// The vertex itself is still processed.
	if !p.hw.State().HasUnit(u.Hash()) {
		t.Fatalf("doppelganger vertex not added to state")
	}
}

func TestActiveValidatorProposes(t *testing.T) {
	// Pin the round exponent so the meter cannot shift the schedule
	// mid-test.
	cfg := testHighwayConfig()
	cfg.MaxRoundExponent = 10
	p, _, err := NewProtocol(common.Hash{0xee}, stakeMap(40, 30, 30), nil,
		cfg, nil, eraStart, 42, nil, eraStart)
	if err != nil {
		t.Fatalf("protocol construction failed: %v", err)
	}
	ourIdx, _ := p.hw.Validators().Index(addr(1))
	rid := leaderRound(p, ourIdx)

	drain(p, p.ActivateValidator(addr(1), testSigner{}, rid-2048, ""), rid-2048)

	outcomes := drain(p, p.HandleTimer(rid, timerIDActiveValidator), rid)
	if got := countKind(outcomes, consensus.OutcomeCreateNewBlock); got != 1 {
		t.Fatalf("leader did not request a block, have %d", got)
	}

	value := types.NewProtoBlock(nil, nil, rid, false)
	outcomes = drain(p, p.Propose(value, consensus.BlockContext{Timestamp: rid}, rid), rid)
	if got := countKind(outcomes, consensus.OutcomeGossip); got != 1 {
		t.Fatalf("proposal not gossiped, have %d", got)
	}
	own := p.hw.LatestOwnUnit()
	if own == nil || !own.IsProposal() {
		t.Fatalf("own proposal unit missing from state")
	}
	if exp, ok := p.OurRoundExp(); !ok || exp != 10 {
		t.Fatalf("unexpected own round exponent: %d ok=%v", exp, ok)
	}

	// At witness time a witness unit follows.
	witness := rid.Add(params.TimeDiff(uint64(1)<<10) * 2 / 3)
	outcomes = drain(p, p.HandleTimer(witness, timerIDActiveValidator), witness)
	if got := countKind(outcomes, consensus.OutcomeGossip); got != 1 {
		t.Fatalf("witness unit not gossiped, have %d", got)
	}
	own = p.hw.LatestOwnUnit()
	if own == nil || own.SeqNumber != 1 {
		t.Fatalf("witness unit not created: %+v", own)
	}
}

func TestSetEvidenceOnly(t *testing.T) {
	p, _ := newTestProtocol(t, 40, 30, 30)
	now := eraStart + 100

	u := protoUnit(p, 0, 0, eraStart+1, nil, nil)
	deliver(p, "peer-a", UnitVertex(u), now)
	p.SetEvidenceOnly()

	// Regular vertices are now ignored.
	u2 := protoUnit(p, 1, 0, eraStart+2, nil, nil)
	if outcomes := deliver(p, "peer-a", UnitVertex(u2), now); len(outcomes) != 0 {
		t.Fatalf("non-evidence vertex processed in evidence-only mode")
	}

	// Evidence is still accepted.
	e1 := protoUnit(p, 2, 0, eraStart+3, nil, nil)
	e2 := protoUnit(p, 2, 0, eraStart+4, nil, nil)
	ev := &Evidence{Kind: EvidenceEquivocation, Unit1: e1, Unit2: e2}
	outcomes := deliver(p, "peer-a", EvidenceVertex(ev), now)
	if got := countKind(outcomes, consensus.OutcomeNewEvidence); got != 1 {
		t.Fatalf("evidence not processed in evidence-only mode, have %d", got)
	}
}

func TestHandleNewPeer(t *testing.T) {
	p, _ := newTestProtocol(t, 40, 30, 30)
	outcomes := p.HandleNewPeer("peer-z")
	if got := countKind(outcomes, consensus.OutcomeTargetedMessage); got != 1 {
		t.Fatalf("expected targeted state request, have %d", got)
	}
	msg, err := DecodeMessage(outcomes[0].Payload)
	if err != nil || msg.Kind != MsgLatestStateRequest {
		t.Fatalf("unexpected greeting: kind=%v err=%v", msg.Kind, err)
	}
}
