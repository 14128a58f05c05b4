// Package highway implements the Highway consensus protocol: a
// byzantine-fault-tolerant engine ordering proposed blocks through a
// DAG of signed units, with finality decided by accumulated validator
// weight.
package highway

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tos-network/go-highway/consensus"
	"github.com/tos-network/go-highway/core/types"
	"github.com/tos-network/go-highway/params"
)

// Timers the driver schedules through outcomes.
const (
	// timerIDActiveValidator drives unit creation.
	timerIDActiveValidator consensus.TimerID = iota
	// timerIDFutureVertex releases vertices stored with a future
	// timestamp.
	timerIDFutureVertex
	// timerIDPurgeVertices periodically expires stale pending vertices.
	timerIDPurgeVertices
	// timerIDLogParticipation periodically logs inactive and faulty
	// validators.
	timerIDLogParticipation
	// timerIDStandstillAlert checks for protocol-state standstill.
	timerIDStandstillAlert
)

// actionIDVertex adds the next vertex from the synchronizer queue.
const actionIDVertex consensus.ActionID = 0

var _ consensus.Protocol = (*Protocol)(nil)

// Protocol is the Highway protocol driver: it consumes gossip
// messages, timers and action tokens, and produces the outcomes the
// reactor acts on. It implements consensus.Protocol.
type Protocol struct {
	logger log.Logger

	hw           *Highway
	finality     *FinalityDetector
	meter        *RoundSuccessMeter
	synchronizer *Synchronizer

	// pendingValues parks vertices whose consensus value awaits
	// external validation, keyed by value hash.
	pendingValues map[common.Hash][]*ValidVertex

	evidenceOnly bool

	// lastPanorama is the snapshot compared against on the standstill
	// timer.
	lastPanorama             Panorama
	standstillTimeout        params.TimeDiff
	logParticipationInterval params.TimeDiff
}

// NewProtocol creates a Highway era instance. prev, if non-nil, is the
// previous era's instance; its round exponent and success meter are
// carried over. The returned outcomes schedule the periodic timers and
// request the latest state from peers.
func NewProtocol(
	instanceID common.Hash,
	stakes map[common.Address]*big.Int,
	banned []common.Address,
	cfg *params.HighwayConfig,
	prev *Protocol,
	eraStart params.Timestamp,
	seed uint64,
	verifier SignatureVerifier,
	now params.Timestamp,
) (*Protocol, []consensus.ProtocolOutcome, error) {
	validators, err := NewValidators(stakes)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range banned {
		validators.Ban(id)
	}

	ftt := fraction(validators.TotalWeight(), cfg.FinalityThresholdNum, cfg.FinalityThresholdDen)

	initRoundExp := cfg.MinRoundExponent
	if prev != nil {
		if exp, ok := prev.OurRoundExp(); ok {
			initRoundExp = exp
		}
	}

	// Allow about as many units in conflicting-endorsement evidence as
	// a validator creates during an era.
	minRoundLen := uint64(1) << cfg.MinRoundExponent
	minRoundsPerEra := cfg.MinimumEraHeight
	if byDuration := 1 + cfg.EraDuration.Millis()/minRoundLen; byDuration > minRoundsPerEra {
		minRoundsPerEra = byDuration
	}
	endorsementLimit := 2 * minRoundsPerEra
	if endorsementLimit > params.MaxEndorsementEvidenceLimit {
		endorsementLimit = params.MaxEndorsementEvidenceLimit
	}

	p := &Params{
		Seed:                     seed,
		BlockReward:              params.BlockReward,
		ReducedBlockReward:       fraction(params.BlockReward, cfg.ReducedRewardNum, cfg.ReducedRewardDen),
		MinRoundExp:              cfg.MinRoundExponent,
		MaxRoundExp:              cfg.MaxRoundExponent,
		InitRoundExp:             initRoundExp,
		MinEraHeight:             cfg.MinimumEraHeight,
		EraStart:                 eraStart,
		EraEnd:                   eraStart.Add(cfg.EraDuration),
		EndorsementEvidenceLimit: endorsementLimit,
	}

	logger := log.New("module", "highway", "instance", instanceID)
	logger.Info("initializing Highway instance", "initRoundExp", initRoundExp, "ftt", ftt)

	var meter *RoundSuccessMeter
	if prev != nil {
		meter = prev.NextEraRoundSuccessMeter(eraStart)
	} else {
		meter = NewRoundSuccessMeter(initRoundExp, cfg.MinRoundExponent, cfg.MaxRoundExponent, eraStart)
	}

	hw := NewHighway(instanceID, validators, p, verifier)
	proto := &Protocol{
		logger:                   logger,
		hw:                       hw,
		finality:                 NewFinalityDetector(ftt),
		meter:                    meter,
		synchronizer:             NewSynchronizer(cfg.PendingVertexTimeout),
		pendingValues:            make(map[common.Hash][]*ValidVertex),
		lastPanorama:             hw.State().Panorama().Copy(),
		standstillTimeout:        cfg.StandstillTimeout,
		logParticipationInterval: cfg.LogParticipationInterval,
	}

	outcomes := initializeTimers(now, eraStart, cfg)
	// Request the latest state from peers on startup; we catch up with
	// the consensus state and re-sync our own units after a restart.
	request := &Message{Kind: MsgLatestStateRequest, Panorama: NewPanorama(validators.Len())}
	outcomes = append(outcomes, consensus.GossipOutcome(request.Encode()))
	return proto, outcomes, nil
}

func initializeTimers(now, eraStart params.Timestamp, cfg *params.HighwayConfig) []consensus.ProtocolOutcome {
	base := now.Max(eraStart)
	return []consensus.ProtocolOutcome{
		consensus.TimerOutcome(now.Add(cfg.PendingVertexTimeout), timerIDPurgeVertices),
		consensus.TimerOutcome(base.Add(cfg.LogParticipationInterval), timerIDLogParticipation),
		consensus.TimerOutcome(base.Add(cfg.StandstillTimeout), timerIDStandstillAlert),
	}
}

// fraction computes total * num / den without intermediate overflow.
func fraction(total, num, den uint64) uint64 {
	out := new(big.Int).SetUint64(total)
	out.Mul(out, new(big.Int).SetUint64(num))
	out.Div(out, new(big.Int).SetUint64(den))
	return out.Uint64()
}

// Highway returns the underlying era instance.
func (p *Protocol) Highway() *Highway { return p.hw }

// InstanceID identifies the era instance.
func (p *Protocol) InstanceID() common.Hash { return p.hw.InstanceID() }

// OurRoundExp returns the round exponent of our latest unit, if we
// created any this era. Consulted by the next era on handoff.
func (p *Protocol) OurRoundExp() (uint8, bool) {
	if u := p.hw.LatestOwnUnit(); u != nil {
		return u.RoundExp, true
	}
	return 0, false
}

// NextEraRoundSuccessMeter returns the meter for the next era:
// exponent preserved, counters reset.
func (p *Protocol) NextEraRoundSuccessMeter(eraStart params.Timestamp) *RoundSuccessMeter {
	return p.meter.NextEra(eraStart)
}

// HandleMessage processes one serialized gossip message.
func (p *Protocol) HandleMessage(sender consensus.NodeID, raw []byte, now params.Timestamp) []consensus.ProtocolOutcome {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return []consensus.ProtocolOutcome{consensus.InvalidMessageOutcome(raw, sender, err)}
	}
	switch msg.Kind {
	case MsgNewVertex:
		return p.handleNewVertex(sender, raw, msg.Vertex, now)
	case MsgRequestDependency:
		return p.handleRequestDependency(sender, *msg.Dependency)
	default:
		return p.handleLatestStateRequest(sender, msg.Panorama)
	}
}

func (p *Protocol) handleNewVertex(sender consensus.NodeID, raw []byte, v *Vertex, now params.Timestamp) []consensus.ProtocolOutcome {
	if p.hw.HasVertex(v) || (p.evidenceOnly && !v.IsEvidence()) {
		p.logger.Trace("received an irrelevant vertex",
			"hasVertex", p.hw.HasVertex(v), "evidenceOnly", p.evidenceOnly)
		return nil
	}

	vid := v.ID()
	pvv, err := p.hw.PreValidateVertex(v)
	if err != nil {
		p.logger.Debug("received an invalid vertex", "err", err, "sender", sender)
		outcomes := []consensus.ProtocolOutcome{consensus.InvalidMessageOutcome(raw, sender, err)}
		outcomes = append(outcomes, p.dropDependents(vid)...)
		return outcomes
	}

	// Vertices from known equivocators are dropped silently unless
	// something in the queue needs them as a dependency.
	if creator, ok := v.Creator(); ok && p.hw.State().IsFaulty(creator) && !p.synchronizer.IsDependency(vid) {
		p.logger.Trace("dropping vertex from faulty validator", "creator", creator)
		return nil
	}

	if ts, ok := v.Timestamp(); ok {
		switch {
		case ts > now.Add(p.synchronizer.PendingVertexTimeout()):
			p.logger.Trace("dropping vertex with timestamp far in the future",
				"timestamp", ts, "now", now)
			verticesDroppedMeter.Mark(1)
			return nil
		case ts > now:
			p.logger.Trace("storing future vertex for later", "timestamp", ts, "now", now)
			p.synchronizer.StoreVertexForAdditionLater(ts, now, sender, pvv)
			return []consensus.ProtocolOutcome{consensus.TimerOutcome(ts, timerIDFutureVertex)}
		}
	}
	return p.synchronizer.ScheduleAddVertex(sender, pvv, now)
}

func (p *Protocol) handleRequestDependency(sender consensus.NodeID, dep Dependency) []consensus.ProtocolOutcome {
	out := p.hw.GetDependency(dep)
	switch {
	case out.Evidence:
		return []consensus.ProtocolOutcome{{
			Kind:      consensus.OutcomeSendEvidence,
			Peer:      sender,
			Validator: out.Validator,
		}}
	case out.Vertex != nil:
		msg := &Message{Kind: MsgNewVertex, Vertex: out.Vertex}
		return []consensus.ProtocolOutcome{consensus.TargetedOutcome(msg.Encode(), sender)}
	default:
		p.logger.Info("requested dependency does not exist", "dep", dep, "sender", sender)
		return nil
	}
}

// handleLatestStateRequest compares the peer's panorama with ours and
// sends or requests whatever either side is missing.
func (p *Protocol) handleLatestStateRequest(sender consensus.NodeID, theirs Panorama) []consensus.ProtocolOutcome {
	state := p.hw.State()
	var outcomes []consensus.ProtocolOutcome
	send := func(m *Message) {
		outcomes = append(outcomes, consensus.TargetedOutcome(m.Encode(), sender))
	}

	for i, ours := range state.Panorama() {
		idx := consensus.ValidatorIndex(i)
		their := theirs.Get(idx)
		if ours == their {
			continue
		}
		switch {
		case ours.IsFaulty():
			if ev := state.MaybeEvidence(idx); ev != nil {
				send(&Message{Kind: MsgNewVertex, Vertex: EvidenceVertex(ev)})
			}
		case their.IsFaulty():
			send(&Message{Kind: MsgRequestDependency,
				Dependency: &Dependency{Kind: DepEvidence, Validator: idx}})
		case ours.IsNone() && their.IsCorrect():
			send(&Message{Kind: MsgRequestDependency,
				Dependency: &Dependency{Kind: DepUnit, Hash: their.Hash}})
		case ours.IsCorrect() && their.IsNone():
			if w := state.WireUnit(ours.Hash, p.hw.InstanceID()); w != nil {
				send(&Message{Kind: MsgNewVertex, Vertex: UnitVertex(w)})
			}
		default: // both correct, different hashes
			switch {
			case state.HasUnit(their.Hash) && state.SeesCorrect(state.Panorama(), their.Hash):
				if w := state.WireUnit(ours.Hash, p.hw.InstanceID()); w != nil {
					send(&Message{Kind: MsgNewVertex, Vertex: UnitVertex(w)})
				}
			case !state.HasUnit(their.Hash):
				send(&Message{Kind: MsgRequestDependency,
					Dependency: &Dependency{Kind: DepUnit, Hash: their.Hash}})
			}
		}
	}
	return outcomes
}

// HandleNewPeer greets a new peer with a request for everything newer
// than our current view.
func (p *Protocol) HandleNewPeer(peer consensus.NodeID) []consensus.ProtocolOutcome {
	p.logger.Trace("connected to a new peer", "peer", peer)
	msg := &Message{Kind: MsgLatestStateRequest, Panorama: p.hw.State().Panorama().Copy()}
	return []consensus.ProtocolOutcome{consensus.TargetedOutcome(msg.Encode(), peer)}
}

// HandleTimer dispatches a timer scheduled by an earlier outcome.
func (p *Protocol) HandleTimer(now params.Timestamp, id consensus.TimerID) []consensus.ProtocolOutcome {
	switch id {
	case timerIDActiveValidator:
		return p.processAvEffects(p.hw.HandleTimer(now), now)
	case timerIDFutureVertex:
		return p.synchronizer.AddPastDueStoredVertices(now)
	case timerIDPurgeVertices:
		p.synchronizer.PurgeVertices(now)
		return []consensus.ProtocolOutcome{
			consensus.TimerOutcome(now.Add(p.synchronizer.PendingVertexTimeout()), id)}
	case timerIDLogParticipation:
		p.logParticipation()
		if p.evidenceOnly || p.finalizedSwitchBlock() {
			return nil
		}
		return []consensus.ProtocolOutcome{
			consensus.TimerOutcome(now.Add(p.logParticipationInterval), id)}
	case timerIDStandstillAlert:
		return p.handleStandstillAlertTimer(now)
	default:
		p.logger.Error("unexpected timer", "id", id)
		return nil
	}
}

// HandleAction dispatches an action token scheduled by an earlier
// outcome.
func (p *Protocol) HandleAction(id consensus.ActionID, now params.Timestamp) []consensus.ProtocolOutcome {
	switch id {
	case actionIDVertex:
		return p.addVertex(now)
	default:
		p.logger.Error("unexpected action", "id", id)
		return nil
	}
}

// addVertex pops the next addable vertex from the synchronizer and
// runs it through validation and state addition.
func (p *Protocol) addVertex(now params.Timestamp) []consensus.ProtocolOutcome {
	pv, outcomes := p.synchronizer.PopVertexToAdd(p.hw.State())
	if pv == nil {
		return outcomes
	}

	// A unit with our identity that we did not create means another
	// process is running with our key. Deactivate, but keep processing
	// the vertex: it is a valid part of the state that peers can see.
	if p.hw.IsDoppelgangerVertex(pv.pvv.Inner()) {
		p.logger.Error("received a vertex from a doppelganger; deactivating validator. " +
			"Are multiple nodes running with the same validator key?")
		p.DeactivateValidator()
		outcomes = append(outcomes, consensus.ProtocolOutcome{Kind: consensus.OutcomeDoppelgangerDetected})
	}

	vv, err := p.hw.ValidateVertex(pv.pvv)
	if err != nil {
		p.logger.Info("invalid vertex", "vertex", pv.pvv.Inner(), "err", err)
		outcomes = append(outcomes, consensus.InvalidMessageOutcome(nil, pv.sender, err))
		outcomes = append(outcomes, p.dropDependents(pv.pvv.Inner().ID())...)
		outcomes = append(outcomes, consensus.DisconnectOutcome(pv.sender))
		return outcomes
	}

	// A proposal whose value needs validation is parked until the
	// block validator reports back.
	vertex := vv.Inner()
	if value := vertex.Value(); value != nil && value.NeedsValidation() {
		ts, _ := vertex.Timestamp()
		p.pendingValues[value.Hash()] = append(p.pendingValues[value.Hash()], vv)
		outcomes = append(outcomes, consensus.ProtocolOutcome{
			Kind:      consensus.OutcomeValidateConsensusValue,
			Peer:      pv.sender,
			Value:     value,
			Timestamp: ts,
		})
		return outcomes
	}

	outcomes = append(outcomes, p.addValidVertex(vv, now)...)
	outcomes = append(outcomes, p.synchronizer.RemoveSatisfiedDeps(p.hw.State())...)
	outcomes = append(outcomes, p.detectFinality()...)
	return outcomes
}

// addValidVertex updates the round meter, adds the vertex, and
// processes participation effects.
func (p *Protocol) addValidVertex(vv *ValidVertex, now params.Timestamp) []consensus.ProtocolOutcome {
	if p.evidenceOnly && !vv.Inner().IsEvidence() {
		p.logger.Error("unexpected vertex in evidence-only mode", "vertex", vv.Inner())
		return nil
	}
	// The exponent decision must see the state as of the end of the
	// previous round, so it runs before the vertex is added.
	p.calculateRoundExponent(vv, now)
	ev, effects := p.hw.AddValidVertex(vv, now)
	verticesAddedMeter.Mark(1)

	outcomes := p.processAvEffects(effects, now)
	if ev != nil {
		outcomes = append(outcomes, p.announceEvidence(ev)...)
	}
	return outcomes
}

// announceEvidence emits NewEvidence and gossips the proof.
func (p *Protocol) announceEvidence(ev *Evidence) []consensus.ProtocolOutcome {
	equivocationsMeter.Mark(1)
	id, ok := p.hw.Validators().ID(ev.Perpetrator())
	if !ok {
		p.logger.Error("evidence against unknown validator", "index", ev.Perpetrator())
		return nil
	}
	p.logger.Warn("validator equivocated", "validator", id)
	msg := &Message{Kind: MsgNewVertex, Vertex: EvidenceVertex(ev)}
	return []consensus.ProtocolOutcome{
		{Kind: consensus.OutcomeNewEvidence, Validator: id},
		consensus.GossipOutcome(msg.Encode()),
	}
}

// calculateRoundExponent consults the success meter before a vertex is
// added, and registers proposals after the decision so they count
// toward their own round.
func (p *Protocol) calculateRoundExponent(vv *ValidVertex, now params.Timestamp) {
	newExp := p.meter.CalculateNewExponent(p.hw.State(), now)
	if vv.IsProposal() {
		unit := vv.Inner().Unit
		p.meter.NewProposal(unit.Hash(), unit.Timestamp)
	}
	p.hw.SetRoundExp(newExp)
	roundExpGauge.Update(int64(newExp))
}

// processAvEffects translates active-validator effects into outcomes.
func (p *Protocol) processAvEffects(effects []avEffect, now params.Timestamp) []consensus.ProtocolOutcome {
	var outcomes []consensus.ProtocolOutcome
	for _, eff := range effects {
		switch eff.kind {
		case effNewVertex:
			p.calculateRoundExponent(eff.vv, now)
			outcomes = append(outcomes, p.processNewVertex(eff.vv)...)
		case effScheduleTimer:
			outcomes = append(outcomes, consensus.TimerOutcome(eff.timestamp, timerIDActiveValidator))
		case effRequestNewBlock:
			ctx := eff.ctx
			ctx.Height = p.nextBlockHeight()
			outcomes = append(outcomes, consensus.ProtocolOutcome{
				Kind:         consensus.OutcomeCreateNewBlock,
				BlockContext: ctx,
				PastValues:   p.nonFinalizedValues(),
			})
		case effWeAreFaulty:
			p.logger.Error("this validator is faulty")
			outcomes = append(outcomes, consensus.ProtocolOutcome{Kind: consensus.OutcomeWeAreFaulty})
		}
	}
	return outcomes
}

// processNewVertex gossips a vertex we created and checks finality.
func (p *Protocol) processNewVertex(vv *ValidVertex) []consensus.ProtocolOutcome {
	var outcomes []consensus.ProtocolOutcome
	if v := vv.Inner(); v.IsEvidence() {
		outcomes = append(outcomes, p.announceEvidence(v.Evidence)...)
	} else {
		msg := &Message{Kind: MsgNewVertex, Vertex: v}
		outcomes = append(outcomes, consensus.GossipOutcome(msg.Encode()))
	}
	outcomes = append(outcomes, p.detectFinality()...)
	return outcomes
}

// detectFinality runs the finality detector and reports newly
// finalized values, or the death of the era.
func (p *Protocol) detectFinality() []consensus.ProtocolOutcome {
	finalized, err := p.finality.Run(p.hw.State())
	if err != nil {
		fttErr := err.(*FttExceededError)
		p.logger.Error("too many faulty validators",
			"faultyWeight", fttErr.FaultyWeight,
			"totalWeight", p.hw.State().TotalWeight())
		p.logParticipation()
		return []consensus.ProtocolOutcome{{Kind: consensus.OutcomeFttExceeded}}
	}
	outcomes := make([]consensus.ProtocolOutcome, 0, len(finalized))
	for _, value := range finalized {
		finalizedBlocksMeter.Mark(1)
		outcomes = append(outcomes, consensus.FinalizedOutcome(value))
	}
	return outcomes
}

// nextBlockHeight is the height the next proposed block will occupy.
func (p *Protocol) nextBlockHeight() uint64 {
	last, ok := p.finality.LastFinalized()
	if !ok {
		return 0
	}
	return p.hw.State().Block(last).Height + 1
}

// nonFinalizedValues lists the values on the current fork choice that
// are not finalized yet, tip first.
func (p *Protocol) nonFinalizedValues() []*types.ProtoBlock {
	state := p.hw.State()
	last, hasLast := p.finality.LastFinalized()
	var values []*types.ProtoBlock
	cur := state.ForkChoice()
	for cur != (common.Hash{}) {
		if hasLast && cur == last {
			break
		}
		b := state.Block(cur)
		if b == nil {
			break
		}
		values = append(values, b.Value)
		cur = b.Parent
	}
	return values
}

// dropDependents discards queued vertices that depended on the given
// id and disconnects the peers that sent them.
func (p *Protocol) dropDependents(ids ...Dependency) []consensus.ProtocolOutcome {
	senders := p.synchronizer.DropDependentVertices(ids)
	var outcomes []consensus.ProtocolOutcome
	senders.Each(func(item interface{}) bool {
		outcomes = append(outcomes, consensus.DisconnectOutcome(item.(consensus.NodeID)))
		return false
	})
	return outcomes
}

// Propose submits a candidate value from the block proposer.
func (p *Protocol) Propose(value *types.ProtoBlock, ctx consensus.BlockContext, now params.Timestamp) []consensus.ProtocolOutcome {
	return p.processAvEffects(p.hw.Propose(value, ctx), now)
}

// ResolveValidity reports the validation verdict for a parked value.
func (p *Protocol) ResolveValidity(value *types.ProtoBlock, valid bool, now params.Timestamp) []consensus.ProtocolOutcome {
	hash := value.Hash()
	vvs := p.pendingValues[hash]
	delete(p.pendingValues, hash)

	if valid {
		var outcomes []consensus.ProtocolOutcome
		for _, vv := range vvs {
			outcomes = append(outcomes, p.addValidVertex(vv, now)...)
		}
		outcomes = append(outcomes, p.synchronizer.RemoveSatisfiedDeps(p.hw.State())...)
		outcomes = append(outcomes, p.detectFinality()...)
		return outcomes
	}

	// The value could be invalid merely because the sender went away
	// before its deploys could be fetched, so nobody is disconnected.
	p.logger.Warn("consensus value is invalid; dropping dependent vertices",
		"value", hash, "vertices", len(vvs))
	ids := make([]Dependency, 0, len(vvs))
	for _, vv := range vvs {
		ids = append(ids, vv.Inner().ID())
		verticesDroppedMeter.Mark(1)
	}
	p.synchronizer.DropDependentVertices(ids)
	return nil
}

// ActivateValidator starts participation with our identity.
func (p *Protocol) ActivateValidator(ourID common.Address, signer consensus.Signer,
	now params.Timestamp, unitFile string) []consensus.ProtocolOutcome {
	effects, err := p.hw.ActivateValidator(ourID, signer, now, unitFile)
	if err != nil {
		p.logger.Error("cannot activate validator", "id", ourID, "err", err)
		return nil
	}
	return p.processAvEffects(effects, now)
}

// DeactivateValidator stops unit production.
func (p *Protocol) DeactivateValidator() { p.hw.DeactivateValidator() }

// SetEvidenceOnly drops all regular protocol state; only evidence is
// kept, accepted and served from now on.
func (p *Protocol) SetEvidenceOnly() {
	p.pendingValues = make(map[common.Hash][]*ValidVertex)
	p.synchronizer.RetainEvidenceOnly()
	p.hw.RetainEvidenceOnly()
	p.evidenceOnly = true
}

// SetPaused switches between full unit production and pings only.
func (p *Protocol) SetPaused(paused bool) { p.hw.SetPaused(paused) }

// HasEvidence reports whether we hold evidence against the validator.
func (p *Protocol) HasEvidence(vid common.Address) bool {
	idx, ok := p.hw.Validators().Index(vid)
	return ok && p.hw.HasEvidence(idx)
}

// MarkFaulty marks a validator faulty based on external evidence.
func (p *Protocol) MarkFaulty(vid common.Address) {
	if idx, ok := p.hw.Validators().Index(vid); ok {
		p.hw.MarkFaulty(idx)
	}
}

// RequestEvidence sends our evidence against vid to the peer, if any.
func (p *Protocol) RequestEvidence(sender consensus.NodeID, vid common.Address) []consensus.ProtocolOutcome {
	idx, ok := p.hw.Validators().Index(vid)
	if !ok {
		return nil
	}
	if ev := p.hw.State().MaybeEvidence(idx); ev != nil {
		msg := &Message{Kind: MsgNewVertex, Vertex: EvidenceVertex(ev)}
		return []consensus.ProtocolOutcome{consensus.TargetedOutcome(msg.Encode(), sender)}
	}
	return nil
}

// ValidatorsWithEvidence lists all validators we hold evidence against.
func (p *Protocol) ValidatorsWithEvidence() []common.Address {
	var out []common.Address
	for _, idx := range p.hw.State().ValidatorsWithEvidence() {
		if id, ok := p.hw.Validators().ID(idx); ok {
			out = append(out, id)
		}
	}
	return out
}

// HasReceivedMessages reports whether any protocol state exists.
func (p *Protocol) HasReceivedMessages() bool {
	return !p.hw.State().IsEmpty() || !p.synchronizer.IsEmpty() || len(p.pendingValues) > 0
}

// IsActive reports whether we are producing units.
func (p *Protocol) IsActive() bool { return p.hw.IsActive() }

// NextRoundLength returns our next round length if we are active.
func (p *Protocol) NextRoundLength() (params.TimeDiff, bool) { return p.hw.NextRoundLength() }

// logParticipation logs the inactive and faulty validators.
func (p *Protocol) logParticipation() {
	participation := NewParticipation(p.hw.State())
	p.logger.Info("validator participation", "participation", participation,
		"instance", p.hw.InstanceID())
}

// finalizedSwitchBlock reports whether the era-ending block has been
// finalized.
func (p *Protocol) finalizedSwitchBlock() bool {
	last, ok := p.finality.LastFinalized()
	return ok && p.hw.State().IsTerminalBlock(last)
}

// handleStandstillAlertTimer raises an alert if no progress happened
// within the timeout, and otherwise schedules the next check.
func (p *Protocol) handleStandstillAlertTimer(now params.Timestamp) []consensus.ProtocolOutcome {
	if p.evidenceOnly || p.finalizedSwitchBlock() {
		return nil // The era has ended; no progress is expected.
	}
	if p.lastPanorama.Equal(p.hw.State().Panorama()) {
		return []consensus.ProtocolOutcome{{Kind: consensus.OutcomeStandstillAlert}}
	}
	p.lastPanorama = p.hw.State().Panorama().Copy()
	return []consensus.ProtocolOutcome{
		consensus.TimerOutcome(now.Add(p.standstillTimeout), timerIDStandstillAlert)}
}
