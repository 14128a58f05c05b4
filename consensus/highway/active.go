package highway

import (
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tos-network/go-highway/consensus"
	"github.com/tos-network/go-highway/core/types"
	"github.com/tos-network/go-highway/params"
)

// avEffectKind tags the side effects the active validator produces.
type avEffectKind uint8

const (
	// effNewVertex announces a vertex we created; it is already in our
	// state and must be gossiped.
	effNewVertex avEffectKind = iota
	// effScheduleTimer asks for the next active-validator timer.
	effScheduleTimer
	// effRequestNewBlock asks the block proposer for a candidate value.
	effRequestNewBlock
	// effWeAreFaulty reports that our own key equivocated.
	effWeAreFaulty
)

// avEffect is one side effect of active participation. The driver
// translates these into protocol outcomes.
type avEffect struct {
	kind      avEffectKind
	vv        *ValidVertex
	timestamp params.Timestamp
	ctx       consensus.BlockContext
}

// ActiveValidator is the unit-producing side of participation: it
// owns the round schedule, creates proposal, confirmation and witness
// units, and persists the hash of our latest unit for crash safety.
type ActiveValidator struct {
	logger log.Logger

	idx    consensus.ValidatorIndex
	id     common.Address
	signer consensus.Signer

	roundExp uint8
	paused   bool

	// unitFile persists our latest unit hash across restarts; empty
	// disables persistence.
	unitFile string

	// ownUnits records the hashes this process created, so a unit with
	// our index but an unknown hash identifies a doppelganger.
	ownUnits map[common.Hash]bool

	// awaitingUnit is the hash restored from the unit file; until it
	// appears in the state we do not create units, to avoid
	// equivocating with our pre-crash self.
	awaitingUnit common.Hash

	// Round bookkeeping: the round ids we already acted in.
	proposedRound  params.Timestamp
	confirmedRound params.Timestamp
	witnessRound   params.Timestamp
	pingedRound    params.Timestamp
}

// newActiveValidator starts participation for our validator index.
func newActiveValidator(idx consensus.ValidatorIndex, id common.Address, signer consensus.Signer,
	roundExp uint8, unitFile string) *ActiveValidator {
	av := &ActiveValidator{
		logger:   log.New("module", "highway/active", "validator", idx),
		idx:      idx,
		id:       id,
		signer:   signer,
		roundExp: roundExp,
		unitFile: unitFile,
		ownUnits: make(map[common.Hash]bool),
		// Sentinel: no round acted in yet.
		proposedRound:  ^params.Timestamp(0),
		confirmedRound: ^params.Timestamp(0),
		witnessRound:   ^params.Timestamp(0),
		pingedRound:    ^params.Timestamp(0),
	}
	if unitFile != "" {
		if data, err := os.ReadFile(unitFile); err == nil && len(data) == common.HashLength {
			av.awaitingUnit = common.BytesToHash(data)
			av.logger.Info("restored last unit hash; waiting for it to sync",
				"hash", av.awaitingUnit)
		}
	}
	return av
}

// roundLength returns the length of our current rounds.
func (av *ActiveValidator) roundLength() params.TimeDiff {
	return params.TimeDiff(uint64(1) << av.roundExp)
}

// setRoundExp adopts a new round exponent for future rounds.
func (av *ActiveValidator) setRoundExp(exp uint8) { av.roundExp = exp }

// isOwnUnit reports whether this process created the unit hash.
func (av *ActiveValidator) isOwnUnit(hash common.Hash) bool { return av.ownUnits[hash] }

// handleTimer runs one step of the round schedule and returns the
// effects plus the next timer.
func (av *ActiveValidator) handleTimer(now params.Timestamp, h *Highway) []avEffect {
	rid := roundID(now, av.roundExp)
	length := av.roundLength()
	witnessTime := rid.Add(params.TimeDiff(length.Millis() * 2 / 3))

	if av.awaitingUnit != (common.Hash{}) {
		if h.state.HasUnit(av.awaitingUnit) {
			av.logger.Info("own pre-restart unit synced; resuming unit production")
			av.awaitingUnit = common.Hash{}
		} else {
			// Stay quiet until our own history has caught up.
			return []avEffect{{kind: effScheduleTimer, timestamp: rid.Add(length)}}
		}
	}

	if av.paused {
		var effects []avEffect
		if av.pingedRound != rid {
			av.pingedRound = rid
			if eff, ok := av.createPing(now, h); ok {
				effects = append(effects, eff)
			}
		}
		effects = append(effects, avEffect{kind: effScheduleTimer, timestamp: rid.Add(length)})
		return effects
	}

	var effects []avEffect
	if now < witnessTime {
		if h.Leader(rid) == av.idx && av.proposedRound != rid {
			av.proposedRound = rid
			effects = append(effects, avEffect{
				kind: effRequestNewBlock,
				ctx:  consensus.BlockContext{Timestamp: rid},
			})
		}
		effects = append(effects, avEffect{kind: effScheduleTimer, timestamp: witnessTime})
		return effects
	}

	if av.witnessRound != rid {
		av.witnessRound = rid
		if eff, ok := av.buildUnit(nil, witnessTime, h); ok {
			effects = append(effects, eff)
		}
	}
	effects = append(effects, avEffect{kind: effScheduleTimer, timestamp: rid.Add(length)})
	return effects
}

// propose creates and adds our proposal unit for the given context.
func (av *ActiveValidator) propose(value *types.ProtoBlock, ctx consensus.BlockContext, h *Highway) []avEffect {
	if av.paused || av.awaitingUnit != (common.Hash{}) {
		return nil
	}
	if eff, created := av.buildUnit(value, ctx.Timestamp, h); created {
		return []avEffect{eff}
	}
	return nil
}

// onVertexAdded reacts to a vertex entering the state: a proposal by
// the current round's leader gets a confirmation unit from us.
func (av *ActiveValidator) onVertexAdded(v *Vertex, now params.Timestamp, h *Highway) []avEffect {
	if av.paused || av.awaitingUnit != (common.Hash{}) {
		return nil
	}
	if v.Kind != VertexUnit || !v.Unit.IsProposal() || v.Unit.Creator == av.idx {
		return nil
	}
	rid := roundID(now, av.roundExp)
	if v.Unit.RoundID() != rid || h.Leader(rid) != v.Unit.Creator || av.confirmedRound == rid {
		return nil
	}
	av.confirmedRound = rid
	if eff, ok := av.buildUnit(nil, now, h); ok {
		return []avEffect{eff}
	}
	return nil
}

// buildUnit assembles the next unit in our chain from the current
// panorama, signs it, records it in state and persists its hash.
func (av *ActiveValidator) buildUnit(value *types.ProtoBlock, timestamp params.Timestamp, h *Highway) (avEffect, bool) {
	own := h.state.Panorama().Get(av.idx)
	if own.IsFaulty() {
		av.logger.Error("refusing to create unit: our own key is marked faulty")
		return avEffect{kind: effWeAreFaulty}, true
	}
	seq := uint64(0)
	if own.IsCorrect() {
		prev := h.state.Unit(own.Hash)
		seq = prev.SeqNumber + 1
		if prev.Timestamp >= timestamp {
			// A unit at or before our previous one would be invalid;
			// skip this slot.
			return avEffect{}, false
		}
	}

	w := &WireUnit{
		InstanceID: h.instanceID,
		Creator:    av.idx,
		SeqNumber:  seq,
		RoundExp:   av.roundExp,
		Timestamp:  timestamp,
		Panorama:   h.state.Panorama().Copy(),
	}
	w.Value = value
	digest := w.Hash()
	sig, err := av.signer.Sign(digest)
	if err != nil {
		av.logger.Error("failed to sign unit", "err", err)
		return avEffect{}, false
	}
	w.Signature = sig

	av.ownUnits[digest] = true
	av.persistUnitHash(digest)

	vv := &ValidVertex{vertex: UnitVertex(w)}
	h.state.AddValidVertex(vv)
	return avEffect{kind: effNewVertex, vv: vv, timestamp: timestamp}, true
}

// createPing builds a signed liveness ping.
func (av *ActiveValidator) createPing(now params.Timestamp, h *Highway) (avEffect, bool) {
	p := &Ping{InstanceID: h.instanceID, Creator: av.idx, Timestamp: now}
	sig, err := av.signer.Sign(p.Digest())
	if err != nil {
		av.logger.Error("failed to sign ping", "err", err)
		return avEffect{}, false
	}
	p.Signature = sig
	vv := &ValidVertex{vertex: PingVertex(p)}
	h.state.AddValidVertex(vv)
	return avEffect{kind: effNewVertex, vv: vv, timestamp: now}, true
}

// persistUnitHash writes our latest unit hash to the operator path.
func (av *ActiveValidator) persistUnitHash(hash common.Hash) {
	if av.unitFile == "" {
		return
	}
	if err := os.WriteFile(av.unitFile, hash.Bytes(), 0o600); err != nil {
		av.logger.Warn("failed to persist unit hash", "path", av.unitFile, "err", err)
	}
}
