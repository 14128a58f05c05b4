package highway

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tos-network/go-highway/consensus"
	"github.com/tos-network/go-highway/core/types"
	"github.com/tos-network/go-highway/params"
)

// Params are the era constants the protocol state is evaluated under.
type Params struct {
	Seed               uint64
	BlockReward        uint64
	ReducedBlockReward uint64
	MinRoundExp        uint8
	MaxRoundExp        uint8
	InitRoundExp       uint8
	MinEraHeight       uint64
	EraStart           params.Timestamp
	EraEnd             params.Timestamp
	// EndorsementEvidenceLimit bounds the units in a piece of
	// conflicting-endorsement evidence for this era.
	EndorsementEvidenceLimit uint64
}

// unit is a wire unit as kept in the DAG, with its derived fields.
type unit struct {
	wire *WireUnit
	hash common.Hash
	// block is the hash of the block this unit votes for: its own hash
	// for proposals, the fork choice of its panorama otherwise. Zero
	// when the panorama sees no proposal at all.
	block common.Hash
}

// Block is one entry of the proposal tree: a proposal unit together
// with its position relative to the other proposals it saw.
type Block struct {
	Hash   common.Hash
	Parent common.Hash // zero for the first block of the era
	Height uint64
	Value  *types.ProtoBlock
}

// State is the protocol state: the unit DAG keyed by hash, the
// proposal tree derived from it, and the evidence store.
type State struct {
	validators *Validators
	params     *Params

	units    map[common.Hash]*unit
	bySeq    map[consensus.ValidatorIndex]map[uint64]common.Hash
	blocks   map[common.Hash]*Block
	children map[common.Hash][]common.Hash

	evidence     map[consensus.ValidatorIndex]*Evidence
	faulty       map[consensus.ValidatorIndex]bool
	endorsements map[common.Hash]map[consensus.ValidatorIndex]*Endorsement
	pings        map[common.Hash]*Ping

	// panorama is this state's own view: the latest unit per validator,
	// or Faulty once equivocation is known.
	panorama Panorama
}

// NewState creates an empty protocol state for the era.
func NewState(validators *Validators, p *Params) *State {
	return &State{
		validators:   validators,
		params:       p,
		units:        make(map[common.Hash]*unit),
		bySeq:        make(map[consensus.ValidatorIndex]map[uint64]common.Hash),
		blocks:       make(map[common.Hash]*Block),
		children:     make(map[common.Hash][]common.Hash),
		evidence:     make(map[consensus.ValidatorIndex]*Evidence),
		faulty:       make(map[consensus.ValidatorIndex]bool),
		endorsements: make(map[common.Hash]map[consensus.ValidatorIndex]*Endorsement),
		pings:        make(map[common.Hash]*Ping),
		panorama:     NewPanorama(validators.Len()),
	}
}

// Validators returns the era's validator table.
func (s *State) Validators() *Validators { return s.validators }

// Params returns the era constants.
func (s *State) Params() *Params { return s.params }

// Panorama returns the state's current view. The caller must not
// mutate it.
func (s *State) Panorama() Panorama { return s.panorama }

// TotalWeight returns the era's constant total weight.
func (s *State) TotalWeight() uint64 { return s.validators.TotalWeight() }

// IsEmpty reports whether the state holds no units and no evidence.
func (s *State) IsEmpty() bool {
	return len(s.units) == 0 && len(s.evidence) == 0
}

// HasUnit reports whether the unit with the given hash is present.
func (s *State) HasUnit(hash common.Hash) bool {
	_, ok := s.units[hash]
	return ok
}

// HasVertex reports whether the vertex is already part of the state.
func (s *State) HasVertex(v *Vertex) bool {
	switch v.Kind {
	case VertexUnit:
		return s.HasUnit(v.Unit.Hash())
	case VertexEvidence:
		return s.evidence[v.Evidence.Perpetrator()] != nil
	case VertexEndorsement:
		byEndorser := s.endorsements[v.Endorsement.UnitHash]
		_, ok := byEndorser[v.Endorsement.Endorser]
		return ok
	default:
		_, ok := s.pings[v.Ping.Digest()]
		return ok
	}
}

// HasDependency reports whether the dependency is satisfied by the
// current state.
func (s *State) HasDependency(dep Dependency) bool {
	switch dep.Kind {
	case DepUnit:
		return s.HasUnit(dep.Hash)
	case DepEvidence:
		return s.IsFaulty(dep.Validator)
	case DepEndorsement:
		return len(s.endorsements[dep.Hash]) > 0
	default:
		_, ok := s.pings[dep.Hash]
		return ok
	}
}

// MissingDependency returns the first dependency of the vertex that is
// not yet in the state, or nil if the vertex can be added now.
func (s *State) MissingDependency(v *Vertex) *Dependency {
	switch v.Kind {
	case VertexUnit:
		for idx, obs := range v.Unit.Panorama {
			vidx := consensus.ValidatorIndex(idx)
			switch obs.Kind {
			case ObsCorrect:
				if !s.HasUnit(obs.Hash) {
					return &Dependency{Kind: DepUnit, Hash: obs.Hash}
				}
			case ObsFaulty:
				if !s.IsFaulty(vidx) {
					return &Dependency{Kind: DepEvidence, Validator: vidx}
				}
			}
		}
		return nil
	case VertexEndorsement:
		if !s.HasUnit(v.Endorsement.UnitHash) {
			return &Dependency{Kind: DepUnit, Hash: v.Endorsement.UnitHash}
		}
		return nil
	default:
		return nil
	}
}

// AddValidVertex inserts a fully validated vertex. Duplicates are
// silently ignored. If the vertex makes a new equivocation known —
// either directly as evidence or by completing one with a conflicting
// unit — that evidence is returned so the caller can announce it.
func (s *State) AddValidVertex(vv *ValidVertex) *Evidence {
	v := vv.Inner()
	switch v.Kind {
	case VertexUnit:
		return s.addUnit(v.Unit)
	case VertexEvidence:
		isNew := s.evidence[v.Evidence.Perpetrator()] == nil
		s.addEvidence(v.Evidence)
		if isNew {
			return v.Evidence
		}
		return nil
	case VertexEndorsement:
		e := v.Endorsement
		if s.endorsements[e.UnitHash] == nil {
			s.endorsements[e.UnitHash] = make(map[consensus.ValidatorIndex]*Endorsement)
		}
		s.endorsements[e.UnitHash][e.Endorser] = e
		return nil
	default:
		s.pings[v.Ping.Digest()] = v.Ping
		return nil
	}
}

func (s *State) addUnit(w *WireUnit) *Evidence {
	hash := w.Hash()
	if s.HasUnit(hash) {
		return nil
	}
	creator := w.Creator

	// A second unit at an occupied sequence number is an equivocation.
	if prevHash, ok := s.bySeq[creator][w.SeqNumber]; ok && prevHash != hash {
		ev := &Evidence{
			Kind:  EvidenceEquivocation,
			Unit1: s.units[prevHash].wire,
			Unit2: w,
		}
		s.addEvidence(ev)
		return ev
	}
	if s.IsFaulty(creator) {
		// Units from known equivocators are not tracked further.
		return nil
	}

	u := &unit{wire: w, hash: hash}
	if w.IsProposal() {
		parent := s.forkChoiceFrom(w.Panorama)
		height := uint64(0)
		if parentBlock, ok := s.blocks[parent]; ok {
			height = parentBlock.Height + 1
		}
		s.blocks[hash] = &Block{Hash: hash, Parent: parent, Height: height, Value: w.Value}
		s.children[parent] = append(s.children[parent], hash)
		u.block = hash
	} else {
		u.block = s.forkChoiceFrom(w.Panorama)
	}

	s.units[hash] = u
	if s.bySeq[creator] == nil {
		s.bySeq[creator] = make(map[uint64]common.Hash)
	}
	s.bySeq[creator][w.SeqNumber] = hash

	// Track the creator's latest unit in our own panorama.
	if obs := s.panorama.Get(creator); !obs.IsFaulty() {
		if !obs.IsCorrect() || s.units[obs.Hash].wire.SeqNumber < w.SeqNumber {
			s.panorama[creator] = Observation{Kind: ObsCorrect, Hash: hash}
		}
	}
	return nil
}

func (s *State) addEvidence(ev *Evidence) {
	perp := ev.Perpetrator()
	if s.evidence[perp] == nil {
		s.evidence[perp] = ev
	}
	s.markFaulty(perp)
}

func (s *State) markFaulty(idx consensus.ValidatorIndex) {
	s.faulty[idx] = true
	if int(idx) < len(s.panorama) {
		s.panorama[idx] = Observation{Kind: ObsFaulty}
	}
}

// MarkFaulty marks a validator faulty based on evidence external to
// this era.
func (s *State) MarkFaulty(idx consensus.ValidatorIndex) { s.markFaulty(idx) }

// IsFaulty reports whether the validator is known to be faulty.
func (s *State) IsFaulty(idx consensus.ValidatorIndex) bool { return s.faulty[idx] }

// MaybeEvidence returns the direct evidence held against a validator,
// or nil.
func (s *State) MaybeEvidence(idx consensus.ValidatorIndex) *Evidence {
	return s.evidence[idx]
}

// FaultyWeight returns the summed weight of all faulty validators.
func (s *State) FaultyWeight() uint64 {
	var sum uint64
	for idx := range s.faulty {
		sum += s.validators.Weight(idx)
	}
	return sum
}

// ValidatorsWithEvidence returns the indices we hold direct evidence
// against.
func (s *State) ValidatorsWithEvidence() []consensus.ValidatorIndex {
	out := make([]consensus.ValidatorIndex, 0, len(s.evidence))
	for idx := range s.evidence {
		out = append(out, idx)
	}
	return out
}

// WireUnit reconstructs the transmittable form of a unit, or nil if
// the hash is unknown.
func (s *State) WireUnit(hash common.Hash, instanceID common.Hash) *WireUnit {
	u, ok := s.units[hash]
	if !ok {
		return nil
	}
	w := *u.wire
	w.InstanceID = instanceID
	return &w
}

// Unit returns the stored wire unit without changing its instance id,
// or nil.
func (s *State) Unit(hash common.Hash) *WireUnit {
	if u, ok := s.units[hash]; ok {
		return u.wire
	}
	return nil
}

// Block returns the proposal-tree entry for a block hash, or nil.
func (s *State) Block(hash common.Hash) *Block {
	return s.blocks[hash]
}

// LatestUnit returns the hash of a validator's latest unit seen by
// this state.
func (s *State) LatestUnit(idx consensus.ValidatorIndex) (common.Hash, bool) {
	obs := s.panorama.Get(idx)
	return obs.Hash, obs.IsCorrect()
}

// IsTerminalBlock reports whether the block is the era-ending switch
// block: minimum era height reached and era duration elapsed.
func (s *State) IsTerminalBlock(hash common.Hash) bool {
	b, ok := s.blocks[hash]
	if !ok {
		return false
	}
	return b.Height+1 >= s.params.MinEraHeight && b.Value.Timestamp >= s.params.EraEnd
}

// Sees reports whether following panorama and predecessor edges from
// the panorama's correct entries reaches the target unit.
func (s *State) Sees(pan Panorama, target common.Hash) bool {
	visited := make(map[common.Hash]bool)
	queue := make([]common.Hash, 0, len(pan))
	for _, obs := range pan {
		if obs.IsCorrect() {
			queue = append(queue, obs.Hash)
		}
	}
	for len(queue) > 0 {
		hash := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if hash == target {
			return true
		}
		if visited[hash] {
			continue
		}
		visited[hash] = true
		u, ok := s.units[hash]
		if !ok {
			continue
		}
		for _, obs := range u.wire.Panorama {
			if obs.IsCorrect() && !visited[obs.Hash] {
				queue = append(queue, obs.Hash)
			}
		}
	}
	return false
}

// SeesCorrect reports whether the panorama sees the target unit and
// does not consider its creator faulty.
func (s *State) SeesCorrect(pan Panorama, target common.Hash) bool {
	u, ok := s.units[target]
	if !ok {
		return false
	}
	if pan.Get(u.wire.Creator).IsFaulty() {
		return false
	}
	return s.Sees(pan, target)
}

// forkChoiceFrom picks the block a panorama votes for: the heaviest
// observed subtree, walked from the era root.
func (s *State) forkChoiceFrom(pan Panorama) common.Hash {
	tally := make(map[common.Hash]uint64)
	for idx, obs := range pan {
		vidx := consensus.ValidatorIndex(idx)
		if !obs.IsCorrect() || s.IsFaulty(vidx) {
			continue
		}
		u, ok := s.units[obs.Hash]
		if !ok || u.block == (common.Hash{}) {
			continue
		}
		tally[u.block] += s.validators.Weight(vidx)
	}
	if len(tally) == 0 {
		return common.Hash{}
	}

	subtree := make(map[common.Hash]uint64)
	var weigh func(b common.Hash) uint64
	weigh = func(b common.Hash) uint64 {
		if w, ok := subtree[b]; ok {
			return w
		}
		w := tally[b]
		for _, child := range s.children[b] {
			w += weigh(child)
		}
		subtree[b] = w
		return w
	}

	cur := common.Hash{}
	for {
		var best common.Hash
		var bestWeight uint64
		for _, child := range s.children[cur] {
			w := weigh(child)
			if w == 0 {
				continue
			}
			if w > bestWeight || (w == bestWeight && better(child, best)) {
				best, bestWeight = child, w
			}
		}
		if bestWeight == 0 {
			return cur
		}
		cur = best
	}
}

// ForkChoice returns the tip of the heaviest chain in the current
// state.
func (s *State) ForkChoice() common.Hash {
	return s.forkChoiceFrom(s.panorama)
}

// better is the deterministic tie-break for equal-weight forks.
func better(a, b common.Hash) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// VotesFor reports whether the chain the unit votes for contains the
// given block.
func (s *State) VotesFor(unitHash, blockHash common.Hash) bool {
	u, ok := s.units[unitHash]
	if !ok {
		return false
	}
	cur := u.block
	for cur != (common.Hash{}) {
		if cur == blockHash {
			return true
		}
		b, ok := s.blocks[cur]
		if !ok {
			return false
		}
		cur = b.Parent
	}
	return false
}

// RetainEvidenceOnly drops all units and derived data, keeping only
// the evidence store.
func (s *State) RetainEvidenceOnly() {
	s.units = make(map[common.Hash]*unit)
	s.bySeq = make(map[consensus.ValidatorIndex]map[uint64]common.Hash)
	s.blocks = make(map[common.Hash]*Block)
	s.children = make(map[common.Hash][]common.Hash)
	s.endorsements = make(map[common.Hash]map[consensus.ValidatorIndex]*Endorsement)
	s.pings = make(map[common.Hash]*Ping)
	for i := range s.panorama {
		if !s.panorama[i].IsFaulty() {
			s.panorama[i] = Observation{}
		}
	}
}
