package highway

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/crypto/blake2b"

	"github.com/tos-network/go-highway/consensus"
	"github.com/tos-network/go-highway/core/types"
	"github.com/tos-network/go-highway/params"
)

// SignatureVerifier checks a validator's signature over a digest. The
// cryptographic scheme is owned by the caller; a nil verifier accepts
// everything (useful in tests).
type SignatureVerifier func(id common.Address, digest common.Hash, sig []byte) error

// Highway is one era instance of the protocol: the validator table,
// the era parameters, the protocol state, and — when participating —
// the active validator module.
type Highway struct {
	logger     log.Logger
	instanceID common.Hash
	validators *Validators
	params     *Params
	state      *State
	verifier   SignatureVerifier

	av *ActiveValidator
}

// NewHighway creates an era instance with an empty protocol state.
func NewHighway(instanceID common.Hash, validators *Validators, p *Params, verifier SignatureVerifier) *Highway {
	return &Highway{
		logger:     log.New("module", "highway", "instance", instanceID),
		instanceID: instanceID,
		validators: validators,
		params:     p,
		state:      NewState(validators, p),
		verifier:   verifier,
	}
}

// State returns the protocol state.
func (h *Highway) State() *State { return h.state }

// Validators returns the era's validator table.
func (h *Highway) Validators() *Validators { return h.validators }

// InstanceID returns the era instance id.
func (h *Highway) InstanceID() common.Hash { return h.instanceID }

// Params returns the era parameters.
func (h *Highway) Params() *Params { return h.params }

// IsActive reports whether we are producing units.
func (h *Highway) IsActive() bool { return h.av != nil }

// HasVertex reports whether the vertex is already in the state.
func (h *Highway) HasVertex(v *Vertex) bool { return h.state.HasVertex(v) }

// HasEvidence reports whether we hold evidence against the validator.
func (h *Highway) HasEvidence(idx consensus.ValidatorIndex) bool {
	return h.state.MaybeEvidence(idx) != nil
}

// MarkFaulty marks a validator faulty based on external evidence.
func (h *Highway) MarkFaulty(idx consensus.ValidatorIndex) { h.state.MarkFaulty(idx) }

// Leader returns the round leader for the round starting at rid:
// a weighted pseudorandom pick seeded by the era seed, skipping banned
// validators.
func (h *Highway) Leader(rid params.Timestamp) consensus.ValidatorIndex {
	var activeWeight uint64
	h.validators.Iterate(func(_ consensus.ValidatorIndex, v Validator) {
		if !v.Banned {
			activeWeight += v.Weight
		}
	})
	if activeWeight == 0 {
		return 0
	}
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], h.params.Seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(rid))
	digest := blake2b.Sum256(buf[:])
	r := binary.LittleEndian.Uint64(digest[:8]) % activeWeight

	leader := consensus.ValidatorIndex(0)
	found := false
	h.validators.Iterate(func(idx consensus.ValidatorIndex, v Validator) {
		if found || v.Banned {
			return
		}
		if r < v.Weight {
			leader, found = idx, true
			return
		}
		r -= v.Weight
	})
	return leader
}

// PreValidateVertex runs the stateless checks on an incoming vertex:
// instance id, creator bounds, structural validity and signatures.
func (h *Highway) PreValidateVertex(v *Vertex) (*PreValidatedVertex, error) {
	switch v.Kind {
	case VertexUnit:
		if err := h.preValidateUnit(v.Unit); err != nil {
			return nil, err
		}
	case VertexEvidence:
		if err := v.Evidence.Validate(h.params.EndorsementEvidenceLimit); err != nil {
			return nil, err
		}
		switch v.Evidence.Kind {
		case EvidenceEquivocation:
			for _, w := range []*WireUnit{v.Evidence.Unit1, v.Evidence.Unit2} {
				if err := h.preValidateUnit(w); err != nil {
					return nil, err
				}
			}
		case EvidenceEndorsements:
			for _, e := range v.Evidence.Endorsements {
				if err := h.preValidateEndorsement(e); err != nil {
					return nil, err
				}
			}
		}
	case VertexEndorsement:
		if err := h.preValidateEndorsement(v.Endorsement); err != nil {
			return nil, err
		}
	case VertexPing:
		p := v.Ping
		if p.InstanceID != h.instanceID {
			return nil, ErrWrongInstance
		}
		if !h.validators.ContainsIndex(p.Creator) {
			return nil, ErrBadCreator
		}
		if err := h.verify(p.Creator, p.Digest(), p.Signature); err != nil {
			return nil, err
		}
	default:
		return nil, ErrEmptyVertex
	}
	return &PreValidatedVertex{vertex: v}, nil
}

func (h *Highway) preValidateUnit(w *WireUnit) error {
	if w == nil {
		return ErrEmptyVertex
	}
	if w.InstanceID != h.instanceID {
		return ErrWrongInstance
	}
	if !h.validators.ContainsIndex(w.Creator) {
		return ErrBadCreator
	}
	if h.validators.IsBanned(w.Creator) {
		return ErrBannedCreator
	}
	if len(w.Panorama) != h.validators.Len() {
		return ErrBadPanoramaLen
	}
	if w.RoundExp < h.params.MinRoundExp || w.RoundExp > h.params.MaxRoundExp {
		return fmt.Errorf("highway: round exponent %d outside [%d, %d]",
			w.RoundExp, h.params.MinRoundExp, h.params.MaxRoundExp)
	}
	if w.IsProposal() && w.Timestamp != w.RoundID() {
		return ErrMisalignedUnit
	}
	return h.verify(w.Creator, w.Hash(), w.Signature)
}

func (h *Highway) preValidateEndorsement(e *Endorsement) error {
	if e == nil {
		return ErrEmptyVertex
	}
	if !h.validators.ContainsIndex(e.Endorser) {
		return ErrBadCreator
	}
	return h.verify(e.Endorser, e.Digest(), e.Signature)
}

func (h *Highway) verify(idx consensus.ValidatorIndex, digest common.Hash, sig []byte) error {
	if h.verifier == nil {
		return nil
	}
	id, ok := h.validators.ID(idx)
	if !ok {
		return ErrBadCreator
	}
	if err := h.verifier(id, digest, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// ValidateVertex runs the stateful checks. All dependencies must be
// present in the state; the synchronizer guarantees that before
// handing a vertex over.
func (h *Highway) ValidateVertex(pvv *PreValidatedVertex) (*ValidVertex, error) {
	v := pvv.Inner()
	if v.Kind == VertexUnit {
		if err := h.validateUnit(v.Unit); err != nil {
			return nil, err
		}
	}
	return &ValidVertex{vertex: v}, nil
}

func (h *Highway) validateUnit(w *WireUnit) error {
	// The creator's own panorama entry must cite its previous unit.
	own := w.Panorama.Get(w.Creator)
	switch {
	case w.SeqNumber == 0:
		if !own.IsNone() {
			return fmt.Errorf("highway: first unit of validator %d cites a predecessor", w.Creator)
		}
	case own.IsCorrect():
		prev := h.state.Unit(own.Hash)
		if prev == nil {
			return fmt.Errorf("highway: predecessor %x not in state", own.Hash.Bytes()[:6])
		}
		if prev.Creator != w.Creator || prev.SeqNumber+1 != w.SeqNumber {
			return fmt.Errorf("highway: unit sequence number %d does not follow predecessor", w.SeqNumber)
		}
		if prev.Timestamp >= w.Timestamp {
			return fmt.Errorf("highway: unit timestamp %s not after predecessor", w.Timestamp)
		}
	default:
		return fmt.Errorf("highway: unit of validator %d at seq %d has no predecessor entry",
			w.Creator, w.SeqNumber)
	}

	// A proposal must come from the round leader.
	if w.IsProposal() && h.Leader(w.RoundID()) != w.Creator {
		return fmt.Errorf("highway: validator %d is not the leader of round %s", w.Creator, w.RoundID())
	}
	return nil
}

// IsDoppelgangerVertex reports whether the vertex carries our identity
// but was not produced by this process.
func (h *Highway) IsDoppelgangerVertex(v *Vertex) bool {
	if h.av == nil {
		return false
	}
	switch v.Kind {
	case VertexUnit:
		return v.Unit.Creator == h.av.idx && !h.av.isOwnUnit(v.Unit.Hash())
	case VertexPing:
		return v.Ping.Creator == h.av.idx
	default:
		return false
	}
}

// AddValidVertex inserts a validated vertex into the state, lets the
// active validator react to it, and returns any newly formed evidence
// together with the participation effects.
func (h *Highway) AddValidVertex(vv *ValidVertex, now params.Timestamp) (*Evidence, []avEffect) {
	ev := h.state.AddValidVertex(vv)
	var effects []avEffect
	if h.av != nil {
		if ev != nil && ev.Perpetrator() == h.av.idx {
			effects = append(effects, avEffect{kind: effWeAreFaulty})
		}
		effects = append(effects, h.av.onVertexAdded(vv.Inner(), now, h)...)
	}
	return ev, effects
}

// HandleTimer runs the active validator's schedule.
func (h *Highway) HandleTimer(now params.Timestamp) []avEffect {
	if h.av == nil {
		return nil
	}
	return h.av.handleTimer(now, h)
}

// Propose creates our proposal unit for a candidate value.
func (h *Highway) Propose(value *types.ProtoBlock, ctx consensus.BlockContext) []avEffect {
	if h.av == nil {
		return nil
	}
	return h.av.propose(value, ctx, h)
}

// SetRoundExp adopts the round exponent for our future rounds.
func (h *Highway) SetRoundExp(exp uint8) {
	if h.av != nil {
		h.av.setRoundExp(exp)
	}
}

// GetDepOutcome is the result of looking up a dependency for a peer.
type GetDepOutcome struct {
	Vertex    *Vertex
	Validator common.Address
	Evidence  bool
}

// GetDependency looks up the requested dependency in the state.
func (h *Highway) GetDependency(dep Dependency) GetDepOutcome {
	switch dep.Kind {
	case DepUnit:
		if w := h.state.WireUnit(dep.Hash, h.instanceID); w != nil {
			return GetDepOutcome{Vertex: UnitVertex(w)}
		}
	case DepEvidence:
		if ev := h.state.MaybeEvidence(dep.Validator); ev != nil {
			if id, ok := h.validators.ID(dep.Validator); ok {
				return GetDepOutcome{Validator: id, Evidence: true}
			}
		}
	case DepEndorsement:
		// Endorsements are forwarded as vertices when requested.
		for _, e := range h.state.endorsements[dep.Hash] {
			return GetDepOutcome{Vertex: EndorsementVertex(e)}
		}
	}
	return GetDepOutcome{}
}

// ActivateValidator starts producing units with the given identity.
func (h *Highway) ActivateValidator(id common.Address, signer consensus.Signer,
	now params.Timestamp, unitFile string) ([]avEffect, error) {
	idx, ok := h.validators.Index(id)
	if !ok {
		return nil, ErrUnknownValidator
	}
	h.av = newActiveValidator(idx, id, signer, h.params.InitRoundExp, unitFile)
	// First wake-up at the next round boundary.
	length := h.av.roundLength()
	next := roundID(now, h.av.roundExp).Add(length)
	return []avEffect{{kind: effScheduleTimer, timestamp: next}}, nil
}

// DeactivateValidator stops unit production. Message handling
// continues.
func (h *Highway) DeactivateValidator() { h.av = nil }

// SetPaused switches between full unit production and pings only.
func (h *Highway) SetPaused(paused bool) {
	if h.av != nil {
		h.av.paused = paused
	}
}

// LatestOwnUnit returns our latest unit in the state, if any.
func (h *Highway) LatestOwnUnit() *WireUnit {
	if h.av == nil {
		return nil
	}
	hash, ok := h.state.LatestUnit(h.av.idx)
	if !ok {
		return nil
	}
	return h.state.Unit(hash)
}

// NextRoundLength returns the length of our next round if we are
// active.
func (h *Highway) NextRoundLength() (params.TimeDiff, bool) {
	if h.av == nil {
		return 0, false
	}
	return h.av.roundLength(), true
}

// RetainEvidenceOnly drops everything but evidence from the state.
func (h *Highway) RetainEvidenceOnly() { h.state.RetainEvidenceOnly() }
