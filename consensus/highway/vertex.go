package highway

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/blake2b"

	"github.com/tos-network/go-highway/consensus"
	"github.com/tos-network/go-highway/core/types"
	"github.com/tos-network/go-highway/params"
)

var (
	ErrWrongInstance     = errors.New("highway: vertex for a different era instance")
	ErrBadCreator        = errors.New("highway: creator index out of range")
	ErrBannedCreator     = errors.New("highway: creator is banned")
	ErrBadPanoramaLen    = errors.New("highway: panorama length does not match validator count")
	ErrMisalignedUnit    = errors.New("highway: proposal timestamp not aligned to round")
	ErrBadSignature      = errors.New("highway: invalid signature")
	ErrNotEquivocation   = errors.New("highway: units do not prove an equivocation")
	ErrBadEndorsements   = errors.New("highway: endorsements do not conflict")
	ErrEndorsementsLimit = errors.New("highway: endorsement evidence exceeds era limit")
	ErrEmptyVertex       = errors.New("highway: vertex payload missing")
)

// WireUnit is the transmittable form of a unit: a signed message from
// one validator at one round.
type WireUnit struct {
	InstanceID common.Hash
	Creator    consensus.ValidatorIndex
	SeqNumber  uint64
	RoundExp   uint8
	Timestamp  params.Timestamp
	Panorama   Panorama
	Value      *types.ProtoBlock `rlp:"nil"`
	Signature  []byte
}

// Hash returns the unit's identity: the blake2b digest of its signed
// fields. The signature itself is excluded.
func (u *WireUnit) Hash() common.Hash {
	unsigned := *u
	unsigned.Signature = nil
	enc, err := rlp.EncodeToBytes(&unsigned)
	if err != nil {
		panic("unit encoding failed: " + err.Error())
	}
	return common.Hash(blake2b.Sum256(enc))
}

// IsProposal reports whether the unit carries a consensus value.
func (u *WireUnit) IsProposal() bool { return u.Value != nil }

// RoundLength returns the length of the unit's round.
func (u *WireUnit) RoundLength() params.TimeDiff {
	return params.TimeDiff(uint64(1) << u.RoundExp)
}

// RoundID returns the start of the round the unit belongs to.
func (u *WireUnit) RoundID() params.Timestamp {
	return roundID(u.Timestamp, u.RoundExp)
}

// roundID aligns ts down to the start of its round at the given
// exponent. Rounds are aligned to absolute multiples of the round
// length, so all validators with the same exponent agree on the grid.
func roundID(ts params.Timestamp, exp uint8) params.Timestamp {
	length := uint64(1) << exp
	return params.Timestamp(uint64(ts) / length * length)
}

// Endorsement is a validator's signed confirmation of a unit,
// strengthening it against equivocations.
type Endorsement struct {
	UnitHash  common.Hash
	Endorser  consensus.ValidatorIndex
	Signature []byte
}

// Digest returns the signed digest of the endorsement.
func (e *Endorsement) Digest() common.Hash {
	var buf [36]byte
	copy(buf[:32], e.UnitHash[:])
	buf[32] = byte(e.Endorser >> 24)
	buf[33] = byte(e.Endorser >> 16)
	buf[34] = byte(e.Endorser >> 8)
	buf[35] = byte(e.Endorser)
	return common.Hash(blake2b.Sum256(buf[:]))
}

// Ping is a liveness message from a paused or syncing validator. It
// carries no protocol state.
type Ping struct {
	InstanceID common.Hash
	Creator    consensus.ValidatorIndex
	Timestamp  params.Timestamp
	Signature  []byte
}

// Digest returns the signed digest of the ping.
func (p *Ping) Digest() common.Hash {
	enc, err := rlp.EncodeToBytes(&Ping{
		InstanceID: p.InstanceID,
		Creator:    p.Creator,
		Timestamp:  p.Timestamp,
	})
	if err != nil {
		panic("ping encoding failed: " + err.Error())
	}
	return common.Hash(blake2b.Sum256(enc))
}

// EvidenceKind tags the two shapes of equivocation proof.
type EvidenceKind uint8

const (
	// EvidenceEquivocation is two conflicting signed units at the same
	// sequence number.
	EvidenceEquivocation EvidenceKind = iota
	// EvidenceEndorsements is a set of conflicting endorsements.
	EvidenceEndorsements
)

// Evidence proves that a validator violated the protocol.
type Evidence struct {
	Kind  EvidenceKind
	Unit1 *WireUnit `rlp:"nil"`
	Unit2 *WireUnit `rlp:"nil"`
	// Endorsements holds the conflicting endorsements for
	// EvidenceEndorsements, bounded by the era's evidence limit.
	Endorsements []*Endorsement
}

// Perpetrator returns the index of the equivocating validator.
func (e *Evidence) Perpetrator() consensus.ValidatorIndex {
	switch e.Kind {
	case EvidenceEquivocation:
		return e.Unit1.Creator
	default:
		if len(e.Endorsements) > 0 {
			return e.Endorsements[0].Endorser
		}
		return 0
	}
}

// Validate checks that the evidence actually proves an equivocation:
// same creator, compatible positions, different content.
func (e *Evidence) Validate(limit uint64) error {
	switch e.Kind {
	case EvidenceEquivocation:
		if e.Unit1 == nil || e.Unit2 == nil {
			return ErrEmptyVertex
		}
		if e.Unit1.Creator != e.Unit2.Creator ||
			e.Unit1.SeqNumber != e.Unit2.SeqNumber ||
			e.Unit1.Hash() == e.Unit2.Hash() {
			return ErrNotEquivocation
		}
		return nil
	case EvidenceEndorsements:
		if uint64(len(e.Endorsements)) > limit {
			return ErrEndorsementsLimit
		}
		if len(e.Endorsements) < 2 {
			return ErrBadEndorsements
		}
		first := e.Endorsements[0]
		conflict := false
		for _, en := range e.Endorsements[1:] {
			if en.Endorser != first.Endorser {
				return ErrBadEndorsements
			}
			if en.UnitHash != first.UnitHash {
				conflict = true
			}
		}
		if !conflict {
			return ErrBadEndorsements
		}
		return nil
	default:
		return ErrEmptyVertex
	}
}

// VertexKind tags the vertex union.
type VertexKind uint8

const (
	VertexUnit VertexKind = iota
	VertexEvidence
	VertexEndorsement
	VertexPing
)

// Vertex is anything that can be added to the protocol state: a unit,
// evidence, an endorsement, or a ping.
type Vertex struct {
	Kind        VertexKind
	Unit        *WireUnit    `rlp:"nil"`
	Evidence    *Evidence    `rlp:"nil"`
	Endorsement *Endorsement `rlp:"nil"`
	Ping        *Ping        `rlp:"nil"`
}

// UnitVertex wraps a wire unit as a vertex.
func UnitVertex(u *WireUnit) *Vertex { return &Vertex{Kind: VertexUnit, Unit: u} }

// EvidenceVertex wraps evidence as a vertex.
func EvidenceVertex(e *Evidence) *Vertex { return &Vertex{Kind: VertexEvidence, Evidence: e} }

// EndorsementVertex wraps an endorsement as a vertex.
func EndorsementVertex(e *Endorsement) *Vertex { return &Vertex{Kind: VertexEndorsement, Endorsement: e} }

// PingVertex wraps a ping as a vertex.
func PingVertex(p *Ping) *Vertex { return &Vertex{Kind: VertexPing, Ping: p} }

// IsEvidence reports whether the vertex is an equivocation proof.
func (v *Vertex) IsEvidence() bool { return v.Kind == VertexEvidence }

// Creator returns the validator that authored the vertex, if any.
func (v *Vertex) Creator() (consensus.ValidatorIndex, bool) {
	switch v.Kind {
	case VertexUnit:
		return v.Unit.Creator, true
	case VertexEndorsement:
		return v.Endorsement.Endorser, true
	case VertexPing:
		return v.Ping.Creator, true
	default:
		return 0, false
	}
}

// Timestamp returns the vertex timestamp, if it has one.
func (v *Vertex) Timestamp() (params.Timestamp, bool) {
	switch v.Kind {
	case VertexUnit:
		return v.Unit.Timestamp, true
	case VertexPing:
		return v.Ping.Timestamp, true
	default:
		return 0, false
	}
}

// Value returns the consensus value the vertex proposes, if any.
func (v *Vertex) Value() *types.ProtoBlock {
	if v.Kind == VertexUnit {
		return v.Unit.Value
	}
	return nil
}

// ID returns the dependency id identifying this vertex.
func (v *Vertex) ID() Dependency {
	switch v.Kind {
	case VertexUnit:
		return Dependency{Kind: DepUnit, Hash: v.Unit.Hash()}
	case VertexEvidence:
		return Dependency{Kind: DepEvidence, Validator: v.Evidence.Perpetrator()}
	case VertexEndorsement:
		return Dependency{Kind: DepEndorsement, Hash: v.Endorsement.UnitHash}
	default:
		return Dependency{Kind: DepPing, Hash: v.Ping.Digest()}
	}
}

func (v *Vertex) String() string {
	switch v.Kind {
	case VertexUnit:
		return fmt.Sprintf("unit %x by validator %d", v.Unit.Hash().Bytes()[:6], v.Unit.Creator)
	case VertexEvidence:
		return fmt.Sprintf("evidence against validator %d", v.Evidence.Perpetrator())
	case VertexEndorsement:
		return fmt.Sprintf("endorsement of %x by validator %d",
			v.Endorsement.UnitHash.Bytes()[:6], v.Endorsement.Endorser)
	default:
		return fmt.Sprintf("ping from validator %d", v.Ping.Creator)
	}
}

// DependencyKind tags the dependency union.
type DependencyKind uint8

const (
	DepUnit DependencyKind = iota
	DepEvidence
	DepEndorsement
	DepPing
)

// Dependency is a reference to something that must be present in the
// protocol state before a vertex can be added. It is comparable and
// used as a map key in the synchronizer.
type Dependency struct {
	Kind      DependencyKind
	Hash      common.Hash
	Validator consensus.ValidatorIndex
}

func (d Dependency) String() string {
	switch d.Kind {
	case DepUnit:
		return fmt.Sprintf("unit %x", d.Hash.Bytes()[:6])
	case DepEvidence:
		return fmt.Sprintf("evidence against validator %d", d.Validator)
	case DepEndorsement:
		return fmt.Sprintf("endorsement of %x", d.Hash.Bytes()[:6])
	default:
		return fmt.Sprintf("ping %x", d.Hash.Bytes()[:6])
	}
}

// PreValidatedVertex is a vertex that passed the stateless checks.
type PreValidatedVertex struct {
	vertex *Vertex
}

// Inner returns the underlying vertex.
func (p *PreValidatedVertex) Inner() *Vertex { return p.vertex }

// ValidVertex is a vertex that passed full validation against the
// protocol state and may be added to it.
type ValidVertex struct {
	vertex *Vertex
}

// Inner returns the underlying vertex.
func (v *ValidVertex) Inner() *Vertex { return v.vertex }

// IsProposal reports whether the vertex is a unit carrying a value.
func (v *ValidVertex) IsProposal() bool {
	return v.vertex.Kind == VertexUnit && v.vertex.Unit.IsProposal()
}
