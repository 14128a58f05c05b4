package highway

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/tos-network/go-highway/consensus"
)

// ObservationKind tags one panorama entry.
type ObservationKind uint8

const (
	// ObsNone means no unit by the validator has been observed.
	ObsNone ObservationKind = iota
	// ObsCorrect means the hash is the validator's latest observed unit.
	ObsCorrect
	// ObsFaulty means the validator is known to have equivocated.
	ObsFaulty
)

// Observation is one party's view of a single validator: nothing yet,
// the latest correct unit, or proof of fault.
type Observation struct {
	Kind ObservationKind
	Hash common.Hash // latest unit; zero unless Kind == ObsCorrect
}

// IsCorrect reports whether the observation names a correct unit.
func (o Observation) IsCorrect() bool { return o.Kind == ObsCorrect }

// IsFaulty reports whether the validator is observed as faulty.
func (o Observation) IsFaulty() bool { return o.Kind == ObsFaulty }

// IsNone reports whether nothing has been observed.
func (o Observation) IsNone() bool { return o.Kind == ObsNone }

// Panorama is a fixed-length observation vector, one entry per
// validator in table order.
type Panorama []Observation

// NewPanorama returns an all-None panorama for n validators.
func NewPanorama(n int) Panorama {
	return make(Panorama, n)
}

// Get returns the observation for idx, None if out of range.
func (p Panorama) Get(idx consensus.ValidatorIndex) Observation {
	if int(idx) >= len(p) {
		return Observation{}
	}
	return p[idx]
}

// Copy returns an independent copy of the panorama.
func (p Panorama) Copy() Panorama {
	out := make(Panorama, len(p))
	copy(out, p)
	return out
}

// Equal reports whether two panoramas are identical. Used for
// standstill detection.
func (p Panorama) Equal(other Panorama) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}
