package highway

import (
	"fmt"
	"strings"

	"github.com/tos-network/go-highway/consensus"
)

// ParticipationStatus classifies one validator's era participation.
type ParticipationStatus uint8

const (
	// ParticipationActive: the validator has units in the state.
	ParticipationActive ParticipationStatus = iota
	// ParticipationInactive: no unit from the validator yet.
	ParticipationInactive
	// ParticipationFaulty: the validator equivocated.
	ParticipationFaulty
)

// ParticipationEntry is one row of the participation report.
type ParticipationEntry struct {
	Index  consensus.ValidatorIndex
	Weight uint64
	Status ParticipationStatus
	// LastSeq is the sequence number of the latest observed unit.
	LastSeq uint64
}

// Participation is a summary of which validators take part in the era.
type Participation struct {
	Entries        []ParticipationEntry
	FaultyWeight   uint64
	InactiveWeight uint64
	TotalWeight    uint64
}

// NewParticipation builds the report from the current state.
func NewParticipation(s *State) *Participation {
	p := &Participation{TotalWeight: s.TotalWeight()}
	s.Validators().Iterate(func(idx consensus.ValidatorIndex, v Validator) {
		entry := ParticipationEntry{Index: idx, Weight: v.Weight}
		switch {
		case s.IsFaulty(idx):
			entry.Status = ParticipationFaulty
			p.FaultyWeight += v.Weight
		default:
			if hash, ok := s.LatestUnit(idx); ok {
				entry.Status = ParticipationActive
				entry.LastSeq = s.Unit(hash).SeqNumber
			} else {
				entry.Status = ParticipationInactive
				p.InactiveWeight += v.Weight
			}
		}
		p.Entries = append(p.Entries, entry)
	})
	return p
}

func (p *Participation) String() string {
	var faulty, inactive []string
	for _, e := range p.Entries {
		switch e.Status {
		case ParticipationFaulty:
			faulty = append(faulty, fmt.Sprintf("%d", e.Index))
		case ParticipationInactive:
			inactive = append(inactive, fmt.Sprintf("%d", e.Index))
		}
	}
	return fmt.Sprintf("faulty [%s] %d/%d, inactive [%s] %d/%d",
		strings.Join(faulty, " "), p.FaultyWeight, p.TotalWeight,
		strings.Join(inactive, " "), p.InactiveWeight, p.TotalWeight)
}
