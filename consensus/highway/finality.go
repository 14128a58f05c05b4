package highway

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tos-network/go-highway/consensus"
	"github.com/tos-network/go-highway/core/types"
)

// FttExceededError reports that the weight of faulty validators has
// exceeded the fault tolerance threshold. The era is dead: no further
// finality can be produced.
type FttExceededError struct {
	FaultyWeight uint64
	FTT          uint64
}

func (e *FttExceededError) Error() string {
	return fmt.Sprintf("highway: faulty weight %d exceeds fault tolerance threshold %d",
		e.FaultyWeight, e.FTT)
}

// FinalityDetector finds newly finalized blocks in a protocol state.
//
// A block is finalized once the validators voting for its chain carry
// enough weight that reverting it would require more than FTT weight
// to be faulty: summed weight of correct voters strictly above
// (total + FTT) / 2.
type FinalityDetector struct {
	ftt uint64

	lastFinalized    common.Hash
	hasLastFinalized bool
}

// NewFinalityDetector creates a detector for the given absolute
// fault-tolerance threshold.
func NewFinalityDetector(ftt uint64) *FinalityDetector {
	return &FinalityDetector{ftt: ftt}
}

// FTT returns the absolute fault tolerance threshold.
func (fd *FinalityDetector) FTT() uint64 { return fd.ftt }

// LastFinalized returns the hash of the last finalized block.
func (fd *FinalityDetector) LastFinalized() (common.Hash, bool) {
	return fd.lastFinalized, fd.hasLastFinalized
}

// Run returns the values newly finalized since the last call, in
// chain order, or an FttExceededError once too much weight is faulty.
func (fd *FinalityDetector) Run(s *State) ([]*types.ProtoBlock, error) {
	if faulty := s.FaultyWeight(); faulty > fd.ftt {
		return nil, &FttExceededError{FaultyWeight: faulty, FTT: fd.ftt}
	}

	var finalized []*types.ProtoBlock
	for {
		candidate, ok := fd.nextCandidate(s)
		if !ok {
			return finalized, nil
		}
		if fd.committedWeight(s, candidate)*2 <= s.TotalWeight()+fd.ftt {
			return finalized, nil
		}
		block := s.Block(candidate)
		fd.lastFinalized = candidate
		fd.hasLastFinalized = true
		finalized = append(finalized, block.Value)
	}
}

// nextCandidate returns the child of the last finalized block on the
// current fork choice, if the fork choice extends past it.
func (fd *FinalityDetector) nextCandidate(s *State) (common.Hash, bool) {
	tip := s.ForkChoice()
	if tip == (common.Hash{}) {
		return common.Hash{}, false
	}
	var last common.Hash
	if fd.hasLastFinalized {
		last = fd.lastFinalized
	}
	// Walk the tip's ancestry down to the child of the last finalized
	// block.
	cur := tip
	for {
		b := s.Block(cur)
		if b == nil {
			return common.Hash{}, false
		}
		if b.Parent == last {
			return cur, true
		}
		if b.Parent == (common.Hash{}) {
			// Reached the era root without meeting the last finalized
			// block: the fork choice does not extend it.
			return common.Hash{}, false
		}
		cur = b.Parent
	}
}

// committedWeight sums the weight of non-faulty validators whose
// latest unit votes for a chain containing the candidate block.
func (fd *FinalityDetector) committedWeight(s *State, candidate common.Hash) uint64 {
	var sum uint64
	s.Validators().Iterate(func(idx consensus.ValidatorIndex, v Validator) {
		if s.IsFaulty(idx) {
			return
		}
		latest, ok := s.LatestUnit(idx)
		if !ok {
			return
		}
		if s.VotesFor(latest, candidate) {
			sum += v.Weight
		}
	})
	return sum
}
