package highway

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/tos-network/go-highway/params"
)

// Tuning constants for the adaptive round controller.
const (
	// roundsToConsider is the sliding window of completed rounds the
	// controller looks at.
	roundsToConsider = 40
	// maxFailedRounds is the number of failures within the window that
	// triggers a slowdown.
	maxFailedRounds = 10
	// accelerationPeriod is how many completed rounds pass between
	// speedup considerations.
	accelerationPeriod = 40
	// maxFailuresForSpeedup is the highest failure count within the
	// window that still allows a speedup.
	maxFailuresForSpeedup = 2
)

// RoundSuccessMeter tracks which recent rounds produced a timely,
// accepted proposal, and derives the round exponent for the next
// round: shrink after sustained success, grow after failures, always
// within the configured bounds.
type RoundSuccessMeter struct {
	currentExp     uint8
	minExp, maxExp uint8

	// currentRoundID is the start of the round currently being
	// observed.
	currentRoundID params.Timestamp

	// proposals holds the proposal units recorded for the current
	// round.
	proposals []common.Hash

	// history holds the outcome of recently completed rounds, oldest
	// first, bounded by roundsToConsider.
	history []bool

	// completed counts rounds completed since the last exponent
	// change; used for the speedup cadence.
	completed uint64
}

// NewRoundSuccessMeter creates a meter starting at the given exponent.
func NewRoundSuccessMeter(exp, minExp, maxExp uint8, start params.Timestamp) *RoundSuccessMeter {
	return &RoundSuccessMeter{
		currentExp:     exp,
		minExp:         minExp,
		maxExp:         maxExp,
		currentRoundID: roundID(start, exp),
	}
}

// CurrentExponent returns the exponent currently in force.
func (m *RoundSuccessMeter) CurrentExponent() uint8 { return m.currentExp }

// NewProposal records that a proposal unit was seen. It must be called
// after CalculateNewExponent for the same event, so the proposal is
// attributed to its own round rather than the previous one.
func (m *RoundSuccessMeter) NewProposal(hash common.Hash, timestamp params.Timestamp) {
	if roundID(timestamp, m.currentExp) != m.currentRoundID {
		// Stale or premature proposal; it belongs to a round we are not
		// observing.
		return
	}
	m.proposals = append(m.proposals, hash)
}

// CalculateNewExponent closes all rounds that have ended by now,
// scores them against the state, and returns the exponent to use for
// the next round.
func (m *RoundSuccessMeter) CalculateNewExponent(s *State, now params.Timestamp) uint8 {
	length := params.TimeDiff(uint64(1) << m.currentExp)
	for m.currentRoundID.Add(length) <= now {
		m.closeRound(s)
		m.currentRoundID = m.currentRoundID.Add(length)

		failed := m.failedRounds()
		switch {
		case failed > maxFailedRounds && m.currentExp < m.maxExp:
			m.changeExponent(m.currentExp + 1)
			length = params.TimeDiff(uint64(1) << m.currentExp)
		case m.completed%accelerationPeriod == 0 && failed <= maxFailuresForSpeedup && m.currentExp > m.minExp:
			m.changeExponent(m.currentExp - 1)
			length = params.TimeDiff(uint64(1) << m.currentExp)
		}
	}
	return m.currentExp
}

// NextEra returns the meter to use at the start of the next era: same
// exponent, counters reset.
func (m *RoundSuccessMeter) NextEra(eraStart params.Timestamp) *RoundSuccessMeter {
	return NewRoundSuccessMeter(m.currentExp, m.minExp, m.maxExp, eraStart)
}

// closeRound scores the round that just ended: success iff one of its
// recorded proposals made it into the protocol state.
func (m *RoundSuccessMeter) closeRound(s *State) {
	success := false
	for _, hash := range m.proposals {
		if s.HasUnit(hash) {
			success = true
			break
		}
	}
	m.proposals = m.proposals[:0]
	m.history = append(m.history, success)
	if len(m.history) > roundsToConsider {
		m.history = m.history[len(m.history)-roundsToConsider:]
	}
	m.completed++
}

func (m *RoundSuccessMeter) failedRounds() int {
	failed := 0
	for _, ok := range m.history {
		if !ok {
			failed++
		}
	}
	return failed
}

// changeExponent switches to a new exponent, realigning the round grid
// and clearing the per-exponent counters.
func (m *RoundSuccessMeter) changeExponent(exp uint8) {
	m.currentExp = exp
	m.currentRoundID = roundID(m.currentRoundID, exp)
	m.history = m.history[:0]
	m.completed = 0
}
