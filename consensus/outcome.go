package consensus

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/tos-network/go-highway/core/types"
	"github.com/tos-network/go-highway/params"
)

// OutcomeKind tags a ProtocolOutcome. The set is finite and known; the
// reactor switches on it.
type OutcomeKind uint8

const (
	// OutcomeGossip broadcasts Payload to all peers.
	OutcomeGossip OutcomeKind = iota
	// OutcomeTargetedMessage sends Payload to Peer only.
	OutcomeTargetedMessage
	// OutcomeScheduleTimer asks the reactor to call HandleTimer with
	// TimerID at Timestamp.
	OutcomeScheduleTimer
	// OutcomeScheduleAction asks the reactor to call HandleAction with
	// ActionID as soon as possible.
	OutcomeScheduleAction
	// OutcomeCreateNewBlock requests a candidate value from the block
	// proposer for BlockContext; PastValues are ordered ancestors that
	// are not finalized yet.
	OutcomeCreateNewBlock
	// OutcomeFinalizedBlock announces a newly finalized value.
	OutcomeFinalizedBlock
	// OutcomeValidateConsensusValue requests validation of Value
	// received from Peer.
	OutcomeValidateConsensusValue
	// OutcomeNewEvidence announces first-hand evidence against Validator.
	OutcomeNewEvidence
	// OutcomeSendEvidence asks the reactor to send our evidence against
	// Validator to Peer.
	OutcomeSendEvidence
	// OutcomeDisconnect asks the networking layer to drop Peer.
	OutcomeDisconnect
	// OutcomeInvalidIncomingMessage reports an unusable message from
	// Peer, with the original bytes and the error.
	OutcomeInvalidIncomingMessage
	// OutcomeWeAreFaulty signals that our own key produced an
	// equivocation.
	OutcomeWeAreFaulty
	// OutcomeDoppelgangerDetected signals another process using our
	// validator key.
	OutcomeDoppelgangerDetected
	// OutcomeFttExceeded signals that faulty weight exceeds the
	// fault-tolerance threshold; the era is dead.
	OutcomeFttExceeded
	// OutcomeStandstillAlert signals that the protocol state has not
	// progressed for the configured timeout.
	OutcomeStandstillAlert
)

// ProtocolOutcome is one instruction from the protocol to the reactor.
// Only the fields relevant to Kind are set.
type ProtocolOutcome struct {
	Kind OutcomeKind

	Payload   []byte
	Peer      NodeID
	Timestamp params.Timestamp
	TimerID   TimerID
	ActionID  ActionID

	BlockContext BlockContext
	PastValues   []*types.ProtoBlock

	Value     *types.ProtoBlock
	Validator common.Address
	Err       error
}

// GossipOutcome broadcasts payload to all peers.
func GossipOutcome(payload []byte) ProtocolOutcome {
	return ProtocolOutcome{Kind: OutcomeGossip, Payload: payload}
}

// TargetedOutcome sends payload to a single peer.
func TargetedOutcome(payload []byte, peer NodeID) ProtocolOutcome {
	return ProtocolOutcome{Kind: OutcomeTargetedMessage, Payload: payload, Peer: peer}
}

// TimerOutcome schedules a timer.
func TimerOutcome(at params.Timestamp, id TimerID) ProtocolOutcome {
	return ProtocolOutcome{Kind: OutcomeScheduleTimer, Timestamp: at, TimerID: id}
}

// ActionOutcome schedules an action token.
func ActionOutcome(id ActionID) ProtocolOutcome {
	return ProtocolOutcome{Kind: OutcomeScheduleAction, ActionID: id}
}

// FinalizedOutcome announces a finalized value.
func FinalizedOutcome(value *types.ProtoBlock) ProtocolOutcome {
	return ProtocolOutcome{Kind: OutcomeFinalizedBlock, Value: value}
}

// DisconnectOutcome asks the network layer to drop a peer.
func DisconnectOutcome(peer NodeID) ProtocolOutcome {
	return ProtocolOutcome{Kind: OutcomeDisconnect, Peer: peer}
}

// InvalidMessageOutcome reports an unusable incoming message.
func InvalidMessageOutcome(payload []byte, peer NodeID, err error) ProtocolOutcome {
	return ProtocolOutcome{Kind: OutcomeInvalidIncomingMessage, Payload: payload, Peer: peer, Err: err}
}
