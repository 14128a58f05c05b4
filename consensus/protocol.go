// Package consensus defines the protocol-neutral surface between the
// node's event reactor and a consensus protocol instance: identifiers,
// outcome values, and the era-boundary interface a protocol implements.
package consensus

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/tos-network/go-highway/core/types"
	"github.com/tos-network/go-highway/params"
)

// NodeID identifies a gossip peer. The transport layer owns the
// concrete format; consensus only ever compares and echoes it.
type NodeID string

// TimerID distinguishes the timers a protocol schedules via outcomes.
type TimerID uint8

// ActionID distinguishes deferred work items a protocol schedules for
// itself via outcomes.
type ActionID uint8

// ValidatorIndex is the position of a validator in the era's table.
type ValidatorIndex uint32

// BlockContext carries the position a requested block will occupy.
type BlockContext struct {
	// Timestamp of the proposal round.
	Timestamp params.Timestamp
	// Height of the next block, counted from the era start.
	Height uint64
}

// Protocol is the interface a consensus protocol instance exposes to
// the reactor. Every method is synchronous and returns the outcomes
// the reactor must act on; no method suspends.
type Protocol interface {
	// HandleMessage processes a serialized gossip message from sender.
	HandleMessage(sender NodeID, msg []byte, now params.Timestamp) []ProtocolOutcome

	// HandleNewPeer is called when a new peer connects.
	HandleNewPeer(peer NodeID) []ProtocolOutcome

	// HandleTimer is called when a timer scheduled by an outcome fires.
	HandleTimer(now params.Timestamp, id TimerID) []ProtocolOutcome

	// HandleAction is called for action tokens scheduled by an outcome.
	HandleAction(id ActionID, now params.Timestamp) []ProtocolOutcome

	// Propose submits a candidate value obtained via CreateNewBlock.
	Propose(value *types.ProtoBlock, ctx BlockContext, now params.Timestamp) []ProtocolOutcome

	// ResolveValidity reports the result of validating a candidate
	// value that was requested via ValidateConsensusValue.
	ResolveValidity(value *types.ProtoBlock, valid bool, now params.Timestamp) []ProtocolOutcome

	// ActivateValidator makes this node participate with the given
	// identity. The unit file, if non-empty, persists the hash of our
	// latest unit across restarts.
	ActivateValidator(ourID common.Address, signer Signer, now params.Timestamp, unitFile string) []ProtocolOutcome

	// DeactivateValidator stops unit production without stopping
	// message handling.
	DeactivateValidator()

	// SetEvidenceOnly switches the instance to only accept and serve
	// evidence; used once the era's outcome is decided elsewhere.
	SetEvidenceOnly()

	// SetPaused stops producing units other than pings while retaining
	// full message handling.
	SetPaused(paused bool)

	// HasEvidence reports whether we hold direct evidence against the
	// given validator.
	HasEvidence(vid common.Address) bool

	// MarkFaulty marks the validator as faulty based on external
	// evidence (e.g. from another era).
	MarkFaulty(vid common.Address)

	// RequestEvidence sends our evidence against vid to the peer, if
	// we have any.
	RequestEvidence(sender NodeID, vid common.Address) []ProtocolOutcome

	// ValidatorsWithEvidence lists all validators we hold evidence
	// against.
	ValidatorsWithEvidence() []common.Address

	// HasReceivedMessages reports whether the instance has any protocol
	// state beyond its genesis configuration.
	HasReceivedMessages() bool

	// IsActive reports whether this node is currently producing units.
	IsActive() bool

	// InstanceID identifies the era instance.
	InstanceID() common.Hash

	// NextRoundLength returns the length of our next round, if we are
	// an active validator.
	NextRoundLength() (params.TimeDiff, bool)
}

// Signer signs unit digests with the validator's key. Key management
// is external; consensus only ever sees this narrow surface.
type Signer interface {
	Sign(digest common.Hash) ([]byte, error)
}
