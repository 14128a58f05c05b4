package proposer

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/tos-network/go-highway/core/types"
	"github.com/tos-network/go-highway/params"
)

// EventKind tags the inputs the block proposer reacts to.
type EventKind uint8

const (
	// EventLoaded delivers the state snapshot from storage and moves
	// the proposer from Initializing to Ready.
	EventLoaded EventKind = iota
	// EventBufferDeploy adds a deploy to the pending buffer.
	EventBufferDeploy
	// EventRequest asks for a proto block once the proposer has caught
	// up to the request's finalization height.
	EventRequest
	// EventFinalized announces the content of a finalized block.
	EventFinalized
	// EventPrune expires stale deploys from the internal sets.
	EventPrune
)

// Responder delivers a proto block to whoever asked for it. One-shot.
type Responder func(*types.ProtoBlock)

// Request is a proto-block request together with everything needed to
// answer it.
type Request struct {
	// NextFinalized is the height of the next finalized block the
	// requester knows about; the proposer must catch up to it first.
	NextFinalized uint64
	// CurrentInstant is the proposal timestamp deploys are validated
	// against.
	CurrentInstant params.Timestamp
	// PastDeploys are deploys in ancestor blocks that are not
	// finalized yet; they must not be proposed again.
	PastDeploys map[common.Hash]struct{}
	RandomBit   bool
	Responder   Responder
}

// Event is one input to the proposer's handler.
type Event struct {
	Kind EventKind

	// EventLoaded
	FinalizedDeploys   map[common.Hash]types.DeployHeader
	NextFinalizedBlock uint64

	// EventBufferDeploy
	Hash   common.Hash
	Deploy *types.DeployType

	// EventRequest
	Request *Request

	// EventFinalized
	Block  *types.ProtoBlock
	Height uint64
}

// EffectKind tags the instructions the proposer hands back to the
// reactor.
type EffectKind uint8

const (
	// EffectSchedulePrune asks the reactor to deliver an EventPrune at
	// the given instant.
	EffectSchedulePrune EffectKind = iota
)

// Effect is one instruction to the reactor.
type Effect struct {
	Kind EffectKind
	At   params.Timestamp
}
