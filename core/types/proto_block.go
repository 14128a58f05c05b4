package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/blake2b"

	"github.com/tos-network/go-highway/params"
)

// ProtoBlock is a proposed block payload: the deploys selected for
// inclusion, the proposal timestamp and the consensus randomness bit.
// It is what Highway orders; execution happens downstream once the
// payload is finalized.
type ProtoBlock struct {
	WasmDeploys []common.Hash
	Transfers   []common.Hash
	Timestamp   params.Timestamp
	RandomBit   bool
}

// NewProtoBlock assembles a proto block from selected deploy hashes.
func NewProtoBlock(wasmDeploys, transfers []common.Hash, timestamp params.Timestamp, randomBit bool) *ProtoBlock {
	return &ProtoBlock{
		WasmDeploys: wasmDeploys,
		Transfers:   transfers,
		Timestamp:   timestamp,
		RandomBit:   randomBit,
	}
}

// Hash returns the blake2b digest of the canonical encoding.
func (pb *ProtoBlock) Hash() common.Hash {
	enc, err := rlp.EncodeToBytes(pb)
	if err != nil {
		panic("proto block encoding failed: " + err.Error())
	}
	return common.Hash(blake2b.Sum256(enc))
}

// Deploys returns all deploy hashes in the payload, wasm deploys first.
func (pb *ProtoBlock) Deploys() []common.Hash {
	out := make([]common.Hash, 0, len(pb.WasmDeploys)+len(pb.Transfers))
	out = append(out, pb.WasmDeploys...)
	out = append(out, pb.Transfers...)
	return out
}

// NeedsValidation reports whether the payload must be validated by the
// deploy fetcher before it can enter the protocol state. An empty
// payload is trivially valid.
func (pb *ProtoBlock) NeedsValidation() bool {
	return len(pb.WasmDeploys)+len(pb.Transfers) > 0
}
