package types

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/tos-network/go-highway/params"
)

var (
	ErrDeployExpired      = errors.New("types: deploy ttl elapsed")
	ErrExcessiveTTL       = errors.New("types: deploy ttl exceeds maximum")
	ErrExcessiveDeps      = errors.New("types: too many deploy dependencies")
	ErrFutureDeploy       = errors.New("types: deploy timestamp is in the future")
	ErrGasPriceZero       = errors.New("types: deploy gas price is zero")
	ErrGasConversion      = errors.New("types: payment amount does not convert to gas")
)

// DeployKind distinguishes wasm deploys from plain transfers.
type DeployKind uint8

const (
	WasmDeploy DeployKind = iota
	TransferDeploy
)

// DeployHeader carries the inclusion-relevant metadata of a deploy.
// The body itself lives in storage; the proposer only ever sees headers.
type DeployHeader struct {
	Timestamp    params.Timestamp
	TTL          params.TimeDiff
	GasPrice     uint64
	BodyHash     common.Hash
	Dependencies []common.Hash
}

// Expires returns the instant after which the deploy is no longer
// eligible for inclusion.
func (h *DeployHeader) Expires() params.Timestamp {
	return h.Timestamp.Add(h.TTL)
}

// Expired reports whether the deploy's TTL has elapsed at now.
func (h *DeployHeader) Expired(now params.Timestamp) bool {
	return h.Expires() < now
}

// Validate checks the header against the deploy config at the given
// block timestamp.
func (h *DeployHeader) Validate(cfg *params.DeployConfig, blockTimestamp params.Timestamp) error {
	if h.TTL > cfg.MaxTTL {
		return ErrExcessiveTTL
	}
	if uint32(len(h.Dependencies)) > cfg.MaxDependencies {
		return ErrExcessiveDeps
	}
	if h.Timestamp > blockTimestamp {
		return ErrFutureDeploy
	}
	if h.Expired(blockTimestamp) {
		return ErrDeployExpired
	}
	return nil
}

// DeployType is a deploy as tracked by the block proposer: its header,
// classification and the figures candidate selection needs.
type DeployType struct {
	Kind          DeployKind
	Header        DeployHeader
	Size          uint32   // approximate serialized size in bytes
	PaymentAmount *big.Int // motes offered for payment (wasm deploys)
}

// IsWasm reports whether the deploy carries session wasm.
func (d *DeployType) IsWasm() bool { return d.Kind == WasmDeploy }

// IsTransfer reports whether the deploy is a wasm-less transfer.
func (d *DeployType) IsTransfer() bool { return d.Kind == TransferDeploy }

// PaymentGas converts the deploy's payment amount from motes to gas at
// the header's gas price. It fails if the price is zero or the result
// does not fit in 64 bits.
func (d *DeployType) PaymentGas() (uint64, error) {
	if d.Header.GasPrice == 0 {
		return 0, ErrGasPriceZero
	}
	if d.PaymentAmount == nil {
		return 0, nil
	}
	motes, overflow := uint256.FromBig(d.PaymentAmount)
	if overflow {
		return 0, ErrGasConversion
	}
	gas := new(uint256.Int).Div(motes, uint256.NewInt(d.Header.GasPrice))
	if !gas.IsUint64() {
		return 0, ErrGasConversion
	}
	return gas.Uint64(), nil
}
