package params

// Protocol-wide constants that are not operator configurable.
const (
	// BlockReward is the base reward assigned to a fully rewarded
	// round, in reward units. Actual payouts are computed downstream.
	BlockReward uint64 = 1_000_000_000_000

	// MaxEndorsementEvidenceLimit caps the number of units allowed in a
	// piece of conflicting-endorsement evidence, regardless of era
	// length.
	MaxEndorsementEvidenceLimit uint64 = 10_000

	// DeployApproxMinSize is the smallest size a deploy is assumed to
	// occupy in a block. Candidate selection stops considering wasm
	// deploys once the remaining block space is at most this size.
	DeployApproxMinSize = 300
)

// PruneInterval is the interval between prunings of the block
// proposer's internal sets.
const PruneInterval TimeDiff = 10_000

// HighwayConfig holds the operator configuration of a Highway era.
type HighwayConfig struct {
	// Bounds for the round exponent: round length is 2^exp milliseconds.
	MinRoundExponent uint8 `toml:",omitempty"`
	MaxRoundExponent uint8 `toml:",omitempty"`

	// FinalityThresholdNum/Den express the fraction of the total weight
	// that may be faulty before finality becomes impossible.
	FinalityThresholdNum uint64 `toml:",omitempty"`
	FinalityThresholdDen uint64 `toml:",omitempty"`

	// ReducedRewardNum/Den express the multiplier applied to the block
	// reward for rounds that were not fully successful.
	ReducedRewardNum uint64 `toml:",omitempty"`
	ReducedRewardDen uint64 `toml:",omitempty"`

	// PendingVertexTimeout bounds how long a pre-validated vertex may
	// wait in the synchronizer for its dependencies.
	PendingVertexTimeout TimeDiff `toml:",omitempty"`

	// StandstillTimeout is how long the protocol state may remain
	// unchanged before a standstill alert is raised.
	StandstillTimeout TimeDiff `toml:",omitempty"`

	// LogParticipationInterval is how often the validator participation
	// report is logged.
	LogParticipationInterval TimeDiff `toml:",omitempty"`

	// MinimumEraHeight and EraDuration together determine when a block
	// is a switch block: the era ends at the first block at or past
	// both limits.
	MinimumEraHeight uint64   `toml:",omitempty"`
	EraDuration      TimeDiff `toml:",omitempty"`
}

// DefaultHighwayConfig are the defaults used when no config file
// overrides them.
var DefaultHighwayConfig = HighwayConfig{
	MinRoundExponent:         12, // ~4.1s rounds
	MaxRoundExponent:         19, // ~8.7min rounds
	FinalityThresholdNum:     1,
	FinalityThresholdDen:     3,
	ReducedRewardNum:         1,
	ReducedRewardDen:         5,
	PendingVertexTimeout:     TimeDiff(30 * 60 * 1000),
	StandstillTimeout:        TimeDiff(20 * 60 * 1000),
	LogParticipationInterval: TimeDiff(60 * 1000),
	MinimumEraHeight:         20,
	EraDuration:              TimeDiff(2 * 60 * 60 * 1000),
}

// DeployConfig holds the limits the block proposer enforces when
// selecting deploys for a proto block.
type DeployConfig struct {
	// MaxTTL caps how long a deploy may wait for inclusion.
	MaxTTL TimeDiff `toml:",omitempty"`

	// MaxDependencies caps the number of dependencies a deploy header
	// may declare.
	MaxDependencies uint32 `toml:",omitempty"`

	// Per-block limits.
	BlockMaxTransferCount uint32 `toml:",omitempty"`
	BlockMaxDeployCount   uint32 `toml:",omitempty"`
	MaxBlockSize          uint32 `toml:",omitempty"`
	BlockGasLimit         uint64 `toml:",omitempty"`
}

// DefaultDeployConfig are the defaults used when no config file
// overrides them.
var DefaultDeployConfig = DeployConfig{
	MaxTTL:                TimeDiff(24 * 60 * 60 * 1000),
	MaxDependencies:       10,
	BlockMaxTransferCount: 1000,
	BlockMaxDeployCount:   50,
	MaxBlockSize:          10 * 1024 * 1024,
	BlockGasLimit:         10_000_000_000_000,
}
