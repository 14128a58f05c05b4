package highway

import "github.com/ethereum/go-ethereum/metrics"

var (
	verticesAddedMeter      = metrics.NewRegisteredMeter("highway/vertices/added", nil)
	verticesDroppedMeter    = metrics.NewRegisteredMeter("highway/vertices/dropped", nil)
	synchronizerPurgedMeter = metrics.NewRegisteredMeter("highway/synchronizer/purged", nil)
	finalizedBlocksMeter    = metrics.NewRegisteredMeter("highway/finalized", nil)
	equivocationsMeter      = metrics.NewRegisteredMeter("highway/equivocations", nil)
	roundExpGauge           = metrics.NewRegisteredGauge("highway/round_exp", nil)
)
