// Package proposer implements the block proposer: an in-memory
// staging buffer that tracks pending deploys and selects a valid,
// bounded subset for inclusion in the next proposed block.
package proposer

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/tos-network/go-highway/core/types"
	"github.com/tos-network/go-highway/params"
)

var pendingDeploysGauge = metrics.NewRegisteredGauge("proposer/pending", nil)

// BlockProposer buffers deploys and serves proto-block requests. It
// starts in an initializing state, buffering events until the state
// snapshot arrives from storage.
type BlockProposer struct {
	logger log.Logger
	cfg    params.DeployConfig

	// Initializing state: events buffered until EventLoaded.
	initializing bool
	buffered     []Event

	ready readyState
}

// readyState is the operational state of the proposer.
type readyState struct {
	logger log.Logger
	cfg    params.DeployConfig

	sets *DeploySets

	// unhandledFinalized are deploys reported finalized before we ever
	// saw them buffered; they filter proposals like finalizedDeploys.
	unhandledFinalized map[common.Hash]struct{}

	// requestQueue holds requests we cannot answer yet, keyed by the
	// nextFinalized height at which they become answerable.
	requestQueue map[uint64][]*Request
}

// NewBlockProposer creates a proposer awaiting its state snapshot.
func NewBlockProposer(cfg params.DeployConfig) *BlockProposer {
	logger := log.New("module", "proposer")
	return &BlockProposer{
		logger:       logger,
		cfg:          cfg,
		initializing: true,
		ready: readyState{
			logger:             logger,
			cfg:                cfg,
			unhandledFinalized: make(map[common.Hash]struct{}),
			requestQueue:       make(map[uint64][]*Request),
		},
	}
}

// NextFinalized returns the height of the next block the proposer
// expects to see finalized.
func (bp *BlockProposer) NextFinalized() uint64 {
	if bp.initializing {
		return 0
	}
	return bp.ready.sets.nextFinalized
}

// HandleEvent processes one event and returns the reactor
// instructions.
func (bp *BlockProposer) HandleEvent(now params.Timestamp, ev Event) []Effect {
	if bp.initializing {
		if ev.Kind != EventLoaded {
			// Buffer everything until the snapshot arrives.
			bp.buffered = append(bp.buffered, ev)
			return nil
		}
		bp.ready.sets = NewDeploySets(ev.FinalizedDeploys, ev.NextFinalizedBlock)
		bp.initializing = false
		bp.logger.Info("block proposer ready",
			"finalizedDeploys", len(ev.FinalizedDeploys),
			"nextFinalized", ev.NextFinalizedBlock)

		var effects []Effect
		for _, buffered := range bp.buffered {
			effects = append(effects, bp.ready.handleEvent(now, buffered)...)
		}
		bp.buffered = nil
		// Start pruning after the regular interval.
		effects = append(effects, Effect{Kind: EffectSchedulePrune, At: now.Add(params.PruneInterval)})
		pendingDeploysGauge.Update(int64(bp.ready.sets.pending.Len()))
		return effects
	}

	effects := bp.ready.handleEvent(now, ev)
	pendingDeploysGauge.Update(int64(bp.ready.sets.pending.Len()))
	return effects
}

func (rs *readyState) handleEvent(now params.Timestamp, ev Event) []Effect {
	switch ev.Kind {
	case EventRequest:
		req := ev.Request
		if req.NextFinalized > rs.sets.nextFinalized {
			rs.logger.Debug("received request before finalization announcement",
				"requestNextFinalized", req.NextFinalized,
				"nextFinalized", rs.sets.nextFinalized)
			rs.requestQueue[req.NextFinalized] = append(rs.requestQueue[req.NextFinalized], req)
			return nil
		}
		rs.logger.Info("proposing a proto block", "nextFinalized", req.NextFinalized)
		req.Responder(rs.proposeProtoBlock(req.CurrentInstant, req.PastDeploys, req.RandomBit))
		return nil

	case EventBufferDeploy:
		rs.addDeployOrTransfer(now, ev.Hash, ev.Deploy)
		return nil

	case EventPrune:
		pruned := rs.sets.Prune(now)
		rs.logger.Debug("pruned deploys from buffer", "pruned", pruned)
		return []Effect{{Kind: EffectSchedulePrune, At: now.Add(params.PruneInterval)}}

	case EventFinalized:
		return rs.handleFinalized(ev.Block, ev.Height)

	default:
		// A second snapshot cannot happen; ignore and carry on.
		rs.logger.Error("got loaded event for block proposer in ready state")
		return nil
	}
}

// addDeployOrTransfer adds a deploy to the buffer, unless it already
// expired or was already finalized.
func (rs *readyState) addDeployOrTransfer(now params.Timestamp, hash common.Hash, deploy *types.DeployType) {
	if deploy.Header.Expired(now) {
		rs.logger.Trace("expired deploy rejected from the buffer", "hash", hash)
		return
	}
	if _, ok := rs.unhandledFinalized[hash]; ok {
		rs.logger.Info("deploy was previously marked as finalized, storing header", "hash", hash)
		delete(rs.unhandledFinalized, hash)
		rs.sets.finalizedDeploys[hash] = deploy.Header
		rs.sets.pending.Remove(hash)
		return
	}
	if _, ok := rs.sets.finalizedDeploys[hash]; ok {
		rs.logger.Info("deploy rejected from the buffer", "hash", hash)
		return
	}
	rs.sets.pending.Add(hash, deploy)
	rs.logger.Trace("added deploy to the buffer", "hash", hash)
}

// handleFinalized serializes finalization notifications arriving out
// of order, so nextFinalized grows monotonically.
func (rs *readyState) handleFinalized(block *types.ProtoBlock, height uint64) []Effect {
	deploys := block.Deploys()
	if height > rs.sets.nextFinalized {
		rs.logger.Debug("received finalized blocks out of order; queueing",
			"height", height, "nextFinalized", rs.sets.nextFinalized)
		// height is greater than nextFinalized >= 0, so height-1 is safe.
		// The entry is released right after its predecessor is applied.
		rs.sets.finalizationQueue[height-1] = deploys
		return nil
	}

	rs.logger.Debug("handling finalized block", "height", height)
	rs.applyFinalizedBlock(height, deploys)
	for {
		queued, ok := rs.sets.finalizationQueue[height]
		if !ok {
			break
		}
		delete(rs.sets.finalizationQueue, height)
		rs.logger.Info("removed finalization queue entry", "height", height)
		height++
		rs.applyFinalizedBlock(height, queued)
	}
	return nil
}

// applyFinalizedBlock moves the block's deploys into the finalized
// set, advances nextFinalized, and answers requests that became
// answerable.
func (rs *readyState) applyFinalizedBlock(height uint64, deploys []common.Hash) {
	for _, hash := range deploys {
		if d, ok := rs.sets.pending.Remove(hash); ok {
			rs.sets.finalizedDeploys[hash] = d.Header
		} else if _, ok := rs.sets.finalizedDeploys[hash]; !ok {
			// We never saw this deploy; take note so a later buffering
			// lands it in the finalized set.
			rs.unhandledFinalized[hash] = struct{}{}
		}
	}
	if height+1 > rs.sets.nextFinalized {
		rs.sets.nextFinalized = height + 1
	}

	if requests, ok := rs.requestQueue[rs.sets.nextFinalized]; ok {
		delete(rs.requestQueue, rs.sets.nextFinalized)
		rs.logger.Info("handling queued requests", "height", rs.sets.nextFinalized)
		for _, req := range requests {
			req.Responder(rs.proposeProtoBlock(req.CurrentInstant, req.PastDeploys, req.RandomBit))
		}
	}
}

// isDeployValid checks a deploy for inclusion at the block timestamp:
// the header must validate and all dependencies must be in past or
// finalized blocks.
func (rs *readyState) isDeployValid(header *types.DeployHeader, blockTimestamp params.Timestamp,
	pastDeploys map[common.Hash]struct{}) bool {
	if err := header.Validate(&rs.cfg, blockTimestamp); err != nil {
		return false
	}
	for _, dep := range header.Dependencies {
		if _, ok := pastDeploys[dep]; ok {
			continue
		}
		if rs.containsFinalized(dep) {
			continue
		}
		return false
	}
	return true
}

func (rs *readyState) containsFinalized(hash common.Hash) bool {
	if _, ok := rs.sets.finalizedDeploys[hash]; ok {
		return true
	}
	_, ok := rs.unhandledFinalized[hash]
	return ok
}

// proposeProtoBlock selects a bounded set of candidate deploys in
// arrival order.
func (rs *readyState) proposeProtoBlock(blockTimestamp params.Timestamp,
	pastDeploys map[common.Hash]struct{}, randomBit bool) *types.ProtoBlock {

	maxTransfers := int(rs.cfg.BlockMaxTransferCount)
	maxDeploys := int(rs.cfg.BlockMaxDeployCount)
	maxBlockSize := int(rs.cfg.MaxBlockSize)
	gasLimit := rs.cfg.BlockGasLimit

	var transfers, wasmDeploys []common.Hash
	var gasTotal uint64
	sizeTotal := 0

	rs.sets.pending.Each(func(hash common.Hash, d *types.DeployType) bool {
		atMaxTransfers := len(transfers) == maxTransfers
		atMaxDeploys := len(wasmDeploys) == maxDeploys ||
			(d.IsWasm() && sizeTotal+params.DeployApproxMinSize >= maxBlockSize)

		if atMaxDeploys && atMaxTransfers {
			return false
		}

		if !rs.isDeployValid(&d.Header, blockTimestamp, pastDeploys) {
			return true
		}
		if _, ok := pastDeploys[hash]; ok {
			return true
		}
		if _, ok := rs.sets.finalizedDeploys[hash]; ok {
			return true
		}

		switch {
		case d.IsTransfer() && !atMaxTransfers:
			// Wasm-less transfers are always cheap to include.
			transfers = append(transfers, hash)
		case d.IsWasm() && !atMaxDeploys:
			if sizeTotal+int(d.Size) > maxBlockSize {
				return true
			}
			paymentGas, err := d.PaymentGas()
			if err != nil {
				rs.logger.Error("payment amount couldn't be converted to gas",
					"hash", hash, "err", err)
				return true
			}
			newTotal := gasTotal + paymentGas
			if newTotal < gasTotal {
				rs.logger.Warn("block gas would overflow", "hash", hash)
				return true
			}
			if newTotal > gasLimit {
				return true
			}
			wasmDeploys = append(wasmDeploys, hash)
			gasTotal = newTotal
			sizeTotal += int(d.Size)
		}
		return true
	})

	return types.NewProtoBlock(wasmDeploys, transfers, blockTimestamp, randomBit)
}
