package proposer

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/blake2b"

	"github.com/tos-network/go-highway/core/types"
	"github.com/tos-network/go-highway/db"
	"github.com/tos-network/go-highway/params"
)

// pendingSet is an insertion-ordered map from deploy hash to deploy.
// Candidate selection iterates it in arrival order.
type pendingSet struct {
	order []common.Hash
	items map[common.Hash]*types.DeployType
}

func newPendingSet() *pendingSet {
	return &pendingSet{items: make(map[common.Hash]*types.DeployType)}
}

func (p *pendingSet) Len() int { return len(p.items) }

func (p *pendingSet) Contains(hash common.Hash) bool {
	_, ok := p.items[hash]
	return ok
}

func (p *pendingSet) Add(hash common.Hash, d *types.DeployType) {
	if _, ok := p.items[hash]; ok {
		return
	}
	p.items[hash] = d
	p.order = append(p.order, hash)
}

func (p *pendingSet) Remove(hash common.Hash) (*types.DeployType, bool) {
	d, ok := p.items[hash]
	if !ok {
		return nil, false
	}
	delete(p.items, hash)
	// The order slice is compacted lazily once most of it is garbage.
	if len(p.order) > 2*len(p.items)+16 {
		live := p.order[:0]
		for _, h := range p.order {
			if _, ok := p.items[h]; ok {
				live = append(live, h)
			}
		}
		p.order = live
	}
	return d, true
}

// Each calls fn for every live entry in insertion order until fn
// returns false.
func (p *pendingSet) Each(fn func(hash common.Hash, d *types.DeployType) bool) {
	for _, hash := range p.order {
		d, ok := p.items[hash]
		if !ok {
			continue
		}
		if !fn(hash, d) {
			return
		}
	}
}

// DeploySets are the proposer's three views over deploy hashes:
// pending (eligible for proposal), finalized (already included), and
// the finalization queue for out-of-order notifications.
type DeploySets struct {
	pending          *pendingSet
	finalizedDeploys map[common.Hash]types.DeployHeader

	// finalizationQueue holds deploys of blocks whose ancestors have
	// not been finalized yet. queue[h] is the content of the block at
	// height h+1, released right after height h is applied.
	finalizationQueue map[uint64][]common.Hash

	// nextFinalized is the height of the next block we expect to be
	// finalized.
	nextFinalized uint64
}

// NewDeploySets creates the sets seeded with already-finalized deploys.
func NewDeploySets(finalized map[common.Hash]types.DeployHeader, nextFinalized uint64) *DeploySets {
	if finalized == nil {
		finalized = make(map[common.Hash]types.DeployHeader)
	}
	return &DeploySets{
		pending:           newPendingSet(),
		finalizedDeploys:  finalized,
		finalizationQueue: make(map[uint64][]common.Hash),
		nextFinalized:     nextFinalized,
	}
}

// Prune removes expired deploys from pending and finalized, returning
// the number removed.
func (s *DeploySets) Prune(now params.Timestamp) int {
	pruned := 0
	var expired []common.Hash
	s.pending.Each(func(hash common.Hash, d *types.DeployType) bool {
		if d.Header.Expired(now) {
			expired = append(expired, hash)
		}
		return true
	})
	for _, hash := range expired {
		s.pending.Remove(hash)
		pruned++
	}
	for hash, header := range s.finalizedDeploys {
		if header.Expired(now) {
			delete(s.finalizedDeploys, hash)
			pruned++
		}
	}
	return pruned
}

// CreateStorageKey derives the stable storage key for the proposer's
// state snapshot from the chain name.
func CreateStorageKey(chainName string) []byte {
	digest := blake2b.Sum256([]byte("block_proposer:" + chainName))
	return digest[:]
}

// storedDeploy is one entry of the persisted snapshot.
type storedDeploy struct {
	Hash   common.Hash
	Header types.DeployHeader
}

// SaveFinalized persists the finalized-deploy set under the key.
func SaveFinalized(store db.Store, key []byte, finalized map[common.Hash]types.DeployHeader) error {
	entries := make([]storedDeploy, 0, len(finalized))
	for hash, header := range finalized {
		entries = append(entries, storedDeploy{Hash: hash, Header: header})
	}
	enc, err := rlp.EncodeToBytes(entries)
	if err != nil {
		return err
	}
	return store.Put(key, enc)
}

// LoadFinalized restores the finalized-deploy set, dropping entries
// whose TTL elapsed more than maxTTL ago. A missing snapshot yields an
// empty set.
func LoadFinalized(store db.Store, key []byte, maxTTL params.TimeDiff, now params.Timestamp) (map[common.Hash]types.DeployHeader, error) {
	out := make(map[common.Hash]types.DeployHeader)
	enc, err := store.Get(key)
	if err == db.ErrNotFound {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []storedDeploy
	if err := rlp.DecodeBytes(enc, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Header.Expires().Add(maxTTL) < now {
			continue
		}
		out[e.Hash] = e.Header
	}
	return out, nil
}
