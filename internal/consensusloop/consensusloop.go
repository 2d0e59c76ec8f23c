// Package consensusloop implements the hash-voting consensus mechanism:
// tracking each peer's reported block/transaction-pool/producer-set
// hashes, computing the majority (mode) value per pool, and rewarding or
// penalizing peer trust based on agreement with the majority. Grounded on
// loops/consensus_loop.py's ConsensusClient.
package consensusloop

import (
	"sort"

	"github.com/hclivess/nado/internal/peerreg"
)

// TrustReward is added to a peer's trust when its reported hash agrees
// with the pool majority.
const TrustReward = 3000

// TrustPenalty is added to a peer's trust (i.e. subtracted) when its
// reported hash disagrees with the pool majority.
const TrustPenalty = -100

// Pool maps a peer IP to the hash it last reported for some tracked
// value (latest block hash, transaction pool hash, producer set hash).
type Pool map[string]string

// State holds the consensus loop's accumulated per-peer pools and the
// majority values derived from them.
type State struct {
	BlockHashPool         Pool
	TransactionHashPool   Pool
	BlockProducersHashPool Pool
	TrustPool             map[string]int64

	// StatusPool holds each peer's last-fetched /status response, refreshed
	// by the peer loop's compound fan-out round.
	StatusPool map[string]map[string]any

	MajorityBlockHash       string
	MajorityTransactionHash string
	MajorityProducersHash   string

	BlockHashPoolPercentage       float64
	TransactionHashPoolPercentage float64
	ProducersHashPoolPercentage   float64
}

// NewState returns an empty consensus state.
func NewState() *State {
	return &State{
		BlockHashPool:          make(Pool),
		TransactionHashPool:    make(Pool),
		BlockProducersHashPool: make(Pool),
		TrustPool:              make(map[string]int64),
		StatusPool:             make(map[string]map[string]any),
	}
}

// PoolMajority returns the mode of pool's values: the value occurring
// most often, with ties broken in favor of the lexicographically smallest
// value, matching get_majority's max-over-sorted-values-by-count
// behavior. It returns "" if pool is empty or any entry is still
// unreported ("").
func PoolMajority(pool Pool) string {
	if len(pool) == 0 {
		return ""
	}
	values := make([]string, 0, len(pool))
	counts := make(map[string]int, len(pool))
	for _, v := range pool {
		if v == "" {
			return ""
		}
		values = append(values, v)
		counts[v]++
	}
	sort.Strings(values)

	best := values[0]
	bestCount := counts[best]
	for _, v := range values {
		if counts[v] > bestCount {
			best = v
			bestCount = counts[v]
		}
	}
	return best
}

// PoolPercentage returns the percentage of pool's values equal to
// majority, or 100 if pool is empty or majority is "" (no consensus yet
// to disagree with).
func PoolPercentage(pool Pool, majority string) float64 {
	if len(pool) == 0 || majority == "" {
		return 100
	}
	matches := 0
	for _, v := range pool {
		if v == majority {
			matches++
		}
	}
	return 100 * float64(matches) / float64(len(pool))
}

// RefreshHashes recomputes every pool's majority and percentage, matching
// ConsensusClient.refresh_hashes.
func (s *State) RefreshHashes() {
	s.BlockHashPoolPercentage = PoolPercentage(s.BlockHashPool, s.MajorityBlockHash)
	s.TransactionHashPoolPercentage = PoolPercentage(s.TransactionHashPool, s.MajorityTransactionHash)
	s.ProducersHashPoolPercentage = PoolPercentage(s.BlockProducersHashPool, s.MajorityProducersHash)

	s.MajorityBlockHash = PoolMajority(s.BlockHashPool)
	s.MajorityTransactionHash = PoolMajority(s.TransactionHashPool)
	s.MajorityProducersHash = PoolMajority(s.BlockProducersHashPool)
}

// RewardPoolConsensus adjusts every trust-pool peer's trust by TrustReward
// if its entry in pool matches majority, or TrustPenalty otherwise. Peers
// absent from pool are left untouched. Trust changes are persisted
// through reg.
func (s *State) RewardPoolConsensus(pool Pool, majority string, reg *peerreg.Registry) error {
	for peer := range s.TrustPool {
		reported, ok := pool[peer]
		if !ok {
			continue
		}
		delta := int64(TrustPenalty)
		if reported == majority {
			delta = TrustReward
		}
		s.TrustPool[peer] += delta
		if err := reg.UpdateTrust(peer, delta); err != nil {
			return err
		}
	}
	return nil
}

// AddPeerToTrustPool registers peer in the trust pool with its current
// persisted trust, if it is not already tracked.
func (s *State) AddPeerToTrustPool(peer string, reg *peerreg.Registry) error {
	if _, ok := s.TrustPool[peer]; ok {
		return nil
	}
	rec, found, err := reg.Load(peer)
	if err != nil {
		return err
	}
	if !found {
		s.TrustPool[peer] = peerreg.DefaultTrust
		return nil
	}
	s.TrustPool[peer] = rec.Trust
	return nil
}

// RefreshFromStatusPool rebuilds the block/transaction/producer hash pools
// from each peer's last-fetched /status response, adds any newly seen peer
// to the trust pool, recomputes majorities, and rewards or penalizes every
// tracked peer's trust against them. Matches consensus_loop.py's
// ConsensusClient.run, which derives its hash pools from exactly these
// three status fields rather than dedicated per-hash endpoints.
func (s *State) RefreshFromStatusPool(reg *peerreg.Registry) error {
	for peer, status := range s.StatusPool {
		if status == nil {
			continue
		}
		if v, ok := status["latest_block_hash"].(string); ok {
			s.BlockHashPool[peer] = v
		}
		if v, ok := status["transaction_pool_hash"].(string); ok {
			s.TransactionHashPool[peer] = v
		}
		if v, ok := status["block_producers_hash"].(string); ok {
			s.BlockProducersHashPool[peer] = v
		}
		if err := s.AddPeerToTrustPool(peer, reg); err != nil {
			return err
		}
	}

	s.RefreshHashes()

	if err := s.RewardPoolConsensus(s.BlockHashPool, s.MajorityBlockHash, reg); err != nil {
		return err
	}
	if err := s.RewardPoolConsensus(s.TransactionHashPool, s.MajorityTransactionHash, reg); err != nil {
		return err
	}
	return s.RewardPoolConsensus(s.BlockProducersHashPool, s.MajorityProducersHash, reg)
}

// AverageTrust returns the mean trust across the trust pool, or (0,
// false) if it is empty.
func (s *State) AverageTrust() (int64, bool) {
	if len(s.TrustPool) == 0 {
		return 0, false
	}
	var sum int64
	for _, v := range s.TrustPool {
		sum += v
	}
	return sum / int64(len(s.TrustPool)), true
}

// MedianTrust returns the median trust across the trust pool, or (0,
// false) if it is empty. The core loop's sync-source selection does not
// call it.
func (s *State) MedianTrust() (int64, bool) {
	if len(s.TrustPool) == 0 {
		return 0, false
	}
	values := make([]int64, 0, len(s.TrustPool))
	for _, v := range s.TrustPool {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	mid := len(values) / 2
	if len(values)%2 == 0 {
		return (values[mid-1] + values[mid]) / 2, true
	}
	return values[mid], true
}
