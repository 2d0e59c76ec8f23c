// Package coreloop drives the node's phase machine: merging transactions
// between the three pools as they age, falling back to a majority-synced
// pool when the node's own mempool or producer set drifts from consensus,
// and constructing and incorporating a block once the period machine
// reaches its emergency phase. Grounded on loops/core_loop.py's
// CoreClient.
package coreloop

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hclivess/nado/internal/blockengine"
	"github.com/hclivess/nado/internal/consensusloop"
	"github.com/hclivess/nado/internal/gossip"
	"github.com/hclivess/nado/internal/memserver"
	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/producer"
)

// TrustPenaltyReplaceFailure is the trust deduction applied to a peer that
// failed to serve a pool replacement, matching replace_pool's change_trust
// call.
const TrustPenaltyReplaceFailure = -10000

// TrustPenaltyEmergencyCommFailure is the trust deduction applied to a
// peer that fails to answer knows_block/get_blocks_after during emergency
// resync, matching emergency_mode's change_trust calls around those
// requests.
const TrustPenaltyEmergencyCommFailure = -10000

// TrustPenaltyRollback is the trust deduction applied to the peer whose
// disagreement triggered a rollback, matching emergency_mode's
// change_trust(..., value=-100000) on the not-known-block branch.
const TrustPenaltyRollback = -100000

// EmergencyBlockFetchCount bounds how many blocks a single emergency-mode
// catch-up round fetches from the sync peer, matching get_blocks_after's
// count=50 call in emergency_mode.
const EmergencyBlockFetchCount = 50

// MergeBuffer moves transactions out of from, in descending-fee order,
// into to until to's length reaches limit, skipping any transaction whose
// target_block falls outside (blockMin, blockMax]. It matches
// merge_buffer's byte-size gate with a transaction-count proxy, since
// pool wire size is not meaningfully comparable across this port's
// in-memory representation.
func MergeBuffer(from, to []model.Transaction, limit int, blockMin, blockMax uint64) (newFrom, newTo []model.Transaction) {
	remaining := append([]model.Transaction(nil), from...)
	merged := append([]model.Transaction(nil), to...)

	sort.SliceStable(remaining, func(i, j int) bool { return remaining[i].Fee > remaining[j].Fee })

	var kept []model.Transaction
	for _, tx := range remaining {
		if len(merged) >= limit {
			kept = append(kept, tx)
			continue
		}
		if tx.TargetBlock > blockMin && tx.TargetBlock <= blockMax && !containsTxid(merged, tx.Txid) {
			merged = append(merged, tx)
			continue
		}
		kept = append(kept, tx)
	}

	return kept, sortByTxid(merged)
}

func containsTxid(txs []model.Transaction, txid string) bool {
	for _, tx := range txs {
		if tx.Txid == txid {
			return true
		}
	}
	return false
}

func sortByTxid(txs []model.Transaction) []model.Transaction {
	out := append([]model.Transaction(nil), txs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Txid < out[j].Txid })
	return out
}

// MinorityConsensus reports whether sampleHash diverges from
// majorityHash. An empty majorityHash means the majority is not yet
// known, in which case no divergence is reported.
func MinorityConsensus(majorityHash, sampleHash string) bool {
	if majorityHash == "" {
		return false
	}
	return sampleHash != majorityHash
}

// SortOccurrence returns the distinct values of pool ordered from most to
// least frequent, matching sort_occurrence's count-then-sort. Ties break
// by first encountered order, matching Python's stable sort over dict
// iteration order closely enough for this port's purposes.
func SortOccurrence(pool consensusloop.Pool) []string {
	order := make([]string, 0, len(pool))
	counts := make(map[string]int, len(pool))
	seen := make(map[string]bool, len(pool))
	for _, v := range pool {
		counts[v]++
		if !seen[v] {
			seen[v] = true
			order = append(order, v)
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	return order
}

// PeerScore pairs a peer with the trust value the core loop should weigh
// when picking a sync source.
type PeerScore struct {
	IP    string
	Trust int64
}

// GetPeerToSyncFrom picks the peer to replicate a pool from when the node
// is out of consensus: it walks hash candidates from most to least
// common (bounded by cascadeLimit), and within each candidate returns the
// most trusted peer reporting that hash, excluding selfIP. forceSyncIP,
// if non-empty, always wins immediately, matching force_sync_ip's
// override. cascadeDepth reports the 1-based index of the hash candidate
// that was ultimately used.
func GetPeerToSyncFrom(pool consensusloop.Pool, trust map[string]int64, selfIP, forceSyncIP string, cascadeLimit int) (peer string, cascadeDepth int) {
	if forceSyncIP != "" {
		return forceSyncIP, 0
	}

	candidates := SortOccurrence(pool)
	if len(candidates) > cascadeLimit {
		candidates = candidates[:cascadeLimit]
	}

	var firstSeen string

	for i, hashCandidate := range candidates {
		depth := i + 1
		var bestPeer string
		var bestTrust int64 = -1 << 62

		for p, v := range pool {
			if p == selfIP {
				continue
			}
			if v != hashCandidate {
				continue
			}
			if firstSeen == "" {
				firstSeen = p
			}
			if t := trust[p]; t > bestTrust {
				bestTrust = t
				bestPeer = p
			}
		}

		if bestPeer != "" {
			return bestPeer, depth
		}
	}

	return firstSeen, len(candidates)
}

// Engine orchestrates the phase machine's per-tick effects against a
// MemServer, the consensus state it reads majorities from, and the
// block engine it uses to construct and incorporate new blocks.
type Engine struct {
	Mem       *memserver.MemServer
	Consensus *consensusloop.State
	Blocks    *blockengine.Engine
	Gossip    *gossip.Client
	Producer  producerLookup
	BlockTime time.Duration
	SelfIP    string

	onBlockProduced func(model.Block)
}

type producerLookup struct {
	LookupPeer    producer.PeerAddressLookup
	LookupAccount producer.AccountLookup
}

// New builds an Engine wired against the node's shared state.
func New(mem *memserver.MemServer, consensus *consensusloop.State, blocks *blockengine.Engine, g *gossip.Client, lookupPeer producer.PeerAddressLookup, lookupAccount producer.AccountLookup, blockTime time.Duration, selfIP string) *Engine {
	return &Engine{
		Mem:       mem,
		Consensus: consensus,
		Blocks:    blocks,
		Gossip:    g,
		Producer:  producerLookup{LookupPeer: lookupPeer, LookupAccount: lookupAccount},
		BlockTime: blockTime,
		SelfIP:    selfIP,
	}
}

// OnBlockProduced registers a callback invoked after a block this engine
// produced is incorporated, e.g. to announce it to peers.
func (e *Engine) OnBlockProduced(fn func(model.Block)) {
	e.onBlockProduced = fn
}

// Tick runs one pass of the phase machine. It first checks whether the
// node has fallen into the minority against the consensus majority block
// hash; if so, it spends the tick resolving that (catch-up or rollback)
// instead of running the normal period machine, matching run()'s
// check_mode/emergency_mode branch. Otherwise it rotates the period,
// merging pools forward as their period comes due, reconciling against the
// consensus majority in the degraded period, and producing a block once
// the emergency period is reached, matching normal_mode's call order.
func (e *Engine) Tick(ctx context.Context, now int64) error {
	e.checkMode()
	if e.Mem.EmergencyMode {
		return e.emergencyStep(ctx)
	}

	sinceLastBlock := now - e.Mem.LatestBlock.BlockTimestamp
	e.Mem.RotatePeriod(sinceLastBlock, int64(e.BlockTime/time.Second))

	switch e.Mem.Period {
	case memserver.PeriodZero:
		e.mergeUserBuffer()
	case memserver.PeriodOne:
		e.mergeTxBuffer()
	case memserver.PeriodTwo:
		if err := e.reconcileAgainstMajority(ctx); err != nil {
			return err
		}
	case memserver.PeriodThree:
		if err := e.produceBlock(); err != nil {
			return err
		}
	}
	return nil
}

// MinorityBlockConsensus reports whether the node has fallen out of
// consensus with the network's majority block hash: no majority is known
// yet, or the majority block is already one we hold (with at least one
// peer to have learned it from), count as "not minority"; otherwise the
// node is in the minority whenever its own tip differs from the majority
// hash. Matches minority_block_consensus exactly.
func (e *Engine) MinorityBlockConsensus() (bool, error) {
	majority := e.Consensus.MajorityBlockHash
	if majority == "" {
		return false, nil
	}

	var hasPeers bool
	e.Mem.WithLock(func() { hasPeers = len(e.Mem.Peers) > 0 })
	if hasPeers {
		known, err := e.Blocks.HasBlock(majority)
		if err != nil {
			return false, err
		}
		if known {
			return false, nil
		}
	}

	return e.Mem.LatestBlock.BlockHash != majority, nil
}

// checkMode updates Mem.EmergencyMode from MinorityBlockConsensus, and
// clears a stale force-sync override once the block-hash pool is
// comfortably in consensus, matching check_mode.
func (e *Engine) checkMode() {
	minority, err := e.MinorityBlockConsensus()
	if err != nil {
		return
	}
	e.Mem.WithLock(func() {
		e.Mem.EmergencyMode = minority
		if !minority && e.Consensus.BlockHashPoolPercentage > 80 {
			e.Mem.ForceSyncIP = ""
		}
	})
}

// emergencyStep runs one round of emergency resync: it picks the best
// peer to sync from, asks whether that peer knows our current tip, and
// either fetches and applies the blocks that follow it or, if the peer
// has never heard of our tip, rolls back one block and tries again on the
// next tick. Matches one iteration of emergency_mode's while loop.
func (e *Engine) emergencyStep(ctx context.Context) error {
	peer, _ := GetPeerToSyncFrom(e.Consensus.BlockHashPool, e.Consensus.TrustPool, e.SelfIP, e.Mem.ForceSyncIP, e.Mem.CascadeLimit)
	if peer == "" {
		return nil
	}

	blockHash := e.Mem.LatestBlock.BlockHash
	known, err := e.Gossip.KnowsBlock(ctx, peer, blockHash)
	if err != nil {
		e.Consensus.TrustPool[peer] += TrustPenaltyEmergencyCommFailure
		return nil
	}

	if known {
		newBlocks, err := e.Gossip.GetBlocksAfter(ctx, peer, blockHash, EmergencyBlockFetchCount)
		if err != nil {
			e.Consensus.TrustPool[peer] += TrustPenaltyEmergencyCommFailure
			return nil
		}
		for _, block := range newBlocks {
			if err := e.produceRemoteBlock(block, peer); err != nil {
				break
			}
		}
		return nil
	}

	if e.Mem.Rollbacks <= e.Mem.MaxRollbacks {
		previous, err := e.Blocks.RollbackOneBlock(e.Mem.LatestBlock)
		if err != nil {
			return fmt.Errorf("coreloop: rollback: %w", err)
		}
		e.Mem.LatestBlock = previous
		e.Mem.Rollbacks++
		e.Consensus.TrustPool[peer] += TrustPenaltyRollback
	} else {
		e.Mem.Rollbacks = 0
	}
	return nil
}

// produceRemoteBlock reconstructs a block fetched from a peer on top of
// our own current tip (recomputing its hash locally rather than trusting
// the peer's claimed one), verifies it, and incorporates it exactly like a
// self-produced block, matching produce_block(remote=True)'s
// rebuild_block/verify_block/incorporate_block sequence.
func (e *Engine) produceRemoteBlock(remote model.Block, peer string) error {
	creatorAccount, err := e.Producer.LookupAccount(remote.BlockCreator)
	if err != nil {
		return err
	}

	rebuilt, err := blockengine.ConstructBlock(
		remote.BlockTimestamp,
		e.Mem.LatestBlock.BlockNumber+1,
		e.Mem.LatestBlock.BlockHash,
		remote.BlockCreator,
		remote.BlockIP,
		remote.BlockProducersHash,
		remote.BlockTransactions,
		remote.BlockReward,
		creatorAccount,
	)
	if err != nil {
		return fmt.Errorf("coreloop: rebuild remote block: %w", err)
	}

	isOld := remote.BlockTimestamp < time.Now().Unix()-86400
	sorted, err := e.Blocks.VerifyBlock(rebuilt, e.Mem.LatestBlock, e.BlockTime, isOld, e.Mem.QuickSync)
	if err != nil {
		e.Consensus.TrustPool[peer] += TrustPenaltyRollback
		return fmt.Errorf("coreloop: verify remote block: %w", err)
	}

	previous := e.Mem.LatestBlock
	if err := e.Blocks.IncorporateBlock(rebuilt, sorted, previous); err != nil {
		return fmt.Errorf("coreloop: incorporate remote block: %w", err)
	}
	e.Mem.LatestBlock = rebuilt

	if e.onBlockProduced != nil {
		e.onBlockProduced(rebuilt)
	}
	return nil
}

func (e *Engine) mergeUserBuffer() {
	e.Mem.WithLock(func() {
		if len(e.Mem.UserTxBuffer) == 0 {
			return
		}
		blockMin := e.Mem.LatestBlock.BlockNumber
		blockMax := blockMin + 25
		from, to := MergeBuffer(e.Mem.UserTxBuffer, e.Mem.TxBuffer, e.Mem.TransactionBufferLimit, blockMin, blockMax)
		e.Mem.UserTxBuffer = from
		e.Mem.TxBuffer = to
	})
}

func (e *Engine) mergeTxBuffer() {
	e.Mem.WithLock(func() {
		if len(e.Mem.TxBuffer) == 0 {
			return
		}
		blockMin := e.Mem.LatestBlock.BlockNumber
		blockMax := blockMin + 1
		from, to := MergeBuffer(e.Mem.TxBuffer, e.Mem.TransactionPool, e.Mem.TransactionPoolLimit, blockMin, blockMax)
		e.Mem.TxBuffer = from
		e.Mem.TransactionPool = to
	})
}

func (e *Engine) reconcileAgainstMajority(ctx context.Context) error {
	poolHash, err := e.Mem.TransactionPoolHash()
	if err != nil {
		return err
	}
	if MinorityConsensus(e.Consensus.MajorityTransactionHash, poolHash) {
		if err := e.replaceTransactionPool(ctx); err != nil {
			return err
		}
		e.Mem.WithLock(func() { e.Mem.ForceSyncIP = "" })
	}

	producersHash, err := e.Mem.BlockProducersHash()
	if err != nil {
		return err
	}
	if MinorityConsensus(e.Consensus.MajorityProducersHash, producersHash) {
		if err := e.replaceBlockProducers(ctx); err != nil {
			return err
		}
	}
	return nil
}

// replaceTransactionPool fetches the transaction pool from the peer
// currently in majority for the block hash pool and replaces our own,
// matching replace_transaction_pool.
func (e *Engine) replaceTransactionPool(ctx context.Context) error {
	peer, _ := GetPeerToSyncFrom(e.Consensus.BlockHashPool, e.Consensus.TrustPool, e.SelfIP, e.Mem.ForceSyncIP, e.Mem.CascadeLimit)
	if peer == "" {
		return nil
	}

	replacement, err := gossip.GetPool[model.Transaction](ctx, e.Gossip, peer, "transaction_pool", gossip.EncodingMsgpack)
	if err != nil {
		e.Consensus.TrustPool[peer] += TrustPenaltyReplaceFailure
		return nil
	}
	e.Mem.WithLock(func() { e.Mem.TransactionPool = replacement })
	return nil
}

// replaceBlockProducers fetches the producer set from the peer currently
// in majority for the block hash pool, penalizes it if we are not present
// in its suggestion, and replaces our own set with the IPs we have a
// stored record for. Matches replace_block_producers.
func (e *Engine) replaceBlockProducers(ctx context.Context) error {
	peer, _ := GetPeerToSyncFrom(e.Consensus.BlockHashPool, e.Consensus.TrustPool, e.SelfIP, e.Mem.ForceSyncIP, e.Mem.CascadeLimit)
	if peer == "" {
		return nil
	}

	suggested, err := gossip.GetPool[string](ctx, e.Gossip, peer, "block_producers", gossip.EncodingJSON)
	if err != nil {
		e.Consensus.TrustPool[peer] += TrustPenaltyReplaceFailure
		return nil
	}
	if len(suggested) == 0 {
		return nil
	}

	present := false
	for _, ip := range suggested {
		if ip == e.SelfIP {
			present = true
			break
		}
	}
	if !present {
		e.Consensus.TrustPool[peer] += TrustPenaltyReplaceFailure
	}

	replacements := make([]string, 0, len(suggested))
	for _, ip := range suggested {
		if found, ok := e.Producer.LookupPeer(ip); ok && found != "" {
			replacements = append(replacements, ip)
		}
	}
	sort.Strings(replacements)
	e.Mem.WithLock(func() { e.Mem.BlockProducers.IPs = replacements })
	return nil
}

func (e *Engine) produceBlock() error {
	var producers []string
	var pool []model.Transaction
	var peerCount int
	e.Mem.WithLock(func() {
		producers = append([]string(nil), e.Mem.BlockProducers.IPs...)
		pool = append([]model.Transaction(nil), e.Mem.TransactionPool...)
		peerCount = len(e.Mem.Peers)
	})
	if peerCount == 0 || len(producers) == 0 {
		return nil
	}

	producersHash, err := e.Mem.BlockProducersHash()
	if err != nil {
		return err
	}

	candidate, _, err := e.Blocks.BuildCandidate(e.Mem.LatestBlock, producers, producersHash, pool, e.Producer.LookupPeer)
	if err != nil {
		return fmt.Errorf("coreloop: build candidate: %w", err)
	}
	if candidate.BlockCreator != e.Mem.Address {
		return nil
	}

	sorted, err := e.Blocks.VerifyBlock(candidate, e.Mem.LatestBlock, e.BlockTime, false, false)
	if err != nil {
		return fmt.Errorf("coreloop: verify own candidate: %w", err)
	}

	previous := e.Mem.LatestBlock
	if err := e.Blocks.IncorporateBlock(candidate, sorted, previous); err != nil {
		return fmt.Errorf("coreloop: incorporate: %w", err)
	}
	e.Mem.LatestBlock = candidate

	if e.onBlockProduced != nil {
		e.onBlockProduced(candidate)
	}
	return nil
}
