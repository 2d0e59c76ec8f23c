// Package blockengine builds, verifies and incorporates blocks: candidate
// construction from the transaction pool and the elected producer,
// reward/fee computation, full acceptance into the store/account/block
// layers, and one-block rollback. Grounded on block_ops.py's
// construct_block/get_block_candidate/get_block_reward and
// loops/core_loop.py's incorporate_block/verify_block/produce_block,
// with rollback.py's rollback_one_block.
package blockengine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hclivess/nado/internal/account"
	"github.com/hclivess/nado/internal/blockstore"
	"github.com/hclivess/nado/internal/cryptoutil"
	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/nadoerr"
	"github.com/hclivess/nado/internal/producer"
	"github.com/hclivess/nado/internal/store"
	"github.com/hclivess/nado/internal/txengine"
)

// RewardBlocksBackward is how far back get_block_reward walks the parent
// chain counting transactions.
const RewardBlocksBackward = 100

// RewardCap is the maximum reward a single block may carry.
const RewardCap = 5_000_000_000

// BlockTimestampHeightGate is the block number below which timestamp
// validation is skipped for compatibility with historical blocks.
const BlockTimestampHeightGate = 20000

// MatchTargetHeightGate is the block number above which every
// transaction in a block must target exactly that block number.
const MatchTargetHeightGate = 20000

// Engine wires the indexed store, block store and account engine together
// to build and accept blocks.
type Engine struct {
	store      *store.Store
	blocks     *blockstore.Store
	accounts   *account.Engine
	blockTime  time.Duration
}

// New returns a block engine over the given storage layers.
func New(s *store.Store, blocks *blockstore.Store, accounts *account.Engine, blockTime time.Duration) *Engine {
	return &Engine{store: s, blocks: blocks, accounts: accounts, blockTime: blockTime}
}

// BlockReward computes the reward for the next block by walking up to
// RewardBlocksBackward blocks back from latest, summing their
// transaction counts, and converting at 10^6 per transaction, capped at
// RewardCap.
func (e *Engine) BlockReward(latest model.Block) (uint64, error) {
	var txCount uint64
	// The walk starts by loading latest itself (its own hash), so
	// latest's own transactions count toward the reward; each step after
	// that follows the parent chain, matching get_block_reward's
	// parent/block_number reassignment order exactly.
	parent := latest.BlockHash
	number := latest.BlockNumber
	floor := int64(latest.BlockNumber) - RewardBlocksBackward

	for number > 0 && int64(number) > floor {
		block, ok, err := e.blocks.LoadBlock(parent)
		if err != nil {
			return 0, fmt.Errorf("blockengine: load block for reward: %w", err)
		}
		if !ok {
			break
		}
		txCount += uint64(len(block.BlockTransactions))
		parent = block.ParentHash
		number = block.BlockNumber
	}

	reward := txCount * 1_000_000
	if reward > RewardCap {
		reward = RewardCap
	}
	return reward, nil
}

// FeeOverBlocks returns the average fee of the latest block's
// transactions (the recommended-fee baseline), or 0 if it has none.
func FeeOverBlocks(latest model.Block) uint64 {
	if len(latest.BlockTransactions) == 0 {
		return 0
	}
	var sum uint64
	for _, tx := range latest.BlockTransactions {
		sum += tx.Fee
	}
	return sum / uint64(len(latest.BlockTransactions))
}

// hashableBlock is the field set hashed to derive a block's hash: the
// hash is taken over the block before its own hash, final timestamp and
// penalty are filled in, matching construct_block's hash-before-fill
// order exactly.
type hashableBlock struct {
	BlockNumber        uint64        `json:"block_number"`
	BlockHash          *string       `json:"block_hash"`
	ParentHash         string        `json:"parent_hash"`
	BlockIP            string        `json:"block_ip"`
	BlockCreator       string        `json:"block_creator"`
	BlockTimestamp     *int64        `json:"block_timestamp"`
	BlockTransactions  []model.Transaction `json:"block_transactions"`
	BlockPenalty       *uint64       `json:"block_penalty"`
	BlockProducersHash string        `json:"block_producers_hash"`
	ChildHash          *string       `json:"child_hash"`
	BlockReward        uint64        `json:"block_reward"`
}

// ConstructBlock builds a new block: its hash is computed first (over the
// pre-hash field set with hash/timestamp/penalty/child unset), then the
// actual timestamp and the creator's penalty against that hash are filled
// in, matching construct_block's two-phase assembly.
func ConstructBlock(blockTimestamp int64, blockNumber uint64, parentHash, creator, blockIP, producersHash string, txs []model.Transaction, reward uint64, creatorAccount model.Account) (model.Block, error) {
	pre := hashableBlock{
		BlockNumber:        blockNumber,
		ParentHash:         parentHash,
		BlockIP:            blockIP,
		BlockCreator:       creator,
		BlockTransactions:  txs,
		BlockProducersHash: producersHash,
		BlockReward:        reward,
	}
	data, err := marshalHashable(pre)
	if err != nil {
		return model.Block{}, fmt.Errorf("blockengine: marshal pre-hash block: %w", err)
	}
	blockHash := cryptoutil.HashLink(parentHash, string(data))

	penalty := producer.BlockPenalty(creatorAccount, blockHash, blockNumber)

	return model.Block{
		BlockNumber:        blockNumber,
		BlockHash:          blockHash,
		ParentHash:         parentHash,
		BlockIP:            blockIP,
		BlockCreator:       creator,
		BlockTimestamp:     blockTimestamp,
		BlockTransactions:  txs,
		BlockProducersHash: producersHash,
		BlockReward:        reward,
		BlockPenalty:       uint64(penalty),
	}, nil
}

func marshalHashable(h hashableBlock) ([]byte, error) {
	return json.Marshal(h)
}

// MatchTransactionsTarget filters pool down to transactions targeting
// exactly blockNumber.
func MatchTransactionsTarget(pool []model.Transaction, blockNumber uint64) []model.Transaction {
	var matched []model.Transaction
	for _, tx := range pool {
		if tx.TargetBlock == blockNumber {
			matched = append(matched, tx)
		}
	}
	return matched
}

// BuildCandidate assembles the next block candidate: it elects the best
// producer from producerIPs, filters the pool down to transactions
// targeting the next block number, and constructs the block.
func (e *Engine) BuildCandidate(latest model.Block, producerIPs []string, producersHash string, pool []model.Transaction, lookupPeer producer.PeerAddressLookup) (model.Block, []producer.PenaltyEntry, error) {
	blockNumber := latest.BlockNumber + 1

	bestIP, penalties, ok := producer.PickBestProducer(producerIPs, lookupPeer, e.accounts.GetOrCreate, latest)
	if !ok {
		return model.Block{}, penalties, fmt.Errorf("blockengine: no producer elected: %w", nadoerr.ErrValidation)
	}
	creator, found := lookupPeer(bestIP)
	if !found {
		return model.Block{}, penalties, fmt.Errorf("blockengine: elected producer %s has no known address: %w", bestIP, nadoerr.ErrValidation)
	}

	targeted := MatchTransactionsTarget(pool, blockNumber)
	reward, err := e.BlockReward(latest)
	if err != nil {
		return model.Block{}, penalties, err
	}

	creatorAccount, err := e.accounts.GetOrCreate(creator)
	if err != nil {
		return model.Block{}, penalties, err
	}

	block, err := ConstructBlock(latest.BlockTimestamp+int64(e.blockTime/time.Second), blockNumber, latest.BlockHash, creator, bestIP, producersHash, targeted, reward, creatorAccount)
	return block, penalties, err
}

// ValidBlockTimestamp reports whether block's timestamp is acceptable: it
// is always accepted below BlockTimestampHeightGate for compatibility
// with historical blocks, and must not be in the future otherwise.
func ValidBlockTimestamp(block model.Block) bool {
	if block.BlockNumber < BlockTimestampHeightGate {
		return true
	}
	return time.Now().Unix() >= block.BlockTimestamp
}

// ValidBlockGap reports whether newBlock's timestamp is exactly
// blockTime seconds after oldBlock's — the constant-gap form.
func ValidBlockGap(oldBlock, newBlock model.Block, blockTime time.Duration) bool {
	return newBlock.BlockTimestamp == oldBlock.BlockTimestamp+int64(blockTime/time.Second)
}

// CheckTargetMatch reports whether every transaction in txs targets
// exactly blockNumber, required above MatchTargetHeightGate.
func CheckTargetMatch(txs []model.Transaction, blockNumber uint64) bool {
	for _, tx := range txs {
		if tx.TargetBlock != blockNumber {
			return false
		}
	}
	return true
}

// VerifyBlock runs every acceptance check a candidate or remote block
// must pass before incorporation: timestamp validity, per-transaction
// origin/spending validity (skipped for old blocks under quick sync), and
// the block-gap constraint. It returns the block's transactions in their
// canonical sorted order.
func (e *Engine) VerifyBlock(block, latest model.Block, blockTime time.Duration, isOld, quickSync bool) ([]model.Transaction, error) {
	if !ValidBlockTimestamp(block) {
		return nil, fmt.Errorf("blockengine: invalid block timestamp: %w", nadoerr.ErrValidation)
	}

	sorted := txengine.SortPool(block.BlockTransactions)

	if !isOld || !quickSync {
		if block.BlockNumber > MatchTargetHeightGate && !CheckTargetMatch(sorted, block.BlockNumber) {
			return nil, fmt.Errorf("blockengine: transaction target block mismatch: %w", nadoerr.ErrValidation)
		}
		if err := txengine.ValidateAllSpending(e.store, sorted, block.BlockNumber); err != nil {
			return nil, err
		}
		for _, tx := range sorted {
			if err := txengine.ValidateOrigin(tx); err != nil {
				return nil, err
			}
		}
	}

	if !ValidBlockGap(latest, block, blockTime) {
		return nil, fmt.Errorf("blockengine: block gap too tight: %w", nadoerr.ErrValidation)
	}

	return sorted, nil
}

// IncorporateBlock applies block's effects: reflects every transaction's
// balance change and indexes it, links the previous latest block's child
// hash, credits the producer's reward and produced count, persists the
// block body, and updates the latest-block pointer and index. This must
// not be partially applied; callers treat any error here as requiring a
// storage-layer retry rather than abandoning the block.
func (e *Engine) IncorporateBlock(block model.Block, sortedTransactions []model.Transaction, previousLatest model.Block) error {
	for _, tx := range sortedTransactions {
		if err := e.accounts.ReflectTransaction(tx, block.BlockNumber, false); err != nil {
			return fmt.Errorf("blockengine: reflect transaction %s: %w", tx.Txid, err)
		}
		if err := e.store.IndexTransaction(tx, block.BlockNumber); err != nil {
			return fmt.Errorf("blockengine: index transaction %s: %w", tx.Txid, err)
		}
	}

	if previousLatest.BlockHash != "" {
		if err := e.blocks.UpdateChildHash(previousLatest.BlockHash, block.BlockHash); err != nil {
			return fmt.Errorf("blockengine: link child hash: %w", err)
		}
	}

	if err := e.accounts.ChangeBalance(block.BlockCreator, int64(block.BlockReward), false); err != nil {
		return fmt.Errorf("blockengine: credit producer reward: %w", err)
	}
	if err := e.accounts.AdjustProduced(block.BlockCreator, int64(block.BlockReward)); err != nil {
		return fmt.Errorf("blockengine: increase produced: %w", err)
	}

	totals := account.GetTotals(block, false)
	if err := e.store.IndexTotals(totals.Produced, totals.Fees, totals.Burned); err != nil {
		return fmt.Errorf("blockengine: index totals: %w", err)
	}

	if err := e.blocks.SaveBlock(block); err != nil {
		return fmt.Errorf("blockengine: save block: %w", err)
	}
	if err := e.store.IndexBlock(block.BlockHash, block.BlockNumber); err != nil {
		return fmt.Errorf("blockengine: index block: %w", err)
	}
	if err := e.blocks.SetLatestBlockInfo(block); err != nil {
		return fmt.Errorf("blockengine: set latest block: %w", err)
	}
	return nil
}

// HasBlock reports whether hash is present in the block store, used by the
// core loop to tell whether a claimed majority block is one we already
// hold before deciding we are out of consensus.
func (e *Engine) HasBlock(hash string) (bool, error) {
	_, ok, err := e.blocks.LoadBlock(hash)
	return ok, err
}

// RollbackOneBlock undoes the most recently accepted block, restoring the
// chain tip to its parent: it reverts the producer's reward and produced
// count, reverts the totals it contributed, unindexes its transactions
// (reverting each one's balance effect), removes its index and body, and
// returns the block that is now the new tip.
func (e *Engine) RollbackOneBlock(block model.Block) (model.Block, error) {
	previous, ok, err := e.blocks.LoadBlock(block.ParentHash)
	if err != nil {
		return model.Block{}, fmt.Errorf("blockengine: load parent: %w", err)
	}
	if !ok {
		return model.Block{}, fmt.Errorf("blockengine: parent block %s not found", block.ParentHash)
	}

	if err := e.blocks.SetLatestBlockInfo(previous); err != nil {
		return model.Block{}, fmt.Errorf("blockengine: set latest to parent: %w", err)
	}

	if err := e.accounts.ChangeBalance(block.BlockCreator, -int64(block.BlockReward), false); err != nil {
		return model.Block{}, fmt.Errorf("blockengine: revert producer reward: %w", err)
	}
	if err := e.accounts.AdjustProduced(block.BlockCreator, -int64(block.BlockReward)); err != nil {
		return model.Block{}, fmt.Errorf("blockengine: revert produced: %w", err)
	}

	totals := account.GetTotals(block, true)
	if err := e.store.IndexTotals(totals.Produced, totals.Fees, totals.Burned); err != nil {
		return model.Block{}, fmt.Errorf("blockengine: revert totals: %w", err)
	}

	for _, tx := range block.BlockTransactions {
		if err := e.accounts.ReflectTransaction(tx, block.BlockNumber, true); err != nil {
			return model.Block{}, fmt.Errorf("blockengine: revert transaction %s: %w", tx.Txid, err)
		}
		if err := e.store.UnindexTransaction(tx.Txid); err != nil {
			return model.Block{}, fmt.Errorf("blockengine: unindex transaction %s: %w", tx.Txid, err)
		}
	}

	if err := e.store.UnindexBlock(block.BlockHash); err != nil {
		return model.Block{}, fmt.Errorf("blockengine: unindex block: %w", err)
	}
	if err := e.blocks.DeleteBlock(block.BlockHash); err != nil {
		return model.Block{}, fmt.Errorf("blockengine: delete block: %w", err)
	}

	return previous, nil
}
