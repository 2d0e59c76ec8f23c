package blockengine

import (
	"testing"
	"time"

	"github.com/hclivess/nado/internal/account"
	"github.com/hclivess/nado/internal/blockstore"
	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *blockstore.Store, *account.Engine) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(store.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	bs, err := blockstore.Open(dir)
	if err != nil {
		t.Fatalf("blockstore.Open: %v", err)
	}
	acc := account.New(s)
	e := New(s, bs, acc, 60*time.Second)
	return e, s, bs, acc
}

func TestConstructBlockHashExcludesTimestampAndPenalty(t *testing.T) {
	creator := model.Account{Address: "ndoCreator"}
	b1, err := ConstructBlock(1000, 5, "parentHash", "ndoCreator", "1.1.1.1", "prodHash", nil, 100, creator)
	if err != nil {
		t.Fatalf("ConstructBlock: %v", err)
	}
	b2, err := ConstructBlock(2000, 5, "parentHash", "ndoCreator", "1.1.1.1", "prodHash", nil, 100, creator)
	if err != nil {
		t.Fatalf("ConstructBlock: %v", err)
	}
	if b1.BlockHash != b2.BlockHash {
		t.Fatalf("expected identical hash independent of timestamp, got %q and %q", b1.BlockHash, b2.BlockHash)
	}
	if b1.BlockTimestamp != 1000 || b2.BlockTimestamp != 2000 {
		t.Fatalf("expected timestamps to still be recorded on the block")
	}
}

func TestBlockRewardWalksParentChain(t *testing.T) {
	e, _, bs, _ := newTestEngine(t)

	genesis := model.Block{BlockHash: "g0", BlockNumber: 0, ParentHash: ""}
	if err := bs.SaveBlock(genesis); err != nil {
		t.Fatalf("SaveBlock: %v", err)
	}
	b1 := model.Block{BlockHash: "h1", BlockNumber: 1, ParentHash: "g0", BlockTransactions: []model.Transaction{{}, {}}}
	if err := bs.SaveBlock(b1); err != nil {
		t.Fatalf("SaveBlock: %v", err)
	}

	reward, err := e.BlockReward(b1)
	if err != nil {
		t.Fatalf("BlockReward: %v", err)
	}
	if reward != 2_000_000 {
		t.Fatalf("reward = %d, want 2000000", reward)
	}
}

func TestFeeOverBlocksAveragesLatestBlock(t *testing.T) {
	latest := model.Block{BlockTransactions: []model.Transaction{{Fee: 10}, {Fee: 30}}}
	if FeeOverBlocks(latest) != 20 {
		t.Fatalf("FeeOverBlocks wrong")
	}
	if FeeOverBlocks(model.Block{}) != 0 {
		t.Fatalf("FeeOverBlocks on empty block should be 0")
	}
}

func TestValidBlockGapConstant(t *testing.T) {
	old := model.Block{BlockTimestamp: 1000}
	good := model.Block{BlockTimestamp: 1060}
	bad := model.Block{BlockTimestamp: 1030}
	if !ValidBlockGap(old, good, 60*time.Second) {
		t.Fatalf("expected exact 60s gap to be valid")
	}
	if ValidBlockGap(old, bad, 60*time.Second) {
		t.Fatalf("expected non-exact gap to be invalid")
	}
}

func TestIncorporateAndRollbackRoundTrip(t *testing.T) {
	e, s, bs, acc := newTestEngine(t)

	genesis := model.Block{BlockHash: "genesisHash", BlockNumber: 0, BlockTimestamp: 1000}
	if err := bs.SaveBlock(genesis); err != nil {
		t.Fatalf("SaveBlock genesis: %v", err)
	}
	if err := bs.SetLatestBlockInfo(genesis); err != nil {
		t.Fatalf("SetLatestBlockInfo: %v", err)
	}
	if err := s.IndexBlock(genesis.BlockHash, genesis.BlockNumber); err != nil {
		t.Fatalf("IndexBlock: %v", err)
	}

	creatorAcc := model.Account{Address: "ndoCreator"}
	block, err := ConstructBlock(1060, 1, "genesisHash", "ndoCreator", "1.1.1.1", "prodHash", nil, 5000, creatorAcc)
	if err != nil {
		t.Fatalf("ConstructBlock: %v", err)
	}

	if err := e.IncorporateBlock(block, nil, genesis); err != nil {
		t.Fatalf("IncorporateBlock: %v", err)
	}

	creatorAfter, err := acc.GetOrCreate("ndoCreator")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if creatorAfter.Balance != 5000 || creatorAfter.Produced != 5000 {
		t.Fatalf("creator account after incorporate = %+v", creatorAfter)
	}

	parentAfterLink, ok, err := bs.LoadBlock(genesis.BlockHash)
	if err != nil || !ok {
		t.Fatalf("LoadBlock genesis: ok=%v err=%v", ok, err)
	}
	if parentAfterLink.ChildHash != block.BlockHash {
		t.Fatalf("expected genesis child hash linked to new block")
	}

	previous, err := e.RollbackOneBlock(block)
	if err != nil {
		t.Fatalf("RollbackOneBlock: %v", err)
	}
	if previous.BlockHash != genesis.BlockHash {
		t.Fatalf("expected rollback to return to genesis, got %q", previous.BlockHash)
	}

	creatorRestored, err := acc.GetOrCreate("ndoCreator")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if creatorRestored.Balance != 0 || creatorRestored.Produced != 0 {
		t.Fatalf("expected creator account restored to zero, got %+v", creatorRestored)
	}

	if _, ok, _ := bs.LoadBlock(block.BlockHash); ok {
		t.Fatalf("expected rolled-back block to be deleted from block store")
	}
}

func TestMatchTransactionsTarget(t *testing.T) {
	pool := []model.Transaction{{TargetBlock: 5}, {TargetBlock: 6}, {TargetBlock: 5}}
	matched := MatchTransactionsTarget(pool, 5)
	if len(matched) != 2 {
		t.Fatalf("expected 2 matched transactions, got %d", len(matched))
	}
}

func TestCheckTargetMatch(t *testing.T) {
	ok := CheckTargetMatch([]model.Transaction{{TargetBlock: 5}, {TargetBlock: 5}}, 5)
	if !ok {
		t.Fatalf("expected target match")
	}
	if CheckTargetMatch([]model.Transaction{{TargetBlock: 5}, {TargetBlock: 6}}, 5) {
		t.Fatalf("expected mismatch detection")
	}
}

func TestValidBlockTimestampCompatibilityGate(t *testing.T) {
	old := model.Block{BlockNumber: 100, BlockTimestamp: 99999999999}
	if !ValidBlockTimestamp(old) {
		t.Fatalf("expected historical blocks below the gate to always validate")
	}
}
