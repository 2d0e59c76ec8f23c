package blockstore

import (
	"testing"

	"github.com/hclivess/nado/internal/model"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	block := model.Block{
		BlockNumber: 1,
		BlockHash:   "abc123",
		ParentHash:  "genesis",
		BlockTransactions: []model.Transaction{
			{Txid: "t1", Sender: "ndoA", Recipient: "ndoB", Amount: 10},
		},
	}

	if err := s.SaveBlock(block); err != nil {
		t.Fatalf("SaveBlock: %v", err)
	}

	loaded, ok, err := s.LoadBlock("abc123")
	if err != nil || !ok {
		t.Fatalf("LoadBlock: ok=%v err=%v", ok, err)
	}
	if loaded.BlockHash != block.BlockHash || len(loaded.BlockTransactions) != 1 {
		t.Fatalf("loaded block mismatch: %+v", loaded)
	}
}

func TestUpdateChildHash(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	parent := model.Block{BlockHash: "parent1", BlockNumber: 1}
	if err := s.SaveBlock(parent); err != nil {
		t.Fatalf("SaveBlock: %v", err)
	}
	if err := s.UpdateChildHash("parent1", "child1"); err != nil {
		t.Fatalf("UpdateChildHash: %v", err)
	}
	loaded, ok, err := s.LoadBlock("parent1")
	if err != nil || !ok {
		t.Fatalf("LoadBlock: %v %v", ok, err)
	}
	if loaded.ChildHash != "child1" {
		t.Fatalf("ChildHash = %q, want child1", loaded.ChildHash)
	}
}

func TestLatestBlockPointer(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, ok, err := s.GetLatestBlockInfo()
	if err != nil || ok {
		t.Fatalf("expected no latest block before genesis, ok=%v err=%v", ok, err)
	}

	block := model.Block{BlockHash: "h1", BlockNumber: 1}
	if err := s.SetLatestBlockInfo(block); err != nil {
		t.Fatalf("SetLatestBlockInfo: %v", err)
	}
	loaded, ok, err := s.GetLatestBlockInfo()
	if err != nil || !ok || loaded.BlockHash != "h1" {
		t.Fatalf("GetLatestBlockInfo = %+v ok=%v err=%v", loaded, ok, err)
	}
}

func TestLoadMissingBlock(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, ok, err := s.LoadBlock("doesnotexist")
	if err != nil || ok {
		t.Fatalf("expected missing block, ok=%v err=%v", ok, err)
	}
}
