package genesis

import (
	"testing"

	"github.com/hclivess/nado/internal/blockstore"
	"github.com/hclivess/nado/internal/store"
)

func newTestStores(t *testing.T) (*store.Store, *blockstore.Store) {
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
	return s, bs
}

func TestInstallSeedsReserveAndGenesisBlock(t *testing.T) {
	s, bs := newTestStores(t)

	if err := Install(s, bs); err != nil {
		t.Fatalf("Install: %v", err)
	}

	acc, err := s.GetAccount(Address)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Balance != ReserveAmount {
		t.Fatalf("reserve balance = %d, want %d", acc.Balance, ReserveAmount)
	}

	latest, ok, err := bs.GetLatestBlockInfo()
	if err != nil || !ok {
		t.Fatalf("GetLatestBlockInfo: ok=%v err=%v", ok, err)
	}
	if latest.BlockNumber != 0 || latest.BlockHash != BlockHash {
		t.Fatalf("unexpected genesis block: %+v", latest)
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	s, bs := newTestStores(t)

	if err := Install(s, bs); err != nil {
		t.Fatalf("first Install: %v", err)
	}
	if err := Install(s, bs); err != nil {
		t.Fatalf("second Install: %v", err)
	}

	acc, err := s.GetAccount(Address)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Balance != ReserveAmount {
		t.Fatalf("expected reserve credited exactly once, got %d", acc.Balance)
	}
}

func TestReserveReportsRemainingAndSpent(t *testing.T) {
	s, bs := newTestStores(t)
	if err := Install(s, bs); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if err := s.ChangeBalance(Address, -1000, false); err != nil {
		t.Fatalf("ChangeBalance: %v", err)
	}

	remaining, spent, err := Reserve(s, nil)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if remaining != ReserveAmount-1000 || spent != 1000 {
		t.Fatalf("remaining=%d spent=%d", remaining, spent)
	}
}
