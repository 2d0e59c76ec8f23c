// Package genesis installs the network's initial state: a single funded
// reserve account and an empty block at height zero for every other
// block to chain from. Grounded on the bootstrap behavior documented in
// spec.md section 9 (address, balance and timestamp are fixed constants
// shared by every node joining the network).
package genesis

import (
	"fmt"

	"github.com/hclivess/nado/internal/account"
	"github.com/hclivess/nado/internal/blockengine"
	"github.com/hclivess/nado/internal/blockstore"
	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/store"
)

// Address is the reserve account every fresh node seeds at genesis.
const Address = "ndo18c3afa286439e7ebcb284710dbd4ae42bdaf21b80137b"

// ReserveAmount is the balance credited to Address at genesis.
const ReserveAmount = 1_000_000_000_000_000_000

// Timestamp is the network's fixed genesis moment.
const Timestamp = 1669852800

// BlockHash is the canonical hash of the empty genesis block, fixed so
// every node computes byte-identical history from height zero.
const BlockHash = "genesis"

// Block returns the canonical empty genesis block.
func Block() model.Block {
	return model.Block{
		BlockNumber:    0,
		BlockHash:      BlockHash,
		ParentHash:     "",
		BlockTimestamp: Timestamp,
		BlockCreator:   Address,
	}
}

// Install seeds a freshly created store and block store with the genesis
// account and block, if they are not already present. It is safe to call
// on an already-initialized node: it is a no-op in that case.
func Install(s *store.Store, blocks *blockstore.Store) error {
	if _, ok, err := blocks.GetLatestBlockInfo(); err != nil {
		return fmt.Errorf("genesis: check latest block: %w", err)
	} else if ok {
		return nil
	}

	acc := account.New(s)
	if _, err := acc.GetOrCreate(Address); err != nil {
		return fmt.Errorf("genesis: seed reserve account: %w", err)
	}
	if err := s.ChangeBalance(Address, ReserveAmount, false); err != nil {
		return fmt.Errorf("genesis: credit reserve: %w", err)
	}

	block := Block()
	if err := blocks.SaveBlock(block); err != nil {
		return fmt.Errorf("genesis: save block: %w", err)
	}
	if err := blocks.SetLatestBlockInfo(block); err != nil {
		return fmt.Errorf("genesis: set latest: %w", err)
	}
	if err := s.IndexBlock(block.BlockHash, block.BlockNumber); err != nil {
		return fmt.Errorf("genesis: index block: %w", err)
	}
	if err := s.IndexTotals(0, 0, 0); err != nil {
		return fmt.Errorf("genesis: seed totals: %w", err)
	}
	return nil
}

// Reserve reports how much of the genesis reserve remains unspent and how
// much has entered circulation, used by the supply endpoint. blockEngine
// is unused today but kept so future reserve-release schedules (vesting,
// cliffs) have a natural place to plug in without changing callers.
func Reserve(s *store.Store, _ *blockengine.Engine) (remaining, spent uint64, err error) {
	acc, err := s.GetAccount(Address)
	if err != nil {
		return 0, 0, err
	}
	if acc.Balance >= ReserveAmount {
		return acc.Balance, 0, nil
	}
	return acc.Balance, ReserveAmount - acc.Balance, nil
}
