// Package blockstore holds the content-addressed block bodies on disk, one
// MessagePack-encoded file per block hash under <dataDir>/blocks, plus the
// small MessagePack pointer files (latest block, producer sets) the core loop and
// HTTP surface read. The blocks/<hash>.block on-disk layout and the
// write-then-read-back durability check are grounded on block_ops.py's
// save_block/load_block and the example repository's file-per-record
// storage style (internal/node/peerstore.go adapted to this domain).
package blockstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/pkg/helpers"
)

// Store persists block bodies and the small pointer files alongside them.
type Store struct {
	dataDir string
}

// Open prepares the on-disk layout under dataDir (blocks/, index/).
func Open(dataDir string) (*Store, error) {
	dataDir = expandPath(dataDir)
	for _, sub := range []string{"blocks", "index", "index/producer_sets"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0700); err != nil {
			return nil, fmt.Errorf("blockstore: create %s: %w", sub, err)
		}
	}
	return &Store{dataDir: dataDir}, nil
}

func (s *Store) blockPath(hash string) string {
	return filepath.Join(s.dataDir, "blocks", hash+".block")
}

// SaveBlock writes a block to disk, then reads it back to confirm the
// durable copy matches, retrying on any mismatch or I/O error, matching
// the TransientStorage retry policy — save_block must not return until
// the block is actually on disk.
func (s *Store) SaveBlock(block model.Block) error {
	path := s.blockPath(block.BlockHash)
	data, err := msgpack.Marshal(block)
	if err != nil {
		return fmt.Errorf("blockstore: marshal block: %w", err)
	}

	for {
		if err := os.WriteFile(path, data, 0600); err == nil {
			readBack, err := os.ReadFile(path)
			if err == nil && helpers.BytesEqual(readBack, data) {
				return nil
			}
		}
		time.Sleep(time.Second)
	}
}

// LoadBlock reads a block by its hash. ok is false if no such block is on
// disk.
func (s *Store) LoadBlock(hash string) (model.Block, bool, error) {
	data, err := os.ReadFile(s.blockPath(hash))
	if os.IsNotExist(err) {
		return model.Block{}, false, nil
	}
	if err != nil {
		return model.Block{}, false, fmt.Errorf("blockstore: read block: %w", err)
	}
	var block model.Block
	if err := msgpack.Unmarshal(data, &block); err != nil {
		return model.Block{}, false, fmt.Errorf("blockstore: unmarshal block: %w", err)
	}
	return block, true, nil
}

// DeleteBlock removes a block file from disk, retrying on sharing errors
// (rollback path, per spec's unindex_block).
func (s *Store) DeleteBlock(hash string) error {
	path := s.blockPath(hash)
	for {
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		time.Sleep(time.Second)
	}
}

// UpdateChildHash sets a stored block's child_hash in place — the only
// mutation permitted against an already-stored block, closing the
// parent's link to its newly accepted child.
func (s *Store) UpdateChildHash(parentHash, childHash string) error {
	block, ok, err := s.LoadBlock(parentHash)
	if err != nil {
		return fmt.Errorf("blockstore: load parent: %w", err)
	}
	if !ok {
		return fmt.Errorf("blockstore: parent %s not found", parentHash)
	}
	block.ChildHash = childHash
	return s.SaveBlock(block)
}

// latestBlockPath returns the path to the latest-block pointer file.
func (s *Store) latestBlockPath() string {
	return filepath.Join(s.dataDir, "index", "latest_block.dat")
}

// SetLatestBlockInfo atomically updates the "latest" pointer.
func (s *Store) SetLatestBlockInfo(block model.Block) error {
	data, err := msgpack.Marshal(block)
	if err != nil {
		return fmt.Errorf("blockstore: marshal latest: %w", err)
	}
	tmp := s.latestBlockPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("blockstore: write latest tmp: %w", err)
	}
	if err := os.Rename(tmp, s.latestBlockPath()); err != nil {
		return fmt.Errorf("blockstore: rename latest: %w", err)
	}
	return nil
}

// GetLatestBlockInfo reads the latest-block pointer. ok is false before
// genesis has been installed.
func (s *Store) GetLatestBlockInfo() (model.Block, bool, error) {
	data, err := os.ReadFile(s.latestBlockPath())
	if os.IsNotExist(err) {
		return model.Block{}, false, nil
	}
	if err != nil {
		return model.Block{}, false, fmt.Errorf("blockstore: read latest: %w", err)
	}
	var block model.Block
	if err := msgpack.Unmarshal(data, &block); err != nil {
		return model.Block{}, false, fmt.Errorf("blockstore: unmarshal latest: %w", err)
	}
	return block, true, nil
}

// SaveProducerSet persists a producer set keyed by its hash for
// historical lookup.
func (s *Store) SaveProducerSet(set model.ProducerSet) error {
	data, err := msgpack.Marshal(set)
	if err != nil {
		return fmt.Errorf("blockstore: marshal producer set: %w", err)
	}
	path := filepath.Join(s.dataDir, "index", "producer_sets", set.Hash+".dat")
	return os.WriteFile(path, data, 0600)
}

// LoadProducerSet reads a previously stored producer set by its hash.
func (s *Store) LoadProducerSet(hash string) (model.ProducerSet, bool, error) {
	path := filepath.Join(s.dataDir, "index", "producer_sets", hash+".dat")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return model.ProducerSet{}, false, nil
	}
	if err != nil {
		return model.ProducerSet{}, false, fmt.Errorf("blockstore: read producer set: %w", err)
	}
	var set model.ProducerSet
	if err := msgpack.Unmarshal(data, &set); err != nil {
		return model.ProducerSet{}, false, fmt.Errorf("blockstore: unmarshal producer set: %w", err)
	}
	return set, true, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
