// Package memserver holds the node's shared in-memory state: the three
// transaction pools, the peer and producer sets, and the phase-machine
// bookkeeping the core, consensus and peer loops all read and mutate
// concurrently. Grounded directly on memserver.py's MemServer class; the
// single buffer_lock serializing pool mutations becomes a sync.Mutex here.
package memserver

import (
	"crypto/ed25519"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hclivess/nado/internal/config"
	"github.com/hclivess/nado/internal/cryptoutil"
	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/store"
	"github.com/hclivess/nado/internal/txengine"
)

// MaxTargetBlockAhead bounds how far into the future a transaction's
// target_block may point, relative to the latest known block, to be
// accepted into a pool.
const MaxTargetBlockAhead = 360

// GenesisTimestamp is the network's fixed genesis moment, matching
// memserver.py's genesis_timestamp.
const GenesisTimestamp = 1669852800

// Period names the core loop's current phase, driven by since_last_block
// thresholds.
type Period int

const (
	PeriodZero Period = iota
	PeriodOne
	PeriodTwo
	PeriodThree
)

// MemServer is the node's shared mutable state. All pool access goes
// through methods that hold mu, matching buffer_lock's scope in the
// original.
type MemServer struct {
	mu sync.Mutex

	Store      *store.Store
	Config     *config.Config
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Address    string

	StartTime int64

	TransactionPool []model.Transaction
	TxBuffer        []model.Transaction
	UserTxBuffer    []model.Transaction

	PeerBuffer  []string
	Peers       []model.PeerRecord
	Unreachable map[string]int64
	Penalties   map[string]int64

	BlockProducers model.ProducerSet
	LatestBlock    model.Block

	Period         Period
	SinceLastBlock int64
	EmergencyMode  bool
	ForceSyncIP    string
	Rollbacks      int
	CascadeDepth   int
	CanMine        bool
	Terminate      bool

	PurgePeersList     []string
	PurgeProducersList []string

	TransactionPoolLimit   int
	TransactionBufferLimit int

	MinPeers      int
	PeerLimit     int
	MaxRollbacks  int
	CascadeLimit  int
	Promiscuous   bool
	QuickSync     bool
}

// New constructs a MemServer from its config and node identity, wiring
// default limits the way memserver.py's constructor does.
func New(cfg *config.Config, s *store.Store, pub ed25519.PublicKey, priv ed25519.PrivateKey, address string) *MemServer {
	m := &MemServer{
		Store:                  s,
		Config:                 cfg,
		PublicKey:              pub,
		PrivateKey:             priv,
		Address:                address,
		StartTime:              time.Now().Unix(),
		Unreachable:            make(map[string]int64),
		Penalties:              make(map[string]int64),
		TransactionPoolLimit:   150000,
		TransactionBufferLimit: 1500000,
		MinPeers:               cfg.MinPeers,
		PeerLimit:              cfg.PeerLimit,
		MaxRollbacks:           cfg.MaxRollbacks,
		CascadeLimit:           cfg.CascadeLimit,
		Promiscuous:            cfg.Promiscuous,
		QuickSync:              cfg.QuickSync,
	}
	return m
}

// Uptime returns seconds elapsed since the server started.
func (m *MemServer) Uptime() int64 {
	return time.Now().Unix() - m.StartTime
}

// TransactionPoolHash hashes the current transaction pool in its sorted
// canonical form, or returns "" for an empty pool.
func (m *MemServer) TransactionPoolHash() (string, error) {
	m.mu.Lock()
	pool := append([]model.Transaction(nil), m.TransactionPool...)
	m.mu.Unlock()

	if len(pool) == 0 {
		return "", nil
	}
	sorted := txengine.SortPool(pool)
	data, err := marshalForHash(sorted)
	if err != nil {
		return "", err
	}
	return cryptoutil.Hash(data), nil
}

// BlockProducersHash sorts and hashes the current producer set, or
// returns "" if it is empty.
func (m *MemServer) BlockProducersHash() (string, error) {
	m.mu.Lock()
	ips := append([]string(nil), m.BlockProducers.IPs...)
	m.mu.Unlock()

	if len(ips) == 0 {
		return "", nil
	}
	sort.Strings(ips)
	data, err := marshalForHash(ips)
	if err != nil {
		return "", err
	}
	return cryptoutil.Hash(data), nil
}

// MergeResult reports the outcome of attempting to merge a single
// transaction into the pools.
type MergeResult struct {
	Accepted bool
	Message  string
}

// MergeTransaction validates a transaction and, if it passes, appends it
// to the user buffer (when userOrigin is true) or the remote-transaction
// buffer, matching merge_transaction's branching exactly: an account that
// has never been touched is rejected, a target_block outside the
// [latest, latest+360] window is rejected, and a transaction already
// present in any of the three pools is rejected as a duplicate rather
// than silently ignored.
func (m *MemServer) MergeTransaction(tx model.Transaction, userOrigin bool) (MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	united := unitedPools(m.TransactionPool, m.TxBuffer, m.UserTxBuffer)

	acc, err := m.Store.GetAccount(tx.Sender)
	if err != nil {
		return MergeResult{}, err
	}
	if acc.Produced == 0 && acc.Balance == 0 && acc.Burned == 0 {
		return MergeResult{Accepted: false, Message: "empty account"}, nil
	}

	if tx.TargetBlock < m.LatestBlock.BlockNumber {
		return MergeResult{Accepted: false, Message: "target block too low"}, nil
	}
	if tx.TargetBlock > m.LatestBlock.BlockNumber+MaxTargetBlockAhead {
		return MergeResult{Accepted: false, Message: "target block too high"}, nil
	}

	if containsTxid(united, tx.Txid) {
		return MergeResult{Accepted: false, Message: "already pooled"}, nil
	}

	if err := txengine.Validate(m.Store, tx, m.LatestBlock.BlockNumber); err != nil {
		return MergeResult{Accepted: false, Message: err.Error()}, nil
	}
	if err := txengine.ValidateSpending(m.Store, tx, m.LatestBlock.BlockNumber, pendingSpendOf(united, tx.Sender)); err != nil {
		m.purgeTxsOfSenderLocked(tx.Sender)
		return MergeResult{Accepted: false, Message: err.Error()}, nil
	}

	if containsTxid(m.TransactionPool, tx.Txid) {
		return MergeResult{Accepted: false, Message: "already pooled"}, nil
	}
	if userOrigin {
		if !containsTxid(m.TxBuffer, tx.Txid) {
			m.UserTxBuffer = append(m.UserTxBuffer, tx)
			m.UserTxBuffer = txengine.SortPool(m.UserTxBuffer)
		}
	} else if !containsTxid(m.UserTxBuffer, tx.Txid) {
		m.TxBuffer = append(m.TxBuffer, tx)
		m.TxBuffer = txengine.SortPool(m.TxBuffer)
	}

	return MergeResult{Accepted: true, Message: "success"}, nil
}

// MergeTransactions merges each transaction in turn, ignoring individual
// failures (matching merge_transactions' fire-and-forget loop).
func (m *MemServer) MergeTransactions(txs []model.Transaction, userOrigin bool) {
	for _, tx := range txs {
		_, _ = m.MergeTransaction(tx, userOrigin)
	}
}

// PurgeTxsOfSender drops every pooled transaction from sender, used when
// a sender is caught attempting to double-spend across pools.
func (m *MemServer) PurgeTxsOfSender(sender string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeTxsOfSenderLocked(sender)
}

func (m *MemServer) purgeTxsOfSenderLocked(sender string) {
	m.TransactionPool = removeBySender(m.TransactionPool, sender)
	m.TxBuffer = removeBySender(m.TxBuffer, sender)
	m.UserTxBuffer = removeBySender(m.UserTxBuffer, sender)
}

func removeBySender(txs []model.Transaction, sender string) []model.Transaction {
	out := txs[:0:0]
	for _, tx := range txs {
		if tx.Sender != sender {
			out = append(out, tx)
		}
	}
	return out
}

func unitedPools(pools ...[]model.Transaction) []model.Transaction {
	var all []model.Transaction
	for _, p := range pools {
		all = append(all, p...)
	}
	return all
}

func containsTxid(txs []model.Transaction, txid string) bool {
	for _, tx := range txs {
		if tx.Txid == txid {
			return true
		}
	}
	return false
}

func pendingSpendOf(txs []model.Transaction, sender string) uint64 {
	var spend uint64
	for _, tx := range txs {
		if tx.Sender == sender {
			spend += tx.Amount + tx.Fee
		}
	}
	return spend
}

// PeriodZeroBound and PeriodOneBound are the fixed-second thresholds the
// core loop's phase machine switches on, matching update_periods' literal
// 20/40 second gates rather than any multiple of block_time.
const (
	PeriodZeroBound = 20
	PeriodOneBound  = 40
)

// RotatePeriod advances the loop phase according to since_last_block,
// matching update_periods exactly: period zero while under 20s since the
// last block, one from 20-40s, two from 40s up to blockTime, and three
// (emergency, block production due) once since_last_block exceeds
// blockTime.
func (m *MemServer) RotatePeriod(sinceLastBlock int64, blockTime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SinceLastBlock = sinceLastBlock
	switch {
	case sinceLastBlock > 0 && sinceLastBlock < PeriodZeroBound:
		m.Period = PeriodZero
	case sinceLastBlock >= PeriodZeroBound && sinceLastBlock < PeriodOneBound:
		m.Period = PeriodOne
	case sinceLastBlock >= PeriodOneBound && sinceLastBlock < blockTime:
		m.Period = PeriodTwo
	case sinceLastBlock > blockTime:
		m.Period = PeriodThree
	}
}

// WithLock runs fn while holding the pool mutex, for callers outside this
// package (the core loop) that need to read and mutate more than one pool
// field as a single atomic step.
func (m *MemServer) WithLock(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func marshalForHash(v any) ([]byte, error) {
	return json.Marshal(v)
}
