// Package store is the node's indexed store: a durable, queryable index
// over blocks, transactions and accounts, backed by SQLite in WAL mode.
// It intentionally holds index rows only — full block bodies live in the
// content-addressed block store (internal/blockstore); this package is the
// "(block_hash UNIQUE, block_number)" / "(txid UNIQUE, ...)" / account
// balance tables spec section 6 describes.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/nadoerr"
)

// Store wraps the index database under <dataDir>/index, which holds the
// blocks, transactions, accounts and totals tables.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Config configures where the index databases live.
type Config struct {
	DataDir string
}

// Open opens (creating if necessary) the indexed store at
// <dataDir>/index/nado.db, one connection serializing all writers per the
// concurrency model's "one connection per call" rule for shared on-disk
// resources.
func Open(cfg Config) (*Store, error) {
	dir := filepath.Join(expandPath(cfg.DataDir), "index")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create index dir: %w", err)
	}

	dbPath := filepath.Join(dir, "nado.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blocks (
		block_hash TEXT PRIMARY KEY,
		block_number INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_blocks_number ON blocks(block_number);

	CREATE TABLE IF NOT EXISTS transactions (
		txid TEXT PRIMARY KEY,
		block_number INTEGER NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tx_sender ON transactions(sender);
	CREATE INDEX IF NOT EXISTS idx_tx_recipient ON transactions(recipient);
	CREATE INDEX IF NOT EXISTS idx_tx_block ON transactions(block_number);

	CREATE TABLE IF NOT EXISTS accounts (
		address TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		produced INTEGER NOT NULL DEFAULT 0,
		burned INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS totals (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		produced INTEGER NOT NULL DEFAULT 0,
		fees INTEGER NOT NULL DEFAULT 0,
		burned INTEGER NOT NULL DEFAULT 0
	);
	INSERT OR IGNORE INTO totals (id, produced, fees, burned) VALUES (0, 0, 0, 0);
	`
	_, err := s.db.Exec(schema)
	return err
}

// retry runs fn, retrying with a one-second backoff on any error, matching
// the TransientStorage policy: storage failures are retried forever rather
// than surfaced, since the caller has no better recourse than to wait out
// disk contention. An ErrInvariantViolation is not a storage failure and is
// returned at once.
func retry(fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, nadoerr.ErrInvariantViolation) {
			return err
		}
		time.Sleep(time.Second)
	}
}

// IndexBlock records a block's hash/number pair in the index.
func (s *Store) IndexBlock(hash string, number uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retry(func() error {
		_, err := s.db.Exec(`INSERT OR REPLACE INTO blocks(block_hash, block_number) VALUES (?, ?)`, hash, number)
		return err
	})
}

// UnindexBlock removes a block's index row (rollback path).
func (s *Store) UnindexBlock(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retry(func() error {
		_, err := s.db.Exec(`DELETE FROM blocks WHERE block_hash = ?`, hash)
		return err
	})
}

// BlockHashByNumber looks up a block hash by its number.
func (s *Store) BlockHashByNumber(number uint64) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hash string
	err := s.db.QueryRow(`SELECT block_hash FROM blocks WHERE block_number = ?`, number).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: block by number: %w", err)
	}
	return hash, true, nil
}

// IndexTransaction records a single transaction's index row.
func (s *Store) IndexTransaction(tx model.Transaction, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retry(func() error {
		_, err := s.db.Exec(
			`INSERT OR REPLACE INTO transactions(txid, block_number, sender, recipient) VALUES (?, ?, ?, ?)`,
			tx.Txid, blockNumber, tx.Sender, tx.Recipient,
		)
		return err
	})
}

// UnindexTransaction removes a transaction's index row (rollback path).
func (s *Store) UnindexTransaction(txid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retry(func() error {
		_, err := s.db.Exec(`DELETE FROM transactions WHERE txid = ?`, txid)
		return err
	})
}

// TransactionExists reports whether txid already appears in the index,
// used to enforce txid uniqueness at validation time.
func (s *Store) TransactionExists(txid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM transactions WHERE txid = ?`, txid).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: transaction exists: %w", err)
	}
	return n > 0, nil
}

// BlockNumberOfTransaction returns the block number a txid was indexed
// under.
func (s *Store) BlockNumberOfTransaction(txid string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n uint64
	err := s.db.QueryRow(`SELECT block_number FROM transactions WHERE txid = ?`, txid).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// TransactionsOfAccountRange returns txids where address is sender or
// recipient, with block_number in [minBlock, maxBlock].
func (s *Store) TransactionsOfAccountRange(address string, minBlock, maxBlock uint64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT txid FROM transactions WHERE (sender = ? OR recipient = ?) AND block_number BETWEEN ? AND ?`,
		address, address, minBlock, maxBlock,
	)
	if err != nil {
		return nil, fmt.Errorf("store: transactions of account: %w", err)
	}
	defer rows.Close()

	var txids []string
	for rows.Next() {
		var txid string
		if err := rows.Scan(&txid); err != nil {
			return nil, err
		}
		txids = append(txids, txid)
	}
	return txids, rows.Err()
}

// GetAccount fetches an account row, returning a zero-valued account (not
// an error) if it has never been touched.
func (s *Store) GetAccount(address string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc := model.Account{Address: address}
	err := s.db.QueryRow(`SELECT balance, produced, burned FROM accounts WHERE address = ?`, address).
		Scan(&acc.Balance, &acc.Produced, &acc.Burned)
	if err == sql.ErrNoRows {
		return acc, nil
	}
	if err != nil {
		return acc, fmt.Errorf("store: get account: %w", err)
	}
	return acc, nil
}

// ChangeBalance atomically adds delta to address's balance, and if isBurn
// also subtracts delta from burned (delta is expected negative for a
// burn's sender-side debit). Returns ErrInvariantViolation if the result
// would be negative; no partial write occurs in that case.
func (s *Store) ChangeBalance(address string, delta int64, isBurn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.Exec(`INSERT OR IGNORE INTO accounts(address, balance, produced, burned) VALUES (?, 0, 0, 0)`, address)
		if err != nil {
			return err
		}

		var balance, burned int64
		if err := tx.QueryRow(`SELECT balance, burned FROM accounts WHERE address = ?`, address).Scan(&balance, &burned); err != nil {
			return err
		}

		newBalance := balance + delta
		if newBalance < 0 {
			return fmt.Errorf("account %s balance would go negative: %w", address, nadoerr.ErrInvariantViolation)
		}
		newBurned := burned
		if isBurn {
			newBurned = burned - delta
			if newBurned < 0 {
				return fmt.Errorf("account %s burned would go negative: %w", address, nadoerr.ErrInvariantViolation)
			}
		}

		if _, err := tx.Exec(`UPDATE accounts SET balance = ?, burned = ? WHERE address = ?`, newBalance, newBurned, address); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// AdjustProduced adds the signed delta to address's produced counter,
// negative on rollback to exactly undo the credit IncorporateBlock applied.
// Returns ErrInvariantViolation if the result would go negative; no partial
// write occurs in that case.
func (s *Store) AdjustProduced(address string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.Exec(`INSERT OR IGNORE INTO accounts(address, balance, produced, burned) VALUES (?, 0, 0, 0)`, address)
		if err != nil {
			return err
		}

		var produced int64
		if err := tx.QueryRow(`SELECT produced FROM accounts WHERE address = ?`, address).Scan(&produced); err != nil {
			return err
		}

		newProduced := produced + delta
		if newProduced < 0 {
			return fmt.Errorf("account %s produced would go negative: %w", address, nadoerr.ErrInvariantViolation)
		}

		if _, err := tx.Exec(`UPDATE accounts SET produced = ? WHERE address = ?`, newProduced, address); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetTotals returns the singleton totals row.
func (s *Store) GetTotals() (model.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t model.Totals
	err := s.db.QueryRow(`SELECT produced, fees, burned FROM totals WHERE id = 0`).Scan(&t.Produced, &t.Fees, &t.Burned)
	if err != nil {
		return t, fmt.Errorf("store: get totals: %w", err)
	}
	return t, nil
}

// IndexTotals adds the given deltas (which may be negative, for rollback)
// to the singleton totals row.
func (s *Store) IndexTotals(produced, fees, burned int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retry(func() error {
		_, err := s.db.Exec(
			`UPDATE totals SET produced = produced + ?, fees = fees + ?, burned = burned + ? WHERE id = 0`,
			produced, fees, burned,
		)
		return err
	})
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
