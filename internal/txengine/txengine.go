// Package txengine implements the transaction lifecycle: drafting and
// signing a transaction, computing its txid, and validating a transaction
// against the indexed store before it may enter a pool or a block.
// Grounded on transaction_ops.py's draft_transaction/create_transaction/
// validate_transaction.
package txengine

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/hclivess/nado/internal/addr"
	"github.com/hclivess/nado/internal/cryptoutil"
	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/nadoerr"
	"github.com/hclivess/nado/internal/store"
)

// LegacySignatureHeight is the target-block height at or below which a
// transaction's signature covers the legacy field ordering instead of the
// current one. Transactions targeting earlier blocks must be verified
// against both payload shapes since senders of the time built them that
// way.
const LegacySignatureHeight = 102000

// BaseFee is the minimum fee a transaction must carry to be accepted.
const BaseFee = 1

// unsigned returns the canonical byte payload that gets signed, excluding
// txid and signature themselves. legacy selects the pre-102000 field
// ordering transaction_ops.py's signing payload used before the fee field
// was added to it.
func unsigned(tx model.Transaction, legacy bool) ([]byte, error) {
	if legacy {
		payload := []any{tx.Sender, tx.Recipient, tx.Amount, tx.Timestamp, tx.Nonce, tx.Data, tx.PublicKey, tx.TargetBlock}
		return json.Marshal(payload)
	}
	payload := []any{tx.Sender, tx.Recipient, tx.Amount, tx.Fee, tx.Timestamp, tx.Nonce, tx.Data, tx.PublicKey, tx.TargetBlock}
	return json.Marshal(payload)
}

// Txid computes a transaction's content hash over its unsigned payload.
func Txid(tx model.Transaction) (string, error) {
	data, err := unsigned(tx, tx.TargetBlock <= LegacySignatureHeight)
	if err != nil {
		return "", fmt.Errorf("txengine: marshal unsigned: %w", err)
	}
	return cryptoutil.Hash(data), nil
}

// Draft builds an unsigned transaction from its fields, computing the
// sender address from pub.
func Draft(pub ed25519.PublicKey, recipient string, amount, fee uint64, timestamp int64, nonce, data string, targetBlock uint64) (model.Transaction, error) {
	sender, err := addr.Make(pub)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("txengine: derive sender address: %w", err)
	}
	return model.Transaction{
		Sender:      sender,
		Recipient:   recipient,
		Amount:      amount,
		Fee:         fee,
		Timestamp:   timestamp,
		Nonce:       nonce,
		Data:        data,
		PublicKey:   hex.EncodeToString(pub),
		TargetBlock: targetBlock,
	}, nil
}

// Create finalizes a drafted transaction: it computes the txid and signs
// it with priv, filling in both fields.
func Create(tx model.Transaction, priv ed25519.PrivateKey) (model.Transaction, error) {
	txid, err := Txid(tx)
	if err != nil {
		return model.Transaction{}, err
	}
	tx.Txid = txid

	legacy := tx.TargetBlock <= LegacySignatureHeight
	payload, err := unsigned(tx, legacy)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("txengine: marshal unsigned: %w", err)
	}
	tx.Signature = cryptoutil.Sign(priv, payload)
	return tx, nil
}

// ValidateOrigin checks a transaction's self-contained well-formedness:
// address validity, txid correctness, and signature correctness against
// both the current and legacy payload shapes (since a stored or gossiped
// transaction's target_block determines which shape its original signer
// used). It performs no store lookups.
func ValidateOrigin(tx model.Transaction) error {
	if !addr.Valid(tx.Sender) {
		return fmt.Errorf("txengine: invalid sender address: %w", nadoerr.ErrValidation)
	}
	if !addr.ValidRecipient(tx.Recipient) {
		return fmt.Errorf("txengine: invalid recipient address: %w", nadoerr.ErrValidation)
	}
	if tx.Fee < BaseFee {
		return fmt.Errorf("txengine: fee below base fee: %w", nadoerr.ErrValidation)
	}

	wantTxid, err := Txid(tx)
	if err != nil {
		return fmt.Errorf("txengine: compute txid: %w", err)
	}
	if wantTxid != tx.Txid {
		return fmt.Errorf("txengine: txid mismatch: %w", nadoerr.ErrValidation)
	}

	pubHex := tx.PublicKey
	legacy := tx.TargetBlock <= LegacySignatureHeight
	payload, err := unsigned(tx, legacy)
	if err != nil {
		return fmt.Errorf("txengine: marshal unsigned: %w", err)
	}
	if cryptoutil.Verify(pubHex, tx.Signature, payload) {
		return nil
	}

	// Fall back to the other payload shape: a transaction near the legacy
	// boundary may have been signed under the opposite convention by an
	// old client that never updated target_block semantics.
	altPayload, err := unsigned(tx, !legacy)
	if err != nil {
		return fmt.Errorf("txengine: marshal unsigned (alt): %w", err)
	}
	if cryptoutil.Verify(pubHex, tx.Signature, altPayload) {
		return nil
	}

	return fmt.Errorf("txengine: signature verification failed: %w", nadoerr.ErrValidation)
}

// ValidateSpending checks that sender can afford amount+fee (fee only
// deducted at or above the legacy fee height, mirroring reflect_transaction's
// own gate) given its current indexed balance plus any already-committed
// pending spend from earlier transactions in the same batch.
func ValidateSpending(s *store.Store, tx model.Transaction, blockHeight uint64, pendingSpend uint64) error {
	acc, err := s.GetAccount(tx.Sender)
	if err != nil {
		return fmt.Errorf("txengine: get sender account: %w", err)
	}

	spend := tx.Amount
	if blockHeight >= 111111 {
		spend += tx.Fee
	}

	if acc.Balance < pendingSpend+spend {
		return fmt.Errorf("txengine: insufficient balance: %w", nadoerr.ErrValidation)
	}
	return nil
}

// ValidateAllSpending checks a batch of same-block transactions against
// each sender's balance, accounting for cumulative spend across the batch
// so that two transactions from one sender cannot both pass an individual
// balance check yet jointly overdraw the account.
func ValidateAllSpending(s *store.Store, txs []model.Transaction, blockHeight uint64) error {
	pending := make(map[string]uint64)
	for _, tx := range txs {
		spend := tx.Amount
		if blockHeight >= 111111 {
			spend += tx.Fee
		}
		if err := ValidateSpending(s, tx, blockHeight, pending[tx.Sender]); err != nil {
			return err
		}
		pending[tx.Sender] += spend
	}
	return nil
}

// Validate runs every store-independent and store-dependent check a
// transaction must pass before it may be merged into a pool: origin
// validity, uniqueness, and spending sufficiency.
func Validate(s *store.Store, tx model.Transaction, blockHeight uint64) error {
	if err := ValidateOrigin(tx); err != nil {
		return err
	}
	exists, err := s.TransactionExists(tx.Txid)
	if err != nil {
		return fmt.Errorf("txengine: check existence: %w", err)
	}
	if exists {
		return fmt.Errorf("txengine: transaction already indexed: %w", nadoerr.ErrValidation)
	}
	return ValidateSpending(s, tx, blockHeight, 0)
}

// IndexTransactions records every transaction of an accepted block into the
// indexed store.
func IndexTransactions(s *store.Store, txs []model.Transaction, blockNumber uint64) error {
	for _, tx := range txs {
		if err := s.IndexTransaction(tx, blockNumber); err != nil {
			return fmt.Errorf("txengine: index transaction %s: %w", tx.Txid, err)
		}
	}
	return nil
}

// UnindexTransactions removes every transaction of a rolled-back block from
// the indexed store.
func UnindexTransactions(s *store.Store, txs []model.Transaction) error {
	for _, tx := range txs {
		if err := s.UnindexTransaction(tx.Txid); err != nil {
			return fmt.Errorf("txengine: unindex transaction %s: %w", tx.Txid, err)
		}
	}
	return nil
}

// TransactionsOfAccount returns the txids in which address participated as
// sender or recipient within [minBlock, maxBlock].
func TransactionsOfAccount(s *store.Store, address string, minBlock, maxBlock uint64) ([]string, error) {
	return s.TransactionsOfAccountRange(address, minBlock, maxBlock)
}

// SortPool sorts a transaction pool by txid, the canonical ordering used
// when building a block candidate from a pool so every node derives the
// same block from the same pool contents.
func SortPool(txs []model.Transaction) []model.Transaction {
	sorted := make([]model.Transaction, len(txs))
	copy(sorted, txs)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Txid > sorted[j].Txid; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted
}

// MaxFeeFrom returns the highest fee among txs, or 0 for an empty pool.
func MaxFeeFrom(txs []model.Transaction) uint64 {
	var max uint64
	for _, tx := range txs {
		if tx.Fee > max {
			max = tx.Fee
		}
	}
	return max
}

// MinFeeFrom returns the lowest fee among txs, or 0 for an empty pool.
func MinFeeFrom(txs []model.Transaction) uint64 {
	if len(txs) == 0 {
		return 0
	}
	min := txs[0].Fee
	for _, tx := range txs[1:] {
		if tx.Fee < min {
			min = tx.Fee
		}
	}
	return min
}

// RecommendedFee returns the average fee across txs, rounded down, falling
// back to BaseFee for an empty pool — supplements spec section 4 with the
// fee-estimation helper compounder.py's callers expect from a running node.
func RecommendedFee(txs []model.Transaction) uint64 {
	if len(txs) == 0 {
		return BaseFee
	}
	var sum uint64
	for _, tx := range txs {
		sum += tx.Fee
	}
	avg := sum / uint64(len(txs))
	if avg < BaseFee {
		return BaseFee
	}
	return avg
}
