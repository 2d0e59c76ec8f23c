// Package account implements the account engine: balance, burn and
// production bookkeeping with the atomicity invariants spec section 4.1
// requires. It is a thin, invariant-enforcing layer over the indexed
// store's raw account table.
package account

import (
	"fmt"

	"github.com/hclivess/nado/internal/addr"
	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/store"
)

// LegacyFeeHeight is the block height below which reflect_transaction does
// not deduct fee from the sender, preserved for compatibility with blocks
// produced before fee deduction was introduced.
const LegacyFeeHeight = 111111

// Engine applies transaction effects to the indexed store.
type Engine struct {
	store *store.Store
}

// New returns an account engine backed by s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// GetOrCreate returns address's account, implicitly creating a
// zero-valued one on first read.
func (e *Engine) GetOrCreate(address string) (model.Account, error) {
	return e.store.GetAccount(address)
}

// ChangeBalance adjusts address's balance by delta, failing the mutation
// (without applying it) if the result would be negative.
func (e *Engine) ChangeBalance(address string, delta int64, isBurn bool) error {
	return e.store.ChangeBalance(address, delta, isBurn)
}

// AdjustProduced applies a signed delta to address's produced counter,
// used to both credit a block's reward on incorporation and revert it on
// rollback.
func (e *Engine) AdjustProduced(address string, delta int64) error {
	return e.store.AdjustProduced(address, delta)
}

// ReflectTransaction applies tx's balance effects in one logical step:
// `-(amount+fee)` from the sender (crediting `burned` instead of paying a
// recipient when the recipient is the burn sentinel) and `+amount` to the
// recipient, unless the recipient is the burn sentinel, which never holds
// a balance. When revert is true every sign is inverted, so that
// ReflectTransaction(tx, blockHeight, true) exactly undoes
// ReflectTransaction(tx, blockHeight, false).
//
// Below LegacyFeeHeight, fee is not deducted from the sender, matching
// blocks produced before fee accounting was introduced.
func (e *Engine) ReflectTransaction(tx model.Transaction, blockHeight uint64, revert bool) error {
	spend := int64(tx.Amount)
	if blockHeight >= LegacyFeeHeight {
		spend += int64(tx.Fee)
	}
	senderDebit := -spend
	if revert {
		senderDebit = -senderDebit
	}

	isBurn := addr.IsBurn(tx.Recipient)
	if err := e.store.ChangeBalance(tx.Sender, senderDebit, isBurn); err != nil {
		return fmt.Errorf("account: reflect sender: %w", err)
	}

	if !isBurn {
		recipientCredit := int64(tx.Amount)
		if revert {
			recipientCredit = -recipientCredit
		}
		if err := e.store.ChangeBalance(tx.Recipient, recipientCredit, false); err != nil {
			return fmt.Errorf("account: reflect recipient: %w", err)
		}
	}
	return nil
}

// TotalsDelta is the signed produced/fees/burned change a single block
// contributes, applied via store.IndexTotals.
type TotalsDelta struct {
	Produced int64
	Fees     int64
	Burned   int64
}

// GetTotals computes the produced/fees/burned deltas block contributes:
// fees is the sum of every transaction's fee, burned is the sum of amounts
// sent to the burn sentinel, and produced is the block's own reward. When
// revert is true every delta is negated so callers can subtract them back
// out on rollback.
func GetTotals(block model.Block, revert bool) TotalsDelta {
	var fees, burned int64
	for _, tx := range block.BlockTransactions {
		fees += int64(tx.Fee)
		if addr.IsBurn(tx.Recipient) {
			burned += int64(tx.Amount)
		}
	}
	produced := int64(block.BlockReward)

	if revert {
		return TotalsDelta{Produced: -produced, Fees: -fees, Burned: -burned}
	}
	return TotalsDelta{Produced: produced, Fees: fees, Burned: burned}
}
