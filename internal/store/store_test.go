package store

import (
	"errors"
	"testing"

	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/nadoerr"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIndexBlockRoundTrip(t *testing.T) {
	s := openTest(t)

	if err := s.IndexBlock("hash1", 1); err != nil {
		t.Fatalf("IndexBlock: %v", err)
	}
	hash, ok, err := s.BlockHashByNumber(1)
	if err != nil || !ok || hash != "hash1" {
		t.Fatalf("BlockHashByNumber = %q, %v, %v", hash, ok, err)
	}

	if err := s.UnindexBlock("hash1"); err != nil {
		t.Fatalf("UnindexBlock: %v", err)
	}
	_, ok, err = s.BlockHashByNumber(1)
	if err != nil || ok {
		t.Fatalf("expected block gone after unindex, ok=%v err=%v", ok, err)
	}
}

func TestTransactionIndexAndRange(t *testing.T) {
	s := openTest(t)
	tx := model.Transaction{Txid: "tx1", Sender: "ndoA", Recipient: "ndoB"}

	if err := s.IndexTransaction(tx, 5); err != nil {
		t.Fatalf("IndexTransaction: %v", err)
	}

	exists, err := s.TransactionExists("tx1")
	if err != nil || !exists {
		t.Fatalf("TransactionExists = %v, %v", exists, err)
	}

	txids, err := s.TransactionsOfAccountRange("ndoA", 0, 100)
	if err != nil || len(txids) != 1 || txids[0] != "tx1" {
		t.Fatalf("TransactionsOfAccountRange = %v, %v", txids, err)
	}

	if err := s.UnindexTransaction("tx1"); err != nil {
		t.Fatalf("UnindexTransaction: %v", err)
	}
	exists, err = s.TransactionExists("tx1")
	if err != nil || exists {
		t.Fatalf("expected tx gone after unindex")
	}
}

func TestChangeBalanceRejectsNegative(t *testing.T) {
	s := openTest(t)

	if err := s.ChangeBalance("ndoA", 100, false); err != nil {
		t.Fatalf("credit: %v", err)
	}
	acc, err := s.GetAccount("ndoA")
	if err != nil || acc.Balance != 100 {
		t.Fatalf("GetAccount = %+v, %v", acc, err)
	}

	err = s.ChangeBalance("ndoA", -1000, false)
	if !errors.Is(err, nadoerr.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}

	acc, err = s.GetAccount("ndoA")
	if err != nil || acc.Balance != 100 {
		t.Fatalf("balance must be unchanged after rejected mutation: %+v", acc)
	}
}

func TestChangeBalanceBurn(t *testing.T) {
	s := openTest(t)
	if err := s.ChangeBalance("ndoA", 1000, false); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := s.ChangeBalance("ndoA", -100, true); err != nil {
		t.Fatalf("burn debit: %v", err)
	}
	acc, err := s.GetAccount("ndoA")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Balance != 900 || acc.Burned != 100 {
		t.Fatalf("acc = %+v, want balance=900 burned=100", acc)
	}
}

func TestTotals(t *testing.T) {
	s := openTest(t)
	if err := s.IndexTotals(10, 20, 30); err != nil {
		t.Fatalf("IndexTotals: %v", err)
	}
	totals, err := s.GetTotals()
	if err != nil {
		t.Fatalf("GetTotals: %v", err)
	}
	if totals.Produced != 10 || totals.Fees != 20 || totals.Burned != 30 {
		t.Fatalf("totals = %+v", totals)
	}
}
