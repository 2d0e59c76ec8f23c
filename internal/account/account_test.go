package account

import (
	"testing"

	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/store"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := store.Open(store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestReflectTransactionAndRevert(t *testing.T) {
	e := newEngine(t)
	if err := e.ChangeBalance("ndoSender", 1_000_000, false); err != nil {
		t.Fatalf("seed sender: %v", err)
	}

	tx := model.Transaction{Sender: "ndoSender", Recipient: "ndoRecipient", Amount: 1000, Fee: 10}

	if err := e.ReflectTransaction(tx, 200000, false); err != nil {
		t.Fatalf("ReflectTransaction: %v", err)
	}
	sender, _ := e.GetOrCreate("ndoSender")
	recipient, _ := e.GetOrCreate("ndoRecipient")
	if sender.Balance != 1_000_000-1010 {
		t.Fatalf("sender balance = %d", sender.Balance)
	}
	if recipient.Balance != 1000 {
		t.Fatalf("recipient balance = %d", recipient.Balance)
	}

	if err := e.ReflectTransaction(tx, 200000, true); err != nil {
		t.Fatalf("revert: %v", err)
	}
	sender, _ = e.GetOrCreate("ndoSender")
	recipient, _ = e.GetOrCreate("ndoRecipient")
	if sender.Balance != 1_000_000 {
		t.Fatalf("sender balance after revert = %d", sender.Balance)
	}
	if recipient.Balance != 0 {
		t.Fatalf("recipient balance after revert = %d", recipient.Balance)
	}
}

func TestReflectTransactionLegacyFeeHeight(t *testing.T) {
	e := newEngine(t)
	if err := e.ChangeBalance("ndoSender", 1_000_000, false); err != nil {
		t.Fatalf("seed sender: %v", err)
	}
	tx := model.Transaction{Sender: "ndoSender", Recipient: "ndoRecipient", Amount: 1000, Fee: 10}

	if err := e.ReflectTransaction(tx, LegacyFeeHeight-1, false); err != nil {
		t.Fatalf("ReflectTransaction: %v", err)
	}
	sender, _ := e.GetOrCreate("ndoSender")
	if sender.Balance != 1_000_000-1000 {
		t.Fatalf("legacy height should skip fee deduction, balance = %d", sender.Balance)
	}
}

func TestReflectTransactionBurn(t *testing.T) {
	e := newEngine(t)
	if err := e.ChangeBalance("ndoSender", 1_000_000, false); err != nil {
		t.Fatalf("seed sender: %v", err)
	}
	tx := model.Transaction{Sender: "ndoSender", Recipient: "burn", Amount: 5000, Fee: 10}

	if err := e.ReflectTransaction(tx, 200000, false); err != nil {
		t.Fatalf("ReflectTransaction: %v", err)
	}
	sender, _ := e.GetOrCreate("ndoSender")
	if sender.Balance != 1_000_000-5010 {
		t.Fatalf("sender balance = %d", sender.Balance)
	}
	if sender.Burned != 5000 {
		t.Fatalf("sender burned = %d", sender.Burned)
	}
	burnAcc, _ := e.GetOrCreate("burn")
	if burnAcc.Balance != 0 {
		t.Fatalf("burn address must never hold balance, got %d", burnAcc.Balance)
	}
}

func TestGetTotals(t *testing.T) {
	block := model.Block{
		BlockReward: 1_000_000,
		BlockTransactions: []model.Transaction{
			{Fee: 10, Recipient: "ndoX"},
			{Fee: 20, Recipient: "burn", Amount: 500},
		},
	}
	delta := GetTotals(block, false)
	if delta.Produced != 1_000_000 || delta.Fees != 30 || delta.Burned != 500 {
		t.Fatalf("delta = %+v", delta)
	}
	reverted := GetTotals(block, true)
	if reverted.Produced != -1_000_000 || reverted.Fees != -30 || reverted.Burned != -500 {
		t.Fatalf("reverted delta = %+v", reverted)
	}
}
