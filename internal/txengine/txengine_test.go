package txengine

import (
	"testing"

	"github.com/hclivess/nado/internal/addr"
	"github.com/hclivess/nado/internal/cryptoutil"
	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// signedTx builds a fully signed transaction to a freshly generated
// recipient address, so both sender and recipient are checksum-valid.
func signedTx(t *testing.T, amount, fee uint64, targetBlock uint64) model.Transaction {
	t.Helper()
	pub, priv, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	recipPub, _, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	recipAddr, err := addr.Make(recipPub)
	if err != nil {
		t.Fatalf("addr.Make: %v", err)
	}

	tx, err := Draft(pub, recipAddr, amount, fee, 1700000000, "n1", "", targetBlock)
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	tx, err = Create(tx, priv)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tx
}

func TestCreateAndValidateOrigin(t *testing.T) {
	tx := signedTx(t, 100, 5, 500000)
	if err := ValidateOrigin(tx); err != nil {
		t.Fatalf("ValidateOrigin: %v", err)
	}
}

func TestValidateOriginRejectsTamperedAmount(t *testing.T) {
	tx := signedTx(t, 100, 5, 500000)
	tx.Amount = 999999

	if err := ValidateOrigin(tx); err == nil {
		t.Fatalf("expected tampered transaction to fail validation")
	}
}

func TestLegacySignaturePayloadFallback(t *testing.T) {
	// target block at or below LegacySignatureHeight uses the legacy
	// payload shape throughout Draft/Create/Txid, so it must still
	// validate cleanly end to end.
	tx := signedTx(t, 50, 2, LegacySignatureHeight-1)
	if err := ValidateOrigin(tx); err != nil {
		t.Fatalf("ValidateOrigin (legacy height): %v", err)
	}
}

func TestValidateSpendingAndAllSpending(t *testing.T) {
	s := newStore(t)
	tx := signedTx(t, 100, 5, 500000)

	if err := s.ChangeBalance(tx.Sender, 150, false); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	if err := ValidateSpending(s, tx, 500000, 0); err != nil {
		t.Fatalf("ValidateSpending: %v", err)
	}

	tooPoor := tx
	tooPoor.Amount = 1_000_000
	if err := ValidateSpending(s, tooPoor, 500000, 0); err == nil {
		t.Fatalf("expected insufficient balance error")
	}

	if err := ValidateAllSpending(s, []model.Transaction{tx, tx}, 500000); err == nil {
		t.Fatalf("expected cumulative spend across batch to overdraw sender")
	}
}

func TestSortPoolByTxid(t *testing.T) {
	txs := []model.Transaction{
		{Txid: "b"}, {Txid: "a"}, {Txid: "c"},
	}
	sorted := SortPool(txs)
	if sorted[0].Txid != "a" || sorted[1].Txid != "b" || sorted[2].Txid != "c" {
		t.Fatalf("not sorted: %+v", sorted)
	}
}

func TestMaxMinRecommendedFee(t *testing.T) {
	txs := []model.Transaction{{Fee: 10}, {Fee: 30}, {Fee: 20}}
	if MaxFeeFrom(txs) != 30 {
		t.Fatalf("MaxFeeFrom wrong")
	}
	if MinFeeFrom(txs) != 10 {
		t.Fatalf("MinFeeFrom wrong")
	}
	if RecommendedFee(txs) != 20 {
		t.Fatalf("RecommendedFee wrong")
	}
	if RecommendedFee(nil) != BaseFee {
		t.Fatalf("RecommendedFee empty pool should fall back to BaseFee")
	}
}
