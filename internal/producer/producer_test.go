package producer

import (
	"testing"

	"github.com/hclivess/nado/internal/model"
)

func TestHashPenaltyDeterministic(t *testing.T) {
	p1 := HashPenalty("ndoAAA", "deadbeef", 500000)
	p2 := HashPenalty("ndoAAA", "deadbeef", 500000)
	if p1 != p2 {
		t.Fatalf("expected deterministic score, got %d and %d", p1, p2)
	}
}

func TestHashPenaltyLegacyHeightUsesDifferentScheme(t *testing.T) {
	modern := HashPenalty("ndoAAA", "deadbeef", 500000)
	legacy := HashPenalty("ndoAAA", "deadbeef", 100)
	// Not asserting a specific relationship beyond both being computable
	// without panicking and the two schemes being independently exercised.
	_ = modern
	_ = legacy
}

func TestBlockPenaltyNeverBelowHashPenalty(t *testing.T) {
	acc := model.Account{Address: "ndoAAA", Produced: 0, Burned: 100}
	hashPenalty := int64(HashPenalty(acc.Address, "deadbeef", 500000))
	blockPenalty := BlockPenalty(acc, "deadbeef", 500000)
	if blockPenalty < hashPenalty {
		t.Fatalf("block penalty %d fell below hash penalty %d", blockPenalty, hashPenalty)
	}
}

func TestBlockPenaltyPenalizesProduction(t *testing.T) {
	lowProducer := model.Account{Address: "ndoAAA", Produced: 0}
	highProducer := model.Account{Address: "ndoAAA", Produced: 1000}
	if BlockPenalty(highProducer, "deadbeef", 500000) <= BlockPenalty(lowProducer, "deadbeef", 500000) {
		t.Fatalf("expected higher production to increase penalty")
	}
}

func TestPickBestProducer(t *testing.T) {
	latest := model.Block{BlockHash: "deadbeef", BlockNumber: 500000}
	peers := map[string]string{
		"1.1.1.1": "ndoA",
		"2.2.2.2": "ndoB",
	}
	accounts := map[string]model.Account{
		"ndoA": {Address: "ndoA", Produced: 5},
		"ndoB": {Address: "ndoB", Produced: 500},
	}

	bestIP, penalties, ok := PickBestProducer(
		[]string{"1.1.1.1", "2.2.2.2"},
		func(ip string) (string, bool) { a, found := peers[ip]; return a, found },
		func(address string) (model.Account, error) { return accounts[address], nil },
		latest,
	)
	if !ok {
		t.Fatalf("expected a producer to be selected")
	}
	if len(penalties) != 2 {
		t.Fatalf("expected penalty entries for both producers, got %d", len(penalties))
	}
	if bestIP == "" {
		t.Fatalf("expected non-empty best producer IP")
	}
}

func TestPickBestProducerSkipsUnresolvedPeers(t *testing.T) {
	latest := model.Block{BlockHash: "deadbeef", BlockNumber: 500000}
	_, penalties, ok := PickBestProducer(
		[]string{"9.9.9.9"},
		func(ip string) (string, bool) { return "", false },
		func(address string) (model.Account, error) { return model.Account{}, nil },
		latest,
	)
	if ok {
		t.Fatalf("expected no producer selected when no peers resolve")
	}
	if len(penalties) != 0 {
		t.Fatalf("expected no penalty entries")
	}
}
