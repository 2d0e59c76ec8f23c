// Package producer implements block producer election: the hash-distance
// penalty between a candidate producer's address and the latest block
// hash, combined with its production/burn history, and the selection of
// the lowest-penalty producer from the current producer set. Grounded on
// block_ops.py's get_hash_penalty/get_penalty/pick_best_producer.
package producer

import (
	"strings"

	"github.com/hclivess/nado/internal/cryptoutil"
	"github.com/hclivess/nado/internal/model"
)

// HashPenaltyHeightGate is the block height above which hash penalty
// scoring switches from the legacy character-overlap scheme to the
// hash-link scheme.
const HashPenaltyHeightGate = 20000

// HashPenalty scores how well address matches blockHash at blockNumber.
// Above the height gate it hashes address linked to blockHash and counts
// character overlaps against blockHash; at or below the gate it uses the
// original shorter-string positional-match scheme kept for historical
// blocks.
func HashPenalty(address, blockHash string, blockNumber uint64) int {
	if blockNumber > HashPenaltyHeightGate {
		mingled := cryptoutil.HashLink(address, blockHash)
		score := 0
		for _, r := range mingled {
			score += strings.Count(blockHash, string(r))
		}
		return score
	}

	shorter := address
	if len(blockHash) < len(address) {
		shorter = blockHash
	}

	score := 0
	for i, r := range shorter {
		if i < len(blockHash) && rune(blockHash[i]) == r {
			score++
		}
		score += strings.Count(address, string(r))
		score += strings.Count(blockHash, string(r))
	}
	return score
}

// BlockPenalty combines a producer's hash penalty with its production and
// burn history: accounts that have produced more blocks score worse,
// accounts that have burned funds score better, but the final penalty
// never drops below the raw hash penalty.
func BlockPenalty(account model.Account, blockHash string, blockNumber uint64) int64 {
	hashPenalty := int64(HashPenalty(account.Address, blockHash, blockNumber))
	combined := hashPenalty + int64(account.Produced)
	penalty := combined - int64(account.Burned)*100
	if penalty < hashPenalty {
		return hashPenalty
	}
	return penalty
}

// AccountLookup resolves a producer address's current account state,
// supplied by the caller so this package stays decoupled from the
// indexed store.
type AccountLookup func(address string) (model.Account, error)

// PeerAddressLookup resolves a producer IP's advertised node address.
type PeerAddressLookup func(ip string) (string, bool)

// PenaltyEntry is one producer's computed penalty, reported for
// observability (the supplemented penalty-list event the node's event
// bus emits after every election, per pick_best_producer's event_bus.emit
// call).
type PenaltyEntry struct {
	ProducerIP string
	Address    string
	Penalty    int64
}

// PickBestProducer scans block_producers IPs, resolves each to its
// advertised address, scores it against the latest block, and returns the
// IP with the lowest nonzero penalty alongside the full penalty list for
// observability. It returns ok=false if no producer could be scored.
func PickBestProducer(producerIPs []string, lookupPeer PeerAddressLookup, lookupAccount AccountLookup, latest model.Block) (bestIP string, penalties []PenaltyEntry, ok bool) {
	var best *int64
	for _, ip := range producerIPs {
		address, found := lookupPeer(ip)
		if !found || address == "" {
			continue
		}
		acc, err := lookupAccount(address)
		if err != nil {
			continue
		}
		penalty := BlockPenalty(acc, latest.BlockHash, latest.BlockNumber)
		penalties = append(penalties, PenaltyEntry{ProducerIP: ip, Address: address, Penalty: penalty})

		if penalty == 0 {
			continue
		}
		if best == nil || penalty <= *best {
			p := penalty
			best = &p
			bestIP = ip
		}
	}
	return bestIP, penalties, best != nil
}
