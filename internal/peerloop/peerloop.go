// Package peerloop maintains the node's peer set: merging newly sniffed
// peers into the active set, discovering peers-of-peers, purging
// unreachable or banned entries (with a trust penalty), restoring peers
// whose ban has expired, and periodically re-announcing this node and
// refreshing the consensus status pool. Grounded on loops/peer_loop.py's
// PeerClient.
package peerloop

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/hclivess/nado/internal/consensusloop"
	"github.com/hclivess/nado/internal/gossip"
	"github.com/hclivess/nado/internal/memserver"
	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/peerreg"
)

// BanDuration is how long a peer recorded as unreachable stays banned
// before the loop restores it: half of HeavyRefreshInterval.
const BanDuration = HeavyRefreshInterval / 2

// HeavyRefreshInterval is how often the loop re-announces itself to the
// block producers, matching heavy_refresh's 360-second gate. The heavy
// refresh does not re-detect or update this node's public IP.
const HeavyRefreshInterval = 360 * time.Second

// PurgePenalty is the trust deduction applied to a peer that is purged,
// matching purge_peers' trust_pool[entry] -= 1000.
const PurgePenalty = -1000

// FailList implements gossip.FailStore by appending to a shared slice,
// matching purge_peers_list's role as both a failure sink and a purge
// queue.
type FailList struct {
	entries []string
}

// Append records ip if it is not already present.
func (f *FailList) Append(ip string) {
	for _, e := range f.entries {
		if e == ip {
			return
		}
	}
	f.entries = append(f.entries, ip)
}

// Drain returns and clears the accumulated entries.
func (f *FailList) Drain() []string {
	out := f.entries
	f.entries = nil
	return out
}

// Engine orchestrates one tick of the peer maintenance loop.
type Engine struct {
	Mem       *memserver.MemServer
	Consensus *consensusloop.State
	Gossip    *gossip.Client
	Peers     *peerreg.Registry
	SelfIP    string

	FailStore *FailList

	lastHeavyRefresh time.Time
}

// New builds a peer-loop engine wired against shared node state.
func New(mem *memserver.MemServer, consensus *consensusloop.State, g *gossip.Client, reg *peerreg.Registry, selfIP string) *Engine {
	return &Engine{Mem: mem, Consensus: consensus, Gossip: g, Peers: reg, SelfIP: selfIP, FailStore: &FailList{}}
}

// MergeAndSortPeers promotes buffered peer candidates into the active
// peer set, bounded by PeerLimit, matching merge_and_sort_peers.
func MergeAndSortPeers(buffer, active []string, unreachable map[string]int64, limit int) (newBuffer, newActive []string) {
	for _, ip := range buffer {
		if contains(active, ip) || hasKey(unreachable, ip) {
			continue
		}
		if len(active) >= limit {
			continue
		}
		active = append(active, ip)
	}
	return nil, setAndSort(active)
}

// DisconnectPeer removes entry from active and records it as unreachable
// if it was not already, matching disconnect_peer.
func DisconnectPeer(active []string, unreachable map[string]int64, entry string, now int64) []string {
	if unreachable != nil {
		if _, ok := unreachable[entry]; !ok {
			unreachable[entry] = now
		}
	}
	return removeString(active, entry)
}

// PurgePeers drains purgeList, disconnecting each entry from active and
// producers, penalizing its trust, and dropping it from every consensus
// pool, matching purge_peers.
func PurgePeers(purgeList []string, active []string, producers []string, unreachable map[string]int64, state *consensusloop.State, now int64) (newActive, newProducers []string) {
	active = append([]string(nil), active...)
	producers = append([]string(nil), producers...)

	for _, entry := range purgeList {
		active = DisconnectPeer(active, unreachable, entry, now)
		producers = removeString(producers, entry)

		if state != nil {
			if _, ok := state.TrustPool[entry]; ok {
				state.TrustPool[entry] += PurgePenalty
			}
			delete(state.BlockHashPool, entry)
			delete(state.TransactionHashPool, entry)
			delete(state.BlockProducersHashPool, entry)
		}
	}
	return active, producers
}

// RestoreExpiredBans returns the subset of unreachable peers whose ban
// window has elapsed, matching run()'s unreachable-expiry pass; the
// caller removes these keys from its own unreachable map.
func RestoreExpiredBans(unreachable map[string]int64, now int64) []string {
	var restored []string
	for peer, bannedAt := range unreachable {
		if now-bannedAt > int64(BanDuration/time.Second) {
			restored = append(restored, peer)
		}
	}
	return restored
}

// Tick runs one pass of the peer maintenance loop: reloading from disk
// when the active set is too thin, purging and sniffing during the
// quiet periods, restoring expired bans, periodically announcing this
// node, and refreshing the status pool on every tick. now is the current
// time supplied by the caller (the package never calls time.Now itself,
// to stay deterministic under test).
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	e.Mem.WithLock(func() {
		if len(e.Mem.Peers) < e.Mem.MinPeers {
			e.Mem.Unreachable = make(map[string]int64)
			all, err := e.Peers.LoadAll()
			if err == nil {
				e.Mem.Peers = all
			}
		}
	})

	if e.Mem.Period == memserver.PeriodZero || e.Mem.Period == memserver.PeriodOne {
		e.runPurge(now)
		e.sniffPeersAndProducers(ctx)
	}

	e.Mem.WithLock(func() {
		for _, peer := range RestoreExpiredBans(e.Mem.Unreachable, now.Unix()) {
			delete(e.Mem.Unreachable, peer)
		}
	})

	if now.Sub(e.lastHeavyRefresh) > HeavyRefreshInterval {
		e.lastHeavyRefresh = now
		peerIPs := e.producerIPs()
		gossip.CompoundAnnounceSelf(ctx, e.Gossip, peerIPs, e.SelfIP, e.FailStore)
	}

	var activePeerIPs []string
	e.Mem.WithLock(func() { activePeerIPs = ipsOf(e.Mem.Peers) })
	e.Consensus.StatusPool = gossip.CompoundGetStatusPool(ctx, e.Gossip, activePeerIPs, e.FailStore)

	return nil
}

func (e *Engine) runPurge(now time.Time) {
	var purgeList []string
	e.Mem.WithLock(func() {
		purgeList = append([]string(nil), e.Mem.PurgePeersList...)
		e.Mem.PurgePeersList = nil
	})

	e.Mem.WithLock(func() {
		activeIPs := ipsOf(e.Mem.Peers)
		newActiveIPs, newProducers := PurgePeers(purgeList, activeIPs, e.Mem.BlockProducers.IPs, e.Mem.Unreachable, e.Consensus, now.Unix())
		e.Mem.Peers = filterRecordsByIP(e.Mem.Peers, newActiveIPs)
		e.Mem.BlockProducers.IPs = newProducers
	})
}

// sniffPeersAndProducers asks every active peer for its own "peers" list,
// folds newly discovered, reachable candidates into the active set (and
// into the producer set when the candidate already has a registry
// record), then drains PeerBuffer (populated by /announce_peer) into the
// active set the same way, matching sniff_peers_and_producers and
// merge_and_sort_peers.
func (e *Engine) sniffPeersAndProducers(ctx context.Context) {
	var activeIPs []string
	e.Mem.WithLock(func() { activeIPs = ipsOf(e.Mem.Peers) })

	candidates := gossip.CompoundGetListOf[string](ctx, e.Gossip, "peers", activeIPs, gossip.EncodingMsgpack, e.FailStore)

	e.Mem.WithLock(func() {
		active := ipsOf(e.Mem.Peers)
		producers := append([]string(nil), e.Mem.BlockProducers.IPs...)
		limit := e.Mem.PeerLimit

		for _, peer := range candidates {
			if net.ParseIP(peer) == nil || hasKey(e.Mem.Unreachable, peer) {
				continue
			}
			if !contains(active, peer) && len(active) < limit {
				active = append(active, peer)
			}
			if !contains(producers, peer) && e.Peers.Stored(peer) {
				producers = append(producers, peer)
			}
		}

		buffer := append([]string(nil), e.Mem.PeerBuffer...)
		_, active = MergeAndSortPeers(buffer, active, e.Mem.Unreachable, limit)
		e.Mem.PeerBuffer = nil

		active = setAndSort(active)
		e.Mem.Peers = recordsForIPs(e.Mem.Peers, active, e.Peers)
		e.Mem.BlockProducers.IPs = setAndSort(producers)
	})
}

func (e *Engine) producerIPs() []string {
	var ips []string
	e.Mem.WithLock(func() {
		ips = append([]string(nil), e.Mem.BlockProducers.IPs...)
	})
	return ips
}

func ipsOf(peers []model.PeerRecord) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.IP
	}
	return out
}

func filterRecordsByIP(records []model.PeerRecord, keepIPs []string) []model.PeerRecord {
	keep := make(map[string]bool, len(keepIPs))
	for _, ip := range keepIPs {
		keep[ip] = true
	}
	out := records[:0:0]
	for _, r := range records {
		if keep[r.IP] {
			out = append(out, r)
		}
	}
	return out
}

// recordsForIPs rebuilds the active peer-record slice for the given IPs,
// preserving any already-known record and falling back to the registry
// (or a bare IP-only record) for newly discovered peers.
func recordsForIPs(existing []model.PeerRecord, ips []string, reg *peerreg.Registry) []model.PeerRecord {
	byIP := make(map[string]model.PeerRecord, len(existing))
	for _, rec := range existing {
		byIP[rec.IP] = rec
	}

	out := make([]model.PeerRecord, 0, len(ips))
	for _, ip := range ips {
		if rec, ok := byIP[ip]; ok {
			out = append(out, rec)
			continue
		}
		if rec, ok, err := reg.Load(ip); err == nil && ok {
			out = append(out, rec)
			continue
		}
		out = append(out, model.PeerRecord{IP: ip})
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func hasKey(m map[string]int64, k string) bool {
	_, ok := m[k]
	return ok
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func setAndSort(list []string) []string {
	seen := make(map[string]bool, len(list))
	var out []string
	for _, v := range list {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
