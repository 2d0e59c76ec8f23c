// Package httpapi exposes the node's read/write HTTP surface over
// memserver and the stores: status and pool introspection, block and
// account lookups, transaction submission, and the privileged force-sync
// and terminate controls. Grounded on spec section 6's endpoint list and
// structured as a net/http.ServeMux route table the way the teacher's
// internal/rpc.Server registers one handler per method, generalized here
// from JSON-RPC-over-POST to plain GET routes with optional
// ?compress=msgpack encoding.
package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hclivess/nado/internal/account"
	"github.com/hclivess/nado/internal/addr"
	"github.com/hclivess/nado/internal/blockstore"
	"github.com/hclivess/nado/internal/config"
	"github.com/hclivess/nado/internal/consensusloop"
	"github.com/hclivess/nado/internal/genesis"
	"github.com/hclivess/nado/internal/memserver"
	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/peerreg"
	"github.com/hclivess/nado/internal/store"
	"github.com/hclivess/nado/internal/txengine"
	"github.com/hclivess/nado/pkg/nlog"
)

// Server wires the node's shared state behind an http.Handler.
type Server struct {
	Mem       *memserver.MemServer
	Store     *store.Store
	Blocks    *blockstore.Store
	Accounts  *account.Engine
	Peers     *peerreg.Registry
	Consensus *consensusloop.State
	Config    *config.Config
	Events    *EventHub
	log       *nlog.Logger

	mux *http.ServeMux
}

// New builds a Server and registers every route.
func New(mem *memserver.MemServer, s *store.Store, blocks *blockstore.Store, accounts *account.Engine, peers *peerreg.Registry, consensus *consensusloop.State, cfg *config.Config) *Server {
	srv := &Server{
		Mem:       mem,
		Store:     s,
		Blocks:    blocks,
		Accounts:  accounts,
		Peers:     peers,
		Consensus: consensus,
		Config:    cfg,
		Events:    NewEventHub(),
		log:       nlog.GetDefault().Component("httpapi"),
		mux:       http.NewServeMux(),
	}
	srv.registerRoutes()
	return srv
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/transaction_pool", s.poolHandler(func() []model.Transaction {
		return s.Mem.TransactionPool
	}))
	s.mux.HandleFunc("/transaction_buffer", s.poolHandler(func() []model.Transaction {
		return s.Mem.TxBuffer
	}))
	s.mux.HandleFunc("/user_transaction_buffer", s.poolHandler(func() []model.Transaction {
		return s.Mem.UserTxBuffer
	}))
	s.mux.HandleFunc("/peers", s.handlePeers)
	s.mux.HandleFunc("/peer_buffer", s.handlePeerBuffer)
	s.mux.HandleFunc("/block_producers", s.handleBlockProducers)
	s.mux.HandleFunc("/trust_pool", s.handleTrustPool)
	s.mux.HandleFunc("/status_pool", s.handleStatusPool)
	s.mux.HandleFunc("/unreachable", s.handleUnreachable)
	s.mux.HandleFunc("/penalties", s.handlePenalties)
	s.mux.HandleFunc("/get_latest_block", s.handleGetLatestBlock)
	s.mux.HandleFunc("/get_block", s.handleGetBlock)
	s.mux.HandleFunc("/get_block_number", s.handleGetBlockNumber)
	s.mux.HandleFunc("/knows_block", s.handleKnowsBlock)
	s.mux.HandleFunc("/get_blocks_after", s.handleGetBlocksAfter)
	s.mux.HandleFunc("/get_blocks_before", s.handleGetBlocksBefore)
	s.mux.HandleFunc("/get_account", s.handleGetAccount)
	s.mux.HandleFunc("/get_transactions_of_account", s.handleGetTransactionsOfAccount)
	s.mux.HandleFunc("/get_transaction", s.handleGetTransaction)
	s.mux.HandleFunc("/get_supply", s.handleGetSupply)
	s.mux.HandleFunc("/get_recommended_fee", s.handleGetRecommendedFee)
	s.mux.HandleFunc("/announce_peer", s.handleAnnouncePeer)
	s.mux.HandleFunc("/submit_transaction", s.handleSubmitTransaction)
	s.mux.HandleFunc("/force_sync", s.handleForceSync)
	s.mux.HandleFunc("/terminate", s.handleTerminate)
	s.mux.HandleFunc("/ws", s.Events.handleWS)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	poolHash, _ := s.Mem.TransactionPoolHash()
	producersHash, _ := s.Mem.BlockProducersHash()

	status := map[string]any{
		"reported_uptime":          s.Mem.Uptime(),
		"address":                  s.Mem.Address,
		"transaction_pool_hash":    poolHash,
		"block_producers_hash":     producersHash,
		"latest_block_hash":        s.Mem.LatestBlock.BlockHash,
		"protocol":                 s.Config.Protocol,
		"version":                  Version,
	}
	if earliest, ok, _ := s.Blocks.LoadBlock(genesis.BlockHash); ok {
		status["earliest_block_hash"] = earliest.BlockHash
	}
	s.writeAny(w, r, status)
}

// Version is this node's reported protocol software version.
const Version = "1.0.0"

func (s *Server) writeAny(w http.ResponseWriter, r *http.Request, v any) {
	if r.URL.Query().Get("compress") == "msgpack" {
		data, err := msgpack.Marshal(v)
		if err != nil {
			http.Error(w, "encode error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/msgpack")
		w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnf("encode response: %v", err)
	}
}

func (s *Server) poolHandler(get func() []model.Transaction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var pool []model.Transaction
		s.Mem.WithLock(func() { pool = append([]model.Transaction(nil), get()...) })
		s.writeAny(w, r, pool)
	}
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	var peers []model.PeerRecord
	s.Mem.WithLock(func() { peers = append([]model.PeerRecord(nil), s.Mem.Peers...) })
	s.writeAny(w, r, peers)
}

func (s *Server) handlePeerBuffer(w http.ResponseWriter, r *http.Request) {
	var buf []string
	s.Mem.WithLock(func() { buf = append([]string(nil), s.Mem.PeerBuffer...) })
	s.writeAny(w, r, buf)
}

func (s *Server) handleBlockProducers(w http.ResponseWriter, r *http.Request) {
	var ips []string
	s.Mem.WithLock(func() { ips = append([]string(nil), s.Mem.BlockProducers.IPs...) })
	s.writeAny(w, r, ips)
}

func (s *Server) handleTrustPool(w http.ResponseWriter, r *http.Request) {
	s.writeAny(w, r, s.Consensus.TrustPool)
}

func (s *Server) handleStatusPool(w http.ResponseWriter, r *http.Request) {
	s.writeAny(w, r, s.Consensus.StatusPool)
}

func (s *Server) handleUnreachable(w http.ResponseWriter, r *http.Request) {
	var u map[string]int64
	s.Mem.WithLock(func() {
		u = make(map[string]int64, len(s.Mem.Unreachable))
		for k, v := range s.Mem.Unreachable {
			u[k] = v
		}
	})
	s.writeAny(w, r, u)
}

func (s *Server) handlePenalties(w http.ResponseWriter, r *http.Request) {
	var p map[string]int64
	s.Mem.WithLock(func() {
		p = make(map[string]int64, len(s.Mem.Penalties))
		for k, v := range s.Mem.Penalties {
			p[k] = v
		}
	})
	s.writeAny(w, r, p)
}

func (s *Server) handleGetLatestBlock(w http.ResponseWriter, r *http.Request) {
	s.writeAny(w, r, s.Mem.LatestBlock)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	block, ok, err := s.Blocks.LoadBlock(hash)
	if err != nil || !ok {
		http.NotFound(w, r)
		return
	}
	s.writeAny(w, r, block)
}

func (s *Server) handleGetBlockNumber(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(r.URL.Query().Get("number"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	hash, ok, err := s.Store.BlockHashByNumber(n)
	if err != nil || !ok {
		http.NotFound(w, r)
		return
	}
	block, ok, err := s.Blocks.LoadBlock(hash)
	if err != nil || !ok {
		http.NotFound(w, r)
		return
	}
	s.writeAny(w, r, block)
}

func (s *Server) handleKnowsBlock(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	_, ok, err := s.Blocks.LoadBlock(hash)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.writeAny(w, r, map[string]any{"knows_block": ok})
}

const maxBlockWalk = 100

func (s *Server) handleGetBlocksAfter(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	count := parseCountOrDefault(r.URL.Query().Get("count"), maxBlockWalk)

	var blocks []model.Block
	current, ok, err := s.Blocks.LoadBlock(hash)
	if err != nil || !ok {
		http.NotFound(w, r)
		return
	}
	for i := 0; i < count && current.ChildHash != ""; i++ {
		next, ok, err := s.Blocks.LoadBlock(current.ChildHash)
		if err != nil || !ok {
			break
		}
		blocks = append(blocks, next)
		current = next
	}
	s.writeAny(w, r, blocks)
}

func (s *Server) handleGetBlocksBefore(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	count := parseCountOrDefault(r.URL.Query().Get("count"), maxBlockWalk)

	var blocks []model.Block
	current, ok, err := s.Blocks.LoadBlock(hash)
	if err != nil || !ok {
		http.NotFound(w, r)
		return
	}
	for i := 0; i < count && current.ParentHash != ""; i++ {
		prev, ok, err := s.Blocks.LoadBlock(current.ParentHash)
		if err != nil || !ok {
			break
		}
		blocks = append(blocks, prev)
		current = prev
	}
	s.writeAny(w, r, blocks)
}

func parseCountOrDefault(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxBlockWalk {
		return def
	}
	return n
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	acc, err := s.Accounts.GetOrCreate(address)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("readable") == "true" {
		s.writeAny(w, r, map[string]any{
			"address":  acc.Address,
			"balance":  ReadableAmount(acc.Balance),
			"produced": ReadableAmount(acc.Produced),
			"burned":   ReadableAmount(acc.Burned),
		})
		return
	}
	s.writeAny(w, r, acc)
}

func (s *Server) handleGetTransactionsOfAccount(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	minBlock, _ := strconv.ParseUint(r.URL.Query().Get("min_block"), 10, 64)
	maxBlock := minBlock + 100

	txids, err := s.Store.TransactionsOfAccountRange(address, minBlock, maxBlock)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	var txs []model.Transaction
	for _, txid := range txids {
		if tx, ok := s.loadTransaction(txid); ok {
			txs = append(txs, tx)
		}
	}

	key := strconv.FormatUint(minBlock, 10) + "-" + strconv.FormatUint(maxBlock, 10)
	s.writeAny(w, r, map[string]any{key: txs})
}

func (s *Server) loadTransaction(txid string) (model.Transaction, bool) {
	blockNumber, ok, err := s.Store.BlockNumberOfTransaction(txid)
	if err != nil || !ok {
		return model.Transaction{}, false
	}
	hash, ok, err := s.Store.BlockHashByNumber(blockNumber)
	if err != nil || !ok {
		return model.Transaction{}, false
	}
	block, ok, err := s.Blocks.LoadBlock(hash)
	if err != nil || !ok {
		return model.Transaction{}, false
	}
	for _, tx := range block.BlockTransactions {
		if tx.Txid == txid {
			return tx, true
		}
	}
	return model.Transaction{}, false
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txid := r.URL.Query().Get("txid")
	tx, ok := s.loadTransaction(txid)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.writeAny(w, r, tx)
}

// ReadableAmount formats a raw integer amount at the network's 9-decimal
// scale, matching to_readable_amount's fixed-point rendering.
func ReadableAmount(raw uint64) string {
	return strconv.FormatFloat(float64(raw)/1_000_000_000, 'f', 10, 64)
}

func (s *Server) handleGetSupply(w http.ResponseWriter, r *http.Request) {
	totals, err := s.Store.GetTotals()
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	remaining, spent, err := genesis.Reserve(s.Store, nil)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	totalSupply := genesis.ReserveAmount + totals.Produced - totals.Burned
	circulating := totals.Produced - totals.Burned + spent

	readable := r.URL.Query().Get("readable") == "true"
	result := map[string]any{
		"produced":      totals.Produced,
		"fees":          totals.Fees,
		"burned":        totals.Burned,
		"reserve":       remaining,
		"reserve_spent": spent,
		"circulating":   circulating,
		"total_supply":  totalSupply,
		"block_number":  s.Mem.LatestBlock.BlockNumber,
	}
	if readable {
		result["produced"] = ReadableAmount(totals.Produced)
		result["fees"] = ReadableAmount(totals.Fees)
		result["burned"] = ReadableAmount(totals.Burned)
		result["reserve"] = ReadableAmount(remaining)
		result["reserve_spent"] = ReadableAmount(spent)
		result["circulating"] = ReadableAmount(circulating)
		result["total_supply"] = ReadableAmount(totalSupply)
	}
	s.writeAny(w, r, result)
}

func (s *Server) handleGetRecommendedFee(w http.ResponseWriter, r *http.Request) {
	hash := s.Mem.LatestBlock.BlockHash
	var txs []model.Transaction
	for i := 0; i < 250 && hash != ""; i++ {
		block, ok, err := s.Blocks.LoadBlock(hash)
		if err != nil || !ok {
			break
		}
		txs = append(txs, block.BlockTransactions...)
		hash = block.ParentHash
	}
	s.writeAny(w, r, map[string]any{"fee": txengine.RecommendedFee(txs) + 1})
}

func (s *Server) handleAnnouncePeer(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if net.ParseIP(ip) == nil {
		http.Error(w, "invalid ip", http.StatusBadRequest)
		return
	}
	if err := s.Peers.Save(ip, s.Config.Port, "", peerreg.DefaultTrust, false); err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.Mem.WithLock(func() {
		s.Mem.PeerBuffer = append(s.Mem.PeerBuffer, ip)
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("data")
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		s.writeForbidden(w, r, "malformed data")
		return
	}

	var tx model.Transaction
	if err := json.Unmarshal([]byte(decoded), &tx); err != nil {
		s.writeForbidden(w, r, "malformed transaction")
		return
	}
	if !addr.Valid(tx.Sender) {
		s.writeForbidden(w, r, "invalid sender address")
		return
	}

	result, err := s.Mem.MergeTransaction(tx, true)
	if err != nil {
		s.writeForbidden(w, r, err.Error())
		return
	}
	if !result.Accepted {
		s.writeForbidden(w, r, result.Message)
		return
	}
	s.writeAny(w, r, map[string]any{"result": true, "message": result.Message})
}

func (s *Server) writeForbidden(w http.ResponseWriter, r *http.Request, message string) {
	w.WriteHeader(http.StatusForbidden)
	s.writeAny(w, r, map[string]any{"result": false, "message": message})
}

// isPrivileged reports whether r is allowed to invoke a server-key-gated
// endpoint: either the caller presents the matching server_key, or the
// request originates from localhost.
func (s *Server) isPrivileged(r *http.Request) bool {
	if s.Config.ServerKey != "" && r.URL.Query().Get("key") == s.Config.ServerKey {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "localhost")
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if !s.isPrivileged(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	ip := r.URL.Query().Get("ip")
	s.Mem.WithLock(func() { s.Mem.ForceSyncIP = ip })
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	if !s.isPrivileged(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.Mem.WithLock(func() { s.Mem.Terminate = true })
	w.WriteHeader(http.StatusOK)
}

// Timeouts used when the node's own cmd wires its http.Server.
const (
	ReadHeaderTimeout = 5 * time.Second
	IdleTimeout       = 60 * time.Second
)
