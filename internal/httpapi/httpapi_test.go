package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/hclivess/nado/internal/account"
	"github.com/hclivess/nado/internal/blockstore"
	"github.com/hclivess/nado/internal/config"
	"github.com/hclivess/nado/internal/consensusloop"
	"github.com/hclivess/nado/internal/cryptoutil"
	"github.com/hclivess/nado/internal/genesis"
	"github.com/hclivess/nado/internal/memserver"
	"github.com/hclivess/nado/internal/peerreg"
	"github.com/hclivess/nado/internal/store"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(store.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bs, err := blockstore.Open(dir)
	if err != nil {
		t.Fatalf("blockstore.Open: %v", err)
	}
	if err := genesis.Install(s, bs); err != nil {
		t.Fatalf("genesis.Install: %v", err)
	}

	acc := account.New(s)
	pub, priv, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	reg, err := peerreg.Open(dir)
	if err != nil {
		t.Fatalf("peerreg.Open: %v", err)
	}

	cfg := config.Default()
	mem := memserver.New(cfg, s, pub, priv, "ndoSelf")
	latest, _, err := bs.GetLatestBlockInfo()
	if err != nil {
		t.Fatalf("GetLatestBlockInfo: %v", err)
	}
	mem.LatestBlock = latest

	consensus := consensusloop.NewState()

	srv := New(mem, s, bs, acc, reg, consensus, cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestHandleStatus(t *testing.T) {
	_, ts := newTestServer(t)
	var status map[string]any
	getJSON(t, ts, "/status", &status)
	if status["address"] != "ndoSelf" {
		t.Fatalf("status = %+v", status)
	}
}

func TestHandleGetAccountReadable(t *testing.T) {
	_, ts := newTestServer(t)
	var result map[string]any
	getJSON(t, ts, "/get_account?address="+genesis.Address+"&readable=true", &result)
	balance, ok := result["balance"].(string)
	if !ok || balance != "1000000000.0000000000" {
		t.Fatalf("readable balance = %+v", result)
	}
}

func TestHandleGetSupply(t *testing.T) {
	_, ts := newTestServer(t)
	var result map[string]any
	getJSON(t, ts, "/get_supply", &result)
	if result["reserve"].(float64) != float64(genesis.ReserveAmount) {
		t.Fatalf("get_supply = %+v", result)
	}
}

func TestHandleGetLatestBlock(t *testing.T) {
	_, ts := newTestServer(t)
	var block map[string]any
	getJSON(t, ts, "/get_latest_block", &block)
	if block["block_hash"] != genesis.BlockHash {
		t.Fatalf("latest block = %+v", block)
	}
}

func TestHandleGetBlockNotFound(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/get_block?hash=doesnotexist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleSubmitTransactionRejectsMalformed(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/submit_transaction?data=" + url.QueryEscape("not json"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHandleForceSyncRequiresPrivilege(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.Config.ServerKey = "secret"

	resp, err := http.Get(ts.URL + "/force_sync?ip=1.1.1.1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	// httptest clients connect over 127.0.0.1, so this still counts as
	// privileged under the localhost exemption even without the key.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (localhost exemption)", resp.StatusCode)
	}
}

func TestHandleAnnouncePeerRejectsInvalidIP(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/announce_peer?ip=not-an-ip")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleAnnouncePeerQueuesPeerBuffer(t *testing.T) {
	srv, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/announce_peer?ip=9.9.9.9")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var buffered []string
	srv.Mem.WithLock(func() { buffered = append([]string(nil), srv.Mem.PeerBuffer...) })
	if len(buffered) != 1 || buffered[0] != "9.9.9.9" {
		t.Fatalf("expected announced peer queued in peer buffer, got %v", buffered)
	}
}

func TestHandleKnowsBlockReportsPresenceByHash(t *testing.T) {
	_, ts := newTestServer(t)

	var known map[string]any
	getJSON(t, ts, "/knows_block?hash="+genesis.BlockHash, &known)
	if known["knows_block"] != true {
		t.Fatalf("expected knows_block=true for the genesis hash, got %+v", known)
	}

	getJSON(t, ts, "/knows_block?hash=doesnotexist", &known)
	if known["knows_block"] != false {
		t.Fatalf("expected knows_block=false for an unknown hash, got %+v", known)
	}
}
