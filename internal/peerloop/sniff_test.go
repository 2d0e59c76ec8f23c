package peerloop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hclivess/nado/internal/config"
	"github.com/hclivess/nado/internal/consensusloop"
	"github.com/hclivess/nado/internal/cryptoutil"
	"github.com/hclivess/nado/internal/gossip"
	"github.com/hclivess/nado/internal/memserver"
	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/peerreg"
	"github.com/hclivess/nado/internal/store"
)

func newTestPeerEngine(t *testing.T) (*Engine, *memserver.MemServer, *peerreg.Registry) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(store.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg, err := peerreg.Open(dir)
	if err != nil {
		t.Fatalf("peerreg.Open: %v", err)
	}

	pub, priv, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	mem := memserver.New(config.Default(), s, pub, priv, "ndoSelf")
	mem.PeerLimit = 10

	e := New(mem, consensusloop.NewState(), gossip.New(0), reg, "ndoSelfIP")
	return e, mem, reg
}

func portOfServer(t *testing.T, server *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

func TestSniffPeersAndProducersDiscoversNewPeerAndDrainsBuffer(t *testing.T) {
	e, mem, reg := newTestPeerEngine(t)
	mem.Peers = []model.PeerRecord{{IP: "127.0.0.1"}}

	if err := reg.Save("2.2.2.2", 8080, "ndoKnown", peerreg.DefaultTrust, false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		body, err := msgpack.Marshal([]string{"2.2.2.2"})
		if err != nil {
			t.Fatalf("msgpack.Marshal: %v", err)
		}
		w.Write(body)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	e.Gossip = gossip.New(portOfServer(t, server))
	mem.PeerBuffer = []string{"3.3.3.3"}

	e.sniffPeersAndProducers(context.Background())

	ips := ipsOf(mem.Peers)
	if !contains(ips, "2.2.2.2") {
		t.Fatalf("expected sniffed peer added to active set, got %v", ips)
	}
	if !contains(ips, "3.3.3.3") {
		t.Fatalf("expected buffered peer merged into active set, got %v", ips)
	}
	if !contains(mem.BlockProducers.IPs, "2.2.2.2") {
		t.Fatalf("expected registry-known sniffed peer added to producer set, got %v", mem.BlockProducers.IPs)
	}
	if len(mem.PeerBuffer) != 0 {
		t.Fatalf("expected peer buffer drained, got %v", mem.PeerBuffer)
	}
}

func TestSniffPeersAndProducersIgnoresUnreachableCandidate(t *testing.T) {
	e, mem, _ := newTestPeerEngine(t)
	mem.Peers = []model.PeerRecord{{IP: "127.0.0.1"}}
	mem.Unreachable["2.2.2.2"] = 1000

	mux := http.NewServeMux()
	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		body, err := msgpack.Marshal([]string{"2.2.2.2"})
		if err != nil {
			t.Fatalf("msgpack.Marshal: %v", err)
		}
		w.Write(body)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	e.Gossip = gossip.New(portOfServer(t, server))

	e.sniffPeersAndProducers(context.Background())

	if contains(ipsOf(mem.Peers), "2.2.2.2") {
		t.Fatalf("expected banned candidate excluded, got %v", ipsOf(mem.Peers))
	}
}
