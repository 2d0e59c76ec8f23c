// Command nadod runs a single node: it opens the indexed store and block
// store, installs the genesis block if absent, loads or generates this
// node's identity, and starts the peer, consensus and core loops alongside
// the HTTP surface. Grounded on the example repository's cmd/klingond
// daemon: flag-parsed config overrides, a context cancelled on SIGINT/
// SIGTERM, and an ordered startup/shutdown sequence logged through the
// shared structured logger.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hclivess/nado/internal/account"
	"github.com/hclivess/nado/internal/addr"
	"github.com/hclivess/nado/internal/blockengine"
	"github.com/hclivess/nado/internal/blockstore"
	"github.com/hclivess/nado/internal/config"
	"github.com/hclivess/nado/internal/consensusloop"
	"github.com/hclivess/nado/internal/coreloop"
	"github.com/hclivess/nado/internal/cryptoutil"
	"github.com/hclivess/nado/internal/genesis"
	"github.com/hclivess/nado/internal/gossip"
	"github.com/hclivess/nado/internal/httpapi"
	"github.com/hclivess/nado/internal/memserver"
	"github.com/hclivess/nado/internal/model"
	"github.com/hclivess/nado/internal/peerloop"
	"github.com/hclivess/nado/internal/peerreg"
	"github.com/hclivess/nado/internal/store"
	"github.com/hclivess/nado/internal/workerloop"
	"github.com/hclivess/nado/pkg/nlog"
)

var version = "0.1.0-dev"

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.nado", "Data directory")
		listenPort  = flag.Int("port", 0, "HTTP/gossip listen port, overrides config")
		ip          = flag.String("ip", "", "IP this node announces to peers, overrides config")
		forceSync   = flag.String("force-sync-ip", "", "Force the core loop to sync from this peer on startup")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("nadod %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nadod: load config: %v\n", err)
		os.Exit(1)
	}
	if *listenPort != 0 {
		cfg.Port = *listenPort
	}
	if *ip != "" {
		cfg.IP = *ip
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := nlog.New(&nlog.Config{Level: cfg.LogLevel, TimeFormat: time.TimeOnly})
	nlog.SetDefault(log)

	s, err := store.Open(store.Config{DataDir: *dataDir})
	if err != nil {
		log.Fatal("open index store", "error", err)
	}
	defer s.Close()

	blocks, err := blockstore.Open(*dataDir)
	if err != nil {
		log.Fatal("open block store", "error", err)
	}

	if err := genesis.Install(s, blocks); err != nil {
		log.Fatal("install genesis block", "error", err)
	}
	log.Info("genesis block ready", "hash", genesis.BlockHash)

	pub, priv, err := loadOrCreateIdentity(*dataDir)
	if err != nil {
		log.Fatal("load node identity", "error", err)
	}
	selfAddress, err := addr.Make(pub)
	if err != nil {
		log.Fatal("derive node address", "error", err)
	}
	log.Info("node identity ready", "address", selfAddress)

	accounts := account.New(s)
	peers, err := peerreg.Open(*dataDir)
	if err != nil {
		log.Fatal("open peer registry", "error", err)
	}

	mem := memserver.New(cfg, s, pub, priv, selfAddress)
	latest, found, err := blocks.GetLatestBlockInfo()
	if err != nil {
		log.Fatal("load latest block", "error", err)
	}
	if !found {
		log.Fatal("no latest block recorded after genesis install")
	}
	mem.LatestBlock = latest
	mem.ForceSyncIP = *forceSync

	selfIP := cfg.IP
	if selfIP == "" {
		selfIP = "127.0.0.1"
	}
	// A node with no discovered peers still needs to be in its own
	// producer set to ever reach the emergency period and mine, matching
	// the bootstrap node being its own sole producer until peers arrive.
	mem.BlockProducers = model.ProducerSet{IPs: []string{selfIP}}

	consensus := consensusloop.NewState()
	blockEngine := blockengine.New(s, blocks, accounts, time.Duration(cfg.BlockTimeSeconds)*time.Second)
	gossipClient := gossip.New(cfg.Port)

	lookupPeer := func(ip string) (string, bool) {
		if ip == selfIP {
			return selfAddress, true
		}
		rec, ok, err := peers.Load(ip)
		if err != nil || !ok {
			return "", false
		}
		return rec.Address, rec.Address != ""
	}

	core := coreloop.New(mem, consensus, blockEngine, gossipClient, lookupPeer, accounts.GetOrCreate, time.Duration(cfg.BlockTimeSeconds)*time.Second, selfIP)

	httpServer := httpapi.New(mem, s, blocks, accounts, peers, consensus, cfg)
	core.OnBlockProduced(func(block model.Block) {
		httpServer.Events.BroadcastBlock(block)
	})

	peerLoop := peerloop.New(mem, consensus, gossipClient, peers, selfIP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coreLoop := workerloop.New(time.Second, func(ctx context.Context) error {
		return core.Tick(ctx, time.Now().Unix())
	}, func(err error) {
		log.Error("core loop tick failed", "error", err)
	})
	coreLoop.Start(ctx)
	defer coreLoop.Stop()

	peerWorker := workerloop.New(5*time.Second, func(ctx context.Context) error {
		return peerLoop.Tick(ctx, time.Now())
	}, func(err error) {
		log.Error("peer loop tick failed", "error", err)
	})
	peerWorker.Start(ctx)
	defer peerWorker.Stop()

	consensusWorker := workerloop.New(10*time.Second, func(ctx context.Context) error {
		return consensus.RefreshFromStatusPool(peers)
	}, func(err error) {
		log.Error("consensus refresh failed", "error", err)
	})
	consensusWorker.Start(ctx)
	defer consensusWorker.Stop()

	addrStr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addrStr,
		Handler:           httpServer,
		ReadHeaderTimeout: httpapi.ReadHeaderTimeout,
		IdleTimeout:       httpapi.IdleTimeout,
	}

	go func() {
		log.Info("http surface listening", "addr", addrStr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http surface stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	httpServer.Events.Stop()
}

type identityFile struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// loadOrCreateIdentity reads the node's ed25519 keypair from
// <dataDir>/private/identity.dat, generating and persisting a fresh one on
// first run, matching config.Load's load-or-create-default shape.
func loadOrCreateIdentity(dataDir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	path := filepath.Join(expandPath(dataDir), "private", "identity.dat")

	if data, err := os.ReadFile(path); err == nil {
		var f identityFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, nil, fmt.Errorf("identity: parse: %w", err)
		}
		pub, err := decodeKey(f.PublicKey, ed25519.PublicKeySize)
		if err != nil {
			return nil, nil, fmt.Errorf("identity: decode public key: %w", err)
		}
		priv, err := decodeKey(f.PrivateKey, ed25519.PrivateKeySize)
		if err != nil {
			return nil, nil, fmt.Errorf("identity: decode private key: %w", err)
		}
		return ed25519.PublicKey(pub), ed25519.PrivateKey(priv), nil
	}

	pub, priv, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("identity: generate: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, fmt.Errorf("identity: create directory: %w", err)
	}
	data, err := json.Marshal(identityFile{PublicKey: encodeKey(pub), PrivateKey: encodeKey(priv)})
	if err != nil {
		return nil, nil, fmt.Errorf("identity: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, nil, fmt.Errorf("identity: write: %w", err)
	}
	return pub, priv, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func encodeKey(key []byte) string {
	return hex.EncodeToString(key)
}

func decodeKey(s string, size int) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(key) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(key))
	}
	return key, nil
}
