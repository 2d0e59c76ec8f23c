package config

import (
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != Default().Port {
		t.Errorf("Port = %d, want default %d", cfg.Port, Default().Port)
	}

	path := Path(dir)
	if _, err := filepath.Abs(path); err != nil {
		t.Fatalf("Path: %v", err)
	}

	cfg2, err := Load(dir)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if cfg2.MinPeers != cfg.MinPeers {
		t.Errorf("MinPeers changed across reload: %d vs %d", cfg2.MinPeers, cfg.MinPeers)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Port = 12345
	cfg.Promiscuous = true

	path := Path(dir)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Port != 12345 || !loaded.Promiscuous {
		t.Errorf("loaded config mismatch: %+v", loaded)
	}
}
