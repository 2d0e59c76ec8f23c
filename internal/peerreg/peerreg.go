// Package peerreg is the on-disk peer registry: one JSON file per peer,
// keyed by the base64 of its IP, holding the record from spec section 3
// (ip, port, address, trust). Grounded on peer_ops.py's save_peer/load_ips
// file-per-peer layout and the example repository's adapter-over-storage
// shape (internal/node/peerstore.go), rebuilt here over flat files instead
// of a SQL table since the peer registry's own persistence is file-based
// per spec section 6.
package peerreg

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hclivess/nado/internal/model"
)

// DefaultTrust is the trust value a newly seen peer starts with.
const DefaultTrust = 50

// Registry manages peer record files under <dataDir>/peers.
type Registry struct {
	dir string
}

// Open prepares the peers directory under dataDir.
func Open(dataDir string) (*Registry, error) {
	dir := filepath.Join(expandPath(dataDir), "peers")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("peerreg: create dir: %w", err)
	}
	return &Registry{dir: dir}, nil
}

func keyFor(ip string) string {
	return base64.URLEncoding.EncodeToString([]byte(ip))
}

func (r *Registry) pathFor(ip string) string {
	return filepath.Join(r.dir, keyFor(ip)+".dat")
}

// Save writes a peer record. If overwrite is false and a record for ip
// already exists, Save is a no-op, matching save_peer's "only write if
// overwrite or not already stored" behavior.
func (r *Registry) Save(ip string, port int, address string, trust int64, overwrite bool) error {
	if !overwrite {
		if _, ok, err := r.Load(ip); err != nil {
			return err
		} else if ok {
			return nil
		}
	}
	rec := model.PeerRecord{IP: ip, Port: port, Address: address, Trust: trust}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("peerreg: marshal: %w", err)
	}
	return os.WriteFile(r.pathFor(ip), data, 0600)
}

// Load reads a single peer record. ok is false if no record is stored for
// ip.
func (r *Registry) Load(ip string) (model.PeerRecord, bool, error) {
	data, err := os.ReadFile(r.pathFor(ip))
	if os.IsNotExist(err) {
		return model.PeerRecord{}, false, nil
	}
	if err != nil {
		return model.PeerRecord{}, false, fmt.Errorf("peerreg: read: %w", err)
	}
	var rec model.PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.PeerRecord{}, false, fmt.Errorf("peerreg: unmarshal: %w", err)
	}
	return rec, true, nil
}

// Delete removes a peer record.
func (r *Registry) Delete(ip string) error {
	err := os.Remove(r.pathFor(ip))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("peerreg: delete: %w", err)
	}
	return nil
}

// Stored reports whether a record exists for ip.
func (r *Registry) Stored(ip string) bool {
	_, ok, _ := r.Load(ip)
	return ok
}

// UpdateTrust adjusts a stored peer's trust by delta, creating the record
// with DefaultTrust+delta if it did not already exist.
func (r *Registry) UpdateTrust(ip string, delta int64) error {
	rec, ok, err := r.Load(ip)
	if err != nil {
		return err
	}
	if !ok {
		rec = model.PeerRecord{IP: ip, Trust: DefaultTrust}
	}
	rec.Trust += delta
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("peerreg: marshal: %w", err)
	}
	return os.WriteFile(r.pathFor(ip), data, 0600)
}

// LoadAll loads every stored peer record, sorted by trust descending,
// matching load_ips's trust-sorted traversal order.
func (r *Registry) LoadAll() ([]model.PeerRecord, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("peerreg: read dir: %w", err)
	}

	var recs []model.PeerRecord
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec model.PeerRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Trust > recs[j].Trust })
	return recs, nil
}

// Median returns the median trust value across every stored peer record.
// It returns 0 if the registry is empty.
func (r *Registry) Median() (int64, error) {
	recs, err := r.LoadAll()
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	trusts := make([]int64, len(recs))
	for i, rec := range recs {
		trusts[i] = rec.Trust
	}
	sort.Slice(trusts, func(i, j int) bool { return trusts[i] < trusts[j] })
	mid := len(trusts) / 2
	if len(trusts)%2 == 0 {
		return (trusts[mid-1] + trusts[mid]) / 2, nil
	}
	return trusts[mid], nil
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
