// Package gossip is the node's peer-to-peer HTTP fan-out client: it
// fetches a named resource (peers, transaction_pool, transaction_buffer,
// status, ...) from many peers concurrently, with bounded concurrency and
// a short per-request timeout, decoding either JSON or MessagePack
// responses. Grounded on compounder.py's get_list_of/compound_get_list_of
// and compound_get_status_pool.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hclivess/nado/internal/model"
)

// MaxConcurrency bounds how many in-flight requests a single fan-out
// round may have open at once, matching compound_get_list_of's
// asyncio.Semaphore(50).
const MaxConcurrency = 50

// RequestTimeout is the per-peer HTTP timeout a single fan-out request is
// allowed before it counts as a failure.
const RequestTimeout = 5 * time.Second

// Encoding selects the wire format a peer is asked to respond in.
type Encoding int

const (
	// EncodingJSON requests the default JSON encoding.
	EncodingJSON Encoding = iota
	// EncodingMsgpack requests the compact MessagePack encoding via
	// ?compress=msgpack.
	EncodingMsgpack
)

// FailStore records peers a fan-out round could not reach, so the peer
// loop's purge pass can act on them without every caller re-discovering
// failures independently.
type FailStore interface {
	// Append records ip as unreachable if it is not already recorded.
	Append(ip string)
}

// Client performs bounded-concurrency HTTP fan-out across peers.
type Client struct {
	httpClient *http.Client
	port       int
}

// New returns a gossip client that reaches peers on port.
func New(port int) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: RequestTimeout},
		port:       port,
	}
}

func (c *Client) url(peer, key string, enc Encoding) string {
	base := fmt.Sprintf("http://%s:%d/%s", peer, c.port, key)
	if enc == EncodingMsgpack {
		return base + "?compress=msgpack"
	}
	return base
}

// fetch performs a single GET against peer for key, decoding the body
// into v according to enc.
func (c *Client) fetch(ctx context.Context, peer, key string, enc Encoding, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(peer, key, enc), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gossip: %s returned status %d", peer, resp.StatusCode)
	}

	if enc == EncodingMsgpack {
		return msgpack.Unmarshal(body, v)
	}

	// A JSON response may wrap the payload under the requested key, e.g.
	// {"transaction_pool": [...]}. A body without that key, or one that is
	// not a JSON object (this node's own pool endpoints answer with a bare
	// array), is decoded into v whole.
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return json.Unmarshal(body, v)
	}
	if raw, ok := envelope[key]; ok {
		return json.Unmarshal(raw, v)
	}
	return json.Unmarshal(body, v)
}

// FetchListResult is one peer's response to a fan-out round.
type FetchListResult[T any] struct {
	Peer  string
	Items []T
	Err   error
}

// CompoundGetListOf fetches key from every peer concurrently (bounded by
// MaxConcurrency), decoding each response as a list of T. Failing peers
// are recorded in failStore and contribute nothing; the lists of the
// peers that answered are concatenated without deduplication.
func CompoundGetListOf[T any](ctx context.Context, c *Client, key string, peers []string, enc Encoding, failStore FailStore) []T {
	sem := make(chan struct{}, MaxConcurrency)
	var wg sync.WaitGroup
	results := make([]FetchListResult[T], len(peers))

	for i, peer := range peers {
		wg.Add(1)
		go func(i int, peer string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			var items []T
			err := c.fetch(ctx, peer, key, enc, &items)
			results[i] = FetchListResult[T]{Peer: peer, Items: items, Err: err}
		}(i, peer)
	}
	wg.Wait()

	var merged []T
	for _, r := range results {
		if r.Err != nil {
			if failStore != nil {
				failStore.Append(r.Peer)
			}
			continue
		}
		merged = append(merged, r.Items...)
	}
	return merged
}

// StatusResult is one peer's response to a /status fan-out round.
type StatusResult struct {
	Peer   string
	Status map[string]any
	Err    error
}

// CompoundGetStatusPool fetches /status from every peer concurrently,
// returning a map keyed by peer IP, matching compound_get_status_pool.
func CompoundGetStatusPool(ctx context.Context, c *Client, peers []string, failStore FailStore) map[string]map[string]any {
	sem := make(chan struct{}, MaxConcurrency)
	var wg sync.WaitGroup
	results := make([]StatusResult, len(peers))

	for i, peer := range peers {
		wg.Add(1)
		go func(i int, peer string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			var status map[string]any
			err := c.fetch(ctx, peer, "status", EncodingJSON, &status)
			results[i] = StatusResult{Peer: peer, Status: status, Err: err}
		}(i, peer)
	}
	wg.Wait()

	out := make(map[string]map[string]any, len(peers))
	for _, r := range results {
		if r.Err != nil {
			if failStore != nil {
				failStore.Append(r.Peer)
			}
			continue
		}
		out[r.Peer] = r.Status
	}
	return out
}

// GetPool fetches key (e.g. "transaction_pool", "block_producers") from a
// single peer, decoding the response as a list of T, matching
// replace_pool's single-target fetch used to resync a pool that has
// drifted from the network's majority.
func GetPool[T any](ctx context.Context, c *Client, peer, key string, enc Encoding) ([]T, error) {
	var items []T
	if err := c.fetch(ctx, peer, key, enc, &items); err != nil {
		return nil, fmt.Errorf("gossip: get %s from %s: %w", key, peer, err)
	}
	return items, nil
}

// KnowsBlock asks peer whether it holds the block identified by hash,
// matching knows_block's single-target probe used before deciding whether
// to catch up or roll back during emergency resync.
func (c *Client) KnowsBlock(ctx context.Context, peer, hash string) (bool, error) {
	url := fmt.Sprintf("http://%s:%d/knows_block?hash=%s", peer, c.port, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("gossip: knows_block to %s returned status %d", peer, resp.StatusCode)
	}
	var out struct {
		KnowsBlock bool `json:"knows_block"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.KnowsBlock, nil
}

// GetBlocksAfter fetches up to count blocks descending from hash on a
// single peer, matching get_blocks_after's direct single-target call used
// to catch up once the peer is confirmed to know our current tip.
func (c *Client) GetBlocksAfter(ctx context.Context, peer, hash string, count int) ([]model.Block, error) {
	url := fmt.Sprintf("http://%s:%d/get_blocks_after?hash=%s&count=%d", peer, c.port, hash, count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gossip: get_blocks_after from %s returned status %d", peer, resp.StatusCode)
	}
	var blocks []model.Block
	if err := json.NewDecoder(resp.Body).Decode(&blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// AnnounceSelf tells peer about our own IP by GETting /announce_peer,
// matching announce_self.
func (c *Client) AnnounceSelf(ctx context.Context, peer, selfIP string) error {
	url := fmt.Sprintf("http://%s:%d/announce_peer?ip=%s", peer, c.port, selfIP)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gossip: announce_self to %s returned status %d", peer, resp.StatusCode)
	}
	return nil
}

// CompoundAnnounceSelf announces self's own IP to every peer concurrently,
// matching compound_announce_self.
func CompoundAnnounceSelf(ctx context.Context, c *Client, peers []string, selfIP string, failStore FailStore) {
	sem := make(chan struct{}, MaxConcurrency)
	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := c.AnnounceSelf(ctx, peer, selfIP); err != nil && failStore != nil {
				failStore.Append(peer)
			}
		}(peer)
	}
	wg.Wait()
}
