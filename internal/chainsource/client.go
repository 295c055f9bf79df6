// Package chainsource is a typed client over the external ChainSource
// HTTP API: mempool, raw transaction, block, and inclusion lookups.
// It is written against a capability interface so tests substitute a
// fixture-driven fake instead of a real HTTP round trip, grounded on
// the teacher's internal/services/bot_client.go shape — an injected
// *http.Client with an explicit timeout and typed response structs.
package chainsource

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is terminal for a single call: a 404 from ChainSource
// means the resource (a mempool tx, a block past the tip) is gone or
// does not yet exist. Never retried.
var ErrNotFound = errors.New("chainsource: not found")

// Location describes where a transaction currently lives.
type Location struct {
	InMempool   bool
	BlockHeight uint64
	BlockHash   string
	Missing     bool
}

// Client is the capability interface the scanner and rate-independent
// callers depend on; Zcash-specific structure lives only in the HTTP
// implementation below.
type Client interface {
	CurrentTip(ctx context.Context) (uint64, error)
	MempoolTxids(ctx context.Context) ([]string, error)
	RawTx(ctx context.Context, txid string) ([]byte, error)
	Block(ctx context.Context, height uint64) (hash string, txids []string, err error)
	TxLocation(ctx context.Context, txid string) (Location, error)
	// FetchRawTxBatch fetches raw bytes for many txids concurrently,
	// bounded by an internal semaphore, dropping any txid that 404s
	// rather than failing the whole batch.
	FetchRawTxBatch(ctx context.Context, txids []string) map[string][]byte
}

// HTTPClient is the production implementation, talking to the paths
// in spec.md §6.2 relative to baseURL.
type HTTPClient struct {
	baseURL string
	network string // configured "mainnet" or "testnet"
	http    *http.Client
	log     *zap.Logger

	sem *semaphore // bounds concurrent in-flight raw-tx fetches
}

const (
	defaultTimeout       = 10 * time.Second
	rawTxBatchSize       = 20
	maxRetries           = 3
)

// New builds an HTTPClient. network is the process-wide configured
// network ("mainnet" maps to ChainSource's "main", "testnet" to
// "test"); a mismatch reported by /api/blockchain/info is fatal at
// startup, checked by VerifyNetwork.
func New(baseURL, network string, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		network: network,
		http:    &http.Client{Timeout: defaultTimeout},
		log:     log,
		sem:     newSemaphore(rawTxBatchSize),
	}
}

func (c *HTTPClient) VerifyNetwork(ctx context.Context) error {
	var info struct {
		Blocks int    `json:"blocks"`
		Chain  string `json:"chain"`
	}
	if err := c.getJSON(ctx, "/api/blockchain/info", &info); err != nil {
		return err
	}

	want := "test"
	if c.network == "mainnet" {
		want = "main"
	}
	if info.Chain != want {
		return fmt.Errorf("chainsource: network mismatch: configured %q, chainsource reports %q", c.network, info.Chain)
	}
	return nil
}

func (c *HTTPClient) CurrentTip(ctx context.Context) (uint64, error) {
	var info struct {
		Blocks int `json:"blocks"`
	}
	if err := c.getJSON(ctx, "/api/blockchain/info", &info); err != nil {
		return 0, err
	}
	return uint64(info.Blocks), nil
}

func (c *HTTPClient) MempoolTxids(ctx context.Context) ([]string, error) {
	var resp struct {
		Txids []string `json:"txids"`
	}
	if err := c.getJSON(ctx, "/api/mempool", &resp); err != nil {
		return nil, err
	}
	return resp.Txids, nil
}

// RawTx fetches one transaction's raw bytes. Call sites that need
// many at once should fan out through FetchRawTxBatch instead, which
// bounds concurrency at rawTxBatchSize.
func (c *HTTPClient) RawTx(ctx context.Context, txid string) ([]byte, error) {
	var resp struct {
		Hex string `json:"hex"`
	}
	path := fmt.Sprintf("/api/tx/%s/raw", txid)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return decodeHex(resp.Hex)
}

// FetchRawTxBatch fetches raw bytes for many txids concurrently, in
// groups bounded by a semaphore, per spec.md §4.2. A 404 for any one
// txid (it left the mempool before fetch) is dropped from the result
// silently rather than failing the whole batch.
func (c *HTTPClient) FetchRawTxBatch(ctx context.Context, txids []string) map[string][]byte {
	out := make(map[string][]byte, len(txids))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, txid := range txids {
		txid := txid
		c.sem.acquire()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.sem.release()

			raw, err := c.RawTx(ctx, txid)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					c.log.Warn("raw tx fetch failed", zap.String("txid", txid), zap.Error(err))
				}
				return
			}
			mu.Lock()
			out[txid] = raw
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (c *HTTPClient) Block(ctx context.Context, height uint64) (string, []string, error) {
	var resp struct {
		Hash  string   `json:"hash"`
		Txids []string `json:"txids"`
	}
	path := fmt.Sprintf("/api/block/%d", height)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return "", nil, err
	}
	return resp.Hash, resp.Txids, nil
}

func (c *HTTPClient) TxLocation(ctx context.Context, txid string) (Location, error) {
	var resp struct {
		BlockHeight *uint64 `json:"block_height"`
		BlockHash   *string `json:"block_hash"`
	}
	path := fmt.Sprintf("/api/tx/%s", txid)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Location{Missing: true}, nil
		}
		return Location{}, err
	}
	if resp.BlockHeight == nil {
		return Location{InMempool: true}, nil
	}
	return Location{BlockHeight: *resp.BlockHeight, BlockHash: derefOr(resp.BlockHash, "")}, nil
}

// getJSON issues a GET with a jittered-backoff retry on transient
// errors (5xx, connection failures). A 404 is terminal and returned
// immediately as ErrNotFound, never retried.
func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	url := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := jitteredBackoff(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return ErrNotFound
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("chainsource: %s returned %d", path, resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("chainsource: %s returned %d: %s", path, resp.StatusCode, string(body))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		return err
	}

	return fmt.Errorf("chainsource: %s failed after %d attempts: %w", path, maxRetries, lastErr)
}

func jitteredBackoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * 200 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(150 * time.Millisecond)))
	return base + jitter
}

func decodeHex(s string) ([]byte, error) {
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("chainsource: invalid hex in raw tx response: %w", err)
	}
	return out, nil
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

// semaphore bounds the number of concurrent raw-tx fetches so a large
// mempool diff cannot open unbounded connections to ChainSource.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(n int) *semaphore {
	return &semaphore{ch: make(chan struct{}, n)}
}

func (s *semaphore) acquire() { s.ch <- struct{}{} }
func (s *semaphore) release() { <-s.ch }
