package chainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fantasim/utxo-recycler/internal/recycleerr"
)

// esploraPrevout describes a spent output as embedded in an Esplora tx's vin.
type esploraPrevout struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Value        int64  `json:"value"`
}

type esploraVin struct {
	Txid    string          `json:"txid"`
	Vout    int             `json:"vout"`
	Prevout *esploraPrevout `json:"prevout"`
}

type esploraVout struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Value        int64  `json:"value"`
}

type esploraStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

type esploraTx struct {
	Txid   string        `json:"txid"`
	Vin    []esploraVin  `json:"vin"`
	Vout   []esploraVout `json:"vout"`
	Status esploraStatus `json:"status"`
}

// esploraBackend is a minimal REST client for an Esplora-compatible API
// (Blockstream / mempool.space shape).
type esploraBackend struct {
	client  *http.Client
	rl      *rateLimiter
	baseURL string
}

func newEsploraBackend(client *http.Client, baseURL string, requestsPerSecond int) *esploraBackend {
	return &esploraBackend{
		client:  client,
		rl:      newRateLimiter("esplora", requestsPerSecond),
		baseURL: baseURL,
	}
}

func (e *esploraBackend) get(ctx context.Context, path string, out any) error {
	if err := e.rl.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	url := e.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", recycleerr.ErrChainUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("esplora non-200 response", "url", url, "status", resp.StatusCode)
		return fmt.Errorf("%w: HTTP %d for %s", recycleerr.ErrChainUnavailable, resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode esplora response for %s: %w", path, err)
	}
	return nil
}

// addressTxs lists all transactions (mempool and confirmed) touching address.
func (e *esploraBackend) addressTxs(ctx context.Context, address string) ([]esploraTx, error) {
	var txs []esploraTx
	if err := e.get(ctx, "/address/"+address+"/txs", &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// txDetail fetches a single transaction, including embedded prevout values
// for each input — Esplora inlines the parent output, so no second
// round-trip per input is needed to resolve ancestor values.
func (e *esploraBackend) txDetail(ctx context.Context, txid string) (*esploraTx, error) {
	var tx esploraTx
	if err := e.get(ctx, "/tx/"+txid, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// tipHeight returns the current chain tip height.
func (e *esploraBackend) tipHeight(ctx context.Context) (int64, error) {
	if err := e.rl.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter wait: %w", err)
	}

	url := e.baseURL + "/blocks/tip/height"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", recycleerr.ErrChainUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: HTTP %d for tip height", recycleerr.ErrChainUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read tip height response: %w", err)
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tip height: %w", err)
	}
	return height, nil
}

// confirmations implements the formula: for a confirmed tx anchored
// at height h, confirmations = max(0, tip-h) + 1; unconfirmed => 0.
func confirmations(tip int64, status esploraStatus) int64 {
	if !status.Confirmed {
		return 0
	}
	diff := tip - status.BlockHeight
	if diff < 0 {
		diff = 0
	}
	return diff + 1
}
