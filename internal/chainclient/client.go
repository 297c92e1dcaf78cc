// Package chainclient is a descriptor-based view onto a single external
// keychain: deterministic address derivation, Esplora-backed scan/sync, and
// per-address deposit aggregation with ancestor-UTXO lookups.
package chainclient

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/fantasim/utxo-recycler/internal/wallet"
)

// Client tracks one BIP-84 external keychain against an Esplora backend.
// It is the only stateful piece of the chain view: every mutator
// (reveal/sync/full-scan) acquires the view's mutex briefly, while
// ancestor lookups never touch it.
type Client struct {
	masterKey *hdkeychain.ExtendedKey
	net       *chaincfg.Params
	backend   *esploraBackend

	mu          sync.Mutex
	revealedUpTo int64
	view         map[int64]*DepositInfo
}

// New constructs a chain client for the given master key over an Esplora
// backend at baseURL, rate limited to requestsPerSecond.
func New(masterKey *hdkeychain.ExtendedKey, net *chaincfg.Params, baseURL string, requestsPerSecond int) *Client {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return &Client{
		masterKey: masterKey,
		net:       net,
		backend:   newEsploraBackend(httpClient, baseURL, requestsPerSecond),
		view:      make(map[int64]*DepositInfo),
	}
}

// PeekAddress deterministically derives the deposit address at index; pure.
func (c *Client) PeekAddress(index int64) (string, error) {
	return wallet.DeriveBTCAddress(c.masterKey, uint32(index), c.net)
}

// RevealAddressesUpTo ensures addresses up to index are included in
// subsequent sync/full-scan calls.
func (c *Client) RevealAddressesUpTo(index int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index > c.revealedUpTo {
		c.revealedUpTo = index
		slog.Debug("chain client revealed addresses", "upTo", index)
	}
}

// FullScan rebuilds the in-memory view for every revealed address from
// scratch; intended for a one-time call at process startup.
func (c *Client) FullScan(ctx context.Context) error {
	return c.refresh(ctx, "full_scan")
}

// Sync refreshes the view for every revealed address. It performs the same
// full rebuild as FullScan; no per-address state from earlier syncs is reused.
func (c *Client) Sync(ctx context.Context) error {
	return c.refresh(ctx, "sync")
}

func (c *Client) refresh(ctx context.Context, op string) error {
	tip, err := c.backend.tipHeight(ctx)
	if err != nil {
		return fmt.Errorf("%s: fetch tip height: %w", op, err)
	}

	c.mu.Lock()
	upTo := c.revealedUpTo
	c.mu.Unlock()

	newView := make(map[int64]*DepositInfo, upTo+1)
	for i := int64(0); i <= upTo; i++ {
		addr, err := c.PeekAddress(i)
		if err != nil {
			return fmt.Errorf("%s: peek address %d: %w", op, i, err)
		}

		info, err := c.checkAddress(ctx, addr, tip)
		if err != nil {
			return fmt.Errorf("%s: check address %d: %w", op, i, err)
		}
		if info != nil {
			newView[i] = info
		}
	}

	c.mu.Lock()
	c.view = newView
	c.mu.Unlock()

	slog.Debug("chain client view refreshed", "op", op, "revealedUpTo", upTo, "tipHeight", tip)
	return nil
}

// addressScriptHex returns the hex-encoded scriptPubKey for address, in the
// same form Esplora reports on each vout, so a deposit's outputs can be
// matched by script rather than by re-deriving an address from JSON text.
func addressScriptHex(address string, net *chaincfg.Params) (string, error) {
	decoded, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return "", fmt.Errorf("decode address %q: %w", address, err)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return "", fmt.Errorf("pay-to-addr script for %q: %w", address, err)
	}
	return hex.EncodeToString(script), nil
}

func (c *Client) checkAddress(ctx context.Context, address string, tip int64) (*DepositInfo, error) {
	expectedScript, err := addressScriptHex(address, c.net)
	if err != nil {
		return nil, fmt.Errorf("derive expected script for %q: %w", address, err)
	}

	txs, err := c.backend.addressTxs(ctx, address)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}

	info := &DepositInfo{}
	for _, tx := range txs {
		var matched int64
		for _, out := range tx.Vout {
			// Esplora returns the whole transaction, including any change
			// output or payment to a different recipient in the same tx;
			// only outputs whose script matches this deposit address count.
			if out.ScriptPubKey != expectedScript {
				continue
			}
			matched += out.Value
		}
		if matched == 0 {
			continue
		}

		confs := confirmations(tip, tx.Status)
		dep := Deposit{
			Txid:          tx.Txid,
			AmountSats:    matched,
			Confirmations: confs,
		}
		if tx.Status.Confirmed {
			h := tx.Status.BlockHeight
			dep.BlockHeight = &h
		}

		info.Txids = append(info.Txids, tx.Txid)
		info.AmountSats += matched
		info.Deposits = append(info.Deposits, dep)
	}

	if len(info.Deposits) == 0 {
		return nil, nil
	}

	info.MinConfirmations = info.Deposits[0].Confirmations
	for _, dep := range info.Deposits[1:] {
		if dep.Confirmations < info.MinConfirmations {
			info.MinConfirmations = dep.Confirmations
		}
	}

	return info, nil
}

// CheckAddressDeposit returns the aggregate deposit observed at index, or
// nil if nothing has been observed yet.
func (c *Client) CheckAddressDeposit(index int64) *DepositInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view[index]
}

// MaxInputValue resolves every input of txid via its embedded prevout and
// returns the maximum value observed. It does not touch the shared view —
// it is an independent, stateless lookup. A failure to resolve an
// individual input is logged and skipped, never failing the call outright;
// only when every input is unresolved does it report absent.
func (c *Client) MaxInputValue(ctx context.Context, txid string) (*int64, error) {
	tx, err := c.backend.txDetail(ctx, txid)
	if err != nil {
		return nil, err
	}

	var max int64
	var resolved bool
	for _, vin := range tx.Vin {
		if vin.Prevout == nil {
			slog.Warn("parent output unresolved for input", "txid", txid, "vin", vin.Txid)
			continue
		}
		resolved = true
		if vin.Prevout.Value > max {
			max = vin.Prevout.Value
		}
	}

	if !resolved {
		return nil, nil
	}
	return &max, nil
}

// MaxInputValueForMany returns the maximum parent-input value across all
// txids, or absent if any one of them could not be resolved (conservative).
func (c *Client) MaxInputValueForMany(ctx context.Context, txids []string) (*int64, error) {
	var max int64
	var any bool
	for _, txid := range txids {
		v, err := c.MaxInputValue(ctx, txid)
		if err != nil {
			return nil, fmt.Errorf("max input value for %s: %w", txid, err)
		}
		if v == nil {
			return nil, nil
		}
		any = true
		if *v > max {
			max = *v
		}
	}
	if !any {
		return nil, nil
	}
	return &max, nil
}
