// Package walletconnect sends a pay-invoice request to a remote wallet over
// NIP-47 (Nostr Wallet Connect) and awaits a signed preimage response.
// It is the only package that depends on the Nostr transport; the payment
// processor holds a concrete *Payer.
package walletconnect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/fantasim/utxo-recycler/internal/lightning/bolt11"
	"github.com/fantasim/utxo-recycler/internal/recycleerr"
)

const (
	kindNWCRequest  = 23194
	kindNWCResponse = 23195

	maxPollAttempts  = 5
	pollFetchWindow  = 3 * time.Second
	pollBackoffSleep = 1 * time.Second
)

// PayResult is the outcome of a successful wallet-connect payment.
type PayResult struct {
	Preimage    string
	PaymentHash string
}

type payInvoiceParams struct {
	Invoice string `json:"invoice"`
}

type nwcRequest struct {
	Method string            `json:"method"`
	Params payInvoiceParams  `json:"params"`
}

type nwcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type nwcPayResult struct {
	Preimage string `json:"preimage"`
}

type nwcResponse struct {
	ResultType string        `json:"result_type"`
	Error      *nwcError     `json:"error,omitempty"`
	Result     *nwcPayResult `json:"result,omitempty"`
}

// Payer sends pay_invoice requests over a single wallet-connect connection.
type Payer struct {
	conn         *ConnectionInfo
	clientPubkey string
	net          *chaincfg.Params
}

// New parses uri and derives the client's public key from its secret.
func New(uri string, net *chaincfg.Params) (*Payer, error) {
	conn, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	pub, err := nostr.GetPublicKey(conn.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("derive wallet-connect client pubkey: %w", err)
	}

	return &Payer{conn: conn, clientPubkey: pub, net: net}, nil
}

// PayInvoice sends a pay_invoice request for the given BOLT11 invoice and
// blocks until the wallet responds or the bounded poll window elapses.
// On success the returned preimage is verified (SHA-256) against the
// invoice's own payment hash before being trusted — the core never treats
// a response as proof of payment without that check.
func (p *Payer) PayInvoice(ctx context.Context, invoice string) (*PayResult, error) {
	invoiceHash, err := bolt11.PaymentHash(invoice, p.net)
	if err != nil {
		return nil, fmt.Errorf("decode invoice before pay_invoice: %w", err)
	}

	sharedSecret, err := nip04.ComputeSharedSecret(p.conn.WalletPubkey, p.conn.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("compute wallet-connect shared secret: %w", err)
	}

	reqBody, err := json.Marshal(nwcRequest{
		Method: "pay_invoice",
		Params: payInvoiceParams{Invoice: invoice},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal pay_invoice request: %w", err)
	}

	encrypted, err := nip04.Encrypt(string(reqBody), sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("encrypt pay_invoice request: %w", err)
	}

	event := nostr.Event{
		PubKey:    p.clientPubkey,
		CreatedAt: nostr.Now(),
		Kind:      kindNWCRequest,
		Tags:      nostr.Tags{{"p", p.conn.WalletPubkey}},
		Content:   encrypted,
	}
	if err := event.Sign(p.conn.ClientSecret); err != nil {
		return nil, fmt.Errorf("sign pay_invoice request: %w", err)
	}

	relay, err := nostr.RelayConnect(ctx, p.conn.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("connect to wallet-connect relay: %w", err)
	}
	defer relay.Close()

	if err := relay.Publish(ctx, event); err != nil {
		return nil, fmt.Errorf("publish pay_invoice request: %w", err)
	}

	sub, err := relay.Subscribe(ctx, nostr.Filters{{
		Kinds:   []int{kindNWCResponse},
		Authors: []string{p.conn.WalletPubkey},
		Tags: nostr.TagMap{
			"p": []string{p.clientPubkey},
			"e": []string{event.ID},
		},
	}})
	if err != nil {
		return nil, fmt.Errorf("subscribe to wallet-connect response: %w", err)
	}
	defer sub.Unsub()

	slog.Debug("wallet-connect pay_invoice published", "eventID", event.ID)

	for attempt := 1; attempt <= maxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case respEvent := <-sub.Events:
			result, err := p.handleResponse(respEvent, sharedSecret, invoiceHash)
			if err != nil {
				return nil, err
			}
			return result, nil
		case <-time.After(pollFetchWindow):
			slog.Debug("wallet-connect poll attempt timed out", "attempt", attempt, "eventID", event.ID)
		}

		if attempt < maxPollAttempts {
			time.Sleep(pollBackoffSleep)
		}
	}

	return nil, fmt.Errorf("%w: eventID=%s", recycleerr.ErrWalletConnectNoResponse, event.ID)
}

func (p *Payer) handleResponse(respEvent *nostr.Event, sharedSecret []byte, invoiceHash [32]byte) (*PayResult, error) {
	plaintext, err := nip04.Decrypt(respEvent.Content, sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypt wallet-connect response: %w", err)
	}

	var resp nwcResponse
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal wallet-connect response: %w", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s: %s", recycleerr.ErrWalletConnectRejected, resp.Error.Code, resp.Error.Message)
	}
	if resp.Result == nil || resp.Result.Preimage == "" {
		return nil, fmt.Errorf("%w: response missing preimage", recycleerr.ErrWalletConnectRejected)
	}

	preimageBytes, err := hex.DecodeString(resp.Result.Preimage)
	if err != nil {
		return nil, fmt.Errorf("decode preimage hex: %w", err)
	}

	computedHash := sha256.Sum256(preimageBytes)
	if computedHash != invoiceHash {
		return nil, fmt.Errorf("%w", recycleerr.ErrPreimageMismatch)
	}

	return &PayResult{
		Preimage:    resp.Result.Preimage,
		PaymentHash: hex.EncodeToString(invoiceHash[:]),
	}, nil
}
