// Package lnurl resolves a lightning address to a BOLT11 invoice via the
// LNURL-pay discovery flow.
package lnurl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fantasim/utxo-recycler/internal/recycleerr"
)

// PayParams is the LNURL-pay metadata returned by the well-known endpoint.
type PayParams struct {
	Callback      string `json:"callback"`
	MinSendable   int64  `json:"minSendable"`
	MaxSendable   int64  `json:"maxSendable"`
	Metadata      string `json:"metadata"`
	Tag           string `json:"tag"`
}

// invoiceResponse is the callback's JSON response.
type invoiceResponse struct {
	PR string `json:"pr"`
}

// Client is a stateless LNURL-pay client.
type Client struct {
	http *http.Client
}

// New creates an LNURL client with a bounded request timeout.
func New() *Client {
	return &Client{http: &http.Client{Timeout: 15 * time.Second}}
}

// ValidateAddress checks the user@domain format and returns the
// lowercase-normalized form: exactly one '@', non-empty user,
// domain containing a '.'.
func ValidateAddress(address string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	parts := strings.Split(normalized, "@")
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: expected exactly one '@'", recycleerr.ErrInvalidLightningAddress)
	}
	user, domain := parts[0], parts[1]
	if user == "" {
		return "", fmt.Errorf("%w: empty user part", recycleerr.ErrInvalidLightningAddress)
	}
	if domain == "" || !strings.Contains(domain, ".") {
		return "", fmt.Errorf("%w: invalid domain", recycleerr.ErrInvalidLightningAddress)
	}
	return normalized, nil
}

func addressToURL(address string) (string, error) {
	parts := strings.Split(address, "@")
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: expected exactly one '@'", recycleerr.ErrInvalidLightningAddress)
	}
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", parts[1], parts[0]), nil
}

// FetchPayParams performs the resolve phase of LNURL-pay.
func (c *Client) FetchPayParams(ctx context.Context, lightningAddress string) (*PayParams, error) {
	endpoint, err := addressToURL(lightningAddress)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create lnurl resolve request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", recycleerr.ErrLNURLResolveFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", recycleerr.ErrLNURLResolveFailed, resp.StatusCode)
	}

	var params PayParams
	if err := json.NewDecoder(resp.Body).Decode(&params); err != nil {
		return nil, fmt.Errorf("decode lnurl-pay params: %w", err)
	}

	if params.Tag != "payRequest" {
		return nil, fmt.Errorf("%w: got tag %q", recycleerr.ErrLNURLNotPayRequest, params.Tag)
	}

	return &params, nil
}

// FetchInvoice performs the invoice phase, requesting a BOLT11 invoice for amountMsats.
func (c *Client) FetchInvoice(ctx context.Context, callback string, amountMsats int64) (string, error) {
	u, err := url.Parse(callback)
	if err != nil {
		return "", fmt.Errorf("parse lnurl callback %q: %w", callback, err)
	}
	q := u.Query()
	q.Set("amount", fmt.Sprintf("%d", amountMsats))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create lnurl invoice request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", recycleerr.ErrInvoiceFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP %d", recycleerr.ErrInvoiceFetchFailed, resp.StatusCode)
	}

	var inv invoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return "", fmt.Errorf("decode lnurl invoice response: %w", err)
	}
	return inv.PR, nil
}

// GetInvoiceForAddress runs the full resolve+invoice flow for a payout of
// amountSats satoshis, enforcing the min/max sendable bounds.
func (c *Client) GetInvoiceForAddress(ctx context.Context, lightningAddress string, amountSats int64) (string, error) {
	params, err := c.FetchPayParams(ctx, lightningAddress)
	if err != nil {
		return "", err
	}

	amountMsats := amountSats * 1000
	if amountMsats < params.MinSendable || amountMsats > params.MaxSendable {
		return "", fmt.Errorf("%w: %d msats outside [%d, %d]",
			recycleerr.ErrAmountOutOfRange, amountMsats, params.MinSendable, params.MaxSendable)
	}

	return c.FetchInvoice(ctx, params.Callback, amountMsats)
}
