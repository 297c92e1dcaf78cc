package walletconnect

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/fantasim/utxo-recycler/internal/recycleerr"
)

// ConnectionInfo is the parsed form of a wallet-connect URI:
// nostr+walletconnect://<wallet-pubkey>?relay=<relay-url>&secret=<hex-client-secret>
type ConnectionInfo struct {
	WalletPubkey string
	RelayURL     string
	ClientSecret string
}

// ParseURI parses a wallet-connect connection URI.
func ParseURI(uri string) (*ConnectionInfo, error) {
	trimmed := strings.TrimPrefix(uri, "nostr+walletconnect://")
	if trimmed == uri {
		return nil, fmt.Errorf("%w: missing nostr+walletconnect:// scheme", recycleerr.ErrInvalidWalletConnectURI)
	}

	parts := strings.SplitN(trimmed, "?", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: wallet-connect uri missing query parameters", recycleerr.ErrInvalidWalletConnectURI)
	}

	pubkey := parts[0]
	query, err := url.ParseQuery(parts[1])
	if err != nil {
		return nil, fmt.Errorf("parse wallet-connect query: %w", err)
	}

	relay := query.Get("relay")
	secret := query.Get("secret")
	if pubkey == "" || relay == "" || secret == "" {
		return nil, fmt.Errorf("%w: wallet-connect uri missing pubkey, relay, or secret", recycleerr.ErrInvalidWalletConnectURI)
	}

	return &ConnectionInfo{
		WalletPubkey: pubkey,
		RelayURL:     relay,
		ClientSecret: secret,
	}, nil
}
