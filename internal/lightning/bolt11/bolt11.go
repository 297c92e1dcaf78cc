// Package bolt11 decodes BOLT11 invoices far enough to recover the payment
// hash that a wallet-connect payment response's preimage must verify
// against before trusting a wallet-connect payment result.
package bolt11

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/fantasim/utxo-recycler/internal/recycleerr"
)

// PaymentHash decodes a BOLT11 invoice string and returns its 32-byte
// payment hash. net selects which network's invoice prefix (bc/tb) is
// accepted.
func PaymentHash(invoice string, net *chaincfg.Params) ([32]byte, error) {
	decoded, err := zpay32.Decode(invoice, net)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %w", recycleerr.ErrInvalidInvoice, err)
	}
	if decoded.PaymentHash == nil {
		return [32]byte{}, fmt.Errorf("%w: missing payment hash", recycleerr.ErrInvalidInvoice)
	}
	return *decoded.PaymentHash, nil
}
