package monitor

import "github.com/fantasim/utxo-recycler/internal/recycle"

// decision is the outcome of evaluating eligibility on a fully-confirmed
// deposit.
type decision struct {
	eligible bool
	reason   recycle.DonationReason
}

// evaluateEligibility applies the cutoff and max-input-value rules exactly
// once per recycle, on an all-confirmed aggregate. maxInput is nil when the
// chain client could not resolve every ancestor — benefit of the doubt.
func evaluateEligibility(maxBlockHeight *int64, cutoffBlockHeight int64, maxInput, maxInputSatsConfig *int64) decision {
	if maxBlockHeight != nil && *maxBlockHeight >= cutoffBlockHeight {
		return decision{eligible: false, reason: recycle.DonationReasonBlockHeight}
	}

	if maxInput != nil && *maxInput >= *maxInputSatsConfig {
		return decision{eligible: false, reason: recycle.DonationReasonInputTooLarge}
	}

	return decision{eligible: true}
}
