// Package recycle defines the persistent recycle record and its lifecycle.
package recycle

// Recycle is the primary persistent entity: one per deposit-address/payout cycle.
type Recycle struct {
	ID                   string
	LightningAddress     string
	DepositAddress       string
	AddressIndex         int64
	Status               Status
	DepositTxids         []string // ordered, comma-joined in storage
	DepositAmountSats    *int64
	DepositConfirmations int64
	DepositBlockHeight   *int64
	IsEligible           bool
	DonationReason       *DonationReason
	MaxInputSats         *int64
	PayoutAmountSats     *int64
	PaymentPreimage      *string
	PaymentHash          *string
	PaymentAttempts      int64
	CreatedAt            string
	UpdatedAt            string
	PaidAt               *string
}
