// Package processor implements the payment processor loop: for confirmed,
// eligible recycles, resolve an invoice and drive payment through the
// wallet-connect payer with bounded-retry semantics.
package processor

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/fantasim/utxo-recycler/internal/config"
	"github.com/fantasim/utxo-recycler/internal/lightning/lnurl"
	"github.com/fantasim/utxo-recycler/internal/lightning/walletconnect"
	"github.com/fantasim/utxo-recycler/internal/recycle"
	"github.com/fantasim/utxo-recycler/internal/store"
)

// Processor drives the payment processor loop.
type Processor struct {
	store    *store.Store
	lnurl    *lnurl.Client
	payer    *walletconnect.Payer
	multiplier float64
}

// New constructs a payment processor.
func New(st *store.Store, lnurlClient *lnurl.Client, payer *walletconnect.Payer, cfg *config.Config) *Processor {
	return &Processor{
		store:      st,
		lnurl:      lnurlClient,
		payer:      payer,
		multiplier: cfg.PayoutMultiplier,
	}
}

// Run blocks, executing one iteration every ProcessorPeriod until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(config.ProcessorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("payment processor loop stopping")
			return
		case <-ticker.C:
		}

		if err := p.tick(ctx); err != nil {
			slog.Error("payment processor iteration failed", "error", err)
		}
	}
}

func (p *Processor) tick(ctx context.Context) error {
	confirmed, err := p.store.FindByStatus(ctx, recycle.StatusConfirmed)
	if err != nil {
		return err
	}

	for _, r := range confirmed {
		p.processRecycle(ctx, r)
	}
	return nil
}

func (p *Processor) processRecycle(ctx context.Context, r *recycle.Recycle) {
	if r.PaymentAttempts >= config.MaxPaymentAttempts {
		if err := p.store.MarkFailed(ctx, r.ID); err != nil {
			slog.Error("failed to mark recycle failed after attempt exhaustion", "recycleID", r.ID, "error", err)
		} else {
			slog.Warn("recycle payment attempts exhausted", "recycleID", r.ID, "attempts", r.PaymentAttempts)
		}
		return
	}

	if r.DepositAmountSats == nil {
		slog.Warn("confirmed recycle has no deposit amount", "recycleID", r.ID)
		return
	}

	payout := int64(math.Floor(float64(*r.DepositAmountSats) * p.multiplier))

	// Persist the attempt counter before sending so a crash mid-send cannot
	// leak unbounded retries.
	if _, err := p.store.IncrementPaymentAttempts(ctx, r.ID); err != nil {
		slog.Error("failed to increment payment attempts", "recycleID", r.ID, "error", err)
		return
	}

	invoice, err := p.lnurl.GetInvoiceForAddress(ctx, r.LightningAddress, payout)
	if err != nil {
		slog.Warn("failed to fetch payout invoice, will retry", "recycleID", r.ID, "error", err)
		return
	}

	result, err := p.payer.PayInvoice(ctx, invoice)
	if err != nil {
		slog.Warn("payment attempt failed, will retry", "recycleID", r.ID, "error", err)
		return
	}

	if err := p.store.MarkPaid(ctx, r.ID, payout, result.Preimage, result.PaymentHash); err != nil {
		slog.Error("failed to record successful payment", "recycleID", r.ID, "error", err)
		return
	}

	slog.Info("recycle paid", "recycleID", r.ID, "payoutSats", payout, "paymentHash", result.PaymentHash)
}
