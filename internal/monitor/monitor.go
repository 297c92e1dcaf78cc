// Package monitor implements the deposit monitor loop: periodic wallet
// sync, eligibility evaluation, and confirmation-driven state transitions
// for pending recycles.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/fantasim/utxo-recycler/internal/chainclient"
	"github.com/fantasim/utxo-recycler/internal/config"
	"github.com/fantasim/utxo-recycler/internal/recycle"
	"github.com/fantasim/utxo-recycler/internal/store"
)

// Monitor drives the deposit monitor loop.
type Monitor struct {
	store *store.Store
	chain *chainclient.Client

	requiredConfirmations int64
	cutoffBlockHeight     int64
	maxInputSatsConfig    int64
}

// New constructs a deposit monitor.
func New(st *store.Store, chain *chainclient.Client, cfg *config.Config) *Monitor {
	return &Monitor{
		store:                 st,
		chain:                 chain,
		requiredConfirmations: cfg.RequiredConfirmations,
		cutoffBlockHeight:     cfg.CutoffBlockHeight,
		maxInputSatsConfig:    cfg.MaxInputSats,
	}
}

// Run blocks, executing one iteration per period until ctx is cancelled.
// On consecutive iteration errors the period backs off exponentially,
// capped at MonitorMaxBackoff, and resets to MonitorBasePeriod on success.
func (m *Monitor) Run(ctx context.Context) {
	consecutiveFails := 0
	timer := time.NewTimer(config.MonitorBasePeriod)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("deposit monitor loop stopping")
			return
		case <-timer.C:
		}

		if err := m.tick(ctx); err != nil {
			consecutiveFails++
			slog.Error("deposit monitor iteration failed", "error", err, "consecutiveFails", consecutiveFails)
			timer.Reset(backoff(consecutiveFails))
			continue
		}

		consecutiveFails = 0
		timer.Reset(config.MonitorBasePeriod)
	}
}

func backoff(consecutiveFails int) time.Duration {
	exp := consecutiveFails
	if exp > config.MonitorBackoffExponent {
		exp = config.MonitorBackoffExponent
	}
	d := config.MonitorBasePeriod * time.Duration(math.Pow(2, float64(exp)))
	if d > config.MonitorMaxBackoff {
		d = config.MonitorMaxBackoff
	}
	return d
}

func (m *Monitor) tick(ctx context.Context) error {
	if err := m.chain.Sync(ctx); err != nil {
		return err
	}

	pending, err := m.store.FindPending(ctx)
	if err != nil {
		return err
	}

	for _, r := range pending {
		if err := m.processRecycle(ctx, r); err != nil {
			slog.Error("deposit monitor failed to process recycle",
				"recycleID", r.ID, "addressIndex", r.AddressIndex, "error", err)
			// A single recycle's failure does not abort the rest of the tick.
			continue
		}
	}

	return nil
}

func (m *Monitor) processRecycle(ctx context.Context, r *recycle.Recycle) error {
	deposit := m.chain.CheckAddressDeposit(r.AddressIndex)
	if deposit == nil {
		return nil
	}

	switch r.Status {
	case recycle.StatusAwaitingDeposit:
		return m.handleAwaitingDeposit(ctx, r, deposit)
	case recycle.StatusConfirming:
		return m.handleConfirming(ctx, r, deposit)
	}
	return nil
}

func (m *Monitor) handleAwaitingDeposit(ctx context.Context, r *recycle.Recycle, d *chainclient.DepositInfo) error {
	if d.AllConfirmed() {
		return m.decideAndRecord(ctx, r, d)
	}

	slog.Debug("deposit observed, awaiting full confirmation",
		"recycleID", r.ID, "minConfirmations", d.MinConfirmations, "txids", d.Txids)
	return m.store.RecordDepositDetected(ctx, r.ID, d.Txids, d.AmountSats, d.MinConfirmations, nil, nil, m.requiredConfirmations)
}

func (m *Monitor) handleConfirming(ctx context.Context, r *recycle.Recycle, d *chainclient.DepositInfo) error {
	// Eligibility is recomputed only once: its prior computation is
	// witnessed by a non-nil deposit_block_height.
	if r.DepositBlockHeight == nil && d.AllConfirmed() {
		return m.decideAndRecord(ctx, r, d)
	}

	return m.store.UpdateConfirmations(ctx, r.ID, d.MinConfirmations, m.requiredConfirmations)
}

// decideAndRecord evaluates eligibility on a fully-confirmed aggregate and
// records either a donation routing or a confirmed deposit.
func (m *Monitor) decideAndRecord(ctx context.Context, r *recycle.Recycle, d *chainclient.DepositInfo) error {
	maxInput, err := m.chain.MaxInputValueForMany(ctx, d.Txids)
	if err != nil {
		return err
	}

	maxHeight := d.MaxBlockHeight()
	dec := evaluateEligibility(maxHeight, m.cutoffBlockHeight, maxInput, &m.maxInputSatsConfig)

	if !dec.eligible {
		slog.Info("recycle routed to donation",
			"recycleID", r.ID, "reason", dec.reason, "maxBlockHeight", maxHeight, "maxInputSats", maxInput)
		return m.store.MarkDonation(ctx, r.ID, d.Txids, d.AmountSats, maxHeight, maxInput, dec.reason)
	}

	slog.Info("recycle deposit fully confirmed and eligible",
		"recycleID", r.ID, "amountSats", d.AmountSats, "minConfirmations", d.MinConfirmations)
	return m.store.RecordDepositDetected(ctx, r.ID, d.Txids, d.AmountSats, d.MinConfirmations, maxHeight, maxInput, m.requiredConfirmations)
}
