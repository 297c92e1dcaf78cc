package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/fantasim/utxo-recycler/internal/recycle"
	"github.com/fantasim/utxo-recycler/internal/recycleerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recycler_test.sqlite")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := st.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func fixedDerive(addr string) DeriveAddressFunc {
	return func(index int64) (string, error) { return addr, nil }
}

func TestAllocateIndexAndCreate_SequentialIndices(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.AllocateIndexAndCreate(ctx, uuid.NewString(), "alice@example.com", fixedDerive("bc1qfirst"))
	if err != nil {
		t.Fatalf("AllocateIndexAndCreate() error = %v", err)
	}
	second, err := st.AllocateIndexAndCreate(ctx, uuid.NewString(), "bob@example.com", fixedDerive("bc1qsecond"))
	if err != nil {
		t.Fatalf("AllocateIndexAndCreate() error = %v", err)
	}

	if first.AddressIndex != 0 {
		t.Errorf("first.AddressIndex = %d, want 0", first.AddressIndex)
	}
	if second.AddressIndex != 1 {
		t.Errorf("second.AddressIndex = %d, want 1", second.AddressIndex)
	}
	if first.Status != recycle.StatusAwaitingDeposit {
		t.Errorf("first.Status = %q, want awaiting_deposit", first.Status)
	}
}

func TestFindByID_NotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.FindByID(context.Background(), "does-not-exist")
	if err != recycleerr.ErrRecycleNotFound {
		t.Errorf("FindByID() error = %v, want ErrRecycleNotFound", err)
	}
}

func TestRecordDepositDetected_PartialThenFullConfirmation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec, err := st.AllocateIndexAndCreate(ctx, uuid.NewString(), "alice@example.com", fixedDerive("bc1qaddr"))
	if err != nil {
		t.Fatalf("AllocateIndexAndCreate() error = %v", err)
	}

	// Partial: one confirmation against a requirement of six stays "confirming".
	if err := st.RecordDepositDetected(ctx, rec.ID, []string{"txid1"}, 50000, 1, nil, nil, 6); err != nil {
		t.Fatalf("RecordDepositDetected() error = %v", err)
	}
	got, err := st.FindByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.Status != recycle.StatusConfirming {
		t.Fatalf("Status = %q, want confirming", got.Status)
	}

	// Full: six confirmations meets the requirement, moves to confirmed.
	height := int64(900000)
	maxInput := int64(500)
	if err := st.RecordDepositDetected(ctx, rec.ID, []string{"txid1"}, 50000, 6, &height, &maxInput, 6); err != nil {
		t.Fatalf("RecordDepositDetected() error = %v", err)
	}
	got, err = st.FindByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.Status != recycle.StatusConfirmed {
		t.Fatalf("Status = %q, want confirmed", got.Status)
	}
	if got.DepositBlockHeight == nil || *got.DepositBlockHeight != height {
		t.Errorf("DepositBlockHeight = %v, want %d", got.DepositBlockHeight, height)
	}
}

func TestMarkDonation_SetsIneligibleAndTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec, err := st.AllocateIndexAndCreate(ctx, uuid.NewString(), "alice@example.com", fixedDerive("bc1qaddr"))
	if err != nil {
		t.Fatalf("AllocateIndexAndCreate() error = %v", err)
	}

	height := int64(999999999)
	if err := st.MarkDonation(ctx, rec.ID, []string{"txid1"}, 50000, &height, nil, recycle.DonationReasonBlockHeight); err != nil {
		t.Fatalf("MarkDonation() error = %v", err)
	}

	got, err := st.FindByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.Status != recycle.StatusDonation {
		t.Fatalf("Status = %q, want donation", got.Status)
	}
	if got.IsEligible {
		t.Error("IsEligible = true, want false")
	}
	if got.DonationReason == nil || *got.DonationReason != recycle.DonationReasonBlockHeight {
		t.Errorf("DonationReason = %v, want block_height", got.DonationReason)
	}
	if !got.Status.IsTerminal() {
		t.Error("donation status should be terminal")
	}
}

func TestMarkPaid_AtMostOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec, err := st.AllocateIndexAndCreate(ctx, uuid.NewString(), "alice@example.com", fixedDerive("bc1qaddr"))
	if err != nil {
		t.Fatalf("AllocateIndexAndCreate() error = %v", err)
	}
	height := int64(100)
	if err := st.RecordDepositDetected(ctx, rec.ID, []string{"txid1"}, 50000, 6, &height, nil, 6); err != nil {
		t.Fatalf("RecordDepositDetected() error = %v", err)
	}

	if err := st.MarkPaid(ctx, rec.ID, 50500, "deadbeef", "cafebabe"); err != nil {
		t.Fatalf("first MarkPaid() error = %v", err)
	}

	// A second MarkPaid against an already-paid row must be a silent no-op,
	// never overwriting the first payout's preimage/hash.
	if err := st.MarkPaid(ctx, rec.ID, 99999, "othervalue", "otherhash"); err != nil {
		t.Fatalf("second MarkPaid() error = %v", err)
	}

	got, err := st.FindByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.Status != recycle.StatusPaid {
		t.Fatalf("Status = %q, want paid", got.Status)
	}
	if got.PaymentPreimage == nil || *got.PaymentPreimage != "deadbeef" {
		t.Errorf("PaymentPreimage = %v, want deadbeef (unchanged by second call)", got.PaymentPreimage)
	}
	if got.PayoutAmountSats == nil || *got.PayoutAmountSats != 50500 {
		t.Errorf("PayoutAmountSats = %v, want 50500 (unchanged by second call)", got.PayoutAmountSats)
	}
}

func TestIncrementPaymentAttempts_StopsAtAttemptsExhausted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec, err := st.AllocateIndexAndCreate(ctx, uuid.NewString(), "alice@example.com", fixedDerive("bc1qaddr"))
	if err != nil {
		t.Fatalf("AllocateIndexAndCreate() error = %v", err)
	}
	height := int64(100)
	if err := st.RecordDepositDetected(ctx, rec.ID, []string{"txid1"}, 50000, 6, &height, nil, 6); err != nil {
		t.Fatalf("RecordDepositDetected() error = %v", err)
	}

	for i := int64(1); i <= 3; i++ {
		attempts, err := st.IncrementPaymentAttempts(ctx, rec.ID)
		if err != nil {
			t.Fatalf("IncrementPaymentAttempts() error = %v", err)
		}
		if attempts != i {
			t.Errorf("attempts = %d, want %d", attempts, i)
		}
	}

	if err := st.MarkFailed(ctx, rec.ID); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	// Once failed, further attempt increments are no-ops (terminal guard).
	if _, err := st.IncrementPaymentAttempts(ctx, rec.ID); !errors.Is(err, recycleerr.ErrRecycleNotFound) {
		t.Errorf("IncrementPaymentAttempts() after failure, error = %v, want ErrRecycleNotFound", err)
	}

	got, err := st.FindByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.Status != recycle.StatusFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}
}

func TestFindPending_OnlyAwaitingAndConfirming(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	awaiting, _ := st.AllocateIndexAndCreate(ctx, uuid.NewString(), "a@example.com", fixedDerive("bc1qa"))
	confirming, _ := st.AllocateIndexAndCreate(ctx, uuid.NewString(), "b@example.com", fixedDerive("bc1qb"))
	donated, _ := st.AllocateIndexAndCreate(ctx, uuid.NewString(), "c@example.com", fixedDerive("bc1qc"))

	if err := st.RecordDepositDetected(ctx, confirming.ID, []string{"tx"}, 1000, 1, nil, nil, 6); err != nil {
		t.Fatalf("RecordDepositDetected() error = %v", err)
	}
	if err := st.MarkDonation(ctx, donated.ID, []string{"tx"}, 1000, nil, nil, recycle.DonationReasonInputTooLarge); err != nil {
		t.Fatalf("MarkDonation() error = %v", err)
	}

	pending, err := st.FindPending(ctx)
	if err != nil {
		t.Fatalf("FindPending() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(pending))
	}
	ids := map[string]bool{pending[0].ID: true, pending[1].ID: true}
	if !ids[awaiting.ID] || !ids[confirming.ID] {
		t.Errorf("pending ids = %v, want %s and %s", ids, awaiting.ID, confirming.ID)
	}
}

func TestMaxAddressIndex_EmptyAndPopulated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	max, err := st.MaxAddressIndex(ctx)
	if err != nil {
		t.Fatalf("MaxAddressIndex() error = %v", err)
	}
	if max != -1 {
		t.Fatalf("MaxAddressIndex() on empty store = %d, want -1", max)
	}

	for i := 0; i < 3; i++ {
		if _, err := st.AllocateIndexAndCreate(ctx, uuid.NewString(), "x@example.com", fixedDerive("bc1qx")); err != nil {
			t.Fatalf("AllocateIndexAndCreate() error = %v", err)
		}
	}

	max, err = st.MaxAddressIndex(ctx)
	if err != nil {
		t.Fatalf("MaxAddressIndex() error = %v", err)
	}
	if max != 2 {
		t.Fatalf("MaxAddressIndex() = %d, want 2", max)
	}
}
