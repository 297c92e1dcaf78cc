package processor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/fantasim/utxo-recycler/internal/config"
	"github.com/fantasim/utxo-recycler/internal/recycle"
	"github.com/fantasim/utxo-recycler/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "processor_test.sqlite")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := st.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestProcessRecycle_AttemptsExhaustedMarksFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec, err := st.AllocateIndexAndCreate(ctx, uuid.NewString(), "alice@example.com", func(i int64) (string, error) { return "bc1qaddr", nil })
	if err != nil {
		t.Fatalf("AllocateIndexAndCreate() error = %v", err)
	}
	height := int64(100)
	if err := st.RecordDepositDetected(ctx, rec.ID, []string{"tx"}, 50000, 6, &height, nil, 6); err != nil {
		t.Fatalf("RecordDepositDetected() error = %v", err)
	}
	for i := 0; i < config.MaxPaymentAttempts; i++ {
		if _, err := st.IncrementPaymentAttempts(ctx, rec.ID); err != nil {
			t.Fatalf("IncrementPaymentAttempts() error = %v", err)
		}
	}

	got, err := st.FindByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}

	p := &Processor{store: st, multiplier: 1.01}
	p.processRecycle(ctx, got)

	final, err := st.FindByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if final.Status != recycle.StatusFailed {
		t.Errorf("Status = %q, want failed after exhausting attempts", final.Status)
	}
}

func TestProcessRecycle_NoDepositAmountIsNoop(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec, err := st.AllocateIndexAndCreate(ctx, uuid.NewString(), "alice@example.com", func(i int64) (string, error) { return "bc1qaddr", nil })
	if err != nil {
		t.Fatalf("AllocateIndexAndCreate() error = %v", err)
	}

	p := &Processor{store: st, multiplier: 1.01}
	p.processRecycle(ctx, rec)

	got, err := st.FindByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.Status != recycle.StatusAwaitingDeposit {
		t.Errorf("Status = %q, want unchanged awaiting_deposit", got.Status)
	}
}
