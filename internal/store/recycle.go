package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fantasim/utxo-recycler/internal/recycle"
	"github.com/fantasim/utxo-recycler/internal/recycleerr"
)

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// AllocateNextIndex atomically returns the next unused address index and
// advances the counter, guaranteeing distinct indices under concurrent
// callers. It is a single RETURNING statement, which SQLite executes
// atomically without an explicit transaction.
func (s *Store) AllocateNextIndex(ctx context.Context) (int64, error) {
	var prior int64
	err := s.conn.QueryRowContext(ctx, `
		UPDATE wallet_state SET next_address_index = next_address_index + 1
		WHERE id = 1
		RETURNING next_address_index - 1
	`).Scan(&prior)
	if err != nil {
		return 0, fmt.Errorf("allocate next address index: %w: %w", recycleerr.ErrIndexAllocationFailed, err)
	}
	return prior, nil
}

// DeriveAddressFunc derives the deposit address for a given index; it must be pure.
type DeriveAddressFunc func(index int64) (string, error)

// AllocateIndexAndCreate allocates the next address index, derives the
// deposit address, and inserts the new recycle row, all within a single
// transaction so that no two concurrent creations can observe the same
// index (per the design note requiring allocation and insert to share a
// transaction).
func (s *Store) AllocateIndexAndCreate(ctx context.Context, id, lightningAddress string, derive DeriveAddressFunc) (*recycle.Recycle, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create transaction: %w", err)
	}
	defer tx.Rollback()

	var prior int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE wallet_state SET next_address_index = next_address_index + 1
		WHERE id = 1
		RETURNING next_address_index - 1
	`).Scan(&prior); err != nil {
		return nil, fmt.Errorf("allocate next address index: %w: %w", recycleerr.ErrIndexAllocationFailed, err)
	}

	depositAddress, err := derive(prior)
	if err != nil {
		return nil, fmt.Errorf("derive deposit address for index %d: %w", prior, err)
	}

	ts := now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recycles (
			id, lightning_address, deposit_address, address_index, status,
			deposit_confirmations, is_eligible, payment_attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, 1, 0, ?, ?)
	`, id, lightningAddress, depositAddress, prior, string(recycle.StatusAwaitingDeposit), ts, ts); err != nil {
		return nil, fmt.Errorf("insert recycle: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create transaction: %w", err)
	}

	slog.Info("recycle created",
		"recycleID", id,
		"addressIndex", prior,
		"depositAddress", depositAddress,
	)

	return &recycle.Recycle{
		ID:               id,
		LightningAddress: lightningAddress,
		DepositAddress:   depositAddress,
		AddressIndex:     prior,
		Status:           recycle.StatusAwaitingDeposit,
		IsEligible:       true,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}, nil
}

const recycleColumns = `
	id, lightning_address, deposit_address, address_index, status,
	deposit_txid, deposit_amount_sats, deposit_confirmations, deposit_block_height,
	is_eligible, donation_reason, max_input_sats, payout_amount_sats,
	payment_preimage, payment_hash, payment_attempts, created_at, updated_at, paid_at
`

func scanRecycle(row interface{ Scan(dest ...any) error }) (*recycle.Recycle, error) {
	var r recycle.Recycle
	var status string
	var txidsCSV sql.NullString
	var amount, blockHeight, maxInput, payout sql.NullInt64
	var donationReason, preimage, hash, paidAt sql.NullString
	var isEligible int64

	if err := row.Scan(
		&r.ID, &r.LightningAddress, &r.DepositAddress, &r.AddressIndex, &status,
		&txidsCSV, &amount, &r.DepositConfirmations, &blockHeight,
		&isEligible, &donationReason, &maxInput, &payout,
		&preimage, &hash, &r.PaymentAttempts, &r.CreatedAt, &r.UpdatedAt, &paidAt,
	); err != nil {
		return nil, err
	}

	r.Status = recycle.Status(status)
	r.IsEligible = isEligible != 0
	if txidsCSV.Valid && txidsCSV.String != "" {
		r.DepositTxids = strings.Split(txidsCSV.String, ",")
	}
	if amount.Valid {
		v := amount.Int64
		r.DepositAmountSats = &v
	}
	if blockHeight.Valid {
		v := blockHeight.Int64
		r.DepositBlockHeight = &v
	}
	if maxInput.Valid {
		v := maxInput.Int64
		r.MaxInputSats = &v
	}
	if payout.Valid {
		v := payout.Int64
		r.PayoutAmountSats = &v
	}
	if donationReason.Valid {
		v := recycle.DonationReason(donationReason.String)
		r.DonationReason = &v
	}
	if preimage.Valid {
		v := preimage.String
		r.PaymentPreimage = &v
	}
	if hash.Valid {
		v := hash.String
		r.PaymentHash = &v
	}
	if paidAt.Valid {
		v := paidAt.String
		r.PaidAt = &v
	}

	return &r, nil
}

// FindByID returns the recycle with the given id, or recycleerr.ErrRecycleNotFound.
func (s *Store) FindByID(ctx context.Context, id string) (*recycle.Recycle, error) {
	row := s.conn.QueryRowContext(ctx, "SELECT "+recycleColumns+" FROM recycles WHERE id = ?", id)
	r, err := scanRecycle(row)
	if err == sql.ErrNoRows {
		return nil, recycleerr.ErrRecycleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find recycle by id %q: %w", id, err)
	}
	return r, nil
}

// FindByStatus returns all recycles in the given status.
func (s *Store) FindByStatus(ctx context.Context, status recycle.Status) ([]*recycle.Recycle, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT "+recycleColumns+" FROM recycles WHERE status = ? ORDER BY address_index", string(status))
	if err != nil {
		return nil, fmt.Errorf("find recycles by status %q: %w", status, err)
	}
	defer rows.Close()

	var out []*recycle.Recycle
	for rows.Next() {
		r, err := scanRecycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recycle row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindPending returns all recycles with status in {awaiting_deposit, confirming}.
func (s *Store) FindPending(ctx context.Context) ([]*recycle.Recycle, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT "+recycleColumns+` FROM recycles
		WHERE status IN (?, ?) ORDER BY address_index`,
		string(recycle.StatusAwaitingDeposit), string(recycle.StatusConfirming))
	if err != nil {
		return nil, fmt.Errorf("find pending recycles: %w", err)
	}
	defer rows.Close()

	var out []*recycle.Recycle
	for rows.Next() {
		r, err := scanRecycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recycle row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func joinTxids(txids []string) string {
	return strings.Join(txids, ",")
}

// RecordDepositDetected records a (possibly partial) aggregate deposit
// observation and derives the resulting status: awaiting_deposit
// and confirming both move forward based on confirmations and, once fully
// confirmed, the eligibility inputs supplied by the caller.
func (s *Store) RecordDepositDetected(ctx context.Context, id string, txids []string, amountSats, minConfs int64, blockHeight, maxInput *int64, requiredConfs int64) error {
	nextStatus := recycle.StatusConfirming
	if minConfs >= requiredConfs {
		nextStatus = recycle.StatusConfirmed
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE recycles SET
			deposit_txid = ?, deposit_amount_sats = ?, deposit_confirmations = ?,
			deposit_block_height = COALESCE(?, deposit_block_height),
			max_input_sats = COALESCE(?, max_input_sats),
			status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, joinTxids(txids), amountSats, minConfs, blockHeight, maxInput,
		string(nextStatus), now(), id,
		string(recycle.StatusPaid), string(recycle.StatusFailed), string(recycle.StatusDonation))
	if err != nil {
		return fmt.Errorf("record deposit detected for %q: %w", id, err)
	}
	return checkRowsAffected(res, "record deposit detected", id)
}

// UpdateConfirmations advances the confirmation count and, if the threshold
// is newly met, the status to confirmed. It never touches a terminal row.
func (s *Store) UpdateConfirmations(ctx context.Context, id string, minConfs, requiredConfs int64) error {
	nextStatus := recycle.StatusConfirming
	if minConfs >= requiredConfs {
		nextStatus = recycle.StatusConfirmed
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE recycles SET deposit_confirmations = ?, status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, minConfs, string(nextStatus), now(), id,
		string(recycle.StatusPaid), string(recycle.StatusFailed), string(recycle.StatusDonation))
	if err != nil {
		return fmt.Errorf("update confirmations for %q: %w", id, err)
	}
	return checkRowsAffected(res, "update confirmations", id)
}

// MarkDonation transitions a recycle to the terminal donation state.
func (s *Store) MarkDonation(ctx context.Context, id string, txids []string, amountSats int64, blockHeight, maxInput *int64, reason recycle.DonationReason) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE recycles SET
			deposit_txid = ?, deposit_amount_sats = ?, deposit_block_height = ?,
			max_input_sats = ?, is_eligible = 0, donation_reason = ?,
			status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, joinTxids(txids), amountSats, blockHeight, maxInput, string(reason),
		string(recycle.StatusDonation), now(), id,
		string(recycle.StatusPaid), string(recycle.StatusFailed), string(recycle.StatusDonation))
	if err != nil {
		return fmt.Errorf("mark donation for %q: %w", id, err)
	}
	return checkRowsAffected(res, "mark donation", id)
}

// MarkPaid performs the at-most-once confirmed->paid transition: the WHERE
// clause filters on status = confirmed so a crash-and-retry or a duplicate
// processor tick can never double-pay the same record.
func (s *Store) MarkPaid(ctx context.Context, id string, payoutAmountSats int64, preimage, paymentHash string) error {
	ts := now()
	res, err := s.conn.ExecContext(ctx, `
		UPDATE recycles SET
			payout_amount_sats = ?, payment_preimage = ?, payment_hash = ?,
			status = ?, paid_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, payoutAmountSats, preimage, paymentHash, string(recycle.StatusPaid), ts, ts,
		id, string(recycle.StatusConfirmed))
	if err != nil {
		return fmt.Errorf("mark paid for %q: %w", id, err)
	}
	return checkRowsAffected(res, "mark paid", id)
}

// MarkFailed transitions a confirmed recycle to the terminal failed state
// after its attempt bound is exhausted.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE recycles SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(recycle.StatusFailed), now(), id, string(recycle.StatusConfirmed))
	if err != nil {
		return fmt.Errorf("mark failed for %q: %w", id, err)
	}
	return checkRowsAffected(res, "mark failed", id)
}

// IncrementPaymentAttempts persists the counter before a send is attempted,
// so a crash between send and mark-paid cannot leak unbounded retries, and
// returns the new count.
func (s *Store) IncrementPaymentAttempts(ctx context.Context, id string) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin increment attempts transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE recycles SET payment_attempts = payment_attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING payment_attempts
	`, now(), id, string(recycle.StatusConfirmed)).Scan(&attempts); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("increment payment attempts for %q: %w", id, recycleerr.ErrRecycleNotFound)
		}
		return 0, fmt.Errorf("increment payment attempts for %q: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit increment attempts transaction: %w", err)
	}
	return attempts, nil
}

// MaxAddressIndex returns the highest address index assigned to any
// recycle, or -1 if none exist yet. Used at startup to seed the chain
// client's revealed range independent of best-effort reveals made at
// creation time.
func (s *Store) MaxAddressIndex(ctx context.Context) (int64, error) {
	var maxIndex sql.NullInt64
	err := s.conn.QueryRowContext(ctx, `SELECT MAX(address_index) FROM recycles`).Scan(&maxIndex)
	if err != nil {
		return 0, fmt.Errorf("max address index: %w", err)
	}
	if !maxIndex.Valid {
		return -1, nil
	}
	return maxIndex.Int64, nil
}

func checkRowsAffected(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s for %q: rows affected: %w", op, id, err)
	}
	if n == 0 {
		slog.Debug("no-op store write: row terminal or missing", "op", op, "recycleID", id)
	}
	return nil
}

// FormatSats is a small helper for log fields where an int64 satoshi amount
// needs a stable string form.
func FormatSats(v int64) string {
	return strconv.FormatInt(v, 10)
}
