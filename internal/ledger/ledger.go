// Package ledger holds user credit balances.
//
// Credits move through reservations: Reserve holds an amount before work
// starts, Debit turns (part of) the hold into a permanent charge and Refund
// releases it. Every movement appends a CreditTransaction with a positive
// amount, so the net charge attributable to a row is Σreserve − Σrefund.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"reelbatch.io/orchestrator/internal/domain"
)

var (
	// ErrInsufficientBalance is returned by Reserve when available < amount.
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	// ErrReservationNotFound is returned for unknown reservation ids.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationSettled is returned when debiting a refunded reservation.
	ErrReservationSettled = errors.New("reservation already refunded")
	// ErrInvalidAmount is returned for non-positive reserve/grant amounts and
	// negative debit amounts.
	ErrInvalidAmount = errors.New("invalid credit amount")
)

// Ledger is the credit ledger consumed by the executor, the batch service and
// the admin API. All mutations are serialized per user and durable when they
// return.
type Ledger interface {
	Reserve(ctx context.Context, userID string, amount int64, ref domain.CreditRef) (domain.Reservation, error)
	// Debit charges min(actual, reserved) and releases the remainder. Debiting
	// an already debited reservation is a no-op.
	Debit(ctx context.Context, reservationID string, actual int64) error
	// Refund releases the whole reservation. It is a no-op for reservations
	// that were already refunded or debited.
	Refund(ctx context.Context, reservationID string) error
	Grant(ctx context.Context, userID string, amount int64, reason string) (domain.CreditTransaction, error)

	Account(ctx context.Context, userID string) (domain.CreditAccount, error)
	Reservation(ctx context.Context, reservationID string) (domain.Reservation, error)
	// Transactions returns matching entries oldest first. With Limit > 0 only
	// the most recent Limit entries are returned.
	Transactions(ctx context.Context, filter TxFilter) ([]domain.CreditTransaction, error)
}

// TxFilter narrows Transactions. Empty fields match everything.
type TxFilter struct {
	UserID  string
	BatchID string
	RowID   string
	Limit   int
}

func (f TxFilter) match(tx domain.CreditTransaction) bool {
	if f.UserID != "" && tx.UserID != f.UserID {
		return false
	}
	if f.BatchID != "" && tx.Ref.BatchID != f.BatchID {
		return false
	}
	if f.RowID != "" && tx.Ref.RowID != f.RowID {
		return false
	}
	return true
}

// NetCharge sums reserve minus refund entries. Adjustments are ignored.
func NetCharge(txs []domain.CreditTransaction) int64 {
	var net int64
	for _, tx := range txs {
		switch tx.Type {
		case domain.TxReserve:
			net += tx.Amount
		case domain.TxRefund:
			net -= tx.Amount
		}
	}
	return net
}

// RowNetCharge is NetCharge over every entry correlated with rowID.
func RowNetCharge(ctx context.Context, l Ledger, rowID string) (int64, error) {
	txs, err := l.Transactions(ctx, TxFilter{RowID: rowID})
	if err != nil {
		return 0, err
	}
	return NetCharge(txs), nil
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
