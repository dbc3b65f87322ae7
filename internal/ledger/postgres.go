package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reelbatch.io/orchestrator/internal/domain"
)

// PostgresLedger stores balances in PostgreSQL. Per-user serialization comes
// from locking the account row (SELECT ... FOR UPDATE) inside each mutation;
// reservation settlement uses conditional updates on state.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

var _ Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger creates a ledger backed by pool. The credit_* tables must
// already exist (see infrastructure.ApplySchema).
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// lockAccount creates the account if needed and locks its row.
func lockAccount(ctx context.Context, tx pgx.Tx, userID string) (domain.CreditAccount, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return domain.CreditAccount{}, fmt.Errorf("ensure account: %w", err)
	}
	a := domain.CreditAccount{UserID: userID}
	err := tx.QueryRow(ctx,
		`SELECT available, held, charged, updated_at FROM credit_accounts WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&a.Available, &a.Held, &a.Charged, &a.UpdatedAt)
	if err != nil {
		return domain.CreditAccount{}, fmt.Errorf("lock account: %w", err)
	}
	return a, nil
}

// applyDelta moves balances and returns the new available balance.
func applyDelta(ctx context.Context, tx pgx.Tx, userID string, dAvail, dHeld, dCharged int64) (int64, error) {
	var available int64
	err := tx.QueryRow(ctx,
		`UPDATE credit_accounts
		    SET available = available + $2, held = held + $3, charged = charged + $4, updated_at = now()
		  WHERE user_id = $1
		RETURNING available`,
		userID, dAvail, dHeld, dCharged,
	).Scan(&available)
	if err != nil {
		return 0, fmt.Errorf("update account: %w", err)
	}
	return available, nil
}

func insertTx(ctx context.Context, tx pgx.Tx, t domain.CreditTransaction) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions
		   (id, user_id, type, amount, balance_after, reservation_id, batch_id, row_id, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10)`,
		t.ID, t.UserID, string(t.Type), t.Amount, t.BalanceAfter,
		t.ReservationID, t.Ref.BatchID, t.Ref.RowID, t.Reason, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert %s transaction: %w", t.Type, err)
	}
	return nil
}

func (l *PostgresLedger) Reserve(ctx context.Context, userID string, amount int64, ref domain.CreditRef) (domain.Reservation, error) {
	if amount <= 0 {
		return domain.Reservation{}, ErrInvalidAmount
	}
	res := domain.Reservation{
		ID:        newID(),
		UserID:    userID,
		Amount:    amount,
		State:     domain.ReservationHeld,
		Ref:       ref,
		CreatedAt: time.Now().UTC(),
	}
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		a, err := lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if a.Available < amount {
			return ErrInsufficientBalance
		}
		available, err := applyDelta(ctx, tx, userID, -amount, amount, 0)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_reservations (id, user_id, amount, state, batch_id, row_id, created_at)
			 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`,
			res.ID, userID, amount, string(res.State), ref.BatchID, ref.RowID, res.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return insertTx(ctx, tx, domain.CreditTransaction{
			ID:            newID(),
			UserID:        userID,
			Type:          domain.TxReserve,
			Amount:        amount,
			BalanceAfter:  available,
			ReservationID: res.ID,
			Ref:           ref,
			CreatedAt:     res.CreatedAt,
		})
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

// settle locks the reservation's account and then the reservation itself, so
// lock order matches Reserve.
func (l *PostgresLedger) settle(ctx context.Context, reservationID string, fn func(tx pgx.Tx, res domain.Reservation) error) error {
	var userID string
	err := l.pool.QueryRow(ctx,
		`SELECT user_id FROM credit_reservations WHERE id = $1`, reservationID,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrReservationNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup reservation: %w", err)
	}

	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := lockAccount(ctx, tx, userID); err != nil {
			return err
		}
		res, err := scanReservation(tx.QueryRow(ctx,
			reservationSelect+` WHERE id = $1 FOR UPDATE`, reservationID))
		if err != nil {
			return err
		}
		return fn(tx, res)
	})
}

func (l *PostgresLedger) Debit(ctx context.Context, reservationID string, actual int64) error {
	if actual < 0 {
		return ErrInvalidAmount
	}
	return l.settle(ctx, reservationID, func(tx pgx.Tx, res domain.Reservation) error {
		switch res.State {
		case domain.ReservationDebited:
			return nil
		case domain.ReservationRefunded:
			return ErrReservationSettled
		}
		charge := min(actual, res.Amount)
		release := res.Amount - charge
		now := time.Now().UTC()

		tag, err := tx.Exec(ctx,
			`UPDATE credit_reservations SET state = 'debited', charged = $2, settled_at = $3
			  WHERE id = $1 AND state = 'held'`,
			res.ID, charge, now,
		)
		if err != nil {
			return fmt.Errorf("debit reservation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		available, err := applyDelta(ctx, tx, res.UserID, release, -res.Amount, charge)
		if err != nil {
			return err
		}
		if charge > 0 {
			if err := insertTx(ctx, tx, domain.CreditTransaction{
				ID: newID(), UserID: res.UserID, Type: domain.TxDebit, Amount: charge,
				BalanceAfter: available, ReservationID: res.ID, Ref: res.Ref, CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		if release > 0 {
			return insertTx(ctx, tx, domain.CreditTransaction{
				ID: newID(), UserID: res.UserID, Type: domain.TxRefund, Amount: release,
				BalanceAfter: available, ReservationID: res.ID, Ref: res.Ref,
				Reason: "unused reservation", CreatedAt: now,
			})
		}
		return nil
	})
}

func (l *PostgresLedger) Refund(ctx context.Context, reservationID string) error {
	return l.settle(ctx, reservationID, func(tx pgx.Tx, res domain.Reservation) error {
		if res.State != domain.ReservationHeld {
			return nil
		}
		now := time.Now().UTC()
		tag, err := tx.Exec(ctx,
			`UPDATE credit_reservations SET state = 'refunded', settled_at = $2
			  WHERE id = $1 AND state = 'held'`,
			res.ID, now,
		)
		if err != nil {
			return fmt.Errorf("refund reservation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		available, err := applyDelta(ctx, tx, res.UserID, res.Amount, -res.Amount, 0)
		if err != nil {
			return err
		}
		return insertTx(ctx, tx, domain.CreditTransaction{
			ID: newID(), UserID: res.UserID, Type: domain.TxRefund, Amount: res.Amount,
			BalanceAfter: available, ReservationID: res.ID, Ref: res.Ref, CreatedAt: now,
		})
	})
}

func (l *PostgresLedger) Grant(ctx context.Context, userID string, amount int64, reason string) (domain.CreditTransaction, error) {
	if amount <= 0 {
		return domain.CreditTransaction{}, ErrInvalidAmount
	}
	out := domain.CreditTransaction{
		ID:        newID(),
		UserID:    userID,
		Type:      domain.TxAdjustment,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := lockAccount(ctx, tx, userID); err != nil {
			return err
		}
		available, err := applyDelta(ctx, tx, userID, amount, 0, 0)
		if err != nil {
			return err
		}
		out.BalanceAfter = available
		return insertTx(ctx, tx, out)
	})
	if err != nil {
		return domain.CreditTransaction{}, err
	}
	return out, nil
}

func (l *PostgresLedger) Account(ctx context.Context, userID string) (domain.CreditAccount, error) {
	a := domain.CreditAccount{UserID: userID}
	err := l.pool.QueryRow(ctx,
		`SELECT available, held, charged, updated_at FROM credit_accounts WHERE user_id = $1`, userID,
	).Scan(&a.Available, &a.Held, &a.Charged, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, nil
	}
	if err != nil {
		return domain.CreditAccount{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

const reservationSelect = `SELECT id, user_id, amount, charged, state,
	COALESCE(batch_id, ''), COALESCE(row_id, ''), created_at, settled_at
	FROM credit_reservations`

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var (
		res   domain.Reservation
		state string
	)
	err := row.Scan(&res.ID, &res.UserID, &res.Amount, &res.Charged, &state,
		&res.Ref.BatchID, &res.Ref.RowID, &res.CreatedAt, &res.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, ErrReservationNotFound
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	res.State = domain.ReservationState(state)
	return res, nil
}

func (l *PostgresLedger) Reservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	return scanReservation(l.pool.QueryRow(ctx, reservationSelect+` WHERE id = $1`, reservationID))
}

func (l *PostgresLedger) Transactions(ctx context.Context, filter TxFilter) ([]domain.CreditTransaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	// Newest first for LIMIT, then reversed to chronological order.
	rows, err := l.pool.Query(ctx,
		`SELECT id, user_id, type, amount, balance_after, COALESCE(reservation_id, ''),
		        COALESCE(batch_id, ''), COALESCE(row_id, ''), COALESCE(reason, ''), created_at
		   FROM credit_transactions
		  WHERE ($1 = '' OR user_id = $1)
		    AND ($2 = '' OR batch_id = $2)
		    AND ($3 = '' OR row_id = $3)
		  ORDER BY seq DESC
		  LIMIT CASE WHEN $4::int < 0 THEN NULL ELSE $4::int END`,
		filter.UserID, filter.BatchID, filter.RowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.CreditTransaction, error) {
		var (
			t   domain.CreditTransaction
			typ string
		)
		err := row.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.BalanceAfter, &t.ReservationID,
			&t.Ref.BatchID, &t.Ref.RowID, &t.Reason, &t.CreatedAt)
		t.Type = domain.TransactionType(typ)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
