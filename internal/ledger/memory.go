package ledger

import (
	"context"
	"sync"
	"time"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/pkg/keylock"
)

// MemoryLedger keeps balances in process. It is used with the memory
// database driver and in tests.
type MemoryLedger struct {
	users keylock.Map

	mu           sync.Mutex
	accounts     map[string]*domain.CreditAccount
	reservations map[string]*domain.Reservation
	txs          []domain.CreditTransaction

	now func() time.Time
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts:     make(map[string]*domain.CreditAccount),
		reservations: make(map[string]*domain.Reservation),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// account returns the mutable account, creating it. Caller holds mu.
func (l *MemoryLedger) account(userID string) *domain.CreditAccount {
	a, ok := l.accounts[userID]
	if !ok {
		a = &domain.CreditAccount{UserID: userID}
		l.accounts[userID] = a
	}
	return a
}

// appendTx records an entry. Caller holds mu.
func (l *MemoryLedger) appendTx(a *domain.CreditAccount, typ domain.TransactionType, amount int64, resID string, ref domain.CreditRef, reason string) domain.CreditTransaction {
	now := l.now()
	a.UpdatedAt = now
	tx := domain.CreditTransaction{
		ID:            newID(),
		UserID:        a.UserID,
		Type:          typ,
		Amount:        amount,
		BalanceAfter:  a.Available,
		ReservationID: resID,
		Ref:           ref,
		Reason:        reason,
		CreatedAt:     now,
	}
	l.txs = append(l.txs, tx)
	return tx
}

func (l *MemoryLedger) Reserve(ctx context.Context, userID string, amount int64, ref domain.CreditRef) (domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, err
	}
	if amount <= 0 {
		return domain.Reservation{}, ErrInvalidAmount
	}
	unlock := l.users.Lock(userID)
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.account(userID)
	if a.Available < amount {
		return domain.Reservation{}, ErrInsufficientBalance
	}
	a.Available -= amount
	a.Held += amount

	res := &domain.Reservation{
		ID:        newID(),
		UserID:    userID,
		Amount:    amount,
		State:     domain.ReservationHeld,
		Ref:       ref,
		CreatedAt: l.now(),
	}
	l.reservations[res.ID] = res
	l.appendTx(a, domain.TxReserve, amount, res.ID, ref, "")
	return *res, nil
}

// lockReservation takes the owning user's lock for a reservation.
func (l *MemoryLedger) lockReservation(reservationID string) (func(), error) {
	l.mu.Lock()
	res, ok := l.reservations[reservationID]
	l.mu.Unlock()
	if !ok {
		return nil, ErrReservationNotFound
	}
	return l.users.Lock(res.UserID), nil
}

func (l *MemoryLedger) Debit(ctx context.Context, reservationID string, actual int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if actual < 0 {
		return ErrInvalidAmount
	}
	unlock, err := l.lockReservation(reservationID)
	if err != nil {
		return err
	}
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	res := l.reservations[reservationID]
	switch res.State {
	case domain.ReservationDebited:
		return nil
	case domain.ReservationRefunded:
		return ErrReservationSettled
	}

	charge := min(actual, res.Amount)
	release := res.Amount - charge
	a := l.account(res.UserID)
	a.Held -= res.Amount
	a.Charged += charge
	a.Available += release

	now := l.now()
	res.State = domain.ReservationDebited
	res.Charged = charge
	res.SettledAt = &now

	if charge > 0 {
		l.appendTx(a, domain.TxDebit, charge, res.ID, res.Ref, "")
	}
	if release > 0 {
		l.appendTx(a, domain.TxRefund, release, res.ID, res.Ref, "unused reservation")
	}
	return nil
}

func (l *MemoryLedger) Refund(ctx context.Context, reservationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock, err := l.lockReservation(reservationID)
	if err != nil {
		return err
	}
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	res := l.reservations[reservationID]
	if res.State != domain.ReservationHeld {
		return nil
	}
	a := l.account(res.UserID)
	a.Held -= res.Amount
	a.Available += res.Amount

	now := l.now()
	res.State = domain.ReservationRefunded
	res.SettledAt = &now
	l.appendTx(a, domain.TxRefund, res.Amount, res.ID, res.Ref, "")
	return nil
}

func (l *MemoryLedger) Grant(ctx context.Context, userID string, amount int64, reason string) (domain.CreditTransaction, error) {
	if err := ctx.Err(); err != nil {
		return domain.CreditTransaction{}, err
	}
	if amount <= 0 {
		return domain.CreditTransaction{}, ErrInvalidAmount
	}
	unlock := l.users.Lock(userID)
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.account(userID)
	a.Available += amount
	return l.appendTx(a, domain.TxAdjustment, amount, "", domain.CreditRef{}, reason), nil
}

func (l *MemoryLedger) Account(ctx context.Context, userID string) (domain.CreditAccount, error) {
	if err := ctx.Err(); err != nil {
		return domain.CreditAccount{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[userID]; ok {
		return *a, nil
	}
	return domain.CreditAccount{UserID: userID}, nil
}

func (l *MemoryLedger) Reservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[reservationID]
	if !ok {
		return domain.Reservation{}, ErrReservationNotFound
	}
	return *res, nil
}

func (l *MemoryLedger) Transactions(ctx context.Context, filter TxFilter) ([]domain.CreditTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.CreditTransaction, 0)
	for _, tx := range l.txs {
		if filter.match(tx) {
			out = append(out, tx)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}
