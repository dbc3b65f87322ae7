package domain

import (
	"math"
	"time"
)

// TransactionType is the kind of a ledger entry.
type TransactionType string

const (
	TxReserve    TransactionType = "reserve"
	TxDebit      TransactionType = "debit"
	TxRefund     TransactionType = "refund"
	TxAdjustment TransactionType = "adjustment"
)

// CreditRef correlates a ledger entry with the row that caused it.
type CreditRef struct {
	BatchID string `json:"batch_id,omitempty"`
	RowID   string `json:"row_id,omitempty"`
}

// CreditTransaction is one append-only ledger entry. Amount is always
// positive; BalanceAfter is the available balance after the entry.
type CreditTransaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Type          TransactionType `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceAfter  int64           `json:"balance_after"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Ref           CreditRef       `json:"ref"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ReservationState tracks a reservation through settlement.
type ReservationState string

const (
	ReservationHeld     ReservationState = "held"
	ReservationDebited  ReservationState = "debited"
	ReservationRefunded ReservationState = "refunded"
)

// Reservation is a provisional hold against a user's available balance.
type Reservation struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Amount    int64            `json:"amount"`
	Charged   int64            `json:"charged"`
	State     ReservationState `json:"state"`
	Ref       CreditRef        `json:"ref"`
	CreatedAt time.Time        `json:"created_at"`
	SettledAt *time.Time       `json:"settled_at,omitempty"`
}

// CreditAccount is a user's balance split into spendable and held credits.
type CreditAccount struct {
	UserID    string    `json:"user_id"`
	Available int64     `json:"available"`
	Held      int64     `json:"held"`
	Charged   int64     `json:"charged"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pricing converts rendered duration into whole credits.
type Pricing struct {
	CreditsPerSecond int64
	// DefaultUnitSeconds is the estimate for units without a duration.
	DefaultUnitSeconds float64
}

// MaxCredits is the cost Credits saturates at.
const MaxCredits = math.MaxInt64 / 1000

// Credits returns the cost of seconds of video, rounded up to a whole credit.
// Durations are taken at millisecond precision; any positive duration costs
// at least one millisecond. Costs beyond MaxCredits saturate.
func (p Pricing) Credits(seconds float64) int64 {
	if !(seconds > 0) || p.CreditsPerSecond <= 0 {
		return 0
	}
	msf := math.Round(seconds * 1000)
	if msf >= float64(MaxCredits) {
		return MaxCredits
	}
	ms := max(int64(msf), 1)
	if ms > MaxCredits/p.CreditsPerSecond {
		return MaxCredits
	}
	return (ms*p.CreditsPerSecond + 999) / 1000
}

// UnitSeconds returns the estimated duration of u under base.
func (p Pricing) UnitSeconds(u UnitSpec, base BaseConfig) float64 {
	switch {
	case u.DurationSeconds > 0:
		return u.DurationSeconds
	case base.DurationSeconds > 0:
		return base.DurationSeconds
	default:
		return p.DefaultUnitSeconds
	}
}

// EstimateRow returns the credits to reserve before rendering a row.
func (p Pricing) EstimateRow(r *Row, base BaseConfig) int64 {
	var total float64
	for _, u := range r.Units {
		total += p.UnitSeconds(u.UnitSpec, base)
	}
	return p.Credits(total)
}

// ActualRow returns the credits for what was rendered. Units without a
// reported duration are billed at their estimate.
func (p Pricing) ActualRow(r *Row, base BaseConfig) int64 {
	var total float64
	for _, u := range r.Units {
		if u.RenderedSeconds > 0 {
			total += u.RenderedSeconds
		} else {
			total += p.UnitSeconds(u.UnitSpec, base)
		}
	}
	return p.Credits(total)
}
