package domain

// ErrorKind is the closed set of reasons a row or unit can fail. Provider
// error shapes are mapped into it at the provider boundary and never travel
// further.
type ErrorKind string

const (
	ErrKindNone               ErrorKind = ""
	ErrKindCreditExhausted    ErrorKind = "CREDIT_EXHAUSTED"
	ErrKindRateLimited        ErrorKind = "RATE_LIMITED"
	ErrKindAuth               ErrorKind = "AUTH_ERROR"
	ErrKindInvalidParams      ErrorKind = "INVALID_PARAMS"
	ErrKindTimeout            ErrorKind = "TIMEOUT"
	ErrKindProvider           ErrorKind = "PROVIDER_ERROR"
	ErrKindInsufficientInputs ErrorKind = "INSUFFICIENT_INPUTS"
	ErrKindCancelled          ErrorKind = "CANCELLED"
	ErrKindLedger             ErrorKind = "LEDGER_ERROR"
)

// timeoutAttempts is the total number of tries a unit gets when it times out.
const timeoutAttempts = 2

// MaxAttempts returns how many total attempts a unit gets for failures of
// this kind, given the configured budget for backoff-retried kinds.
func (k ErrorKind) MaxAttempts(backoffBudget int) int {
	switch k {
	case ErrKindRateLimited, ErrKindProvider:
		if backoffBudget < 1 {
			return 1
		}
		return backoffBudget
	case ErrKindTimeout:
		return timeoutAttempts
	default:
		return 1
	}
}

// Retryable reports whether the kind is ever retried automatically.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindRateLimited || k == ErrKindProvider || k == ErrKindTimeout
}

// Backoff reports whether retries of this kind wait with exponential backoff.
func (k ErrorKind) Backoff() bool {
	return k == ErrKindRateLimited || k == ErrKindProvider
}
