// Package provider is the boundary to external video rendering services.
//
// Providers accept one unit per job. Whatever error shape a provider uses is
// mapped into *Error here and classified into domain.ErrorKind by Classify;
// nothing past this package sees provider-specific errors.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"reelbatch.io/orchestrator/internal/domain"
)

// JobState is the provider-side state of a job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the job will not change state again.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// UnitRequest is one unit rendering request.
type UnitRequest struct {
	BatchID         string            `json:"batch_id"`
	RowID           string            `json:"row_id"`
	UnitOrdinal     int               `json:"unit_ordinal"`
	Prompt          string            `json:"prompt"`
	ImageRef        string            `json:"image_ref,omitempty"`
	DurationSeconds float64           `json:"duration_seconds,omitempty"`
	Model           string            `json:"model,omitempty"`
	AspectRatio     string            `json:"aspect_ratio,omitempty"`
	Resolution      string            `json:"resolution,omitempty"`
	Actor           string            `json:"actor,omitempty"`
	Voice           string            `json:"voice,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
	CallbackURL     string            `json:"callback_url,omitempty"`
	// IdempotencyKey is stable across retries of the same unit attempt.
	IdempotencyKey string `json:"idempotency_key"`
}

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	JobID           string   `json:"job_id"`
	State           JobState `json:"state"`
	OutputRef       string   `json:"output_ref,omitempty"`
	RenderedSeconds float64  `json:"rendered_seconds,omitempty"`
	// Err is set when State is JobFailed.
	Err *Error `json:"error,omitempty"`
}

// Provider renders units.
type Provider interface {
	Name() string
	Submit(ctx context.Context, req UnitRequest) (jobID string, err error)
	Poll(ctx context.Context, jobID string) (JobStatus, error)
	// Cancel is best-effort; providers without cancellation return nil.
	Cancel(ctx context.Context, jobID string) error
}

// Pinger is implemented by providers that support a health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Error is a provider failure in normalized form.
type Error struct {
	Code       string        `json:"code"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("provider error %s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

// Provider error codes recognized by Classify. Providers that report other
// codes are classified by HTTP status.
const (
	CodeRateLimited       = "rate_limited"
	CodeInsufficientQuota = "insufficient_quota"
	CodeUnauthorized      = "unauthorized"
	CodeInvalidParams     = "invalid_params"
	CodeModeration        = "content_moderation"
	CodeTimeout           = "timeout"
	CodeInternal          = "internal"
)

// Classify maps an error from a provider call into the closed error union.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrKindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrKindTimeout
	}
	var pe *Error
	if !errors.As(err, &pe) {
		return domain.ErrKindProvider
	}

	switch strings.ToLower(pe.Code) {
	case CodeRateLimited:
		return domain.ErrKindRateLimited
	case CodeInsufficientQuota:
		return domain.ErrKindCreditExhausted
	case CodeUnauthorized:
		return domain.ErrKindAuth
	case CodeInvalidParams, CodeModeration:
		return domain.ErrKindInvalidParams
	case CodeTimeout:
		return domain.ErrKindTimeout
	}

	switch pe.HTTPStatus {
	case http.StatusTooManyRequests:
		return domain.ErrKindRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrKindAuth
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.ErrKindInvalidParams
	case http.StatusPaymentRequired:
		return domain.ErrKindCreditExhausted
	case http.StatusGatewayTimeout:
		return domain.ErrKindTimeout
	}
	return domain.ErrKindProvider
}

// RetryAfter returns the provider's requested delay, if any.
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ErrUnknownProvider is returned by Registry.Get for unregistered names.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry resolves providers by the name in a batch's base config.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates a registry; defaultName is used for empty lookups.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		defaultName: defaultName,
	}
}

// Register adds or replaces a provider under its Name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
