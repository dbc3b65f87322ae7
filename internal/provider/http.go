package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"reelbatch.io/orchestrator/internal/config"
)

// HTTPProvider adapts a JSON REST rendering service:
//
//	POST   {base}/v1/jobs       -> {"job_id": "..."}
//	GET    {base}/v1/jobs/{id}  -> {"status": "...", "output_url": "...", "duration_seconds": n, "error": {...}}
//	DELETE {base}/v1/jobs/{id}
//	GET    {base}/healthz
//
// Error responses carry {"error": {"code": "...", "message": "..."}} and an
// optional Retry-After header.
type HTTPProvider struct {
	name        string
	baseURL     string
	apiKey      string
	callbackURL string
	client      *http.Client
}

var (
	_ Provider = (*HTTPProvider)(nil)
	_ Pinger   = (*HTTPProvider)(nil)
)

// NewHTTPProvider creates the adapter from config.
func NewHTTPProvider(cfg config.HTTPProviderConfig) (*HTTPProvider, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("provider base_url: %w", err)
	}
	name := cfg.Name
	if name == "" {
		name = "http"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		name:        name,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		callbackURL: cfg.CallbackURL,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (p *HTTPProvider) Name() string { return p.name }

type submitResponse struct {
	JobID string `json:"job_id"`
}

type pollResponse struct {
	Status          string  `json:"status"`
	OutputURL       string  `json:"output_url"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *HTTPProvider) Submit(ctx context.Context, req UnitRequest) (string, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = p.callbackURL
	}
	var out submitResponse
	if err := p.do(ctx, http.MethodPost, "/v1/jobs", req, &out, req.IdempotencyKey); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", &Error{Code: CodeInternal, Message: "provider returned empty job id"}
	}
	return out.JobID, nil
}

func (p *HTTPProvider) Poll(ctx context.Context, jobID string) (JobStatus, error) {
	var out pollResponse
	if err := p.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &out, ""); err != nil {
		return JobStatus{}, err
	}
	return out.toStatus(jobID), nil
}

func (r pollResponse) toStatus(jobID string) JobStatus {
	st := JobStatus{JobID: jobID}
	switch strings.ToLower(r.Status) {
	case "succeeded", "completed", "done":
		st.State = JobSucceeded
		st.OutputRef = r.OutputURL
		st.RenderedSeconds = r.DurationSeconds
	case "failed", "error", "cancelled":
		st.State = JobFailed
		st.Err = &Error{Code: CodeInternal, Message: "job failed"}
		if r.Error != nil {
			st.Err = &Error{Code: r.Error.Code, Message: r.Error.Message}
		}
	case "queued", "pending":
		st.State = JobQueued
	default:
		st.State = JobRunning
	}
	return st
}

func (p *HTTPProvider) Cancel(ctx context.Context, jobID string) error {
	return p.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(jobID), nil, nil, "")
}

func (p *HTTPProvider) Ping(ctx context.Context) error {
	return p.do(ctx, http.MethodGet, "/healthz", nil, nil, "")
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body, out any, idempotencyKey string) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Code: CodeInternal, HTTPStatus: resp.StatusCode, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Code: CodeInternal, HTTPStatus: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	return nil
}

func responseError(resp *http.Response, raw []byte) *Error {
	pe := &Error{HTTPStatus: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Error.Code != "" {
		pe.Code = env.Error.Code
		if env.Error.Message != "" {
			pe.Message = env.Error.Message
		}
	}
	if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			pe.RetryAfter = time.Duration(secs) * time.Second
		} else if t, err := http.ParseTime(ra); err == nil {
			pe.RetryAfter = max(time.Until(t), 0)
		}
	}
	return pe
}
