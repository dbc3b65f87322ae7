package provider

import (
	"context"
	"fmt"
	"sync"
)

// MockStep scripts how the mock answers one attempt of one unit.
type MockStep struct {
	// SubmitErr is returned from Submit instead of creating a job.
	SubmitErr error
	// Polls is how many polls report JobRunning before the job settles.
	Polls int
	// Hang keeps the job running forever.
	Hang bool
	// Fail settles the job as failed with this error.
	Fail *Error
	// RenderedSeconds overrides the reported duration (default: requested).
	RenderedSeconds float64
}

// MockScript decides the step for a unit attempt. attempt starts at 1.
type MockScript func(req UnitRequest, attempt int) MockStep

type mockJob struct {
	req       UnitRequest
	step      MockStep
	polls     int
	cancelled bool
}

// MockProvider is a scriptable in-process provider for tests and local runs.
type MockProvider struct {
	name string

	mu        sync.Mutex
	script    MockScript
	jobs      map[string]*mockJob
	attempts  map[string]int
	submitted []UnitRequest
	cancelled []string
	seq       int
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock whose jobs succeed on the first poll.
func NewMockProvider() *MockProvider {
	return NewNamedMockProvider("mock")
}

// NewNamedMockProvider creates a mock registered under name.
func NewNamedMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:     name,
		jobs:     make(map[string]*mockJob),
		attempts: make(map[string]int),
	}
}

// SetScript replaces the behavior for later submissions.
func (p *MockProvider) SetScript(s MockScript) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = s
}

// Reset clears jobs, counters and the script.
func (p *MockProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = nil
	p.jobs = make(map[string]*mockJob)
	p.attempts = make(map[string]int)
	p.submitted = nil
	p.cancelled = nil
}

func (p *MockProvider) Name() string { return p.name }

func unitKey(req UnitRequest) string {
	return fmt.Sprintf("%s/%d", req.RowID, req.UnitOrdinal)
}

func (p *MockProvider) Submit(ctx context.Context, req UnitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	key := unitKey(req)
	p.attempts[key]++
	p.submitted = append(p.submitted, req)

	var step MockStep
	if p.script != nil {
		step = p.script(req, p.attempts[key])
	}
	if step.SubmitErr != nil {
		return "", step.SubmitErr
	}

	p.seq++
	id := fmt.Sprintf("%s-job-%d", p.name, p.seq)
	p.jobs[id] = &mockJob{req: req, step: step}
	return id, nil
}

func (p *MockProvider) Poll(ctx context.Context, jobID string) (JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return JobStatus{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[jobID]
	if !ok {
		return JobStatus{}, &Error{Code: "not_found", HTTPStatus: 404, Message: "job " + jobID + " not found"}
	}
	if job.cancelled {
		return JobStatus{JobID: jobID, State: JobFailed, Err: &Error{Code: "cancelled", Message: "job cancelled"}}, nil
	}
	if job.step.Hang || job.polls < job.step.Polls {
		job.polls++
		return JobStatus{JobID: jobID, State: JobRunning}, nil
	}
	if job.step.Fail != nil {
		return JobStatus{JobID: jobID, State: JobFailed, Err: job.step.Fail}, nil
	}
	return p.succeeded(jobID, job), nil
}

func (p *MockProvider) succeeded(jobID string, job *mockJob) JobStatus {
	secs := job.step.RenderedSeconds
	if secs == 0 {
		secs = job.req.DurationSeconds
	}
	return JobStatus{
		JobID:           jobID,
		State:           JobSucceeded,
		OutputRef:       fmt.Sprintf("mock://%s/%s/%d.mp4", job.req.BatchID, job.req.RowID, job.req.UnitOrdinal),
		RenderedSeconds: secs,
	}
}

// Complete returns the success status a callback for jobID would carry.
func (p *MockProvider) Complete(jobID string) (JobStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[jobID]
	if !ok {
		return JobStatus{}, false
	}
	job.step = MockStep{RenderedSeconds: job.step.RenderedSeconds}
	return p.succeeded(jobID, job), true
}

func (p *MockProvider) Cancel(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if job, ok := p.jobs[jobID]; ok {
		job.cancelled = true
	}
	p.cancelled = append(p.cancelled, jobID)
	return nil
}

// Submitted returns every request seen so far, in order.
func (p *MockProvider) Submitted() []UnitRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]UnitRequest(nil), p.submitted...)
}

// Cancelled returns the job ids passed to Cancel.
func (p *MockProvider) Cancelled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelled...)
}

// Attempts returns how many times a unit was submitted.
func (p *MockProvider) Attempts(rowID string, unitOrdinal int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[fmt.Sprintf("%s/%d", rowID, unitOrdinal)]
}
