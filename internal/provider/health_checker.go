package provider

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/pkg/logger"
)

// HealthStatus is the last known reachability of a provider.
type HealthStatus string

const (
	HealthUnknown     HealthStatus = "UNKNOWN"
	HealthHealthy     HealthStatus = "HEALTHY"
	HealthUnreachable HealthStatus = "UNREACHABLE"
)

// Health contains one probe result.
type Health struct {
	Provider    string       `json:"provider"`
	Status      HealthStatus `json:"status"`
	LastChecked time.Time    `json:"last_checked"`
	Error       string       `json:"error,omitempty"`
}

// HealthChecker periodically probes registered providers that implement
// Pinger. Providers without a probe are reported healthy.
type HealthChecker struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration

	mu       sync.RWMutex
	results  map[string]Health
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHealthChecker creates a checker over registry.
func NewHealthChecker(registry *Registry, interval time.Duration) *HealthChecker {
	return &HealthChecker{
		registry: registry,
		interval: interval,
		timeout:  5 * time.Second,
		results:  make(map[string]Health),
		stopCh:   make(chan struct{}),
	}
}

// Check probes one provider.
func (c *HealthChecker) Check(ctx context.Context, name string) Health {
	h := Health{Provider: name, LastChecked: time.Now()}
	p, err := c.registry.Get(name)
	if err != nil {
		h.Status = HealthUnreachable
		h.Error = err.Error()
		return h
	}
	pinger, ok := p.(Pinger)
	if !ok {
		h.Status = HealthHealthy
		return h
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := pinger.Ping(ctx); err != nil {
		h.Status = HealthUnreachable
		h.Error = err.Error()
		logger.Warn("Provider health check failed",
			zap.String("provider", name),
			zap.Error(err),
		)
		return h
	}
	h.Status = HealthHealthy
	return h
}

// Get returns the cached result for a provider.
func (c *HealthChecker) Get(name string) Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.results[name]; ok {
		return h
	}
	return Health{Provider: name, Status: HealthUnknown}
}

// Snapshot returns every cached result.
func (c *HealthChecker) Snapshot() []Health {
	names := c.registry.Names()
	out := make([]Health, 0, len(names))
	for _, n := range names {
		out = append(out, c.Get(n))
	}
	return out
}

// CheckAll probes every registered provider and caches the results.
func (c *HealthChecker) CheckAll(ctx context.Context) {
	for _, name := range c.registry.Names() {
		h := c.Check(ctx, name)
		c.mu.Lock()
		c.results[name] = h
		c.mu.Unlock()
	}
}

// Start begins periodic probing.
// nolint:naked-goroutine // ticker loop; doesn't fit worker pool pattern.
func (c *HealthChecker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.CheckAll(ctx)
		for {
			select {
			case <-ticker.C:
				c.CheckAll(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts periodic probing. Safe to call more than once.
func (c *HealthChecker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}
