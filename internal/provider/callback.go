package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/eventbus"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "X-Provider-Signature"

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value, with or without a
// "sha256=" prefix, in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(got, want)
}

// CallbackHub hands provider callbacks to the executor waiting on the job.
// Callbacks are published on the bus so that whichever instance receives the
// webhook, the waiting instance is notified.
type CallbackHub struct {
	bus eventbus.Bus

	mu      sync.Mutex
	waiters map[string]chan JobStatus
}

// NewCallbackHub creates a hub publishing through bus.
func NewCallbackHub(bus eventbus.Bus) *CallbackHub {
	return &CallbackHub{
		bus:     bus,
		waiters: make(map[string]chan JobStatus),
	}
}

// Start subscribes the hub to callbacks from every instance.
func (h *CallbackHub) Start(ctx context.Context) error {
	return h.bus.Subscribe(ctx, eventbus.TopicCallbacks, func(ctx context.Context, payload []byte) {
		var st JobStatus
		if err := json.Unmarshal(payload, &st); err != nil {
			logger.Warn("Dropping malformed provider callback", zap.Error(err))
			return
		}
		h.Deliver(st)
	})
}

// Register returns a channel that receives terminal statuses for jobID and a
// func to stop waiting.
func (h *CallbackHub) Register(jobID string) (<-chan JobStatus, func()) {
	ch := make(chan JobStatus, 1)
	h.mu.Lock()
	h.waiters[jobID] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		if h.waiters[jobID] == ch {
			delete(h.waiters, jobID)
		}
		h.mu.Unlock()
	}
}

// Deliver hands st to a local waiter. Returns false when nobody here waits.
func (h *CallbackHub) Deliver(st JobStatus) bool {
	h.mu.Lock()
	ch, ok := h.waiters[st.JobID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- st:
	default:
	}
	return true
}

// Publish broadcasts a callback to all instances.
func (h *CallbackHub) Publish(ctx context.Context, st JobStatus) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, eventbus.TopicCallbacks, payload)
}
