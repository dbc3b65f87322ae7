// Package handlers implements the HTTP API of the orchestrator.
//
// Handlers translate requests into service calls and attach failures with
// c.Error; middleware.ErrorHandler renders them.
package handlers

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"reelbatch.io/orchestrator/internal/api/middleware"
	"reelbatch.io/orchestrator/internal/batch"
	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/ledger"
	apperrors "reelbatch.io/orchestrator/internal/pkg/errors"
	"reelbatch.io/orchestrator/internal/provider"
	"reelbatch.io/orchestrator/internal/repository"
	"reelbatch.io/orchestrator/internal/stitch"
)

// BatchService is the batch state machine as seen by the API.
type BatchService interface {
	Launch(ctx context.Context, req batch.LaunchRequest) (*domain.Batch, error)
	Status(ctx context.Context, batchID string) (*batch.View, error)
	List(ctx context.Context, ownerID string) ([]batch.Summary, error)
	Resume(ctx context.Context, batchID, actor string) (*domain.Batch, error)
	Abort(ctx context.Context, batchID, actor string) (*domain.Batch, error)
	RetryFailed(ctx context.Context, batchID, actor string) (*domain.Batch, int, error)
}

// Stitcher accepts stitch requests.
type Stitcher interface {
	StitchBatch(ctx context.Context, batchID string, force bool, actor string) (*stitch.Accepted, error)
	StitchRow(ctx context.Context, rowID string, force bool, actor string) (*stitch.Accepted, error)
}

// CallbackPublisher fans provider callbacks out to waiting executors.
type CallbackPublisher interface {
	Publish(ctx context.Context, st provider.JobStatus) error
}

// Store is the read access handlers need for ownership checks, audit and
// notifications.
type Store interface {
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	GetRow(ctx context.Context, id string) (*domain.Row, error)
	ListAudit(ctx context.Context, resourceType, resourceID string) ([]repository.AuditRecord, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]repository.Notification, error)
}

// Check is a named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Server holds the dependencies of every handler.
type Server struct {
	batches        BatchService
	stitcher       Stitcher
	ledger         ledger.Ledger
	store          Store
	events         *domain.EventDispatcher
	callbacks      CallbackPublisher
	callbackSecret string
	health         *provider.HealthChecker
	checks         []Check
}

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	Batches        BatchService
	Stitcher       Stitcher
	Ledger         ledger.Ledger
	Store          Store
	Events         *domain.EventDispatcher
	Callbacks      CallbackPublisher
	CallbackSecret string
	// ProviderHealth is optional; readiness then skips provider probes.
	ProviderHealth *provider.HealthChecker
	Checks         []Check
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		batches:        deps.Batches,
		stitcher:       deps.Stitcher,
		ledger:         deps.Ledger,
		store:          deps.Store,
		events:         deps.Events,
		callbacks:      deps.Callbacks,
		callbackSecret: deps.CallbackSecret,
		health:         deps.ProviderHealth,
		checks:         deps.Checks,
	}
}

// Register mounts the authenticated routes on api and the public ones on
// public. Authentication middleware is the caller's concern.
func (s *Server) Register(public, api, admin gin.IRoutes) {
	public.GET("/health/live", s.GetLiveness)
	public.GET("/health/ready", s.GetReadiness)
	public.POST("/provider/callbacks", s.ProviderCallback)

	api.POST("/batches", s.LaunchBatch)
	api.GET("/batches", s.ListBatches)
	api.GET("/batches/:id", s.GetBatch)
	api.POST("/batches/:id/resume", s.ResumeBatch)
	api.POST("/batches/:id/abort", s.AbortBatch)
	api.POST("/batches/:id/retry", s.RetryBatch)
	api.POST("/batches/:id/stitch", s.StitchBatch)
	api.GET("/batches/:id/audit", s.ListBatchAudit)
	api.POST("/rows/:id/stitch", s.StitchRow)
	api.GET("/credits", s.GetCredits)
	api.GET("/notifications", s.ListNotifications)

	admin.POST("/admin/credits/:user_id/grant", s.GrantCredits)
}

// actorFromCtx returns the authenticated user ID.
func actorFromCtx(c *gin.Context) string {
	return middleware.GetUserID(c.Request.Context())
}

// ownedBatch loads a batch and attaches an error when it is missing or not
// visible to the caller.
func (s *Server) ownedBatch(c *gin.Context, batchID string) (*domain.Batch, bool) {
	b, err := s.loadOwnedBatch(c, batchID)
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	return b, true
}

// loadOwnedBatch hides batches of other owners as not found.
func (s *Server) loadOwnedBatch(c *gin.Context, batchID string) (*domain.Batch, error) {
	b, err := s.store.GetBatch(c.Request.Context(), batchID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !s.canAccess(c, b.OwnerID)) {
		return nil, apperrors.ErrBatchNotFound(batchID)
	}
	return b, err
}

func (s *Server) canAccess(c *gin.Context, ownerID string) bool {
	if ownerID == actorFromCtx(c) {
		return true
	}
	for _, p := range middleware.GetPermissions(c.Request.Context()) {
		if p == middleware.PermissionSuperAdmin {
			return true
		}
	}
	return false
}
