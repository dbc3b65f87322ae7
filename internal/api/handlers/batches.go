package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"reelbatch.io/orchestrator/internal/batch"
	"reelbatch.io/orchestrator/internal/domain"
	apperrors "reelbatch.io/orchestrator/internal/pkg/errors"
)

// LaunchBatchRequest is the body of POST /batches.
type LaunchBatchRequest struct {
	Name   string            `json:"name"`
	Config domain.BaseConfig `json:"config"`
	Rows   []domain.RowSpec  `json:"rows"`
	// Staged launches run a test subset first and pause for review.
	Staged bool `json:"staged"`
}

// LaunchBatchResponse is returned with 201.
type LaunchBatchResponse struct {
	BatchID     string             `json:"batch_id"`
	Status      domain.BatchStatus `json:"status"`
	TestRunSize int                `json:"test_run_size,omitempty"`
}

// LaunchBatch handles POST /batches.
func (s *Server) LaunchBatch(c *gin.Context) {
	var req LaunchBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequest, "invalid request body").WithParam("reason", err.Error()))
		return
	}

	b, err := s.batches.Launch(c.Request.Context(), batch.LaunchRequest{
		OwnerID: actorFromCtx(c),
		Name:    req.Name,
		Config:  req.Config,
		Rows:    req.Rows,
		Staged:  req.Staged,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp := LaunchBatchResponse{BatchID: b.ID, Status: b.Status}
	if b.Staged {
		resp.TestRunSize = b.TestRunSize
	}
	c.JSON(http.StatusCreated, resp)
}

// ListBatches handles GET /batches.
func (s *Server) ListBatches(c *gin.Context) {
	items, err := s.batches.List(c.Request.Context(), actorFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetBatch handles GET /batches/:id.
func (s *Server) GetBatch(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.ownedBatch(c, id); !ok {
		return
	}
	view, err := s.batches.Status(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ResumeBatch handles POST /batches/:id/resume.
func (s *Server) ResumeBatch(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.ownedBatch(c, id); !ok {
		return
	}
	b, err := s.batches.Resume(c.Request.Context(), id, actorFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// AbortBatch handles POST /batches/:id/abort.
func (s *Server) AbortBatch(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.ownedBatch(c, id); !ok {
		return
	}
	b, err := s.batches.Abort(c.Request.Context(), id, actorFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// RetryBatch handles POST /batches/:id/retry.
func (s *Server) RetryBatch(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.ownedBatch(c, id); !ok {
		return
	}
	b, n, err := s.batches.RetryFailed(c.Request.Context(), id, actorFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": b, "rows_reset": n})
}

// ListBatchAudit handles GET /batches/:id/audit.
func (s *Server) ListBatchAudit(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.ownedBatch(c, id); !ok {
		return
	}
	records, err := s.store.ListAudit(c.Request.Context(), domain.AggregateBatch, id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": records})
}
