package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "reelbatch.io/orchestrator/internal/pkg/errors"
	"reelbatch.io/orchestrator/internal/repository"
)

func forceParam(c *gin.Context) (bool, bool) {
	raw := c.Query("force")
	if raw == "" {
		return false, true
	}
	force, err := strconv.ParseBool(raw)
	if err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequest, "force must be a boolean"))
		return false, false
	}
	return force, true
}

// StitchBatch handles POST /batches/:id/stitch.
func (s *Server) StitchBatch(c *gin.Context) {
	id := c.Param("id")
	force, ok := forceParam(c)
	if !ok {
		return
	}
	if _, ok := s.ownedBatch(c, id); !ok {
		return
	}
	acc, err := s.stitcher.StitchBatch(c.Request.Context(), id, force, actorFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, acc)
}

// StitchRow handles POST /rows/:id/stitch.
func (s *Server) StitchRow(c *gin.Context) {
	id := c.Param("id")
	force, ok := forceParam(c)
	if !ok {
		return
	}
	row, err := s.store.GetRow(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		_ = c.Error(apperrors.ErrRowNotFound(id))
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	if _, err := s.loadOwnedBatch(c, row.BatchID); err != nil {
		if apperrors.HasCode(err, apperrors.CodeBatchNotFound) {
			err = apperrors.ErrRowNotFound(id)
		}
		_ = c.Error(err)
		return
	}
	acc, err := s.stitcher.StitchRow(c.Request.Context(), id, force, actorFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, acc)
}
