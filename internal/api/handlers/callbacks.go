package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "reelbatch.io/orchestrator/internal/pkg/errors"
	"reelbatch.io/orchestrator/internal/pkg/logger"
	"reelbatch.io/orchestrator/internal/provider"
)

const maxCallbackBody = 1 << 20

// ProviderCallback handles POST /provider/callbacks. The body must be
// signed with the shared callback secret.
func (s *Server) ProviderCallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequest, "unreadable body"))
		return
	}
	if !provider.VerifySignature(s.callbackSecret, body, c.GetHeader(provider.SignatureHeader)) {
		_ = c.Error(apperrors.Unauthorized(apperrors.CodeInvalidSignature, "callback signature mismatch"))
		return
	}

	var st provider.JobStatus
	if err := json.Unmarshal(body, &st); err != nil || st.JobID == "" {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequest, "callback must carry job_id and state"))
		return
	}
	if !st.State.Terminal() {
		// Progress updates are not forwarded; the executor polls for them.
		c.Status(http.StatusAccepted)
		return
	}

	if err := s.callbacks.Publish(c.Request.Context(), st); err != nil {
		logger.Error("Failed to publish provider callback", logger.JobID(st.JobID), zap.Error(err))
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}
