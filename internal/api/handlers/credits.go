package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/ledger"
	apperrors "reelbatch.io/orchestrator/internal/pkg/errors"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

const recentTransactions = 50

// GetCredits handles GET /credits.
func (s *Server) GetCredits(c *gin.Context) {
	ctx := c.Request.Context()
	userID := actorFromCtx(c)

	acct, err := s.ledger.Account(ctx, userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	txs, err := s.ledger.Transactions(ctx, ledger.TxFilter{UserID: userID, Limit: recentTransactions})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct, "transactions": txs})
}

// GrantCreditsRequest is the body of POST /admin/credits/:user_id/grant.
type GrantCreditsRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// GrantCredits handles POST /admin/credits/:user_id/grant.
func (s *Server) GrantCredits(c *gin.Context) {
	ctx := c.Request.Context()
	userID := strings.TrimSpace(c.Param("user_id"))

	var req GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequest, "invalid request body"))
		return
	}
	if req.Amount <= 0 {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidAmount, "amount must be positive").WithParam("amount", req.Amount))
		return
	}
	if userID == "" {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequest, "user_id is required"))
		return
	}

	tx, err := s.ledger.Grant(ctx, userID, req.Amount, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}

	actor := actorFromCtx(c)
	logger.Info("Credits granted",
		logger.UserID(userID),
		zap.Int64("amount", req.Amount),
		zap.String("actor", actor),
	)
	s.events.Emit(ctx, domain.EventCreditsGranted, domain.AggregateAccount, userID, actor, domain.CreditsPayload{
		UserID:    userID,
		Amount:    req.Amount,
		Available: tx.BalanceAfter,
		Actor:     actor,
		Reason:    req.Reason,
	})
	c.JSON(http.StatusOK, tx)
}
