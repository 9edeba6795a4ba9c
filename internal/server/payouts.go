package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ReconcilePayout runs one reconciliation pass synchronously and returns
// the recomputed totals. Safe to call repeatedly; the linked sets are
// replaced wholesale each run.
func (s *Server) ReconcilePayout(c *gin.Context) {
	externalPayoutID := strings.TrimSpace(c.Param("external_payout_id"))
	if externalPayoutID == "" {
		AbortWithError(c, newValidationError("external_payout_id", "required", "external_payout_id is required"))
		return
	}

	result, err := s.payoutSvc.Reconcile(c.Request.Context(), externalPayoutID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
