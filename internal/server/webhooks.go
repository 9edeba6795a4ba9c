package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/memberware/treasury/internal/webhook/domain"
)

// HandleProviderWebhook ingests one provider delivery. Replays of
// processed events and event types the system does not track are
// acknowledged with 200 so the provider stops redelivering them.
func (s *Server) HandleProviderWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, webhookdomain.ErrEventAlreadyProcessed) || errors.Is(err, webhookdomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		AbortWithError(c, err)
		return
	}

	resp := gin.H{"status": "ok"}
	if result != nil {
		resp["event_id"] = result.EventID.String()
		resp["deduplicated"] = result.Deduplicated
	}
	c.JSON(http.StatusOK, resp)
}
