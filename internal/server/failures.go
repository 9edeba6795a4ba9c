package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	reprocessdomain "github.com/memberware/treasury/internal/reprocess/domain"
	"github.com/memberware/treasury/pkg/db/pagination"
)

type listFailuresQuery struct {
	PageToken  string `form:"page_token"`
	PageSize   int    `form:"page_size"`
	Kind       string `form:"kind"`
	Provider   string `form:"provider"`
	EventType  string `form:"event_type"`
	EntityType string `form:"entity_type"`
	Since      string `form:"since"`
}

func (s *Server) ListFailures(c *gin.Context) {
	filter, err := bindFailureFilter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.reprocessSvc.ListFailed(c.Request.Context(), *filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Records, "page_info": resp.PageInfo})
}

func (s *Server) GetFailureStats(c *gin.Context) {
	stats, err := s.reprocessSvc.Stats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Server) RetryFailure(c *gin.Context) {
	kind, id, err := failureTarget(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.reprocessSvc.RetryOne(c.Request.Context(), kind, id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "retried", "kind": string(kind), "id": id.String()})
}

// RetryAllFailures retries every failed record matching the filter.
// With ?dry_run=true it only reports what would be retried.
func (s *Server) RetryAllFailures(c *gin.Context) {
	filter, err := bindFailureFilter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	dryRun, err := parseOptionalBool(c.Query("dry_run"))
	if err != nil {
		AbortWithError(c, newValidationError("dry_run", "invalid_dry_run", "invalid dry_run"))
		return
	}

	result, err := s.reprocessSvc.RetryAll(c.Request.Context(), *filter, dryRun != nil && *dryRun)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ResetFailure(c *gin.Context) {
	kind, id, err := failureTarget(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.reprocessSvc.ResetToPending(c.Request.Context(), kind, id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "reset", "kind": string(kind), "id": id.String()})
}

func bindFailureFilter(c *gin.Context) (*reprocessdomain.Filter, error) {
	var query listFailuresQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		return nil, invalidRequestError()
	}

	since, err := parseOptionalTime(query.Since, false)
	if err != nil {
		return nil, newValidationError("since", "invalid_since", "invalid since")
	}

	return &reprocessdomain.Filter{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Kind:       reprocessdomain.Kind(strings.TrimSpace(query.Kind)),
		Provider:   strings.TrimSpace(query.Provider),
		EventType:  strings.TrimSpace(query.EventType),
		EntityType: strings.TrimSpace(query.EntityType),
		Since:      since,
	}, nil
}

func failureTarget(c *gin.Context) (reprocessdomain.Kind, snowflake.ID, error) {
	kind := reprocessdomain.Kind(strings.TrimSpace(c.Param("kind")))
	if !reprocessdomain.KnownKind(kind) {
		return "", 0, reprocessdomain.ErrUnknownKind
	}

	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id == 0 {
		return "", 0, newValidationError("id", "invalid_id", "invalid record id")
	}

	return kind, id, nil
}
