package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/memberware/treasury/internal/accounting/domain"
	"github.com/memberware/treasury/internal/config"
	obstracing "github.com/memberware/treasury/internal/observability/tracing"
	"go.uber.org/zap"
)

const (
	requestTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20
)

// HTTPClient pushes sync records to the external accounting system's REST
// API. Transport failures and throttling statuses come back as retryable
// sync errors; other client errors are terminal.
type HTTPClient struct {
	log     *zap.Logger
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewHTTPClient(log *zap.Logger, cfg config.AccountingConfig) *HTTPClient {
	return &HTTPClient{
		log:     log.Named("accounting.client"),
		client:  obstracing.WrapHTTPClient(&http.Client{Timeout: requestTimeout}, "accounting"),
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
	}
}

type syncRequest struct {
	RecordType  string         `json:"record_type"`
	Reference   string         `json:"reference"`
	Amount      int64          `json:"amount"`
	Currency    string         `json:"currency"`
	Description string         `json:"description,omitempty"`
	OccurredAt  string         `json:"occurred_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type syncResponse struct {
	ID string `json:"id"`
}

func (c *HTTPClient) SyncRecord(ctx context.Context, record domain.SyncRecord) (*domain.SyncResult, error) {
	payload, err := json.Marshal(syncRequest{
		RecordType:  record.EntityType,
		Reference:   record.Reference,
		Amount:      record.Amount,
		Currency:    record.Currency,
		Description: record.Description,
		OccurredAt:  record.OccurredAt.UTC().Format(time.RFC3339),
		Metadata:    record.Metadata,
	})
	if err != nil {
		return nil, &domain.SyncError{Reason: fmt.Sprintf("encode record: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/records", bytes.NewReader(payload))
	if err != nil {
		return nil, &domain.SyncError{Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", record.IdempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &domain.SyncError{Reason: fmt.Sprintf("accounting request: %v", err), Retryable: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &domain.SyncError{Reason: fmt.Sprintf("read response: %v", err), Retryable: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		syncErr := classifyStatus(resp.StatusCode, data)
		c.log.Warn("accounting.client.rejected",
			zap.String("entity_type", record.EntityType),
			zap.String("entity_id", record.EntityID.String()),
			zap.Int("status", resp.StatusCode),
			zap.Bool("retryable", syncErr.Retryable),
		)
		return nil, syncErr
	}

	var out syncResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &domain.SyncError{Reason: fmt.Sprintf("decode response: %v", err), Retryable: true}
	}
	if out.ID == "" {
		return nil, &domain.SyncError{Reason: "accounting response missing record id", Retryable: true}
	}
	return &domain.SyncResult{ExternalID: out.ID}, nil
}

func classifyStatus(status int, body []byte) *domain.SyncError {
	reason := fmt.Sprintf("accounting api status %d", status)
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil {
		switch {
		case apiErr.Error != "":
			reason = fmt.Sprintf("%s: %s", reason, apiErr.Error)
		case apiErr.Message != "":
			reason = fmt.Sprintf("%s: %s", reason, apiErr.Message)
		}
	}
	retryable := status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
	return &domain.SyncError{Reason: reason, Retryable: retryable}
}
