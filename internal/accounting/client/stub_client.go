package client

import (
	"context"
	"fmt"

	domain "github.com/memberware/treasury/internal/accounting/domain"
	"go.uber.org/zap"
)

// StubClient acknowledges every record locally. Used in environments
// without an accounting system so the sync pipeline still exercises its
// full state machine.
type StubClient struct {
	log *zap.Logger
}

func NewStubClient(log *zap.Logger) *StubClient {
	return &StubClient{log: log.Named("accounting.stub")}
}

func (c *StubClient) SyncRecord(ctx context.Context, record domain.SyncRecord) (*domain.SyncResult, error) {
	c.log.Debug("accounting.stub.synced",
		zap.String("entity_type", record.EntityType),
		zap.String("entity_id", record.EntityID.String()),
		zap.String("reference", record.Reference),
		zap.Int64("amount", record.Amount),
	)
	return &domain.SyncResult{
		ExternalID: fmt.Sprintf("stub_%s_%s", record.EntityType, record.EntityID.String()),
	}, nil
}
