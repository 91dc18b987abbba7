package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/models"
	"github.com/bitcard/fulfillment-engine/internal/repository"
)

// AuditService writes immutable audit trail entries.
type AuditService struct {
	store QueryStore
}

func NewAuditService(store QueryStore) *AuditService {
	return &AuditService{store: store}
}

// AuditRecord is one entry. Before and After are stored under metadata.before/after.
type AuditRecord struct {
	Actor      domain.Actor
	Action     string
	EntityType string
	EntityID   string
	PrevState  string
	NextState  string
	Before     any
	After      any
	Extra      map[string]any
}

// Write stores a single immutable audit record inside the caller's transaction.
func (s *AuditService) Write(ctx context.Context, qtx repository.Querier, rec AuditRecord) error {
	metadata, err := auditMetadata(rec)
	if err != nil {
		return err
	}

	actorType := rec.Actor.Type
	if actorType == "" {
		actorType = domain.RoleSystem
	}
	if _, err := qtx.InsertAuditLog(ctx, repository.InsertAuditLogParams{
		ActorType:  actorType,
		ActorID:    rec.Actor.IDPtr(),
		Action:     rec.Action,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		PrevState:  textParam(rec.PrevState),
		NextState:  textParam(rec.NextState),
		Metadata:   metadata,
	}); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// List returns entries oldest first. Empty filters match everything.
func (s *AuditService) List(ctx context.Context, entityType, entityID string, limit, offset int32) ([]models.AuditEntry, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := s.store.Queries().ListAuditLogs(ctx, repository.ListAuditLogsParams{
		EntityType: entityType,
		EntityID:   entityID,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	out := make([]models.AuditEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.AuditEntryFromRow(row))
	}
	return out, nil
}

func auditMetadata(rec AuditRecord) ([]byte, error) {
	meta := make(map[string]any, len(rec.Extra)+2)
	for k, v := range rec.Extra {
		meta[k] = v
	}
	if rec.Before != nil {
		meta["before"] = rec.Before
	}
	if rec.After != nil {
		meta["after"] = rec.After
	}
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal audit metadata: %w", err)
	}
	return raw, nil
}
