package service

import (
	"context"

	"github.com/bitcard/fulfillment-engine/internal/repository"
)

// QueryStore defines the minimal data access contract required by services.
type QueryStore interface {
	Queries() repository.Querier
	RunInTx(ctx context.Context, fn func(q repository.Querier) error) error
}
