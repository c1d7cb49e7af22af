package cdist

import (
	"context"
	"fmt"

	"cdist-go/internal/model"
)

// GetHistory returns the most recent catalog operations, newest first.
func (s *Service) GetHistory(ctx context.Context, limit int) ([]*model.SyncOperation, error) {
	ops, err := s.catalog.ListSyncOperations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	return ops, nil
}
