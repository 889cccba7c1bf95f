package orders

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// BulkApprove approves each order independently and reports per-order
// outcomes. Approvals against the same allocation still serialize on its
// budget lock, so a batch can never overspend.
func (s *Service) BulkApprove(ctx context.Context, actorID int64, orderIDs []int64) ([]shared.ItemResult, error) {
	return s.bulk(ctx, orderIDs, func(ctx context.Context, id int64) error {
		_, err := s.Approve(ctx, actorID, id)
		return err
	})
}

// BulkUpdateStatus applies one target status to each order independently.
// Rejections need a reason, which applies to every order in the batch.
func (s *Service) BulkUpdateStatus(ctx context.Context, actorID int64, orderIDs []int64, target shared.OrderStatus, reason string) ([]shared.ItemResult, error) {
	if _, err := shared.ParseOrderStatus(string(target)); err != nil {
		return nil, err
	}
	return s.bulk(ctx, orderIDs, func(ctx context.Context, id int64) error {
		_, err := s.UpdateStatus(ctx, actorID, id, target, reason)
		return err
	})
}

func (s *Service) bulk(ctx context.Context, orderIDs []int64, apply func(context.Context, int64) error) ([]shared.ItemResult, error) {
	ids := shared.UniqueIDs(orderIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one order is required", shared.ErrValidation)
	}
	results := make([]shared.ItemResult, len(ids))
	var g errgroup.Group
	g.SetLimit(s.bulkConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = shared.NewItemResult(id, err)
				return nil
			}
			results[i] = shared.NewItemResult(id, apply(ctx, id))
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
