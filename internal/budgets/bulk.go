package budgets

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// BulkAllocate grants the same amount to each member in turn. Members are
// processed sequentially because every allocation locks the same budget
// row; one failure never stops the rest.
func (s *Service) BulkAllocate(ctx context.Context, actorID, budgetID int64, memberIDs []int64, amount decimal.Decimal) ([]shared.ItemResult, error) {
	ids := shared.UniqueIDs(memberIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one member is required", shared.ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: allocation amount must be positive", shared.ErrValidation)
	}
	budget, err := s.repo.GetBudget(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.RequireCompanyAdmin(ctx, actorID, budget.CompanyID); err != nil {
		return nil, err
	}
	results := make([]shared.ItemResult, 0, len(ids))
	for _, memberID := range ids {
		if err := ctx.Err(); err != nil {
			results = append(results, shared.NewItemResult(memberID, err))
			continue
		}
		_, err := s.Allocate(ctx, actorID, AllocateInput{BudgetID: budgetID, MemberID: memberID, Amount: amount})
		results = append(results, shared.NewItemResult(memberID, err))
	}
	return results, nil
}
