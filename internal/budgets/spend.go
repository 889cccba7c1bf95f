package budgets

import (
	"context"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

// RecognizedStatusValues lists the order statuses counted as spend, as
// stored in the orders table.
func RecognizedStatusValues() []string {
	statuses := shared.RecognizedOrderStatuses()
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

// RecalculateBudget replaces the budget's spent and remaining with values
// derived from its recognized orders.
func RecalculateBudget(ctx context.Context, ledger Ledger, b Budget) (Budget, error) {
	spent, err := ledger.SumRecognizedSpend(ctx, SpendScope{BudgetID: b.ID})
	if err != nil {
		return Budget{}, err
	}
	b.SpentBudget = spent
	b.RemainingBudget = b.TotalBudget.Sub(spent)
	return b, nil
}

// RecalculateAllocation replaces the allocation's spent and remaining with
// values derived from its recognized orders.
func RecalculateAllocation(ctx context.Context, ledger Ledger, a Allocation) (Allocation, error) {
	spent, err := ledger.SumRecognizedSpend(ctx, SpendScope{AllocationID: a.ID})
	if err != nil {
		return Allocation{}, err
	}
	a.SpentAmount = spent
	a.RemainingAmount = a.AllocatedAmount.Sub(spent)
	return a, nil
}

// RefreshSpendCache locks the budget, and the allocation when allocationID is
// set, recomputes both and writes the cached spent columns. It must run in
// the transaction that changed the orders so the caches commit with them.
func RefreshSpendCache(ctx context.Context, ledger LockingLedger, budgetID, allocationID int64) (Budget, Allocation, error) {
	budget, err := ledger.LockBudget(ctx, budgetID)
	if err != nil {
		return Budget{}, Allocation{}, err
	}
	if budget, err = RecalculateBudget(ctx, ledger, budget); err != nil {
		return Budget{}, Allocation{}, err
	}
	if err := ledger.StoreBudgetSpend(ctx, budget.ID, budget.SpentBudget); err != nil {
		return Budget{}, Allocation{}, err
	}
	if allocationID == 0 {
		return budget, Allocation{}, nil
	}
	alloc, err := ledger.LockAllocation(ctx, allocationID)
	if err != nil {
		return Budget{}, Allocation{}, err
	}
	if alloc, err = RecalculateAllocation(ctx, ledger, alloc); err != nil {
		return Budget{}, Allocation{}, err
	}
	if err := ledger.StoreAllocationSpend(ctx, alloc.ID, alloc.SpentAmount); err != nil {
		return Budget{}, Allocation{}, err
	}
	return budget, alloc, nil
}
