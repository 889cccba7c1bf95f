package budgets

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

type memoryOrder struct {
	budgetID     int64
	allocationID int64
	total        decimal.Decimal
	status       shared.OrderStatus
}

type memoryBudgetRepo struct {
	mu          sync.Mutex
	budgets     map[int64]Budget
	allocations map[int64]Allocation
	orders      []memoryOrder
	nextID      int64
}

type memoryBudgetTx struct {
	repo *memoryBudgetRepo
}

type memoryLedgerView struct {
	repo *memoryBudgetRepo
}

func newMemoryBudgetRepo() *memoryBudgetRepo {
	return &memoryBudgetRepo{
		budgets:     make(map[int64]Budget),
		allocations: make(map[int64]Allocation),
	}
}

func (r *memoryBudgetRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	budgets := make(map[int64]Budget, len(r.budgets))
	for k, v := range r.budgets {
		budgets[k] = v
	}
	allocations := make(map[int64]Allocation, len(r.allocations))
	for k, v := range r.allocations {
		allocations[k] = v
	}
	if err := fn(ctx, &memoryBudgetTx{repo: r}); err != nil {
		r.budgets = budgets
		r.allocations = allocations
		return err
	}
	return nil
}

func (r *memoryBudgetRepo) Ledger() Ledger {
	return &memoryLedgerView{repo: r}
}

func (r *memoryBudgetRepo) GetBudget(ctx context.Context, id int64) (Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.budget(id)
}

func (r *memoryBudgetRepo) ListBudgets(ctx context.Context, companyID int64, status Status) ([]Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Budget
	for id := int64(1); id <= r.nextID; id++ {
		b, ok := r.budgets[id]
		if !ok || b.CompanyID != companyID || (status != "" && b.Status != status) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *memoryBudgetRepo) GetAllocation(ctx context.Context, id int64) (Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocation(id)
}

func (r *memoryBudgetRepo) ListAllocations(ctx context.Context, budgetID int64) ([]Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocationsOf(budgetID), nil
}

func (r *memoryBudgetRepo) ListExpiredActive(ctx context.Context, now time.Time) ([]Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Budget
	for _, b := range r.budgets {
		if b.Status == StatusActive && !b.PeriodEnd.After(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memoryBudgetRepo) ListActive(ctx context.Context) ([]Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Budget
	for _, b := range r.budgets {
		if b.Status == StatusActive {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memoryBudgetRepo) addOrder(budgetID, allocationID int64, total string, status shared.OrderStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, memoryOrder{budgetID: budgetID, allocationID: allocationID, total: decimal.RequireFromString(total), status: status})
}

func (r *memoryBudgetRepo) setOrderStatus(index int, status shared.OrderStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[index].status = status
}

func (r *memoryBudgetRepo) budget(id int64) (Budget, error) {
	b, ok := r.budgets[id]
	if !ok {
		return Budget{}, ErrBudgetNotFound
	}
	b.RemainingBudget = b.TotalBudget.Sub(b.SpentBudget)
	return b, nil
}

func (r *memoryBudgetRepo) allocation(id int64) (Allocation, error) {
	a, ok := r.allocations[id]
	if !ok {
		return Allocation{}, ErrAllocationNotFound
	}
	a.RemainingAmount = a.AllocatedAmount.Sub(a.SpentAmount)
	return a, nil
}

func (r *memoryBudgetRepo) allocationsOf(budgetID int64) []Allocation {
	var out []Allocation
	for id := int64(1); id <= r.nextID; id++ {
		if a, ok := r.allocations[id]; ok && a.BudgetID == budgetID {
			a.RemainingAmount = a.AllocatedAmount.Sub(a.SpentAmount)
			out = append(out, a)
		}
	}
	return out
}

func (r *memoryBudgetRepo) activeBudgetAt(companyID int64, periodType PeriodType, at time.Time) (Budget, error) {
	for _, b := range r.budgets {
		if b.CompanyID != companyID || b.Status != StatusActive || !b.Window().Contains(at) {
			continue
		}
		if periodType != "" && b.PeriodType != periodType {
			continue
		}
		return r.budget(b.ID)
	}
	return Budget{}, ErrBudgetNotFound
}

func (r *memoryBudgetRepo) findAllocation(budgetID, memberID int64) (Allocation, error) {
	for _, a := range r.allocations {
		if a.BudgetID == budgetID && a.MemberID == memberID {
			return r.allocation(a.ID)
		}
	}
	return Allocation{}, ErrAllocationNotFound
}

func (r *memoryBudgetRepo) sumSpend(scope SpendScope) decimal.Decimal {
	sum := decimal.Zero
	for _, o := range r.orders {
		if !o.status.Recognized() {
			continue
		}
		if (scope.AllocationID > 0 && o.allocationID == scope.AllocationID) ||
			(scope.AllocationID == 0 && o.budgetID == scope.BudgetID) {
			sum = sum.Add(o.total)
		}
	}
	return sum
}

func (v *memoryLedgerView) ActiveBudgetAt(ctx context.Context, companyID int64, periodType PeriodType, at time.Time) (Budget, error) {
	v.repo.mu.Lock()
	defer v.repo.mu.Unlock()
	return v.repo.activeBudgetAt(companyID, periodType, at)
}

func (v *memoryLedgerView) FindAllocation(ctx context.Context, budgetID, memberID int64) (Allocation, error) {
	v.repo.mu.Lock()
	defer v.repo.mu.Unlock()
	return v.repo.findAllocation(budgetID, memberID)
}

func (v *memoryLedgerView) SumRecognizedSpend(ctx context.Context, scope SpendScope) (decimal.Decimal, error) {
	v.repo.mu.Lock()
	defer v.repo.mu.Unlock()
	return v.repo.sumSpend(scope), nil
}

func (t *memoryBudgetTx) ActiveBudgetAt(ctx context.Context, companyID int64, periodType PeriodType, at time.Time) (Budget, error) {
	return t.repo.activeBudgetAt(companyID, periodType, at)
}

func (t *memoryBudgetTx) FindAllocation(ctx context.Context, budgetID, memberID int64) (Allocation, error) {
	return t.repo.findAllocation(budgetID, memberID)
}

func (t *memoryBudgetTx) SumRecognizedSpend(ctx context.Context, scope SpendScope) (decimal.Decimal, error) {
	return t.repo.sumSpend(scope), nil
}

func (t *memoryBudgetTx) LockBudget(ctx context.Context, id int64) (Budget, error) {
	return t.repo.budget(id)
}

func (t *memoryBudgetTx) LockAllocation(ctx context.Context, id int64) (Allocation, error) {
	return t.repo.allocation(id)
}

func (t *memoryBudgetTx) StoreBudgetSpend(ctx context.Context, id int64, spent decimal.Decimal) error {
	b := t.repo.budgets[id]
	b.SpentBudget = spent
	t.repo.budgets[id] = b
	return nil
}

func (t *memoryBudgetTx) StoreAllocationSpend(ctx context.Context, id int64, spent decimal.Decimal) error {
	a := t.repo.allocations[id]
	a.SpentAmount = spent
	t.repo.allocations[id] = a
	return nil
}

func (t *memoryBudgetTx) LockCompanyBudgets(ctx context.Context, companyID int64) error {
	return nil
}

func (t *memoryBudgetTx) ListOverlappingActive(ctx context.Context, companyID int64, window Window) ([]Budget, error) {
	var out []Budget
	for _, b := range t.repo.budgets {
		if b.CompanyID == companyID && b.Status == StatusActive && b.Window().Overlaps(window) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *memoryBudgetTx) CreateBudget(ctx context.Context, b Budget) (int64, error) {
	t.repo.nextID++
	b.ID = t.repo.nextID
	t.repo.budgets[b.ID] = b
	return b.ID, nil
}

func (t *memoryBudgetTx) UpdateBudgetTotal(ctx context.Context, id int64, total decimal.Decimal) error {
	b := t.repo.budgets[id]
	b.TotalBudget = total
	t.repo.budgets[id] = b
	return nil
}

func (t *memoryBudgetTx) UpdateBudgetStatus(ctx context.Context, id int64, status Status) error {
	b := t.repo.budgets[id]
	b.Status = status
	t.repo.budgets[id] = b
	return nil
}

func (t *memoryBudgetTx) SumAllocated(ctx context.Context, budgetID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, a := range t.repo.allocations {
		if a.BudgetID == budgetID {
			sum = sum.Add(a.AllocatedAmount)
		}
	}
	return sum, nil
}

func (t *memoryBudgetTx) SetBudgetAllocated(ctx context.Context, id int64, allocated decimal.Decimal) error {
	b := t.repo.budgets[id]
	b.AllocatedBudget = allocated
	t.repo.budgets[id] = b
	return nil
}

func (t *memoryBudgetTx) CreateAllocation(ctx context.Context, a Allocation) (int64, error) {
	t.repo.nextID++
	a.ID = t.repo.nextID
	t.repo.allocations[a.ID] = a
	return a.ID, nil
}

func (t *memoryBudgetTx) UpdateAllocationAmount(ctx context.Context, id int64, amount decimal.Decimal) error {
	a := t.repo.allocations[id]
	a.AllocatedAmount = amount
	t.repo.allocations[id] = a
	return nil
}

func (t *memoryBudgetTx) ListAllocations(ctx context.Context, budgetID int64) ([]Allocation, error) {
	return t.repo.allocationsOf(budgetID), nil
}

type roleKey struct {
	companyID int64
	userID    int64
}

type fakeAuthorizer struct {
	roles map[roleKey]shared.ActorRole
}

func newFakeAuthorizer() *fakeAuthorizer {
	return &fakeAuthorizer{roles: make(map[roleKey]shared.ActorRole)}
}

func (f *fakeAuthorizer) grant(companyID, userID int64, role shared.ActorRole) {
	f.roles[roleKey{companyID, userID}] = role
}

func (f *fakeAuthorizer) RequireCompanyMember(ctx context.Context, actorID, companyID int64) (shared.ActorRole, error) {
	role, ok := f.roles[roleKey{companyID, actorID}]
	if !ok || role == shared.RoleVendor {
		return "", shared.ErrUnauthorized
	}
	return role, nil
}

func (f *fakeAuthorizer) RequireCompanyAdmin(ctx context.Context, actorID, companyID int64) error {
	if f.roles[roleKey{companyID, actorID}] != shared.RoleAdmin {
		return shared.ErrUnauthorized
	}
	return nil
}

func (f *fakeAuthorizer) IsCompanyMember(ctx context.Context, companyID, userID int64) (bool, error) {
	role, ok := f.roles[roleKey{companyID, userID}]
	return ok && role != shared.RoleVendor, nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (m *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *memoryAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.logs))
	for _, l := range m.logs {
		out = append(out, l.Action)
	}
	return out
}

type gateCounter struct {
	mu      sync.Mutex
	reasons []string
}

func (g *gateCounter) ObserveGate(available bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reasons = append(g.reasons, reason)
}

const (
	companyID int64 = 10
	adminID   int64 = 1
	aliceID   int64 = 2
	bobID     int64 = 3
	carolID   int64 = 4
)

var fixedNow = time.Date(2025, time.February, 14, 9, 30, 0, 0, time.UTC)

type budgetFixture struct {
	repo    *memoryBudgetRepo
	authz   *fakeAuthorizer
	audit   *memoryAudit
	service *Service
	clock   *time.Time
}

func newBudgetFixture(t *testing.T) *budgetFixture {
	t.Helper()
	repo := newMemoryBudgetRepo()
	authz := newFakeAuthorizer()
	authz.grant(companyID, adminID, shared.RoleAdmin)
	authz.grant(companyID, aliceID, shared.RoleMember)
	authz.grant(companyID, bobID, shared.RoleMember)
	authz.grant(companyID, carolID, shared.RoleMember)
	audit := &memoryAudit{}
	now := fixedNow
	f := &budgetFixture{repo: repo, authz: authz, audit: audit, clock: &now}
	f.service = NewService(repo, authz, audit, WithClock(func() time.Time { return *f.clock }))
	return f
}

func money(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func (f *budgetFixture) createBudget(t *testing.T, total string) Budget {
	t.Helper()
	b, err := f.service.CreateBudget(context.Background(), adminID, CreateBudgetInput{
		CompanyID:   companyID,
		PeriodType:  PeriodMonthly,
		TotalBudget: money(total),
	})
	require.NoError(t, err)
	return b
}

func TestCreateBudgetComputesMonthlyWindow(t *testing.T) {
	f := newBudgetFixture(t)
	b := f.createBudget(t, "1000")

	require.Equal(t, StatusActive, b.Status)
	require.Equal(t, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC), b.PeriodStart)
	require.Equal(t, time.Date(2025, time.February, 28, 23, 59, 59, int(999*time.Millisecond), time.UTC), b.Window().LastInstant())
	require.True(t, b.RemainingBudget.Equal(money("1000")))
	require.Equal(t, []string{"BUDGET_CREATE"}, f.audit.actions())
}

func TestCreateBudgetValidation(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateBudget(ctx, adminID, CreateBudgetInput{CompanyID: companyID, PeriodType: PeriodMonthly, TotalBudget: decimal.Zero})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.service.CreateBudget(ctx, adminID, CreateBudgetInput{CompanyID: companyID, PeriodType: "weekly", TotalBudget: money("10")})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.service.CreateBudget(ctx, aliceID, CreateBudgetInput{CompanyID: companyID, PeriodType: PeriodMonthly, TotalBudget: money("10")})
	require.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestCreateBudgetRejectsOverlappingActivePeriod(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	monthly := f.createBudget(t, "1000")

	_, err := f.service.CreateBudget(ctx, adminID, CreateBudgetInput{CompanyID: companyID, PeriodType: PeriodQuarterly, TotalBudget: money("3000")})
	require.ErrorIs(t, err, shared.ErrConflict)

	march, err := f.service.CreateBudget(ctx, adminID, CreateBudgetInput{
		CompanyID:   companyID,
		PeriodType:  PeriodMonthly,
		TotalBudget: money("1000"),
		Anchor:      time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err, "adjacent month does not overlap")
	require.Equal(t, monthly.PeriodEnd, march.PeriodStart)

	_, err = f.service.SetBudgetStatus(ctx, adminID, monthly.ID, StatusCancelled)
	require.NoError(t, err)
	_, err = f.service.CreateBudget(ctx, adminID, CreateBudgetInput{CompanyID: companyID, PeriodType: PeriodMonthly, TotalBudget: money("500")})
	require.NoError(t, err, "cancelled budgets are superseded")
}

func TestAllocateRespectsBudgetTotal(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	b := f.createBudget(t, "1000")

	_, err := f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: aliceID, Amount: money("600")})
	require.NoError(t, err)

	_, err = f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: bobID, Amount: money("600")})
	require.ErrorIs(t, err, shared.ErrBudgetExceeded)

	alloc, err := f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: bobID, Amount: money("400")})
	require.NoError(t, err, "600 + 400 hits the total exactly")
	require.True(t, alloc.RemainingAmount.Equal(money("400")))

	stored, err := f.repo.GetBudget(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, stored.AllocatedBudget.Equal(money("1000")))
}

func TestAllocateRejectsDuplicateAndInvalidInput(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	b := f.createBudget(t, "1000")

	_, err := f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: aliceID, Amount: money("100")})
	require.NoError(t, err)

	_, err = f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: aliceID, Amount: money("100")})
	require.ErrorIs(t, err, shared.ErrDuplicateAllocation)

	_, err = f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: bobID, Amount: money("-5")})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: 99, Amount: money("5")})
	require.ErrorIs(t, err, shared.ErrValidation, "outsiders cannot hold allocations")

	_, err = f.service.Allocate(ctx, aliceID, AllocateInput{BudgetID: b.ID, MemberID: bobID, Amount: money("5")})
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	_, err = f.service.SetBudgetStatus(ctx, adminID, b.ID, StatusCompleted)
	require.NoError(t, err)
	_, err = f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: bobID, Amount: money("5")})
	require.ErrorIs(t, err, ErrBudgetNotActive)
}

func TestConcurrentAllocationsNeverExceedTotal(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	b := f.createBudget(t, "1000")

	const members = 12
	for i := 0; i < members; i++ {
		f.authz.grant(companyID, int64(100+i), shared.RoleMember)
	}
	var wg sync.WaitGroup
	errs := make([]error, members)
	for i := 0; i < members; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: int64(100 + i), Amount: money("200")})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, shared.ErrBudgetExceeded)
	}
	require.Equal(t, 5, succeeded)

	allocations, err := f.repo.ListAllocations(ctx, b.ID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, a := range allocations {
		sum = sum.Add(a.AllocatedAmount)
	}
	require.True(t, sum.LessThanOrEqual(b.TotalBudget))
}

func TestUpdateAllocationCannotShrinkBelowSpend(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	b := f.createBudget(t, "1000")
	alloc, err := f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: aliceID, Amount: money("500")})
	require.NoError(t, err)
	f.repo.addOrder(b.ID, alloc.ID, "300", shared.OrderApproved)

	_, err = f.service.UpdateAllocation(ctx, adminID, alloc.ID, money("299.99"))
	require.ErrorIs(t, err, shared.ErrInvalidReduction)
	unchanged, err := f.repo.GetAllocation(ctx, alloc.ID)
	require.NoError(t, err)
	require.True(t, unchanged.AllocatedAmount.Equal(money("500")))

	updated, err := f.service.UpdateAllocation(ctx, adminID, alloc.ID, money("300"))
	require.NoError(t, err)
	require.True(t, updated.RemainingAmount.IsZero())
	require.True(t, updated.SpentAmount.Equal(money("300")))
}

func TestMissingBudgetAndAllocationMapToNotFound(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()

	_, err := f.service.UpdateAllocation(ctx, adminID, 404, money("10"))
	require.ErrorIs(t, err, ErrAllocationNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.service.Summary(ctx, adminID, 404)
	require.ErrorIs(t, err, ErrBudgetNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUpdateAllocationKeepsSumWithinTotal(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	b := f.createBudget(t, "1000")
	a, err := f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: aliceID, Amount: money("600")})
	require.NoError(t, err)
	_, err = f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: bobID, Amount: money("300")})
	require.NoError(t, err)

	_, err = f.service.UpdateAllocation(ctx, adminID, a.ID, money("701"))
	require.ErrorIs(t, err, shared.ErrBudgetExceeded)

	_, err = f.service.UpdateAllocation(ctx, adminID, a.ID, money("700"))
	require.NoError(t, err)

	stored, err := f.repo.GetBudget(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, stored.AllocatedBudget.Equal(money("1000")))
}

func TestRecalculationIgnoresUnrecognizedOrders(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	b := f.createBudget(t, "1000")
	a, err := f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: aliceID, Amount: money("500")})
	require.NoError(t, err)

	f.repo.addOrder(b.ID, a.ID, "100", shared.OrderApproved)
	f.repo.addOrder(b.ID, a.ID, "50.25", shared.OrderShipped)
	f.repo.addOrder(b.ID, a.ID, "75", shared.OrderPendingApproval)
	f.repo.addOrder(b.ID, a.ID, "20", shared.OrderRejected)

	ledger := f.repo.Ledger()
	first, err := RecalculateAllocation(ctx, ledger, a)
	require.NoError(t, err)
	require.True(t, first.SpentAmount.Equal(money("150.25")))
	second, err := RecalculateAllocation(ctx, ledger, a)
	require.NoError(t, err)
	require.True(t, first.SpentAmount.Equal(second.SpentAmount))

	f.repo.setOrderStatus(1, shared.OrderCancelled)
	after, err := RecalculateAllocation(ctx, ledger, a)
	require.NoError(t, err)
	require.True(t, after.SpentAmount.Equal(money("100")))
	require.True(t, after.RemainingAmount.Equal(money("400")))
}

func TestCheckAvailability(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	observer := &gateCounter{}
	f.service = NewService(f.repo, f.authz, f.audit, WithClock(func() time.Time { return fixedNow }), WithGateObserver(observer))

	out, err := f.service.CheckAvailability(ctx, aliceID, AvailabilityRequest{CompanyID: companyID, Amount: money("1")})
	require.NoError(t, err)
	require.False(t, out.Available)
	require.Equal(t, ReasonNoActiveBudget, out.Reason)

	b := f.createBudget(t, "1000")
	out, err = f.service.CheckAvailability(ctx, aliceID, AvailabilityRequest{CompanyID: companyID, Amount: money("1")})
	require.NoError(t, err)
	require.Equal(t, ReasonNoAllocation, out.Reason)
	require.Equal(t, b.ID, out.BudgetID)

	a, err := f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: aliceID, Amount: money("500")})
	require.NoError(t, err)
	f.repo.addOrder(b.ID, a.ID, "200", shared.OrderApproved)
	f.repo.addOrder(b.ID, a.ID, "300", shared.OrderDelivered)

	out, err = f.service.CheckAvailability(ctx, aliceID, AvailabilityRequest{CompanyID: companyID, Amount: money("1")})
	require.NoError(t, err)
	require.False(t, out.Available)
	require.True(t, out.Remaining.IsZero())
	require.Equal(t, ReasonInsufficientRemaining, out.Reason)
	require.ErrorIs(t, out.Err(), shared.ErrBudgetExceeded)

	out, err = f.service.CheckAvailability(ctx, aliceID, AvailabilityRequest{CompanyID: companyID, Amount: decimal.Zero})
	require.NoError(t, err)
	require.True(t, out.Available)

	_, err = f.service.CheckAvailability(ctx, aliceID, AvailabilityRequest{CompanyID: companyID, MemberID: bobID, Amount: money("1")})
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	out, err = f.service.CheckAvailability(ctx, adminID, AvailabilityRequest{CompanyID: companyID, MemberID: aliceID, PeriodType: PeriodQuarterly, Amount: money("1")})
	require.NoError(t, err)
	require.Equal(t, ReasonNoActiveBudget, out.Reason, "period type narrows the lookup")

	require.Len(t, observer.reasons, 5)
}

func TestRevalidateSeesBudgetStatus(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	b := f.createBudget(t, "1000")
	a, err := f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: aliceID, Amount: money("200")})
	require.NoError(t, err)

	err = f.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		out, err := Revalidate(ctx, tx, b.ID, a.ID, money("150"))
		require.NoError(t, err)
		require.True(t, out.Available)
		return nil
	})
	require.NoError(t, err)

	f.repo.addOrder(b.ID, a.ID, "150", shared.OrderApproved)
	err = f.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		out, err := Revalidate(ctx, tx, b.ID, a.ID, money("100"))
		require.NoError(t, err)
		require.False(t, out.Available)
		require.True(t, out.Remaining.Equal(money("50")))
		return nil
	})
	require.NoError(t, err)

	_, err = f.service.SetBudgetStatus(ctx, adminID, b.ID, StatusCompleted)
	require.NoError(t, err)
	err = f.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		out, err := Revalidate(ctx, tx, b.ID, a.ID, money("1"))
		require.NoError(t, err)
		require.Equal(t, ReasonBudgetNotActive, out.Reason)
		return nil
	})
	require.NoError(t, err)
}

func TestSetBudgetStatusTransitions(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	b := f.createBudget(t, "1000")

	_, err := f.service.SetBudgetStatus(ctx, adminID, b.ID, StatusActive)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	done, err := f.service.SetBudgetStatus(ctx, adminID, b.ID, StatusCompleted)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)

	_, err = f.service.SetBudgetStatus(ctx, adminID, b.ID, StatusCancelled)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	last := f.audit.logs[len(f.audit.logs)-1]
	require.Equal(t, "BUDGET_STATUS", last.Action)
	require.Equal(t, StatusActive, last.OldValues["status"])
	require.Equal(t, StatusCompleted, last.NewValues["status"])
}

func TestUpdateBudgetTotal(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	b := f.createBudget(t, "1000")
	a, err := f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: aliceID, Amount: money("600")})
	require.NoError(t, err)

	_, err = f.service.UpdateBudgetTotal(ctx, adminID, b.ID, money("599"))
	require.ErrorIs(t, err, shared.ErrInvalidReduction)

	updated, err := f.service.UpdateBudgetTotal(ctx, adminID, b.ID, money("1500"))
	require.NoError(t, err)
	require.True(t, updated.TotalBudget.Equal(money("1500")))

	f.repo.addOrder(b.ID, a.ID, "10", shared.OrderApproved)
	_, err = f.service.UpdateBudgetTotal(ctx, adminID, b.ID, money("2000"))
	require.ErrorIs(t, err, ErrBudgetFrozen)
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestSummaryAndRefreshSpend(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	b := f.createBudget(t, "1000")
	a, err := f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: aliceID, Amount: money("400")})
	require.NoError(t, err)
	_, err = f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: bobID, Amount: money("100")})
	require.NoError(t, err)
	f.repo.addOrder(b.ID, a.ID, "125.50", shared.OrderConfirmed)

	summary, err := f.service.Summary(ctx, adminID, b.ID)
	require.NoError(t, err)
	require.True(t, summary.Budget.SpentBudget.Equal(money("125.50")))
	require.True(t, summary.Budget.RemainingBudget.Equal(money("874.50")))
	require.True(t, summary.Unallocated.Equal(money("500")))
	require.Len(t, summary.Allocations, 2)
	require.True(t, summary.Allocations[0].RemainingAmount.Equal(money("274.50")))

	_, err = f.service.Summary(ctx, aliceID, b.ID)
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	cached, err := f.repo.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, cached.SpentAmount.IsZero(), "summary never writes caches")

	_, err = f.service.RefreshSpend(ctx, b.ID)
	require.NoError(t, err)
	cached, err = f.repo.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, cached.SpentAmount.Equal(money("125.50")))
	stored, err := f.repo.GetBudget(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, stored.SpentBudget.Equal(money("125.50")))

	refreshed, err := f.service.RefreshActive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, refreshed)
}

func TestCloseExpired(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	b := f.createBudget(t, "1000")

	closed, err := f.service.CloseExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, closed)

	*f.clock = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	closed, err = f.service.CloseExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, closed)

	stored, err := f.repo.GetBudget(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, stored.Status)
	last := f.audit.logs[len(f.audit.logs)-1]
	require.Zero(t, last.ActorID)
}

func TestBulkAllocateReportsPerMember(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	b := f.createBudget(t, "1000")
	_, err := f.service.Allocate(ctx, adminID, AllocateInput{BudgetID: b.ID, MemberID: bobID, Amount: money("100")})
	require.NoError(t, err)

	results, err := f.service.BulkAllocate(ctx, adminID, b.ID, []int64{aliceID, bobID, 99, aliceID, carolID}, money("450"))
	require.NoError(t, err)
	require.Len(t, results, 4)

	byID := make(map[int64]shared.ItemResult)
	for _, r := range results {
		byID[r.ID] = r
	}
	require.True(t, byID[aliceID].Success)
	require.False(t, byID[bobID].Success)
	require.Contains(t, byID[bobID].Error, shared.ErrDuplicateAllocation.Error())
	require.False(t, byID[99].Success)
	require.True(t, byID[carolID].Success, fmt.Sprintf("%+v", byID[carolID]))

	_, err = f.service.BulkAllocate(ctx, adminID, b.ID, nil, money("1"))
	require.ErrorIs(t, err, shared.ErrValidation)
}
