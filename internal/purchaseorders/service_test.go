package purchaseorders

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-spend/internal/shared"
)

type memoryPORepo struct {
	mu       sync.Mutex
	orders   map[int64]SourceOrder
	pos      map[int64]PurchaseOrder
	byOrder  map[int64]int64
	nextID   int64
	hideOnce map[int64]bool
}

type memoryPOTx struct {
	repo *memoryPORepo
}

func newMemoryPORepo() *memoryPORepo {
	return &memoryPORepo{
		orders:   make(map[int64]SourceOrder),
		pos:      make(map[int64]PurchaseOrder),
		byOrder:  make(map[int64]int64),
		hideOnce: make(map[int64]bool),
	}
}

func (r *memoryPORepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos := make(map[int64]PurchaseOrder, len(r.pos))
	for k, v := range r.pos {
		v.Items = append([]Item(nil), v.Items...)
		pos[k] = v
	}
	byOrder := make(map[int64]int64, len(r.byOrder))
	for k, v := range r.byOrder {
		byOrder[k] = v
	}
	if err := fn(ctx, &memoryPOTx{repo: r}); err != nil {
		r.pos = pos
		r.byOrder = byOrder
		return err
	}
	return nil
}

func (r *memoryPORepo) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.pos[id]
	if !ok {
		return PurchaseOrder{}, ErrPurchaseOrderNotFound
	}
	po.Items = append([]Item(nil), po.Items...)
	return po, nil
}

func (r *memoryPORepo) GetByOrder(ctx context.Context, orderID int64) (PurchaseOrder, error) {
	r.mu.Lock()
	id, ok := r.byOrder[orderID]
	r.mu.Unlock()
	if !ok {
		return PurchaseOrder{}, ErrPurchaseOrderNotFound
	}
	return r.GetPurchaseOrder(ctx, id)
}

func (r *memoryPORepo) ListPurchaseOrders(ctx context.Context, filter ListFilter) ([]PurchaseOrder, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PurchaseOrder
	for _, po := range r.pos {
		if po.CompanyID == filter.CompanyID && (filter.Status == "" || po.Status == filter.Status) {
			out = append(out, po)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, len(out), nil
}

func (t *memoryPOTx) LoadSourceOrder(ctx context.Context, orderID int64) (SourceOrder, error) {
	o, ok := t.repo.orders[orderID]
	if !ok {
		return SourceOrder{}, shared.ErrNotFound
	}
	return o, nil
}

func (t *memoryPOTx) FindByOrder(ctx context.Context, orderID int64) (PurchaseOrder, error) {
	id, ok := t.repo.byOrder[orderID]
	if !ok || t.repo.hideOnce[orderID] {
		delete(t.repo.hideOnce, orderID)
		return PurchaseOrder{}, ErrPurchaseOrderNotFound
	}
	return t.repo.pos[id], nil
}

func (t *memoryPOTx) CreatePurchaseOrder(ctx context.Context, po PurchaseOrder) (int64, error) {
	if _, exists := t.repo.byOrder[po.OrderID]; exists {
		return 0, errAlreadyCreated
	}
	t.repo.nextID++
	po.ID = t.repo.nextID
	t.repo.pos[po.ID] = po
	t.repo.byOrder[po.OrderID] = po.ID
	return po.ID, nil
}

func (t *memoryPOTx) InsertItem(ctx context.Context, item Item) (int64, error) {
	t.repo.nextID++
	item.ID = t.repo.nextID
	po := t.repo.pos[item.PurchaseOrderID]
	po.Items = append(po.Items, item)
	t.repo.pos[item.PurchaseOrderID] = po
	return item.ID, nil
}

func (t *memoryPOTx) LockPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, ok := t.repo.pos[id]
	if !ok {
		return PurchaseOrder{}, ErrPurchaseOrderNotFound
	}
	po.Items = append([]Item(nil), po.Items...)
	return po, nil
}

func (t *memoryPOTx) UpdateItemStatus(ctx context.Context, itemID int64, status ItemStatus, at time.Time) error {
	for id, po := range t.repo.pos {
		for i := range po.Items {
			if po.Items[i].ID == itemID {
				items := append([]Item(nil), po.Items...)
				items[i].Status = status
				items[i].UpdatedAt = at
				po.Items = items
				t.repo.pos[id] = po
				return nil
			}
		}
	}
	return ErrItemNotFound
}

func (t *memoryPOTx) Complete(ctx context.Context, id int64, at time.Time) error {
	po := t.repo.pos[id]
	po.Status = StatusCompleted
	po.CompletedAt = &at
	t.repo.pos[id] = po
	return nil
}

type roleMap map[int64]shared.ActorRole

func (m roleMap) RoleFor(ctx context.Context, actorID, companyID int64) (shared.ActorRole, error) {
	role, ok := m[actorID]
	if !ok || companyID != companyID10 {
		return "", shared.ErrUnauthorized
	}
	return role, nil
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

const (
	companyID10 int64 = 10
	adminID     int64 = 1
	memberID    int64 = 2
	vendorID    int64 = 50
)

func newPOFixture(t *testing.T) (*Service, *memoryPORepo, *memoryAudit) {
	t.Helper()
	repo := newMemoryPORepo()
	repo.nextID = 1000
	repo.orders[7] = SourceOrder{ID: 7, CompanyID: companyID10, Status: shared.OrderApproved, Lines: []SourceLine{
		{OrderItemID: 70, CatalogItemID: 3, CatalogType: "apparel", Size: "M", Quantity: 2},
		{OrderItemID: 71, CatalogItemID: 4, CatalogType: "drinkware", Quantity: 5},
	}}
	repo.orders[8] = SourceOrder{ID: 8, CompanyID: companyID10, Status: shared.OrderPendingApproval, Lines: []SourceLine{
		{OrderItemID: 80, CatalogItemID: 3, CatalogType: "apparel", Quantity: 1},
	}}
	audit := &memoryAudit{}
	svc := NewService(repo, roleMap{adminID: shared.RoleAdmin, memberID: shared.RoleMember, vendorID: shared.RoleVendor}, audit, nil)
	svc.now = func() time.Time { return time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC) }
	return svc, repo, audit
}

func TestCreateForOrderIsIdempotent(t *testing.T) {
	svc, _, audit := newPOFixture(t)
	ctx := context.Background()

	po, created, err := svc.CreateForOrder(ctx, 7)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, StatusOpen, po.Status)
	require.Equal(t, companyID10, po.CompanyID)
	require.Regexp(t, `^PO-20250303-[0-9A-F]{8}$`, po.Number)
	require.Len(t, po.Items, 2)
	for _, item := range po.Items {
		require.Equal(t, ItemPending, item.Status)
	}

	again, created, err := svc.CreateForOrder(ctx, 7)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, po.ID, again.ID)
	require.Len(t, audit.logs, 1)
}

func TestCreateForOrderRaceReturnsExisting(t *testing.T) {
	svc, repo, _ := newPOFixture(t)
	ctx := context.Background()
	first, _, err := svc.CreateForOrder(ctx, 7)
	require.NoError(t, err)

	repo.hideOnce[7] = true
	again, created, err := svc.CreateForOrder(ctx, 7)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)
}

func TestCreateForOrderRejectsUnapprovedOrders(t *testing.T) {
	svc, _, _ := newPOFixture(t)
	ctx := context.Background()

	_, _, err := svc.CreateForOrder(ctx, 8)
	require.ErrorIs(t, err, shared.ErrConflict)
	_, _, err = svc.CreateForOrder(ctx, 404)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, _, err = svc.CreateForOrder(ctx, 0)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestItemStatusesMoveForwardAndCompleteAggregate(t *testing.T) {
	svc, _, audit := newPOFixture(t)
	ctx := context.Background()
	po, _, err := svc.CreateForOrder(ctx, 7)
	require.NoError(t, err)
	first, second := po.Items[0].ID, po.Items[1].ID

	_, err = svc.UpdateItemStatus(ctx, memberID, po.ID, first, ItemArtProof)
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	updated, err := svc.UpdateItemStatus(ctx, vendorID, po.ID, first, ItemArtProof)
	require.NoError(t, err)
	require.Equal(t, ItemArtProof, updated.Items[0].Status)

	_, err = svc.UpdateItemStatus(ctx, vendorID, po.ID, first, ItemPending)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, err = svc.UpdateItemStatus(ctx, vendorID, po.ID, first, ItemArtProof)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, err = svc.UpdateItemStatus(ctx, vendorID, po.ID, 99999, ItemCompleted)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.UpdateItemStatus(ctx, vendorID, po.ID, first, "shipped")
	require.ErrorIs(t, err, shared.ErrValidation)

	updated, err = svc.UpdateItemStatus(ctx, vendorID, po.ID, first, ItemCompleted)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, updated.Status)

	_, err = svc.UpdateItemStatus(ctx, adminID, po.ID, second, ItemCompleted)
	require.ErrorIs(t, err, shared.ErrUnauthorized, "admins only read purchase orders")

	updated, err = svc.UpdateItemStatus(ctx, vendorID, po.ID, second, ItemCompleted)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, updated.Status)
	require.NotNil(t, updated.CompletedAt)

	stored, err := svc.Get(ctx, adminID, po.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, stored.Status)

	last := audit.logs[len(audit.logs)-1]
	require.Equal(t, "PO_ITEM_STATUS", last.Action)
	require.Equal(t, shared.AuditEntityPurchaseOrder, last.Entity)
	require.Equal(t, StatusCompleted, last.NewValues["po_status"])
}

func TestListAndGetVisibility(t *testing.T) {
	svc, _, _ := newPOFixture(t)
	ctx := context.Background()
	po, _, err := svc.CreateForOrder(ctx, 7)
	require.NoError(t, err)

	_, err = svc.Get(ctx, memberID, po.ID)
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	list, page, err := svc.List(ctx, vendorID, ListFilter{CompanyID: companyID10})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 1, page.Total)

	list, _, err = svc.List(ctx, adminID, ListFilter{CompanyID: companyID10, Status: StatusCompleted})
	require.NoError(t, err)
	require.Empty(t, list)

	_, _, err = svc.List(ctx, adminID, ListFilter{CompanyID: companyID10, Status: "lost"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestValidateItemTransition(t *testing.T) {
	require.NoError(t, ValidateItemTransition(ItemPending, ItemApproved))
	require.NoError(t, ValidateItemTransition(ItemInProduction, ItemCompleted))
	require.ErrorIs(t, ValidateItemTransition(ItemCompleted, ItemCompleted), shared.ErrInvalidTransition)
	require.ErrorIs(t, ValidateItemTransition(ItemApproved, ItemArtProof), shared.ErrInvalidTransition)
}
