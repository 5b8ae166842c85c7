package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tienda/storefront-api/internal/model"
	"github.com/tienda/storefront-api/internal/repository"
)

// mockOrderRepo implements the all-or-nothing placement contract against
// the shared mock product repo: either every line's stock is taken and the
// order exists, or nothing changed.
type mockOrderRepo struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]*model.Order
	products *mockProductRepo
	events   int
}

func newMockOrderRepo(products *mockProductRepo) *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[uuid.UUID]*model.Order), products: products}
}

func (m *mockOrderRepo) PlaceOrder(_ context.Context, order *model.Order) error {
	m.products.mu.Lock()
	defer m.products.mu.Unlock()

	for _, item := range order.Items {
		p, ok := m.products.products[item.ProductID]
		if !ok {
			return repository.ErrProductMissing
		}
		if p.Stock < item.Quantity {
			return repository.ErrInsufficientStock
		}
	}
	for i := range order.Items {
		_ = m.products.decrementLocked(order.Items[i].ProductID, order.Items[i].Quantity)
		order.Items[i].ID = uuid.New()
	}

	order.ID = uuid.New()
	order.CreatedAt = time.Now()
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	cp.Items = append([]model.OrderItem(nil), order.Items...)
	m.orders[order.ID] = &cp
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	cp.Items = append([]model.OrderItem(nil), o.Items...)
	return &cp, nil
}

func (m *mockOrderRepo) ListByUserID(_ context.Context, userID uuid.UUID) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orders []model.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

func (m *mockOrderRepo) MarkCompleted(_ context.Context, id uuid.UUID) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != model.OrderStatusPending {
		return time.Time{}, pgx.ErrNoRows
	}
	now := time.Now()
	o.Status = model.OrderStatusCompleted
	o.CompletedAt = &now
	return now, nil
}

func (m *mockOrderRepo) RecordPlacedEvent(_ context.Context, _, _ uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events++
	return nil
}

type checkoutFixture struct {
	productRepo *mockProductRepo
	cartRepo    *mockCartRepo
	orderRepo   *mockOrderRepo
	cartSvc     *CartService
	orderSvc    *OrderService
}

func newCheckoutFixture() *checkoutFixture {
	productRepo := newMockProductRepo()
	cartRepo := newMockCartRepo()
	orderRepo := newMockOrderRepo(productRepo)
	return &checkoutFixture{
		productRepo: productRepo,
		cartRepo:    cartRepo,
		orderRepo:   orderRepo,
		cartSvc:     NewCartService(cartRepo, productRepo),
		orderSvc:    NewOrderService(orderRepo, cartRepo, productRepo, nil, nil),
	}
}

func TestOrderService_PlaceOrder_EmptyCart(t *testing.T) {
	f := newCheckoutFixture()
	_, err := f.orderSvc.PlaceOrder(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestOrderService_PlaceOrder_Success(t *testing.T) {
	f := newCheckoutFixture()
	userID := uuid.New()
	pid := uuid.New()
	f.productRepo.products[pid] = &model.Product{
		ID: pid, Name: "Keyboard", Price: decimal.NewFromFloat(49.50), Stock: 10,
	}

	_, err := f.cartSvc.AddItem(context.Background(), userID, pid, 3)
	require.NoError(t, err)

	order, err := f.orderSvc.PlaceOrder(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusPending, order.Status)
	assert.True(t, order.Total.Equal(decimal.NewFromFloat(148.50)))
	require.Len(t, order.Items, 1)
	assert.Equal(t, "Keyboard", order.Items[0].Name)
	assert.True(t, order.Items[0].Price.Equal(decimal.NewFromFloat(49.50)))
	assert.Equal(t, 3, order.Items[0].Quantity)

	// Stock is decremented and the cart is emptied only after the order
	// is durably created.
	p, _ := f.productRepo.GetByID(context.Background(), pid)
	assert.Equal(t, 7, p.Stock)

	cart, err := f.cartSvc.GetCart(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, cart.Items)
}

func TestOrderService_PlaceOrder_SnapshotSurvivesProductEdit(t *testing.T) {
	f := newCheckoutFixture()
	userID := uuid.New()
	pid := uuid.New()
	f.productRepo.products[pid] = &model.Product{
		ID: pid, Name: "Mug", Price: decimal.NewFromInt(12), Stock: 5,
	}

	_, err := f.cartSvc.AddItem(context.Background(), userID, pid, 1)
	require.NoError(t, err)

	order, err := f.orderSvc.PlaceOrder(context.Background(), userID)
	require.NoError(t, err)

	// Edit the live product after checkout.
	f.productRepo.products[pid].Name = "Renamed"
	f.productRepo.products[pid].Price = decimal.NewFromInt(99)

	stored, err := f.orderRepo.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.Equal(t, "Mug", stored.Items[0].Name)
	assert.True(t, stored.Items[0].Price.Equal(decimal.NewFromInt(12)))
}

func TestOrderService_PlaceOrder_ProductVanished(t *testing.T) {
	f := newCheckoutFixture()
	userID := uuid.New()
	pid := uuid.New()
	f.productRepo.products[pid] = &model.Product{
		ID: pid, Name: "Gone", Price: decimal.NewFromInt(5), Stock: 5,
	}

	_, err := f.cartSvc.AddItem(context.Background(), userID, pid, 1)
	require.NoError(t, err)

	delete(f.productRepo.products, pid)

	_, err = f.orderSvc.PlaceOrder(context.Background(), userID)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestOrderService_PlaceOrder_StaleCartStock(t *testing.T) {
	f := newCheckoutFixture()
	userID := uuid.New()
	pid := uuid.New()
	f.productRepo.products[pid] = &model.Product{
		ID: pid, Name: "Scarce", Price: decimal.NewFromInt(5), Stock: 5,
	}

	_, err := f.cartSvc.AddItem(context.Background(), userID, pid, 5)
	require.NoError(t, err)

	// Stock shrank between add and checkout.
	f.productRepo.products[pid].Stock = 2

	_, err = f.orderSvc.PlaceOrder(context.Background(), userID)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	// Nothing was committed.
	assert.Equal(t, 2, f.productRepo.products[pid].Stock)
	cart, err := f.cartSvc.GetCart(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
}

func TestOrderService_PlaceOrder_ConcurrentCheckoutsOneWins(t *testing.T) {
	f := newCheckoutFixture()
	pid := uuid.New()
	f.productRepo.products[pid] = &model.Product{
		ID: pid, Name: "Last one", Price: decimal.NewFromInt(30), Stock: 1,
	}

	userA, userB := uuid.New(), uuid.New()
	_, err := f.cartSvc.AddItem(context.Background(), userA, pid, 1)
	require.NoError(t, err)
	_, err = f.cartSvc.AddItem(context.Background(), userB, pid, 1)
	require.NoError(t, err)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, userID := range []uuid.UUID{userA, userB} {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := f.orderSvc.PlaceOrder(context.Background(), id)
			errs <- err
		}(userID)
	}
	wg.Wait()
	close(errs)

	var successes, insufficient int
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case assert.ErrorIs(t, err, ErrInsufficientStock):
			insufficient++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, insufficient)

	p, _ := f.productRepo.GetByID(context.Background(), pid)
	assert.Equal(t, 0, p.Stock)
}

func TestOrderService_GetByID_OwnerAndAdmin(t *testing.T) {
	f := newCheckoutFixture()
	userID := uuid.New()
	orderID := uuid.New()
	f.orderRepo.orders[orderID] = &model.Order{
		ID: orderID, UserID: userID, Status: model.OrderStatusPending,
		Total: decimal.NewFromInt(50), CreatedAt: time.Now(),
	}

	order, err := f.orderSvc.GetByID(context.Background(), orderID, userID, model.RoleUser)
	require.NoError(t, err)
	assert.Equal(t, orderID, order.ID)

	// Admin sees anyone's order.
	_, err = f.orderSvc.GetByID(context.Background(), orderID, uuid.New(), model.RoleAdmin)
	require.NoError(t, err)

	// Another plain user does not.
	_, err = f.orderSvc.GetByID(context.Background(), orderID, uuid.New(), model.RoleUser)
	assert.ErrorIs(t, err, ErrOrderAccessDenied)
}

func TestOrderService_GetByID_NotFound(t *testing.T) {
	f := newCheckoutFixture()
	_, err := f.orderSvc.GetByID(context.Background(), uuid.New(), uuid.New(), model.RoleUser)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestOrderService_UpdateStatus_PendingToCompleted(t *testing.T) {
	f := newCheckoutFixture()
	orderID := uuid.New()
	f.orderRepo.orders[orderID] = &model.Order{
		ID: orderID, UserID: uuid.New(), Status: model.OrderStatusPending,
	}

	order, err := f.orderSvc.UpdateStatus(context.Background(), orderID, model.OrderStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, order.Status)
	require.NotNil(t, order.CompletedAt)
	assert.False(t, order.CompletedAt.IsZero())
}

func TestOrderService_UpdateStatus_RejectsOtherTransitions(t *testing.T) {
	f := newCheckoutFixture()
	orderID := uuid.New()
	f.orderRepo.orders[orderID] = &model.Order{
		ID: orderID, UserID: uuid.New(), Status: model.OrderStatusCompleted,
	}

	// completed is terminal.
	_, err := f.orderSvc.UpdateStatus(context.Background(), orderID, model.OrderStatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	// Back to pending is not a defined transition.
	_, err = f.orderSvc.UpdateStatus(context.Background(), orderID, model.OrderStatusPending)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	// Unknown status value.
	_, err = f.orderSvc.UpdateStatus(context.Background(), orderID, model.OrderStatus("shipped"))
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestOrderService_UpdateStatus_NotFound(t *testing.T) {
	f := newCheckoutFixture()
	_, err := f.orderSvc.UpdateStatus(context.Background(), uuid.New(), model.OrderStatusCompleted)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
