package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"

	"github.com/tienda/storefront-api/internal/model"
	"github.com/tienda/storefront-api/internal/repository"
)

var (
	ErrEmptyCart         = errors.New("cart is empty")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderAccessDenied = errors.New("access denied")
	ErrInvalidStatus     = errors.New("invalid status transition")
)

// placeOrderAttempts bounds retries of the checkout transaction on
// transient store failures. Insufficient stock is never retried.
const placeOrderAttempts = 3

type OrderService struct {
	orderRepo   repository.OrderRepository
	cartRepo    repository.CartRepository
	productRepo repository.ProductRepository
	amqpCh      *amqp.Channel
	log         *slog.Logger
}

func NewOrderService(
	orderRepo repository.OrderRepository,
	cartRepo repository.CartRepository,
	productRepo repository.ProductRepository,
	amqpCh *amqp.Channel,
	log *slog.Logger,
) *OrderService {
	if log == nil {
		log = slog.Default()
	}
	return &OrderService{orderRepo: orderRepo, cartRepo: cartRepo, productRepo: productRepo, amqpCh: amqpCh, log: log}
}

// PlaceOrder converts the user's cart into an order. Every line is
// re-validated against the live product, names and prices are snapshotted
// into the order, and the stock decrements happen in one all-or-nothing
// transaction. The cart is emptied only after the order is durably created.
func (s *OrderService) PlaceOrder(ctx context.Context, userID uuid.UUID) (*model.Order, error) {
	cart, err := s.cartRepo.GetOrCreateCart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	cartWithItems, err := s.cartRepo.GetCartWithItems(ctx, cart.ID)
	if err != nil {
		return nil, fmt.Errorf("get cart items: %w", err)
	}
	if cartWithItems == nil || len(cartWithItems.Items) == 0 {
		return nil, ErrEmptyCart
	}

	// Cart contents can go stale between add and checkout, so each line
	// is checked against the live product before the transaction. The
	// conditional decrement inside the transaction is the authoritative
	// check; this pass rejects obviously dead carts without opening one.
	var total decimal.Decimal
	items := make([]model.OrderItem, 0, len(cartWithItems.Items))
	for _, ci := range cartWithItems.Items {
		product, err := s.productRepo.GetByID(ctx, ci.ProductID)
		if err != nil {
			return nil, fmt.Errorf("get product %s: %w", ci.ProductID, err)
		}
		if product == nil {
			return nil, ErrProductNotFound
		}
		if product.Stock < ci.Quantity {
			return nil, ErrInsufficientStock
		}
		total = total.Add(product.Price.Mul(decimal.NewFromInt(int64(ci.Quantity))))
		items = append(items, model.OrderItem{
			ProductID: ci.ProductID,
			Name:      product.Name,
			Price:     product.Price,
			Quantity:  ci.Quantity,
		})
	}

	order := &model.Order{UserID: userID, Status: model.OrderStatusPending, Total: total, Items: items}

	var placeErr error
	for attempt := 1; attempt <= placeOrderAttempts; attempt++ {
		placeErr = s.orderRepo.PlaceOrder(ctx, order)
		if placeErr == nil {
			break
		}
		if errors.Is(placeErr, repository.ErrInsufficientStock) {
			return nil, ErrInsufficientStock
		}
		if errors.Is(placeErr, repository.ErrProductMissing) {
			return nil, ErrProductNotFound
		}
		if !repository.IsRetryable(placeErr) {
			return nil, fmt.Errorf("place order: %w", placeErr)
		}
		s.log.Warn("retrying checkout transaction", "attempt", attempt, "error", placeErr)
	}
	if placeErr != nil {
		return nil, fmt.Errorf("place order after %d attempts: %w", placeOrderAttempts, placeErr)
	}

	if err := s.cartRepo.ClearCart(ctx, cart.ID); err != nil {
		// The order is already durable; an uncleared cart is recoverable.
		s.log.Warn("clear cart after checkout", "user_id", userID, "error", err)
	}

	s.publishOrderPlaced(ctx, order)
	return order, nil
}

func (s *OrderService) publishOrderPlaced(ctx context.Context, order *model.Order) {
	if s.amqpCh == nil {
		return
	}
	msg, err := json.Marshal(model.OrderPlacedMessage{OrderID: order.ID, UserID: order.UserID, Total: order.Total})
	if err != nil {
		return
	}
	if err := s.amqpCh.PublishWithContext(ctx, "", "orders", false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         msg,
		DeliveryMode: amqp.Persistent,
	}); err != nil {
		s.log.Warn("publish order.placed", "order_id", order.ID, "error", err)
	}
}

func (s *OrderService) GetByID(ctx context.Context, orderID, userID uuid.UUID, role string) (*model.Order, error) {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.UserID != userID && role != model.RoleAdmin {
		return nil, ErrOrderAccessDenied
	}
	return order, nil
}

func (s *OrderService) ListByUserID(ctx context.Context, userID uuid.UUID) ([]model.Order, error) {
	return s.orderRepo.ListByUserID(ctx, userID)
}

// UpdateStatus transitions a pending order to completed and stamps the
// completion time. No other transition is defined.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID uuid.UUID, status model.OrderStatus) (*model.Order, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	if status != model.OrderStatusCompleted {
		return nil, ErrInvalidStatus
	}

	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.Status != model.OrderStatusPending {
		return nil, ErrInvalidStatus
	}

	completedAt, err := s.orderRepo.MarkCompleted(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost a race with another transition.
			return nil, ErrInvalidStatus
		}
		return nil, fmt.Errorf("mark completed: %w", err)
	}

	order.Status = model.OrderStatusCompleted
	order.CompletedAt = &completedAt
	return order, nil
}
