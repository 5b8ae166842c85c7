package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tienda/storefront-api/internal/model"
)

type OrderRepository interface {
	// PlaceOrder writes the order, its line snapshots, and the stock
	// decrements of every referenced product in one transaction. Any
	// failure, including an insufficient stock on the last line, rolls
	// the whole thing back.
	PlaceOrder(ctx context.Context, order *model.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Order, error)
	ListByUserID(ctx context.Context, userID uuid.UUID) ([]model.Order, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) (time.Time, error)
	RecordPlacedEvent(ctx context.Context, orderID, userID uuid.UUID) error
}

type pgOrderRepo struct {
	pool        *pgxpool.Pool
	productRepo ProductRepository
}

func NewOrderRepository(pool *pgxpool.Pool, productRepo ProductRepository) OrderRepository {
	return &pgOrderRepo{pool: pool, productRepo: productRepo}
}

func (r *pgOrderRepo) PlaceOrder(ctx context.Context, order *model.Order) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	order.ID = uuid.New()
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (id, user_id, status, total, created_at)
		 VALUES ($1, $2, $3, $4, NOW()) RETURNING created_at`,
		order.ID, order.UserID, order.Status, order.Total,
	).Scan(&order.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range order.Items {
		order.Items[i].ID = uuid.New()
		order.Items[i].OrderID = order.ID
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (id, order_id, product_id, name, price, quantity)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			order.Items[i].ID, order.Items[i].OrderID, order.Items[i].ProductID,
			order.Items[i].Name, order.Items[i].Price, order.Items[i].Quantity,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}

		if err = r.productRepo.DecrementStock(ctx, tx, order.Items[i].ProductID, order.Items[i].Quantity); err != nil {
			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit order: %w", err)
	}
	return nil
}

func (r *pgOrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	order := &model.Order{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, status, total, created_at, completed_at FROM orders WHERE id = $1`, id,
	).Scan(&order.ID, &order.UserID, &order.Status, &order.Total, &order.CreatedAt, &order.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, product_id, name, price, quantity FROM order_items WHERE order_id = $1`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item model.OrderItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Name, &item.Price, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.OrderID = order.ID
		order.Items = append(order.Items, item)
	}
	return order, nil
}

func (r *pgOrderRepo) ListByUserID(ctx context.Context, userID uuid.UUID) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, status, total, created_at, completed_at FROM orders
		 WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		o.UserID = userID
		if err := rows.Scan(&o.ID, &o.Status, &o.Total, &o.CreatedAt, &o.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// MarkCompleted transitions a pending order to completed and stamps the
// completion time. Returns pgx.ErrNoRows if the order is missing or not
// pending; the caller decides which case it was.
func (r *pgOrderRepo) MarkCompleted(ctx context.Context, id uuid.UUID) (time.Time, error) {
	var completedAt time.Time
	err := r.pool.QueryRow(ctx,
		`UPDATE orders SET status = 'completed', completed_at = NOW()
		 WHERE id = $1 AND status = 'pending' RETURNING completed_at`, id,
	).Scan(&completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, pgx.ErrNoRows
		}
		return time.Time{}, fmt.Errorf("mark order completed: %w", err)
	}
	return completedAt, nil
}

func (r *pgOrderRepo) RecordPlacedEvent(ctx context.Context, orderID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO order_events (id, order_id, user_id, kind, created_at)
		 VALUES ($1, $2, $3, 'order.placed', NOW())`,
		uuid.New(), orderID, userID,
	)
	if err != nil {
		return fmt.Errorf("record order event: %w", err)
	}
	return nil
}

// IsRetryable reports whether a transaction failed for a reason that a
// fresh attempt can resolve: serialization conflict, deadlock, or a
// dropped connection.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return pgconn.SafeToRetry(err)
}
