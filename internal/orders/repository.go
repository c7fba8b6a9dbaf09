package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/harborline/internal/domain"
)

// OrderRepository stores orders in Postgres. Payment intent and shipment are
// kept as JSONB columns on the order row.
type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	payment, shipment, err := encodeDetails(order)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, currency, status, total, note, payment, shipment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, order.ID, order.CustomerID, order.Currency, order.Status, order.Total, order.Note,
		payment, shipment, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return err
	}

	for i, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, position, sku, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New().String(), order.ID, i, item.SKU, item.Quantity, item.UnitPrice)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Update stores the mutable fields of order. Items are never rewritten.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	payment, shipment, err := encodeDetails(order)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, payment = $3, shipment = $4, updated_at = $5
		WHERE id = $1
	`, order.ID, order.Status, payment, shipment, order.UpdatedAt)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrNotFound)
	}
	return nil
}

const selectOrder = `
	SELECT id, customer_id, currency, status, total, note, payment, shipment, created_at, updated_at
	FROM orders`

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	order, err := scanOrder(r.db.QueryRowContext(ctx, selectOrder+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	orders := map[string]*domain.Order{order.ID: order}
	if err := r.loadItems(ctx, orders, []string{order.ID}); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) List(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := r.db.QueryContext(ctx, selectOrder+`
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id
		LIMIT $2
	`, status, limitArg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		order.Items = []domain.OrderItem{}
		orderMap[order.ID] = order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	if err := r.loadItems(ctx, orderMap, orderIDs); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, orders map[string]*domain.Order, ids []string) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, sku, quantity, unit_price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.SKU, &item.Quantity, &item.UnitPrice); err != nil {
			return err
		}
		order := orders[orderID]
		order.Items = append(order.Items, item)
	}

	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*domain.Order, error) {
	order := &domain.Order{}
	var payment, shipment []byte
	err := row.Scan(&order.ID, &order.CustomerID, &order.Currency, &order.Status, &order.Total,
		&order.Note, &payment, &shipment, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(payment) > 0 {
		order.Payment = &domain.PaymentIntent{}
		if err := json.Unmarshal(payment, order.Payment); err != nil {
			return nil, fmt.Errorf("decode payment: %w", err)
		}
	}
	if len(shipment) > 0 {
		order.Shipment = &domain.Shipment{}
		if err := json.Unmarshal(shipment, order.Shipment); err != nil {
			return nil, fmt.Errorf("decode shipment: %w", err)
		}
	}
	return order, nil
}

// encodeDetails returns the JSONB column values for order, nil meaning NULL.
func encodeDetails(order domain.Order) (payment, shipment any, err error) {
	if order.Payment != nil {
		body, err := json.Marshal(order.Payment)
		if err != nil {
			return nil, nil, fmt.Errorf("encode payment: %w", err)
		}
		payment = string(body)
	}
	if order.Shipment != nil {
		body, err := json.Marshal(order.Shipment)
		if err != nil {
			return nil, nil, fmt.Errorf("encode shipment: %w", err)
		}
		shipment = string(body)
	}
	return payment, shipment, nil
}

var _ Repository = (*OrderRepository)(nil)
var _ Repository = (*MemoryRepository)(nil)
