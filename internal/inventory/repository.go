package inventory

import (
	"context"
	"database/sql"
	"errors"

	"github.com/joao-fontenele/harborline/internal/domain"
)

type InventoryRepository struct {
	db *sql.DB
}

func NewInventoryRepository(db *sql.DB) *InventoryRepository {
	return &InventoryRepository{db: db}
}

func (r *InventoryRepository) List(ctx context.Context) ([]domain.StockLevel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sku, available, reserved
		FROM stock
		ORDER BY sku
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	levels := []domain.StockLevel{}
	for rows.Next() {
		var level domain.StockLevel
		if err := rows.Scan(&level.SKU, &level.Available, &level.Reserved); err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return levels, nil
}

func (r *InventoryRepository) Stock(ctx context.Context, sku string) (*domain.StockLevel, error) {
	level := &domain.StockLevel{}

	err := r.db.QueryRowContext(ctx, `
		SELECT sku, available, reserved
		FROM stock
		WHERE sku = $1
	`, sku).Scan(&level.SKU, &level.Available, &level.Reserved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return level, nil
}

func (r *InventoryRepository) Hold(ctx context.Context, orderID string, lines []domain.ReservationLine) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, line := range lines {
		result, err := tx.ExecContext(ctx, `
			UPDATE stock
			SET available = available - $2, reserved = reserved + $2
			WHERE sku = $1 AND available >= $2
		`, line.SKU, line.Quantity)
		if err != nil {
			return err
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsAffected == 0 {
			return ErrInsufficientStock
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reservations (order_id, sku, quantity, status)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (order_id, sku) DO UPDATE
			SET quantity = EXCLUDED.quantity, status = EXCLUDED.status
		`, orderID, line.SKU, line.Quantity, domain.ReservationStatusPending)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *InventoryRepository) Release(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT order_id, sku, quantity, status
		FROM reservations
		WHERE order_id = $1 AND status IN ($2, $3)
		ORDER BY sku
		FOR UPDATE
	`, orderID, domain.ReservationStatusPending, domain.ReservationStatusConfirmed)
	if err != nil {
		return nil, err
	}
	held, err := scanReservations(rows)
	if err != nil {
		return nil, err
	}

	for i := range held {
		_, err = tx.ExecContext(ctx, `
			UPDATE stock
			SET available = available + $2, reserved = reserved - $2
			WHERE sku = $1 AND reserved >= $2
		`, held[i].SKU, held[i].Quantity)
		if err != nil {
			return nil, err
		}
		held[i].Status = domain.ReservationStatusReleased
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE reservations SET status = $2
		WHERE order_id = $1 AND status IN ($3, $4)
	`, orderID, domain.ReservationStatusReleased, domain.ReservationStatusPending, domain.ReservationStatusConfirmed)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return held, nil
}

func (r *InventoryRepository) Confirm(ctx context.Context, orderID string) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE reservations SET status = $2
		WHERE order_id = $1 AND status = $3
	`, orderID, domain.ReservationStatusConfirmed, domain.ReservationStatusPending)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (r *InventoryRepository) Reservations(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, sku, quantity, status
		FROM reservations
		WHERE order_id = $1
		ORDER BY sku
	`, orderID)
	if err != nil {
		return nil, err
	}
	return scanReservations(rows)
}

func (r *InventoryRepository) Seed(ctx context.Context, levels []domain.StockLevel) error {
	for _, level := range levels {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO stock (sku, available, reserved)
			VALUES ($1, $2, 0)
			ON CONFLICT (sku) DO NOTHING
		`, level.SKU, level.Available)
		if err != nil {
			return err
		}
	}
	return nil
}

func scanReservations(rows *sql.Rows) ([]domain.Reservation, error) {
	defer func() { _ = rows.Close() }()

	var held []domain.Reservation
	for rows.Next() {
		var r domain.Reservation
		if err := rows.Scan(&r.OrderID, &r.SKU, &r.Quantity, &r.Status); err != nil {
			return nil, err
		}
		held = append(held, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return held, nil
}

var _ Store = (*InventoryRepository)(nil)
var _ Store = (*MemoryStore)(nil)
