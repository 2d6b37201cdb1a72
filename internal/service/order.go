package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"beerbot/internal/model"
)

var ErrEmptyOrder = errors.New("order has no number or items")

type OrderService struct {
	db *sql.DB
}

func NewOrderService(db *sql.DB) *OrderService {
	return &OrderService{db: db}
}

func (s *OrderService) Exists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE order_number = $1)`, number,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check order: %w", err)
	}
	return exists, nil
}

// Save inserts the order unless one with the same number is already stored.
// A conflicting insert is not an error; inserted reports which case happened.
func (s *OrderService) Save(ctx context.Context, order model.Order) (bool, error) {
	if order.OrderNumber == "" || len(order.Items) == 0 {
		return false, ErrEmptyOrder
	}

	items, err := json.Marshal(order.Items)
	if err != nil {
		return false, fmt.Errorf("encode items: %w", err)
	}

	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, brewery, purchaser, recipient, items, is_picked_up, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, FALSE, $7)
		ON CONFLICT (order_number) DO NOTHING
	`, order.ID, order.OrderNumber, order.Brewery, order.Purchaser, nullString(order.Recipient), string(items), createdAt)
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *OrderService) GetByNumber(ctx context.Context, number string) (*model.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_number, brewery, purchaser, recipient, items, is_picked_up, picked_up_by, picked_up_at, created_at
		FROM orders
		WHERE order_number = $1
	`, number)

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListUnpicked returns unclaimed orders that carry a purchaser name, oldest
// first. A non-empty purchasers slice restricts the result to those names.
func (s *OrderService) ListUnpicked(ctx context.Context, purchasers []string) ([]model.Order, error) {
	query := `
		SELECT id, order_number, brewery, purchaser, recipient, items, is_picked_up, picked_up_by, picked_up_at, created_at
		FROM orders
		WHERE NOT is_picked_up
		AND purchaser IS NOT NULL`
	var args []any
	if len(purchasers) > 0 {
		query += ` AND purchaser = ANY($1)`
		args = append(args, purchasers)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unpicked: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return orders, nil
}

// MarkPickedUp claims every listed order that is still unclaimed and returns
// the numbers this call claimed. Orders already claimed are left as they are.
func (s *OrderService) MarkPickedUp(ctx context.Context, numbers []string, claimant string) ([]string, error) {
	if len(numbers) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE orders
		SET is_picked_up = TRUE, picked_up_by = $1, picked_up_at = $2
		WHERE order_number = ANY($3) AND NOT is_picked_up
		RETURNING order_number
	`, claimant, time.Now(), numbers)
	if err != nil {
		return nil, fmt.Errorf("mark picked up: %w", err)
	}
	defer rows.Close()

	var claimed []string
	for rows.Next() {
		var number string
		if err := rows.Scan(&number); err != nil {
			return nil, fmt.Errorf("scan claimed order: %w", err)
		}
		claimed = append(claimed, number)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return claimed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var (
		o         model.Order
		purchaser sql.NullString
		recipient sql.NullString
		items     []byte
		pickedBy  sql.NullString
		pickedAt  sql.NullTime
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &o.Brewery, &purchaser, &recipient, &items,
		&o.IsPickedUp, &pickedBy, &pickedAt, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items for order %s: %w", o.OrderNumber, err)
	}
	if purchaser.Valid {
		o.Purchaser = &purchaser.String
	}
	o.Recipient = recipient.String
	if pickedBy.Valid {
		o.PickedUpBy = &pickedBy.String
	}
	if pickedAt.Valid {
		o.PickedUpAt = &pickedAt.Time
	}
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
