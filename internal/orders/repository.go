package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sokonova/marketplace/internal/domain"
)

var (
	ErrCartNotFound    = errors.New("cart not found")
	ErrProductNotFound = errors.New("product not found")

	// ErrForbidden means the acting user does not own the cart being
	// checked out. Fatal to the request, never retried.
	ErrForbidden = errors.New("cart does not belong to this user")

	ErrEmptyCart = errors.New("cannot checkout an empty cart")

	// ErrCartModified means the cart changed between the checkout read and
	// the item deletion. The caller should re-fetch and reconfirm.
	ErrCartModified = errors.New("cart was modified during checkout")
)

// TotalMismatchError means the client-supplied expected total diverged from
// the server-side recomputation beyond tolerance, usually because a price
// changed between page load and checkout.
type TotalMismatchError struct {
	Expected   float64
	Calculated float64
}

func (e *TotalMismatchError) Error() string {
	return fmt.Sprintf("order total mismatch: expected %.2f, calculated %.2f", e.Expected, e.Calculated)
}

type DirectItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateFromCart materializes the cart's current contents into an order.
// Line prices are re-read from the products table, never taken from the
// client. Order, order items, cart-item deletion and the cart version bump
// commit in one transaction; on any failure nothing is observable.
func (r *Repository) CreateFromCart(ctx context.Context, userID, cartID string, expectedTotal float64, currency, shippingAddress string) (*domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID sql.NullString
	var version int64
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, version FROM carts WHERE id = $1
	`, cartID).Scan(&ownerID, &version)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCartNotFound
		}
		return nil, err
	}

	if ownerID.Valid && ownerID.String != userID {
		return nil, ErrForbidden
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT ci.product_id, ci.quantity, p.price, p.seller_id
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = $1
		ORDER BY ci.created_at
	`, cartID)
	if err != nil {
		return nil, err
	}

	type line struct {
		productID string
		sellerID  string
		quantity  int
		unitPrice float64
	}
	var lines []line
	for rows.Next() {
		var l line
		if err := rows.Scan(&l.productID, &l.quantity, &l.unitPrice, &l.sellerID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	now := time.Now().UTC()
	order := &domain.Order{
		UserID:          userID,
		Currency:        currency,
		Status:          domain.OrderStatusPending,
		ShippingAddress: shippingAddress,
		CreatedAt:       now,
	}

	var calculatedTotal float64
	for _, l := range lines {
		gross := domain.LineTotal(l.unitPrice, l.quantity)
		fee, net := domain.SplitFee(gross)
		calculatedTotal += gross

		order.Items = append(order.Items, domain.OrderItem{
			ProductID:    l.productID,
			SellerID:     l.sellerID,
			Quantity:     l.quantity,
			UnitPrice:    l.unitPrice,
			GrossAmount:  gross,
			FeeAmount:    fee,
			NetAmount:    net,
			Currency:     currency,
			PayoutStatus: domain.PayoutStatusPending,
			CreatedAt:    now,
		})
	}
	calculatedTotal = domain.RoundToCents(calculatedTotal)
	order.Total = calculatedTotal

	if math.Abs(expectedTotal-calculatedTotal) > domain.TotalTolerance {
		return nil, &TotalMismatchError{Expected: expectedTotal, Calculated: calculatedTotal}
	}

	if err := insertOrder(ctx, tx, order); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return nil, err
	}

	// Clearing the cart is a ledger mutation like any other, so it advances
	// the version under the same guard. Losing the race here means an add or
	// remove slipped in mid-checkout; the whole checkout rolls back.
	result, err := tx.ExecContext(ctx, `
		UPDATE carts SET version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`, cartID, version)
	if err != nil {
		return nil, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, ErrCartModified
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return order, nil
}

// CreateDirect materializes an order without a cart, for single-click
// purchase flows. Prices are still read server-side and the expected total
// is cross-checked with the same tolerance as the cart path.
func (r *Repository) CreateDirect(ctx context.Context, userID string, items []DirectItem, expectedTotal float64, currency string) (*domain.Order, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	order := &domain.Order{
		UserID:    userID,
		Currency:  currency,
		Status:    domain.OrderStatusPending,
		CreatedAt: now,
	}

	var calculatedTotal float64
	for _, item := range items {
		var price float64
		var sellerID string
		err := tx.QueryRowContext(ctx, `
			SELECT price, seller_id FROM products WHERE id = $1
		`, item.ProductID).Scan(&price, &sellerID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, fmt.Errorf("%w: %s", ErrProductNotFound, item.ProductID)
			}
			return nil, err
		}

		gross := domain.LineTotal(price, item.Quantity)
		fee, net := domain.SplitFee(gross)
		calculatedTotal += gross

		order.Items = append(order.Items, domain.OrderItem{
			ProductID:    item.ProductID,
			SellerID:     sellerID,
			Quantity:     item.Quantity,
			UnitPrice:    price,
			GrossAmount:  gross,
			FeeAmount:    fee,
			NetAmount:    net,
			Currency:     currency,
			PayoutStatus: domain.PayoutStatusPending,
			CreatedAt:    now,
		})
	}
	calculatedTotal = domain.RoundToCents(calculatedTotal)
	order.Total = calculatedTotal

	if math.Abs(expectedTotal-calculatedTotal) > domain.TotalTolerance {
		return nil, &TotalMismatchError{Expected: expectedTotal, Calculated: calculatedTotal}
	}

	if err := insertOrder(ctx, tx, order); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return order, nil
}

func insertOrder(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	order.ID = uuid.New().String()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, total, currency, status, shipping_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, order.ID, order.UserID, order.Total, order.Currency, order.Status,
		sql.NullString{String: order.ShippingAddress, Valid: order.ShippingAddress != ""}, order.CreatedAt)
	if err != nil {
		return err
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.ID = uuid.New().String()
		item.OrderID = order.ID

		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, seller_id, quantity, unit_price,
			                         gross_amount, fee_amount, net_amount, currency, payout_status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, item.ID, item.OrderID, item.ProductID, item.SellerID, item.Quantity, item.UnitPrice,
			item.GrossAmount, item.FeeAmount, item.NetAmount, item.Currency, item.PayoutStatus, item.CreatedAt)
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	order := &domain.Order{}

	var shippingAddress sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, total, currency, status, shipping_address, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.UserID, &order.Total, &order.Currency, &order.Status, &shippingAddress, &order.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	order.ShippingAddress = shippingAddress.String

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, seller_id, quantity, unit_price,
		       gross_amount, fee_amount, net_amount, currency, payout_status, created_at
		FROM order_items
		WHERE order_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.SellerID, &item.Quantity,
			&item.UnitPrice, &item.GrossAmount, &item.FeeAmount, &item.NetAmount,
			&item.Currency, &item.PayoutStatus, &item.CreatedAt); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return order, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, id)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		return nil, nil
	}

	return r.GetByID(ctx, id)
}

// ListByUser returns a user's orders newest-first with items fetched in a
// single batched second query.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, total, currency, status, shipping_address, created_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		var order domain.Order
		var shippingAddress sql.NullString
		if err := rows.Scan(&order.ID, &order.UserID, &order.Total, &order.Currency, &order.Status, &shippingAddress, &order.CreatedAt); err != nil {
			return nil, err
		}
		order.ShippingAddress = shippingAddress.String
		order.Items = []domain.OrderItem{}
		orderMap[order.ID] = &order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	itemRows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, seller_id, quantity, unit_price,
		       gross_amount, fee_amount, net_amount, currency, payout_status, created_at
		FROM order_items
		WHERE order_id = ANY($1)
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var item domain.OrderItem
		if err := itemRows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.SellerID, &item.Quantity,
			&item.UnitPrice, &item.GrossAmount, &item.FeeAmount, &item.NetAmount,
			&item.Currency, &item.PayoutStatus, &item.CreatedAt); err != nil {
			return nil, err
		}
		order := orderMap[item.OrderID]
		order.Items = append(order.Items, item)
	}

	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}
