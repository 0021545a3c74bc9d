package cart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sokonova/marketplace/internal/domain"
)

var (
	ErrCartNotFound    = errors.New("cart not found")
	ErrProductNotFound = errors.New("product not found")

	// ErrVersionConflict means another transaction advanced the cart version
	// between our read and our conditional write. The caller should re-fetch
	// the cart and retry the original intent.
	ErrVersionConflict = errors.New("cart was modified concurrently")

	ErrInvalidQuantity = errors.New("quantity must be a positive integer")
)

// InsufficientInventoryError reports how much stock is available and how much
// of it is already in the cart, so the caller can let the user adjust.
type InsufficientInventoryError struct {
	ProductID string
	Available int
	InCart    int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for product %s: %d available, %d already in cart", e.ProductID, e.Available, e.InCart)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetOrCreate returns the most recent cart for the given owner, creating one
// lazily if none exists. A signed-in user's cart is keyed by userID, a
// guest's by the client-generated anonKey. With neither, a bare ownerless
// cart is created as a last-resort fallback.
func (r *Repository) GetOrCreate(ctx context.Context, userID, anonKey string) (*domain.Cart, error) {
	var (
		id  string
		err error
	)

	switch {
	case userID != "":
		err = r.db.QueryRowContext(ctx, `
			SELECT id FROM carts
			WHERE user_id = $1
			ORDER BY updated_at DESC
			LIMIT 1
		`, userID).Scan(&id)
	case anonKey != "":
		err = r.db.QueryRowContext(ctx, `
			SELECT id FROM carts
			WHERE anon_key = $1
			ORDER BY updated_at DESC
			LIMIT 1
		`, anonKey).Scan(&id)
	default:
		err = sql.ErrNoRows
	}

	if err == sql.ErrNoRows {
		id = uuid.New().String()
		now := time.Now().UTC()
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO carts (id, user_id, anon_key, version, created_at, updated_at)
			VALUES ($1, $2, $3, 0, $4, $4)
		`, id, nullable(userID), nullable(anonKey), now)
	}
	if err != nil {
		return nil, err
	}

	return r.GetByID(ctx, id)
}

// GetByID loads a cart with its items and each item's product, so callers
// can render price and title without a second round trip.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Cart, error) {
	cart := &domain.Cart{Items: []domain.CartItem{}}

	var userID, anonKey sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, anon_key, version, created_at, updated_at
		FROM carts
		WHERE id = $1
	`, id).Scan(&cart.ID, &userID, &anonKey, &cart.Version, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCartNotFound
		}
		return nil, err
	}
	cart.UserID = userID.String
	cart.AnonKey = anonKey.String

	rows, err := r.db.QueryContext(ctx, `
		SELECT ci.product_id, ci.quantity, ci.created_at,
		       p.id, p.seller_id, p.name, p.price, p.currency, p.status, p.created_at, p.updated_at
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = $1
		ORDER BY ci.created_at
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(
			&item.ProductID, &item.Quantity, &item.AddedAt,
			&item.Product.ID, &item.Product.SellerID, &item.Product.Name,
			&item.Product.Price, &item.Product.Currency, &item.Product.Status,
			&item.Product.CreatedAt, &item.Product.UpdatedAt,
		); err != nil {
			return nil, err
		}
		cart.Items = append(cart.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return cart, nil
}

// AddItem upserts a product line and bumps the cart version, all inside one
// transaction. The version bump is conditional on the version observed at
// read time; a concurrent mutation makes the conditional update match zero
// rows and the whole transaction rolls back with ErrVersionConflict.
func (r *Repository) AddItem(ctx context.Context, cartID, productID string, quantity int) (*domain.Cart, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	version, err := readVersion(ctx, tx, cartID)
	if err != nil {
		return nil, err
	}

	var available sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT s.available
		FROM products p
		LEFT JOIN stock s ON s.product_id = p.id
		WHERE p.id = $1
	`, productID).Scan(&available)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrProductNotFound
		}
		return nil, err
	}

	var existing int
	err = tx.QueryRowContext(ctx, `
		SELECT quantity FROM cart_items
		WHERE cart_id = $1 AND product_id = $2
	`, cartID, productID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	if available.Valid && existing+quantity > int(available.Int64) {
		return nil, &InsufficientInventoryError{
			ProductID: productID,
			Available: int(available.Int64),
			InCart:    existing,
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cart_items (id, cart_id, product_id, quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (cart_id, product_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
	`, uuid.New().String(), cartID, productID, quantity, now)
	if err != nil {
		return nil, err
	}

	if err := bumpVersion(ctx, tx, cartID, version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return r.GetByID(ctx, cartID)
}

// RemoveItem deletes the product line (zero or one row) and bumps the
// version under the same optimistic guard as AddItem.
func (r *Repository) RemoveItem(ctx context.Context, cartID, productID string) (*domain.Cart, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	version, err := readVersion(ctx, tx, cartID)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM cart_items
		WHERE cart_id = $1 AND product_id = $2
	`, cartID, productID)
	if err != nil {
		return nil, err
	}

	if err := bumpVersion(ctx, tx, cartID, version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return r.GetByID(ctx, cartID)
}

// Clear deletes every line in the cart and bumps the version. Used by
// explicit empty-cart actions; checkout clears the cart inside its own
// transaction instead.
func (r *Repository) Clear(ctx context.Context, cartID string) (*domain.Cart, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	version, err := readVersion(ctx, tx, cartID)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID)
	if err != nil {
		return nil, err
	}

	if err := bumpVersion(ctx, tx, cartID, version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return r.GetByID(ctx, cartID)
}

func readVersion(ctx context.Context, tx *sql.Tx, cartID string) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM carts WHERE id = $1`, cartID).Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrCartNotFound
		}
		return 0, err
	}
	return version, nil
}

// bumpVersion is the optimistic-lock guard: a conditional update that
// matches only if no concurrent transaction advanced the version since it
// was read. Zero rows affected means we lost the race.
func bumpVersion(ctx context.Context, tx *sql.Tx, cartID string, version int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE carts SET version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`, cartID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrVersionConflict
	}

	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
