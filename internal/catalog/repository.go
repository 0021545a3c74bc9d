package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/sokonova/marketplace/internal/domain"
)

var ErrInsufficientStock = errors.New("insufficient stock")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, seller_id, name, price, currency, status, created_at, updated_at
		FROM products
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SellerID, &p.Name, &p.Price, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (r *Repository) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p := &domain.Product{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, seller_id, name, price, currency, status, created_at, updated_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.SellerID, &p.Name, &p.Price, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return p, nil
}

func (r *Repository) GetStock(ctx context.Context, productID string) (*domain.StockLevel, error) {
	stock := &domain.StockLevel{}

	err := r.db.QueryRowContext(ctx, `
		SELECT product_id, available, reserved
		FROM stock
		WHERE product_id = $1
	`, productID).Scan(&stock.ProductID, &stock.Available, &stock.Reserved)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return stock, nil
}

// Reserve moves quantity from available to reserved as a conditional update,
// so two fulfillments cannot jointly overdraw a product. This is the hard
// counterpart to the cart's soft stock check.
func (r *Repository) Reserve(ctx context.Context, productID string, quantity int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE stock
		SET available = available - $2, reserved = reserved + $2
		WHERE product_id = $1 AND available >= $2
	`, productID, quantity)
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

	return nil
}

func (r *Repository) Release(ctx context.Context, productID string, quantity int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE stock
		SET available = available + $2, reserved = reserved - $2
		WHERE product_id = $1 AND reserved >= $2
	`, productID, quantity)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return errors.New("insufficient reserved stock to release")
	}

	return nil
}
