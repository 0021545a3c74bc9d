package domain

import "time"

type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "ACTIVE"
	ProductStatusInactive ProductStatus = "INACTIVE"
)

type Product struct {
	ID        string        `json:"id"`
	SellerID  string        `json:"seller_id"`
	Name      string        `json:"name"`
	Price     float64       `json:"price"`
	Currency  string        `json:"currency"`
	Status    ProductStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StockLevel tracks inventory for a product. A product without a stock row
// has untracked inventory and is never bounded at cart-add time.
type StockLevel struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
}
