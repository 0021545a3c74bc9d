package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusShipped   OrderStatus = "SHIPPED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "PENDING"
	PayoutStatusProcessing PayoutStatus = "PROCESSING"
	PayoutStatusPaid       PayoutStatus = "PAID"
)

// Order is an immutable record of a completed checkout intent. Total always
// equals the sum of its line totals as recomputed from product prices at
// creation time.
type Order struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	Total           float64     `json:"total"`
	Currency        string      `json:"currency"`
	Status          OrderStatus `json:"status"`
	ShippingAddress string      `json:"shipping_address,omitempty"`
	Items           []OrderItem `json:"items"`
	CreatedAt       time.Time   `json:"created_at"`
}

// OrderItem is a frozen line-item snapshot. Unit price and seller are copied
// from the product at order time, never live-referenced. The invariant
// GrossAmount == FeeAmount + NetAmount holds exactly at cent precision.
type OrderItem struct {
	ID           string       `json:"id"`
	OrderID      string       `json:"order_id"`
	ProductID    string       `json:"product_id"`
	SellerID     string       `json:"seller_id"`
	Quantity     int          `json:"quantity"`
	UnitPrice    float64      `json:"unit_price"`
	GrossAmount  float64      `json:"gross_amount"`
	FeeAmount    float64      `json:"fee_amount"`
	NetAmount    float64      `json:"net_amount"`
	Currency     string       `json:"currency"`
	PayoutStatus PayoutStatus `json:"payout_status"`
	CreatedAt    time.Time    `json:"created_at"`
}
