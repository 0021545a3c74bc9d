package domain

import "time"

// OrderCreatedEvent is published after an order commits. It carries the full
// fee split per line so downstream consumers can settle payouts without
// re-reading the order.
type OrderCreatedEvent struct {
	OrderID   string      `json:"order_id"`
	UserID    string      `json:"user_id"`
	Total     float64     `json:"total"`
	Currency  string      `json:"currency"`
	Items     []OrderItem `json:"items"`
	Timestamp time.Time   `json:"timestamp"`
}
