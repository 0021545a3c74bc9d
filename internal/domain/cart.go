package domain

import "time"

// Cart is the mutable pre-purchase basket. Version is a strictly increasing
// counter bumped by every successful mutation; mutations are conditional on
// the version observed at read time, so concurrent writers cannot both win.
type Cart struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id,omitempty"`
	AnonKey   string     `json:"anon_key,omitempty"`
	Version   int64      `json:"version"`
	Items     []CartItem `json:"items"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CartItem is one product line. At most one line exists per (cart, product);
// repeated adds accumulate quantity.
type CartItem struct {
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Product   Product   `json:"product"`
	AddedAt   time.Time `json:"added_at"`
}

func (c *Cart) Subtotal() float64 {
	var total float64
	for _, item := range c.Items {
		total += LineTotal(item.Product.Price, item.Quantity)
	}
	return RoundToCents(total)
}
