package model

import "time"

// Cart is owned by exactly one of a user or an anonymous session.
type Cart struct {
	ID        int64          `json:"id"`
	UserID    *int64         `json:"user_id"`
	SessionID *int64         `json:"session_id"`
	Items     map[string]int `json:"items"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TotalQuantity returns the number of units across all items.
func (c *Cart) TotalQuantity() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, q := range c.Items {
		n += q
	}
	return n
}
