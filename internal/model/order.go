package model

import (
	"time"
)

type Order struct {
	ID          string     `json:"id"`
	OrderNumber string     `json:"order_number"`
	Items       []string   `json:"items"`
	Purchaser   *string    `json:"purchaser,omitempty"`
	Brewery     string     `json:"brewery"`
	Recipient   string     `json:"recipient,omitempty"`
	IsPickedUp  bool       `json:"is_picked_up"`
	PickedUpBy  *string    `json:"picked_up_by,omitempty"`
	PickedUpAt  *time.Time `json:"picked_up_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PurchaserName returns the billing name or "" when the order has none.
func (o Order) PurchaserName() string {
	if o.Purchaser == nil {
		return ""
	}
	return *o.Purchaser
}
