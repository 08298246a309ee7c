package models

import (
	"errors"
	"time"
)

type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderConfirmed      OrderStatus = "confirmed"
	OrderOutForDelivery OrderStatus = "out_for_delivery"
	OrderDelivered      OrderStatus = "delivered"
	OrderCancelled      OrderStatus = "cancelled"
)

// Cancellable reports whether a customer may still cancel an order in this
// status.
func (s OrderStatus) Cancellable() bool {
	return s == OrderPending || s == OrderConfirmed
}

func (s OrderStatus) Known() bool {
	switch s {
	case OrderPending, OrderConfirmed, OrderOutForDelivery, OrderDelivered, OrderCancelled:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash    PaymentMethod = "cash"
	PaymentPayPal  PaymentMethod = "paypal"
	PaymentPayFast PaymentMethod = "payfast"
)

func (p PaymentMethod) Known() bool {
	return p == PaymentCash || p == PaymentPayPal || p == PaymentPayFast
}

// Order is a gas refill order placed by a customer.
type Order struct {
	ID              string        `json:"id"`               // Server-assigned order ID
	UserID          string        `json:"user_id"`          // Customer who placed the order
	Status          OrderStatus   `json:"status"`           // Fulfilment status
	GasType         string        `json:"gas_type"`         // e.g. LPG
	CylinderSize    string        `json:"cylinder_size"`    // e.g. 9kg, 19kg, 48kg
	Quantity        int           `json:"quantity"`         // Number of cylinders
	UnitPriceCents  int64         `json:"unit_price_cents"` // Price per cylinder
	TotalCents      int64         `json:"total_cents"`      // Quantity * unit price
	DeliveryAddress string        `json:"delivery_address"` // Free-form delivery address
	PaymentMethod   PaymentMethod `json:"payment_method"`   // cash, paypal or payfast
	Notes           string        `json:"notes,omitempty"`  // Optional delivery notes
	CreatedAt       time.Time     `json:"created_at"`       // Placement time
	UpdatedAt       time.Time     `json:"updated_at"`       // Last server-side change
}

func (o Order) Key() string         { return o.ID }
func (o Order) Created() time.Time  { return o.CreatedAt }
func (o Order) Revision() time.Time { return o.UpdatedAt }

func (o Order) Valid() error {
	if o.ID == "" {
		return errors.New("order: missing id")
	}
	if o.UserID == "" {
		return errors.New("order: missing user_id")
	}
	if o.CreatedAt.IsZero() {
		return errors.New("order: missing created_at")
	}
	if !o.Status.Known() {
		return errors.New("order: unknown status " + string(o.Status))
	}
	return nil
}
