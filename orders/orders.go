// Package orders is the synchronized refill order history of the current
// customer or guest.
package orders

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/refillhub/refill-sync/collection"
	"github.com/refillhub/refill-sync/diagnostics"
	"github.com/refillhub/refill-sync/logger"
	"github.com/refillhub/refill-sync/merge"
	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/supervisor"
	"github.com/refillhub/refill-sync/syncerr"
	"github.com/refillhub/refill-sync/transport"
	"github.com/rs/zerolog"
)

const (
	Table = "orders"

	DefaultGasType = "LPG"
	MaxQuantity    = 10
)

// DefaultPrices is the price per cylinder in cents, by cylinder size.
var DefaultPrices = map[string]int64{
	"3kg":  12500,
	"9kg":  34500,
	"19kg": 72900,
	"48kg": 184000,
}

// Draft is what the customer fills in on the order form.
type Draft struct {
	GasType         string               `json:"gas_type"`
	CylinderSize    string               `json:"cylinder_size"`
	Quantity        int                  `json:"quantity"`
	DeliveryAddress string               `json:"delivery_address"`
	PaymentMethod   models.PaymentMethod `json:"payment_method"`
	Notes           string               `json:"notes"`
}

type Manager struct {
	tr     transport.Transport
	coll   *collection.Collection[models.Order]
	prices map[string]int64
	now    func() time.Time
	log    zerolog.Logger
}

func New(tr transport.Transport, settings collection.Settings, diag *diagnostics.Recorder) *Manager {
	settings.Table = Table
	settings.Order = merge.Descending

	m := &Manager{
		tr:     tr,
		prices: DefaultPrices,
		now:    time.Now,
		log:    logger.For("orders"),
	}
	m.coll = collection.New(tr, settings, collection.Hooks[models.Order]{
		Failed: func(err error) {
			m.log.Error().Err(err).Msg("Order subscription gave up")
		},
	}, diag)
	return m
}

// Start syncs the orders placed by identity. Guests can order too.
func (m *Manager) Start(ctx context.Context, identity models.Identity) error {
	if identity.IsZero() {
		m.coll.Stop()
		return nil
	}
	return m.coll.Start(ctx, identity.ID)
}

func (m *Manager) Stop() { m.coll.Stop() }

// Create places an order. The order shows as pending at once; on failure it
// disappears again and the draft values are returned with the error.
func (m *Manager) Create(ctx context.Context, d Draft) (models.Order, error) {
	owner := m.coll.Owner()
	if owner == "" {
		return models.Order{}, syncerr.ErrStopped
	}
	local, err := m.build(owner, d)
	if err != nil {
		return local, err
	}

	record := map[string]any{
		"user_id":          local.UserID,
		"status":           local.Status,
		"gas_type":         local.GasType,
		"cylinder_size":    local.CylinderSize,
		"quantity":         local.Quantity,
		"unit_price_cents": local.UnitPriceCents,
		"total_cents":      local.TotalCents,
		"delivery_address": local.DeliveryAddress,
		"payment_method":   local.PaymentMethod,
	}
	if local.Notes != "" {
		record["notes"] = local.Notes
	}
	order, err := m.coll.Insert(ctx, local, record)
	if err == nil {
		m.log.Info().Str("id", order.ID).Int64("total_cents", order.TotalCents).Msg("Order placed")
	}
	return order, err
}

func (m *Manager) build(owner string, d Draft) (models.Order, error) {
	o := models.Order{
		UserID:          owner,
		Status:          models.OrderPending,
		GasType:         strings.TrimSpace(d.GasType),
		CylinderSize:    strings.TrimSpace(d.CylinderSize),
		Quantity:        d.Quantity,
		DeliveryAddress: strings.TrimSpace(d.DeliveryAddress),
		PaymentMethod:   d.PaymentMethod,
		Notes:           strings.TrimSpace(d.Notes),
		CreatedAt:       m.now().UTC(),
	}
	if o.GasType == "" {
		o.GasType = DefaultGasType
	}

	price, ok := m.prices[o.CylinderSize]
	switch {
	case !ok:
		return o, syncerr.Invalid("cylinder_size", "unknown size "+o.CylinderSize)
	case o.Quantity <= 0:
		return o, syncerr.Invalid("quantity", "must be at least 1")
	case o.Quantity > MaxQuantity:
		return o, syncerr.Invalid("quantity", "too many cylinders for one delivery")
	case o.DeliveryAddress == "":
		return o, syncerr.Invalid("delivery_address", "required")
	case !o.PaymentMethod.Known():
		return o, syncerr.Invalid("payment_method", "unsupported method "+string(o.PaymentMethod))
	}
	o.UnitPriceCents = price
	o.TotalCents = price * int64(o.Quantity)
	return o, nil
}

// Cancel cancels a pending or confirmed order. If the backend has already
// moved the order on, the local change is rolled back and a ConflictError is
// returned.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if !m.coll.Running() {
		return syncerr.ErrStopped
	}
	o, ok := m.coll.Get(id)
	if !ok {
		return syncerr.ErrNotFound
	}
	if !o.Status.Cancellable() {
		return &syncerr.ConflictError{Table: Table, ID: id, Reason: "order is " + string(o.Status)}
	}

	match := []transport.Filter{
		transport.Eq("id", id),
		transport.In("status", string(models.OrderPending), string(models.OrderConfirmed)),
	}
	_, err := m.coll.Mutate(ctx, "cancel", []string{id}, cancel, func(ctx context.Context) ([]json.RawMessage, error) {
		rows, err := m.tr.Update(ctx, Table, match, map[string]any{"status": models.OrderCancelled})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, &syncerr.ConflictError{Table: Table, ID: id, Reason: "order was already processed"}
		}
		return rows, nil
	})
	if err == nil {
		m.log.Info().Str("id", id).Msg("Order cancelled")
	}
	return err
}

func cancel(o models.Order) models.Order {
	o.Status = models.OrderCancelled
	return o
}

// Active returns the orders that are not yet delivered or cancelled.
func (m *Manager) Active() []models.Order {
	var out []models.Order
	for _, o := range m.coll.List() {
		if o.Status != models.OrderDelivered && o.Status != models.OrderCancelled {
			out = append(out, o)
		}
	}
	return out
}

func (m *Manager) List() []models.Order { return m.coll.List() }

func (m *Manager) Get(id string) (models.Order, bool) { return m.coll.Get(id) }

func (m *Manager) IsLoading() bool { return m.coll.IsLoading() }

func (m *Manager) Refresh(ctx context.Context) error { return m.coll.Refresh(ctx) }

func (m *Manager) LoadMore(ctx context.Context) (int, error) { return m.coll.LoadMore(ctx) }

func (m *Manager) Watch() (<-chan struct{}, func()) { return m.coll.Watch() }

func (m *Manager) State() supervisor.State { return m.coll.State() }

func (m *Manager) Err() error { return m.coll.Err() }

func (m *Manager) Retry() bool { return m.coll.Retry() }

func (m *Manager) Running() bool { return m.coll.Running() }
