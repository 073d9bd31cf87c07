package executor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/aristath/pitboss/internal/domain"
)

const orderKeyPrefix = "exec:orders:"

// Store is the slice of the KV surface the order ledger needs.
type Store interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, values ...any) error
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// OrderKey returns the hash key holding one order's state.
func OrderKey(orderID string) string {
	return orderKeyPrefix + orderID
}

// OrderRecord is the persisted view of one order.
type OrderRecord struct {
	OrderID       string
	Symbol        string
	Side          string
	Qty           float64
	ReceivedTS    string
	LastStatus    *domain.OrderStatus
	StaleNotified bool
}

// Terminal reports whether the order reached a terminal status.
func (r *OrderRecord) Terminal() bool {
	return r.LastStatus != nil && domain.TerminalStatus(r.LastStatus.Status)
}

// OrderStore persists per-order state in broker hashes so duplicate fills
// are caught even after a lost acknowledgment.
type OrderStore struct {
	store Store
	log   zerolog.Logger
}

// NewOrderStore wraps a KV store.
func NewOrderStore(store Store, log zerolog.Logger) *OrderStore {
	return &OrderStore{
		store: store,
		log:   log.With().Str("component", "order_store").Logger(),
	}
}

// Get loads one order record. Absent orders return (nil, nil).
func (s *OrderStore) Get(ctx context.Context, orderID string) (*OrderRecord, error) {
	fields, err := s.store.HGetAll(ctx, OrderKey(orderID))
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return s.parse(orderID, fields)
}

// PutInitial records the order as received, before the adapter runs.
func (s *OrderStore) PutInitial(ctx context.Context, order domain.Order, receivedTS string) error {
	err := s.store.HSet(ctx, OrderKey(order.OrderID),
		"orderId", order.OrderID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", strconv.FormatFloat(order.Qty, 'f', -1, 64),
		"received_ts", receivedTS,
	)
	if err != nil {
		return fmt.Errorf("write initial order state %s: %w", order.OrderID, err)
	}
	return nil
}

// PutStatus persists the latest status report for the order.
func (s *OrderStore) PutStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode order status %s: %w", orderID, err)
	}
	if err := s.store.HSet(ctx, OrderKey(orderID), "last_status", string(raw)); err != nil {
		return fmt.Errorf("write order status %s: %w", orderID, err)
	}
	return nil
}

// MarkStaleNotified records that the stale warning for this order went out.
func (s *OrderStore) MarkStaleNotified(ctx context.Context, orderID string) error {
	if err := s.store.HSet(ctx, OrderKey(orderID), "stale_notified", "1"); err != nil {
		return fmt.Errorf("mark order %s stale-notified: %w", orderID, err)
	}
	return nil
}

// All loads every persisted order record.
func (s *OrderStore) All(ctx context.Context) ([]*OrderRecord, error) {
	keys, err := s.store.ScanKeys(ctx, orderKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan order keys: %w", err)
	}

	records := make([]*OrderRecord, 0, len(keys))
	for _, key := range keys {
		orderID := key[len(orderKeyPrefix):]
		record, err := s.Get(ctx, orderID)
		if err != nil {
			s.log.Warn().Err(err).Str("order_id", orderID).Msg("Skipping unreadable order record")
			continue
		}
		if record != nil {
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *OrderStore) parse(orderID string, fields map[string]string) (*OrderRecord, error) {
	record := &OrderRecord{
		OrderID:       fields["orderId"],
		Symbol:        fields["symbol"],
		Side:          fields["side"],
		ReceivedTS:    fields["received_ts"],
		StaleNotified: fields["stale_notified"] == "1",
	}
	if record.OrderID == "" {
		record.OrderID = orderID
	}

	if raw := fields["qty"]; raw != "" {
		qty, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse qty for order %s: %w", orderID, err)
		}
		record.Qty = qty
	}

	if raw := fields["last_status"]; raw != "" {
		var status domain.OrderStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			return nil, fmt.Errorf("parse last_status for order %s: %w", orderID, err)
		}
		record.LastStatus = &status
	}

	return record, nil
}
