package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ivxp/internal/domain"
)

// Memory is an in-process order store with the same behaviour as Repo.
type Memory struct {
	Now func() time.Time

	mu     sync.RWMutex
	orders map[string]domain.Order
	events []domain.OrderEvent
	nextID int64
}

func NewMemory() *Memory {
	return &Memory{orders: map[string]domain.Order{}}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func cloneOrder(o domain.Order) domain.Order {
	if o.Deliverable != nil {
		d := *o.Deliverable
		o.Deliverable = &d
	}
	for _, t := range []**time.Time{&o.PaidAt, &o.DeliveredAt, &o.ConfirmedAt} {
		if *t != nil {
			v := **t
			*t = &v
		}
	}
	return o
}

func (m *Memory) appendEvent(orderID string, from, to domain.Status, ts time.Time) {
	m.nextID++
	m.events = append(m.events, domain.OrderEvent{ID: m.nextID, OrderID: orderID, FromStatus: from, ToStatus: to, TS: ts})
}

func (m *Memory) txHashTaken(hash, except string) bool {
	for id, o := range m.orders {
		if id != except && o.TxHash != "" && o.TxHash == hash {
			return true
		}
	}
	return false
}

func (m *Memory) Create(_ context.Context, o domain.Order) error {
	if err := domain.ValidateOrderID(o.OrderID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrderID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.OrderID]; ok {
		return fmt.Errorf("%w: order %s", ErrDuplicate, o.OrderID)
	}
	o.ClientAddress = strings.ToLower(o.ClientAddress)
	o.PaymentAddress = strings.ToLower(o.PaymentAddress)
	o.TxHash = strings.ToLower(o.TxHash)
	o.PayerAddress = strings.ToLower(o.PayerAddress)
	if o.TxHash != "" && m.txHashTaken(o.TxHash, "") {
		return fmt.Errorf("%w: tx hash already recorded", ErrDuplicate)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.now()
	}
	o.UpdatedAt = o.CreatedAt
	m.orders[o.OrderID] = cloneOrder(o)
	m.appendEvent(o.OrderID, "", o.Status, o.CreatedAt)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *Memory) Update(_ context.Context, id string, u domain.OrderUpdate) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, ErrNotFound
	}
	from := o.Status
	if u.Status != nil && *u.Status != from && !domain.CanTransition(from, *u.Status) {
		return domain.Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, *u.Status)
	}
	if u.TxHash != nil && *u.TxHash != "" && m.txHashTaken(strings.ToLower(*u.TxHash), id) {
		return domain.Order{}, fmt.Errorf("%w: tx hash already recorded", ErrDuplicate)
	}
	now := m.now()
	u.Apply(&o)
	o.UpdatedAt = now
	m.orders[id] = cloneOrder(o)
	if o.Status != from {
		m.appendEvent(id, from, o.Status, now)
	}
	return cloneOrder(o), nil
}

func (m *Memory) List(_ context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client := strings.ToLower(f.ClientAddress)
	var res []domain.Order
	for _, o := range m.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if client != "" && o.ClientAddress != client {
			continue
		}
		if f.ServiceType != "" && o.ServiceType != f.ServiceType {
			continue
		}
		res = append(res, cloneOrder(o))
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].OrderID > res[j].OrderID
	})
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(res) {
		return nil, nil
	}
	res = res[offset:]
	if limit := normalizeLimit(f.Limit); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return ErrNotFound
	}
	delete(m.orders, id)
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.OrderID != id {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return nil
}

func (m *Memory) TxHashes(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []string
	for _, o := range m.orders {
		if o.TxHash != "" {
			res = append(res, o.TxHash)
		}
	}
	return res, nil
}

func (m *Memory) Events(_ context.Context, orderID string) ([]domain.OrderEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.OrderEvent
	for _, ev := range m.events {
		if ev.OrderID == orderID {
			res = append(res, ev)
		}
	}
	return res, nil
}
