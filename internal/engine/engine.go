package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ivxp/internal/config"
	"ivxp/internal/delivery"
	"ivxp/internal/domain"
	"ivxp/internal/events"
	"ivxp/internal/fulfill"
	"ivxp/internal/metrics"
	"ivxp/internal/protocol"
	"ivxp/internal/repo"
	"ivxp/internal/signing"
)

// OrderStore is the persistence the engine drives. repo.Repo and
// repo.Memory implement it.
type OrderStore interface {
	Create(ctx context.Context, o domain.Order) error
	Get(ctx context.Context, id string) (domain.Order, error)
	Update(ctx context.Context, id string, u domain.OrderUpdate) (domain.Order, error)
	List(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error)
	Delete(ctx context.Context, id string) error
	TxHashes(ctx context.Context) ([]string, error)
	Events(ctx context.Context, orderID string) ([]domain.OrderEvent, error)
}

type Pusher interface {
	Push(ctx context.Context, payload any, opts delivery.Options) delivery.Result
}

// Deps are the collaborators of an Engine. Nil Pusher, Events and Handlers
// get defaults.
type Deps struct {
	Store    OrderStore
	Signer   *signing.Signer
	Verifier domain.PaymentVerifier
	Pusher   Pusher
	Events   *events.Emitter
	Handlers *fulfill.Registry
	Logger   zerolog.Logger
}

type Engine struct {
	Store    OrderStore
	Config   *config.Config
	Signer   *signing.Signer
	Verifier domain.PaymentVerifier
	Pusher   Pusher
	Events   *events.Emitter
	Handlers *fulfill.Registry
	Logger   zerolog.Logger
	Now      func() time.Time

	locks  keyedMutex
	txs    *txSet
	wg     sync.WaitGroup
	bg     context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, deps Deps) *Engine {
	bg, cancel := context.WithCancel(context.Background())
	e := &Engine{
		Store:    deps.Store,
		Config:   cfg,
		Signer:   deps.Signer,
		Verifier: deps.Verifier,
		Pusher:   deps.Pusher,
		Events:   deps.Events,
		Handlers: deps.Handlers,
		Logger:   deps.Logger,
		Now:      time.Now,
		txs:      newTxSet(),
		bg:       bg,
		cancel:   cancel,
	}
	if e.Pusher == nil {
		e.Pusher = delivery.New(deps.Logger)
	}
	if e.Events == nil {
		e.Events = events.NewEmitter()
	}
	if e.Handlers == nil {
		e.Handlers = fulfill.NewRegistry()
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Seed loads every recorded payment hash so that replays stay rejected
// across restarts, then recovers orders a previous run left in processing.
func (e *Engine) Seed(ctx context.Context) error {
	hashes, err := e.Store.TxHashes(ctx)
	if err != nil {
		return fmt.Errorf("seed tx hashes: %w", err)
	}
	e.txs.seed(hashes)
	resumed, err := e.resume(ctx)
	if err != nil {
		return err
	}
	e.Logger.Info().Int("tx_hashes", len(hashes)).Int("resumed", resumed).Msg("replay set seeded")
	return nil
}

// Wait blocks until no fulfillment is running.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown waits for in-flight fulfillment. If ctx ends first, outstanding
// work is cancelled and ctx.Err() returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

// reject builds a guard failure and counts it.
func reject(code protocol.Code, format string, args ...any) *protocol.Error {
	metrics.GuardRejections.WithLabelValues(string(code)).Inc()
	return protocol.Errorf(code, format, args...)
}

func (e *Engine) getOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := e.Store.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return o, reject(protocol.CodeOrderNotFound, "order %s not found", id)
	}
	if err != nil {
		return o, fmt.Errorf("load order %s: %w", id, err)
	}
	return o, nil
}

// StreamPayload is the data of every SSE event the engine emits.
type StreamPayload struct {
	OrderID     string        `json:"order_id"`
	Status      domain.Status `json:"status"`
	Message     string        `json:"message,omitempty"`
	Attempt     int           `json:"attempt,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	ContentHash string        `json:"content_hash,omitempty"`
	Error       string        `json:"error,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

func (e *Engine) emit(typ events.Type, p StreamPayload) {
	p.Timestamp = e.now()
	e.Events.Push(p.OrderID, events.Event{Type: typ, Data: p})
}

// transition moves an order to status, recording extra fields from u, and
// announces it.
func (e *Engine) transition(ctx context.Context, id string, to domain.Status, u domain.OrderUpdate, msg string) (domain.Order, error) {
	u.Status = &to
	o, err := e.Store.Update(ctx, id, u)
	if err != nil {
		return o, fmt.Errorf("order %s to %s: %w", id, to, err)
	}
	metrics.OrderTransitions.WithLabelValues(string(to)).Inc()
	e.Logger.Info().Str("order_id", id).Str("status", string(to)).Msg("order transition")
	e.emit(events.TypeStatusUpdate, StreamPayload{OrderID: id, Status: to, Message: msg})
	return o, nil
}

func (e *Engine) providerAgent() protocol.Agent {
	return protocol.Agent{Name: e.Config.Provider.Name, WalletAddress: e.Signer.Address()}
}

func (e *Engine) network() protocol.Network {
	return protocol.Network(e.Config.Provider.Network)
}

// Catalog lists the configured services.
func (e *Engine) Catalog() *protocol.ServiceCatalog {
	cat := &protocol.ServiceCatalog{
		Provider:      e.Config.Provider.Name,
		WalletAddress: e.Signer.Address(),
		Network:       e.network(),
		Services:      []protocol.ServiceOffering{},
	}
	for _, name := range e.Config.ServiceNames() {
		svc := e.Config.Services[name]
		price, _ := e.Config.Price(name)
		cat.Services = append(cat.Services, protocol.ServiceOffering{
			Type:                   name,
			BasePriceUSDC:          price,
			EstimatedDeliveryHours: svc.DeliveryHours,
			Description:            svc.Description,
		})
	}
	protocol.Stamp(cat, e.now())
	return cat
}

// RequestQuote prices a service request and opens a quoted order.
func (e *Engine) RequestQuote(ctx context.Context, req *protocol.ServiceRequest) (*protocol.ServiceQuote, error) {
	serviceType := req.ServiceRequest.Type
	svc, ok := e.Config.Services[serviceType]
	if !ok {
		return nil, reject(protocol.CodeServiceTypeNotSupported, "service %q is not offered", serviceType).
			With("supported", e.Config.ServiceNames())
	}
	if _, ok := e.Handlers.Get(svc.Handler); !ok {
		return nil, reject(protocol.CodeServiceUnavailable, "service %q has no handler", serviceType)
	}
	price, _ := e.Config.Price(serviceType)
	if budget := req.ServiceRequest.BudgetUSDC; budget != nil && budget.LessThan(price) {
		return nil, reject(protocol.CodeBudgetTooLow, "budget %s USDC is below the price of %s USDC", budget, price).
			With("price_usdc", price.String())
	}

	now := e.now()
	order := domain.Order{
		OrderID:        domain.NewOrderID(),
		Status:         domain.StatusQuoted,
		ClientName:     req.ClientAgent.Name,
		ClientAddress:  strings.ToLower(req.ClientAgent.WalletAddress),
		PaymentAddress: e.Signer.Address(),
		ServiceType:    serviceType,
		Description:    req.ServiceRequest.Description,
		PriceUSDC:      price,
		Network:        e.Config.Provider.Network,
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.Config.PaymentTimeout()),
	}
	if err := e.Store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	metrics.OrderTransitions.WithLabelValues(string(domain.StatusQuoted)).Inc()
	e.Logger.Info().Str("order_id", order.OrderID).Str("service", serviceType).Str("price_usdc", price.String()).Msg("quote issued")

	quote := &protocol.ServiceQuote{
		OrderID:       order.OrderID,
		ProviderAgent: e.providerAgent(),
		Quote: protocol.QuoteDetails{
			PriceUSDC:         price,
			EstimatedDelivery: now.Add(time.Duration(svc.DeliveryHours * float64(time.Hour))),
			PaymentAddress:    order.PaymentAddress,
			Network:           e.network(),
			TokenContract:     e.Config.TokenContract(),
		},
		Terms: &protocol.Terms{
			PaymentTimeout: e.Config.Terms.PaymentTimeout,
			RevisionPolicy: e.Config.Terms.RevisionPolicy,
			RefundPolicy:   e.Config.Terms.RefundPolicy,
		},
	}
	protocol.Stamp(quote, now)
	return quote, nil
}

// StatusView is the public projection of an order.
type StatusView struct {
	OrderID       string          `json:"order_id"`
	Status        domain.Status   `json:"status" enum:"quoted,paid,processing,delivered,delivery_failed,failed"`
	ServiceType   string          `json:"service_type"`
	PriceUSDC     decimal.Decimal `json:"price_usdc"`
	Network       string          `json:"network"`
	TxHash        string          `json:"tx_hash,omitempty"`
	ContentHash   string          `json:"content_hash,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
}

func viewOf(o domain.Order) StatusView {
	return StatusView{
		OrderID:       o.OrderID,
		Status:        o.Status,
		ServiceType:   o.ServiceType,
		PriceUSDC:     o.PriceUSDC,
		Network:       o.Network,
		TxHash:        o.TxHash,
		ContentHash:   o.ContentHash,
		FailureReason: o.FailureReason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		ExpiresAt:     o.ExpiresAt,
		PaidAt:        o.PaidAt,
		DeliveredAt:   o.DeliveredAt,
		ConfirmedAt:   o.ConfirmedAt,
	}
}

func (e *Engine) Status(ctx context.Context, id string) (StatusView, error) {
	o, err := e.getOrder(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return viewOf(o), nil
}

// Download returns the signed deliverable of a finished order.
func (e *Engine) Download(ctx context.Context, id string) (*protocol.ServiceDelivery, error) {
	o, err := e.getOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	ready := o.Status == domain.StatusDelivered || o.Status == domain.StatusDeliveryFailed
	if !ready || o.Deliverable == nil {
		return nil, reject(protocol.CodeDeliverableNotReady, "order %s has no deliverable yet", id).
			With("status", string(o.Status))
	}
	return e.serviceDelivery(o)
}

// serviceDelivery builds the signed delivery message for an order holding a
// deliverable.
func (e *Engine) serviceDelivery(o domain.Order) (*protocol.ServiceDelivery, error) {
	now := e.now()
	msg := signing.FormatDeliveryMessage(o.OrderID, o.ContentHash, now)
	sig, err := e.Signer.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("sign delivery: %w", err)
	}
	sd := &protocol.ServiceDelivery{
		OrderID:       o.OrderID,
		Status:        "completed",
		ProviderAgent: e.providerAgent(),
		Deliverable: protocol.Deliverable{
			Type:    o.Deliverable.Type,
			Format:  o.Deliverable.Format,
			Content: o.Deliverable.Content,
		},
		ContentHash:   o.ContentHash,
		DeliveredAt:   o.DeliveredAt,
		Signature:     sig,
		SignedMessage: msg,
	}
	if o.Status == domain.StatusDeliveryFailed {
		sd.Note = "push delivery failed; served by download"
	}
	protocol.Stamp(sd, now)
	return sd, nil
}

func (e *Engine) ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	return e.Store.List(ctx, f)
}

func (e *Engine) OrderEvents(ctx context.Context, id string) ([]domain.OrderEvent, error) {
	if _, err := e.getOrder(ctx, id); err != nil {
		return nil, err
	}
	return e.Store.Events(ctx, id)
}

// DeleteOrder removes an order that is not being fulfilled. Its payment hash
// stays consumed for the life of the process.
func (e *Engine) DeleteOrder(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()
	o, err := e.getOrder(ctx, id)
	if err != nil {
		return err
	}
	if o.Status == domain.StatusProcessing {
		return reject(protocol.CodeInvalidOrderStatus, "order %s is being fulfilled", id).With("status", string(o.Status))
	}
	if err := e.Store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	e.Logger.Info().Str("order_id", id).Msg("order deleted")
	return nil
}
