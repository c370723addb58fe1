package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ivxp/internal/delivery"
	"ivxp/internal/domain"
	"ivxp/internal/events"
	"ivxp/internal/fulfill"
	"ivxp/internal/protocol"
	"ivxp/internal/signing"
)

// fulfill produces the deliverable of a processing order and delivers it.
// Each store write takes the order lock; the push itself runs unlocked.
// Cancelling ctx stops the handler and the push, never the store writes.
func (e *Engine) fulfill(ctx context.Context, id string) {
	log := e.Logger.With().Str("order_id", id).Logger()
	store := context.WithoutCancel(ctx)

	o, err := e.Store.Get(store, id)
	if err != nil {
		log.Error().Err(err).Msg("load order for fulfillment")
		return
	}
	e.emit(events.TypeProgress, StreamPayload{OrderID: id, Status: o.Status, Message: "fulfillment started"})

	deliverable, err := e.produce(ctx, o)
	if err != nil && ctx.Err() != nil {
		log.Warn().Err(err).Msg("fulfillment interrupted; resumed on next start")
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("service handler failed")
		e.fail(ctx, id, err.Error())
		return
	}
	hash, err := protocol.ContentHash(deliverable.Content)
	if err != nil {
		e.fail(ctx, id, err.Error())
		return
	}

	unlock := e.locks.Lock(id)
	o, err = e.Store.Update(store, id, domain.OrderUpdate{Deliverable: &deliverable, ContentHash: &hash})
	unlock()
	if err != nil {
		log.Error().Err(err).Msg("store deliverable")
		return
	}
	e.emit(events.TypeProgress, StreamPayload{OrderID: id, Status: o.Status, Message: "deliverable ready", ContentHash: hash})

	if !delivery.ShouldAttemptPush(o.DeliveryEndpoint) {
		if o.DeliveryEndpoint != "" {
			log.Warn().Str("endpoint", o.DeliveryEndpoint).Msg("delivery endpoint not eligible for push; pull only")
		}
		e.finish(ctx, id, domain.StatusDelivered, "", hash)
		return
	}

	payload, err := e.serviceDelivery(o)
	if err != nil {
		log.Error().Err(err).Msg("build delivery payload")
		e.finish(ctx, id, domain.StatusDeliveryFailed, err.Error(), hash)
		return
	}
	opts := delivery.Options{
		Endpoint:     o.DeliveryEndpoint,
		OrderID:      id,
		MaxRetries:   e.Config.Delivery.MaxRetries,
		InitialDelay: time.Duration(e.Config.Delivery.InitialDelayMS) * time.Millisecond,
		Timeout:      time.Duration(e.Config.Delivery.TimeoutMS) * time.Millisecond,
		OnRetry: func(attempt, max int, msg string) {
			e.emit(events.TypeProgress, StreamPayload{
				OrderID:     id,
				Status:      domain.StatusProcessing,
				Message:     fmt.Sprintf("push attempt %d of %d failed", attempt, max),
				Attempt:     attempt,
				MaxAttempts: max,
				Error:       msg,
			})
		},
	}
	res := e.Pusher.Push(ctx, payload, opts)
	if res.Success {
		e.finish(ctx, id, domain.StatusDelivered, "", hash)
		return
	}
	log.Warn().Int("attempts", res.Attempts).Str("error", res.Error).Msg("push delivery exhausted; deliverable kept for download")
	e.finish(ctx, id, domain.StatusDeliveryFailed, res.Error, hash)
}

func (e *Engine) produce(ctx context.Context, o domain.Order) (domain.Deliverable, error) {
	svc, ok := e.Config.Services[o.ServiceType]
	if !ok {
		return domain.Deliverable{}, fmt.Errorf("service %q is no longer offered", o.ServiceType)
	}
	handler, ok := e.Handlers.Get(svc.Handler)
	if !ok {
		return domain.Deliverable{}, fmt.Errorf("no handler %q", svc.Handler)
	}
	return handler(ctx, fulfill.Request{
		OrderID:     o.OrderID,
		ServiceType: o.ServiceType,
		Description: o.Description,
		ClientName:  o.ClientName,
	})
}

// finish records a delivered or delivery_failed outcome and closes streams.
func (e *Engine) finish(ctx context.Context, id string, to domain.Status, reason, hash string) {
	u := domain.OrderUpdate{}
	if to == domain.StatusDelivered {
		now := e.now()
		u.DeliveredAt = &now
	}
	if reason != "" {
		u.FailureReason = &reason
	}
	unlock := e.locks.Lock(id)
	_, err := e.transition(context.WithoutCancel(ctx), id, to, u, string(to))
	unlock()
	if err != nil {
		e.Logger.Error().Err(err).Str("order_id", id).Msg("finish order")
		return
	}
	e.emit(events.TypeCompleted, StreamPayload{OrderID: id, Status: to, ContentHash: hash, Error: reason})
}

func (e *Engine) fail(ctx context.Context, id, reason string) {
	unlock := e.locks.Lock(id)
	_, err := e.transition(context.WithoutCancel(ctx), id, domain.StatusFailed, domain.OrderUpdate{FailureReason: &reason}, "fulfillment failed")
	unlock()
	if err != nil {
		e.Logger.Error().Err(err).Str("order_id", id).Msg("fail order")
		return
	}
	e.emit(events.TypeFailed, StreamPayload{OrderID: id, Status: domain.StatusFailed, Error: reason})
}

// interruptedReason marks orders whose push was cut off by a restart.
const interruptedReason = "delivery interrupted by provider restart; deliverable available for download"

// resume picks up orders left in processing by a previous run. Orders that
// already hold a deliverable become delivery_failed so they stay
// downloadable; the rest are fulfilled again.
func (e *Engine) resume(ctx context.Context) (int, error) {
	const page = 500
	var stuck []domain.Order
	for offset := 0; ; offset += page {
		batch, err := e.Store.List(ctx, domain.OrderFilter{Status: domain.StatusProcessing, Limit: page, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("list processing orders: %w", err)
		}
		stuck = append(stuck, batch...)
		if len(batch) < page {
			break
		}
	}
	for _, o := range stuck {
		if o.Deliverable != nil {
			e.finish(ctx, o.OrderID, domain.StatusDeliveryFailed, interruptedReason, o.ContentHash)
			continue
		}
		e.Logger.Info().Str("order_id", o.OrderID).Msg("resuming fulfillment")
		e.wg.Add(1)
		go func(id string) {
			defer e.wg.Done()
			e.fulfill(e.bg, id)
		}(o.OrderID)
	}
	return len(stuck), nil
}

// ConfirmDelivery records the client's signed acknowledgement of a
// deliverable.
func (e *Engine) ConfirmDelivery(ctx context.Context, c *protocol.DeliveryConfirmation) (StatusView, error) {
	id := c.OrderID
	unlock := e.locks.Lock(id)
	defer unlock()

	o, err := e.getOrder(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	if o.Deliverable == nil || (o.Status != domain.StatusDelivered && o.Status != domain.StatusDeliveryFailed) {
		return StatusView{}, reject(protocol.CodeDeliverableNotReady, "order %s has no deliverable to confirm", id).With("status", string(o.Status))
	}
	if !strings.EqualFold(strings.TrimPrefix(c.Confirmation.ContentHash, "0x"), o.ContentHash) {
		return StatusView{}, reject(protocol.CodeInvalidRequest, "content hash does not match the deliverable")
	}
	if !strings.Contains(c.SignedMessage, id) {
		return StatusView{}, reject(protocol.CodeInvalidSignedMessage, "signed message does not reference order %s", id)
	}
	valid, err := signing.Verify(c.SignedMessage, c.Signature, o.ClientAddress)
	if err != nil {
		return StatusView{}, fmt.Errorf("verify signature: %w", err)
	}
	if !valid {
		return StatusView{}, reject(protocol.CodeSignatureVerificationFailed, "confirmation was not signed by the ordering client")
	}
	if o.ConfirmedAt != nil {
		return viewOf(o), nil
	}
	now := e.now()
	o, err = e.Store.Update(ctx, id, domain.OrderUpdate{ConfirmedAt: &now})
	if err != nil {
		return StatusView{}, fmt.Errorf("confirm order %s: %w", id, err)
	}
	e.Logger.Info().Str("order_id", id).Msg("delivery confirmed")
	return viewOf(o), nil
}
