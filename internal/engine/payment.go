package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ivxp/internal/domain"
	"ivxp/internal/events"
	"ivxp/internal/protocol"
	"ivxp/internal/repo"
	"ivxp/internal/signing"
)

// expire fails a quoted order whose payment window has closed.
func (e *Engine) expire(ctx context.Context, o domain.Order) error {
	reason := "quote expired"
	if _, err := e.transition(ctx, o.OrderID, domain.StatusFailed, domain.OrderUpdate{FailureReason: &reason}, reason); err != nil {
		e.Logger.Error().Err(err).Str("order_id", o.OrderID).Msg("expire order")
	} else {
		e.emit(events.TypeFailed, StreamPayload{OrderID: o.OrderID, Status: domain.StatusFailed, Error: reason})
	}
	return reject(protocol.CodeOrderExpired, "quote for order %s expired at %s", o.OrderID, o.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
}

func (e *Engine) expired(o domain.Order) bool {
	return !o.ExpiresAt.IsZero() && e.now().After(o.ExpiresAt)
}

func (e *Engine) checkNetwork(o domain.Order, proof protocol.PaymentProof) error {
	if string(proof.Network) != o.Network {
		return reject(protocol.CodeNetworkMismatch, "payment on %s but order settles on %s", proof.Network, o.Network).
			With("expected", o.Network)
	}
	return nil
}

// verifyPayment runs the claimed-field checks and the on-chain verifier.
func (e *Engine) verifyPayment(ctx context.Context, o domain.Order, proof protocol.PaymentProof) error {
	if proof.AmountUSDC != nil && proof.AmountUSDC.LessThan(o.PriceUSDC) {
		return reject(protocol.CodePaymentNotVerified, "paid amount %s is below the price %s", proof.AmountUSDC, o.PriceUSDC)
	}
	if proof.ToAddress != "" && !strings.EqualFold(proof.ToAddress, o.PaymentAddress) {
		return reject(protocol.CodePaymentNotVerified, "payment was sent to %s, not %s", proof.ToAddress, o.PaymentAddress)
	}
	ref, err := e.Verifier.Verify(ctx, domain.PaymentCheck{
		TxHash:  proof.TxHash,
		From:    proof.FromAddress,
		To:      o.PaymentAddress,
		Amount:  o.PriceUSDC,
		Network: o.Network,
	})
	switch {
	case err == nil:
		e.Logger.Info().Str("order_id", o.OrderID).Str("tx_hash", proof.TxHash).Uint64("block", ref.BlockNumber).Msg("payment verified")
		return nil
	case errors.Is(err, domain.ErrPaymentRejected):
		return reject(protocol.CodePaymentNotVerified, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return reject(protocol.CodePaymentTimeout, "payment verification timed out")
	default:
		e.Logger.Error().Err(err).Str("order_id", o.OrderID).Msg("payment verifier unavailable")
		return reject(protocol.CodeServiceUnavailable, "payment verification is unavailable")
	}
}

// recordPayment moves a quoted order to paid, remembering the verified payer.
func (e *Engine) recordPayment(ctx context.Context, o domain.Order, proof protocol.PaymentProof) (domain.Order, error) {
	now := e.now()
	tx := strings.ToLower(proof.TxHash)
	payer := strings.ToLower(proof.FromAddress)
	o, err := e.transition(ctx, o.OrderID, domain.StatusPaid, domain.OrderUpdate{TxHash: &tx, PayerAddress: &payer, PaidAt: &now}, "payment verified")
	if errors.Is(err, repo.ErrDuplicate) {
		return o, reject(protocol.CodeDuplicatePayment, "transaction %s already funded another order", tx)
	}
	return o, err
}

// SubmitPayment records a verified payment for a quoted order.
func (e *Engine) SubmitPayment(ctx context.Context, id string, proof *protocol.PaymentProof) (StatusView, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	o, err := e.getOrder(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	if o.Status != domain.StatusQuoted {
		return StatusView{}, reject(protocol.CodeInvalidOrderStatus, "order %s is %s, expected quoted", id, o.Status).With("status", string(o.Status))
	}
	if e.expired(o) {
		return StatusView{}, e.expire(ctx, o)
	}
	if err := e.checkNetwork(o, *proof); err != nil {
		return StatusView{}, err
	}
	tx := strings.ToLower(proof.TxHash)
	ok, fresh := e.txs.Claim(tx, id)
	if !ok {
		return StatusView{}, reject(protocol.CodeDuplicatePayment, "transaction %s already funded another order", tx)
	}
	release := func() {
		if fresh {
			e.txs.Release(tx, id)
		}
	}
	if err := e.verifyPayment(ctx, o, *proof); err != nil {
		release()
		return StatusView{}, err
	}
	o, err = e.recordPayment(ctx, o, *proof)
	if err != nil {
		release()
		return StatusView{}, err
	}
	return viewOf(o), nil
}

// RequestDelivery accepts a signed delivery request, moves the order to
// processing and starts fulfillment in the background.
func (e *Engine) RequestDelivery(ctx context.Context, req *protocol.DeliveryRequest) (*protocol.DeliveryAccepted, error) {
	id := req.OrderID
	unlock := e.locks.Lock(id)
	defer unlock()

	o, err := e.getOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != domain.StatusQuoted && o.Status != domain.StatusPaid {
		return nil, reject(protocol.CodeInvalidOrderStatus, "order %s is %s; delivery can only be requested for quoted or paid orders", id, o.Status).
			With("status", string(o.Status))
	}

	proof := req.PaymentProof
	tx := strings.ToLower(proof.TxHash)
	fresh := false
	if o.Status == domain.StatusPaid {
		if tx != o.TxHash {
			if _, taken := e.txs.Owner(tx); taken {
				return nil, reject(protocol.CodeDuplicatePayment, "transaction %s already funded another order", tx)
			}
			return nil, reject(protocol.CodePaymentNotVerified, "payment proof does not match the payment recorded for order %s", id)
		}
	} else {
		var ok bool
		ok, fresh = e.txs.Claim(tx, id)
		if !ok {
			return nil, reject(protocol.CodeDuplicatePayment, "transaction %s already funded another order", tx)
		}
	}
	release := func() {
		if fresh {
			e.txs.Release(tx, id)
		}
	}

	if !strings.Contains(req.SignedMessage, id) {
		release()
		return nil, reject(protocol.CodeInvalidSignedMessage, "signed message does not reference order %s", id)
	}
	valid, err := signing.Verify(req.SignedMessage, req.Signature, proof.FromAddress)
	if err != nil {
		release()
		return nil, fmt.Errorf("verify signature: %w", err)
	}
	if !valid {
		release()
		return nil, reject(protocol.CodeSignatureVerificationFailed, "signature was not produced by %s", proof.FromAddress)
	}
	if o.Status == domain.StatusPaid && !strings.EqualFold(proof.FromAddress, payerOf(o)) {
		return nil, reject(protocol.CodeSignatureVerificationFailed, "order %s was paid by another wallet", id)
	}

	if o.Status == domain.StatusQuoted {
		if e.expired(o) {
			release()
			return nil, e.expire(ctx, o)
		}
		if err := e.checkNetwork(o, proof); err != nil {
			release()
			return nil, err
		}
		if err := e.verifyPayment(ctx, o, proof); err != nil {
			release()
			return nil, err
		}
		if o, err = e.recordPayment(ctx, o, proof); err != nil {
			release()
			return nil, err
		}
	}

	endpoint := strings.TrimSpace(req.DeliveryEndpoint)
	o, err = e.transition(ctx, id, domain.StatusProcessing, domain.OrderUpdate{
		Signature:        &req.Signature,
		SignedMessage:    &req.SignedMessage,
		DeliveryEndpoint: &endpoint,
	}, "delivery accepted")
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.fulfill(e.bg, id)
	}()

	return &protocol.DeliveryAccepted{
		Status:    "accepted",
		OrderID:   id,
		Message:   "Payment verified; fulfillment started",
		StreamURL: e.StreamPath(id),
	}, nil
}

// payerOf is the wallet whose payment funded o. Orders paid before the payer
// was recorded fall back to the quoting client.
func payerOf(o domain.Order) string {
	if o.PayerAddress != "" {
		return o.PayerAddress
	}
	return o.ClientAddress
}

// StreamPath is the SSE path clients follow for an order.
func (e *Engine) StreamPath(id string) string {
	return strings.TrimRight(e.Config.Server.BasePath, "/") + "/stream/" + id
}
