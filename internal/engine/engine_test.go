package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ivxp/internal/config"
	"ivxp/internal/db"
	"ivxp/internal/delivery"
	"ivxp/internal/domain"
	"ivxp/internal/engine"
	"ivxp/internal/events"
	"ivxp/internal/fulfill"
	"ivxp/internal/migrate"
	"ivxp/internal/protocol"
	"ivxp/internal/repo"
	"ivxp/internal/signing"
)

type stubVerifier struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (v *stubVerifier) Verify(_ context.Context, c domain.PaymentCheck) (domain.TransactionRef, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return domain.TransactionRef{}, v.err
	}
	return domain.TransactionRef{TxHash: c.TxHash, BlockNumber: 7, Confirmations: 1, Amount: c.Amount}, nil
}

type stubPusher struct {
	mu       sync.Mutex
	fail     bool
	block    bool
	payloads []any
	opts     []delivery.Options
}

func (p *stubPusher) Push(ctx context.Context, payload any, opts delivery.Options) delivery.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	p.opts = append(p.opts, opts)
	if p.block {
		<-ctx.Done()
		return delivery.Result{Attempts: 1, Error: ctx.Err().Error()}
	}
	if p.fail {
		for i := 1; i < opts.MaxRetries; i++ {
			opts.OnRetry(i, opts.MaxRetries, "status 500: boom")
		}
		return delivery.Result{Attempts: opts.MaxRetries, StatusCode: 500, Error: "status 500: boom"}
	}
	return delivery.Result{Success: true, Attempts: 1, StatusCode: 200}
}

type harness struct {
	eng      *engine.Engine
	store    engine.OrderStore
	client   *signing.Signer
	verifier *stubVerifier
	pusher   *stubPusher
	clock    *time.Time
}

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, store engine.OrderStore) *harness {
	t.Helper()
	if store == nil {
		store = repo.NewMemory()
	}
	provider, _, err := signing.GenerateKey()
	require.NoError(t, err)
	client, _, err := signing.GenerateKey()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Services["broken"] = config.ServiceConfig{BasePriceUSDC: "2", Handler: "broken"}
	handlers := fulfill.NewRegistry()
	handlers.Register("broken", func(context.Context, fulfill.Request) (domain.Deliverable, error) {
		return domain.Deliverable{}, errors.New("model unavailable")
	})

	clock := start
	h := &harness{store: store, client: client, verifier: &stubVerifier{}, pusher: &stubPusher{}, clock: &clock}
	h.eng = engine.New(cfg, engine.Deps{
		Store:    store,
		Signer:   provider,
		Verifier: h.verifier,
		Pusher:   h.pusher,
		Handlers: handlers,
		Logger:   zerolog.Nop(),
	})
	h.eng.Now = func() time.Time { return *h.clock }
	t.Cleanup(func() { _ = h.eng.Shutdown(context.Background()) })
	return h
}

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func (h *harness) quote(t *testing.T, service string) *protocol.ServiceQuote {
	t.Helper()
	q, err := h.eng.RequestQuote(context.Background(), &protocol.ServiceRequest{
		ClientAgent:    protocol.Agent{Name: "client-bot", WalletAddress: h.client.Address()},
		ServiceRequest: protocol.ServiceRequestDetails{Type: service, Description: "hello provider"},
	})
	require.NoError(t, err)
	return q
}

func (h *harness) deliveryRequest(t *testing.T, orderID, tx, endpoint string) *protocol.DeliveryRequest {
	t.Helper()
	msg, err := signing.FormatIVXPMessage(orderID, tx, *h.clock)
	require.NoError(t, err)
	sig, err := h.client.Sign(msg)
	require.NoError(t, err)
	return &protocol.DeliveryRequest{
		OrderID: orderID,
		PaymentProof: protocol.PaymentProof{
			TxHash:      tx,
			FromAddress: h.client.Address(),
			Network:     protocol.NetworkBaseSepolia,
		},
		Signature:        sig,
		SignedMessage:    msg,
		DeliveryEndpoint: endpoint,
	}
}

func requireCode(t *testing.T, err error, code protocol.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, protocol.CodeOf(err), err.Error())
}

type recorder struct {
	mu    sync.Mutex
	types []events.Type
}

func (r *recorder) listen(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, ev.Type)
}

func (r *recorder) seen() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Type(nil), r.types...)
}

func TestPullDeliveryFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	q := h.quote(t, "text_echo")
	assert.True(t, strings.HasPrefix(q.OrderID, domain.OrderIDPrefix))
	assert.True(t, q.Quote.PriceUSDC.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, protocol.NetworkBaseSepolia, q.Quote.Network)

	rec := &recorder{}
	h.eng.Events.Subscribe(q.OrderID, rec.listen)

	acc, err := h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(1), ""))
	require.NoError(t, err)
	assert.Equal(t, "accepted", acc.Status)
	assert.Equal(t, "/ivxp/stream/"+q.OrderID, acc.StreamURL)
	h.eng.Wait()

	st, err := h.eng.Status(ctx, q.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, st.Status)
	assert.NotEmpty(t, st.ContentHash)
	assert.Equal(t, txHash(1), st.TxHash)
	require.NotNil(t, st.PaidAt)
	require.NotNil(t, st.DeliveredAt)

	sd, err := h.eng.Download(ctx, q.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "hello provider", sd.Deliverable.Content)
	want, err := protocol.ContentHash("hello provider")
	require.NoError(t, err)
	assert.Equal(t, want, sd.ContentHash)
	ok, err := signing.Verify(sd.SignedMessage, sd.Signature, h.eng.Signer.Address())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, h.pusher.payloads)

	seen := rec.seen()
	require.NotEmpty(t, seen)
	assert.Equal(t, events.TypeCompleted, seen[len(seen)-1])
	assert.Contains(t, seen, events.TypeStatusUpdate)

	evs, err := h.eng.OrderEvents(ctx, q.OrderID)
	require.NoError(t, err)
	var path []domain.Status
	for _, ev := range evs {
		path = append(path, ev.ToStatus)
	}
	assert.Equal(t, []domain.Status{domain.StatusQuoted, domain.StatusPaid, domain.StatusProcessing, domain.StatusDelivered}, path)
}

func TestPushDeliverySuccess(t *testing.T) {
	h := newHarness(t, nil)
	q := h.quote(t, "json_transform")
	_, err := h.eng.RequestDelivery(context.Background(), h.deliveryRequest(t, q.OrderID, txHash(2), "https://client.example/callback"))
	require.NoError(t, err)
	h.eng.Wait()

	st, err := h.eng.Status(context.Background(), q.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, st.Status)
	require.Len(t, h.pusher.payloads, 1)
	sd, ok := h.pusher.payloads[0].(*protocol.ServiceDelivery)
	require.True(t, ok)
	assert.Equal(t, q.OrderID, sd.OrderID)
	assert.Equal(t, st.ContentHash, sd.ContentHash)
	assert.Equal(t, 3, h.pusher.opts[0].MaxRetries)
	assert.Equal(t, time.Second, h.pusher.opts[0].InitialDelay)
}

func TestPushExhaustionKeepsDeliverable(t *testing.T) {
	h := newHarness(t, nil)
	h.pusher.fail = true
	q := h.quote(t, "text_echo")
	rec := &recorder{}
	h.eng.Events.Subscribe(q.OrderID, rec.listen)

	_, err := h.eng.RequestDelivery(context.Background(), h.deliveryRequest(t, q.OrderID, txHash(3), "http://client.example/cb"))
	require.NoError(t, err)
	h.eng.Wait()

	st, err := h.eng.Status(context.Background(), q.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeliveryFailed, st.Status)
	assert.Contains(t, st.FailureReason, "status 500")

	sd, err := h.eng.Download(context.Background(), q.OrderID)
	require.NoError(t, err)
	assert.NotEmpty(t, sd.Note)

	progress := 0
	for _, typ := range rec.seen() {
		if typ == events.TypeProgress {
			progress++
		}
	}
	// started, deliverable ready, two retries
	assert.Equal(t, 4, progress)
}

func TestIneligibleEndpointFallsBackToPull(t *testing.T) {
	h := newHarness(t, nil)
	q := h.quote(t, "text_echo")
	_, err := h.eng.RequestDelivery(context.Background(), h.deliveryRequest(t, q.OrderID, txHash(4), "file:///etc/passwd"))
	require.NoError(t, err)
	h.eng.Wait()

	st, err := h.eng.Status(context.Background(), q.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, st.Status)
	assert.Empty(t, h.pusher.payloads)
}

func TestHandlerErrorFailsOrder(t *testing.T) {
	h := newHarness(t, nil)
	q := h.quote(t, "broken")
	rec := &recorder{}
	h.eng.Events.Subscribe(q.OrderID, rec.listen)
	_, err := h.eng.RequestDelivery(context.Background(), h.deliveryRequest(t, q.OrderID, txHash(5), ""))
	require.NoError(t, err)
	h.eng.Wait()

	st, err := h.eng.Status(context.Background(), q.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, st.Status)
	assert.Equal(t, "model unavailable", st.FailureReason)
	seen := rec.seen()
	assert.Equal(t, events.TypeFailed, seen[len(seen)-1])

	_, err = h.eng.Download(context.Background(), q.OrderID)
	requireCode(t, err, protocol.CodeDeliverableNotReady)
}

func TestReplayedTransactionIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first := h.quote(t, "text_echo")
	second := h.quote(t, "text_echo")

	_, err := h.eng.RequestDelivery(ctx, h.deliveryRequest(t, first.OrderID, txHash(6), ""))
	require.NoError(t, err)

	upper := "0x" + strings.ToUpper(txHash(6)[2:])
	_, err = h.eng.RequestDelivery(ctx, h.deliveryRequest(t, second.OrderID, upper, ""))
	requireCode(t, err, protocol.CodeDuplicatePayment)
	h.eng.Wait()

	st, err := h.eng.Status(ctx, second.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQuoted, st.Status)
}

func TestConcurrentReplayFundsOneOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	reqs := make([]*protocol.DeliveryRequest, 8)
	for i := range reqs {
		q := h.quote(t, "text_echo")
		reqs[i] = h.deliveryRequest(t, q.OrderID, txHash(7), "")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.eng.RequestDelivery(ctx, req)
		}()
	}
	wg.Wait()
	h.eng.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.Equal(t, protocol.CodeDuplicatePayment, protocol.CodeOf(err))
	}
	assert.Equal(t, 1, accepted)
}

func TestDeliveryGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown order", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.eng.RequestDelivery(ctx, h.deliveryRequest(t, domain.NewOrderID(), txHash(10), ""))
		requireCode(t, err, protocol.CodeOrderNotFound)
	})

	t.Run("signed message names another order", func(t *testing.T) {
		h := newHarness(t, nil)
		q := h.quote(t, "text_echo")
		req := h.deliveryRequest(t, domain.NewOrderID(), txHash(11), "")
		req.OrderID = q.OrderID
		_, err := h.eng.RequestDelivery(ctx, req)
		requireCode(t, err, protocol.CodeInvalidSignedMessage)

		// the reservation is released
		_, err = h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(11), ""))
		require.NoError(t, err)
		h.eng.Wait()
	})

	t.Run("signature from another wallet", func(t *testing.T) {
		h := newHarness(t, nil)
		q := h.quote(t, "text_echo")
		req := h.deliveryRequest(t, q.OrderID, txHash(12), "")
		other, _, err := signing.GenerateKey()
		require.NoError(t, err)
		req.Signature, err = other.Sign(req.SignedMessage)
		require.NoError(t, err)
		_, err = h.eng.RequestDelivery(ctx, req)
		requireCode(t, err, protocol.CodeSignatureVerificationFailed)
	})

	t.Run("network mismatch", func(t *testing.T) {
		h := newHarness(t, nil)
		q := h.quote(t, "text_echo")
		req := h.deliveryRequest(t, q.OrderID, txHash(13), "")
		req.PaymentProof.Network = protocol.NetworkBaseMainnet
		_, err := h.eng.RequestDelivery(ctx, req)
		requireCode(t, err, protocol.CodeNetworkMismatch)
	})

	t.Run("expired quote", func(t *testing.T) {
		h := newHarness(t, nil)
		q := h.quote(t, "text_echo")
		*h.clock = start.Add(2 * time.Hour)
		_, err := h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(14), ""))
		requireCode(t, err, protocol.CodeOrderExpired)

		st, err := h.eng.Status(ctx, q.OrderID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, st.Status)
	})

	t.Run("verifier rejection releases the hash", func(t *testing.T) {
		h := newHarness(t, nil)
		h.verifier.err = fmt.Errorf("%w: no transfer", domain.ErrPaymentRejected)
		q := h.quote(t, "text_echo")
		_, err := h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(15), ""))
		requireCode(t, err, protocol.CodePaymentNotVerified)

		h.verifier.err = nil
		other := h.quote(t, "text_echo")
		_, err = h.eng.RequestDelivery(ctx, h.deliveryRequest(t, other.OrderID, txHash(15), ""))
		require.NoError(t, err)
		h.eng.Wait()
	})

	t.Run("verifier timeout", func(t *testing.T) {
		h := newHarness(t, nil)
		h.verifier.err = context.DeadlineExceeded
		q := h.quote(t, "text_echo")
		_, err := h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(16), ""))
		requireCode(t, err, protocol.CodePaymentTimeout)
	})

	t.Run("claimed amount below price", func(t *testing.T) {
		h := newHarness(t, nil)
		q := h.quote(t, "json_transform")
		req := h.deliveryRequest(t, q.OrderID, txHash(17), "")
		low := decimal.RequireFromString("4.99")
		req.PaymentProof.AmountUSDC = &low
		_, err := h.eng.RequestDelivery(ctx, req)
		requireCode(t, err, protocol.CodePaymentNotVerified)
		assert.Zero(t, h.verifier.calls)
	})

	t.Run("order already processing", func(t *testing.T) {
		h := newHarness(t, nil)
		q := h.quote(t, "text_echo")
		_, err := h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(18), ""))
		require.NoError(t, err)
		h.eng.Wait()
		_, err = h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(18), ""))
		requireCode(t, err, protocol.CodeInvalidOrderStatus)
	})
}

func TestQuoteGuards(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.eng.RequestQuote(ctx, &protocol.ServiceRequest{
		ClientAgent:    protocol.Agent{Name: "c", WalletAddress: h.client.Address()},
		ServiceRequest: protocol.ServiceRequestDetails{Type: "astrology", Description: "x"},
	})
	requireCode(t, err, protocol.CodeServiceTypeNotSupported)
	assert.Contains(t, protocol.AsError(err).Details["supported"], "text_echo")

	budget := decimal.RequireFromString("10")
	_, err = h.eng.RequestQuote(ctx, &protocol.ServiceRequest{
		ClientAgent:    protocol.Agent{Name: "c", WalletAddress: h.client.Address()},
		ServiceRequest: protocol.ServiceRequestDetails{Type: "research", Description: "x", BudgetUSDC: &budget},
	})
	requireCode(t, err, protocol.CodeBudgetTooLow)
}

func TestCatalogListsServices(t *testing.T) {
	h := newHarness(t, nil)
	cat := h.eng.Catalog()
	assert.Equal(t, protocol.Version, cat.Protocol)
	assert.Equal(t, h.eng.Signer.Address(), cat.WalletAddress)
	var names []string
	for _, s := range cat.Services {
		names = append(names, s.Type)
	}
	assert.Contains(t, names, "text_echo")
	assert.Contains(t, names, "research")
}

func TestSubmitPaymentThenDeliver(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	q := h.quote(t, "text_echo")

	st, err := h.eng.SubmitPayment(ctx, q.OrderID, &protocol.PaymentProof{
		TxHash: txHash(20), FromAddress: h.client.Address(), Network: protocol.NetworkBaseSepolia,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, st.Status)

	_, err = h.eng.SubmitPayment(ctx, q.OrderID, &protocol.PaymentProof{
		TxHash: txHash(21), FromAddress: h.client.Address(), Network: protocol.NetworkBaseSepolia,
	})
	requireCode(t, err, protocol.CodeInvalidOrderStatus)

	_, err = h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(22), ""))
	requireCode(t, err, protocol.CodePaymentNotVerified)

	_, err = h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(20), ""))
	require.NoError(t, err)
	h.eng.Wait()
	assert.Equal(t, 1, h.verifier.calls)

	st, err = h.eng.Status(ctx, q.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, st.Status)
}

func TestPaidOrderRejectsForeignPayer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	q := h.quote(t, "text_echo")

	_, err := h.eng.SubmitPayment(ctx, q.OrderID, &protocol.PaymentProof{
		TxHash: txHash(25), FromAddress: h.client.Address(), Network: protocol.NetworkBaseSepolia,
	})
	require.NoError(t, err)
	o, err := h.store.Get(ctx, q.OrderID)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(h.client.Address()), o.PayerAddress)

	// a third party replays the public tx hash with a signature of its own
	other, _, err := signing.GenerateKey()
	require.NoError(t, err)
	msg, err := signing.FormatIVXPMessage(q.OrderID, txHash(25), *h.clock)
	require.NoError(t, err)
	sig, err := other.Sign(msg)
	require.NoError(t, err)
	_, err = h.eng.RequestDelivery(ctx, &protocol.DeliveryRequest{
		OrderID: q.OrderID,
		PaymentProof: protocol.PaymentProof{
			TxHash:      txHash(25),
			FromAddress: other.Address(),
			Network:     protocol.NetworkBaseSepolia,
		},
		Signature:        sig,
		SignedMessage:    msg,
		DeliveryEndpoint: "https://elsewhere.example/cb",
	})
	requireCode(t, err, protocol.CodeSignatureVerificationFailed)

	st, err := h.eng.Status(ctx, q.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, st.Status)
	assert.Empty(t, h.pusher.payloads)

	_, err = h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(25), ""))
	require.NoError(t, err)
	h.eng.Wait()
}

func TestConfirmDelivery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	q := h.quote(t, "text_echo")

	confirm := func(hash string, signer *signing.Signer, orderRef string) *protocol.DeliveryConfirmation {
		msg := fmt.Sprintf("Confirm delivery: %s | Content: %s", orderRef, hash)
		sig, err := signer.Sign(msg)
		require.NoError(t, err)
		return &protocol.DeliveryConfirmation{
			OrderID:       q.OrderID,
			ClientAgent:   protocol.Agent{Name: "client-bot", WalletAddress: h.client.Address()},
			Confirmation:  protocol.Confirmation{Received: true, ContentHash: hash},
			Signature:     sig,
			SignedMessage: msg,
		}
	}

	_, err := h.eng.ConfirmDelivery(ctx, confirm("00", h.client, q.OrderID))
	requireCode(t, err, protocol.CodeDeliverableNotReady)

	_, err = h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(30), ""))
	require.NoError(t, err)
	h.eng.Wait()
	st, err := h.eng.Status(ctx, q.OrderID)
	require.NoError(t, err)

	_, err = h.eng.ConfirmDelivery(ctx, confirm(strings.Repeat("0", 64), h.client, q.OrderID))
	requireCode(t, err, protocol.CodeInvalidRequest)

	_, err = h.eng.ConfirmDelivery(ctx, confirm(st.ContentHash, h.client, "ivxp-other"))
	requireCode(t, err, protocol.CodeInvalidSignedMessage)

	stranger, _, err := signing.GenerateKey()
	require.NoError(t, err)
	_, err = h.eng.ConfirmDelivery(ctx, confirm(st.ContentHash, stranger, q.OrderID))
	requireCode(t, err, protocol.CodeSignatureVerificationFailed)

	st, err = h.eng.ConfirmDelivery(ctx, confirm(st.ContentHash, h.client, q.OrderID))
	require.NoError(t, err)
	require.NotNil(t, st.ConfirmedAt)
	first := *st.ConfirmedAt

	*h.clock = start.Add(time.Minute)
	st, err = h.eng.ConfirmDelivery(ctx, confirm(st.ContentHash, h.client, q.OrderID))
	require.NoError(t, err)
	assert.True(t, first.Equal(*st.ConfirmedAt))
}

func TestDeleteOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	q := h.quote(t, "text_echo")
	_, err := h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(40), ""))
	require.NoError(t, err)
	h.eng.Wait()

	require.NoError(t, h.eng.DeleteOrder(ctx, q.OrderID))
	_, err = h.eng.Status(ctx, q.OrderID)
	requireCode(t, err, protocol.CodeOrderNotFound)
	requireCode(t, h.eng.DeleteOrder(ctx, q.OrderID), protocol.CodeOrderNotFound)

	// the consumed hash outlives the order
	other := h.quote(t, "text_echo")
	_, err = h.eng.RequestDelivery(ctx, h.deliveryRequest(t, other.OrderID, txHash(40), ""))
	requireCode(t, err, protocol.CodeDuplicatePayment)
}

func TestSeedSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	store := repo.Repo{DB: conn}

	ctx := context.Background()
	h := newHarness(t, store)
	q := h.quote(t, "text_echo")
	_, err = h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(50), ""))
	require.NoError(t, err)
	h.eng.Wait()

	restarted := newHarness(t, store)
	require.NoError(t, restarted.eng.Seed(ctx))
	fresh := restarted.quote(t, "text_echo")
	_, err = restarted.eng.RequestDelivery(ctx, restarted.deliveryRequest(t, fresh.OrderID, txHash(50), ""))
	requireCode(t, err, protocol.CodeDuplicatePayment)
	assert.Zero(t, restarted.verifier.calls)
}

func sqliteStore(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.Repo{DB: conn}
}

func TestShutdownDeadlineKeepsDeliverableDownloadable(t *testing.T) {
	store := sqliteStore(t)
	h := newHarness(t, store)
	h.pusher.block = true
	ctx := context.Background()
	q := h.quote(t, "text_echo")

	_, err := h.eng.RequestDelivery(ctx, h.deliveryRequest(t, q.OrderID, txHash(60), "https://client.example/cb"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		o, err := store.Get(ctx, q.OrderID)
		return err == nil && o.Deliverable != nil
	}, 2*time.Second, 5*time.Millisecond)

	deadline, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.eng.Shutdown(deadline), context.DeadlineExceeded)

	st, err := h.eng.Status(ctx, q.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeliveryFailed, st.Status)
	sd, err := h.eng.Download(ctx, q.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "hello provider", sd.Deliverable.Content)
}

func TestSeedRecoversInterruptedOrders(t *testing.T) {
	store := sqliteStore(t)
	ctx := context.Background()
	processing := domain.StatusProcessing

	open := func(n int, withDeliverable bool) string {
		id := domain.NewOrderID()
		require.NoError(t, store.Create(ctx, domain.Order{
			OrderID:        id,
			Status:         domain.StatusPaid,
			ClientAddress:  "0x00000000000000000000000000000000000000c1",
			PaymentAddress: "0x00000000000000000000000000000000000000a1",
			ServiceType:    "text_echo",
			Description:    "left behind",
			PriceUSDC:      decimal.NewFromInt(1),
			Network:        string(protocol.NetworkBaseSepolia),
			TxHash:         txHash(n),
			CreatedAt:      start,
			ExpiresAt:      start.Add(time.Hour),
		}))
		u := domain.OrderUpdate{Status: &processing}
		if withDeliverable {
			u.Deliverable = &domain.Deliverable{Type: "text_echo_deliverable", Format: "text", Content: "left behind"}
			u.ContentHash = domain.Ptr("abc")
		}
		_, err := store.Update(ctx, id, u)
		require.NoError(t, err)
		return id
	}
	pushed := open(70, true)
	unstarted := open(71, false)

	h := newHarness(t, store)
	require.NoError(t, h.eng.Seed(ctx))
	h.eng.Wait()

	st, err := h.eng.Status(ctx, pushed)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeliveryFailed, st.Status)
	_, err = h.eng.Download(ctx, pushed)
	require.NoError(t, err)

	st, err = h.eng.Status(ctx, unstarted)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, st.Status)
	assert.NotEmpty(t, st.ContentHash)
}
