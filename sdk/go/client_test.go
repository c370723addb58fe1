package ivxpsdk_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ivxpsdk "ivxp/sdk/go"

	"ivxp/internal/chain"
	"ivxp/internal/config"
	"ivxp/internal/engine"
	"ivxp/internal/protocol"
	"ivxp/internal/repo"
	"ivxp/internal/server"
	"ivxp/internal/signing"
)

type provider struct {
	url     string
	address string
	engine  *engine.Engine
}

func startProvider(t *testing.T) provider {
	t.Helper()
	signer, _, err := signing.GenerateKey()
	require.NoError(t, err)
	e := engine.New(config.Default(), engine.Deps{
		Store:    repo.NewMemory(),
		Signer:   signer,
		Verifier: chain.Static{},
		Logger:   zerolog.Nop(),
	})
	h, err := server.New(server.Config{Engine: e, BasePath: "/ivxp", Logger: zerolog.Nop()})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		e.Shutdown(context.Background())
		e.Events.Close()
		srv.Close()
	})
	return provider{url: srv.URL + "/ivxp", address: signer.Address(), engine: e}
}

func newClient(t *testing.T, p provider) *ivxpsdk.Client {
	t.Helper()
	signer, _, err := signing.GenerateKey()
	require.NoError(t, err)
	return ivxpsdk.New(p.url, "sdk-test", signer)
}

func TestFullOrderLifecycle(t *testing.T) {
	p := startProvider(t)
	c := newClient(t, p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cat, err := c.Catalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.address, cat.WalletAddress)
	assert.NotEmpty(t, cat.Services)

	quote, err := c.RequestQuote(ctx, ivxpsdk.QuoteRequest{ServiceType: "text_echo", Description: "hello provider"})
	require.NoError(t, err)
	assert.Equal(t, "1", quote.Quote.PriceUSDC.String())

	accepted, err := c.RequestDelivery(ctx, quote.OrderID, protocol.PaymentProof{
		TxHash:  fmt.Sprintf("0x%064x", 1),
		Network: quote.Quote.Network,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, quote.OrderID, accepted.OrderID)

	st, err := c.WaitFinished(ctx, quote.OrderID, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "delivered", st.Status)

	sd, err := c.Download(ctx, quote.OrderID, quote.ProviderAgent.WalletAddress)
	require.NoError(t, err)
	assert.Equal(t, "hello provider", sd.Deliverable.Content)

	rating := 5
	confirmed, err := c.Confirm(ctx, sd, &rating)
	require.NoError(t, err)
	assert.NotNil(t, confirmed.ConfirmedAt)
}

func TestProviderErrorsDecodeToEnvelope(t *testing.T) {
	p := startProvider(t)
	c := newClient(t, p)
	ctx := context.Background()

	_, err := c.Status(ctx, "ivxp-00000000-0000-4000-8000-000000000000")
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, protocol.CodeOrderNotFound, perr.Code)

	_, err = c.RequestQuote(ctx, ivxpsdk.QuoteRequest{ServiceType: "astrology", Description: "x"})
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, protocol.CodeServiceTypeNotSupported, perr.Code)

	_, err = c.Download(ctx, "ivxp-00000000-0000-4000-8000-000000000000", p.address)
	require.True(t, errors.As(err, &perr))
}

func TestVerifyDeliveryRejectsTampering(t *testing.T) {
	p := startProvider(t)
	c := newClient(t, p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	quote, err := c.RequestQuote(ctx, ivxpsdk.QuoteRequest{ServiceType: "text_echo", Description: "original"})
	require.NoError(t, err)
	_, err = c.RequestDelivery(ctx, quote.OrderID, protocol.PaymentProof{
		TxHash:  fmt.Sprintf("0x%064x", 2),
		Network: quote.Quote.Network,
	}, "")
	require.NoError(t, err)
	_, err = c.WaitFinished(ctx, quote.OrderID, 20*time.Millisecond)
	require.NoError(t, err)

	sd, err := c.Download(ctx, quote.OrderID, p.address)
	require.NoError(t, err)

	tampered := *sd
	tampered.Deliverable.Content = "forged"
	assert.Error(t, ivxpsdk.VerifyDelivery(&tampered, p.address))

	other, _, err := signing.GenerateKey()
	require.NoError(t, err)
	assert.Error(t, ivxpsdk.VerifyDelivery(sd, other.Address()))
}
