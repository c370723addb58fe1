// Package ivxpsdk is a client for IVXP/1.0 providers. It signs payment and
// confirmation messages with the caller's wallet and checks the provider's
// attestation on downloaded deliverables.
package ivxpsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ivxp/internal/protocol"
	"ivxp/internal/signing"
)

// Client talks to one provider. BaseURL includes the provider's base path,
// e.g. https://provider.example/ivxp.
type Client struct {
	BaseURL    string
	Name       string
	Signer     *signing.Signer
	HTTPClient *http.Client
	Timeout    time.Duration
	Now        func() time.Time
}

// New creates a client with sane defaults.
func New(baseURL, name string, signer *signing.Signer) *Client {
	return &Client{
		BaseURL: baseURL,
		Name:    name,
		Signer:  signer,
		Timeout: 30 * time.Second,
	}
}

// OrderStatus mirrors the provider's status response.
type OrderStatus struct {
	OrderID       string          `json:"order_id"`
	Status        string          `json:"status"`
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

// Finished reports whether no further transition will happen on its own.
func (s OrderStatus) Finished() bool {
	switch s.Status {
	case "delivered", "delivery_failed", "failed":
		return true
	}
	return false
}

// APIError wraps non-2xx responses that did not carry an IVXP error envelope.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// QuoteRequest describes the work being asked for.
type QuoteRequest struct {
	ServiceType     string
	Description     string
	BudgetUSDC      *decimal.Decimal
	DeliveryFormat  string
	Deadline        *time.Time
	ContactEndpoint string
}

// Catalog fetches and validates the provider's service catalog.
func (c *Client) Catalog(ctx context.Context) (*protocol.ServiceCatalog, error) {
	raw, err := c.do(ctx, http.MethodGet, "catalog", nil)
	if err != nil {
		return nil, err
	}
	return protocol.ParseServiceCatalog(raw)
}

// RequestQuote asks the provider to price a job.
func (c *Client) RequestQuote(ctx context.Context, q QuoteRequest) (*protocol.ServiceQuote, error) {
	if c.Signer == nil {
		return nil, errors.New("client signer is required")
	}
	req := &protocol.ServiceRequest{
		ClientAgent: protocol.Agent{
			Name:            c.Name,
			WalletAddress:   c.Signer.Address(),
			ContactEndpoint: q.ContactEndpoint,
		},
		ServiceRequest: protocol.ServiceRequestDetails{
			Type:           q.ServiceType,
			Description:    q.Description,
			BudgetUSDC:     q.BudgetUSDC,
			DeliveryFormat: q.DeliveryFormat,
			Deadline:       q.Deadline,
		},
	}
	raw, err := c.send(ctx, "request", req)
	if err != nil {
		return nil, err
	}
	return protocol.ParseServiceQuote(raw)
}

// SubmitPayment records payment for a quoted order without starting delivery.
func (c *Client) SubmitPayment(ctx context.Context, orderID string, proof protocol.PaymentProof) (OrderStatus, error) {
	var st OrderStatus
	body, err := json.Marshal(c.fillProof(proof))
	if err != nil {
		return st, err
	}
	raw, err := c.do(ctx, http.MethodPost, "orders/"+url.PathEscape(orderID)+"/payment", body)
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(raw, &st)
	return st, err
}

// RequestDelivery signs "Order | Payment | Timestamp" over the proof and asks
// the provider to fulfill the order. An empty endpoint selects pull delivery.
func (c *Client) RequestDelivery(ctx context.Context, orderID string, proof protocol.PaymentProof, endpoint string) (*protocol.DeliveryAccepted, error) {
	if c.Signer == nil {
		return nil, errors.New("client signer is required")
	}
	proof = c.fillProof(proof)
	msg, err := signing.FormatIVXPMessage(orderID, proof.TxHash, c.now())
	if err != nil {
		return nil, err
	}
	sig, err := c.Signer.Sign(msg)
	if err != nil {
		return nil, err
	}
	req := &protocol.DeliveryRequest{
		OrderID:          orderID,
		PaymentProof:     proof,
		Signature:        sig,
		SignedMessage:    msg,
		DeliveryEndpoint: endpoint,
	}
	raw, err := c.send(ctx, "deliver", req)
	if err != nil {
		return nil, err
	}
	var accepted protocol.DeliveryAccepted
	if err := json.Unmarshal(raw, &accepted); err != nil {
		return nil, err
	}
	return &accepted, nil
}

// Status returns the order's current state.
func (c *Client) Status(ctx context.Context, orderID string) (OrderStatus, error) {
	var st OrderStatus
	raw, err := c.do(ctx, http.MethodGet, "status/"+url.PathEscape(orderID), nil)
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(raw, &st)
	return st, err
}

// WaitFinished polls Status until the order stops moving or ctx ends.
func (c *Client) WaitFinished(ctx context.Context, orderID string, every time.Duration) (OrderStatus, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, orderID)
		if err != nil || st.Finished() {
			return st, err
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download fetches the deliverable and checks it against the provider's
// signature and content hash. provider is the wallet the quote named.
func (c *Client) Download(ctx context.Context, orderID, provider string) (*protocol.ServiceDelivery, error) {
	raw, err := c.do(ctx, http.MethodGet, "download/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, err
	}
	sd, err := protocol.ParseServiceDelivery(raw)
	if err != nil {
		return nil, err
	}
	if err := VerifyDelivery(sd, provider); err != nil {
		return nil, err
	}
	return sd, nil
}

// VerifyDelivery checks that the deliverable hashes to content_hash and that
// the provider signed the attestation naming that hash.
func VerifyDelivery(sd *protocol.ServiceDelivery, provider string) error {
	hash, err := protocol.ContentHash(sd.Deliverable.Content)
	if err != nil {
		return err
	}
	if sd.ContentHash != "" && !strings.EqualFold(hash, strings.TrimPrefix(sd.ContentHash, "0x")) {
		return fmt.Errorf("content hash mismatch: got %s, provider claims %s", hash, sd.ContentHash)
	}
	if sd.Signature == "" {
		return errors.New("delivery is not signed")
	}
	if !strings.Contains(sd.SignedMessage, sd.OrderID) || !strings.Contains(sd.SignedMessage, hash) {
		return errors.New("signed message does not cover this order and content")
	}
	ok, err := signing.Verify(sd.SignedMessage, sd.Signature, provider)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("delivery not signed by %s", provider)
	}
	return nil
}

// Confirm acknowledges receipt of a downloaded deliverable.
func (c *Client) Confirm(ctx context.Context, sd *protocol.ServiceDelivery, rating *int) (OrderStatus, error) {
	var st OrderStatus
	if c.Signer == nil {
		return st, errors.New("client signer is required")
	}
	msg := fmt.Sprintf("Confirm delivery: %s | Content: %s | Timestamp: %s",
		sd.OrderID, sd.ContentHash, c.now().UTC().Format(time.RFC3339))
	sig, err := c.Signer.Sign(msg)
	if err != nil {
		return st, err
	}
	conf := &protocol.DeliveryConfirmation{
		OrderID:     sd.OrderID,
		ClientAgent: protocol.Agent{Name: c.Name, WalletAddress: c.Signer.Address()},
		Confirmation: protocol.Confirmation{
			Received:           true,
			ContentHash:        sd.ContentHash,
			SatisfactionRating: rating,
		},
		Signature:     sig,
		SignedMessage: msg,
	}
	raw, err := c.send(ctx, "confirm", conf)
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(raw, &st)
	return st, err
}

func (c *Client) fillProof(p protocol.PaymentProof) protocol.PaymentProof {
	if p.FromAddress == "" && c.Signer != nil {
		p.FromAddress = c.Signer.Address()
	}
	return p
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) send(ctx context.Context, endpoint string, msg protocol.Message) ([]byte, error) {
	protocol.Stamp(msg, c.now())
	body, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, endpoint, body)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var env protocol.Error
		if json.Unmarshal(data, &env) == nil && env.Code != "" {
			return nil, &env
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}
