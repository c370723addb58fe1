// Package protocol holds the IVXP/1.0 wire messages, their JSON Schema
// validation and the error envelope shared by every endpoint.
//
// Wire field names are snake_case and live only in struct tags; the Go field
// names are the canonical in-process representation. Decoding and encoding
// through these types is lossless in both directions.
package protocol

import (
	"time"

	"github.com/shopspring/decimal"
)

// Version is the only protocol version this provider speaks.
const Version = "IVXP/1.0"

type MessageType string

const (
	TypeServiceCatalog       MessageType = "service_catalog"
	TypeServiceRequest       MessageType = "service_request"
	TypeServiceQuote         MessageType = "service_quote"
	TypeDeliveryRequest      MessageType = "delivery_request"
	TypeServiceDelivery      MessageType = "service_delivery"
	TypeDeliveryConfirmation MessageType = "delivery_confirmation"
)

type Network string

const (
	NetworkBaseMainnet Network = "base-mainnet"
	NetworkBaseSepolia Network = "base-sepolia"
)

// Valid reports whether n is one of the supported settlement networks.
func (n Network) Valid() bool {
	return n == NetworkBaseMainnet || n == NetworkBaseSepolia
}

// Envelope is the header every versioned message carries.
type Envelope struct {
	Protocol    string      `json:"protocol"`
	MessageType MessageType `json:"message_type"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (e *Envelope) header() *Envelope { return e }

// Message is implemented by every enveloped wire message.
type Message interface {
	Kind() MessageType
	header() *Envelope
}

type Agent struct {
	Name            string `json:"name"`
	WalletAddress   string `json:"wallet_address"`
	ContactEndpoint string `json:"contact_endpoint,omitempty"`
}

type ServiceOffering struct {
	Type                   string          `json:"type"`
	BasePriceUSDC          decimal.Decimal `json:"base_price_usdc"`
	EstimatedDeliveryHours float64         `json:"estimated_delivery_hours"`
	Description            string          `json:"description,omitempty"`
}

type ServiceCatalog struct {
	Envelope
	Provider      string            `json:"provider"`
	WalletAddress string            `json:"wallet_address"`
	Network       Network           `json:"network,omitempty"`
	Services      []ServiceOffering `json:"services"`
}

func (ServiceCatalog) Kind() MessageType { return TypeServiceCatalog }

type ServiceRequestDetails struct {
	Type           string           `json:"type"`
	Description    string           `json:"description"`
	BudgetUSDC     *decimal.Decimal `json:"budget_usdc,omitempty"`
	DeliveryFormat string           `json:"delivery_format,omitempty"`
	Deadline       *time.Time       `json:"deadline,omitempty"`
}

type ServiceRequest struct {
	Envelope
	ClientAgent    Agent                 `json:"client_agent"`
	ServiceRequest ServiceRequestDetails `json:"service_request"`
}

func (ServiceRequest) Kind() MessageType { return TypeServiceRequest }

type QuoteDetails struct {
	PriceUSDC         decimal.Decimal `json:"price_usdc"`
	EstimatedDelivery time.Time       `json:"estimated_delivery"`
	PaymentAddress    string          `json:"payment_address"`
	Network           Network         `json:"network"`
	TokenContract     string          `json:"token_contract,omitempty"`
}

type Terms struct {
	PaymentTimeout int    `json:"payment_timeout"`
	RevisionPolicy string `json:"revision_policy,omitempty"`
	RefundPolicy   string `json:"refund_policy,omitempty"`
}

type ServiceQuote struct {
	Envelope
	OrderID       string       `json:"order_id"`
	ProviderAgent Agent        `json:"provider_agent"`
	Quote         QuoteDetails `json:"quote"`
	Terms         *Terms       `json:"terms,omitempty"`
}

func (ServiceQuote) Kind() MessageType { return TypeServiceQuote }

// PaymentProof identifies the on-chain USDC transfer funding an order.
type PaymentProof struct {
	TxHash      string           `json:"tx_hash"`
	FromAddress string           `json:"from_address"`
	Network     Network          `json:"network"`
	ToAddress   string           `json:"to_address,omitempty"`
	AmountUSDC  *decimal.Decimal `json:"amount_usdc,omitempty"`
	BlockNumber *uint64          `json:"block_number,omitempty"`
}

type DeliveryRequest struct {
	Envelope
	OrderID          string       `json:"order_id"`
	PaymentProof     PaymentProof `json:"payment_proof"`
	Signature        string       `json:"signature"`
	SignedMessage    string       `json:"signed_message"`
	DeliveryEndpoint string       `json:"delivery_endpoint,omitempty"`
}

func (DeliveryRequest) Kind() MessageType { return TypeDeliveryRequest }

// DeliveryAccepted is the unversioned acknowledgement of a delivery request.
type DeliveryAccepted struct {
	Status    string `json:"status"`
	OrderID   string `json:"order_id"`
	Message   string `json:"message"`
	StreamURL string `json:"stream_url,omitempty"`
}

// Deliverable is the service output. Content is either a string or any JSON
// value produced by the service handler.
type Deliverable struct {
	Type    string `json:"type"`
	Format  string `json:"format,omitempty"`
	Content any    `json:"content"`
}

type ServiceDelivery struct {
	Envelope
	OrderID       string      `json:"order_id"`
	Status        string      `json:"status"`
	ProviderAgent Agent       `json:"provider_agent"`
	Deliverable   Deliverable `json:"deliverable"`
	ContentHash   string      `json:"content_hash,omitempty"`
	DeliveredAt   *time.Time  `json:"delivered_at,omitempty"`
	Signature     string      `json:"signature,omitempty"`
	SignedMessage string      `json:"signed_message,omitempty"`
	Note          string      `json:"note,omitempty"`
}

func (ServiceDelivery) Kind() MessageType { return TypeServiceDelivery }

type Confirmation struct {
	Received           bool   `json:"received"`
	ContentHash        string `json:"content_hash"`
	SatisfactionRating *int   `json:"satisfaction_rating,omitempty"`
}

type DeliveryConfirmation struct {
	Envelope
	OrderID       string       `json:"order_id"`
	ClientAgent   Agent        `json:"client_agent"`
	Confirmation  Confirmation `json:"confirmation"`
	Signature     string       `json:"signature"`
	SignedMessage string       `json:"signed_message"`
}

func (DeliveryConfirmation) Kind() MessageType { return TypeDeliveryConfirmation }
