package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusQuoted         Status = "quoted"
	StatusPaid           Status = "paid"
	StatusProcessing     Status = "processing"
	StatusDelivered      Status = "delivered"
	StatusDeliveryFailed Status = "delivery_failed"
	StatusFailed         Status = "failed"
)

var transitions = map[Status][]Status{
	StatusQuoted:     {StatusPaid, StatusProcessing, StatusFailed},
	StatusPaid:       {StatusProcessing},
	StatusProcessing: {StatusDelivered, StatusDeliveryFailed, StatusFailed},
}

// CanTransition reports whether from -> to is a forward edge of the order
// lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusDeliveryFailed || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusQuoted, StatusPaid, StatusProcessing, StatusDelivered, StatusDeliveryFailed, StatusFailed:
		return true
	}
	return false
}

const OrderIDPrefix = "ivxp-"

// NewOrderID returns a fresh ivxp-{uuid-v4} identifier.
func NewOrderID() string {
	return OrderIDPrefix + uuid.NewString()
}

// ValidateOrderID checks the ivxp-{uuid-v4} format.
func ValidateOrderID(id string) error {
	rest, ok := strings.CutPrefix(id, OrderIDPrefix)
	if !ok {
		return fmt.Errorf("order id %q must start with %q", id, OrderIDPrefix)
	}
	u, err := uuid.Parse(rest)
	if err != nil || len(rest) != 36 {
		return fmt.Errorf("order id %q is not a uuid", id)
	}
	if u.Version() != 4 || u.Variant() != uuid.RFC4122 {
		return fmt.Errorf("order id %q is not a v4 uuid", id)
	}
	return nil
}

type Deliverable struct {
	Type    string `json:"type"`
	Format  string `json:"format,omitempty"`
	Content any    `json:"content"`
}

type Order struct {
	OrderID          string          `json:"order_id"`
	Status           Status          `json:"status" enum:"quoted,paid,processing,delivered,delivery_failed,failed"`
	ClientName       string          `json:"client_name,omitempty"`
	ClientAddress    string          `json:"client_address"`
	PaymentAddress   string          `json:"payment_address"`
	ServiceType      string          `json:"service_type"`
	Description      string          `json:"description"`
	PriceUSDC        decimal.Decimal `json:"price_usdc"`
	Network          string          `json:"network" enum:"base-mainnet,base-sepolia"`
	TxHash           string          `json:"tx_hash,omitempty"`
	PayerAddress     string          `json:"payer_address,omitempty"`
	Signature        string          `json:"signature,omitempty"`
	SignedMessage    string          `json:"signed_message,omitempty"`
	DeliveryEndpoint string          `json:"delivery_endpoint,omitempty"`
	Deliverable      *Deliverable    `json:"deliverable,omitempty"`
	ContentHash      string          `json:"content_hash,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
}

// OrderUpdate overlays the mutable fields of an order. Nil fields are left
// unchanged; identity, pricing and client fields have no counterpart here.
type OrderUpdate struct {
	Status           *Status
	TxHash           *string
	PayerAddress     *string
	Signature        *string
	SignedMessage    *string
	DeliveryEndpoint *string
	Deliverable      *Deliverable
	ContentHash      *string
	FailureReason    *string
	PaidAt           *time.Time
	DeliveredAt      *time.Time
	ConfirmedAt      *time.Time
}

// Apply overlays u onto o in place.
func (u OrderUpdate) Apply(o *Order) {
	if u.Status != nil {
		o.Status = *u.Status
	}
	if u.TxHash != nil {
		o.TxHash = strings.ToLower(*u.TxHash)
	}
	if u.PayerAddress != nil {
		o.PayerAddress = strings.ToLower(*u.PayerAddress)
	}
	if u.Signature != nil {
		o.Signature = *u.Signature
	}
	if u.SignedMessage != nil {
		o.SignedMessage = *u.SignedMessage
	}
	if u.DeliveryEndpoint != nil {
		o.DeliveryEndpoint = *u.DeliveryEndpoint
	}
	if u.Deliverable != nil {
		d := *u.Deliverable
		o.Deliverable = &d
	}
	if u.ContentHash != nil {
		o.ContentHash = *u.ContentHash
	}
	if u.FailureReason != nil {
		o.FailureReason = *u.FailureReason
	}
	if u.PaidAt != nil {
		t := *u.PaidAt
		o.PaidAt = &t
	}
	if u.DeliveredAt != nil {
		t := *u.DeliveredAt
		o.DeliveredAt = &t
	}
	if u.ConfirmedAt != nil {
		t := *u.ConfirmedAt
		o.ConfirmedAt = &t
	}
}

type OrderFilter struct {
	Status        Status
	ClientAddress string
	ServiceType   string
	Limit         int
	Offset        int
}

// OrderEvent records one status transition.
type OrderEvent struct {
	ID         int64     `json:"id"`
	OrderID    string    `json:"order_id"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status"`
	TS         time.Time `json:"ts"`
}

var ErrPaymentRejected = errors.New("payment rejected")

// PaymentCheck is what a verifier must confirm on chain.
type PaymentCheck struct {
	TxHash  string
	From    string
	To      string
	Amount  decimal.Decimal
	Network string
}

// TransactionRef describes a verified transfer.
type TransactionRef struct {
	TxHash        string
	BlockNumber   uint64
	Confirmations uint64
	Amount        decimal.Decimal
}

// PaymentVerifier confirms on-chain payments. Rejections wrap
// ErrPaymentRejected; anything else is an infrastructure failure.
type PaymentVerifier interface {
	Verify(ctx context.Context, check PaymentCheck) (TransactionRef, error)
}

func Ptr[T any](v T) *T { return &v }
