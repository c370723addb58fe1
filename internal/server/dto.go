package server

import (
	"time"

	"github.com/shopspring/decimal"

	"ivxp/internal/domain"
	"ivxp/internal/protocol"
)

type HealthResponse struct {
	Status   string `json:"status" example:"ok"`
	Protocol string `json:"protocol" example:"IVXP/1.0"`
	Provider string `json:"provider"`
	Address  string `json:"wallet_address"`
	Network  string `json:"network" example:"base-sepolia"`
}

type OrderResponse struct {
	OrderID          string                `json:"order_id"`
	Status           domain.Status         `json:"status"`
	ClientName       string                `json:"client_name,omitempty"`
	ClientAddress    string                `json:"client_address"`
	PaymentAddress   string                `json:"payment_address"`
	ServiceType      string                `json:"service_type"`
	Description      string                `json:"description,omitempty"`
	PriceUSDC        decimal.Decimal       `json:"price_usdc"`
	Network          string                `json:"network"`
	TxHash           string                `json:"tx_hash,omitempty"`
	PayerAddress     string                `json:"payer_address,omitempty"`
	DeliveryEndpoint string                `json:"delivery_endpoint,omitempty"`
	Deliverable      *protocol.Deliverable `json:"deliverable,omitempty"`
	ContentHash      string                `json:"content_hash,omitempty"`
	FailureReason    string                `json:"failure_reason,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	ExpiresAt        time.Time             `json:"expires_at"`
	PaidAt           *time.Time            `json:"paid_at,omitempty"`
	DeliveredAt      *time.Time            `json:"delivered_at,omitempty"`
	ConfirmedAt      *time.Time            `json:"confirmed_at,omitempty"`
}

type OrderListResponse struct {
	Orders []OrderResponse `json:"orders"`
	Count  int             `json:"count"`
}

type EventResponse struct {
	ID         int64         `json:"id"`
	OrderID    string        `json:"order_id"`
	FromStatus domain.Status `json:"from_status,omitempty"`
	ToStatus   domain.Status `json:"to_status"`
	TS         time.Time     `json:"ts"`
}

func mapOrder(o domain.Order) OrderResponse {
	resp := OrderResponse{
		OrderID:          o.OrderID,
		Status:           o.Status,
		ClientName:       o.ClientName,
		ClientAddress:    o.ClientAddress,
		PaymentAddress:   o.PaymentAddress,
		ServiceType:      o.ServiceType,
		Description:      o.Description,
		PriceUSDC:        o.PriceUSDC,
		Network:          o.Network,
		TxHash:           o.TxHash,
		PayerAddress:     o.PayerAddress,
		DeliveryEndpoint: o.DeliveryEndpoint,
		ContentHash:      o.ContentHash,
		FailureReason:    o.FailureReason,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
		ExpiresAt:        o.ExpiresAt,
		PaidAt:           o.PaidAt,
		DeliveredAt:      o.DeliveredAt,
		ConfirmedAt:      o.ConfirmedAt,
	}
	if o.Deliverable != nil {
		resp.Deliverable = &protocol.Deliverable{
			Type:    o.Deliverable.Type,
			Format:  o.Deliverable.Format,
			Content: o.Deliverable.Content,
		}
	}
	return resp
}

func mapOrders(items []domain.Order) []OrderResponse {
	out := make([]OrderResponse, 0, len(items))
	for _, o := range items {
		out = append(out, mapOrder(o))
	}
	return out
}

func mapEvents(items []domain.OrderEvent) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, ev := range items {
		out = append(out, EventResponse{
			ID:         ev.ID,
			OrderID:    ev.OrderID,
			FromStatus: ev.FromStatus,
			ToStatus:   ev.ToStatus,
			TS:         ev.TS,
		})
	}
	return out
}
