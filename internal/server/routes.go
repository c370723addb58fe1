package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"ivxp/internal/domain"
	"ivxp/internal/engine"
	"ivxp/internal/protocol"
)

// rawInput hands the undecoded body to protocol.Parse, which owns wire
// validation and reports issues by field path.
type rawInput struct {
	RawBody []byte
}

type orderPath struct {
	OrderID string `path:"order_id" doc:"ivxp-{uuid} order identifier"`
}

type statusOutput struct {
	Body engine.StatusView
}

var guardErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusPaymentRequired,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusGone,
	http.StatusTooManyRequests,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse
	}, error) {
		e := s.engine
		return &struct {
			Body HealthResponse
		}{Body: HealthResponse{
			Status:   "ok",
			Protocol: protocol.Version,
			Provider: e.Config.Provider.Name,
			Address:  e.Signer.Address(),
			Network:  e.Config.Provider.Network,
		}}, nil
	})
}

func registerCatalog(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "get-catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "Service catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body *protocol.ServiceCatalog
	}, error) {
		return &struct {
			Body *protocol.ServiceCatalog
		}{Body: s.engine.Catalog()}, nil
	})
}

func registerQuotes(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "request-quote",
		Method:      http.MethodPost,
		Path:        "/request",
		Summary:     "Request a priced quote",
		Errors:      guardErrors,
	}, func(ctx context.Context, input *rawInput) (*struct {
		Body *protocol.ServiceQuote
	}, error) {
		req, err := protocol.ParseServiceRequest(input.RawBody)
		if err != nil {
			return nil, s.handleError(err)
		}
		quote, err := s.engine.RequestQuote(ctx, req)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body *protocol.ServiceQuote
		}{Body: quote}, nil
	})
}

func registerPayments(api huma.API, s *server) {
	type paymentInput struct {
		OrderID string `path:"order_id"`
		RawBody []byte
	}
	huma.Register(api, huma.Operation{
		OperationID: "submit-payment",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/payment",
		Summary:     "Submit payment proof for a quoted order",
		Errors:      guardErrors,
	}, func(ctx context.Context, input *paymentInput) (*statusOutput, error) {
		proof, err := protocol.ParsePaymentProof(input.RawBody)
		if err != nil {
			return nil, s.handleError(err)
		}
		view, err := s.engine.SubmitPayment(ctx, input.OrderID, proof)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &statusOutput{Body: view}, nil
	})
}

func registerDelivery(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "request-delivery",
		Method:      http.MethodPost,
		Path:        "/deliver",
		Summary:     "Request delivery of a paid order",
		Description: "Verifies the payment and the client signature, then starts fulfillment. Progress is streamed at stream_url.",
		Errors:      guardErrors,
	}, func(ctx context.Context, input *rawInput) (*struct {
		Body *protocol.DeliveryAccepted
	}, error) {
		req, err := protocol.ParseDeliveryRequest(input.RawBody)
		if err != nil {
			return nil, s.handleError(err)
		}
		accepted, err := s.engine.RequestDelivery(ctx, req)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body *protocol.DeliveryAccepted
		}{Body: accepted}, nil
	})
}

func registerStatus(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "order-status",
		Method:      http.MethodGet,
		Path:        "/status/{order_id}",
		Summary:     "Order status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *orderPath) (*statusOutput, error) {
		view, err := s.engine.Status(ctx, input.OrderID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &statusOutput{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "download-deliverable",
		Method:      http.MethodGet,
		Path:        "/download/{order_id}",
		Summary:     "Download the signed deliverable",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *orderPath) (*struct {
		Body *protocol.ServiceDelivery
	}, error) {
		sd, err := s.engine.Download(ctx, input.OrderID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body *protocol.ServiceDelivery
		}{Body: sd}, nil
	})
}

func registerConfirm(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "confirm-delivery",
		Method:      http.MethodPost,
		Path:        "/confirm",
		Summary:     "Confirm receipt of a deliverable",
		Errors:      guardErrors,
	}, func(ctx context.Context, input *rawInput) (*statusOutput, error) {
		c, err := protocol.ParseDeliveryConfirmation(input.RawBody)
		if err != nil {
			return nil, s.handleError(err)
		}
		view, err := s.engine.ConfirmDelivery(ctx, c)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &statusOutput{Body: view}, nil
	})
}

func registerAdmin(api huma.API, s *server) {
	type listInput struct {
		Status        string `query:"status" enum:"quoted,paid,processing,delivered,delivery_failed,failed"`
		ClientAddress string `query:"client_address"`
		ServiceType   string `query:"service_type"`
		Limit         int    `query:"limit" minimum:"0" maximum:"500"`
		Offset        int    `query:"offset" minimum:"0"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "admin-list-orders",
		Method:      http.MethodGet,
		Path:        "/admin/orders",
		Summary:     "List orders",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *listInput) (*struct {
		Body OrderListResponse
	}, error) {
		orders, err := s.engine.ListOrders(ctx, domain.OrderFilter{
			Status:        domain.Status(input.Status),
			ClientAddress: strings.ToLower(strings.TrimSpace(input.ClientAddress)),
			ServiceType:   input.ServiceType,
			Limit:         input.Limit,
			Offset:        input.Offset,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body OrderListResponse
		}{Body: OrderListResponse{Orders: mapOrders(orders), Count: len(orders)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-order-events",
		Method:      http.MethodGet,
		Path:        "/admin/orders/{order_id}/events",
		Summary:     "Order transition history",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *orderPath) (*struct {
		Body []EventResponse
	}, error) {
		evs, err := s.engine.OrderEvents(ctx, input.OrderID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body []EventResponse
		}{Body: mapEvents(evs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "admin-delete-order",
		Method:        http.MethodDelete,
		Path:          "/admin/orders/{order_id}",
		Summary:       "Delete an order",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized},
	}, func(ctx context.Context, input *orderPath) (*struct{}, error) {
		if err := s.engine.DeleteOrder(ctx, input.OrderID); err != nil {
			return nil, s.handleError(err)
		}
		if p, ok := principalFromContext(ctx); ok {
			s.logger.Info().Str("order_id", input.OrderID).Str("subject", p.Subject).Msg("order deleted by admin")
		}
		return &struct{}{}, nil
	})
}
