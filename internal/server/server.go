package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ivxp/internal/engine"
	"ivxp/internal/metrics"
	"ivxp/internal/protocol"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         *engine.Engine
	BasePath       string
	Auth           AuthConfig
	Logger         zerolog.Logger
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64

	// subscribed runs once an SSE stream is subscribed, before the status read.
	subscribed func(orderID string)
}

// apiError is the wire error envelope returned by every failing route.
type apiError struct {
	status  int
	Code    protocol.Code  `json:"error" example:"ORDER_NOT_FOUND"`
	Message string         `json:"message" example:"order ivxp-... not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

var codeStatus = map[protocol.Code]int{
	protocol.CodeInvalidRequest:              http.StatusBadRequest,
	protocol.CodeProtocolVersionUnsupported:  http.StatusBadRequest,
	protocol.CodeInvalidSignedMessage:        http.StatusBadRequest,
	protocol.CodeNetworkMismatch:             http.StatusBadRequest,
	protocol.CodeServiceTypeNotSupported:     http.StatusBadRequest,
	protocol.CodeBudgetTooLow:                http.StatusBadRequest,
	protocol.CodeSignatureVerificationFailed: http.StatusUnauthorized,
	protocol.CodeSignatureInvalid:            http.StatusUnauthorized,
	protocol.CodeUnauthorized:                http.StatusUnauthorized,
	protocol.CodePaymentNotVerified:          http.StatusPaymentRequired,
	protocol.CodeInsufficientBalance:         http.StatusPaymentRequired,
	protocol.CodeOrderNotFound:               http.StatusNotFound,
	protocol.CodeInvalidOrderStatus:          http.StatusConflict,
	protocol.CodeDuplicatePayment:            http.StatusConflict,
	protocol.CodeDeliverableNotReady:         http.StatusConflict,
	protocol.CodeOrderExpired:                http.StatusGone,
	protocol.CodeRateLimited:                 http.StatusTooManyRequests,
	protocol.CodeServiceUnavailable:          http.StatusServiceUnavailable,
	protocol.CodePaymentTimeout:              http.StatusGatewayTimeout,
	protocol.CodeInternalError:               http.StatusInternalServerError,
}

// StatusFor maps a protocol error code to its HTTP status.
func StatusFor(code protocol.Code) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func fromProtocol(pe *protocol.Error) *apiError {
	return &apiError{status: StatusFor(pe.Code), Code: pe.Code, Message: pe.Message, Details: pe.Details}
}

func newAPIError(code protocol.Code, message string, details map[string]any) *apiError {
	return &apiError{status: StatusFor(code), Code: code, Message: message, Details: details}
}

func codeForStatus(status int) protocol.Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return protocol.CodeUnauthorized
	case status == http.StatusTooManyRequests:
		return protocol.CodeRateLimited
	case status == http.StatusServiceUnavailable:
		return protocol.CodeServiceUnavailable
	case status >= 500:
		return protocol.CodeInternalError
	default:
		return protocol.CodeInvalidRequest
	}
}

type server struct {
	engine     *engine.Engine
	logger     zerolog.Logger
	subscribed func(orderID string)
}

// handleError renders err as a protocol envelope. Internal faults are logged
// and never leak their detail.
func (s *server) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	pe := protocol.AsError(err)
	var ve *protocol.ValidationError
	if pe.Code == protocol.CodeInternalError && !errors.As(err, &ve) {
		s.logger.Error().Err(err).Msg("request failed")
	}
	return fromProtocol(pe)
}

// New returns an HTTP handler exposing the IVXP provider API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/ivxp"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimRight(basePath, "/")

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return &apiError{status: status, Code: codeForStatus(status), Message: msg}
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return &apiError{status: status, Code: codeForStatus(status), Message: msg, Details: details}
	}

	metrics.Register()
	s := &server{engine: cfg.Engine, logger: cfg.Logger, subscribed: cfg.subscribed}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(instrument(cfg.Logger))
	router.Use(limitBody(cfg.MaxBodyBytes))
	router.Use(newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).middleware)
	router.Use(newAuthMiddleware(path.Join(basePath, "admin"), cfg.Auth))
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, &apiError{status: http.StatusNotFound, Code: protocol.CodeInvalidRequest, Message: "no route for " + r.Method + " " + r.URL.Path})
	})

	hcfg := huma.DefaultConfig("IVXP Provider API", protocol.Version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	// protocol messages carry no $schema link
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, s)
	registerCatalog(group, s)
	registerQuotes(group, s)
	registerPayments(group, s)
	registerDelivery(group, s)
	registerStatus(group, s)
	registerConfirm(group, s)
	registerAdmin(group, s)
	registerStream(router, basePath, s)
	registerOpenAPI(router, api, basePath)
	router.Handle("/metrics", promhttp.Handler())

	return router, nil
}

func writeAPIError(w http.ResponseWriter, e *apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.status)
	_ = json.NewEncoder(w).Encode(e)
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAdminSecurity(oas, path.Join(basePath, "admin"))
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func applyAdminSecurity(oas *huma.OpenAPI, adminPath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	for route, item := range oas.Paths {
		if !strings.HasPrefix(route, adminPath) {
			continue
		}
		for _, op := range []*huma.Operation{item.Get, item.Post, item.Delete} {
			if op != nil {
				op.Security = []map[string][]string{{"bearerAuth": {}}}
			}
		}
	}
}
