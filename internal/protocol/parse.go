package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Shape names a wire payload that can be parsed.
type Shape string

const (
	ShapeServiceCatalog       Shape = "service_catalog"
	ShapeServiceRequest       Shape = "service_request"
	ShapeServiceQuote         Shape = "service_quote"
	ShapePaymentProof         Shape = "payment_proof"
	ShapeDeliveryRequest      Shape = "delivery_request"
	ShapeServiceDelivery      Shape = "service_delivery"
	ShapeDeliveryConfirmation Shape = "delivery_confirmation"
)

const commonSchemaID = "https://ivxp.dev/schemas/common.json"

type FieldIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a payload, keyed by field path.
type ValidationError struct {
	Shape       Shape
	Unsupported bool
	Issues      []FieldIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Path+": "+issue.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Shape, strings.Join(parts, "; "))
}

func (e *ValidationError) Code() Code {
	if e.Unsupported {
		return CodeProtocolVersionUnsupported
	}
	return CodeInvalidRequest
}

// Envelope renders e as a wire error with the issues attached.
func (e *ValidationError) Envelope() *Error {
	msg := "request failed validation"
	if e.Unsupported {
		msg = fmt.Sprintf("only %s is supported", Version)
	}
	return &Error{Code: e.Code(), Message: msg, Details: map[string]any{"issues": e.Issues}}
}

// Issue returns the message recorded for path, if any.
func (e *ValidationError) Issue(path string) (string, bool) {
	for _, issue := range e.Issues {
		if issue.Path == path {
			return issue.Message, true
		}
	}
	return "", false
}

type shapeDef struct {
	schema *gojsonschema.Schema
	decode func(raw []byte) (any, error)
	check  func(v any) []FieldIssue
}

var shapes = mustCompileShapes()

func mustCompileShapes() map[Shape]*shapeDef {
	defs := map[Shape]*shapeDef{
		ShapeServiceCatalog: {
			decode: decodeInto[ServiceCatalog],
			check: func(v any) []FieldIssue {
				msg := v.(*ServiceCatalog)
				var issues []FieldIssue
				for i, svc := range msg.Services {
					issues = appendPositive(issues, fmt.Sprintf("services.%d.base_price_usdc", i), &svc.BasePriceUSDC)
				}
				return issues
			},
		},
		ShapeServiceRequest: {
			decode: decodeInto[ServiceRequest],
			check: func(v any) []FieldIssue {
				return appendPositive(nil, "service_request.budget_usdc", v.(*ServiceRequest).ServiceRequest.BudgetUSDC)
			},
		},
		ShapeServiceQuote: {
			decode: decodeInto[ServiceQuote],
			check: func(v any) []FieldIssue {
				return appendPositive(nil, "quote.price_usdc", &v.(*ServiceQuote).Quote.PriceUSDC)
			},
		},
		ShapePaymentProof: {
			decode: decodeInto[PaymentProof],
			check: func(v any) []FieldIssue {
				return appendPositive(nil, "amount_usdc", v.(*PaymentProof).AmountUSDC)
			},
		},
		ShapeDeliveryRequest: {
			decode: decodeInto[DeliveryRequest],
			check: func(v any) []FieldIssue {
				return appendPositive(nil, "payment_proof.amount_usdc", v.(*DeliveryRequest).PaymentProof.AmountUSDC)
			},
		},
		ShapeServiceDelivery:      {decode: decodeInto[ServiceDelivery]},
		ShapeDeliveryConfirmation: {decode: decodeInto[DeliveryConfirmation]},
	}

	common, err := schemaFS.ReadFile("schemas/common.json")
	if err != nil {
		panic(err)
	}
	for shape, def := range defs {
		raw, err := schemaFS.ReadFile("schemas/" + string(shape) + ".json")
		if err != nil {
			panic(fmt.Sprintf("protocol: schema for %s: %v", shape, err))
		}
		loader := gojsonschema.NewSchemaLoader()
		if err := loader.AddSchemas(gojsonschema.NewBytesLoader(common)); err != nil {
			panic(fmt.Sprintf("protocol: common schema: %v", err))
		}
		schema, err := loader.Compile(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("protocol: compile %s: %v", shape, err))
		}
		def.schema = schema
	}
	return defs
}

func decodeInto[T any](raw []byte) (any, error) {
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}

func appendPositive(issues []FieldIssue, path string, amount *decimal.Decimal) []FieldIssue {
	if amount != nil && !amount.IsPositive() {
		issues = append(issues, FieldIssue{Path: path, Message: "must be greater than 0"})
	}
	return issues
}

// Parse validates raw against the schema registered for shape and decodes it
// into the matching message struct (returned as a pointer). Malformed input
// yields a *ValidationError; an unregistered shape panics.
func Parse(raw []byte, shape Shape) (any, error) {
	def, ok := shapes[shape]
	if !ok {
		panic(fmt.Sprintf("protocol: unregistered shape %q", shape))
	}

	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err != nil || probe == nil {
		return nil, &ValidationError{Shape: shape, Issues: []FieldIssue{{Path: "$", Message: "body must be a JSON object"}}}
	}
	if shape != ShapePaymentProof {
		if p, ok := probe["protocol"]; ok && p != Version {
			return nil, &ValidationError{
				Shape:       shape,
				Unsupported: true,
				Issues:      []FieldIssue{{Path: "protocol", Message: fmt.Sprintf("unsupported protocol version %v", p)}},
			}
		}
	}

	result, err := def.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &ValidationError{Shape: shape, Issues: []FieldIssue{{Path: "$", Message: err.Error()}}}
	}
	if !result.Valid() {
		return nil, &ValidationError{Shape: shape, Issues: schemaIssues(result.Errors())}
	}

	v, err := def.decode(raw)
	if err != nil {
		return nil, &ValidationError{Shape: shape, Issues: []FieldIssue{{Path: "$", Message: err.Error()}}}
	}
	if def.check != nil {
		if issues := def.check(v); len(issues) > 0 {
			return nil, &ValidationError{Shape: shape, Issues: issues}
		}
	}
	return v, nil
}

func schemaIssues(errs []gojsonschema.ResultError) []FieldIssue {
	issues := make([]FieldIssue, 0, len(errs))
	seen := map[string]bool{}
	for _, e := range errs {
		path := e.Field()
		if path == "(root)" {
			path = ""
		}
		if e.Type() == "required" {
			if prop, ok := e.Details()["property"].(string); ok && path != prop && !strings.HasSuffix(path, "."+prop) {
				path = joinPath(path, prop)
			}
		}
		if path == "" {
			path = "$"
		}
		key := path + "\x00" + e.Description()
		if seen[key] {
			continue
		}
		seen[key] = true
		issues = append(issues, FieldIssue{Path: path, Message: e.Description()})
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
	return issues
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}

func parseAs[T any](raw []byte, shape Shape) (*T, error) {
	v, err := Parse(raw, shape)
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}

func ParseServiceCatalog(raw []byte) (*ServiceCatalog, error) {
	return parseAs[ServiceCatalog](raw, ShapeServiceCatalog)
}

func ParseServiceRequest(raw []byte) (*ServiceRequest, error) {
	return parseAs[ServiceRequest](raw, ShapeServiceRequest)
}

func ParseServiceQuote(raw []byte) (*ServiceQuote, error) {
	return parseAs[ServiceQuote](raw, ShapeServiceQuote)
}

func ParsePaymentProof(raw []byte) (*PaymentProof, error) {
	return parseAs[PaymentProof](raw, ShapePaymentProof)
}

func ParseDeliveryRequest(raw []byte) (*DeliveryRequest, error) {
	return parseAs[DeliveryRequest](raw, ShapeDeliveryRequest)
}

func ParseServiceDelivery(raw []byte) (*ServiceDelivery, error) {
	return parseAs[ServiceDelivery](raw, ShapeServiceDelivery)
}

func ParseDeliveryConfirmation(raw []byte) (*DeliveryConfirmation, error) {
	return parseAs[DeliveryConfirmation](raw, ShapeDeliveryConfirmation)
}

// Encode stamps the protocol header on msg and marshals it. A zero
// timestamp is set to the current time.
func Encode(msg Message) ([]byte, error) {
	h := msg.header()
	h.Protocol = Version
	h.MessageType = msg.Kind()
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Stamp sets the header fields without marshaling.
func Stamp(msg Message, now time.Time) {
	h := msg.header()
	h.Protocol = Version
	h.MessageType = msg.Kind()
	if h.Timestamp.IsZero() {
		h.Timestamp = now.UTC()
	}
}
