// Package fulfill turns a paid service request into a deliverable.
package fulfill

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"ivxp/internal/domain"
)

type Request struct {
	OrderID     string
	ServiceType string
	Description string
	ClientName  string
}

type Handler func(ctx context.Context, req Request) (domain.Deliverable, error)

// Registry maps handler names from the service catalog to implementations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a registry holding the built-in handlers.
func NewRegistry() *Registry {
	r := &Registry{handlers: map[string]Handler{}}
	r.Register("text_echo", TextEcho)
	r.Register("json_transform", JSONTransform)
	r.Register("markdown", Markdown)
	return r
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TextEcho returns the request description unchanged.
func TextEcho(_ context.Context, req Request) (domain.Deliverable, error) {
	return domain.Deliverable{Type: req.ServiceType + "_deliverable", Format: "text", Content: req.Description}, nil
}

// JSONTransform parses the description as JSON and returns it normalized,
// with object keys listed alongside.
func JSONTransform(_ context.Context, req Request) (domain.Deliverable, error) {
	var doc any
	if err := json.Unmarshal([]byte(req.Description), &doc); err != nil {
		return domain.Deliverable{}, fmt.Errorf("description is not valid JSON: %w", err)
	}
	content := map[string]any{"document": doc}
	if obj, ok := doc.(map[string]any); ok {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		content["keys"] = keys
	}
	return domain.Deliverable{Type: req.ServiceType + "_deliverable", Format: "json", Content: content}, nil
}

// Markdown renders a templated report for the service.
func Markdown(_ context.Context, req Request) (domain.Deliverable, error) {
	name := cases.Title(language.English).String(strings.ReplaceAll(req.ServiceType, "_", " "))
	summary := req.Description
	if r := []rune(summary); len(r) > 50 {
		summary = string(r[:50])
	}
	body := fmt.Sprintf("# %s Deliverable\n\n## Summary\nService completed for: %s\n\n## Details\nOrder %s was fulfilled by the %s service.\n\n---\n*Delivered via IVXP/1.0*\n",
		name, req.Description, req.OrderID, req.ServiceType)
	return domain.Deliverable{
		Type:   req.ServiceType + "_deliverable",
		Format: "markdown",
		Content: map[string]any{
			"title":   fmt.Sprintf("%s: %s", name, summary),
			"body":    body,
			"sources": []any{},
		},
	}, nil
}
