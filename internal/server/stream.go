package server

import (
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"ivxp/internal/domain"
	"ivxp/internal/engine"
	"ivxp/internal/events"
	"ivxp/internal/protocol"
)

// registerStream mounts the SSE route outside huma, which buffers responses.
// The stream subscribes before the status read, so a closing event fired in
// between is either queued or reproduced from the status.
func registerStream(r chi.Router, basePath string, s *server) {
	r.Get(path.Join(basePath, "stream", "{order_id}"), func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "order_id")
		stream := events.OpenStream(id, s.engine.Events)
		if s.subscribed != nil {
			s.subscribed(id)
		}
		view, err := s.engine.Status(req.Context(), id)
		if err != nil {
			stream.Close()
			writeAPIError(w, fromProtocol(protocol.AsError(err)))
			return
		}
		if view.Status.Terminal() {
			stream.Deliver(finalEvent(view))
		}
		if err := events.ServeStream(w, req, stream); err != nil {
			s.logger.Warn().Err(err).Str("order_id", id).Msg("sse stream ended")
		}
	})
}

// finalEvent rebuilds the closing event of a finished order.
func finalEvent(view engine.StatusView) events.Event {
	typ := events.TypeCompleted
	if view.Status == domain.StatusFailed {
		typ = events.TypeFailed
	}
	return events.Event{Type: typ, Data: engine.StreamPayload{
		OrderID:     view.OrderID,
		Status:      view.Status,
		ContentHash: view.ContentHash,
		Error:       view.FailureReason,
		Timestamp:   view.UpdatedAt,
	}}
}
