package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ConnectedFrame opens every stream.
const ConnectedFrame = ": connected\n\n"

// FormatFrame renders one SSE frame.
func FormatFrame(ev Event) []byte {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data))
}

// Stream buffers the SSE frames of one order for a single consumer. It ends
// after a terminal event, on Close, or when the emitter shuts down.
type Stream struct {
	OrderID string

	emitter     *Emitter
	unsubscribe func()

	mu     sync.Mutex
	queue  [][]byte
	ended  bool
	notify chan struct{}
}

// OpenStream queues the connection comment and subscribes to orderID.
func OpenStream(orderID string, em *Emitter) *Stream {
	s := &Stream{
		OrderID: orderID,
		emitter: em,
		queue:   [][]byte{[]byte(ConnectedFrame)},
		notify:  make(chan struct{}, 1),
	}
	s.unsubscribe = em.Subscribe(orderID, s.onEvent)
	return s
}

// Deliver queues ev as if the emitter had pushed it. It is a no-op once the
// stream has ended, so a closing event is never written twice.
func (s *Stream) Deliver(ev Event) {
	s.onEvent(ev)
}

func (s *Stream) onEvent(ev Event) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, FormatFrame(ev))
	terminal := ev.Type.Terminal()
	if terminal {
		s.ended = true
	}
	s.mu.Unlock()
	if terminal {
		s.unsubscribe()
	}
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next frame, blocking until one is available. It returns
// io.EOF once the stream has ended and drained.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			frame := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return frame, nil
		}
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return nil, io.EOF
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			s.Close()
			return nil, ctx.Err()
		case <-s.emitter.Done():
			s.Close()
		}
	}
}

// Close unsubscribes; frames already queued remain readable.
func (s *Stream) Close() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.unsubscribe()
	s.wake()
}

// Serve streams the events of orderID to w until a terminal event or until
// the client goes away.
func Serve(w http.ResponseWriter, r *http.Request, orderID string, em *Emitter) error {
	return ServeStream(w, r, OpenStream(orderID, em))
}

// ServeStream writes the frames of an already subscribed stream and closes
// it when done.
func ServeStream(w http.ResponseWriter, r *http.Request, s *Stream) error {
	defer s.Close()
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported by response writer")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for {
		frame, err := s.Next(r.Context())
		if err != nil {
			// io.EOF after a terminal event, or the client disconnected.
			return nil
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
	}
}
