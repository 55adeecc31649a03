package relay

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/atomic"

	"vitals-alerting/internal/auth"
	"vitals-alerting/internal/observability/metrics"
)

const transportSSE = "sse"

type sseClient struct {
	ch    chan Event
	scope string
}

// SSEBroker fans out events to connected SSE clients.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[*sseClient]struct{}
	dropped atomic.Int64
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[*sseClient]struct{})}
}

// Broadcast implements Sink. Clients with a full buffer miss the event.
func (b *SSEBroker) Broadcast(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	clients := make([]*sseClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		if !visible(c.scope, event) {
			continue
		}
		select {
		case c.ch <- event:
		default:
			b.dropped.Inc()
		}
	}
}

// Dropped reports events skipped for slow clients.
func (b *SSEBroker) Dropped() int64 {
	return b.dropped.Load()
}

func (b *SSEBroker) subscribe(scope string) *sseClient {
	c := &sseClient{ch: make(chan Event, 64), scope: scope}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	metrics.SetRelayClients(transportSSE, int64(n))
	return c
}

func (b *SSEBroker) unsubscribe(c *sseClient) {
	b.mu.Lock()
	delete(b.clients, c)
	n := len(b.clients)
	b.mu.Unlock()
	metrics.SetRelayClients(transportSSE, int64(n))
}

// StreamHandler serves the SSE event stream.
type StreamHandler struct {
	broker    *SSEBroker
	keepalive time.Duration
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(broker *SSEBroker) *StreamHandler {
	return &StreamHandler{broker: broker, keepalive: 25 * time.Second}
}

// ServeHTTP handles GET /api/v1/stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := h.broker.subscribe(clientScope(r))
	defer h.broker.unsubscribe(client)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	done := r.Context().Done()
	for {
		select {
		case event := <-client.ch:
			writeEvent(w, event)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}

// writeEvent frames one event. Every payload line gets its own data field so
// a stray newline cannot end the event early.
func writeEvent(w io.Writer, event Event) {
	_, _ = io.WriteString(w, "event: "+event.Name+"\n")
	for _, line := range bytes.Split(event.Data, []byte("\n")) {
		_, _ = io.WriteString(w, "data: ")
		_, _ = w.Write(bytes.TrimSuffix(line, []byte("\r")))
		_, _ = io.WriteString(w, "\n")
	}
	_, _ = io.WriteString(w, "\n")
}

// clientScope limits patients to their own events; other roles see all.
func clientScope(r *http.Request) string {
	if auth.RoleFromContext(r.Context()) == auth.RolePatient {
		return auth.SubjectFromContext(r.Context())
	}
	return ""
}
