// Package sse provides a push-only transport that streams envelopes to
// connected clients as server-sent events. Clients subscribe with
// GET <path>?stream=a,b&group=g&user=u; sends pick clients through the
// destination path or sse_* headers, publishes broadcast by default.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-chi/chi/v5"

	"github.com/drblury/transit/internal/runtime/ids"
	"github.com/drblury/transit/internal/runtime/jsoncodec"
	"github.com/drblury/transit/internal/runtime/metadata"
	"github.com/drblury/transit/transport"
)

// Schemes handled by this transport.
var Schemes = []string{"sse", "push"}

// DefaultPath is the stream route when the host address has no path.
const DefaultPath = "/events"

// ConnectedEvent is the name of the first event every client receives.
const ConnectedEvent = "connected"

// ErrPublishOnly is returned by Listen.
var ErrPublishOnly = errors.New("sse: transport is publish-only")

// ServerFactory allows overriding the HTTP server creation for testing.
var ServerFactory = func(addr string, handler nethttp.Handler) *nethttp.Server {
	return &nethttp.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the SSE schemes to r.
func Register(r *transport.Registry) {
	for _, scheme := range Schemes {
		r.RegisterWithCapabilities(scheme, Build, transport.SSECapabilities)
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SSECapabilities
}

// Envelope is the JSON payload of every pushed event.
type Envelope struct {
	ID          string            `json:"id,omitempty"`
	MessageType string            `json:"messageType,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	SentTime    *time.Time        `json:"sentTime,omitempty"`
	Headers     metadata.Metadata `json:"headers,omitempty"`
	Body        []byte            `json:"body"`
}

// Host pushes envelopes to connected clients. It implements http.Handler so
// it can be mounted on an existing server; with Settings.ListenAddress set,
// Start serves it on its own.
type Host struct {
	address   transport.Address
	settings  transport.Settings
	path      string
	buffer    int
	keepAlive time.Duration
	clients   *Clients
	logger    watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	started bool
	server  *nethttp.Server
}

// Build creates an SSE host. The address query may set buffer (events kept
// per client) and keepalive (comment interval, e.g. 15s).
func Build(ctx context.Context, settings transport.Settings, logger watermill.LoggerAdapter) (transport.Host, error) {
	address, err := settings.ParsedAddress()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	h := &Host{
		address:  address,
		settings: settings,
		path:     DefaultPath,
		buffer:   DefaultClientBuffer,
		clients:  NewClients(),
		logger:   logger.With(watermill.LogFields{"host": address.Key()}),
	}
	if p := strings.TrimRight(address.Path, "/"); p != "" {
		h.path = p
	}
	if raw := address.Query.Get("buffer"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("sse: invalid buffer %q", raw)
		}
		h.buffer = n
	}
	if raw := address.Query.Get("keepalive"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("sse: invalid keepalive %q: %w", raw, err)
		}
		h.keepAlive = d
	}
	return h, nil
}

func (h *Host) Address() transport.Address { return h.address }

func (h *Host) Capabilities() transport.Capabilities { return transport.SSECapabilities }

// Clients returns the connected client index.
func (h *Host) Clients() *Clients { return h.clients }

// Send pushes msg to the clients named by dest or the message headers. A
// send without any target fails.
func (h *Host) Send(ctx context.Context, dest transport.Address, msg *transport.Message) error {
	if msg == nil {
		return errors.New("transport: message is required")
	}
	targets := ResolveTargets(msg.Headers, &dest, false)
	if targets.IsEmpty() {
		return fmt.Errorf("sse: send to %s needs a target", dest)
	}
	return h.dispatch(ctx, msg, targets)
}

// Publish pushes msg to the clients selected by its headers, or to every
// client when none are named.
func (h *Host) Publish(ctx context.Context, msg *transport.Message) error {
	if msg == nil {
		return errors.New("transport: message is required")
	}
	return h.dispatch(ctx, msg, ResolveTargets(msg.Headers, nil, true))
}

func (h *Host) dispatch(ctx context.Context, msg *transport.Message, targets Targets) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return transport.ErrHostClosed
	}

	clients := h.clients.Resolve(targets)
	if len(clients) == 0 {
		return nil
	}
	ev, err := eventFor(msg)
	if err != nil {
		return err
	}
	dropped := 0
	for _, c := range clients {
		if !c.enqueue(ev) {
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Debug("SSE client buffer full, event dropped", watermill.LogFields{
			"message_id": msg.MessageID,
			"dropped":    dropped,
		})
	}
	return nil
}

func eventFor(msg *transport.Message) (Event, error) {
	env := Envelope{
		ID:          msg.MessageID,
		MessageType: msg.MessageType,
		ContentType: msg.ContentType,
		Headers:     msg.Headers,
		Body:        msg.Body,
	}
	if !msg.SentTime.IsZero() {
		t := msg.SentTime.UTC()
		env.SentTime = &t
	}
	if id := msg.Headers[HeaderEventID]; id != "" {
		env.ID = id
	}
	data, err := jsoncodec.Marshal(env)
	if err != nil {
		return Event{}, fmt.Errorf("sse: encode envelope: %w", err)
	}
	name := msg.Headers[HeaderEventName]
	if name == "" {
		name = msg.MessageType
	}
	if name == "" {
		name = "transit"
	}
	return Event{ID: env.ID, Name: name, Data: string(data)}, nil
}

// Listen always fails: clients of this transport are browsers, not hosts.
func (h *Host) Listen(context.Context, transport.Endpoint, transport.Handler) error {
	return ErrPublishOnly
}

// ServeHTTP streams events to one client until the request ends or the host
// closes.
func (h *Host) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	if accept := r.Header.Get("Accept"); accept != "" &&
		!strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "*/*") {
		w.WriteHeader(nethttp.StatusNotAcceptable)
		return
	}
	flusher, ok := w.(nethttp.Flusher)
	if !ok {
		nethttp.Error(w, "streaming unsupported", nethttp.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	client := newClient(ids.CreateULID(), q.Get("user"), queryValues(q["stream"]), queryValues(q["group"]), h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		nethttp.Error(w, "host closed", nethttp.StatusServiceUnavailable)
		return
	}
	h.clients.add(client)
	h.mu.Unlock()
	defer func() {
		h.clients.remove(client)
		client.complete()
	}()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(nethttp.StatusOK)

	client.enqueue(Event{Name: ConnectedEvent, Data: `{"connectionId":"` + client.ID + `"}`})

	var tick <-chan time.Time
	if h.keepAlive > 0 {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick:
			if err := WriteEvent(w, Event{Comment: "keep-alive"}); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-client.events:
			if !ok {
				return
			}
			if err := WriteEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// WriteEvent writes ev in text/event-stream framing.
func WriteEvent(w io.Writer, ev Event) error {
	var b strings.Builder
	if ev.Comment != "" {
		b.WriteString(": " + ev.Comment + "\n\n")
		_, err := io.WriteString(w, b.String())
		return err
	}
	if ev.ID != "" {
		b.WriteString("id: " + ev.ID + "\n")
	}
	if ev.Name != "" {
		b.WriteString("event: " + ev.Name + "\n")
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		b.WriteString("data: " + line + "\n")
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// Start serves the stream route on Settings.ListenAddress. Without a listen
// address the host is expected to be mounted elsewhere and Start is a no-op.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.settings.ListenAddress == "" {
		return nil
	}
	if h.closed {
		return transport.ErrHostClosed
	}
	h.started = true

	router := chi.NewRouter()
	router.Get(h.path, h.ServeHTTP)
	h.server = ServerFactory(h.settings.ListenAddress, router)
	server := h.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			h.logger.Error("SSE server stopped", err, watermill.LogFields{"listen": h.settings.ListenAddress})
		}
	}()
	return nil
}

// Close disconnects every client and stops the server.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	server := h.server
	h.mu.Unlock()

	h.clients.closeAll()
	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func queryValues(raw []string) []string {
	var out []string
	for _, v := range raw {
		out = appendDelimited(out, v)
	}
	return dedupe(out)
}
