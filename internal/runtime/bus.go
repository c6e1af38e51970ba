package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/transit/internal/runtime/config"
	errspkg "github.com/drblury/transit/internal/runtime/errors"
	idspkg "github.com/drblury/transit/internal/runtime/ids"
	loggingpkg "github.com/drblury/transit/internal/runtime/logging"
	"github.com/drblury/transit/internal/runtime/messages"
	"github.com/drblury/transit/internal/runtime/persistence"
	"github.com/drblury/transit/transport"
)

// BusDependencies holds the optional collaborators of a Bus. Nil stores fall
// back to in-memory implementations; a nil Inbox disables deduplication.
type BusDependencies struct {
	Registry    *transport.Registry
	Serializers *messages.Serializers
	Types       *messages.TypeRegistry

	Outbox    persistence.OutboxStore
	Inbox     persistence.InboxStore
	Scheduled persistence.ScheduledMessageStore
	Sagas     persistence.SagaStore

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     JobHooks

	MetricsRegisterer prometheus.Registerer
	Clock             func() time.Time
}

// Bus sends, publishes and consumes messages across every configured
// transport host.
type Bus struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	wmLogger    watermill.LoggerAdapter
	address     transport.Address
	provider    *transport.HostProvider
	serializers *messages.Serializers
	types       *messages.TypeRegistry
	now         func() time.Time
	metrics     *Metrics
	hooks       JobHooks

	outbox    *Outbox
	scheduler *Scheduler
	inbox     *Inbox
	sagas     *SagaEngine
	requests  *requestClient

	mu          sync.Mutex
	middlewares []Middleware
	routes      map[string][]transport.Address
	endpoints   map[string]*endpoint
	order       []string
	started     bool
	stopped     bool

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	httpServers   map[int]*http.ServeMux
	servers       []*http.Server
	httpServersMu sync.Mutex
}

// NewBus constructs a Bus for the supplied configuration. Register consumers
// and sagas on the returned Bus before calling Start.
func NewBus(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BusDependencies) (*Bus, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	address, err := transport.ParseAddress(c.Address)
	if err != nil {
		return nil, err
	}

	log.Info("Creating message bus", loggingpkg.LogFields{
		"service": c.ServiceName,
		"address": transport.RedactURL(c.Address),
		"config":  c,
	})

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	provider, err := transport.NewHostProvider(deps.Registry, wmLogger, c.Hosts...)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		Conf:        &c,
		Logger:      log,
		wmLogger:    wmLogger,
		address:     address,
		provider:    provider,
		serializers: deps.Serializers,
		types:       deps.Types,
		now:         deps.Clock,
		metrics:     NewMetrics(deps.MetricsRegisterer),
		hooks:       deps.Hooks,
		routes:      map[string][]transport.Address{},
		endpoints:   map[string]*endpoint{},
		runCtx:      runCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	if b.serializers == nil {
		b.serializers = messages.NewSerializers()
	}
	if b.types == nil {
		b.types = messages.NewTypeRegistry()
	}
	if b.now == nil {
		b.now = time.Now
	}

	b.requests = newRequestClient(b)
	b.outbox = newOutbox(b, orMemoryOutbox(deps.Outbox))
	b.scheduler = newScheduler(b, orMemoryScheduled(deps.Scheduled))
	if deps.Inbox != nil {
		b.inbox = NewInbox(deps.Inbox, InboxConfig{Logger: log, Metrics: b.metrics, Clock: b.now})
	}
	sagaStore := deps.Sagas
	if sagaStore == nil {
		sagaStore = persistence.NewMemorySagaStore()
	}
	b.sagas = NewSagaEngine(b, sagaStore)

	if c.MetricsEnabled {
		if err := b.metrics.Register(); err != nil {
			cancel()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if c.MetricsPort > 0 {
			b.RegisterHTTPHandler(c.MetricsPort, "/metrics", b.metrics.Handler())
			b.RegisterHTTPHandler(c.MetricsPort, "/transit/endpoints", b.EndpointsHandler())
		}
	}

	if err := b.registerConfiguredMiddlewares(deps); err != nil {
		cancel()
		return nil, err
	}
	return b, nil
}

func orMemoryOutbox(s persistence.OutboxStore) persistence.OutboxStore {
	if s == nil {
		return persistence.NewMemoryOutboxStore()
	}
	return s
}

func orMemoryScheduled(s persistence.ScheduledMessageStore) persistence.ScheduledMessageStore {
	if s == nil {
		return persistence.NewMemoryScheduledMessageStore()
	}
	return s
}

func (b *Bus) registerConfiguredMiddlewares(deps BusDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares)+1)
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)
	if !deps.Hooks.IsZero() {
		registrations = append(registrations, JobHooksMiddleware(deps.Hooks))
	}

	for _, reg := range registrations {
		if err := b.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Address returns the bus's own address.
func (b *Bus) Address() transport.Address { return b.address }

// Provider returns the host provider shared by the bus.
func (b *Bus) Provider() *transport.HostProvider { return b.provider }

// Serializers returns the serializers used for outgoing and incoming bodies.
func (b *Bus) Serializers() *messages.Serializers { return b.serializers }

// Types returns the registry of message types known to the bus.
func (b *Bus) Types() *messages.TypeRegistry { return b.types }

// Metrics returns the bus collectors.
func (b *Bus) Metrics() *Metrics { return b.metrics }

// Outbox returns the producer side of the outbox.
func (b *Bus) Outbox() *Outbox { return b.outbox }

// Scheduler returns the scheduled message API.
func (b *Bus) Scheduler() *Scheduler { return b.scheduler }

// Inbox returns the inbox, or nil when no inbox store is configured.
func (b *Bus) Inbox() *Inbox { return b.inbox }

// Sagas returns the saga engine.
func (b *Bus) Sagas() *SagaEngine { return b.sagas }

// RoutePublish sends published messages of messageType to the hosts of the
// given addresses instead of the bus's own host.
func (b *Bus) RoutePublish(messageType string, addresses ...string) error {
	if messageType == "" {
		return errspkg.ErrMessageTypeRequired
	}
	if len(addresses) == 0 {
		return errspkg.ErrAddressRequired
	}
	parsed := make([]transport.Address, 0, len(addresses))
	for _, raw := range addresses {
		addr, err := transport.ParseAddress(raw)
		if err != nil {
			return err
		}
		parsed = append(parsed, addr)
	}
	b.mu.Lock()
	b.routes[messageType] = append(b.routes[messageType], parsed...)
	b.mu.Unlock()
	return nil
}

func (b *Bus) publishTargets(messageType string) []transport.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	if targets, ok := b.routes[messageType]; ok {
		return append([]transport.Address(nil), targets...)
	}
	return []transport.Address{b.address}
}

// Send delivers msg point-to-point to address.
func (b *Bus) Send(ctx context.Context, address string, msg any, opts ...SendOption) error {
	env, err := b.newSend(address, msg, opts...)
	if err != nil {
		return err
	}
	return b.Dispatch(ctx, env)
}

// Publish fans msg out to every subscriber of its type.
func (b *Bus) Publish(ctx context.Context, msg any, opts ...SendOption) error {
	env, err := b.envelope(msg, collectOptions(opts))
	if err != nil {
		return err
	}
	return b.Dispatch(ctx, env)
}

func (b *Bus) newSend(address string, msg any, opts ...SendOption) (*transport.Message, error) {
	if address == "" {
		return nil, errspkg.ErrAddressRequired
	}
	dest, err := transport.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	env, err := b.envelope(msg, collectOptions(opts))
	if err != nil {
		return nil, err
	}
	env.DestinationAddress = dest.String()
	return env, nil
}

// envelope serializes msg and fills the envelope fields. The conversation id
// defaults to the message id. The message type is recorded in the bus type
// registry so staged rows of it can be delivered later.
func (b *Bus) envelope(msg any, o sendOptions) (*transport.Message, error) {
	if msg == nil {
		return nil, errspkg.ErrMessageRequired
	}
	msgType := o.messageType
	if msgType == "" {
		msgType = messages.TypeName(msg)
	}
	if msgType == "" {
		return nil, errspkg.ErrMessageTypeRequired
	}

	ser := b.serializers.For(o.contentType)
	body, err := ser.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", msgType, err)
	}
	messages.RegisterValue(b.types, msgType, msg)

	id := o.messageID
	if id == "" {
		id = idspkg.CreateULID()
	}
	correlationID := o.correlationID
	if correlationID == "" {
		correlationID = messages.CorrelationID(msg)
	}
	conversationID := o.conversationID
	if conversationID == "" {
		conversationID = id
	}

	return &transport.Message{
		MessageID:       id,
		MessageType:     msgType,
		CorrelationID:   correlationID,
		ConversationID:  conversationID,
		SourceAddress:   b.address.String(),
		ResponseAddress: o.responseAddress,
		ContentType:     ser.ContentType(),
		SentTime:        b.now().UTC(),
		Headers:         o.headers.Clone(),
		Body:            body,
	}, nil
}

// Dispatch delivers an already serialized envelope: point-to-point when
// DestinationAddress is set, otherwise published by type. The outbox and the
// scheduler use it to replay stored messages unchanged.
func (b *Bus) Dispatch(ctx context.Context, env *transport.Message) error {
	if env == nil {
		return errspkg.ErrMessageRequired
	}
	if b.isStopped() {
		return errspkg.ErrBusStopped
	}
	if env.DestinationAddress != "" {
		return b.dispatchSend(ctx, env)
	}
	return b.dispatchPublish(ctx, env)
}

func (b *Bus) dispatchSend(ctx context.Context, env *transport.Message) error {
	dest, err := transport.ParseAddress(env.DestinationAddress)
	if err != nil {
		return err
	}
	ctx, span := b.startProducerSpan(ctx, "transit.send", env, dest.String())
	defer span.End()

	host, err := b.provider.GetHost(ctx, dest)
	if err == nil {
		err = host.Send(ctx, dest, env)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	b.metrics.sent.WithLabelValues(env.MessageType).Inc()
	return nil
}

func (b *Bus) dispatchPublish(ctx context.Context, env *transport.Message) error {
	if env.MessageType == "" {
		return errspkg.ErrMessageTypeRequired
	}
	ctx, span := b.startProducerSpan(ctx, "transit.publish", env, env.MessageType)
	defer span.End()

	var errs []error
	for _, target := range b.publishTargets(env.MessageType) {
		host, err := b.provider.GetHost(ctx, target)
		if err == nil {
			err = host.Publish(ctx, env)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s via %s: %w", env.MessageType, target.Key(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	b.metrics.published.WithLabelValues(env.MessageType).Inc()
	return nil
}

func (b *Bus) startProducerSpan(ctx context.Context, name string, env *transport.Message, destination string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", env.MessageID),
			attribute.String("messaging.message.type", env.MessageType),
			attribute.String("messaging.message.conversation_id", env.ConversationID),
			attribute.String("messaging.destination.name", destination),
		),
	)
}

// Start listens on every registered endpoint, starts push hosts and launches
// the background processors. It returns once everything is running; use Stop
// or Run to shut down.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return errspkg.ErrBusStopped
	}
	if b.started {
		b.mu.Unlock()
		return errors.New("transit: bus already started")
	}
	b.started = true
	eps := make([]*endpoint, 0, len(b.order))
	for _, key := range b.order {
		eps = append(eps, b.endpoints[key])
	}
	b.mu.Unlock()

	for _, e := range eps {
		if err := b.listen(e); err != nil {
			return err
		}
	}
	for _, host := range b.provider.Hosts() {
		if starter, ok := host.(transport.Starter); ok {
			if err := starter.Start(ctx); err != nil {
				return fmt.Errorf("start host %s: %w", host.Address().Key(), err)
			}
		}
	}

	b.startProcessors()
	b.startHTTPServers()

	b.Logger.Info("Message bus started", loggingpkg.LogFields{
		"address":   transport.RedactURL(b.address.String()),
		"endpoints": len(eps),
	})
	return nil
}

// Run starts the bus and blocks until ctx is cancelled, then stops it.
func (b *Bus) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return b.Stop(stopCtx)
}

func (b *Bus) startProcessors() {
	c := b.Conf
	if !c.Outbox.Disabled {
		p := b.outbox.processor()
		b.goRun("outbox", p.Run)
	}
	if !c.Scheduler.Disabled {
		p := b.scheduler.processor()
		b.goRun("scheduler", p.Run)
	}
	if b.inbox != nil && c.Inbox.Retention > 0 {
		b.goRun("inbox_cleanup", func(ctx context.Context) error {
			return b.inbox.RunCleanup(ctx, c.Inbox.CleanupInterval, c.Inbox.Retention)
		})
	}
}

func (b *Bus) goRun(name string, run func(context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := run(b.runCtx); err != nil && !errors.Is(err, context.Canceled) {
			b.Logger.Error("Background processor stopped", err, loggingpkg.LogFields{"processor": name})
		}
	}()
}

// Stop cancels listeners and processors, fails pending requests with
// ErrBusStopped, and closes every host.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	b.cancel()
	close(b.done)

	var errs []error
	b.httpServersMu.Lock()
	servers := b.servers
	b.servers = nil
	b.httpServersMu.Unlock()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	waited := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if err := b.provider.Close(); err != nil {
		errs = append(errs, err)
	}
	b.Logger.Info("Message bus stopped", nil)
	return errors.Join(errs...)
}

func (b *Bus) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// RegisterHTTPHandler mounts handler on a server listening on port. Servers
// start with the bus.
func (b *Bus) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	if b.httpServers == nil {
		b.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := b.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		b.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (b *Bus) startHTTPServers() {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	for port, mux := range b.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		b.servers = append(b.servers, srv)
		b.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}
