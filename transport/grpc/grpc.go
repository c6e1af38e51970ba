// Package grpc provides a point-to-point transport over a unary gRPC delivery
// service. Every host can serve inbound deliveries on Settings.ListenAddress
// and dial remote hosts by address authority.
package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	ggrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/drblury/transit/internal/runtime/jsoncodec"
	"github.com/drblury/transit/transport"
)

// Schemes handled by this transport.
var Schemes = []string{"grpc"}

// DefaultListenAddress is used when Settings.ListenAddress is empty.
const DefaultListenAddress = ":9090"

// ServiceName is the fully qualified name of the delivery service.
const ServiceName = "transit.v1.Delivery"

const deliverMethod = "/" + ServiceName + "/Deliver"

// ListenFactory allows overriding the server listener for testing.
var ListenFactory = func(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}

// DialFactory allows overriding the client connection for testing.
var DialFactory = func(target string, opts ...ggrpc.DialOption) (*ggrpc.ClientConn, error) {
	return ggrpc.NewClient(target, opts...)
}

func init() {
	Register(transport.DefaultRegistry)
}

// Register adds the gRPC scheme to r.
func Register(r *transport.Registry) {
	for _, scheme := range Schemes {
		r.RegisterWithCapabilities(scheme, Build, transport.GRPCCapabilities)
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.GRPCCapabilities
}

type deliverRequest struct {
	Route   string             `json:"route"`
	Message *transport.Message `json:"message"`
}

type deliverReply struct {
	Accepted bool `json:"accepted"`
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return jsoncodec.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return jsoncodec.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

type deliveryServer interface {
	deliver(ctx context.Context, req *deliverRequest) (*deliverReply, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor ggrpc.UnaryServerInterceptor) (any, error) {
	in := new(deliverRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliveryServer).deliver(ctx, in)
	}
	info := &ggrpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliveryServer).deliver(ctx, req.(*deliverRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var deliveryServiceDesc = ggrpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*deliveryServer)(nil),
	Methods: []ggrpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Metadata: "transit/v1/delivery",
}

type listener struct {
	id      uint64
	handler transport.Handler
}

// route holds the listeners of one queue or published type. Listeners of the
// same group compete; every group receives each message once.
type route struct {
	groups map[string][]listener
	order  []string
	next   map[string]int
}

func newRoute() *route {
	return &route{groups: map[string][]listener{}, next: map[string]int{}}
}

func (r *route) add(group string, l listener) {
	if _, ok := r.groups[group]; !ok {
		r.order = append(r.order, group)
	}
	r.groups[group] = append(r.groups[group], l)
}

func (r *route) remove(id uint64) {
	for group, ls := range r.groups {
		for i, l := range ls {
			if l.id == id {
				r.groups[group] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
	}
}

// pick returns one handler per group, rotating through competing listeners.
func (r *route) pick() []transport.Handler {
	var out []transport.Handler
	for _, group := range r.order {
		ls := r.groups[group]
		if len(ls) == 0 {
			continue
		}
		i := r.next[group] % len(ls)
		r.next[group] = i + 1
		out = append(out, ls[i].handler)
	}
	return out
}

// Host delivers envelopes by calling the Deliver method of remote hosts and
// serves its own listeners through an embedded gRPC server.
type Host struct {
	address  transport.Address
	settings transport.Settings
	topology transport.Topology
	creds    credentials.TransportCredentials
	logger   watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	server  *ggrpc.Server
	serving bool
	routes  map[string]*route
	conns   map[string]*ggrpc.ClientConn
	nextID  uint64
}

// Build creates a gRPC host. The server is started on the first Listen.
func Build(ctx context.Context, settings transport.Settings, logger watermill.LoggerAdapter) (transport.Host, error) {
	address, err := settings.ParsedAddress()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	creds := insecure.NewCredentials()
	if settings.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	h := &Host{
		address:  address,
		settings: settings,
		topology: settings.Topology,
		creds:    creds,
		logger:   logger.With(watermill.LogFields{"host": address.Key()}),
		routes:   map[string]*route{},
		conns:    map[string]*ggrpc.ClientConn{},
	}
	h.server = ggrpc.NewServer(ggrpc.ForceServerCodec(jsonCodec{}))
	h.server.RegisterService(&deliveryServiceDesc, h)
	return h, nil
}

func (h *Host) Address() transport.Address { return h.address }

func (h *Host) Capabilities() transport.Capabilities { return transport.GRPCCapabilities }

// Send delivers msg to the queue named by dest on the host at dest's
// authority.
func (h *Host) Send(ctx context.Context, dest transport.Address, msg *transport.Message) error {
	if msg == nil {
		return errors.New("transport: message is required")
	}
	authority := dest.Authority
	if authority == "" {
		authority = h.remoteAuthority()
	}
	return h.invoke(ctx, authority, queueRoute(h.topology.QueueName(dest)), msg)
}

// Publish delivers msg to the subscribers of its type registered on the
// remote host named by Settings.URL, or on this host's authority.
func (h *Host) Publish(ctx context.Context, msg *transport.Message) error {
	if msg == nil {
		return errors.New("transport: message is required")
	}
	if msg.MessageType == "" {
		return errors.New("transport: published message needs a type")
	}
	return h.invoke(ctx, h.remoteAuthority(), topicRoute(h.topology.TopicName(msg.MessageType)), msg)
}

func (h *Host) remoteAuthority() string {
	if h.settings.URL != "" {
		if addr, err := transport.ParseAddress(h.settings.URL); err == nil && addr.Authority != "" {
			return addr.Authority
		}
		return strings.TrimSuffix(h.settings.URL, "/")
	}
	return h.address.Authority
}

func (h *Host) invoke(ctx context.Context, authority, routeName string, msg *transport.Message) error {
	conn, err := h.conn(authority)
	if err != nil {
		return err
	}
	req := &deliverRequest{Route: routeName, Message: msg}
	if err := conn.Invoke(ctx, deliverMethod, req, new(deliverReply), ggrpc.ForceCodec(jsonCodec{})); err != nil {
		return fmt.Errorf("grpc: deliver %s to %s: %w", routeName, authority, err)
	}
	return nil
}

func (h *Host) conn(authority string) (*ggrpc.ClientConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, transport.ErrHostClosed
	}
	if conn, ok := h.conns[authority]; ok {
		return conn, nil
	}
	conn, err := DialFactory(authority, ggrpc.WithTransportCredentials(h.creds))
	if err != nil {
		return nil, fmt.Errorf("grpc: dial %s: %w", authority, err)
	}
	h.conns[authority] = conn
	return conn, nil
}

// Listen registers handler for ep and starts the server if needed. The
// listener is removed when ctx is cancelled.
func (h *Host) Listen(ctx context.Context, ep transport.Endpoint, handler transport.Handler) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("transport: handler is required")
	}
	name := queueRoute(h.topology.QueueName(ep.Address))
	group := ""
	if ep.IsTopic() {
		name = topicRoute(h.topology.TopicName(ep.MessageType))
		group = ep.Subscription
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrHostClosed
	}
	if err := h.serveLocked(); err != nil {
		return err
	}
	r, ok := h.routes[name]
	if !ok {
		r = newRoute()
		h.routes[name] = r
	}
	h.nextID++
	id := h.nextID
	r.add(group, listener{id: id, handler: handler})

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if r, ok := h.routes[name]; ok {
			r.remove(id)
		}
	}()
	return nil
}

func (h *Host) serveLocked() error {
	if h.serving {
		return nil
	}
	addr := h.settings.ListenAddress
	if addr == "" {
		addr = DefaultListenAddress
	}
	lis, err := ListenFactory("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc: listen on %s: %w", addr, err)
	}
	h.serving = true
	server := h.server
	go func() {
		if err := server.Serve(lis); err != nil && !errors.Is(err, ggrpc.ErrServerStopped) {
			h.logger.Error("gRPC delivery server stopped", err, watermill.LogFields{"listen": addr})
		}
	}()
	return nil
}

func (h *Host) deliver(ctx context.Context, req *deliverRequest) (*deliverReply, error) {
	if req.Message == nil {
		return nil, status.Error(codes.InvalidArgument, "message is required")
	}
	h.mu.Lock()
	var handlers []transport.Handler
	if r, ok := h.routes[req.Route]; ok {
		handlers = r.pick()
	}
	h.mu.Unlock()

	if len(handlers) == 0 {
		if strings.HasPrefix(req.Route, "topic:") {
			// Nobody subscribed: a publish with no subscribers is not an error.
			return &deliverReply{Accepted: false}, nil
		}
		return nil, status.Errorf(codes.NotFound, "no listener for %s", req.Route)
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, req.Message.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		h.logger.Error("Delivery handler failed", err, watermill.LogFields{
			"route":        req.Route,
			"message_id":   req.Message.MessageID,
			"message_type": req.Message.MessageType,
		})
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &deliverReply{Accepted: true}, nil
}

// Close stops the server and closes every client connection.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	serving := h.serving
	conns := h.conns
	h.conns = nil
	h.routes = map[string]*route{}
	h.mu.Unlock()

	if serving {
		h.server.GracefulStop()
	} else {
		h.server.Stop()
	}
	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func queueRoute(name string) string { return "queue:" + name }

func topicRoute(name string) string { return "topic:" + name }
