package nimbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimbusrpc/nimbus/codes"
	"github.com/nimbusrpc/nimbus/status"
)

// UnaryHandler is the handler signature for Kind Unary.
type UnaryHandler func(ctx context.Context, req interface{}) (interface{}, error)

// ServerStreamHandler is the handler signature for Kind ServerStream.
// stream is the outbound sink the state machine drains in publish order.
type ServerStreamHandler func(ctx context.Context, req interface{}, stream ServerStreamSender) error

// ClientStreamHandler is the handler signature for Kind ClientStream. stream
// is the lazy inbound sequence of decoded requests.
type ClientStreamHandler func(ctx context.Context, stream ClientStreamReceiver) (interface{}, error)

// BidiHandler is the handler signature for Kind Bidi.
type BidiHandler func(ctx context.Context, stream BidiStream) error

// MethodDescriptor is the read-only, reflection-free description a router
// binary can enumerate without reaching into handler internals.
type MethodDescriptor struct {
	Service string
	Method  string
	Kind    Kind
	// Timeout bounds the responder's handler context for every call of this
	// method, whatever its Kind; a deadline the caller sent as grpc-timeout
	// also applies, and the earlier one wins. Zero sets no responder-side
	// bound. It does not change the caller's own timeout.
	Timeout time.Duration
}

// MethodRegistration is one entry a Contract contributes to a Registry.
// Exactly one of Unary/ServerStream/ClientStream/Bidi must be set, matching
// Kind; RegisterContract rejects any other combination.
type MethodRegistration struct {
	Name       string
	Kind       Kind
	Timeout    time.Duration
	Codecs     CodecPair
	NewRequest func() interface{}

	Unary        UnaryHandler
	ServerStream ServerStreamHandler
	ClientStream ClientStreamHandler
	Bidi         BidiHandler
}

// Contract groups a service's methods under one name, and may nest
// sub-contracts whose methods are exposed under their own service name.
type Contract struct {
	ServiceName  string
	Methods      []MethodRegistration
	SubContracts []Contract
}

// method is the registry's internal, validated record for one
// (service, method) pair.
type method struct {
	desc       MethodDescriptor
	codecs     CodecPair
	newRequest func() interface{}

	unary        UnaryHandler
	serverStream ServerStreamHandler
	clientStream ClientStreamHandler
	bidi         BidiHandler
}

// Registry is a one-shot (per endpoint lifetime) map from
// (service, method) to its kind, handler, and codecs. The map is frozen
// once an Endpoint starts dispatching, so the dispatcher reads it without
// contention: RegisterContract after Freeze fails.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*method
	frozen  bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*method)}
}

// RegisterContract registers every method c declares, then recurses into
// c.SubContracts. Duplicate (service, method) pairs — including across
// sub-contracts — fail with codes.AlreadyExists.
func (r *Registry) RegisterContract(c Contract) error {
	for _, m := range c.Methods {
		if err := r.registerOne(c.ServiceName, m); err != nil {
			return err
		}
	}
	for _, sub := range c.SubContracts {
		if err := r.RegisterContract(sub); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) registerOne(service string, m MethodRegistration) error {
	if err := validateShape(m); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return status.Error(codes.FailedPrecondition, "registry: already frozen, no further registration allowed")
	}
	key := methodKey(service, m.Name)
	if _, exists := r.methods[key]; exists {
		return status.Errorf(codes.AlreadyExists, "registry: method %s already registered", key)
	}
	r.methods[key] = &method{
		desc: MethodDescriptor{
			Service: service,
			Method:  m.Name,
			Kind:    m.Kind,
			Timeout: m.Timeout,
		},
		codecs:       m.Codecs.withDefaults(),
		newRequest:   m.NewRequest,
		unary:        m.Unary,
		serverStream: m.ServerStream,
		clientStream: m.ClientStream,
		bidi:         m.Bidi,
	}
	return nil
}

// validateShape enforces the registration-time check: exactly the handler
// field matching Kind may be set.
func validateShape(m MethodRegistration) error {
	set := 0
	if m.Unary != nil {
		set++
	}
	if m.ServerStream != nil {
		set++
	}
	if m.ClientStream != nil {
		set++
	}
	if m.Bidi != nil {
		set++
	}
	if set != 1 {
		return status.Errorf(codes.InvalidArgument, "registry: method %q must set exactly one handler, got %d", m.Name, set)
	}
	switch m.Kind {
	case Unary:
		if m.Unary == nil {
			return shapeMismatch(m.Name, m.Kind)
		}
	case ServerStream:
		if m.ServerStream == nil {
			return shapeMismatch(m.Name, m.Kind)
		}
	case ClientStream:
		if m.ClientStream == nil {
			return shapeMismatch(m.Name, m.Kind)
		}
	case Bidi:
		if m.Bidi == nil {
			return shapeMismatch(m.Name, m.Kind)
		}
	default:
		return status.Errorf(codes.InvalidArgument, "registry: method %q has unknown kind %d", m.Name, m.Kind)
	}
	if m.NewRequest == nil {
		return status.Errorf(codes.InvalidArgument, "registry: method %q needs a NewRequest factory", m.Name)
	}
	return nil
}

func shapeMismatch(name string, kind Kind) error {
	return status.Errorf(codes.InvalidArgument, "registry: method %q declared kind %s but its handler does not match", name, kind)
}

// Freeze stops further registration; called by ResponderEndpoint before it
// starts dispatching.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) lookup(service, methodName string) (*method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[methodKey(service, methodName)]
	return m, ok
}

// Methods lists every registered method's description, for a router
// binary's introspection.
func (r *Registry) Methods() []MethodDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MethodDescriptor, 0, len(r.methods))
	for _, m := range r.methods {
		out = append(out, m.desc)
	}
	return out
}

func methodKey(service, method string) string {
	return fmt.Sprintf("%s/%s", service, method)
}
