package protocol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry maps protocol names to factories. It is created once per process
// (or per test) and handed to the session container.
type Registry struct {
	factories *xsync.MapOf[string, Factory]
	names     *xsync.MapOf[uint32, string]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: xsync.NewMapOf[string, Factory](),
		names:     xsync.NewMapOf[uint32, string](),
	}
}

// NewDefaultRegistry creates a registry with all stream protocols registered
func NewDefaultRegistry(maxMessageSize int) *Registry {
	r := NewRegistry()
	r.Register(func() IProtocol { return NewHeaderSizeProtocol(maxMessageSize) })
	r.Register(func() IProtocol { return NewHeaderSizeRRProtocol(maxMessageSize) })
	r.Register(func() IProtocol { return NewDelimiterNLProtocol(maxMessageSize) })
	r.Register(func() IProtocol { return NewDelimiterCRLFProtocol(maxMessageSize) })
	r.Register(func() IProtocol { return NewDelimiterNullProtocol(maxMessageSize) })
	return r
}

// Register adds a factory under the name and id of the protocols it creates
func (r *Registry) Register(factory Factory) {
	sample := factory()
	r.factories.Store(sample.Name(), factory)
	r.names.Store(sample.ProtocolID(), sample.Name())
}

// Factory returns the factory registered for name
func (r *Registry) Factory(name string) (Factory, error) {
	f, ok := r.factories.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
	return f, nil
}

// Create instantiates the protocol registered for name
func (r *Registry) Create(name string) (IProtocol, error) {
	f, err := r.Factory(name)
	if err != nil {
		return nil, err
	}
	return f(), nil
}

// NameOf returns the name of the protocol with the given id
func (r *Registry) NameOf(id uint32) (string, bool) {
	return r.names.Load(id)
}

// Names returns all registered protocol names in sorted order
func (r *Registry) Names() []string {
	var names []string
	r.factories.Range(func(name string, _ Factory) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// --------------------------------------------------------------------------
// Endpoints
// --------------------------------------------------------------------------

// Endpoint is a parsed endpoint string "transport://address:protocol"
type Endpoint struct {
	Transport string
	Address   string
	Protocol  string
}

// String returns the endpoint in its textual form
func (e Endpoint) String() string {
	return e.Transport + "://" + e.Address + ":" + e.Protocol
}

// ParseEndpoint splits an endpoint string and checks the protocol against the registry.
// The protocol name is the part after the last colon; "ipc" is accepted for "unix".
func (r *Registry) ParseEndpoint(s string) (Endpoint, error) {
	transport, rest, ok := strings.Cut(s, "://")
	if !ok || transport == "" || rest == "" {
		return Endpoint{}, fmt.Errorf("%w: %q (expected transport://address:protocol)", ErrInvalidEndpoint, s)
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 || idx == len(rest)-1 {
		return Endpoint{}, fmt.Errorf("%w: %q has no protocol", ErrInvalidEndpoint, s)
	}
	ep := Endpoint{
		Transport: strings.ToLower(transport),
		Address:   rest[:idx],
		Protocol:  rest[idx+1:],
	}
	if ep.Transport == "ipc" {
		ep.Transport = "unix"
	}
	if _, err := r.Factory(ep.Protocol); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}
