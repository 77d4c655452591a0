package server

import (
	"context"
	"fmt"
	"sort"

	"lucid-rpc/message"
)

// Handler is the server-side logic bound to a method name. It receives the
// request params as a tagged variant and binds them with Spread, Arg or Decode.
// The returned value must be JSON-serializable.
type Handler func(ctx context.Context, params message.Params) (any, error)

// Router is an immutable routing table from method name to Handler. It is
// built once by a RouterBuilder and read without locking at call time.
type Router struct {
	handlers map[string]Handler
}

// Lookup returns the handler bound to method.
func (r *Router) Lookup(method string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[method]
	return h, ok
}

// Methods returns the bound method names in sorted order.
func (r *Router) Methods() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RouterBuilder collects bindings. The first invalid binding is kept and
// reported by Build.
type RouterBuilder struct {
	handlers map[string]Handler
	err      error
}

// NewRouter starts an empty routing table.
func NewRouter() *RouterBuilder {
	return &RouterBuilder{handlers: make(map[string]Handler)}
}

// Handle binds name to h. Binding an empty name, a nil handler or a name
// twice is an error.
func (b *RouterBuilder) Handle(name string, h Handler) *RouterBuilder {
	if b.err != nil {
		return b
	}
	switch {
	case name == "":
		b.err = fmt.Errorf("rpc: empty method name")
	case h == nil:
		b.err = fmt.Errorf("rpc: nil handler for %q", name)
	default:
		if _, dup := b.handlers[name]; dup {
			b.err = fmt.Errorf("rpc: method %q already bound", name)
			return b
		}
		b.handlers[name] = h
	}
	return b
}

// Mount binds every method of svc under "<svc.Name>.<method>".
func (b *RouterBuilder) Mount(svc *Service) *RouterBuilder {
	if svc == nil || svc.Name == "" {
		if b.err == nil {
			b.err = fmt.Errorf("rpc: service must have a name")
		}
		return b
	}
	for _, name := range svc.names() {
		b.Handle(svc.Name+"."+name, svc.Methods[name])
	}
	return b
}

// Build freezes the bindings into a Router. The builder may keep being used;
// later bindings do not affect routers already built.
func (b *RouterBuilder) Build() (*Router, error) {
	if b.err != nil {
		return nil, b.err
	}
	handlers := make(map[string]Handler, len(b.handlers))
	for name, h := range b.handlers {
		handlers[name] = h
	}
	return &Router{handlers: handlers}, nil
}

// MustBuild is like Build but panics on error. For static setup code.
func (b *RouterBuilder) MustBuild() *Router {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}
