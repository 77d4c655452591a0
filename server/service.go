package server

import (
	"context"
	"sort"

	"lucid-rpc/message"
)

// Service groups related handlers under one name, e.g. "bench" mounts
// "bench.io", "bench.cpu" and "bench.mixed".
type Service struct {
	Name    string
	Methods map[string]Handler
}

// NewService creates an empty service.
func NewService(name string) *Service {
	return &Service{Name: name, Methods: make(map[string]Handler)}
}

// Add binds a method of the service and returns the service for chaining.
func (s *Service) Add(method string, h Handler) *Service {
	s.Methods[method] = h
	return s
}

func (s *Service) names() []string {
	names := make([]string, 0, len(s.Methods))
	for name := range s.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// The adapters below turn typed functions into Handlers. Parameter names are
// used when params arrive as a named mapping; positional params are bound by
// index; a single scalar is bound to the only argument.

// Func0 adapts a function that takes no arguments. Params must be absent.
func Func0[R any](fn func(ctx context.Context) (R, error)) Handler {
	return func(ctx context.Context, p message.Params) (any, error) {
		if err := p.Spread(nil); err != nil {
			return nil, err
		}
		return fn(ctx)
	}
}

// Func1 adapts a one-argument function.
func Func1[A, R any](name string, fn func(ctx context.Context, a A) (R, error)) Handler {
	return func(ctx context.Context, p message.Params) (any, error) {
		var a A
		if err := p.Spread([]string{name}, &a); err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}
}

// Func2 adapts a two-argument function.
func Func2[A, B, R any](nameA, nameB string, fn func(ctx context.Context, a A, b B) (R, error)) Handler {
	return func(ctx context.Context, p message.Params) (any, error) {
		var (
			a A
			b B
		)
		if err := p.Spread([]string{nameA, nameB}, &a, &b); err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}
}

// Decoded adapts a function taking one struct (or any JSON-decodable value),
// filled from the whole params value with Params.Decode.
func Decoded[T, R any](fn func(ctx context.Context, args T) (R, error)) Handler {
	return func(ctx context.Context, p message.Params) (any, error) {
		var args T
		if err := p.Decode(&args); err != nil {
			return nil, err
		}
		return fn(ctx, args)
	}
}
