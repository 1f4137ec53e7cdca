package lifecycle

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/registry"
)

// RegistrationStrategy publishes a service somewhere others can find it
type RegistrationStrategy[T any] interface {
	Register(ctx context.Context, svc T, props map[string]any) error
	Unregister(ctx context.Context) error
	IsRegistered() bool
}

// DefaultRegistrationStrategy registers the service into a registry under
// fixed class names and base properties. The registry is called without the
// strategy lock held, so listeners may query the strategy.
type DefaultRegistrationStrategy[T any] struct {
	reg        registry.Registry
	classNames []string
	props      map[string]any

	mu          sync.Mutex
	cert        *registry.Certificate
	registering bool
}

// NewDefaultRegistrationStrategy creates a strategy registering into reg
func NewDefaultRegistrationStrategy[T any](reg registry.Registry, classNames []string, props map[string]any) (*DefaultRegistrationStrategy[T], error) {
	if reg == nil {
		return nil, errors.Invalidf("DefaultRegistrationStrategy", "New", "registry is nil")
	}
	if len(classNames) == 0 {
		return nil, errors.Invalidf("DefaultRegistrationStrategy", "New", "no class names")
	}
	return &DefaultRegistrationStrategy[T]{
		reg:        reg,
		classNames: slices.Clone(classNames),
		props:      maps.Clone(props),
	}, nil
}

// Register registers svc. props are added to the base properties.
func (s *DefaultRegistrationStrategy[T]) Register(ctx context.Context, svc T, props map[string]any) error {
	s.mu.Lock()
	if s.cert != nil || s.registering {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "DefaultRegistrationStrategy", "Register", "register service")
	}
	s.registering = true
	s.mu.Unlock()

	merged := make(map[string]any, len(s.props)+len(props))
	maps.Copy(merged, s.props)
	maps.Copy(merged, props)

	cert, err := s.reg.Register(ctx, registry.RegistrationRequest{
		ClassNames: s.classNames,
		Service:    svc,
		Properties: merged,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.registering = false
	if err != nil {
		return err
	}
	s.cert = &cert
	return nil
}

// Unregister removes the registration. It is a no-op when not registered.
func (s *DefaultRegistrationStrategy[T]) Unregister(ctx context.Context) error {
	s.mu.Lock()
	if s.cert == nil {
		s.mu.Unlock()
		return nil
	}
	cert := *s.cert
	s.cert = nil
	s.mu.Unlock()

	if err := s.reg.Unregister(ctx, cert); err != nil && !errors.Is(err, errors.ErrNotRegistered) {
		return err
	}
	return nil
}

// IsRegistered reports whether the service is registered
func (s *DefaultRegistrationStrategy[T]) IsRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cert != nil
}

// Certificate returns the current registration certificate
func (s *DefaultRegistrationStrategy[T]) Certificate() (registry.Certificate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cert == nil {
		return registry.Certificate{}, false
	}
	return *s.cert, true
}

// NoopRegistrationStrategy only remembers whether Register was called. It is
// used for services nobody looks up.
type NoopRegistrationStrategy[T any] struct {
	mu         sync.Mutex
	registered bool
}

// Register implements RegistrationStrategy
func (s *NoopRegistrationStrategy[T]) Register(context.Context, T, map[string]any) error {
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()
	return nil
}

// Unregister implements RegistrationStrategy
func (s *NoopRegistrationStrategy[T]) Unregister(context.Context) error {
	s.mu.Lock()
	s.registered = false
	s.mu.Unlock()
	return nil
}

// IsRegistered implements RegistrationStrategy
func (s *NoopRegistrationStrategy[T]) IsRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}
