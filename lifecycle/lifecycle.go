package lifecycle

import (
	"context"

	"github.com/c360/jflux/dependency"
	"github.com/c360/jflux/registry"
)

// ServiceLifecycle builds a service of type T from resolved dependencies.
// deps maps dependency names to values; unbound optional dependencies are
// absent. Multiple-cardinality dependencies are []any.
type ServiceLifecycle[T any] interface {
	Dependencies() []dependency.ServiceDependency
	CreateService(deps map[string]any) (T, error)
	// HandleDependencyChange is called while the service is live and a
	// dependency value changes. It returns the service to keep, which may be
	// a new instance.
	HandleDependencyChange(svc T, name string, oldValue, newValue any, deps map[string]any) (T, error)
	DisposeService(svc T, deps map[string]any)
	// ClassNames are the classes the service is registered under
	ClassNames() []string
}

// Funcs is a ServiceLifecycle assembled from functions. Change and Dispose
// may be nil: a nil Change keeps the service, a nil Dispose does nothing.
type Funcs[T any] struct {
	Deps    []dependency.ServiceDependency
	Classes []string
	Create  func(deps map[string]any) (T, error)
	Change  func(svc T, name string, oldValue, newValue any, deps map[string]any) (T, error)
	Dispose func(svc T, deps map[string]any)
}

var _ ServiceLifecycle[any] = (*Funcs[any])(nil)

// Dependencies implements ServiceLifecycle
func (f *Funcs[T]) Dependencies() []dependency.ServiceDependency { return f.Deps }

// ClassNames implements ServiceLifecycle
func (f *Funcs[T]) ClassNames() []string { return f.Classes }

// CreateService implements ServiceLifecycle
func (f *Funcs[T]) CreateService(deps map[string]any) (T, error) { return f.Create(deps) }

// HandleDependencyChange implements ServiceLifecycle
func (f *Funcs[T]) HandleDependencyChange(svc T, name string, oldValue, newValue any, deps map[string]any) (T, error) {
	if f.Change == nil {
		return svc, nil
	}
	return f.Change(svc, name, oldValue, newValue, deps)
}

// DisposeService implements ServiceLifecycle
func (f *Funcs[T]) DisposeService(svc T, deps map[string]any) {
	if f.Dispose != nil {
		f.Dispose(svc, deps)
	}
}

// ManagedService is the type-independent view of a ServiceManager
type ManagedService interface {
	Name() string
	Start(ctx context.Context, reg registry.Registry) error
	Stop(ctx context.Context) error
	Dispose(ctx context.Context) error
	IsSatisfied() bool
	IsAvailable() bool
	State() State
	// Register enables registration of the managed service
	Register(ctx context.Context) error
	// Unregister disables registration of the managed service
	Unregister(ctx context.Context) error
}
