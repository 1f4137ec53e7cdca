package dependency

import (
	"fmt"
	"maps"
	"strings"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/registry"
)

// ServiceBinding is a ServiceDependency resolved to a registry descriptor
// with a binding and update strategy. Build one with BindingBuilder.
type ServiceBinding struct {
	dependency ServiceDependency
	descriptor registry.Descriptor
	filter     registry.Filter
	binding    BindingStrategy
	update     UpdateStrategy
}

// Dependency returns the bound dependency
func (b *ServiceBinding) Dependency() ServiceDependency { return b.dependency }

// Name returns the dependency name
func (b *ServiceBinding) Name() string { return b.dependency.Name() }

// Descriptor returns the registry descriptor
func (b *ServiceBinding) Descriptor() registry.Descriptor {
	d := b.descriptor
	d.Properties = maps.Clone(d.Properties)
	return d
}

// BindingStrategy returns the binding strategy
func (b *ServiceBinding) BindingStrategy() BindingStrategy { return b.binding }

// UpdateStrategy returns the update strategy
func (b *ServiceBinding) UpdateStrategy() UpdateStrategy { return b.update }

// Matches reports whether a reference satisfies the binding's filter
func (b *ServiceBinding) Matches(ref registry.Reference) bool {
	return b.filter.Match(ref.Properties)
}

// String describes the binding for logs
func (b *ServiceBinding) String() string {
	return fmt.Sprintf("%s %s/%s %s", b.Name(), b.binding, b.update, b.descriptor.Filter())
}

// BindingBuilder builds a ServiceBinding. It starts from the dependency's
// descriptor and update strategy with Eager binding.
type BindingBuilder struct {
	dep     ServiceDependency
	binding BindingStrategy
	update  UpdateStrategy
	props   map[string]string
	filters []string
}

// NewBindingBuilder starts a binding for dep
func NewBindingBuilder(dep ServiceDependency) *BindingBuilder {
	var filters []string
	if f := dep.Filter(); f != "" {
		filters = append(filters, f)
	}
	return &BindingBuilder{
		dep:     dep,
		binding: Eager,
		update:  dep.UpdateStrategy(),
		props:   dep.Properties(),
		filters: filters,
	}
}

// Eager binds the first accepted match
func (b *BindingBuilder) Eager() *BindingBuilder {
	b.binding = Eager
	return b
}

// Lazy binds the preferred match
func (b *BindingBuilder) Lazy() *BindingBuilder {
	b.binding = Lazy
	return b
}

// Static never switches a live binding
func (b *BindingBuilder) Static() *BindingBuilder {
	b.update = Static
	return b
}

// Dynamic follows registry changes
func (b *BindingBuilder) Dynamic() *BindingBuilder {
	b.update = Dynamic
	return b
}

// WithProperty requires an exact property value
func (b *BindingBuilder) WithProperty(key, value string) *BindingBuilder {
	if b.props == nil {
		b.props = make(map[string]string)
	}
	b.props[key] = value
	return b
}

// WithFilter adds an LDAP filter. Several filters are ANDed.
func (b *BindingBuilder) WithFilter(ldap string) *BindingBuilder {
	if f := strings.TrimSpace(ldap); f != "" {
		b.filters = append(b.filters, f)
	}
	return b
}

// Build validates the filter and returns the binding
func (b *BindingBuilder) Build() (*ServiceBinding, error) {
	if b.dep.Name() == "" {
		return nil, errors.Invalidf("BindingBuilder", "Build", "dependency is not initialized")
	}
	for k := range b.props {
		if err := registry.ValidateKey(k); err != nil {
			return nil, errors.WrapInvalid(err, "BindingBuilder", "Build", "property of "+b.dep.Name())
		}
	}
	desc := registry.Descriptor{ClassName: b.dep.ClassName(), Properties: maps.Clone(b.props)}
	switch len(b.filters) {
	case 0:
	case 1:
		desc.Extra = b.filters[0]
	default:
		desc.Extra = "(&" + strings.Join(b.filters, "") + ")"
	}
	filter, err := desc.Compile()
	if err != nil {
		return nil, errors.WrapInvalid(err, "BindingBuilder", "Build", "compile filter for "+b.dep.Name())
	}
	return &ServiceBinding{
		dependency: b.dep,
		descriptor: desc,
		filter:     filter,
		binding:    b.binding,
		update:     b.update,
	}, nil
}
