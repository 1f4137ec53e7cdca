package dependency

import (
	"maps"
	"strings"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/registry"
)

// DependencyType says whether a dependency must be present
type DependencyType int

const (
	// Required dependencies must be bound before the service is created
	Required DependencyType = iota
	// Optional dependencies may be absent
	Optional
)

// String returns the string representation of DependencyType
func (t DependencyType) String() string {
	if t == Optional {
		return "optional"
	}
	return "required"
}

// Cardinality combines whether a dependency is mandatory with how many
// matches it binds.
type Cardinality int

const (
	MandatoryUnary Cardinality = iota
	MandatoryMultiple
	OptionalUnary
	OptionalMultiple
)

// IsMandatory reports whether the dependency must be bound
func (c Cardinality) IsMandatory() bool { return c == MandatoryUnary || c == MandatoryMultiple }

// IsMultiple reports whether every match is bound
func (c Cardinality) IsMultiple() bool { return c == MandatoryMultiple || c == OptionalMultiple }

// String returns the string representation of Cardinality
func (c Cardinality) String() string {
	switch c {
	case MandatoryUnary:
		return "mandatory_unary"
	case MandatoryMultiple:
		return "mandatory_multiple"
	case OptionalUnary:
		return "optional_unary"
	case OptionalMultiple:
		return "optional_multiple"
	default:
		return "unknown"
	}
}

// UpdateStrategy controls whether a binding follows registry changes
type UpdateStrategy int

const (
	// Static binds once and never switches a live binding
	Static UpdateStrategy = iota
	// Dynamic rebinds on removal and switches to better matches
	Dynamic
)

// String returns the string representation of UpdateStrategy
func (s UpdateStrategy) String() string {
	if s == Dynamic {
		return "dynamic"
	}
	return "static"
}

// BindingStrategy selects which match a unary binding uses
type BindingStrategy int

const (
	// Eager binds the first accepted match
	Eager BindingStrategy = iota
	// Lazy binds the preferred match among the candidates
	Lazy
)

// String returns the string representation of BindingStrategy
func (s BindingStrategy) String() string {
	if s == Lazy {
		return "lazy"
	}
	return "eager"
}

// DependencyDescriptor names a dependency and selects matching
// registrations. It is immutable; accessors return copies.
type DependencyDescriptor struct {
	name       string
	className  string
	properties map[string]string
	filter     string
	typ        DependencyType
}

// DescriptorOption configures a DependencyDescriptor
type DescriptorOption func(*DependencyDescriptor)

// WithProperties requires exact property values
func WithProperties(props map[string]string) DescriptorOption {
	return func(d *DependencyDescriptor) {
		if d.properties == nil {
			d.properties = make(map[string]string, len(props))
		}
		maps.Copy(d.properties, props)
	}
}

// WithFilterString adds an LDAP filter that matches must also satisfy
func WithFilterString(filter string) DescriptorOption {
	return func(d *DependencyDescriptor) { d.filter = strings.TrimSpace(filter) }
}

// NewDependencyDescriptor validates and creates a descriptor. It fails on an
// empty name or class name and on a filter that does not parse.
func NewDependencyDescriptor(name, className string, typ DependencyType, opts ...DescriptorOption) (DependencyDescriptor, error) {
	d := DependencyDescriptor{name: strings.TrimSpace(name), className: strings.TrimSpace(className), typ: typ}
	for _, opt := range opts {
		opt(&d)
	}
	if d.name == "" {
		return DependencyDescriptor{}, errors.Invalidf("DependencyDescriptor", "New", "name is empty")
	}
	if d.className == "" {
		return DependencyDescriptor{}, errors.Invalidf("DependencyDescriptor", "New", "class name is empty for %s", d.name)
	}
	if typ != Required && typ != Optional {
		return DependencyDescriptor{}, errors.Invalidf("DependencyDescriptor", "New", "unknown dependency type %d", typ)
	}
	for k := range d.properties {
		if err := registry.ValidateKey(k); err != nil {
			return DependencyDescriptor{}, errors.WrapInvalid(err, "DependencyDescriptor", "New", "property of "+d.name)
		}
	}
	if d.filter != "" {
		if _, err := registry.ParseFilter(d.filter); err != nil {
			return DependencyDescriptor{}, errors.WrapInvalid(err, "DependencyDescriptor", "New", "parse filter for "+d.name)
		}
	}
	return d, nil
}

// Name returns the dependency name
func (d DependencyDescriptor) Name() string { return d.name }

// ClassName returns the class name matches are registered under
func (d DependencyDescriptor) ClassName() string { return d.className }

// Properties returns a copy of the required property values
func (d DependencyDescriptor) Properties() map[string]string { return maps.Clone(d.properties) }

// Filter returns the extra LDAP filter, or ""
func (d DependencyDescriptor) Filter() string { return d.filter }

// Type returns whether the dependency is required
func (d DependencyDescriptor) Type() DependencyType { return d.typ }

// Descriptor returns the registry descriptor selecting matches
func (d DependencyDescriptor) Descriptor() registry.Descriptor {
	return registry.Descriptor{ClassName: d.className, Properties: d.Properties(), Extra: d.filter}
}

// ServiceDependency is a DependencyDescriptor with cardinality and an
// update strategy.
type ServiceDependency struct {
	DependencyDescriptor
	cardinality Cardinality
	update      UpdateStrategy
}

// NewServiceDependency derives the cardinality from the descriptor type:
// Required maps to Mandatory*, Optional to Optional*.
func NewServiceDependency(desc DependencyDescriptor, multiple bool, update UpdateStrategy) ServiceDependency {
	var c Cardinality
	switch {
	case desc.Type() == Required && !multiple:
		c = MandatoryUnary
	case desc.Type() == Required:
		c = MandatoryMultiple
	case !multiple:
		c = OptionalUnary
	default:
		c = OptionalMultiple
	}
	return ServiceDependency{DependencyDescriptor: desc, cardinality: c, update: update}
}

// Cardinality returns the dependency cardinality
func (d ServiceDependency) Cardinality() Cardinality { return d.cardinality }

// UpdateStrategy returns the dependency's update strategy
func (d ServiceDependency) UpdateStrategy() UpdateStrategy { return d.update }

// IsMandatory reports whether the dependency must be bound
func (d ServiceDependency) IsMandatory() bool { return d.cardinality.IsMandatory() }
