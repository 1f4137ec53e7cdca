package registry

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/c360/jflux/notify"
)

// Well-known registration properties
const (
	// PropObjectClass holds the registered class names ([]string)
	PropObjectClass = "objectClass"
	// PropServiceID holds the registration sequence number (int64)
	PropServiceID = "service.id"
	// PropServiceRanking orders services matching the same descriptor; higher wins
	PropServiceRanking = "service.ranking"
	// PropNodeID identifies the process that owns the registration
	PropNodeID = "jflux.node"
)

// Descriptor selects registrations by class name, exact property values and
// an optional extra LDAP filter.
type Descriptor struct {
	ClassName  string
	Properties map[string]string
	Extra      string
}

// NewDescriptor returns a descriptor for className with no property constraints
func NewDescriptor(className string) Descriptor {
	return Descriptor{ClassName: className}
}

// Filter renders the descriptor as an LDAP filter:
// (&(objectClass=<class>)(k=v)...(extra)). Property clauses are sorted by key.
func (d Descriptor) Filter() string {
	var clauses []string
	if d.ClassName != "" {
		clauses = append(clauses, "("+PropObjectClass+"="+EscapeValue(d.ClassName)+")")
	}
	for _, k := range slices.Sorted(maps.Keys(d.Properties)) {
		clauses = append(clauses, "("+k+"="+EscapeValue(d.Properties[k])+")")
	}
	if extra := strings.TrimSpace(d.Extra); extra != "" {
		clauses = append(clauses, extra)
	}
	if len(clauses) == 0 {
		return "(" + PropObjectClass + "=*)"
	}
	return "(&" + strings.Join(clauses, "") + ")"
}

// Compile parses the rendered filter
func (d Descriptor) Compile() (Filter, error) {
	return ParseFilter(d.Filter())
}

// String returns the rendered filter
func (d Descriptor) String() string { return d.Filter() }

// Reference is a handle to a live registration. It carries a copy of the
// registration metadata at the time it was produced.
type Reference struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	ClassNames []string       `json:"classNames"`
	Properties map[string]any `json:"properties"`
	NodeID     string         `json:"nodeId"`
	Remote     bool           `json:"remote"`
}

// IsZero reports whether r is the zero Reference
func (r Reference) IsZero() bool { return r.ID == "" }

// Ranking returns the service.ranking property, or 0
func (r Reference) Ranking() int64 {
	return toInt64(r.Properties[PropServiceRanking])
}

// Property returns a property value
func (r Reference) Property(key string) (any, bool) {
	v, ok := lookup(r.Properties, key)
	return v, ok
}

// Less orders references by preference: higher ranking first, then the
// earlier registration.
func (r Reference) Less(other Reference) bool {
	if a, b := r.Ranking(), other.Ranking(); a != b {
		return a > b
	}
	if r.Seq != other.Seq {
		return r.Seq < other.Seq
	}
	return r.ID < other.ID
}

// SortReferences sorts refs by preference
func SortReferences(refs []Reference) {
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	case uint:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case string:
		var out int64
		if _, err := fmt.Sscan(n, &out); err == nil {
			return out
		}
	}
	return 0
}

// Certificate is returned by Register and proves ownership of a registration
type Certificate struct {
	ID string
}

// RegistrationRequest describes a service to register
type RegistrationRequest struct {
	ClassNames []string
	Service    any
	Properties map[string]any
}

// Modification changes registration properties. Set is applied before Remove.
// Reserved properties (objectClass, service.id, jflux.node) cannot be changed.
type Modification struct {
	Set    map[string]any
	Remove []string
}

// EventType is the kind of RegistryEvent
type EventType int

const (
	// EventRegistered is raised for a new registration, or a modification
	// that makes a registration start matching a listener
	EventRegistered EventType = iota
	// EventModified is raised when a matching registration's properties change
	EventModified
	// EventUnregistering is raised for a removed registration, or a
	// modification that makes a registration stop matching a listener
	EventUnregistering
)

// String returns the string representation of EventType
func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventModified:
		return "modified"
	case EventUnregistering:
		return "unregistering"
	default:
		return "unknown"
	}
}

// MarshalText renders the event type as its name
func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// RegistryEvent reports a change to a registration
type RegistryEvent struct {
	Type      EventType `json:"type"`
	Reference Reference `json:"reference"`
}

// ListenerHandle identifies a listener added with AddListener
type ListenerHandle uint64

// Registry is a service registry keyed by descriptors
type Registry interface {
	// FindSingle returns the preferred matching reference
	FindSingle(ctx context.Context, d Descriptor) (Reference, bool)
	// FindAll returns every matching reference in preference order
	FindAll(ctx context.Context, d Descriptor) ([]Reference, error)
	// Service resolves a reference. Each successful call must be paired with Release.
	Service(ctx context.Context, ref Reference) (any, bool)
	// Release gives back a reference obtained through Service
	Release(ref Reference)
	Register(ctx context.Context, req RegistrationRequest) (Certificate, error)
	Unregister(ctx context.Context, cert Certificate) error
	Modify(ctx context.Context, cert Certificate, mod Modification) error
	// AddListener calls listener for every event on a registration matching d.
	// Callbacks run synchronously on the goroutine that changed the registry.
	AddListener(d Descriptor, listener notify.Listener[RegistryEvent]) (ListenerHandle, error)
	RemoveListener(h ListenerHandle)
}
