// Package dependency describes the services a component needs and tracks
// matching registrations in a registry.Registry.
//
// A DependencyDescriptor names a dependency and selects registrations by
// class name and properties. A ServiceDependency adds cardinality and an
// UpdateStrategy. BindingBuilder turns a ServiceDependency into a
// ServiceBinding with a concrete registry.Descriptor and a BindingStrategy:
//
//	dep, err := dependency.NewDependencyDescriptor("clock", "time.Clock", dependency.Required)
//	binding, err := dependency.NewBindingBuilder(dependency.NewServiceDependency(dep, false, dependency.Dynamic)).
//	    Lazy().
//	    WithProperty("zone", "utc").
//	    Build()
//
// DependencyTracker follows one binding. Under Eager binding every match is
// offered to OnCandidate and the first accepted one is bound. Under Lazy
// binding the preferred match (highest service.ranking, then the earliest
// registration) is bound, and a Dynamic binding switches to a better match
// when one arrives. When the bound registration goes away a Dynamic binding
// rebinds from the remaining matches, a Static binding stays unbound until a
// new match is registered.
package dependency
