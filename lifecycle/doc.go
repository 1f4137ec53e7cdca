// Package lifecycle creates, registers and disposes services as their
// dependencies come and go.
//
// A ServiceLifecycle declares the dependencies a service needs and how to
// build it from their values. A ServiceManager tracks one ServiceBinding per
// dependency and runs a small state machine:
//
//	Stopped -> Unsatisfied -> Satisfied -> Registered
//	               ^              |             |
//	               +--------------+-------------+  (mandatory dependency lost)
//
// Dispose is terminal from any state. The service is created once every
// mandatory dependency has a value, registered through its
// RegistrationStrategy while registration is enabled, updated in place
// through HandleDependencyChange, and disposed when a mandatory dependency
// goes away.
//
// ManagedServiceGroup starts and stops several managers together.
package lifecycle
