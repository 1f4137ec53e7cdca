// Package errors provides standardized error handling for JFlux packages.
//
// # Classification
//
// Every error belongs to one of three classes:
//
//   - Transient: transport timeouts, lost connections, unavailable storage
//   - Invalid: bad arguments, unparsable filters, incompatible pipeline stages
//   - Fatal: configuration errors and disposed services
//
// Classification is preserved through wrap chains, so callers can decide
// whether to retry, log and drop, or stop:
//
//	if err := tracker.Start(ctx); err != nil {
//	    if errors.IsInvalid(err) {
//	        return err // wiring bug, surface it
//	    }
//	    logger.Warn("tracker start failed", "error", err)
//	}
//
// # Wrapping
//
// All wrapping follows "component.method: action failed: %w":
//
//	errors.Wrap(err, "MemoryRegistry", "Register", "store entry")
//	errors.WrapInvalid(err, "ChainBuilder", "Attach", "type check")
//	errors.WrapTransient(err, "Sender", "Send", "publish")
//	errors.WrapFatal(err, "Server", "Start", "listen")
//
// Constructors that reject their arguments use Invalidf, which wraps
// ErrInvalidArgument:
//
//	if name == "" {
//	    return nil, errors.Invalidf("DependencyDescriptor", "New", "name is empty")
//	}
//
// The package re-exports Is, As, New and Join so callers need only one import.
package errors
