// Package retry provides backoff retry loops for transient failures.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s exponential
//   - Quick(): 10 attempts, 50ms-1s, for startup paths
//   - Constant(delay, n): n attempts with a fixed delay, used for broker
//     connection settings (connectdelay / retries)
//
// Errors wrapped with NonRetryable end the loop immediately:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    v, err := decode(raw)
//	    if err != nil {
//	        return retry.NonRetryable(err)
//	    }
//	    return store(ctx, v)
//	})
package retry
