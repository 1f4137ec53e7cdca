// Package natsclient manages the NATS connection used by JFlux messaging and
// the NATS KV service directory.
//
// Client wraps a single nats.Conn. Connect attempts go through a circuit
// breaker: after a threshold of consecutive failures Connect fails fast with
// ErrCircuitOpen until a backoff elapses, and the backoff doubles up to a
// cap while failures continue. Once connected, dropped connections are
// recovered by nats.go using the configured reconnect settings.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithMaxReconnects(-1),
//	    natsclient.WithReconnectWait(5*time.Second),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
// Messaging uses PublishMsg for header-tagged messages and SubscribeSync for
// polled subscriptions.
//
// KVStore adds typed errors and compare-and-set retries on top of a
// JetStream KV bucket:
//
//	bucket, _ := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "services"})
//	kv := client.NewKVStore(bucket)
//	err := kv.UpdateWithRetry(ctx, key, func(cur []byte) ([]byte, error) {
//	    return next(cur), nil
//	})
//
// TestClient starts a NATS server in a testcontainer for integration tests.
package natsclient
