// Package jflux wires services and messages for a distributed robot.
//
// Components declare the services they depend on. JFlux binds those
// dependencies to services discovered at runtime in a registry, creates the
// component once its mandatory dependencies are bound, registers it for
// others to use, and tears it down when a dependency goes away. Data moves
// through pipelines of producer, processor and consumer nodes, and between
// processes as Avro payloads over NATS.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│        lifecycle.ServiceManager     │  create / change / dispose
//	│   (one per component, typed on T)   │  register when satisfied
//	└─────────────────────────────────────┘
//	           ↓ tracks
//	┌─────────────────────────────────────┐
//	│      dependency.DependencyTracker   │  eager / lazy binding
//	│   (one per declared dependency)     │  static / dynamic updates
//	└─────────────────────────────────────┘
//	           ↓ listens to
//	┌─────────────────────────────────────┐
//	│          registry.Registry          │  LDAP filters, ranking
//	│  (memory, or mirrored to NATS KV,   │  remote references
//	│   etcd or Redis)                    │
//	└─────────────────────────────────────┘
//
// A running component is usually a node.NodeChain:
//
//	ProducerNode[A] → ProcessorNode[A,B] → ... → ConsumerNode[Z]
//
// messaging.ReceiverNode and messaging.SenderNode put a chain on a NATS
// subject, with avro adapters converting between records and bytes.
//
// # Framework Packages
//
//   - notify: generic Notifier/Listener
//   - play: Playable state machine (stopped, running, paused, error) and groups
//   - node: adapters, producer/processor/consumer nodes, chains, heartbeats
//   - registry: descriptors, filters, references, memory and directory registries
//   - registry/directory: NATS KV, etcd and Redis directory backends
//   - dependency: descriptors, bindings and trackers
//   - lifecycle: ServiceManager, ManagedServiceGroup, registration strategies
//   - avro: binary and JSON codecs, record adapters
//   - messaging: content types, senders, receivers, AMQP-style connection URLs
//   - natsclient: NATS connection with circuit breaker, KV store
//   - config: layered configuration, schema validation, KV sharing
//   - metric, health, monitor: Prometheus metrics, health, registry monitor
//   - pkg/buffer, pkg/retry: circular buffer, backoff
//
// # Usage Patterns
//
// A component with one mandatory dependency:
//
//	desc, _ := dependency.NewDependencyDescriptor("conn", "org.jflux.messaging.Connection", dependency.Required)
//	dep := dependency.NewServiceDependency(desc, false, dependency.Dynamic)
//	binding, _ := dependency.NewBindingBuilder(dep).Build()
//
//	mgr, _ := lifecycle.NewServiceManager[*node.NodeChain](
//	    &lifecycle.Funcs[*node.NodeChain]{
//	        Deps:    []dependency.ServiceDependency{dep},
//	        Classes: []string{"org.example.Pipeline"},
//	        Create:  buildChain,
//	        Dispose: func(c *node.NodeChain, _ map[string]any) { c.Stop() },
//	    },
//	    map[string]*dependency.ServiceBinding{"conn": binding},
//	    nil, nil,
//	)
//	_ = mgr.Start(ctx, reg)
//
// # Binary
//
// cmd/jflux runs a node: it connects to NATS, shares its configuration over
// KV, hosts the registry, publishes a heartbeat and serves /metrics, /health
// and the registry monitor.
//
//	./bin/jflux --config configs/node.yaml
package jflux
