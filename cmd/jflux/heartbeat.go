package main

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/jflux/avro"
	"github.com/c360/jflux/config"
	"github.com/c360/jflux/dependency"
	"github.com/c360/jflux/lifecycle"
	"github.com/c360/jflux/messaging"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/node"
	"github.com/c360/jflux/registry"
)

// Service classes registered by the daemon
const (
	connectionClass = "org.jflux.messaging.Connection"
	heartbeatClass  = "org.jflux.node.Heartbeat"
)

// Heartbeat is the liveness record a node publishes on its heartbeat subject
type Heartbeat struct {
	NodeID    string
	Robot     string
	Sequence  int64
	Timestamp time.Time
	Uptime    time.Duration
}

const heartbeatSchema = `{
  "type": "record",
  "name": "Heartbeat",
  "namespace": "org.jflux.node",
  "fields": [
    {"name": "nodeId", "type": "string"},
    {"name": "robot", "type": "string"},
    {"name": "sequence", "type": "long"},
    {"name": "timestampMillis", "type": "long"},
    {"name": "uptimeMillis", "type": "long"}
  ]
}`

var heartbeatRecord = avro.RecordFuncs[Heartbeat]{
	To: func(h Heartbeat) (map[string]any, error) {
		return map[string]any{
			"nodeId":          h.NodeID,
			"robot":           h.Robot,
			"sequence":        h.Sequence,
			"timestampMillis": h.Timestamp.UnixMilli(),
			"uptimeMillis":    h.Uptime.Milliseconds(),
		}, nil
	},
	From: func(native map[string]any) (Heartbeat, error) {
		nodeID, ok1 := native["nodeId"].(string)
		robot, ok2 := native["robot"].(string)
		seq, ok3 := native["sequence"].(int64)
		ts, ok4 := native["timestampMillis"].(int64)
		up, ok5 := native["uptimeMillis"].(int64)
		if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
			return Heartbeat{}, fmt.Errorf("malformed heartbeat record")
		}
		return Heartbeat{
			NodeID:    nodeID,
			Robot:     robot,
			Sequence:  seq,
			Timestamp: time.UnixMilli(ts),
			Uptime:    time.Duration(up) * time.Millisecond,
		}, nil
	},
}

// heartbeatSubject is the configured subject, or <prefix>.<node>.heartbeat
func heartbeatSubject(cfg *config.Config) string {
	if cfg.Heartbeat.Subject != "" {
		return cfg.Heartbeat.Subject
	}
	return cfg.Subject(cfg.Node.ID, "heartbeat")
}

// newHeartbeatService manages the heartbeat chain
//
//	HeartbeatNode -> avro encode -> SenderNode
//
// The chain exists while a connection registered by this node is in the
// registry. A replaced connection rebuilds the chain on the new one.
func newHeartbeatService(
	cfg *config.Config,
	reg registry.Registry,
	metrics *metric.MetricsRegistry,
	logger *slog.Logger,
) (*lifecycle.ServiceManager[*node.NodeChain], error) {
	mode, err := avro.ParseMode(cfg.Messaging.Mode)
	if err != nil {
		return nil, err
	}
	codec, err := avro.NewCodec(heartbeatSchema)
	if err != nil {
		return nil, err
	}
	encoder, err := avro.NewEncodeAdapter[Heartbeat](heartbeatRecord, avro.NewEncoder(codec, mode),
		avro.WithLogger(logger), avro.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	desc, err := dependency.NewDependencyDescriptor("connection", connectionClass, dependency.Required,
		dependency.WithProperties(map[string]string{"node": cfg.Node.ID}))
	if err != nil {
		return nil, err
	}
	dep := dependency.NewServiceDependency(desc, false, dependency.Dynamic)
	binding, err := dependency.NewBindingBuilder(dep).Build()
	if err != nil {
		return nil, err
	}

	subject := heartbeatSubject(cfg)
	started := time.Now()
	var seq atomic.Int64
	supplier := func() Heartbeat {
		return Heartbeat{
			NodeID:    cfg.Node.ID,
			Robot:     cfg.Node.Robot,
			Sequence:  seq.Add(1),
			Timestamp: time.Now(),
			Uptime:    time.Since(started),
		}
	}

	build := func(conn any) (*node.NodeChain, error) {
		pub, ok := conn.(messaging.Publisher)
		if !ok {
			return nil, fmt.Errorf("connection %T cannot publish", conn)
		}
		sender, err := messaging.NewSender(pub, subject,
			messaging.WithLogger(logger), messaging.WithMetrics(metrics))
		if err != nil {
			return nil, err
		}
		beat, err := node.NewHeartbeatNode("heartbeat-source", cfg.Heartbeat.Schedule, supplier,
			node.WithLogger(logger), node.WithMetrics(metrics))
		if err != nil {
			return nil, err
		}
		encode, err := node.NewProcessorNode[Heartbeat, []byte]("heartbeat-encode", encoder,
			node.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		send, err := messaging.NewSenderNode[[]byte]("heartbeat-send", sender, messaging.ContentTypeAvro,
			node.Identity[[]byte](), messaging.WithLogger(logger), messaging.WithMetrics(metrics))
		if err != nil {
			return nil, err
		}

		builder := node.NewChainBuilder(beat, node.WithName("heartbeat"),
			node.WithLogger(logger), node.WithMetrics(metrics))
		if err := builder.Attach(encode); err != nil {
			return nil, err
		}
		chain, err := builder.Build(send)
		if err != nil {
			return nil, err
		}
		if !chain.Start() {
			return nil, fmt.Errorf("heartbeat chain did not start")
		}
		logger.Info("Heartbeat publishing", "subject", subject, "schedule", beat.Spec(), "mode", mode.String())
		return chain, nil
	}

	lc := &lifecycle.Funcs[*node.NodeChain]{
		Deps:    []dependency.ServiceDependency{dep},
		Classes: []string{heartbeatClass},
		Create: func(deps map[string]any) (*node.NodeChain, error) {
			return build(deps["connection"])
		},
		Change: func(old *node.NodeChain, _ string, _, newValue any, _ map[string]any) (*node.NodeChain, error) {
			old.Stop()
			return build(newValue)
		},
		Dispose: func(chain *node.NodeChain, _ map[string]any) {
			chain.Stop()
		},
	}

	strategy, err := lifecycle.NewDefaultRegistrationStrategy[*node.NodeChain](reg, []string{heartbeatClass},
		map[string]any{"node": cfg.Node.ID, "subject": subject})
	if err != nil {
		return nil, err
	}
	return lifecycle.NewServiceManager[*node.NodeChain](lc,
		map[string]*dependency.ServiceBinding{"connection": binding},
		strategy, nil,
		lifecycle.WithName("heartbeat"),
		lifecycle.WithLogger(logger.With("component", "heartbeat")),
		lifecycle.WithMetrics(metrics),
	)
}
