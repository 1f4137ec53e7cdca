// Package messaging moves Avro payloads over NATS.
//
// Every message carries its payload type in the "content-type" header and
// the raw Avro bytes as the body. A Sender publishes to one subject; a
// Receiver drains a synchronous subscription on its own goroutine and can be
// paused without busy waiting. PolymorphicAdapter picks the decoder for a
// message from its content type.
//
// ReceiverNode and SenderNode put the transport at the ends of a
// node.NodeChain:
//
//	client, err := messaging.Connect(ctx, url)
//	recv, err := messaging.NewReceiverNode[Command]("commands",
//	    messaging.NATSSubscriber(client), "robot.commands", adapter)
//
// Connection settings are given in the AMQP URL form used by the robot
// configuration files and mapped to NATS options by ConnectionURL.
package messaging
