// Package node assembles message-processing pipelines out of typed stages.
//
// A pipeline is a producer, zero or more processors and a consumer:
//
//	ProducerNode[T] -> ProcessorNode[T, U] -> ... -> ConsumerNode[V]
//
// Every stage is a play.Playable. A NodeChain owns its stages and links each
// downstream listener onto the upstream notifier when started; Stop removes
// exactly those links again, so a stopped chain leaves no listeners behind.
//
// Stage compatibility is checked when the chain is assembled. The produced
// type of each stage must be assignable to the consumed type of the next:
//
//	b := node.NewChainBuilder(heartbeat, node.WithName("status"))
//	if err := b.Attach(encoder); err != nil {
//	    return err // errors.ErrIncompatibleNodes
//	}
//	chain, err := b.Build(sender)
//
// Stages drop items that arrive while they are not running. Processors also
// drop nil adapter results, which is how adapters report failures.
package node
