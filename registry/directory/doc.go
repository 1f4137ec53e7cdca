// Package directory provides the shared backends a registry.DirectoryRegistry
// mirrors its registrations into.
//
// Three backends are available:
//
//   - NATSKV stores one JetStream KV key per registration and follows the
//     bucket with a KV watcher.
//   - Etcd stores keys under a prefix, optionally bound to a lease so a
//     crashed node's registrations expire, and follows them with an etcd watch.
//   - Redis keeps entries in a hash and announces changes on a pub/sub channel.
//
// Entries are stored as JSON. Open selects a backend from Config.
package directory
