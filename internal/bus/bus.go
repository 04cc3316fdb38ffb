// Package bus defines the partitioned, ordered-per-partition, at-least-once
// message bus boundary the core assumes (spec §4.2): produce/consume with
// keyed routing, consumer groups, and explicit offset commits.
package bus

import "context"

// Message is what a Subscribe handler receives for each delivery.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Headers   map[string]string
}

// Handler processes one delivered message. ack commits the offset; the
// caller decides when to call it (the Dispatch Engine defers commit until
// a terminal per-attempt decision is reached, per spec §4.5/§9).
type Handler func(ctx context.Context, msg Message, ack func() error)

// Adapter is the external collaborator boundary spec §1 keeps out of its
// own scope: same key always routes to the same partition, delivery is
// at-least-once, and ordering is preserved within a partition.
type Adapter interface {
	// Publish sends value on topic, routed by key.
	Publish(ctx context.Context, topic, key string, value []byte) error
	// Subscribe registers handler for topic under the named consumer
	// group. Rebalance semantics (suspend, drain, resume) are the
	// adapter's responsibility; handler only sees steady-state deliveries.
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
	// Close stops all subscriptions and releases the connection.
	Close() error
}
