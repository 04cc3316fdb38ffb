// Package busctx carries OpenTelemetry trace context across NATS message
// boundaries, the same way the teacher's natsctx package did for its
// JetStream-backed services. The Bus Adapter (internal/bus/natsbus) uses
// these helpers so a task's dispatch span survives publish/subscribe.
package busctx

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
)

var propagator = propagation.TraceContext{}

// Publish injects the caller's trace context into NATS message headers and
// publishes data on subject.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	msg := NewTracedMsg(ctx, subject, data)
	return nc.PublishMsg(msg)
}

// NewTracedMsg builds a *nats.Msg with the caller's trace context injected
// into its headers, for publishers (such as JetStream) that need the
// message value rather than a fire-and-forget call.
func NewTracedMsg(ctx context.Context, subject string, data []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	propagator.Inject(ctx, headerCarrier{msg.Header})
	return msg
}

// Subscribe registers handler on subject, extracting any propagated trace
// context from each message's headers before invoking handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx := propagator.Extract(context.Background(), headerCarrier{msg.Header})
		handler(ctx, msg)
	})
}

type headerCarrier struct{ h nats.Header }

func (c headerCarrier) Get(key string) string {
	if c.h == nil {
		return ""
	}
	return c.h.Get(key)
}

func (c headerCarrier) Set(key, value string) {
	c.h.Set(key, value)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.h))
	for k := range c.h {
		keys = append(keys, k)
	}
	return keys
}
