// Package bus is the message-bus collaborator: point-to-point calls
// with timeouts plus topic broadcast. The negotiation engine and the
// discovery protocol are pure consumers of this abstraction; the
// in-process network backs tests and the QUIC transport backs real
// deployments.
package bus

import (
	"context"

	"github.com/veridix/agora/pkg/types"
)

// HandlerFn serves a point-to-point call and returns the reply
// payload.
type HandlerFn func(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error)

// SubscriberFn consumes a broadcast message. Errors are the
// subscriber's own problem; broadcast delivery is best-effort.
type SubscriberFn func(ctx context.Context, from types.NodeID, payload []byte)

// Bus is one node's attachment to the message bus.
type Bus interface {
	NodeID() types.NodeID

	// Send performs a point-to-point call. The context deadline bounds
	// the round-trip; on expiry the error carries KindTimeout.
	Send(ctx context.Context, dest types.NodeID, topic string, payload []byte) ([]byte, error)

	// Handle registers the handler for point-to-point calls on topic.
	Handle(topic string, h HandlerFn)

	// Publish broadcasts to every reachable peer subscribed to topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a broadcast consumer for topic.
	Subscribe(topic string, fn SubscriberFn)

	Close() error
}
