package registry

import (
	"context"

	"github.com/nodeflow-dev/nodeflow-server/internal/codec"
)

// Conn is the port the registry and worker program against. It abstracts
// over the concrete transport (internal/transport/wsconn wraps a gorilla
// websocket.Conn) so both can be exercised in tests with a fake.
//
// SendCritical is used for frames whose loss would violate an ordering
// invariant (status transitions, errors, stopped, queue_position, session,
// the completion data frame) — it is awaited synchronously but must never
// block indefinitely; implementations enforce their own write deadline.
//
// SendBestEffort is fire-and-forget, used for streamed progress and data
// frames — backpressure is handled by dropping into the underlying
// transport's buffer, never by blocking the caller.
type Conn interface {
	SendCritical(ctx context.Context, frame codec.Frame) error
	SendBestEffort(frame codec.Frame)
	Close(reason string)
	Closed() <-chan struct{}
}
