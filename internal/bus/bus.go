// Package bus subscribes to the single configured topic carrying gateway
// payloads and hands raw bytes to the ingestion dispatcher. The message
// bus itself is a named collaborator, not part of the core.
package bus

import "context"

// Handler is invoked once per delivered message with its raw payload.
type Handler func(payload []byte)

// Client is the bus collaborator. Subscribe blocks until ctx is
// cancelled or an unrecoverable error occurs; the client auto-reconnects
// on disconnect internally.
type Client interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close() error
}
