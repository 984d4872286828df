package transport

import "context"

// Transport carries raw ToRadio/FromRadio protobuf payloads to and from the
// radio node. Implementations handle their own framing.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
}
