package automation

import (
	"context"

	"meshmonitor/internal/radio"
)

// Sender is the slice of the device session automation needs.
type Sender interface {
	Connected() bool
	LocalNodeNum() uint32
	SendText(ctx context.Context, text string, opts radio.TextOptions, origin radio.Origin) (radio.EncodedPacket, error)
	SendTraceroute(ctx context.Context, to uint32, channel uint32, origin radio.Origin) (radio.EncodedPacket, error)
}
