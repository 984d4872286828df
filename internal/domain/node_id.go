package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatNodeNum renders a node number in its canonical "!xxxxxxxx" form.
func FormatNodeNum(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID accepts either the "!xxxxxxxx" form or a decimal node number.
func ParseNodeID(raw string) (uint32, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, fmt.Errorf("empty node id")
	}
	if strings.HasPrefix(v, "!") {
		hexPart := v[1:]
		if len(hexPart) != 8 {
			return 0, fmt.Errorf("invalid node id %q", raw)
		}
		num, err := strconv.ParseUint(hexPart, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q: %w", raw, err)
		}
		return uint32(num), nil
	}
	num, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node number %q: %w", raw, err)
	}
	return uint32(num), nil
}

// MessageID builds the composite message primary key from sender and packet.
func MessageID(fromNodeNum, packetID uint32) string {
	return strconv.FormatUint(uint64(fromNodeNum), 10) + "_" + strconv.FormatUint(uint64(packetID), 10)
}

// ReadStateKeyChannel returns the read-state scope key for a channel index.
func ReadStateKeyChannel(index int) string {
	return fmt.Sprintf("channel:%d", index)
}

// ReadStateKeyPeer returns the read-state scope key for a DM peer.
func ReadStateKeyPeer(nodeID string) string {
	return "dm:" + nodeID
}
