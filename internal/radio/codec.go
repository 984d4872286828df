package radio

import (
	"time"

	"meshmonitor/internal/domain"
)

// PacketEvent is a decoded MeshPacket ready for the ingest pipeline. The
// payload is the inner Data payload when decode (or decrypt) succeeded;
// otherwise Opaque is set and the payload is the raw ciphertext.
type PacketEvent struct {
	FromNodeNum  uint32
	ToNodeNum    uint32
	Channel      uint32
	PacketID     uint32
	RxTime       time.Time
	RxSNR        *float64
	RxRSSI       *int
	HopLimit     uint32
	HopStart     uint32
	ViaMQTT      bool
	PKIEncrypted bool

	Portnum      int32
	Payload      []byte
	WantResponse bool
	RequestID    uint32
	ReplyID      uint32
	Emoji        uint32
	Dest         uint32
	Source       uint32

	Opaque bool
}

// DecodedFrame is one parsed FromRadio frame.
type DecodedFrame struct {
	Raw []byte

	MyNodeNum        uint32
	FirmwareVersion  string
	NodeInfo         *domain.Node
	Channel          *domain.Channel
	ConfigCompleteID uint32
	WantConfigReady  bool
	Packet           *PacketEvent
}

// EncodedPacket is an outbound frame plus the radio-assigned packet id used
// for ACK correlation.
type EncodedPacket struct {
	Payload  []byte
	PacketID uint32
	WantAck  bool
}

// TextOptions shapes an outbound text message.
type TextOptions struct {
	Destination uint32 // 0 means broadcast
	Channel     uint32
	ReplyID     uint32
	Emoji       uint32
}

// Codec translates between transport frames and decoded events.
type Codec interface {
	EncodeWantConfig() ([]byte, error)
	EncodeHeartbeat() ([]byte, error)
	EncodeText(text string, opts TextOptions) (EncodedPacket, error)
	EncodeTraceroute(to uint32, channel uint32) (EncodedPacket, error)
	EncodeReboot(seconds int32) (EncodedPacket, error)
	EncodeSetFavorite(nodeNum uint32, favorite bool) (EncodedPacket, error)
	EncodeSetOwner(longName, shortName string) (EncodedPacket, error)
	EncodeSetChannel(ch domain.Channel) (EncodedPacket, error)
	DecodeFromRadio(payload []byte) (DecodedFrame, error)
	SetChannelKey(index int, pskBase64 string)
	LocalNodeNum() uint32
}
