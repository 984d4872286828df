package domain

import "time"

// BroadcastNodeNum is the Meshtastic broadcast destination.
const BroadcastNodeNum = uint32(0xFFFFFFFF)

// BatteryLevelMains encodes a mains-powered node in device metrics.
const BatteryLevelMains = uint32(101)

// DirectChannel marks a message that arrived as a DM rather than on a channel.
const DirectChannel = -1

type TelemetryKind string

const (
	TelemetryKindDevice      TelemetryKind = "device"
	TelemetryKindEnvironment TelemetryKind = "environment"
	TelemetryKindPower       TelemetryKind = "power"
	TelemetryKindLocalStats  TelemetryKind = "local-stats"
)

type Position struct {
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Altitude      int32   `json:"altitude"`
	PrecisionBits uint32  `json:"precisionBits"`
}

type DeviceMetrics struct {
	BatteryLevel       *uint32  `json:"batteryLevel,omitempty"`
	Voltage            *float64 `json:"voltage,omitempty"`
	ChannelUtilization *float64 `json:"channelUtilization,omitempty"`
	AirUtilTx          *float64 `json:"airUtilTx,omitempty"`
}

type Node struct {
	NodeNum         uint32        `json:"nodeNum"`
	NodeID          string        `json:"nodeId"`
	LongName        string        `json:"longName"`
	ShortName       string        `json:"shortName"`
	HwModel         string        `json:"hwModel"`
	Role            string        `json:"role"`
	Position        *Position     `json:"position,omitempty"`
	Metrics         DeviceMetrics `json:"deviceMetrics"`
	LastHeard       time.Time     `json:"-"`
	SNR             *float64      `json:"snr,omitempty"`
	RSSI            *int          `json:"rssi,omitempty"`
	HopsAway        *uint32       `json:"hopsAway,omitempty"`
	ViaMQTT         bool          `json:"viaMqtt"`
	IsFavorite      bool          `json:"isFavorite"`
	IsMobile        bool          `json:"isMobile"`
	PublicKey       string        `json:"publicKey,omitempty"`
	FirmwareVersion string        `json:"firmwareVersion,omitempty"`
	WelcomedAt      time.Time     `json:"-"`
	UpdatedAt       time.Time     `json:"-"`
}

type Message struct {
	ID           string    `json:"id"`
	PacketID     uint32    `json:"packetId"`
	FromNodeNum  uint32    `json:"fromNodeNum"`
	ToNodeNum    uint32    `json:"toNodeNum"`
	Channel      int       `json:"channel"`
	Portnum      int       `json:"portnum"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"-"`
	HopStart     uint32    `json:"hopStart"`
	HopLimit     uint32    `json:"hopLimit"`
	ReplyID      uint32    `json:"replyId"`
	Emoji        uint32    `json:"emoji"`
	Acknowledged bool      `json:"acknowledged"`
	AckFailed    bool      `json:"ackFailed"`
	Bridge       bool      `json:"bridge"`
}

// IsTapback reports whether the message is an emoji reaction to another
// message rather than a first-class feed entry.
func (m Message) IsTapback() bool {
	return m.Emoji == 1 && m.ReplyID != 0
}

// IsDirect reports whether the message was addressed to a single node.
func (m Message) IsDirect() bool {
	return m.ToNodeNum != BroadcastNodeNum
}

type ChannelRole int

const (
	ChannelRoleDisabled  ChannelRole = 0
	ChannelRolePrimary   ChannelRole = 1
	ChannelRoleSecondary ChannelRole = 2
)

type Channel struct {
	ID              int         `json:"id"`
	Name            string      `json:"name"`
	PSK             string      `json:"psk"`
	Role            ChannelRole `json:"role"`
	UplinkEnabled   bool        `json:"uplinkEnabled"`
	DownlinkEnabled bool        `json:"downlinkEnabled"`
	CreatedAt       time.Time   `json:"-"`
	UpdatedAt       time.Time   `json:"-"`
}

type TelemetrySample struct {
	ID        int64              `json:"id"`
	NodeNum   uint32             `json:"nodeNum"`
	Timestamp time.Time          `json:"-"`
	Kind      TelemetryKind      `json:"kind"`
	Metrics   map[string]float64 `json:"metrics"`
}

type PositionPoint struct {
	ID        int64     `json:"id"`
	NodeID    string    `json:"nodeId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  int32     `json:"altitude"`
	Timestamp time.Time `json:"-"`
}

// Traceroute stores one route discovery round trip. Route hops are ordered
// from destination toward source; SNR values are quarter-dB as reported by
// the radio (stored int / 4 = dB).
type Traceroute struct {
	ID          int64     `json:"id"`
	FromNodeNum uint32    `json:"fromNodeNum"`
	ToNodeNum   uint32    `json:"toNodeNum"`
	Route       []uint32  `json:"route"`
	RouteBack   []uint32  `json:"routeBack"`
	SNRTowards  []int32   `json:"snrTowards"`
	SNRBack     []int32   `json:"snrBack"`
	HopCount    int       `json:"hopCount"`
	Timestamp   time.Time `json:"-"`
}

type Neighbor struct {
	ID              int64     `json:"id"`
	NodeNum         uint32    `json:"nodeNum"`
	NeighborNodeNum uint32    `json:"neighborNodeNum"`
	SNR             float64   `json:"snr"`
	LastRxTime      time.Time `json:"-"`
	Timestamp       time.Time `json:"-"`
}

// ReadState tracks how far a reader has caught up in one scope (a channel
// or a DM peer). Unread counts derive from it without mutating messages.
type ReadState struct {
	ScopeKey   string    `json:"scopeKey"`
	LastReadAt time.Time `json:"-"`
}

// RawPacket keeps undecoded or unrecognized payloads for observability.
type RawPacket struct {
	ID          int64
	FromNodeNum uint32
	Portnum     int
	Payload     []byte
	Timestamp   time.Time
}
