package radio

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"meshmonitor/internal/domain"
)

const meshtasticPositionScale = 1e-7

// MeshtasticCodec implements Codec for Meshtastic protobuf frames.
type MeshtasticCodec struct {
	wantConfigID atomic.Uint32
	packetID     atomic.Uint32
	localNodeNum atomic.Uint32

	keyMu       sync.RWMutex
	channelKeys map[int][]byte
}

func NewMeshtasticCodec() (*MeshtasticCodec, error) {
	var seedRaw [4]byte
	if _, err := rand.Read(seedRaw[:]); err != nil {
		return nil, fmt.Errorf("seed packet id: %w", err)
	}
	seed := binary.BigEndian.Uint32(seedRaw[:])
	c := &MeshtasticCodec{channelKeys: make(map[int][]byte)}
	c.packetID.Store(seed)

	return c, nil
}

func (c *MeshtasticCodec) LocalNodeNum() uint32 {
	return c.localNodeNum.Load()
}

// SetChannelKey registers a channel PSK so encrypted packets on it can be
// decrypted. Unusable keys are dropped silently; the packet stays opaque.
func (c *MeshtasticCodec) SetChannelKey(index int, pskBase64 string) {
	key, err := ExpandPSKBase64(pskBase64)
	if err != nil || key == nil {
		return
	}
	c.keyMu.Lock()
	c.channelKeys[index] = key
	c.keyMu.Unlock()
}

func (c *MeshtasticCodec) EncodeWantConfig() ([]byte, error) {
	id := c.nextNonZeroID()
	wire := &meshtastic.ToRadio{PayloadVariant: &meshtastic.ToRadio_WantConfigId{WantConfigId: id}}
	payload, err := proto.Marshal(wire)
	if err != nil {
		return nil, err
	}
	c.wantConfigID.Store(id)

	return payload, nil
}

func (c *MeshtasticCodec) EncodeHeartbeat() ([]byte, error) {
	wire := &meshtastic.ToRadio{PayloadVariant: &meshtastic.ToRadio_Heartbeat{Heartbeat: &meshtastic.Heartbeat{}}}

	return proto.Marshal(wire)
}

func (c *MeshtasticCodec) EncodeText(text string, opts TextOptions) (EncodedPacket, error) {
	to := opts.Destination
	if to == 0 {
		to = domain.BroadcastNodeNum
	}
	packetID := c.nextNonZeroID()

	packet := &meshtastic.MeshPacket{
		To:      to,
		Channel: opts.Channel,
		Id:      packetID,
		WantAck: to != domain.BroadcastNodeNum,
		PayloadVariant: &meshtastic.MeshPacket_Decoded{Decoded: &meshtastic.Data{
			Portnum: meshtastic.PortNum_TEXT_MESSAGE_APP,
			Payload: []byte(text),
			ReplyId: opts.ReplyID,
			Emoji:   opts.Emoji,
		}},
	}
	wire := &meshtastic.ToRadio{PayloadVariant: &meshtastic.ToRadio_Packet{Packet: packet}}
	payload, err := proto.Marshal(wire)
	if err != nil {
		return EncodedPacket{}, fmt.Errorf("marshal text packet: %w", err)
	}

	return EncodedPacket{Payload: payload, PacketID: packetID, WantAck: packet.GetWantAck()}, nil
}

func (c *MeshtasticCodec) EncodeTraceroute(to uint32, channel uint32) (EncodedPacket, error) {
	packetID := c.nextNonZeroID()
	packet := &meshtastic.MeshPacket{
		To:      to,
		Channel: channel,
		Id:      packetID,
		WantAck: true,
		PayloadVariant: &meshtastic.MeshPacket_Decoded{Decoded: &meshtastic.Data{
			Portnum:      meshtastic.PortNum_TRACEROUTE_APP,
			WantResponse: true,
		}},
	}
	wire := &meshtastic.ToRadio{PayloadVariant: &meshtastic.ToRadio_Packet{Packet: packet}}
	payload, err := proto.Marshal(wire)
	if err != nil {
		return EncodedPacket{}, fmt.Errorf("marshal traceroute packet: %w", err)
	}

	return EncodedPacket{Payload: payload, PacketID: packetID, WantAck: true}, nil
}

func (c *MeshtasticCodec) EncodeReboot(seconds int32) (EncodedPacket, error) {
	return c.encodeAdmin(&meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_RebootSeconds{RebootSeconds: seconds},
	})
}

func (c *MeshtasticCodec) EncodeSetFavorite(nodeNum uint32, favorite bool) (EncodedPacket, error) {
	msg := &meshtastic.AdminMessage{}
	if favorite {
		msg.PayloadVariant = &meshtastic.AdminMessage_SetFavoriteNode{SetFavoriteNode: nodeNum}
	} else {
		msg.PayloadVariant = &meshtastic.AdminMessage_RemoveFavoriteNode{RemoveFavoriteNode: nodeNum}
	}

	return c.encodeAdmin(msg)
}

func (c *MeshtasticCodec) EncodeSetOwner(longName, shortName string) (EncodedPacket, error) {
	return c.encodeAdmin(&meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_SetOwner{SetOwner: &meshtastic.User{
			LongName:  longName,
			ShortName: shortName,
		}},
	})
}

func (c *MeshtasticCodec) EncodeSetChannel(ch domain.Channel) (EncodedPacket, error) {
	psk, err := base64.StdEncoding.DecodeString(ch.PSK)
	if err != nil {
		return EncodedPacket{}, fmt.Errorf("decode channel psk: %w", err)
	}

	return c.encodeAdmin(&meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_SetChannel{SetChannel: &meshtastic.Channel{
			Index: int32(ch.ID),
			Role:  meshtastic.Channel_Role(ch.Role),
			Settings: &meshtastic.ChannelSettings{
				Name:            ch.Name,
				Psk:             psk,
				UplinkEnabled:   ch.UplinkEnabled,
				DownlinkEnabled: ch.DownlinkEnabled,
			},
		}},
	})
}

func (c *MeshtasticCodec) encodeAdmin(payload *meshtastic.AdminMessage) (EncodedPacket, error) {
	encodedAdmin, err := proto.Marshal(payload)
	if err != nil {
		return EncodedPacket{}, fmt.Errorf("marshal admin payload: %w", err)
	}
	packetID := c.nextNonZeroID()
	packet := &meshtastic.MeshPacket{
		To:       c.localNodeNum.Load(),
		Id:       packetID,
		WantAck:  true,
		Priority: meshtastic.MeshPacket_RELIABLE,
		PayloadVariant: &meshtastic.MeshPacket_Decoded{Decoded: &meshtastic.Data{
			Portnum: meshtastic.PortNum_ADMIN_APP,
			Payload: encodedAdmin,
		}},
	}
	wire := &meshtastic.ToRadio{PayloadVariant: &meshtastic.ToRadio_Packet{Packet: packet}}
	encoded, err := proto.Marshal(wire)
	if err != nil {
		return EncodedPacket{}, fmt.Errorf("marshal admin packet: %w", err)
	}

	return EncodedPacket{Payload: encoded, PacketID: packetID, WantAck: true}, nil
}

func (c *MeshtasticCodec) DecodeFromRadio(payload []byte) (DecodedFrame, error) {
	out := DecodedFrame{Raw: payload}

	var wire meshtastic.FromRadio
	if err := proto.Unmarshal(payload, &wire); err != nil {
		return out, fmt.Errorf("decode fromradio protobuf: %w", err)
	}

	now := time.Now()
	if my := wire.GetMyInfo(); my != nil && my.GetMyNodeNum() != 0 {
		c.localNodeNum.Store(my.GetMyNodeNum())
		out.MyNodeNum = my.GetMyNodeNum()
	}
	if meta := wire.GetMetadata(); meta != nil {
		out.FirmwareVersion = strings.TrimSpace(meta.GetFirmwareVersion())
	}

	if configID := wire.GetConfigCompleteId(); configID != 0 {
		out.ConfigCompleteID = configID
		expected := c.wantConfigID.Load()
		if expected != 0 && configID == expected {
			out.WantConfigReady = true
		}
	}

	if nodeInfo := wire.GetNodeInfo(); nodeInfo != nil {
		node := decodeNodeInfo(nodeInfo, now)
		out.NodeInfo = &node
	}

	if channelInfo := wire.GetChannel(); channelInfo != nil {
		ch := decodeChannelInfo(channelInfo, now)
		out.Channel = &ch
		c.SetChannelKey(ch.ID, ch.PSK)
	}

	if packet := wire.GetPacket(); packet != nil {
		event := c.decodePacket(packet, now)
		out.Packet = &event
	}

	return out, nil
}

func (c *MeshtasticCodec) decodePacket(packet *meshtastic.MeshPacket, now time.Time) PacketEvent {
	event := PacketEvent{
		FromNodeNum:  packet.GetFrom(),
		ToNodeNum:    packet.GetTo(),
		Channel:      packet.GetChannel(),
		PacketID:     packet.GetId(),
		RxTime:       packetTimestamp(packet.GetRxTime(), now),
		HopLimit:     packet.GetHopLimit(),
		HopStart:     packet.GetHopStart(),
		ViaMQTT:      packet.GetViaMqtt(),
		PKIEncrypted: packet.GetPkiEncrypted(),
	}
	if snr := packet.GetRxSnr(); snr != 0 {
		v := float64(snr)
		event.RxSNR = &v
	}
	if rssi := packet.GetRxRssi(); rssi != 0 {
		v := int(rssi)
		event.RxRSSI = &v
	}

	data := packet.GetDecoded()
	if data == nil {
		data = c.tryDecrypt(packet)
	}
	if data == nil {
		event.Opaque = true
		event.Payload = packet.GetEncrypted()

		return event
	}

	event.Portnum = int32(data.GetPortnum())
	event.Payload = data.GetPayload()
	event.WantResponse = data.GetWantResponse()
	event.RequestID = data.GetRequestId()
	event.ReplyID = data.GetReplyId()
	event.Emoji = data.GetEmoji()
	event.Dest = data.GetDest()
	event.Source = data.GetSource()

	return event
}

// tryDecrypt attempts every known channel key against an encrypted payload.
// Success means the plaintext parses as a Data protobuf with a real portnum.
func (c *MeshtasticCodec) tryDecrypt(packet *meshtastic.MeshPacket) *meshtastic.Data {
	encrypted := packet.GetEncrypted()
	if len(encrypted) == 0 || packet.GetPkiEncrypted() {
		return nil
	}

	c.keyMu.RLock()
	keys := make([][]byte, 0, len(c.channelKeys))
	for _, key := range c.channelKeys {
		keys = append(keys, key)
	}
	c.keyMu.RUnlock()

	for _, key := range keys {
		plain, err := DecryptChannelPayload(key, packet.GetId(), packet.GetFrom(), encrypted)
		if err != nil {
			continue
		}
		var data meshtastic.Data
		if err := proto.Unmarshal(plain, &data); err != nil {
			continue
		}
		if data.GetPortnum() == meshtastic.PortNum_UNKNOWN_APP {
			continue
		}

		return &data
	}

	return nil
}

func decodeNodeInfo(nodeInfo *meshtastic.NodeInfo, now time.Time) domain.Node {
	user := nodeInfo.GetUser()
	node := domain.Node{
		NodeNum:    nodeInfo.GetNum(),
		NodeID:     domain.FormatNodeNum(nodeInfo.GetNum()),
		LongName:   strings.TrimSpace(user.GetLongName()),
		ShortName:  strings.TrimSpace(user.GetShortName()),
		LastHeard:  packetTimestamp(nodeInfo.GetLastHeard(), now),
		ViaMQTT:    nodeInfo.GetViaMqtt(),
		IsFavorite: nodeInfo.GetIsFavorite(),
		UpdatedAt:  now,
	}
	if model := user.GetHwModel(); model != meshtastic.HardwareModel_UNSET {
		node.HwModel = model.String()
	}
	if role := strings.TrimSpace(user.GetRole().String()); role != "" {
		node.Role = role
	}
	if pk := user.GetPublicKey(); len(pk) > 0 {
		node.PublicKey = base64.StdEncoding.EncodeToString(pk)
	}
	if pos := nodeInfo.GetPosition(); pos != nil && (pos.GetLatitudeI() != 0 || pos.GetLongitudeI() != 0) {
		node.Position = &domain.Position{
			Latitude:      float64(pos.GetLatitudeI()) * meshtasticPositionScale,
			Longitude:     float64(pos.GetLongitudeI()) * meshtasticPositionScale,
			Altitude:      pos.GetAltitude(),
			PrecisionBits: pos.GetPrecisionBits(),
		}
	}
	if metrics := nodeInfo.GetDeviceMetrics(); metrics != nil {
		applyDeviceMetrics(&node.Metrics, metrics)
	}
	if snr := nodeInfo.GetSnr(); snr != 0 {
		v := float64(snr)
		node.SNR = &v
	}
	if nodeInfo.HopsAway != nil {
		v := nodeInfo.GetHopsAway()
		node.HopsAway = &v
	}

	return node
}

func decodeChannelInfo(channelInfo *meshtastic.Channel, now time.Time) domain.Channel {
	settings := channelInfo.GetSettings()
	ch := domain.Channel{
		ID:              int(channelInfo.GetIndex()),
		Name:            strings.TrimSpace(settings.GetName()),
		Role:            domain.ChannelRole(channelInfo.GetRole()),
		UplinkEnabled:   settings.GetUplinkEnabled(),
		DownlinkEnabled: settings.GetDownlinkEnabled(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if psk := settings.GetPsk(); len(psk) > 0 {
		ch.PSK = base64.StdEncoding.EncodeToString(psk)
	}

	return ch
}

func applyDeviceMetrics(dst *domain.DeviceMetrics, metrics *meshtastic.DeviceMetrics) {
	if metrics.BatteryLevel != nil {
		// 0..100 plus the mains sentinel; anything else is firmware noise.
		if v := metrics.GetBatteryLevel(); v <= 100 || v == domain.BatteryLevelMains {
			dst.BatteryLevel = &v
		}
	}
	if metrics.Voltage != nil {
		v := float64(metrics.GetVoltage())
		dst.Voltage = &v
	}
	if metrics.ChannelUtilization != nil {
		v := float64(metrics.GetChannelUtilization())
		dst.ChannelUtilization = &v
	}
	if metrics.AirUtilTx != nil {
		v := float64(metrics.GetAirUtilTx())
		dst.AirUtilTx = &v
	}
}

func packetTimestamp(rxTime uint32, now time.Time) time.Time {
	if rxTime == 0 {
		return now
	}

	return time.Unix(int64(rxTime), 0)
}

func (c *MeshtasticCodec) nextNonZeroID() uint32 {
	for {
		id := c.packetID.Add(1)
		if id != 0 {
			return id
		}
	}
}
