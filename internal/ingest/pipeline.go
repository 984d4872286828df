package ingest

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"meshmonitor/internal/bus"
	"meshmonitor/internal/domain"
	"meshmonitor/internal/persistence"
	"meshmonitor/internal/radio"
)

const (
	// positionMinMoveKm and positionMinGap gate position history: a new fix
	// is recorded when the node moved or enough time passed, not on every
	// beacon.
	positionMinMoveKm = 0.010
	positionMinGap    = 60 * time.Second
)

// NodeUpdate is published on bus.TopicNodeUpdated.
type NodeUpdate struct {
	Node      domain.Node `json:"node"`
	FirstSeen bool        `json:"firstSeen"`
}

// MessageAck is published on bus.TopicMessageAck once an outbound packet's
// fate is known.
type MessageAck struct {
	PacketID     uint32 `json:"packetId"`
	Acknowledged bool   `json:"acknowledged"`
}

// NeighborUpdate is published on bus.TopicNeighbors.
type NeighborUpdate struct {
	NodeNum   uint32            `json:"nodeNum"`
	Neighbors []domain.Neighbor `json:"neighbors"`
}

// Radio is the slice of the device session the pipeline consumes.
type Radio interface {
	Frames() <-chan radio.DecodedFrame
	ResolvePending(packetID uint32)
	LocalNodeNum() uint32
}

// Pipeline turns decoded radio frames into persisted state and bus events.
// All its writes flow through the store's writer queue.
type Pipeline struct {
	logger *slog.Logger
	bus    bus.MessageBus
	radio  Radio
	store  *persistence.Store
}

func NewPipeline(logger *slog.Logger, b bus.MessageBus, r Radio, store *persistence.Store) *Pipeline {
	return &Pipeline{logger: logger, bus: b, radio: r, store: store}
}

func (p *Pipeline) Run(ctx context.Context) {
	acks := p.bus.Subscribe(bus.TopicMessageAck)
	defer p.bus.Unsubscribe(acks)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-p.radio.Frames():
			if !ok {
				return
			}
			p.handleFrame(ctx, frame)
		case ev := <-acks:
			if timeout, ok := ev.(radio.AckTimeout); ok {
				p.handleAckTimeout(ctx, timeout)
			}
		}
	}
}

func (p *Pipeline) handleFrame(ctx context.Context, frame radio.DecodedFrame) {
	if frame.NodeInfo != nil {
		p.upsertNode(ctx, *frame.NodeInfo)
	}
	if frame.Channel != nil {
		p.upsertChannel(ctx, *frame.Channel)
	}
	if frame.FirmwareVersion != "" {
		p.recordLocalFirmware(frame.FirmwareVersion)
	}
	if frame.Packet != nil {
		p.handlePacket(ctx, *frame.Packet)
	}
}

func (p *Pipeline) handlePacket(ctx context.Context, pkt radio.PacketEvent) {
	p.touchSender(pkt)

	if pkt.Opaque {
		p.storeRaw(pkt)
		return
	}

	switch meshtastic.PortNum(pkt.Portnum) {
	case meshtastic.PortNum_TEXT_MESSAGE_APP:
		p.handleText(ctx, pkt)
	case meshtastic.PortNum_POSITION_APP:
		p.handlePosition(ctx, pkt)
	case meshtastic.PortNum_NODEINFO_APP:
		p.handleUserInfo(ctx, pkt)
	case meshtastic.PortNum_ROUTING_APP:
		p.handleRouting(ctx, pkt)
	case meshtastic.PortNum_TELEMETRY_APP:
		p.handleTelemetry(ctx, pkt)
	case meshtastic.PortNum_TRACEROUTE_APP:
		p.handleTraceroute(ctx, pkt)
	case meshtastic.PortNum_NEIGHBORINFO_APP:
		p.handleNeighborInfo(ctx, pkt)
	default:
		p.logger.Debug("unhandled portnum", "portnum", pkt.Portnum, "from", domain.FormatNodeNum(pkt.FromNodeNum))
		p.storeRaw(pkt)
	}
}

// touchSender refreshes the sender's liveness columns off any packet, keyed
// metadata like names left alone.
func (p *Pipeline) touchSender(pkt radio.PacketEvent) {
	if pkt.FromNodeNum == 0 || pkt.FromNodeNum == domain.BroadcastNodeNum {
		return
	}
	node := domain.Node{
		NodeNum:   pkt.FromNodeNum,
		NodeID:    domain.FormatNodeNum(pkt.FromNodeNum),
		LastHeard: pkt.RxTime,
		SNR:       pkt.RxSNR,
		RSSI:      pkt.RxRSSI,
		ViaMQTT:   pkt.ViaMQTT,
		UpdatedAt: time.Now(),
	}
	if pkt.HopStart > 0 && pkt.HopStart >= pkt.HopLimit {
		hops := pkt.HopStart - pkt.HopLimit
		node.HopsAway = &hops
	}
	p.store.Writer.Enqueue("touch node", func(ctx context.Context, tx *sql.Tx) error {
		return p.store.Nodes.Upsert(ctx, tx, node)
	})
}

func (p *Pipeline) upsertNode(ctx context.Context, node domain.Node) {
	_, existed, err := p.store.Nodes.Get(ctx, node.NodeNum)
	if err != nil {
		p.logger.Error("node lookup failed", "node", node.NodeID, "error", err)
		existed = true
	}
	err = p.store.Writer.EnqueueWait(ctx, "upsert node", func(ctx context.Context, tx *sql.Tx) error {
		return p.store.Nodes.Upsert(ctx, tx, node)
	})
	if err != nil {
		p.logger.Error("node upsert failed", "node", node.NodeID, "error", err)
		return
	}
	p.bus.Publish(bus.TopicNodeUpdated, NodeUpdate{Node: node, FirstSeen: !existed})
}

func (p *Pipeline) upsertChannel(ctx context.Context, ch domain.Channel) {
	err := p.store.Writer.EnqueueWait(ctx, "upsert channel", func(ctx context.Context, tx *sql.Tx) error {
		return p.store.Channels.Upsert(ctx, tx, ch)
	})
	if err != nil {
		p.logger.Error("channel upsert failed", "channel", ch.ID, "error", err)
		return
	}
	p.bus.Publish(bus.TopicChannel, ch)
}

func (p *Pipeline) recordLocalFirmware(version string) {
	local := p.radio.LocalNodeNum()
	if local == 0 {
		return
	}
	node := domain.Node{
		NodeNum:         local,
		NodeID:          domain.FormatNodeNum(local),
		FirmwareVersion: version,
		UpdatedAt:       time.Now(),
	}
	p.store.Writer.Enqueue("record firmware", func(ctx context.Context, tx *sql.Tx) error {
		return p.store.Nodes.Upsert(ctx, tx, node)
	})
}

func (p *Pipeline) handleText(ctx context.Context, pkt radio.PacketEvent) {
	text := string(pkt.Payload)

	channel := int(pkt.Channel)
	local := p.radio.LocalNodeNum()
	if pkt.ToNodeNum != domain.BroadcastNodeNum && pkt.ToNodeNum == local {
		channel = domain.DirectChannel
	}

	_, senderKnown, err := p.store.Nodes.Get(ctx, pkt.FromNodeNum)
	if err != nil {
		p.logger.Error("sender lookup failed", "from", domain.FormatNodeNum(pkt.FromNodeNum), "error", err)
	}

	msg := domain.Message{
		ID:          domain.MessageID(pkt.FromNodeNum, pkt.PacketID),
		PacketID:    pkt.PacketID,
		FromNodeNum: pkt.FromNodeNum,
		ToNodeNum:   pkt.ToNodeNum,
		Channel:     channel,
		Portnum:     int(pkt.Portnum),
		Text:        text,
		Timestamp:   pkt.RxTime,
		HopStart:    pkt.HopStart,
		HopLimit:    pkt.HopLimit,
		ReplyID:     pkt.ReplyID,
		Emoji:       pkt.Emoji,
		Bridge:      LooksBridged(text, senderKnown, pkt.ViaMQTT),
	}

	var inserted bool
	err = p.store.Writer.EnqueueWait(ctx, "insert message", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		inserted, err = p.store.Messages.Insert(ctx, tx, msg)
		return err
	})
	if err != nil {
		p.logger.Error("message insert failed", "id", msg.ID, "error", err)
		return
	}
	if !inserted {
		p.logger.Debug("duplicate message ignored", "id", msg.ID)
		return
	}
	p.bus.Publish(bus.TopicMessage, msg)
}

func (p *Pipeline) handlePosition(ctx context.Context, pkt radio.PacketEvent) {
	var pos meshtastic.Position
	if err := proto.Unmarshal(pkt.Payload, &pos); err != nil {
		p.logger.Warn("bad position payload", "from", domain.FormatNodeNum(pkt.FromNodeNum), "error", err)
		return
	}
	if pos.GetLatitudeI() == 0 && pos.GetLongitudeI() == 0 {
		return
	}

	lat := float64(pos.GetLatitudeI()) * 1e-7
	lon := float64(pos.GetLongitudeI()) * 1e-7
	nodeID := domain.FormatNodeNum(pkt.FromNodeNum)

	node := domain.Node{
		NodeNum:   pkt.FromNodeNum,
		NodeID:    nodeID,
		LastHeard: pkt.RxTime,
		Position: &domain.Position{
			Latitude:      lat,
			Longitude:     lon,
			Altitude:      pos.GetAltitude(),
			PrecisionBits: pos.GetPrecisionBits(),
		},
		UpdatedAt: time.Now(),
	}
	p.store.Writer.Enqueue("update node position", func(ctx context.Context, tx *sql.Tx) error {
		return p.store.Nodes.Upsert(ctx, tx, node)
	})

	point := domain.PositionPoint{
		NodeID:    nodeID,
		Latitude:  lat,
		Longitude: lon,
		Altitude:  pos.GetAltitude(),
		Timestamp: pkt.RxTime,
	}
	if !p.shouldRecordPosition(ctx, point) {
		return
	}

	err := p.store.Writer.EnqueueWait(ctx, "insert position", func(ctx context.Context, tx *sql.Tx) error {
		return p.store.Positions.Insert(ctx, tx, point)
	})
	if err != nil {
		p.logger.Error("position insert failed", "node", nodeID, "error", err)
		return
	}
	p.bus.Publish(bus.TopicPosition, point)
	p.recomputeMobility(ctx, pkt.FromNodeNum, nodeID)
}

func (p *Pipeline) shouldRecordPosition(ctx context.Context, point domain.PositionPoint) bool {
	last, ok, err := p.store.Positions.Latest(ctx, point.NodeID)
	if err != nil {
		p.logger.Error("latest position lookup failed", "node", point.NodeID, "error", err)
		return true
	}
	if !ok {
		return true
	}
	moved := domain.HaversineKm(last.Latitude, last.Longitude, point.Latitude, point.Longitude)
	return moved >= positionMinMoveKm || point.Timestamp.Sub(last.Timestamp) >= positionMinGap
}

func (p *Pipeline) recomputeMobility(ctx context.Context, nodeNum uint32, nodeID string) {
	points, err := p.store.Positions.ListSince(ctx, nodeID, time.Now().Add(-domain.MobilityWindow))
	if err != nil {
		p.logger.Error("mobility lookup failed", "node", nodeID, "error", err)
		return
	}
	mobile := domain.IsMobile(points, time.Now())
	p.store.Writer.Enqueue("set mobile", func(ctx context.Context, tx *sql.Tx) error {
		return p.store.Nodes.SetMobile(ctx, tx, nodeNum, mobile)
	})
}

func (p *Pipeline) handleUserInfo(ctx context.Context, pkt radio.PacketEvent) {
	var user meshtastic.User
	if err := proto.Unmarshal(pkt.Payload, &user); err != nil {
		p.logger.Warn("bad user payload", "from", domain.FormatNodeNum(pkt.FromNodeNum), "error", err)
		return
	}

	node := domain.Node{
		NodeNum:   pkt.FromNodeNum,
		NodeID:    domain.FormatNodeNum(pkt.FromNodeNum),
		LongName:  user.GetLongName(),
		ShortName: user.GetShortName(),
		LastHeard: pkt.RxTime,
		ViaMQTT:   pkt.ViaMQTT,
		UpdatedAt: time.Now(),
	}
	if model := user.GetHwModel(); model != meshtastic.HardwareModel_UNSET {
		node.HwModel = model.String()
	}
	if role := user.GetRole().String(); role != "" {
		node.Role = role
	}
	p.upsertNode(ctx, node)
}

func (p *Pipeline) handleRouting(ctx context.Context, pkt radio.PacketEvent) {
	if pkt.RequestID == 0 {
		return
	}
	var routing meshtastic.Routing
	if err := proto.Unmarshal(pkt.Payload, &routing); err != nil {
		p.logger.Warn("bad routing payload", "from", domain.FormatNodeNum(pkt.FromNodeNum), "error", err)
		return
	}

	variant, ok := routing.GetVariant().(*meshtastic.Routing_ErrorReason)
	if !ok {
		// Route request or reply traffic. The packet neither confirms nor
		// denies a pending send, so the ack watchdog keeps running.
		return
	}

	requestID := pkt.RequestID
	acknowledged := variant.ErrorReason == meshtastic.Routing_NONE
	err := p.store.Writer.EnqueueWait(ctx, "resolve ack", func(ctx context.Context, tx *sql.Tx) error {
		if acknowledged {
			return p.store.Messages.MarkAcknowledged(ctx, tx, requestID)
		}
		return p.store.Messages.MarkAckFailed(ctx, tx, requestID)
	})
	if err != nil {
		p.logger.Error("ack update failed", "packet_id", requestID, "error", err)
		return
	}
	p.radio.ResolvePending(requestID)
	if !acknowledged {
		p.logger.Warn("send failed", "packet_id", requestID, "reason", variant.ErrorReason.String())
	}
	p.bus.Publish(bus.TopicMessageAck, MessageAck{PacketID: requestID, Acknowledged: acknowledged})
}

func (p *Pipeline) handleAckTimeout(ctx context.Context, timeout radio.AckTimeout) {
	err := p.store.Writer.EnqueueWait(ctx, "ack timeout", func(ctx context.Context, tx *sql.Tx) error {
		return p.store.Messages.MarkAckFailed(ctx, tx, timeout.PacketID)
	})
	if err != nil {
		p.logger.Error("ack timeout update failed", "packet_id", timeout.PacketID, "error", err)
		return
	}
	p.bus.Publish(bus.TopicMessageAck, MessageAck{PacketID: timeout.PacketID, Acknowledged: false})
}

func (p *Pipeline) handleTelemetry(ctx context.Context, pkt radio.PacketEvent) {
	var telemetry meshtastic.Telemetry
	if err := proto.Unmarshal(pkt.Payload, &telemetry); err != nil {
		p.logger.Warn("bad telemetry payload", "from", domain.FormatNodeNum(pkt.FromNodeNum), "error", err)
		return
	}

	ts := pkt.RxTime
	if t := telemetry.GetTime(); t != 0 {
		ts = time.Unix(int64(t), 0)
	}

	sample := domain.TelemetrySample{
		NodeNum:   pkt.FromNodeNum,
		Timestamp: ts,
		Metrics:   map[string]float64{},
	}

	switch v := telemetry.GetVariant().(type) {
	case *meshtastic.Telemetry_DeviceMetrics:
		sample.Kind = domain.TelemetryKindDevice
		p.collectDeviceMetrics(pkt.FromNodeNum, v.DeviceMetrics, sample.Metrics)
	case *meshtastic.Telemetry_EnvironmentMetrics:
		sample.Kind = domain.TelemetryKindEnvironment
		collectEnvironmentMetrics(v.EnvironmentMetrics, sample.Metrics)
	case *meshtastic.Telemetry_PowerMetrics:
		sample.Kind = domain.TelemetryKindPower
		collectPowerMetrics(v.PowerMetrics, sample.Metrics)
	case *meshtastic.Telemetry_LocalStats:
		sample.Kind = domain.TelemetryKindLocalStats
		collectLocalStats(v.LocalStats, sample.Metrics)
	default:
		return
	}
	if len(sample.Metrics) == 0 {
		return
	}

	err := p.store.Writer.EnqueueWait(ctx, "insert telemetry", func(ctx context.Context, tx *sql.Tx) error {
		return p.store.Telemetry.Insert(ctx, tx, sample)
	})
	if err != nil {
		p.logger.Error("telemetry insert failed", "from", domain.FormatNodeNum(pkt.FromNodeNum), "error", err)
		return
	}
	p.bus.Publish(bus.TopicTelemetry, sample)
}

// collectDeviceMetrics folds device telemetry into the sample and mirrors it
// onto the node row. Battery readings outside 0-100 are dropped, except the
// 101 sentinel for mains power.
func (p *Pipeline) collectDeviceMetrics(nodeNum uint32, m *meshtastic.DeviceMetrics, out map[string]float64) {
	node := domain.Node{
		NodeNum:   nodeNum,
		NodeID:    domain.FormatNodeNum(nodeNum),
		UpdatedAt: time.Now(),
	}
	if m.BatteryLevel != nil {
		level := m.GetBatteryLevel()
		if level <= 100 || level == domain.BatteryLevelMains {
			out["batteryLevel"] = float64(level)
			node.Metrics.BatteryLevel = &level
		}
	}
	if m.Voltage != nil {
		v := float64(m.GetVoltage())
		out["voltage"] = v
		node.Metrics.Voltage = &v
	}
	if m.ChannelUtilization != nil {
		v := float64(m.GetChannelUtilization())
		out["channelUtilization"] = v
		node.Metrics.ChannelUtilization = &v
	}
	if m.AirUtilTx != nil {
		v := float64(m.GetAirUtilTx())
		out["airUtilTx"] = v
		node.Metrics.AirUtilTx = &v
	}
	if m.UptimeSeconds != nil {
		out["uptimeSeconds"] = float64(m.GetUptimeSeconds())
	}

	p.store.Writer.Enqueue("update node metrics", func(ctx context.Context, tx *sql.Tx) error {
		return p.store.Nodes.Upsert(ctx, tx, node)
	})
}

func collectEnvironmentMetrics(m *meshtastic.EnvironmentMetrics, out map[string]float64) {
	if m.Temperature != nil {
		out["temperature"] = float64(m.GetTemperature())
	}
	if m.RelativeHumidity != nil {
		out["relativeHumidity"] = float64(m.GetRelativeHumidity())
	}
	if m.BarometricPressure != nil {
		out["barometricPressure"] = float64(m.GetBarometricPressure())
	}
	if m.GasResistance != nil {
		out["gasResistance"] = float64(m.GetGasResistance())
	}
	if m.Iaq != nil {
		out["iaq"] = float64(m.GetIaq())
	}
	if m.Lux != nil {
		out["lux"] = float64(m.GetLux())
	}
}

func collectPowerMetrics(m *meshtastic.PowerMetrics, out map[string]float64) {
	if m.Ch1Voltage != nil {
		out["ch1Voltage"] = float64(m.GetCh1Voltage())
	}
	if m.Ch1Current != nil {
		out["ch1Current"] = float64(m.GetCh1Current())
	}
	if m.Ch2Voltage != nil {
		out["ch2Voltage"] = float64(m.GetCh2Voltage())
	}
	if m.Ch2Current != nil {
		out["ch2Current"] = float64(m.GetCh2Current())
	}
	if m.Ch3Voltage != nil {
		out["ch3Voltage"] = float64(m.GetCh3Voltage())
	}
	if m.Ch3Current != nil {
		out["ch3Current"] = float64(m.GetCh3Current())
	}
}

func collectLocalStats(m *meshtastic.LocalStats, out map[string]float64) {
	out["uptimeSeconds"] = float64(m.GetUptimeSeconds())
	out["channelUtilization"] = float64(m.GetChannelUtilization())
	out["airUtilTx"] = float64(m.GetAirUtilTx())
	out["numPacketsTx"] = float64(m.GetNumPacketsTx())
	out["numPacketsRx"] = float64(m.GetNumPacketsRx())
	out["numPacketsRxBad"] = float64(m.GetNumPacketsRxBad())
	out["numOnlineNodes"] = float64(m.GetNumOnlineNodes())
	out["numTotalNodes"] = float64(m.GetNumTotalNodes())
}

func (p *Pipeline) handleTraceroute(ctx context.Context, pkt radio.PacketEvent) {
	var discovery meshtastic.RouteDiscovery
	if err := proto.Unmarshal(pkt.Payload, &discovery); err != nil {
		p.logger.Warn("bad traceroute payload", "from", domain.FormatNodeNum(pkt.FromNodeNum), "error", err)
		return
	}

	tr := domain.Traceroute{
		FromNodeNum: pkt.FromNodeNum,
		ToNodeNum:   pkt.ToNodeNum,
		Route:       discovery.GetRoute(),
		RouteBack:   discovery.GetRouteBack(),
		SNRTowards:  discovery.GetSnrTowards(),
		SNRBack:     discovery.GetSnrBack(),
		HopCount:    len(discovery.GetRoute()),
		Timestamp:   pkt.RxTime,
	}
	err := p.store.Writer.EnqueueWait(ctx, "upsert traceroute", func(ctx context.Context, tx *sql.Tx) error {
		return p.store.Traceroutes.Upsert(ctx, tx, tr)
	})
	if err != nil {
		p.logger.Error("traceroute upsert failed", "from", domain.FormatNodeNum(pkt.FromNodeNum), "error", err)
		return
	}
	if pkt.RequestID != 0 {
		p.radio.ResolvePending(pkt.RequestID)
	}
	p.bus.Publish(bus.TopicTraceroute, tr)
}

func (p *Pipeline) handleNeighborInfo(ctx context.Context, pkt radio.PacketEvent) {
	var info meshtastic.NeighborInfo
	if err := proto.Unmarshal(pkt.Payload, &info); err != nil {
		p.logger.Warn("bad neighborinfo payload", "from", domain.FormatNodeNum(pkt.FromNodeNum), "error", err)
		return
	}

	nodeNum := info.GetNodeId()
	if nodeNum == 0 {
		nodeNum = pkt.FromNodeNum
	}
	neighbors := make([]domain.Neighbor, 0, len(info.GetNeighbors()))
	for _, n := range info.GetNeighbors() {
		neighbor := domain.Neighbor{
			NodeNum:         nodeNum,
			NeighborNodeNum: n.GetNodeId(),
			SNR:             float64(n.GetSnr()),
			Timestamp:       pkt.RxTime,
		}
		if rx := n.GetLastRxTime(); rx != 0 {
			neighbor.LastRxTime = time.Unix(int64(rx), 0)
		}
		neighbors = append(neighbors, neighbor)
	}

	err := p.store.Writer.EnqueueWait(ctx, "replace neighbors", func(ctx context.Context, tx *sql.Tx) error {
		return p.store.Neighbors.ReplaceForNode(ctx, tx, nodeNum, neighbors)
	})
	if err != nil {
		p.logger.Error("neighbor replace failed", "node", domain.FormatNodeNum(nodeNum), "error", err)
		return
	}
	p.bus.Publish(bus.TopicNeighbors, NeighborUpdate{NodeNum: nodeNum, Neighbors: neighbors})
}

func (p *Pipeline) storeRaw(pkt radio.PacketEvent) {
	if len(pkt.Payload) == 0 {
		return
	}
	raw := domain.RawPacket{
		FromNodeNum: pkt.FromNodeNum,
		Portnum:     int(pkt.Portnum),
		Payload:     pkt.Payload,
		Timestamp:   pkt.RxTime,
	}
	p.store.Writer.Enqueue("insert raw packet", func(ctx context.Context, tx *sql.Tx) error {
		return p.store.RawPackets.Insert(ctx, tx, raw)
	})
}
