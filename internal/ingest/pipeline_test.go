package ingest

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"meshmonitor/internal/bus"
	"meshmonitor/internal/domain"
	"meshmonitor/internal/persistence"
	"meshmonitor/internal/radio"
)

const testLocalNodeNum = uint32(0x0A0B0C0D)

type fakeRadio struct {
	frames chan radio.DecodedFrame

	mu       sync.Mutex
	resolved []uint32
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{frames: make(chan radio.DecodedFrame, 16)}
}

func (f *fakeRadio) Frames() <-chan radio.DecodedFrame { return f.frames }

func (f *fakeRadio) ResolvePending(packetID uint32) {
	f.mu.Lock()
	f.resolved = append(f.resolved, packetID)
	f.mu.Unlock()
}

func (f *fakeRadio) LocalNodeNum() uint32 { return testLocalNodeNum }

func (f *fakeRadio) resolvedIDs() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.resolved...)
}

type pipelineEnv struct {
	radio *fakeRadio
	store *persistence.Store
	bus   bus.MessageBus
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := persistence.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := persistence.NewStore(logger, db)
	b := bus.New(logger)
	r := newFakeRadio()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store.Writer.Start(ctx)
	go NewPipeline(logger, b, r, store).Run(ctx)

	return &pipelineEnv{radio: r, store: store, bus: b}
}

func waitEvent(t *testing.T, sub bus.Subscription) any {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return nil
	}
}

func textFrame(from, to, packetID uint32, text string) radio.DecodedFrame {
	return radio.DecodedFrame{Packet: &radio.PacketEvent{
		FromNodeNum: from,
		ToNodeNum:   to,
		Channel:     0,
		PacketID:    packetID,
		RxTime:      time.Unix(1700000000, 0),
		Portnum:     int32(meshtastic.PortNum_TEXT_MESSAGE_APP),
		Payload:     []byte(text),
	}}
}

func TestPipelinePersistsTextMessageOnce(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.bus.Subscribe(bus.TopicMessage)
	defer env.bus.Unsubscribe(sub)

	env.radio.frames <- textFrame(0x12345678, domain.BroadcastNodeNum, 0xAAAA, "hello mesh")

	ev := waitEvent(t, sub)
	msg, ok := ev.(domain.Message)
	if !ok {
		t.Fatalf("event type = %T", ev)
	}
	if msg.ID != "305419896_43690" {
		t.Fatalf("message id = %q", msg.ID)
	}
	if msg.Channel != 0 || msg.Bridge {
		t.Fatalf("message = %+v", msg)
	}

	// Replay of the same packet must not produce a second event or row.
	env.radio.frames <- textFrame(0x12345678, domain.BroadcastNodeNum, 0xAAAA, "replayed")
	env.radio.frames <- textFrame(0x12345678, domain.BroadcastNodeNum, 0xBBBB, "second")

	ev = waitEvent(t, sub)
	msg = ev.(domain.Message)
	if msg.PacketID != 0xBBBB {
		t.Fatalf("expected the second packet, got %+v", msg)
	}

	stored, err := env.store.Messages.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored = %d messages, want 2", len(stored))
	}
}

func TestPipelineDirectMessageChannel(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.bus.Subscribe(bus.TopicMessage)
	defer env.bus.Unsubscribe(sub)

	env.radio.frames <- textFrame(0x11111111, testLocalNodeNum, 1, "dm for you")

	msg := waitEvent(t, sub).(domain.Message)
	if msg.Channel != domain.DirectChannel {
		t.Fatalf("channel = %d, want %d", msg.Channel, domain.DirectChannel)
	}
}

func TestPipelineRoutingResolvesAck(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	pending := domain.Message{
		ID: domain.MessageID(testLocalNodeNum, 77), PacketID: 77,
		FromNodeNum: testLocalNodeNum, ToNodeNum: 0x22222222,
		Channel: domain.DirectChannel, Portnum: 1, Text: "are you there",
		Timestamp: time.Unix(1700000000, 0),
	}
	if _, err := env.store.Messages.Insert(ctx, env.store.DB, pending); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	sub := env.bus.Subscribe(bus.TopicMessageAck)
	defer env.bus.Unsubscribe(sub)

	routing := &meshtastic.Routing{
		Variant: &meshtastic.Routing_ErrorReason{ErrorReason: meshtastic.Routing_NONE},
	}
	payload, err := proto.Marshal(routing)
	if err != nil {
		t.Fatalf("marshal routing: %v", err)
	}
	env.radio.frames <- radio.DecodedFrame{Packet: &radio.PacketEvent{
		FromNodeNum: 0x22222222,
		ToNodeNum:   testLocalNodeNum,
		PacketID:    500,
		RxTime:      time.Unix(1700000010, 0),
		Portnum:     int32(meshtastic.PortNum_ROUTING_APP),
		Payload:     payload,
		RequestID:   77,
	}}

	ack := waitEvent(t, sub).(MessageAck)
	if ack.PacketID != 77 || !ack.Acknowledged {
		t.Fatalf("ack = %+v", ack)
	}

	got, _, err := env.store.Messages.Get(ctx, pending.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Acknowledged || got.AckFailed {
		t.Fatalf("message = %+v, want acknowledged", got)
	}
	resolved := env.radio.resolvedIDs()
	if len(resolved) != 1 || resolved[0] != 77 {
		t.Fatalf("resolved = %v", resolved)
	}
}

func TestPipelineRoutingErrorMarksFailure(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	pending := domain.Message{
		ID: domain.MessageID(testLocalNodeNum, 88), PacketID: 88,
		FromNodeNum: testLocalNodeNum, ToNodeNum: 0x33333333,
		Channel: domain.DirectChannel, Portnum: 1, Text: "lost cause",
		Timestamp: time.Unix(1700000000, 0),
	}
	if _, err := env.store.Messages.Insert(ctx, env.store.DB, pending); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	sub := env.bus.Subscribe(bus.TopicMessageAck)
	defer env.bus.Unsubscribe(sub)

	routing := &meshtastic.Routing{
		Variant: &meshtastic.Routing_ErrorReason{ErrorReason: meshtastic.Routing_MAX_RETRANSMIT},
	}
	payload, err := proto.Marshal(routing)
	if err != nil {
		t.Fatalf("marshal routing: %v", err)
	}
	env.radio.frames <- radio.DecodedFrame{Packet: &radio.PacketEvent{
		FromNodeNum: 0x33333333,
		ToNodeNum:   testLocalNodeNum,
		PacketID:    501,
		RxTime:      time.Unix(1700000010, 0),
		Portnum:     int32(meshtastic.PortNum_ROUTING_APP),
		Payload:     payload,
		RequestID:   88,
	}}

	ack := waitEvent(t, sub).(MessageAck)
	if ack.PacketID != 88 || ack.Acknowledged {
		t.Fatalf("ack = %+v", ack)
	}
	got, _, err := env.store.Messages.Get(ctx, pending.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Acknowledged || !got.AckFailed {
		t.Fatalf("message = %+v, want ack failed", got)
	}
}

func TestPipelineAckTimeoutMarksFailure(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	pending := domain.Message{
		ID: domain.MessageID(testLocalNodeNum, 99), PacketID: 99,
		FromNodeNum: testLocalNodeNum, ToNodeNum: 0x44444444,
		Channel: domain.DirectChannel, Portnum: 1, Text: "silence",
		Timestamp: time.Unix(1700000000, 0),
	}
	if _, err := env.store.Messages.Insert(ctx, env.store.DB, pending); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	sub := env.bus.Subscribe(bus.TopicMessageAck)
	defer env.bus.Unsubscribe(sub)
	env.bus.Publish(bus.TopicMessageAck, radio.AckTimeout{PacketID: 99})

	for {
		ev := waitEvent(t, sub)
		ack, ok := ev.(MessageAck)
		if !ok {
			continue // our own AckTimeout echo
		}
		if ack.PacketID != 99 || ack.Acknowledged {
			t.Fatalf("ack = %+v", ack)
		}
		break
	}

	got, _, err := env.store.Messages.Get(ctx, pending.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.AckFailed {
		t.Fatalf("message = %+v, want ack failed", got)
	}
}

func positionFrame(from uint32, lat, lon float64, at time.Time) radio.DecodedFrame {
	payload, _ := proto.Marshal(&meshtastic.Position{
		LatitudeI:  proto.Int32(int32(lat * 1e7)),
		LongitudeI: proto.Int32(int32(lon * 1e7)),
	})
	return radio.DecodedFrame{Packet: &radio.PacketEvent{
		FromNodeNum: from,
		ToNodeNum:   domain.BroadcastNodeNum,
		PacketID:    uint32(at.Unix()),
		RxTime:      at,
		Portnum:     int32(meshtastic.PortNum_POSITION_APP),
		Payload:     payload,
	}}
}

func TestPipelinePositionGatingAndMobility(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.bus.Subscribe(bus.TopicPosition)
	defer env.bus.Unsubscribe(sub)
	ctx := context.Background()

	// Mobility compares points inside a rolling window ending now, so the
	// fixes have to carry recent timestamps.
	base := time.Now().Add(-time.Hour)
	nodeID := domain.FormatNodeNum(0x55555555)

	env.radio.frames <- positionFrame(0x55555555, 40.0000, -74.0000, base)
	waitEvent(t, sub)

	// Same spot two seconds later: gated out, no event.
	env.radio.frames <- positionFrame(0x55555555, 40.0000, -74.0000, base.Add(2*time.Second))

	// A real move shows up and crosses the mobility threshold.
	env.radio.frames <- positionFrame(0x55555555, 40.0200, -74.0200, base.Add(10*time.Second))
	point := waitEvent(t, sub).(domain.PositionPoint)
	// Coordinates round-trip through the wire's 1e-7 integer degrees.
	if math.Abs(point.Latitude-40.02) > 1e-6 {
		t.Fatalf("point = %+v, expected the moved fix", point)
	}

	history, err := env.store.Positions.ListSince(ctx, nodeID, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d rows, want gated 2", len(history))
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		node, ok, err := env.store.Nodes.Get(ctx, 0x55555555)
		if err != nil {
			t.Fatalf("get node: %v", err)
		}
		if ok && node.IsMobile {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("node never marked mobile")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPipelineMobilityClearsAfterHistoryLoss(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.bus.Subscribe(bus.TopicPosition)
	defer env.bus.Unsubscribe(sub)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	env.radio.frames <- positionFrame(0x99999999, 40.0000, -74.0000, base)
	waitEvent(t, sub)
	env.radio.frames <- positionFrame(0x99999999, 40.0200, -74.0200, base.Add(10*time.Second))
	waitEvent(t, sub)

	waitMobility := func(want bool, msg string) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for {
			node, ok, err := env.store.Nodes.Get(ctx, 0x99999999)
			if err != nil {
				t.Fatalf("get node: %v", err)
			}
			if ok && node.IsMobile == want {
				return
			}
			if time.Now().After(deadline) {
				t.Fatal(msg)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
	waitMobility(true, "node never marked mobile")

	// Retention can drop the older fixes. The next fix must re-derive the
	// flag from the surviving track, not leave the stale value behind.
	nodeID := domain.FormatNodeNum(0x99999999)
	if _, err := env.store.DB.ExecContext(ctx, `DELETE FROM position_history WHERE node_id = ?`, nodeID); err != nil {
		t.Fatalf("trim history: %v", err)
	}
	env.radio.frames <- positionFrame(0x99999999, 40.0201, -74.0201, base.Add(2*time.Hour))
	waitEvent(t, sub)

	waitMobility(false, "mobility flag never cleared after history loss")
}

func TestPipelineNeighborReplace(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.bus.Subscribe(bus.TopicNeighbors)
	defer env.bus.Unsubscribe(sub)
	ctx := context.Background()

	neighborFrame := func(ids ...uint32) radio.DecodedFrame {
		info := &meshtastic.NeighborInfo{NodeId: 0x66666666}
		for _, id := range ids {
			info.Neighbors = append(info.Neighbors, &meshtastic.Neighbor{NodeId: id, Snr: 5})
		}
		payload, _ := proto.Marshal(info)
		return radio.DecodedFrame{Packet: &radio.PacketEvent{
			FromNodeNum: 0x66666666,
			ToNodeNum:   domain.BroadcastNodeNum,
			PacketID:    1,
			RxTime:      time.Unix(1700000000, 0),
			Portnum:     int32(meshtastic.PortNum_NEIGHBORINFO_APP),
			Payload:     payload,
		}}
	}

	env.radio.frames <- neighborFrame(1, 2, 3)
	waitEvent(t, sub)
	env.radio.frames <- neighborFrame(4)
	update := waitEvent(t, sub).(NeighborUpdate)
	if len(update.Neighbors) != 1 {
		t.Fatalf("update = %+v", update)
	}

	got, err := env.store.Neighbors.ListForNode(ctx, 0x66666666)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].NeighborNodeNum != 4 {
		t.Fatalf("neighbors = %+v, want fresh set only", got)
	}
}

func TestPipelineTelemetryBatteryValidation(t *testing.T) {
	env := newPipelineEnv(t)
	sub := env.bus.Subscribe(bus.TopicTelemetry)
	defer env.bus.Unsubscribe(sub)

	telemetryFrame := func(battery uint32) radio.DecodedFrame {
		payload, _ := proto.Marshal(&meshtastic.Telemetry{
			Time: 1700000000,
			Variant: &meshtastic.Telemetry_DeviceMetrics{DeviceMetrics: &meshtastic.DeviceMetrics{
				BatteryLevel: proto.Uint32(battery),
				Voltage:      proto.Float32(3.9),
			}},
		})
		return radio.DecodedFrame{Packet: &radio.PacketEvent{
			FromNodeNum: 0x77777777,
			ToNodeNum:   domain.BroadcastNodeNum,
			PacketID:    1,
			RxTime:      time.Unix(1700000000, 0),
			Portnum:     int32(meshtastic.PortNum_TELEMETRY_APP),
			Payload:     payload,
		}}
	}

	env.radio.frames <- telemetryFrame(250)
	sample := waitEvent(t, sub).(domain.TelemetrySample)
	if _, ok := sample.Metrics["batteryLevel"]; ok {
		t.Fatalf("out-of-range battery kept: %+v", sample.Metrics)
	}
	if sample.Metrics["voltage"] == 0 {
		t.Fatalf("voltage dropped: %+v", sample.Metrics)
	}

	env.radio.frames <- telemetryFrame(domain.BatteryLevelMains)
	sample = waitEvent(t, sub).(domain.TelemetrySample)
	if sample.Metrics["batteryLevel"] != float64(domain.BatteryLevelMains) {
		t.Fatalf("mains sentinel dropped: %+v", sample.Metrics)
	}
}

func TestPipelineOpaquePacketStoredRaw(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	env.radio.frames <- radio.DecodedFrame{Packet: &radio.PacketEvent{
		FromNodeNum: 0x88888888,
		ToNodeNum:   domain.BroadcastNodeNum,
		PacketID:    9,
		RxTime:      time.Unix(1700000000, 0),
		Payload:     []byte{0xde, 0xad, 0xbe, 0xef},
		Opaque:      true,
	}}

	deadline := time.Now().Add(3 * time.Second)
	for {
		raw, err := env.store.RawPackets.ListRecent(ctx, 10)
		if err != nil {
			t.Fatalf("list raw: %v", err)
		}
		if len(raw) == 1 {
			if raw[0].FromNodeNum != 0x88888888 {
				t.Fatalf("raw = %+v", raw[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("opaque packet never persisted")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
