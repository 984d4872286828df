package radio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"meshmonitor/internal/bus"
)

// fakeTransport behaves like a radio: it answers want_config handshakes and
// can be forced offline to simulate transport loss or a reboot.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	offline   bool
	reads     chan []byte
	writes    [][]byte
	answerCfg bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reads: make(chan []byte, 64), answerCfg: true}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errors.New("radio offline")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-f.reads:
		if !ok {
			return nil, errors.New("transport closed")
		}
		return payload, nil
	}
}

func (f *fakeTransport) WriteFrame(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return errors.New("transport is not connected")
	}
	f.writes = append(f.writes, payload)
	answer := f.answerCfg
	f.mu.Unlock()

	var wire meshtastic.ToRadio
	if err := proto.Unmarshal(payload, &wire); err == nil && answer {
		if nonce := wire.GetWantConfigId(); nonce != 0 {
			frame, _ := proto.Marshal(&meshtastic.FromRadio{
				PayloadVariant: &meshtastic.FromRadio_ConfigCompleteId{ConfigCompleteId: nonce},
			})
			f.reads <- frame
		}
	}
	return nil
}

func (f *fakeTransport) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *fakeTransport) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func newTestSession(t *testing.T) (*Session, *fakeTransport, bus.MessageBus) {
	t.Helper()
	codec, err := NewMeshtasticCodec()
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	tr := newFakeTransport()
	b := bus.New(slog.Default())
	t.Cleanup(b.Close)

	s := NewSession(slog.Default(), b, tr, codec)
	s.ackDeadline = 100 * time.Millisecond
	s.settleDelay = 50 * time.Millisecond
	s.probeInterval = 20 * time.Millisecond
	s.probeBudget = 2 * time.Second
	return s, tr, b
}

func waitForState(t *testing.T, s *Session, want SessionState, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session did not reach %s, stuck at %s", want, s.State())
}

func TestSessionHandshakeReachesConnected(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	waitForState(t, s, StateConnected, 2*time.Second)
}

func TestSessionRebootCycle(t *testing.T) {
	s, tr, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	waitForState(t, s, StateConnected, 2*time.Second)

	before := tr.writtenCount()
	if err := s.Reboot(ctx, 5); err != nil {
		t.Fatalf("reboot: %v", err)
	}
	tr.setOffline(true)
	waitForState(t, s, StateRebooting, 2*time.Second)

	rebootWrites := tr.writtenCount()
	if rebootWrites <= before {
		t.Fatalf("reboot admin frame was never written")
	}

	// Radio comes back: probes succeed and the FSM walks to connected.
	time.Sleep(100 * time.Millisecond)
	tr.setOffline(false)
	waitForState(t, s, StateConnected, 5*time.Second)
}

func TestSessionUserDisconnectSuppressesReconnect(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	waitForState(t, s, StateConnected, 2*time.Second)

	s.Disconnect()
	waitForState(t, s, StateUserDisconnected, 2*time.Second)

	// It must stay down without an explicit reconnect.
	time.Sleep(200 * time.Millisecond)
	if got := s.State(); got != StateUserDisconnected {
		t.Fatalf("expected user-disconnected to persist, got %s", got)
	}

	s.Reconnect()
	waitForState(t, s, StateConnected, 2*time.Second)
}

func TestSessionSendTextRequiresConnection(t *testing.T) {
	s, _, _ := newTestSession(t)

	if _, err := s.SendText(context.Background(), "hi", TextOptions{}, OriginUser); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSessionCancelJobFramesKeepsUserOrder(t *testing.T) {
	s, _, _ := newTestSession(t)

	mkFrame := func(tag string, origin Origin) outboundFrame {
		return outboundFrame{payload: []byte(tag), origin: origin, result: make(chan error, 1)}
	}
	user1 := mkFrame("user-1", OriginUser)
	job := mkFrame("job", OriginJob)
	user2 := mkFrame("user-2", OriginUser)
	for _, frame := range []outboundFrame{user1, job, user2} {
		s.outbox <- frame
	}

	s.cancelJobFrames()

	select {
	case err := <-job.result:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("job frame error = %v, want ErrNotConnected", err)
		}
	default:
		t.Fatal("job frame was not cancelled")
	}

	for _, want := range []string{"user-1", "user-2"} {
		select {
		case frame := <-s.outbox:
			if string(frame.payload) != want {
				t.Fatalf("frame = %q, want %q", frame.payload, want)
			}
		default:
			t.Fatalf("user frame %q missing from outbox", want)
		}
	}
	select {
	case frame := <-s.outbox:
		t.Fatalf("unexpected extra frame %q", frame.payload)
	default:
	}
}

func TestSessionAckTimeoutPublished(t *testing.T) {
	s, _, b := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := b.Subscribe(bus.TopicMessageAck)
	defer b.Unsubscribe(sub)

	s.Start(ctx)
	waitForState(t, s, StateConnected, 2*time.Second)

	encoded, err := s.SendText(ctx, "direct", TextOptions{Destination: 0x22222222}, OriginUser)
	if err != nil {
		t.Fatalf("send text: %v", err)
	}

	select {
	case evt := <-sub:
		timeout, ok := evt.(AckTimeout)
		if !ok {
			t.Fatalf("unexpected event type %T", evt)
		}
		if timeout.PacketID != encoded.PacketID {
			t.Fatalf("timeout for wrong packet: got %d want %d", timeout.PacketID, encoded.PacketID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ack timeout never published")
	}
}

func TestSessionResolvePendingStopsTimeout(t *testing.T) {
	s, _, b := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := b.Subscribe(bus.TopicMessageAck)
	defer b.Unsubscribe(sub)

	s.Start(ctx)
	waitForState(t, s, StateConnected, 2*time.Second)

	encoded, err := s.SendText(ctx, "direct", TextOptions{Destination: 0x22222222}, OriginUser)
	if err != nil {
		t.Fatalf("send text: %v", err)
	}
	s.ResolvePending(encoded.PacketID)

	select {
	case evt := <-sub:
		t.Fatalf("no timeout expected after resolve, got %v", evt)
	case <-time.After(2 * time.Second):
	}
}
