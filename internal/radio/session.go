package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshmonitor/internal/bus"
	"meshmonitor/internal/domain"
	"meshmonitor/internal/transport"
)

const (
	ackDeadline         = 30 * time.Second
	reconnectMaxBackoff = 30 * time.Second
	rebootSettleDelay   = 30 * time.Second
	rebootProbeInterval = 3 * time.Second
	rebootProbeBudget   = 60 * time.Second
	heartbeatInterval   = 25 * time.Second
	frameBuffer         = 256
)

// ErrNotConnected is returned for outbound commands while the radio link is
// down.
var ErrNotConnected = errors.New("session is not connected")

type outboundFrame struct {
	payload []byte
	origin  Origin
	result  chan error
}

// Session owns the single radio link: it runs the connect / want-config /
// steady-state machine, decodes inbound frames in arrival order, serializes
// outbound writes and correlates ACKs by packet id.
type Session struct {
	logger    *slog.Logger
	bus       bus.MessageBus
	transport transport.Transport
	codec     Codec

	frames chan DecodedFrame
	outbox chan outboundFrame

	mu               sync.Mutex
	state            SessionState
	lastErr          string
	userDisconnected bool
	rebootRequested  bool
	reconnectCh      chan struct{}
	readerCancel     context.CancelFunc
	firmwareVersion  string

	pendMu  sync.Mutex
	pending map[uint32]time.Time

	// timing knobs, shortened in tests
	ackDeadline   time.Duration
	settleDelay   time.Duration
	probeInterval time.Duration
	probeBudget   time.Duration
}

func NewSession(logger *slog.Logger, b bus.MessageBus, tr transport.Transport, codec Codec) *Session {
	return &Session{
		logger:      logger,
		bus:         b,
		transport:   tr,
		codec:       codec,
		frames:      make(chan DecodedFrame, frameBuffer),
		outbox:      make(chan outboundFrame, 128),
		state:       StateDisconnected,
		reconnectCh: make(chan struct{}, 1),
		pending:     make(map[uint32]time.Time),

		ackDeadline:   ackDeadline,
		settleDelay:   rebootSettleDelay,
		probeInterval: rebootProbeInterval,
		probeBudget:   rebootProbeBudget,
	}
}

func (s *Session) Start(ctx context.Context) {
	go s.run(ctx)
	go s.runOutbox(ctx)
	go s.runAckWatch(ctx)
}

// Frames returns the ordered stream of decoded inbound frames.
func (s *Session) Frames() <-chan DecodedFrame {
	return s.frames
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

func (s *Session) Status() ConnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ConnStatus{
		State:            s.state,
		Err:              s.lastErr,
		TransportName:    s.transport.Name(),
		Timestamp:        time.Now(),
		UserDisconnected: s.userDisconnected,
	}
}

func (s *Session) FirmwareVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.firmwareVersion
}

func (s *Session) LocalNodeNum() uint32 {
	return s.codec.LocalNodeNum()
}

// Disconnect stops the link and suppresses reconnects until Reconnect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.userDisconnected = true
	cancel := s.readerCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reconnect clears a user disconnect and wakes the connect loop.
func (s *Session) Reconnect() {
	s.mu.Lock()
	s.userDisconnected = false
	s.mu.Unlock()
	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
}

// Reboot asks the radio to restart and drives the rebooting state. The run
// loop waits out the restart and probes until the transport answers again.
func (s *Session) Reboot(ctx context.Context, seconds int32) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	encoded, err := s.codec.EncodeReboot(seconds)
	if err != nil {
		return fmt.Errorf("encode reboot: %w", err)
	}
	if err := s.enqueue(ctx, encoded.Payload, OriginUser); err != nil {
		return err
	}

	s.mu.Lock()
	s.rebootRequested = true
	cancel := s.readerCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	return nil
}

// SendText encodes and queues a text message. The returned packet id is the
// ACK correlation handle; delivery state arrives asynchronously.
func (s *Session) SendText(ctx context.Context, text string, opts TextOptions, origin Origin) (EncodedPacket, error) {
	if !s.Connected() {
		return EncodedPacket{}, ErrNotConnected
	}
	encoded, err := s.codec.EncodeText(text, opts)
	if err != nil {
		return EncodedPacket{}, fmt.Errorf("encode text: %w", err)
	}
	if err := s.enqueue(ctx, encoded.Payload, origin); err != nil {
		return EncodedPacket{}, err
	}
	if encoded.WantAck {
		s.trackAck(encoded.PacketID)
	}

	return encoded, nil
}

func (s *Session) SendTraceroute(ctx context.Context, to uint32, channel uint32, origin Origin) (EncodedPacket, error) {
	if !s.Connected() {
		return EncodedPacket{}, ErrNotConnected
	}
	encoded, err := s.codec.EncodeTraceroute(to, channel)
	if err != nil {
		return EncodedPacket{}, fmt.Errorf("encode traceroute: %w", err)
	}
	if err := s.enqueue(ctx, encoded.Payload, origin); err != nil {
		return EncodedPacket{}, err
	}

	return encoded, nil
}

func (s *Session) SetFavorite(ctx context.Context, nodeNum uint32, favorite bool) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	encoded, err := s.codec.EncodeSetFavorite(nodeNum, favorite)
	if err != nil {
		return fmt.Errorf("encode set favorite: %w", err)
	}

	return s.enqueue(ctx, encoded.Payload, OriginUser)
}

func (s *Session) SetOwner(ctx context.Context, longName, shortName string) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	encoded, err := s.codec.EncodeSetOwner(longName, shortName)
	if err != nil {
		return fmt.Errorf("encode set owner: %w", err)
	}

	return s.enqueue(ctx, encoded.Payload, OriginUser)
}

func (s *Session) SetChannel(ctx context.Context, ch domain.Channel) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	encoded, err := s.codec.EncodeSetChannel(ch)
	if err != nil {
		return fmt.Errorf("encode set channel: %w", err)
	}

	return s.enqueue(ctx, encoded.Payload, OriginUser)
}

// RequestNodeDB re-runs the want-config handshake, which makes the radio
// stream its full node table again.
func (s *Session) RequestNodeDB(ctx context.Context, origin Origin) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	payload, err := s.codec.EncodeWantConfig()
	if err != nil {
		return fmt.Errorf("encode want config: %w", err)
	}

	return s.enqueue(ctx, payload, origin)
}

// ResolvePending clears ACK tracking for a packet once routing answered.
func (s *Session) ResolvePending(packetID uint32) {
	s.pendMu.Lock()
	delete(s.pending, packetID)
	s.pendMu.Unlock()
}

func (s *Session) trackAck(packetID uint32) {
	s.pendMu.Lock()
	s.pending[packetID] = time.Now().Add(s.ackDeadline)
	s.pendMu.Unlock()
}

func (s *Session) enqueue(ctx context.Context, payload []byte, origin Origin) error {
	frame := outboundFrame{payload: payload, origin: origin, result: make(chan error, 1)}
	select {
	case s.outbox <- frame:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-frame.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		if s.waitWhileUserDisconnected(ctx) {
			return
		}

		s.setState(StateConnecting, nil)
		if err := s.transport.Connect(ctx); err != nil {
			s.setState(StateDisconnected, err)
			if !sleepWithContext(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second

		s.setState(StateConfiguring, nil)
		if err := s.sendWantConfig(ctx); err != nil {
			s.logger.Warn("want_config send failed", "error", err)
			_ = s.transport.Close()
			s.setState(StateDisconnected, err)
			if !sleepWithContext(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		readerCtx, cancelReader := context.WithCancel(ctx)
		s.mu.Lock()
		s.readerCancel = cancelReader
		s.mu.Unlock()

		keepAliveCtx, cancelKeepAlive := context.WithCancel(readerCtx)
		go s.runKeepAlive(keepAliveCtx)
		err := s.runReader(readerCtx)
		cancelKeepAlive()
		cancelReader()
		_ = s.transport.Close()
		s.cancelJobFrames()

		s.mu.Lock()
		rebooting := s.rebootRequested
		s.rebootRequested = false
		userDisconnected := s.userDisconnected
		s.mu.Unlock()

		switch {
		case rebooting:
			s.setState(StateRebooting, nil)
			if !s.awaitReboot(ctx) {
				if ctx.Err() != nil {
					return
				}
				s.setState(StateDisconnected, errors.New("radio did not come back after reboot"))
			}
		case userDisconnected:
			s.setState(StateUserDisconnected, nil)
		default:
			s.setState(StateDisconnected, err)
			if !sleepWithContext(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	}
}

func (s *Session) runReader(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, err := s.transport.ReadFrame(ctx)
		if err != nil {
			return err
		}

		decoded, err := s.codec.DecodeFromRadio(payload)
		if err != nil {
			s.logger.Warn("decode fromradio failed", "error", err)
			continue
		}

		if decoded.WantConfigReady && s.State() == StateConfiguring {
			s.setState(StateConnected, nil)
		}
		if decoded.FirmwareVersion != "" {
			s.mu.Lock()
			s.firmwareVersion = decoded.FirmwareVersion
			s.mu.Unlock()
		}

		select {
		case s.frames <- decoded:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) runOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.outbox:
			if frame.origin == OriginJob && !s.Connected() {
				frame.result <- ErrNotConnected
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
			err := s.transport.WriteFrame(writeCtx, frame.payload)
			cancel()
			if err != nil {
				s.logger.Warn("outbound write failed", "error", err)
			}
			frame.result <- err
		}
	}
}

// cancelJobFrames drops queued job-origin commands after a disconnect; user
// commands stay queued in their original order and surface their own
// transport errors.
func (s *Session) cancelJobFrames() {
	var kept []outboundFrame
	for {
		select {
		case frame := <-s.outbox:
			if frame.origin == OriginJob {
				frame.result <- ErrNotConnected
				continue
			}
			kept = append(kept, frame)
		default:
			for _, frame := range kept {
				select {
				case s.outbox <- frame:
				default:
					frame.result <- ErrNotConnected
				}
			}
			return
		}
	}
}

func (s *Session) runKeepAlive(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := s.codec.EncodeHeartbeat()
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := s.transport.WriteFrame(writeCtx, payload); err != nil {
				s.logger.Debug("heartbeat write failed", "error", err)
			}
			cancel()
		}
	}
}

func (s *Session) runAckWatch(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			var expired []uint32
			s.pendMu.Lock()
			for packetID, deadline := range s.pending {
				if now.After(deadline) {
					expired = append(expired, packetID)
					delete(s.pending, packetID)
				}
			}
			s.pendMu.Unlock()

			for _, packetID := range expired {
				s.logger.Debug("ack deadline elapsed", "packet_id", packetID)
				s.bus.Publish(bus.TopicMessageAck, AckTimeout{PacketID: packetID})
			}
		}
	}
}

// awaitReboot gives the radio time to restart, then probes the transport
// until it answers or the probe budget runs out.
func (s *Session) awaitReboot(ctx context.Context) bool {
	if !sleepWithContext(ctx, s.settleDelay) {
		return false
	}

	deadline := time.Now().Add(s.probeBudget)
	for time.Now().Before(deadline) {
		probeCtx, cancel := context.WithTimeout(ctx, s.probeInterval)
		err := s.transport.Connect(probeCtx)
		cancel()
		if err == nil {
			_ = s.transport.Close()
			return true
		}
		if !sleepWithContext(ctx, s.probeInterval) {
			return false
		}
	}

	return false
}

func (s *Session) waitWhileUserDisconnected(ctx context.Context) bool {
	for {
		s.mu.Lock()
		disconnected := s.userDisconnected
		s.mu.Unlock()
		if !disconnected {
			return false
		}
		select {
		case <-ctx.Done():
			return true
		case <-s.reconnectCh:
		}
	}
}

func (s *Session) sendWantConfig(ctx context.Context) error {
	payload, err := s.codec.EncodeWantConfig()
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()

	return s.transport.WriteFrame(writeCtx, payload)
}

func (s *Session) setState(state SessionState, cause error) {
	s.mu.Lock()
	s.state = state
	if cause != nil {
		s.lastErr = cause.Error()
	} else {
		s.lastErr = ""
	}
	status := ConnStatus{
		State:            state,
		Err:              s.lastErr,
		TransportName:    s.transport.Name(),
		Timestamp:        time.Now(),
		UserDisconnected: s.userDisconnected,
	}
	s.mu.Unlock()

	s.logger.Info("session state", "state", state, "error", status.Err)
	s.bus.Publish(bus.TopicConnStatus, status)
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > reconnectMaxBackoff {
		return reconnectMaxBackoff
	}

	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
