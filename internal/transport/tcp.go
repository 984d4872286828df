package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const defaultTCPPort = 4403

// TCPTransport sends and receives framed traffic over the radio's TCP port.
type TCPTransport struct {
	host   string
	port   int
	logger *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
}

func NewTCPTransport(logger *slog.Logger, host string, port int) *TCPTransport {
	if port == 0 {
		port = defaultTCPPort
	}

	return &TCPTransport{host: host, port: port, logger: logger}
}

func (t *TCPTransport) Name() string {
	return "tcp"
}

func (t *TCPTransport) Target() string {
	return net.JoinHostPort(t.host, fmt.Sprintf("%d", t.port))
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		t.logger.Debug("connect skipped: already connected")

		return nil
	}
	if t.host == "" {
		return errors.New("tcp host is empty")
	}

	dialer := net.Dialer{Timeout: 6 * time.Second}
	t.logger.Info("connecting", "target", t.Target())
	conn, err := dialer.DialContext(ctx, "tcp", t.Target())
	if err != nil {
		t.logger.Warn("connect failed", "target", t.Target(), "error", err)

		return fmt.Errorf("dial tcp: %w", err)
	}
	t.conn = conn
	t.logger.Info("connected", "remote", conn.RemoteAddr().String())

	return nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		t.logger.Warn("close failed", "error", err)

		return err
	}
	t.logger.Info("closed")

	return nil
}

func (t *TCPTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	conn, err := t.currentConn()
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	payload, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("read frame", "len", len(payload))

	return payload, nil
}

func (t *TCPTransport) WriteFrame(ctx context.Context, payload []byte) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}

	frame, err := encodeFrame(payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		t.logger.Warn("write frame failed", "payload_len", len(payload), "error", err)

		return fmt.Errorf("write frame: %w", err)
	}
	t.logger.Debug("write frame", "payload_len", len(payload), "frame_len", len(frame))

	return nil
}

func (t *TCPTransport) currentConn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errors.New("transport is not connected")
	}

	return t.conn, nil
}
