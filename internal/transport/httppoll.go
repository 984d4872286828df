package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	fromRadioPath = "/api/v1/fromradio"
	toRadioPath   = "/api/v1/toradio"

	pollIdleDelay = 250 * time.Millisecond
)

// HTTPTransport drives the radio's HTTP API: raw ToRadio protobufs are
// POSTed, FromRadio protobufs are drained one per GET. The radio returns an
// empty body when its queue is idle.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	open    atomic.Bool

	// pending holds a payload the connect probe already pulled off the
	// radio's queue. ReadFrame hands it out before polling again.
	mu      sync.Mutex
	pending []byte
}

func NewHTTPTransport(logger *slog.Logger, host string, useTLS bool) *HTTPTransport {
	scheme := "http"
	if useTLS {
		scheme = "https"
	}

	return &HTTPTransport{
		baseURL: fmt.Sprintf("%s://%s", scheme, host),
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

func (t *HTTPTransport) Name() string {
	return "http"
}

func (t *HTTPTransport) Target() string {
	return t.baseURL
}

// Connect probes the radio once so transport errors surface at the same
// point of the session lifecycle as a TCP dial failure.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+fromRadioPath+"?all=false", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Accept", "application/x-protobuf")

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("connect probe failed", "target", t.baseURL, "error", err)

		return fmt.Errorf("probe radio http api: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read probe body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe radio http api: status %d", resp.StatusCode)
	}
	if len(body) > 0 {
		t.mu.Lock()
		t.pending = body
		t.mu.Unlock()
	}

	t.open.Store(true)
	t.logger.Info("connected", "target", t.baseURL)

	return nil
}

func (t *HTTPTransport) Close() error {
	t.open.Store(false)
	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()
	t.client.CloseIdleConnections()

	return nil
}

// ReadFrame polls until the radio hands out one FromRadio payload or the
// context ends. Idle responses back off briefly instead of hot-looping.
func (t *HTTPTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if !t.open.Load() {
			return nil, errors.New("transport is not connected")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		t.mu.Lock()
		if buffered := t.pending; len(buffered) > 0 {
			t.pending = nil
			t.mu.Unlock()
			t.logger.Debug("read frame", "len", len(buffered), "source", "probe")

			return buffered, nil
		}
		t.mu.Unlock()

		payload, err := t.pollOnce(ctx)
		if err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			t.logger.Debug("read frame", "len", len(payload))

			return payload, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollIdleDelay):
		}
	}
}

func (t *HTTPTransport) pollOnce(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+fromRadioPath+"?all=true", nil)
	if err != nil {
		return nil, fmt.Errorf("build fromradio request: %w", err)
	}
	req.Header.Set("Accept", "application/x-protobuf")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll fromradio: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("poll fromradio: status %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read fromradio body: %w", err)
	}

	return payload, nil
}

func (t *HTTPTransport) WriteFrame(ctx context.Context, payload []byte) error {
	if !t.open.Load() {
		return errors.New("transport is not connected")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+toRadioPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build toradio request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("write frame failed", "payload_len", len(payload), "error", err)

		return fmt.Errorf("post toradio: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("post toradio: status %d", resp.StatusCode)
	}
	t.logger.Debug("write frame", "payload_len", len(payload))

	return nil
}
