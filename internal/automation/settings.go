package automation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"meshmonitor/internal/persistence"
)

// Setting keys as stored in the settings table and exposed over the API.
const (
	KeyAutoAckEnabled       = "autoAckEnabled"
	KeyAutoAckPattern       = "autoAckPattern"
	KeyAutoAckReply         = "autoAckReply"
	KeyAutoAckChannels      = "autoAckChannels"
	KeyAutoAckDirectEnabled = "autoAckDirectEnabled"
	KeyAutoAnnounceEnabled  = "autoAnnounceEnabled"
	KeyAutoAnnounceText     = "autoAnnounceText"
	KeyAutoAnnounceChannel  = "autoAnnounceChannel"
	KeyAutoAnnounceOnStart  = "autoAnnounceOnStart"
	KeyWelcomeEnabled       = "welcomeEnabled"
	KeyWelcomeText          = "welcomeText"
	KeyWelcomeWaitForName   = "welcomeWaitForName"
	KeyTracerouteEnabled    = "tracerouteEnabled"
)

const (
	DefaultAutoAckPattern  = `(?i)\b(ping|test)\b`
	DefaultAutoAckReply    = "🏓 pong, {shortName}!"
	DefaultAutoAckChannels = "0"
	DefaultAnnounceText    = "📡 MeshMonitor gateway online"
	DefaultWelcomeText     = "👋 Welcome to the mesh, {longName}!"
)

// Snapshot is one consistent view of the automation settings.
type Snapshot struct {
	AutoAckEnabled       bool
	AutoAckPattern       string
	AutoAckReply         string
	AutoAckChannels      string
	AutoAckDirectEnabled bool
	AutoAnnounceEnabled  bool
	AutoAnnounceText     string
	AutoAnnounceChannel  int
	AutoAnnounceOnStart  bool
	WelcomeEnabled       bool
	WelcomeText          string
	WelcomeWaitForName   bool
	TracerouteEnabled    bool
}

// Settings holds the runtime automation configuration. It loads from the
// settings table at startup and keeps the store in sync on updates.
type Settings struct {
	logger *slog.Logger
	store  *persistence.Store

	mu          sync.RWMutex
	current     Snapshot
	pattern     *regexp.Regexp
	ackChannels map[int]bool
}

func NewSettings(logger *slog.Logger, store *persistence.Store) *Settings {
	return &Settings{
		logger: logger,
		store:  store,
		current: Snapshot{
			AutoAckPattern:       DefaultAutoAckPattern,
			AutoAckReply:         DefaultAutoAckReply,
			AutoAckChannels:      DefaultAutoAckChannels,
			AutoAckDirectEnabled: true,
			AutoAnnounceText:     DefaultAnnounceText,
			WelcomeText:          DefaultWelcomeText,
			WelcomeWaitForName:   true,
			TracerouteEnabled:    true,
		},
		pattern:     regexp.MustCompile(DefaultAutoAckPattern),
		ackChannels: map[int]bool{0: true},
	}
}

// Load overlays persisted values onto the defaults.
func (s *Settings) Load(ctx context.Context) error {
	stored, err := s.store.Settings.All(ctx)
	if err != nil {
		return fmt.Errorf("load automation settings: %w", err)
	}
	return s.apply(stored)
}

// Update validates and applies new values, then persists them.
func (s *Settings) Update(ctx context.Context, values map[string]string) error {
	if err := s.apply(values); err != nil {
		return err
	}
	return s.store.Writer.EnqueueWait(ctx, "save settings", func(ctx context.Context, tx *sql.Tx) error {
		for key, value := range values {
			if !knownSettingKey(key) {
				continue
			}
			if err := s.store.Settings.Set(ctx, tx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Settings) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// AckPattern returns the compiled auto-ack regexp.
func (s *Settings) AckPattern() *regexp.Regexp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pattern
}

// AckChannelAllowed reports whether auto-ack replies on the given channel.
func (s *Settings) AckChannelAllowed(channel int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ackChannels[channel]
}

func (s *Settings) apply(values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	nextPattern := s.pattern
	nextAckChannels := s.ackChannels
	for key, value := range values {
		switch key {
		case KeyAutoAckEnabled:
			next.AutoAckEnabled = parseBool(value)
		case KeyAutoAckPattern:
			compiled, err := regexp.Compile(value)
			if err != nil {
				return fmt.Errorf("invalid auto-ack pattern %q: %w", value, err)
			}
			next.AutoAckPattern = value
			nextPattern = compiled
		case KeyAutoAckReply:
			if value != "" {
				next.AutoAckReply = value
			}
		case KeyAutoAckChannels:
			parsed, err := parseChannelList(value)
			if err != nil {
				return err
			}
			next.AutoAckChannels = value
			nextAckChannels = parsed
		case KeyAutoAckDirectEnabled:
			next.AutoAckDirectEnabled = parseBool(value)
		case KeyAutoAnnounceEnabled:
			next.AutoAnnounceEnabled = parseBool(value)
		case KeyAutoAnnounceText:
			if value != "" {
				next.AutoAnnounceText = value
			}
		case KeyAutoAnnounceChannel:
			channel, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || channel < 0 || channel > 7 {
				return fmt.Errorf("invalid announce channel %q", value)
			}
			next.AutoAnnounceChannel = channel
		case KeyAutoAnnounceOnStart:
			next.AutoAnnounceOnStart = parseBool(value)
		case KeyWelcomeEnabled:
			next.WelcomeEnabled = parseBool(value)
		case KeyWelcomeText:
			if value != "" {
				next.WelcomeText = value
			}
		case KeyWelcomeWaitForName:
			next.WelcomeWaitForName = parseBool(value)
		case KeyTracerouteEnabled:
			next.TracerouteEnabled = parseBool(value)
		default:
			s.logger.Debug("ignoring unknown setting", "key", key)
		}
	}
	s.current = next
	s.pattern = nextPattern
	s.ackChannels = nextAckChannels

	return nil
}

// parseChannelList parses a comma separated list of channel indexes.
func parseChannelList(value string) (map[int]bool, error) {
	out := make(map[int]bool)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		channel, err := strconv.Atoi(part)
		if err != nil || channel < 0 || channel > 7 {
			return nil, fmt.Errorf("invalid channel index %q", part)
		}
		out[channel] = true
	}
	return out, nil
}

func knownSettingKey(key string) bool {
	switch key {
	case KeyAutoAckEnabled, KeyAutoAckPattern, KeyAutoAckReply,
		KeyAutoAckChannels, KeyAutoAckDirectEnabled,
		KeyAutoAnnounceEnabled, KeyAutoAnnounceText,
		KeyAutoAnnounceChannel, KeyAutoAnnounceOnStart,
		KeyWelcomeEnabled, KeyWelcomeText, KeyWelcomeWaitForName,
		KeyTracerouteEnabled:
		return true
	}
	return false
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(value)
	return err == nil && parsed
}
