package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RadioTransport identifies how the process reaches the radio node.
type RadioTransport string

const (
	TransportTCP  RadioTransport = "tcp"
	TransportHTTP RadioTransport = "http"

	DefaultTCPPort  = 4403
	DefaultHTTPPort = 8080
	DefaultDBPath   = "./data/meshmonitor.db"

	// DefaultRebootSeconds is the delay handed to the radio's reboot
	// command when the caller does not pick one.
	DefaultRebootSeconds = int32(5)
)

// RadioConfig describes the single upstream radio link.
type RadioConfig struct {
	Host      string
	Transport RadioTransport
	UseTLS    bool
}

// RetentionConfig holds per-kind retention horizons for the sweep job.
type RetentionConfig struct {
	Messages    time.Duration
	Telemetry   time.Duration
	Positions   time.Duration
	Neighbors   time.Duration
	Traceroutes time.Duration
}

// Config is the root process configuration, sourced from environment.
type Config struct {
	Radio     RadioConfig
	BaseURL   string
	DBPath    string
	HTTPPort  int
	LogLevel  string
	Retention RetentionConfig
}

func Default() Config {
	return Config{
		Radio: RadioConfig{
			Transport: TransportTCP,
		},
		BaseURL:  "",
		DBPath:   DefaultDBPath,
		HTTPPort: DefaultHTTPPort,
		LogLevel: "info",
		Retention: RetentionConfig{
			Messages:    90 * 24 * time.Hour,
			Telemetry:   30 * 24 * time.Hour,
			Positions:   7 * 24 * time.Hour,
			Neighbors:   24 * time.Hour,
			Traceroutes: 30 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from the environment, honoring an optional .env
// file in the working directory.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	cfg.Radio.Host = strings.TrimSpace(os.Getenv("MESHTASTIC_NODE_IP"))
	if cfg.Radio.Host == "" {
		return Config{}, fmt.Errorf("MESHTASTIC_NODE_IP is required")
	}

	if v := strings.TrimSpace(os.Getenv("MESHTASTIC_TRANSPORT")); v != "" {
		switch RadioTransport(strings.ToLower(v)) {
		case TransportTCP, TransportHTTP:
			cfg.Radio.Transport = RadioTransport(strings.ToLower(v))
		default:
			return Config{}, fmt.Errorf("unsupported MESHTASTIC_TRANSPORT: %q", v)
		}
	}

	useTLS, err := envBool("MESHTASTIC_USE_TLS", false)
	if err != nil {
		return Config{}, err
	}
	cfg.Radio.UseTLS = useTLS
	if cfg.Radio.UseTLS {
		cfg.Radio.Transport = TransportHTTP
	}

	if v := strings.TrimSpace(os.Getenv("BASE_URL")); v != "" {
		cfg.BaseURL = "/" + strings.Trim(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("DB_PATH")); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("HTTP_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid HTTP_PORT: %q", v)
		}
		cfg.HTTPPort = port
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", key, v)
	}
	return parsed, nil
}
