package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"meshmonitor/internal/automation"
	"meshmonitor/internal/bus"
	"meshmonitor/internal/config"
	"meshmonitor/internal/persistence"
	"meshmonitor/internal/radio"
)

// Device is the slice of the radio session the API drives.
type Device interface {
	State() radio.SessionState
	Status() radio.ConnStatus
	Connected() bool
	FirmwareVersion() string
	LocalNodeNum() uint32
	Disconnect()
	Reconnect()
	Reboot(ctx context.Context, seconds int32) error
	SendText(ctx context.Context, text string, opts radio.TextOptions, origin radio.Origin) (radio.EncodedPacket, error)
	SendTraceroute(ctx context.Context, to uint32, channel uint32, origin radio.Origin) (radio.EncodedPacket, error)
	RequestNodeDB(ctx context.Context, origin radio.Origin) error
}

// Server is the HTTP JSON surface over the store and the device session.
type Server struct {
	logger   *slog.Logger
	cfg      config.Config
	store    *persistence.Store
	bus      bus.MessageBus
	device   Device
	settings *automation.Settings
	favorite *automation.FavoriteSyncer
	versions *automation.VersionChecker

	httpServer *http.Server
}

func NewServer(
	logger *slog.Logger,
	cfg config.Config,
	store *persistence.Store,
	b bus.MessageBus,
	device Device,
	settings *automation.Settings,
	favorite *automation.FavoriteSyncer,
	versions *automation.VersionChecker,
) *Server {
	s := &Server{
		logger:   logger,
		cfg:      cfg,
		store:    store,
		bus:      b,
		device:   device,
		settings: settings,
		favorite: favorite,
		versions: versions,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table. Everything hangs off the configured base
// URL so the process can live behind a path-prefix reverse proxy.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("GET /api/connection", s.handleConnection)
	mux.HandleFunc("POST /api/connection/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/connection/reconnect", s.handleReconnect)

	mux.HandleFunc("GET /api/nodes", s.handleNodes)
	mux.HandleFunc("POST /api/nodes/refresh", s.handleNodesRefresh)
	mux.HandleFunc("POST /api/nodes/{id}/favorite", s.handleNodeFavorite)
	mux.HandleFunc("GET /api/nodes/{id}/position-history", s.handlePositionHistory)

	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("POST /api/messages/send", s.handleMessageSend)
	mux.HandleFunc("POST /api/messages/read", s.handleMessagesRead)

	mux.HandleFunc("GET /api/channels", s.handleChannels)

	mux.HandleFunc("GET /api/traceroutes/recent", s.handleTraceroutesRecent)
	mux.HandleFunc("POST /api/traceroute", s.handleTracerouteRequest)
	mux.HandleFunc("GET /api/neighbor-info", s.handleNeighborInfo)

	mux.HandleFunc("GET /api/telemetry/available/nodes", s.handleTelemetryAvailable)
	mux.HandleFunc("GET /api/telemetry/{id}", s.handleTelemetryForNode)

	mux.HandleFunc("GET /api/poll", s.handlePoll)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /api/settings", s.handleSettingsGet)
	mux.HandleFunc("POST /api/settings", s.handleSettingsPost)

	mux.HandleFunc("POST /api/purge/nodes", s.handlePurgeNodes)
	mux.HandleFunc("POST /api/purge/messages", s.handlePurgeMessages)
	mux.HandleFunc("POST /api/purge/telemetry", s.handlePurgeTelemetry)

	mux.HandleFunc("POST /api/device/reboot", s.handleDeviceReboot)

	var handler http.Handler = s.withSession(mux)
	if base := strings.TrimSuffix(s.cfg.BaseURL, "/"); base != "" {
		handler = http.StripPrefix(base, handler)
	}
	return s.logRequests(handler)
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr, "base_url", s.cfg.BaseURL)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"took", time.Since(started).String(),
		)
	})
}
