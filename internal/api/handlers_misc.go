package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"meshmonitor/internal/automation"
	"meshmonitor/internal/domain"
	"meshmonitor/internal/radio"
)

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.Channels.ListActive(r.Context())
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}
	respondJSON(s.logger, w, http.StatusOK, channels)
}

type tracerouteView struct {
	domain.Traceroute
	FromNodeID string `json:"fromNodeId"`
	ToNodeID   string `json:"toNodeId"`
	Timestamp  int64  `json:"timestamp"`
}

func (s *Server) handleTraceroutesRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 500 {
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "limit out of range")
		return
	}
	routes, err := s.store.Traceroutes.ListRecent(r.Context(), limit)
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}
	views := make([]tracerouteView, 0, len(routes))
	for _, t := range routes {
		views = append(views, tracerouteView{
			Traceroute: t,
			FromNodeID: domain.FormatNodeNum(t.FromNodeNum),
			ToNodeID:   domain.FormatNodeNum(t.ToNodeNum),
			Timestamp:  t.Timestamp.Unix(),
		})
	}
	respondJSON(s.logger, w, http.StatusOK, views)
}

type tracerouteRequest struct {
	NodeID  string `json:"nodeId"`
	Channel int    `json:"channel"`
}

func (s *Server) handleTracerouteRequest(w http.ResponseWriter, r *http.Request) {
	var req tracerouteRequest
	if !decodeBody(w, r, s.logger, &req) {
		return
	}
	if req.NodeID == "" {
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "nodeId is required")
		return
	}
	dest, err := domain.ParseNodeID(req.NodeID)
	if err != nil {
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	if req.Channel < 0 || req.Channel > 7 {
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "channel out of range")
		return
	}
	if _, err := s.device.SendTraceroute(r.Context(), dest, uint32(req.Channel), radio.OriginUser); err != nil {
		respondError(s.logger, w, http.StatusConflict, CodeTransport, err.Error())
		return
	}
	respondJSON(s.logger, w, http.StatusAccepted, map[string]string{
		"status": "requested",
		"nodeId": domain.FormatNodeNum(dest),
	})
}

type neighborView struct {
	domain.Neighbor
	NodeID         string `json:"nodeId"`
	NeighborNodeID string `json:"neighborNodeId"`
	Timestamp      int64  `json:"timestamp"`
}

func (s *Server) handleNeighborInfo(w http.ResponseWriter, r *http.Request) {
	neighbors, err := s.store.Neighbors.List(r.Context())
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}
	views := make([]neighborView, 0, len(neighbors))
	for _, n := range neighbors {
		views = append(views, neighborView{
			Neighbor:       n,
			NodeID:         domain.FormatNodeNum(n.NodeNum),
			NeighborNodeID: domain.FormatNodeNum(n.NeighborNodeNum),
			Timestamp:      n.Timestamp.Unix(),
		})
	}
	respondJSON(s.logger, w, http.StatusOK, views)
}

// telemetryAvailability lists, per capability, the node ids a UI can offer.
type telemetryAvailability struct {
	Telemetry         []string `json:"telemetry"`
	Weather           []string `json:"weather"`
	PKC               []string `json:"pkc"`
	EstimatedPosition []string `json:"estimatedPosition"`
}

func (s *Server) telemetryAvailable(ctx context.Context) (telemetryAvailability, error) {
	avail := telemetryAvailability{
		Telemetry:         []string{},
		Weather:           []string{},
		PKC:               []string{},
		EstimatedPosition: []string{},
	}

	device, err := s.store.Telemetry.NodeNumsWithKind(ctx, domain.TelemetryKindDevice)
	if err != nil {
		return avail, err
	}
	for _, num := range device {
		avail.Telemetry = append(avail.Telemetry, domain.FormatNodeNum(num))
	}

	env, err := s.store.Telemetry.NodeNumsWithKind(ctx, domain.TelemetryKindEnvironment)
	if err != nil {
		return avail, err
	}
	for _, num := range env {
		avail.Weather = append(avail.Weather, domain.FormatNodeNum(num))
	}

	nodes, err := s.store.Nodes.List(ctx)
	if err != nil {
		return avail, err
	}
	for _, n := range nodes {
		if domain.HasPublicKey(n) {
			avail.PKC = append(avail.PKC, n.NodeID)
		}
		if domain.HasEstimatedPosition(n) {
			avail.EstimatedPosition = append(avail.EstimatedPosition, n.NodeID)
		}
	}

	return avail, nil
}

func (s *Server) handleTelemetryAvailable(w http.ResponseWriter, r *http.Request) {
	avail, err := s.telemetryAvailable(r.Context())
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}
	respondJSON(s.logger, w, http.StatusOK, avail)
}

type telemetrySampleView struct {
	domain.TelemetrySample
	Timestamp int64 `json:"timestamp"`
}

func (s *Server) handleTelemetryForNode(w http.ResponseWriter, r *http.Request) {
	num, ok := s.nodeFromPath(w, r)
	if !ok {
		return
	}
	kind := domain.TelemetryKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = domain.TelemetryKindDevice
	}
	switch kind {
	case domain.TelemetryKindDevice, domain.TelemetryKindEnvironment,
		domain.TelemetryKindPower, domain.TelemetryKindLocalStats:
	default:
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "unknown telemetry kind")
		return
	}
	limit := queryInt(r, "limit", 100)
	if limit <= 0 || limit > 2000 {
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "limit out of range")
		return
	}

	samples, err := s.store.Telemetry.ListByNode(r.Context(), num, kind, limit)
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}
	views := make([]telemetrySampleView, 0, len(samples))
	for _, sample := range samples {
		views = append(views, telemetrySampleView{TelemetrySample: sample, Timestamp: sample.Timestamp.Unix()})
	}
	respondJSON(s.logger, w, http.StatusOK, views)
}

// handlePoll serves clients that cannot hold a websocket: one response with
// everything the dashboard renders.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	nodes, err := s.store.Nodes.List(ctx)
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}
	nodeViews := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		nodeViews = append(nodeViews, newNodeView(n))
	}

	messages, err := s.store.Messages.ListRecent(ctx, queryInt(r, "limit", 50))
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}

	channels, err := s.store.Channels.ListActive(ctx)
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}

	unread, err := s.unreadCounts(ctx)
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}

	avail, err := s.telemetryAvailable(ctx)
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}

	poll := map[string]any{
		"connection":      s.connectionSnapshot(),
		"nodes":           nodeViews,
		"messages":        s.messageViews(ctx, messages),
		"channels":        channels,
		"unread":          unread,
		"telemetry":       avail,
		"firmwareVersion": s.device.FirmwareVersion(),
	}
	if local := s.device.LocalNodeNum(); local != 0 {
		poll["localNodeId"] = domain.FormatNodeNum(local)
	}
	respondJSON(s.logger, w, http.StatusOK, poll)
}

// unreadCounts derives per-scope unread totals from the read marks, one
// scope per active channel and one per DM peer. Scopes without a mark count
// from the epoch.
func (s *Server) unreadCounts(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}

	channels, err := s.store.Channels.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	marks, err := s.store.ReadState.List(ctx)
	if err != nil {
		return nil, err
	}
	markAt := make(map[string]time.Time, len(marks))
	for _, m := range marks {
		markAt[m.ScopeKey] = m.LastReadAt
	}

	for _, ch := range channels {
		key := domain.ReadStateKeyChannel(ch.ID)
		count, err := s.store.Messages.CountUnreadChannel(ctx, ch.ID, markAt[key])
		if err != nil {
			return nil, err
		}
		out[key] = count
	}

	peers, err := s.store.Messages.ListDirectPeers(ctx)
	if err != nil {
		return nil, err
	}
	local := s.device.LocalNodeNum()
	for _, peer := range peers {
		if peer == local {
			continue
		}
		key := domain.ReadStateKeyPeer(domain.FormatNodeNum(peer))
		count, err := s.store.Messages.CountUnreadPeer(ctx, peer, markAt[key])
		if err != nil {
			return nil, err
		}
		out[key] = count
	}
	return out, nil
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	snap := s.settings.Snapshot()
	respondJSON(s.logger, w, http.StatusOK, map[string]any{
		automation.KeyAutoAckEnabled:       snap.AutoAckEnabled,
		automation.KeyAutoAckPattern:       snap.AutoAckPattern,
		automation.KeyAutoAckReply:         snap.AutoAckReply,
		automation.KeyAutoAckChannels:      snap.AutoAckChannels,
		automation.KeyAutoAckDirectEnabled: snap.AutoAckDirectEnabled,
		automation.KeyAutoAnnounceEnabled:  snap.AutoAnnounceEnabled,
		automation.KeyAutoAnnounceText:     snap.AutoAnnounceText,
		automation.KeyAutoAnnounceChannel:  snap.AutoAnnounceChannel,
		automation.KeyAutoAnnounceOnStart:  snap.AutoAnnounceOnStart,
		automation.KeyWelcomeEnabled:       snap.WelcomeEnabled,
		automation.KeyWelcomeText:          snap.WelcomeText,
		automation.KeyWelcomeWaitForName:   snap.WelcomeWaitForName,
		automation.KeyTracerouteEnabled:    snap.TracerouteEnabled,
	})
}

func (s *Server) handleSettingsPost(w http.ResponseWriter, r *http.Request) {
	var values map[string]string
	if !decodeBody(w, r, s.logger, &values) {
		return
	}
	if len(values) == 0 {
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "no settings provided")
		return
	}
	if err := s.settings.Update(r.Context(), values); err != nil {
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	s.handleSettingsGet(w, r)
}

func (s *Server) handlePurgeNodes(w http.ResponseWriter, r *http.Request) {
	s.purge(w, r, "purge nodes", func(ctx context.Context, tx *sql.Tx) error {
		return s.store.Nodes.PurgeAll(ctx, tx)
	})
}

func (s *Server) handlePurgeMessages(w http.ResponseWriter, r *http.Request) {
	s.purge(w, r, "purge messages", func(ctx context.Context, tx *sql.Tx) error {
		return s.store.Messages.PurgeAll(ctx, tx)
	})
}

func (s *Server) handlePurgeTelemetry(w http.ResponseWriter, r *http.Request) {
	s.purge(w, r, "purge telemetry", func(ctx context.Context, tx *sql.Tx) error {
		return s.store.Telemetry.PurgeAll(ctx, tx)
	})
}

func (s *Server) purge(w http.ResponseWriter, r *http.Request, label string, fn func(context.Context, *sql.Tx) error) {
	if err := s.store.Writer.EnqueueWait(r.Context(), label, fn); err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}
	respondJSON(s.logger, w, http.StatusOK, map[string]string{"status": "purged"})
}
