package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"meshmonitor/internal/domain"
	"meshmonitor/internal/radio"
)

// nodeView augments the stored node with derived presentation fields.
type nodeView struct {
	domain.Node
	LastHeard         int64            `json:"lastHeard,omitempty"`
	HopBucket         domain.HopBucket `json:"hopBucket"`
	EstimatedPosition bool             `json:"estimatedPosition"`
}

func newNodeView(n domain.Node) nodeView {
	view := nodeView{
		Node:              n,
		HopBucket:         domain.HopBucketFor(n.HopsAway),
		EstimatedPosition: domain.HasEstimatedPosition(n),
	}
	if !n.LastHeard.IsZero() {
		view.LastHeard = n.LastHeard.Unix()
	}
	return view
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.Nodes.List(r.Context())
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, newNodeView(n))
	}
	respondJSON(s.logger, w, http.StatusOK, views)
}

func (s *Server) handleNodesRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.device.RequestNodeDB(r.Context(), radio.OriginUser); err != nil {
		respondError(s.logger, w, http.StatusConflict, CodeTransport, err.Error())
		return
	}
	respondJSON(s.logger, w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func (s *Server) nodeFromPath(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	num, err := domain.ParseNodeID(r.PathValue("id"))
	if err != nil {
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, err.Error())
		return 0, false
	}
	return num, true
}

type favoriteRequest struct {
	IsFavorite   bool `json:"isFavorite"`
	SyncToDevice bool `json:"syncToDevice"`
}

type favoriteResponse struct {
	NodeID     string `json:"nodeId"`
	IsFavorite bool   `json:"isFavorite"`
	Sync       any    `json:"sync,omitempty"`
}

func (s *Server) handleNodeFavorite(w http.ResponseWriter, r *http.Request) {
	num, ok := s.nodeFromPath(w, r)
	if !ok {
		return
	}
	var req favoriteRequest
	if !decodeBody(w, r, s.logger, &req) {
		return
	}
	_, found, err := s.store.Nodes.Get(r.Context(), num)
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}
	if !found {
		respondError(s.logger, w, http.StatusNotFound, CodeNotFound, "unknown node")
		return
	}

	err = s.store.Writer.EnqueueWait(r.Context(), "set favorite", func(ctx context.Context, tx *sql.Tx) error {
		return s.store.Nodes.SetFavorite(ctx, tx, num, req.IsFavorite)
	})
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}

	resp := favoriteResponse{NodeID: domain.FormatNodeNum(num), IsFavorite: req.IsFavorite}
	if req.SyncToDevice {
		resp.Sync = s.favorite.Sync(r.Context(), num, req.IsFavorite)
	}
	respondJSON(s.logger, w, http.StatusOK, resp)
}

func (s *Server) handlePositionHistory(w http.ResponseWriter, r *http.Request) {
	num, ok := s.nodeFromPath(w, r)
	if !ok {
		return
	}
	hours := queryInt(r, "hours", 24)
	if hours <= 0 || hours > 24*365 {
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "hours out of range")
		return
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	points, err := s.store.Positions.ListSince(r.Context(), domain.FormatNodeNum(num), since)
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}

	type pointView struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Altitude  int32   `json:"altitude"`
		Timestamp int64   `json:"timestamp"`
	}
	views := make([]pointView, 0, len(points))
	for _, p := range points {
		views = append(views, pointView{
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Altitude:  p.Altitude,
			Timestamp: p.Timestamp.Unix(),
		})
	}
	respondJSON(s.logger, w, http.StatusOK, views)
}
