package api

import (
	"net/http"
	"strconv"

	"meshmonitor/internal/config"
	"meshmonitor/internal/domain"
	"meshmonitor/internal/radio"
)

type radioInfo struct {
	Host      string `json:"host"`
	Transport string `json:"transport"`
	TLS       bool   `json:"tls"`
}

type configResponse struct {
	Radio           radioInfo `json:"radio"`
	BaseURL         string    `json:"baseUrl"`
	LocalNodeNum    uint32    `json:"localNodeNum,omitempty"`
	LocalNodeID     string    `json:"localNodeId,omitempty"`
	FirmwareVersion string    `json:"firmwareVersion,omitempty"`
	LatestVersion   string    `json:"latestVersion,omitempty"`
	UpdateAvailable bool      `json:"updateAvailable"`
	CSRFToken       string    `json:"csrfToken"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	resp := configResponse{
		Radio: radioInfo{
			Host:      s.cfg.Radio.Host,
			Transport: string(s.cfg.Radio.Transport),
			TLS:       s.cfg.Radio.UseTLS,
		},
		BaseURL:         s.cfg.BaseURL,
		FirmwareVersion: s.device.FirmwareVersion(),
	}
	if local := s.device.LocalNodeNum(); local != 0 {
		resp.LocalNodeNum = local
		resp.LocalNodeID = domain.FormatNodeNum(local)
	}
	if snapshot, known := s.versions.Snapshot(r.Context()); known {
		resp.LatestVersion = snapshot.LatestVersion
		resp.UpdateAvailable = snapshot.UpdateAvailable
	}
	if sess, ok := sessionFrom(r); ok {
		resp.CSRFToken = sess.CSRFToken
	}
	respondJSON(s.logger, w, http.StatusOK, resp)
}

type connectionResponse struct {
	Connected        bool   `json:"connected"`
	State            string `json:"state"`
	UserDisconnected bool   `json:"userDisconnected"`
	Transport        string `json:"transport,omitempty"`
	Error            string `json:"error,omitempty"`
}

func (s *Server) connectionSnapshot() connectionResponse {
	status := s.device.Status()
	return connectionResponse{
		Connected:        status.State == radio.StateConnected,
		State:            string(status.State),
		UserDisconnected: status.UserDisconnected,
		Transport:        status.TransportName,
		Error:            status.Err,
	}
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	respondJSON(s.logger, w, http.StatusOK, s.connectionSnapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.device.Disconnect()
	respondJSON(s.logger, w, http.StatusOK, s.connectionSnapshot())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.device.Reconnect()
	respondJSON(s.logger, w, http.StatusOK, s.connectionSnapshot())
}

type rebootRequest struct {
	Seconds int32 `json:"seconds"`
}

func (s *Server) handleDeviceReboot(w http.ResponseWriter, r *http.Request) {
	req := rebootRequest{Seconds: config.DefaultRebootSeconds}
	if r.ContentLength > 0 {
		if !decodeBody(w, r, s.logger, &req) {
			return
		}
	}
	if req.Seconds <= 0 {
		req.Seconds = config.DefaultRebootSeconds
	}
	if err := s.device.Reboot(r.Context(), req.Seconds); err != nil {
		respondError(s.logger, w, http.StatusConflict, CodeTransport, err.Error())
		return
	}
	respondJSON(s.logger, w, http.StatusAccepted, map[string]any{
		"status":  "rebooting",
		"seconds": req.Seconds,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
