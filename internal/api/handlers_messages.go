package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"meshmonitor/internal/domain"
	"meshmonitor/internal/radio"
)

type messageView struct {
	domain.Message
	Timestamp int64    `json:"timestamp"`
	Reactions []string `json:"reactions,omitempty"`
}

func (s *Server) messageViews(ctx context.Context, messages []domain.Message) []messageView {
	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		view := messageView{Message: m, Timestamp: m.Timestamp.Unix()}
		reactions, err := s.store.Messages.Reactions(ctx, m.PacketID)
		if err == nil {
			view.Reactions = reactions
		}
		views = append(views, view)
	}
	return views
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 1000 {
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "limit out of range")
		return
	}

	var (
		messages []domain.Message
		err      error
	)
	if raw := r.URL.Query().Get("channel"); raw != "" {
		channel := queryInt(r, "channel", 0)
		messages, err = s.store.Messages.ListByChannel(r.Context(), channel, limit)
	} else {
		messages, err = s.store.Messages.ListRecent(r.Context(), limit)
	}
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}
	respondJSON(s.logger, w, http.StatusOK, s.messageViews(r.Context(), messages))
}

type sendRequest struct {
	Text        string `json:"text"`
	Channel     int    `json:"channel"`
	Destination string `json:"destination,omitempty"`
	ReplyID     uint32 `json:"replyId,omitempty"`
	Emoji       uint32 `json:"emoji,omitempty"`
}

// handleMessageSend queues a text for the radio and records the outbound
// row immediately; the ACK lands asynchronously via the ingest pipeline.
func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, s.logger, &req) {
		return
	}
	if req.Text == "" {
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "text is required")
		return
	}
	if len(req.Text) > 200 {
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "text exceeds 200 bytes")
		return
	}

	opts := radio.TextOptions{ReplyID: req.ReplyID, Emoji: req.Emoji}
	channel := req.Channel
	if req.Destination != "" {
		dest, err := domain.ParseNodeID(req.Destination)
		if err != nil {
			respondError(s.logger, w, http.StatusBadRequest, CodeValidation, err.Error())
			return
		}
		opts.Destination = dest
		channel = domain.DirectChannel
	} else {
		if req.Channel < 0 || req.Channel > 7 {
			respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "channel out of range")
			return
		}
		opts.Channel = uint32(req.Channel)
	}

	encoded, err := s.device.SendText(r.Context(), req.Text, opts, radio.OriginUser)
	if err != nil {
		respondError(s.logger, w, http.StatusConflict, CodeTransport, err.Error())
		return
	}

	local := s.device.LocalNodeNum()
	to := opts.Destination
	if to == 0 {
		to = domain.BroadcastNodeNum
	}
	msg := domain.Message{
		ID:          domain.MessageID(local, encoded.PacketID),
		PacketID:    encoded.PacketID,
		FromNodeNum: local,
		ToNodeNum:   to,
		Channel:     channel,
		Portnum:     1,
		Text:        req.Text,
		Timestamp:   time.Now(),
		ReplyID:     req.ReplyID,
		Emoji:       req.Emoji,
	}
	err = s.store.Writer.EnqueueWait(r.Context(), "insert outbound message", func(ctx context.Context, tx *sql.Tx) error {
		_, err := s.store.Messages.Insert(ctx, tx, msg)
		return err
	})
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}

	respondJSON(s.logger, w, http.StatusAccepted, messageView{Message: msg, Timestamp: msg.Timestamp.Unix()})
}

type readRequest struct {
	Channel *int   `json:"channel,omitempty"`
	NodeID  string `json:"nodeId,omitempty"`
}

func (s *Server) handleMessagesRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if !decodeBody(w, r, s.logger, &req) {
		return
	}

	var scopeKey string
	switch {
	case req.Channel != nil && req.NodeID != "":
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "channel and nodeId are mutually exclusive")
		return
	case req.Channel != nil:
		if *req.Channel < 0 || *req.Channel > 7 {
			respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "channel out of range")
			return
		}
		scopeKey = domain.ReadStateKeyChannel(*req.Channel)
	case req.NodeID != "":
		num, err := domain.ParseNodeID(req.NodeID)
		if err != nil {
			respondError(s.logger, w, http.StatusBadRequest, CodeValidation, err.Error())
			return
		}
		scopeKey = domain.ReadStateKeyPeer(domain.FormatNodeNum(num))
	default:
		respondError(s.logger, w, http.StatusBadRequest, CodeValidation, "channel or nodeId is required")
		return
	}

	now := time.Now()
	err := s.store.Writer.EnqueueWait(r.Context(), "mark read", func(ctx context.Context, tx *sql.Tx) error {
		return s.store.ReadState.MarkRead(ctx, tx, scopeKey, now)
	})
	if err != nil {
		respondError(s.logger, w, http.StatusInternalServerError, CodeStore, err.Error())
		return
	}
	respondJSON(s.logger, w, http.StatusOK, map[string]any{
		"scopeKey":   scopeKey,
		"lastReadAt": now.Unix(),
	})
}
