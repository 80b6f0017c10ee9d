package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/harun/relay/pkg/channels"
	"github.com/harun/relay/pkg/tasks"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = s.options.UserID
	}
	conns, err := s.connections.Connections(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list connections")
		writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}

	out := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionView{
			ID:          c.ID,
			UserID:      c.UserID,
			CharacterID: c.CharacterID,
			ChannelType: c.ChannelType,
			Status:      c.Status,
			LastError:   c.LastError,
			HasQR:       s.connections.QRCode(c.ID) != "",
			UpdatedAt:   c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.connections.Status(r.Context(), id)
	if err != nil {
		s.writeConnectionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": status})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	code := s.connections.QRCode(id)
	if code == "" {
		writeError(w, http.StatusNotFound, "no pairing code available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "qr": code})
}

// handleAction runs a connect, disconnect or reconnect on the path's
// connection. The call is detached from the request so a dropped client
// does not leave a half-open connection.
func (s *Server) handleAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.options.ActionTimeout)
		defer cancel()

		var err error
		switch action {
		case "connect":
			err = s.connections.Connect(ctx, id)
		case "disconnect":
			err = s.connections.Disconnect(ctx, id)
		case "reconnect":
			err = s.connections.Reconnect(ctx, id)
		}
		if err != nil {
			s.writeConnectionError(w, id, err)
			return
		}

		status, _ := s.connections.Status(ctx, id)
		s.logger.Info().Str("connection_id", id).Str("action", action).Str("status", string(status)).Msg("Connection action applied")
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": status})
	}
}

func (s *Server) writeConnectionError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, channels.ErrUnknownConnection):
		writeError(w, http.StatusNotFound, "unknown connection")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Warn().Err(err).Str("connection_id", id).Msg("Connection request failed")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": []tasks.Record{}})
		return
	}
	q := r.URL.Query()
	records := s.tasks.List(tasks.Filter{
		SessionID: q.Get("session_id"),
		Kind:      q.Get("kind"),
		Status:    tasks.Status(q.Get("status")),
	})
	if records == nil {
		records = []tasks.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": records})
}

func (s *Server) handleAbortTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.tasks == nil || !s.tasks.Abort(id, "aborted by operator") {
		writeError(w, http.StatusNotFound, "no running task with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runId": id, "aborted": true})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": []interface{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.jobs.Jobs()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
