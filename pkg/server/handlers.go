package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/conclave/pkg/council"
	"github.com/go-go-golems/conclave/pkg/events"
	"github.com/go-go-golems/conclave/pkg/inference"
	"github.com/go-go-golems/conclave/pkg/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("could not write response body")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// userID extracts the caller identity. Requests without one are rejected;
// there is no anonymous access to session state.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return "", false
	}
	return id, true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	session, err := s.store.CreateSession(r.Context(), user)
	var limitErr *store.SessionLimitError
	if errors.As(err, &limitErr) {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"code":  "SESSION_LIMIT_REACHED",
			"limit": limitErr.Limit,
			"count": limitErr.Count,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":    session.ID,
		"title": session.Title,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	summaries, err := s.store.ListSessions(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list sessions")
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

type messageView struct {
	Seq        int         `json:"seq"`
	Role       string      `json:"role"`
	Content    interface{} `json:"content"`
	WasAborted bool        `json:"was_aborted,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	session, err := s.store.GetSession(r.Context(), user, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load session")
		return
	}

	msgs := make([]messageView, 0, len(session.Messages))
	for _, m := range session.Messages {
		view := messageView{Seq: m.Seq, Role: m.Role, WasAborted: m.WasAborted}
		if m.Role == store.RoleAssistant {
			decoded, err := m.AssistantMessage()
			if err != nil {
				log.Warn().Err(err).Str("session_id", session.ID).Int("seq", m.Seq).Msg("skipping corrupt assistant message")
				continue
			}
			view.Content = decoded
		} else {
			view.Content = m.Content
		}
		msgs = append(msgs, view)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         session.ID,
		"title":      session.Title,
		"created_at": session.CreatedAt,
		"updated_at": session.UpdatedAt,
		"messages":   msgs,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	sessionID := r.PathValue("id")
	s.registry.Abort(sessionID)

	err := s.store.DeleteSession(r.Context(), user, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	sessionID := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), user, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, "could not load session")
		}
		return
	}

	at, open := s.registry.Get(sessionID)
	status := map[string]interface{}{
		"is_processing": open,
		"can_reconnect": open,
	}
	if open {
		status["current_stage"] = at.Stage()
	}
	writeJSON(w, http.StatusOK, status)
}

type messageRequest struct {
	Content string `json:"content"`
	Mode    string `json:"mode"`
}

func (s *Server) handleStartMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	session, err := s.store.GetSession(r.Context(), user, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load session")
		return
	}

	// Some slack on top of the content cap so a maximal payload still
	// decodes and gets the specific 413 below instead of a parse error.
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxContentBytes)+4096)
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content must not be empty")
		return
	}
	if len(req.Content) > s.cfg.MaxContentBytes {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("content exceeds %d bytes", s.cfg.MaxContentBytes))
		return
	}
	mode := council.ModeCouncil
	if req.Mode != "" {
		mode, err = council.ParseMode(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	history := historyFromMessages(session.Messages)

	seq, err := s.store.AppendUserMessage(r.Context(), session.ID, req.Content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not record message")
		return
	}

	turnID := fmt.Sprintf("%s/%d", session.ID, seq)
	bus := events.NewTurnBus()
	emitter := events.NewEmitter(session.ID, turnID, bus.Sink())
	orch := council.NewOrchestrator(session.ID, turnID, req.Content, s.cfg.Council, s.engine, emitter,
		council.WithMode(mode),
		council.WithRecorder(s.store),
		council.WithHistory(history),
		council.WithTitleGeneration(seq == 0),
	)

	at := s.registry.Start(session.ID, turnID, req.Content, bus, emitter, orch)

	sse, err := newSSEStream(w)
	if err != nil {
		// The turn keeps running; the client can reconnect.
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.streamTurn(r.Context(), sse, at, council.NewStageGate(0))
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	sessionID := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), user, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, "could not load session")
		}
		return
	}

	at, open := s.registry.Get(sessionID)
	if !open {
		// Nothing in flight; the closed turn's artifact is in the session.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Watermark before subscribing: events already logged are replay, only
	// starts at or after this point reopen chunk delivery. Taken together
	// with the stage so the handshake can't report a stage from before an
	// in-flight transition.
	stage, attachSeq := at.AttachPoint()

	sse, err := newSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	handshake := events.NewReconnectedEvent(events.EventMetadata{
		ID:        uuid.New(),
		SessionID: at.SessionID,
		TurnID:    at.TurnID,
	}, stage, at.UserMessage)
	if err := sse.SendEvent(handshake); err != nil {
		return
	}

	s.streamTurn(r.Context(), sse, at, council.NewStageGate(attachSeq))
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	sessionID := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), user, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, "could not load session")
		}
		return
	}

	s.registry.Abort(sessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// historyFromMessages flattens stored turns into the alternating message
// list the panel sees. An assistant turn contributes its synthesized
// answer; aborted turns without one contribute nothing.
func historyFromMessages(msgs []store.Message) []inference.Message {
	history := make([]inference.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case store.RoleUser:
			history = append(history, inference.Message{Role: inference.RoleUser, Content: m.Content})
		case store.RoleAssistant:
			decoded, err := m.AssistantMessage()
			if err != nil || decoded.Stage3 == nil {
				continue
			}
			history = append(history, inference.Message{Role: inference.RoleAssistant, Content: decoded.Stage3.Response})
		}
	}
	return history
}
