package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/conclave"
)

type createSessionRequest struct {
	Title string `json:"title,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sess := conclave.NewSession(owner(r), req.Title)
	if err := s.sessions.CreateSession(r.Context(), sess); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: sess.ID})
}

type listSessionsResponse struct {
	Sessions []conclave.Session `json:"sessions"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListSessions(r.Context(), owner(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []conclave.Session{}
	}
	s.writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions})
}

type sessionDetailResponse struct {
	Session  conclave.Session   `json:"session"`
	Messages []conclave.Message `json:"messages"`
}

// handleGetSession returns one session with its log. view=presentation
// collapses the raw log to what a chat surface shows; the default is the
// raw log.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.sessions.Messages(r.Context(), id, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch view := r.URL.Query().Get("view"); view {
	case "", "raw":
	case "presentation":
		msgs = conclave.PresentationView(msgs)
	default:
		s.writeError(w, conclave.Fail(conclave.KindBadRequest, "unknown view %q", view))
		return
	}
	if msgs == nil {
		msgs = []conclave.Message{}
	}
	s.writeJSON(w, http.StatusOK, sessionDetailResponse{Session: sess, Messages: msgs})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
