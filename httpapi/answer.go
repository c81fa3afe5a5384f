package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nevindra/conclave"
)

// streamBuffer absorbs event bursts so the engine rarely blocks on a slow
// writer.
const streamBuffer = 32

// answerRequest is the body of POST /answer and POST /answer/stream.
type answerRequest struct {
	Query     string             `json:"query"`
	SessionID string             `json:"session_id,omitempty"`
	Overrides *conclave.Override `json:"overrides,omitempty"`
}

func (a answerRequest) toRequest(r *http.Request) conclave.Request {
	return conclave.Request{
		Query:     a.Query,
		SessionID: a.SessionID,
		Owner:     owner(r),
		Overrides: a.Overrides,
	}
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.engine.Answer(r.Context(), req.toRequest(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// streamLine is one line of the event stream: a type tag plus a
// type-specific payload.
type streamLine struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type chunkData struct {
	Content string `json:"content"`
}

type progressData struct {
	Stage string `json:"stage"`
	Agent string `json:"agent,omitempty"`
}

type agentCompleteData struct {
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
	Failed     bool    `json:"failed,omitempty"`
}

type streamErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type doneData struct {
	SessionID    string                 `json:"session_id,omitempty"`
	Content      string                 `json:"content,omitempty"`
	Contributors []conclave.Contributor `json:"contributors,omitempty"`
	DurationMS   int64                  `json:"duration_ms,omitempty"`
	Cancelled    bool                   `json:"cancelled,omitempty"`
}

// envelope converts an engine event into its wire line. The done line of a
// completed run carries the response summary so streaming clients learn the
// session id even when the session was created on demand.
func envelope(ev conclave.StreamEvent) streamLine {
	line := streamLine{Type: string(ev.Type)}
	switch ev.Type {
	case conclave.EventChunk:
		line.Data = chunkData{Content: ev.Content}
	case conclave.EventProgress:
		line.Data = progressData{Stage: ev.Stage, Agent: ev.Agent}
	case conclave.EventAgentComplete:
		line.Data = agentCompleteData{Agent: ev.Agent, Confidence: ev.Confidence, Failed: ev.Failed}
	case conclave.EventError:
		line.Data = streamErrorData{Code: ev.Code, Message: ev.Message}
	case conclave.EventDone:
		switch {
		case ev.Response != nil:
			line.Data = doneData{
				SessionID:    ev.Response.SessionID,
				Content:      ev.Response.Content,
				Contributors: ev.Response.Contributors,
				DurationMS:   ev.Response.DurationMS,
			}
		case ev.Cancelled:
			line.Data = doneData{Cancelled: true}
		}
	}
	return line
}

// handleAnswerStream runs a request while writing one JSON object per line
// as events arrive. The done line is always last. A client disconnect
// cancels the run through the request context; remaining events are drained
// so the engine can close the channel.
func (s *Server) handleAnswerStream(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, conclave.Fail(conclave.KindBadRequest, "connection does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan conclave.StreamEvent, streamBuffer)
	go func() {
		if err := s.engine.AnswerStream(r.Context(), req.toRequest(r), events); err != nil {
			s.logger.Debug("stream ended with error", "error", err)
		}
	}()

	enc := json.NewEncoder(w)
	failed := false
	for ev := range events {
		if failed {
			continue
		}
		if err := enc.Encode(envelope(ev)); err != nil {
			// Client went away. Keep draining so the engine can
			// finish and close the channel.
			failed = true
			continue
		}
		flusher.Flush()
	}
}
