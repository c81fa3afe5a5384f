package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nevindra/conclave"
)

type okResponse struct {
	Status string `json:"status"`
}

var statusOK = okResponse{Status: "ok"}

type overrideRequest struct {
	Query       string   `json:"query"`
	Agents      []string `json:"agents"`
	ForceSingle bool     `json:"force_single"`
	ForceAll    bool     `json:"force_all"`
}

// handleAgentOverride stashes a one-shot routing override for the next
// answer call whose query matches.
func (s *Server) handleAgentOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ov := conclave.Override{
		Agents:      req.Agents,
		ForceSingle: req.ForceSingle,
		ForceAll:    req.ForceAll,
	}
	if err := s.engine.StashOverride(req.Query, ov); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusOK)
}

type agentConfigRequest struct {
	AgentName  string `json:"agent_name"`
	ConfigType string `json:"config_type"`
	ConfigData string `json:"config_data"`
	Persist    bool   `json:"persist"`
}

func (s *Server) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	var req agentConfigRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	err := s.engine.ConfigureAgent(r.Context(), req.AgentName, req.ConfigType, req.ConfigData, req.Persist)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusOK)
}

type routingConfigRequest struct {
	EnableCollaboration bool   `json:"enable_collaboration"`
	EnableMultiAgent    bool   `json:"enable_multi_agent"`
	RoutingStrategy     string `json:"routing_strategy"`
}

func (s *Server) handleRoutingConfig(w http.ResponseWriter, r *http.Request) {
	var req routingConfigRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	mode := conclave.RoutingMode(req.RoutingStrategy)
	if err := s.engine.ConfigureRouting(mode, req.EnableMultiAgent, req.EnableCollaboration); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusOK)
}

// memoryManageRequest drives POST /control/memory/manage. Data carries the
// operation-specific payload: an export blob for import, markdown source
// for ingest.
type memoryManageRequest struct {
	Operation string            `json:"operation"`
	Kind      string            `json:"kind,omitempty"`
	Filters   *manageFilters    `json:"filters,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type manageFilters struct {
	Patterns []string `json:"patterns"`
}

type removedResponse struct {
	Removed int `json:"removed"`
}

func (s *Server) handleMemoryManage(w http.ResponseWriter, r *http.Request) {
	var req memoryManageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	kind := conclave.MemoryKind(req.Kind)
	if req.Kind == "" {
		kind = conclave.MemoryAll
	}

	switch req.Operation {
	case "clear":
		n, err := s.memory.Clear(r.Context(), kind, nil)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, removedResponse{Removed: n})
	case "filter":
		if req.Filters == nil || len(req.Filters.Patterns) == 0 {
			s.writeError(w, conclave.Fail(conclave.KindBadRequest, "filter requires at least one pattern"))
			return
		}
		n, err := s.memory.Clear(r.Context(), kind, req.Filters.Patterns)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, removedResponse{Removed: n})
	case "export":
		blob, err := s.memory.Export(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, blob)
	case "import":
		var blob conclave.ExportBlob
		if err := json.Unmarshal(req.Data, &blob); err != nil {
			s.writeError(w, conclave.Fail(conclave.KindBadRequest, "invalid import blob: %v", err))
			return
		}
		if err := s.memory.Import(r.Context(), blob); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, statusOK)
	case "ingest":
		var source string
		if err := json.Unmarshal(req.Data, &source); err != nil {
			s.writeError(w, conclave.Fail(conclave.KindBadRequest, "ingest data must be a markdown string"))
			return
		}
		result, err := s.ingestor.IngestMarkdown(r.Context(), source, req.Metadata)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	default:
		s.writeError(w, conclave.Fail(conclave.KindBadRequest, "unknown operation %q", req.Operation))
	}
}

func (s *Server) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status(r.Context()))
}
