package httpapi

import (
	"net/http"
	"testing"

	"github.com/nevindra/conclave"
)

func TestAgentOverride(t *testing.T) {
	engine := &fakeEngine{}
	ts := newTestServer(t, engine, nil, nil, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/control/agent/override", map[string]any{
		"query":        "Write API docs",
		"agents":       []string{"writer"},
		"force_single": true,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body okResponse
	decodeResponse(t, resp, &body)
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}

	if engine.overrideQuery != "Write API docs" {
		t.Errorf("query = %q", engine.overrideQuery)
	}
	if len(engine.override.Agents) != 1 || engine.override.Agents[0] != "writer" {
		t.Errorf("agents = %v", engine.override.Agents)
	}
	if !engine.override.ForceSingle {
		t.Error("force_single not forwarded")
	}
}

func TestAgentOverrideRejected(t *testing.T) {
	engine := &fakeEngine{
		overrideErr: conclave.Fail(conclave.KindBadRequest, "unknown agent %q", "nobody"),
	}
	ts := newTestServer(t, engine, nil, nil, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/control/agent/override", map[string]any{
		"query":  "q",
		"agents": []string{"nobody"},
	}, nil)
	wantErrorResponse(t, resp, http.StatusBadRequest, "bad_request")
}

func TestAgentConfig(t *testing.T) {
	engine := &fakeEngine{}
	ts := newTestServer(t, engine, nil, nil, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/control/agent/config", map[string]any{
		"agent_name":  "writer",
		"config_type": "keywords",
		"config_data": "draft, summarize",
		"persist":     true,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	if len(engine.configured) != 1 {
		t.Fatalf("configured calls = %d, want 1", len(engine.configured))
	}
	if want := "writer/keywords/draft, summarize/true"; engine.configured[0] != want {
		t.Errorf("configured = %q, want %q", engine.configured[0], want)
	}
}

func TestRoutingConfig(t *testing.T) {
	engine := &fakeEngine{}
	ts := newTestServer(t, engine, nil, nil, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/control/routing/config", map[string]any{
		"routing_strategy":     "keyword",
		"enable_multi_agent":   true,
		"enable_collaboration": false,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	if engine.routingMode != conclave.RouteKeyword {
		t.Errorf("mode = %q, want keyword", engine.routingMode)
	}
	if !engine.routingMulti {
		t.Error("multi_agent not forwarded")
	}
	if engine.routingCollab {
		t.Error("collaboration should be off")
	}
}

func TestRoutingConfigRejected(t *testing.T) {
	engine := &fakeEngine{
		routingErr: conclave.Fail(conclave.KindBadRequest, "unknown routing mode %q", "vibes"),
	}
	ts := newTestServer(t, engine, nil, nil, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/control/routing/config", map[string]any{
		"routing_strategy": "vibes",
	}, nil)
	wantErrorResponse(t, resp, http.StatusBadRequest, "bad_request")
}

func TestMemoryManageClear(t *testing.T) {
	memory := &fakeMemory{clearN: 7}
	ts := newTestServer(t, nil, memory, nil, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/control/memory/manage",
		map[string]any{"operation": "clear"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body removedResponse
	decodeResponse(t, resp, &body)
	if body.Removed != 7 {
		t.Errorf("removed = %d, want 7", body.Removed)
	}
	if memory.clearKind != conclave.MemoryAll {
		t.Errorf("kind = %q, want all", memory.clearKind)
	}
	if memory.clearPatterns != nil {
		t.Errorf("patterns = %v, want none", memory.clearPatterns)
	}
}

func TestMemoryManageClearKind(t *testing.T) {
	memory := &fakeMemory{}
	ts := newTestServer(t, nil, memory, nil, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/control/memory/manage",
		map[string]any{"operation": "clear", "kind": "vector"}, nil)
	resp.Body.Close()

	if memory.clearKind != conclave.MemoryVector {
		t.Errorf("kind = %q, want vector", memory.clearKind)
	}
}

func TestMemoryManageFilter(t *testing.T) {
	memory := &fakeMemory{clearN: 3}
	ts := newTestServer(t, nil, memory, nil, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/control/memory/manage", map[string]any{
		"operation": "filter",
		"filters":   map[string]any{"patterns": []string{"test message", "error generating"}},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body removedResponse
	decodeResponse(t, resp, &body)
	if body.Removed != 3 {
		t.Errorf("removed = %d, want 3", body.Removed)
	}
	if len(memory.clearPatterns) != 2 || memory.clearPatterns[0] != "test message" {
		t.Errorf("patterns = %v", memory.clearPatterns)
	}
}

func TestMemoryManageFilterWithoutPatterns(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil, nil)
	resp := doJSON(t, http.MethodPost, ts.URL+"/control/memory/manage",
		map[string]any{"operation": "filter"}, nil)
	wantErrorResponse(t, resp, http.StatusBadRequest, "bad_request")
}

func TestMemoryManageExport(t *testing.T) {
	memory := &fakeMemory{exportBlob: conclave.ExportBlob{
		Version: conclave.ExportVersion,
		VectorRecords: []conclave.VectorRecord{
			{ID: "v1", Text: "remembered", Embedding: []float32{1, 0}},
		},
	}}
	ts := newTestServer(t, nil, memory, nil, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/control/memory/manage",
		map[string]any{"operation": "export"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var blob conclave.ExportBlob
	decodeResponse(t, resp, &blob)
	if blob.Version != conclave.ExportVersion {
		t.Errorf("version = %d, want %d", blob.Version, conclave.ExportVersion)
	}
	if len(blob.VectorRecords) != 1 || blob.VectorRecords[0].ID != "v1" {
		t.Errorf("vector records = %+v", blob.VectorRecords)
	}
}

func TestMemoryManageImport(t *testing.T) {
	memory := &fakeMemory{}
	ts := newTestServer(t, nil, memory, nil, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/control/memory/manage", map[string]any{
		"operation": "import",
		"data": map[string]any{
			"version": conclave.ExportVersion,
			"documents": []map[string]any{
				{"id": "d1", "text": "imported doc"},
			},
		},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	if memory.imported == nil {
		t.Fatal("import never reached memory")
	}
	if len(memory.imported.Documents) != 1 || memory.imported.Documents[0].ID != "d1" {
		t.Errorf("imported = %+v", memory.imported)
	}
}

func TestMemoryManageImportBadBlob(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil, nil)
	resp := doJSON(t, http.MethodPost, ts.URL+"/control/memory/manage", map[string]any{
		"operation": "import",
		"data":      "not a blob",
	}, nil)
	wantErrorResponse(t, resp, http.StatusBadRequest, "bad_request")
}

func TestMemoryManageIngest(t *testing.T) {
	ing := &fakeIngestor{result: conclave.IngestResult{Sections: 2, Documents: 2, Vectors: 2}}
	ts := newTestServer(t, nil, nil, ing, nil)

	source := "# Setup\n\nInstall it.\n\n# Usage\n\nRun it."
	resp := doJSON(t, http.MethodPost, ts.URL+"/control/memory/manage", map[string]any{
		"operation": "ingest",
		"data":      source,
		"metadata":  map[string]string{"source": "readme.md"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result conclave.IngestResult
	decodeResponse(t, resp, &result)
	if result.Sections != 2 || result.Documents != 2 {
		t.Errorf("result = %+v", result)
	}

	if ing.source != source {
		t.Errorf("ingested source = %q", ing.source)
	}
	if ing.metadata["source"] != "readme.md" {
		t.Errorf("metadata = %v", ing.metadata)
	}
}

func TestMemoryManageUnknownOperation(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil, nil)
	resp := doJSON(t, http.MethodPost, ts.URL+"/control/memory/manage",
		map[string]any{"operation": "defrag"}, nil)
	wantErrorResponse(t, resp, http.StatusBadRequest, "bad_request")
}

func TestControlStatus(t *testing.T) {
	engine := &fakeEngine{status: conclave.StatusReport{
		RoutingMode:   conclave.RouteClassifier,
		MultiAgent:    true,
		Collaboration: true,
		Requests:      42,
		Failures:      3,
		Agents: []conclave.AgentStatus{
			{Name: "engineering", Ready: true, Dispatched: 30, Failed: 1},
		},
		Memory: conclave.MemoryStats{Vectors: 10, Documents: 4},
	}}
	ts := newTestServer(t, engine, nil, nil, nil)

	resp := doJSON(t, http.MethodGet, ts.URL+"/control/status", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var report conclave.StatusReport
	decodeResponse(t, resp, &report)
	if report.RoutingMode != conclave.RouteClassifier {
		t.Errorf("routing mode = %q", report.RoutingMode)
	}
	if report.Requests != 42 || report.Failures != 3 {
		t.Errorf("counters = %d/%d, want 42/3", report.Requests, report.Failures)
	}
	if len(report.Agents) != 1 || report.Agents[0].Dispatched != 30 {
		t.Errorf("agents = %+v", report.Agents)
	}
	if report.Memory.Vectors != 10 {
		t.Errorf("memory stats = %+v", report.Memory)
	}
}
