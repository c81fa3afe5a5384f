// Package conclave is a multi-agent query orchestrator: it accepts a
// natural-language query bound to a session, decides which specialist
// agents should answer (using the model itself as the classifier), runs
// them under a single, parallel, or collaborative strategy, synthesizes
// their outputs into one attributed reply, and maintains per-session
// conversation logs plus a layered memory that agents read during prompt
// assembly.
//
// # Quick Start
//
//	provider := openaicompat.NewProvider(apiKey, model, baseURL)
//	embedder := openaicompat.NewEmbedder(apiKey, embedModel, baseURL, dim)
//	store, _ := sqlite.New("conclave.db")
//
//	gw := conclave.NewGateway(provider)
//	prompts, _ := conclave.NewPromptStore()
//	memory := conclave.NewMemory(store, store, store, store, embedder)
//	reg := conclave.NewRegistry()
//	reg.Register(conclave.NewSpecialist("engineering", gw, prompts,
//		conclave.WithCapabilities("code", "systems", "debugging")))
//
//	orc := conclave.NewOrchestrator(gw, prompts, memory, store, reg)
//	resp, err := orc.Answer(ctx, conclave.Request{Query: "Explain TCP slow start"})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Agent] — a named specialist that turns a RunContext into an AgentResponse
//   - [Provider] — chat model backend (unary + streaming)
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [SessionStore] — append-only per-session message logs with attribution
//   - [VectorStore], [DocumentStore], [RelationStore] — the three memory kinds,
//     composed behind the [Memory] facade
//
// # Included Implementations
//
// Providers: provider/openaicompat (any OpenAI-compatible API).
// Storage: store/sqlite (embedded, FTS5 document search), store/postgres
// (pgvector + tsvector), store/chromem (embedded vector index only).
// Observability: observer (OpenTelemetry traces, metrics, logs).
// Transport: httpapi (answer, streaming, sessions, control surface).
//
// See cmd/conclave for the complete server binary.
package conclave
