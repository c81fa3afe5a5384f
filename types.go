package conclave

import "time"

// Version is reported by the health endpoint and the binary's -version flag.
const Version = "0.3.1"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is a single entry in a model conversation, in the shape the
// Gateway transmits to providers.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage creates a system-role chat message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

// UserMessage creates a user-role chat message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// AssistantMessage creates an assistant-role chat message.
func AssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// ChatRequest is the provider-level request shape.
type ChatRequest struct {
	Messages    []ChatMessage
	Model       string
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stop        []string
}

// Usage reports token consumption for a single provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is the provider-level response shape.
type ChatResponse struct {
	Content string
	Usage   Usage
}

// Params are the recognized per-call options for Gateway operations.
// Zero values fall back to the Gateway's construction-time defaults.
type Params struct {
	ModelID       string
	MaxTokens     int
	Temperature   float64
	TopP          float64
	Stop          []string
	Timeout       time.Duration
	AttemptBudget int
}

// Session is a named conversation owned by one caller. Messages are
// append-only; UpdatedAt tracks the last append.
type Session struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Message is one entry in a session's log. Agent is populated only for
// assistant messages and names the specialist that produced the text, or
// "aggregator" for synthesized output. Contributors is populated only on
// aggregator messages.
type Message struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	Agent        string        `json:"agent,omitempty"`
	Confidence   float64       `json:"confidence,omitempty"`
	Contributors []Contributor `json:"contributors,omitempty"`
	CreatedAt    int64         `json:"created_at"`
}

// AggregatorName is the Agent value carried by synthesized assistant messages.
const AggregatorName = "aggregator"

// Contributor records one agent's part in an aggregated reply. Used is true
// when the synthesized output meaningfully incorporated that agent's content.
type Contributor struct {
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
	Used       bool    `json:"used"`
}

// AgentDescriptor is the externally visible description of a registered agent.
type AgentDescriptor struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	TemplateID   string   `json:"template_id"`
	Active       bool     `json:"active"`
}

// MemoryKind selects one of the three memory stores behind the facade.
type MemoryKind string

const (
	MemoryVector     MemoryKind = "vector"
	MemoryDocument   MemoryKind = "document"
	MemoryRelational MemoryKind = "relational"
	// MemoryAll addresses every kind at once (Clear only).
	MemoryAll MemoryKind = "all"
)

// VectorRecord is an embedded memory entry. The embedding dimension is fixed
// at store initialization; inserts with a different dimension are rejected.
type VectorRecord struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"embedding"`
	Tags       []string  `json:"tags,omitempty"`
	Importance float64   `json:"importance"`
	CreatedAt  int64     `json:"created_at"`
}

// DocumentRecord is a free-text memory entry retrieved by keyword ranking.
type DocumentRecord struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// Relation is an entity-fact triplet.
type Relation struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// MemoryHit is one ranked result from Memory.Search.
type MemoryHit struct {
	Kind  MemoryKind `json:"kind"`
	ID    string     `json:"id"`
	Text  string     `json:"text"`
	Score float64    `json:"score"`
}

// Strategy describes how the selected agents are invoked.
type Strategy string

const (
	StrategySingle        Strategy = "single"
	StrategyParallel      Strategy = "parallel"
	StrategyCollaborative Strategy = "collaborative"
)

// RoutingDecision is the classifier's (or an override's) answer to "who
// handles this query, and how".
type RoutingDecision struct {
	Agents    []string `json:"agents"`
	Strategy  Strategy `json:"strategy"`
	Rationale string   `json:"rationale"`
}

// TaskNode is one unit in a collaborative task graph. Nodes are arena-owned:
// ID is the node's index into TaskGraph.Nodes and Deps holds indexes of the
// nodes whose outputs this node consumes.
type TaskNode struct {
	ID     int    `json:"id"`
	Agent  string `json:"agent"`
	Input  string `json:"input"`
	Deps   []int  `json:"depends_on"`
	Output string `json:"output,omitempty"`
}

// TaskGraph is a validated DAG of TaskNodes in declaration order.
type TaskGraph struct {
	Nodes []TaskNode `json:"nodes"`
}

// AgentResponse is what one agent produced for one task. Failed marks a
// synthetic note standing in for an agent that errored or timed out; the
// aggregator treats such entries as low-confidence input.
type AgentResponse struct {
	Agent      string  `json:"agent"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Failed     bool    `json:"failed,omitempty"`
}

// RunContext is the working set for a single request, threaded through
// classification, decomposition, execution, and aggregation.
//
// TaskInput and DepOutputs are set per task by the executor on a shallow
// copy; agents read them instead of Query when non-empty. Partial maps node
// id to its materialized output and is written only between topological
// layers, so in-layer readers need no locking.
type RunContext struct {
	Query      string
	SessionID  string
	History    []Message
	MemoryHits []MemoryHit
	Routing    RoutingDecision
	Graph      *TaskGraph
	TaskInput  string
	DepOutputs []AgentResponse
	Partial    map[int]AgentResponse
}

// Input returns the text this invocation should answer: the task input for
// graph nodes, the raw query otherwise.
func (rc *RunContext) Input() string {
	if rc.TaskInput != "" {
		return rc.TaskInput
	}
	return rc.Query
}

// Override fabricates a RoutingDecision directly, bypassing the classifier.
// ForceSingle clamps to the first agent; ForceAll selects every active agent.
type Override struct {
	Agents      []string `json:"agents"`
	ForceSingle bool     `json:"force_single"`
	ForceAll    bool     `json:"force_all"`
}

// Request is the facade-level input for one query.
type Request struct {
	Query     string    `json:"query"`
	SessionID string    `json:"session_id,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Overrides *Override `json:"overrides,omitempty"`
}

// Response is the facade-level result of one query.
type Response struct {
	Content      string        `json:"content"`
	SessionID    string        `json:"session_id"`
	Contributors []Contributor `json:"contributors"`
	DurationMS   int64         `json:"duration_ms"`
}

// RunState tracks a request through the orchestrator's state machine.
type RunState string

const (
	StateReceived    RunState = "received"
	StateClassified  RunState = "classified"
	StateDecomposed  RunState = "decomposed"
	StateDispatched  RunState = "dispatched"
	StateAggregating RunState = "aggregating"
	StatePersisted   RunState = "persisted"
	StateDone        RunState = "done"
	StateFailed      RunState = "failed"
	StateCancelled   RunState = "cancelled"
)

// ExportBlob is the round-trippable snapshot produced by Memory.Export and
// consumed by Memory.Import.
type ExportBlob struct {
	Version       int              `json:"version"`
	Sessions      []SessionExport  `json:"sessions"`
	VectorRecords []VectorRecord   `json:"vector_records"`
	Documents     []DocumentRecord `json:"documents"`
	Relations     []Relation       `json:"relations"`
}

// SessionExport is one session plus its full message log.
type SessionExport struct {
	Session  Session   `json:"session"`
	Messages []Message `json:"messages"`
}

// ExportVersion is the current ExportBlob schema version.
const ExportVersion = 1

// MemoryStats reports per-kind record counts for the control surface.
type MemoryStats struct {
	Vectors   int `json:"vectors"`
	Documents int `json:"documents"`
	Relations int `json:"relations"`
}
