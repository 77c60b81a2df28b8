package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSuccess MessageStatus = "success"
	StatusFailed  MessageStatus = "failed"
)

// User represents a platform user, keyed by their messaging-channel id
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Thread is the single durable conversation context for one user
type Thread struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Message is one entry in a thread's append-only log. Content carries plain
// text; Parts carries the structured trace (tool calls and results) for
// assistant and tool messages. Status and Error are the only fields that may
// change after creation.
type Message struct {
	ID        string        `json:"id"`
	ThreadID  string        `json:"thread_id"`
	UserID    int64         `json:"user_id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Parts     []Part        `json:"parts,omitempty"`
	Status    MessageStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is a tagged union over message content kinds. Exactly one of the
// payload fields is set, selected by Type.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCall   *ToolCallPart   `json:"tool_call,omitempty"`
	ToolResult *ToolResultPart `json:"tool_result,omitempty"`
}

type ToolCallPart struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ToolResultPart struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Result string `json:"result"`
	IsErr  bool   `json:"is_err,omitempty"`
}

type ConnectionStatus string

const (
	ConnectionInitiated ConnectionStatus = "INITIATED"
	ConnectionActive    ConnectionStatus = "ACTIVE"
)

// Connection links a user to one external toolkit. Only ACTIVE connections
// contribute toolkits to routing and tool loading.
type Connection struct {
	ID        string           `json:"id"`
	UserID    int64            `json:"user_id"`
	Toolkit   string           `json:"toolkit"`
	Status    ConnectionStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// Workflow is a saved natural-language automation description plus the
// toolkits it requires, derived from its linked connections.
type Workflow struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Toolkits  []string  `json:"toolkits"`
	CreatedAt time.Time `json:"created_at"`
}

type RouteAction string

const (
	ActionRun  RouteAction = "RUN"
	ActionSkip RouteAction = "SKIP"
)

// RouterDecision is the parsed model output driving the run-or-chat branch.
// Ephemeral: produced per inbound message, never persisted.
type RouterDecision struct {
	Action     RouteAction `json:"action"`
	WorkflowID string      `json:"workflowId,omitempty"`
	Confidence float64     `json:"confidence"`
	Reason     string      `json:"reason,omitempty"`
}

// RoutingOutcome is the router's validated result.
type RoutingOutcome struct {
	Decision            RouterDecision `json:"decision"`
	Selected            *Workflow      `json:"selected,omitempty"`
	WorkflowsConsidered int            `json:"workflows_considered"`
}
