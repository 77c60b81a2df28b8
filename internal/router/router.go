package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/flow-bot/internal/models"
	"github.com/xaenox/flow-bot/internal/storage"
	"go.uber.org/zap"
)

const (
	// Hard character cuts keeping the routing prompt a bounded size.
	workflowContentLimit = 2000
	contextTextLimit     = 500
	contextPartLimit     = 300

	defaultMaxWorkflows  = 10
	defaultMinConfidence = 0.55
)

// Skip reasons reported in the routing outcome.
const (
	ReasonInvalidJSON        = "invalid-json"
	ReasonUnknownWorkflow    = "unknown-workflow"
	ReasonLowConfidence      = "low-confidence"
	ReasonMissingConnections = "missing-connections"
	ReasonNoSelection        = "no-selection"
)

// ChatCompleter is the slice of the OpenAI client the router needs.
// *openai.Client satisfies it.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Router decides, per inbound message, whether one of the user's workflows
// should run or the message falls through to generic chat. Read-only: its
// only side effect is the model call.
type Router struct {
	storage       storage.Storage
	llm           ChatCompleter
	model         string
	maxWorkflows  int
	minConfidence float64
	logger        *zap.Logger
}

func New(store storage.Storage, llm ChatCompleter, model string, maxWorkflows int, minConfidence float64, logger *zap.Logger) *Router {
	if maxWorkflows <= 0 {
		maxWorkflows = defaultMaxWorkflows
	}
	if minConfidence <= 0 {
		minConfidence = defaultMinConfidence
	}
	return &Router{
		storage:       store,
		llm:           llm,
		model:         model,
		maxWorkflows:  maxWorkflows,
		minConfidence: minConfidence,
		logger:        logger,
	}
}

const routerSystemPrompt = `You decide whether a user's message should trigger one of their saved workflows.

You are given the message, recent conversation context, and the user's workflows with the toolkits each requires and whether all required toolkits are connected.

Pick at most one workflow. Only pick a workflow when the message clearly asks for what it automates. When in doubt, skip.

Respond with strict JSON and nothing else:
{"action": "RUN" | "SKIP", "workflowId": "<id when action is RUN>", "confidence": <0..1>, "reason": "<short reason>"}`

type candidate struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Content           string   `json:"content"`
	Toolkits          []string `json:"toolkits"`
	HasAllConnections bool     `json:"hasAllConnections"`
}

type contextEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type routerPayload struct {
	Message   string         `json:"message"`
	Context   []contextEntry `json:"context"`
	Workflows []candidate    `json:"workflows"`
}

// Route fetches the user's workflows and connected toolkits concurrently,
// asks the model for a decision, and validates it. Malformed model output is
// absorbed into a SKIP outcome; only infrastructure failures return an error.
func (r *Router) Route(ctx context.Context, userID int64, input string, history []*models.Message) (*models.RoutingOutcome, error) {
	var (
		wg           sync.WaitGroup
		workflows    []*models.Workflow
		toolkits     []string
		wfErr, tkErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		workflows, wfErr = r.storage.ListWorkflows(ctx, userID)
	}()
	go func() {
		defer wg.Done()
		toolkits, tkErr = r.storage.ListActiveToolkits(ctx, userID)
	}()
	wg.Wait()

	if wfErr != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", wfErr)
	}
	if tkErr != nil {
		return nil, fmt.Errorf("failed to list toolkits: %w", tkErr)
	}

	// Stable storage order, first maxWorkflows only. No ranking.
	if len(workflows) > r.maxWorkflows {
		workflows = workflows[:r.maxWorkflows]
	}

	connected := make(map[string]struct{}, len(toolkits))
	for _, tk := range toolkits {
		connected[tk] = struct{}{}
	}

	candidates := make([]candidate, len(workflows))
	for i, wf := range workflows {
		candidates[i] = candidate{
			ID:                wf.ID,
			Title:             wf.Title,
			Content:           truncate(wf.Content, workflowContentLimit),
			Toolkits:          wf.Toolkits,
			HasAllConnections: hasAllConnections(wf, connected),
		}
	}

	payload, err := json.Marshal(routerPayload{
		Message:   input,
		Context:   compactContext(history),
		Workflows: candidates,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode router payload: %w", err)
	}

	resp, err := r.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: routerSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get routing decision: %w", err)
	}

	var raw string
	if len(resp.Choices) > 0 {
		raw = resp.Choices[0].Message.Content
	}

	outcome := r.validate(parseDecision(raw), workflows, connected)
	outcome.WorkflowsConsidered = len(workflows)

	r.logger.Debug("Routing decision",
		zap.Int64("user_id", userID),
		zap.String("action", string(outcome.Decision.Action)),
		zap.String("workflow_id", outcome.Decision.WorkflowID),
		zap.Float64("confidence", outcome.Decision.Confidence),
		zap.String("reason", outcome.Decision.Reason),
		zap.Int("workflows_considered", outcome.WorkflowsConsidered))

	return outcome, nil
}

// parseDecision decodes the model's text output. The response format already
// requests a JSON object; the first-{-to-last-} extraction is the defensive
// path for models that wrap the object in prose or fences. Any failure maps
// to a SKIP decision, never an error.
func parseDecision(raw string) models.RouterDecision {
	invalid := models.RouterDecision{
		Action:     models.ActionSkip,
		Confidence: 0,
		Reason:     ReasonInvalidJSON,
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return invalid
	}

	var decision models.RouterDecision
	if err := json.Unmarshal([]byte(raw[start:end+1]), &decision); err != nil {
		return invalid
	}

	if decision.Action != models.ActionRun && decision.Action != models.ActionSkip {
		return invalid
	}
	if decision.Confidence < 0 {
		decision.Confidence = 0
	}
	if decision.Confidence > 1 {
		decision.Confidence = 1
	}

	return decision
}

// validate reconciles the parsed decision against the capped candidate list
// and live connection state. The connection check outranks the confidence
// check when both fail.
func (r *Router) validate(decision models.RouterDecision, workflows []*models.Workflow, connected map[string]struct{}) *models.RoutingOutcome {
	if decision.Action != models.ActionRun {
		if decision.Reason == "" {
			decision.Reason = ReasonNoSelection
		}
		return &models.RoutingOutcome{Decision: decision}
	}

	var selected *models.Workflow
	for _, wf := range workflows {
		if wf.ID == decision.WorkflowID {
			selected = wf
			break
		}
	}
	if selected == nil {
		decision.Action = models.ActionSkip
		decision.Reason = ReasonUnknownWorkflow
		return &models.RoutingOutcome{Decision: decision}
	}

	if !hasAllConnections(selected, connected) {
		decision.Action = models.ActionSkip
		decision.Reason = ReasonMissingConnections
		return &models.RoutingOutcome{Decision: decision}
	}

	if decision.Confidence < r.minConfidence {
		decision.Action = models.ActionSkip
		decision.Reason = ReasonLowConfidence
		return &models.RoutingOutcome{Decision: decision}
	}

	return &models.RoutingOutcome{Decision: decision, Selected: selected}
}

func hasAllConnections(wf *models.Workflow, connected map[string]struct{}) bool {
	for _, tk := range wf.Toolkits {
		if _, ok := connected[tk]; !ok {
			return false
		}
	}
	return true
}

func compactContext(history []*models.Message) []contextEntry {
	entries := make([]contextEntry, 0, len(history))
	for _, msg := range history {
		if msg.Content != "" {
			entries = append(entries, contextEntry{
				Role: string(msg.Role),
				Text: truncate(msg.Content, contextTextLimit),
			})
			continue
		}
		for _, part := range msg.Parts {
			if part.Type == models.PartText && part.Text != "" {
				entries = append(entries, contextEntry{
					Role: string(msg.Role),
					Text: truncate(part.Text, contextPartLimit),
				})
			}
		}
	}
	return entries
}

// truncate hard-cuts s to at most limit bytes, backing up to the nearest
// rune boundary so the cut never emits invalid UTF-8.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
