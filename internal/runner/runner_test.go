package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/flow-bot/internal/models"
	"github.com/xaenox/flow-bot/internal/storage"
	"github.com/xaenox/flow-bot/internal/tools"
	"go.uber.org/zap"
)

type llmStep struct {
	msg openai.ChatCompletionMessage
	err error
}

// scriptedLLM replays a fixed sequence of responses; the last step repeats
// once the script is exhausted.
type scriptedLLM struct {
	steps []llmStep
	calls int
}

func (s *scriptedLLM) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	step := s.steps[i]
	if step.err != nil {
		return openai.ChatCompletionResponse{}, step.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: step.msg}},
	}, nil
}

func assistantText(text string) llmStep {
	return llmStep{msg: openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: text,
	}}
}

func assistantToolCall(callID, name, args string) llmStep {
	return llmStep{msg: openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{{
			ID:   callID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      name,
				Arguments: args,
			},
		}},
	}}
}

type stubToolService struct {
	mu       sync.Mutex
	tools    map[string][]tools.Tool
	listErr  error
	executed []string
	output   string
	execErr  error
}

func (s *stubToolService) List(ctx context.Context, userID int64, toolkit string, limit int) ([]tools.Tool, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.tools[toolkit], nil
}

func (s *stubToolService) Execute(ctx context.Context, userID int64, name string, args json.RawMessage) (string, error) {
	s.mu.Lock()
	s.executed = append(s.executed, name)
	s.mu.Unlock()
	if s.execErr != nil {
		return "", s.execErr
	}
	return s.output, nil
}

func testWorkflow() *models.Workflow {
	return &models.Workflow{
		ID:       "W1",
		UserID:   1,
		Title:    "Email digest",
		Content:  "Summarize unread email",
		Toolkits: []string{"gmail"},
	}
}

func gmailService() *stubToolService {
	return &stubToolService{
		tools: map[string][]tools.Tool{
			"gmail": {{
				Name:        "list_emails",
				Description: "List recent emails",
				Toolkit:     "gmail",
				Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			}},
		},
		output: "3 unread emails",
	}
}

func newWorkflowRunner(store storage.Storage, llm ChatCompleter, service tools.Service) *WorkflowRunner {
	loader := tools.NewLoader(service, 20, zap.NewNop())
	return NewWorkflowRunner(store, loader, llm, service, "test-model", 512, 10, zap.NewNop())
}

func TestWorkflowRunnerPersistsFullTraceInOrder(t *testing.T) {
	store := storage.NewMemoryStorage()
	service := gmailService()
	llm := &scriptedLLM{steps: []llmStep{
		assistantToolCall("call-1", "list_emails", `{}`),
		assistantText("You have 3 unread emails."),
	}}

	text, err := newWorkflowRunner(store, llm, service).Run(
		context.Background(), 1, testWorkflow(), "t1", nil, "what's in my inbox?")

	require.NoError(t, err)
	assert.Equal(t, "You have 3 unread emails.", text)
	assert.Equal(t, []string{"list_emails"}, service.executed)

	msgs, err := store.GetRecentMessages(context.Background(), "t1", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	// assistant tool call, tool result, final assistant text
	assert.Equal(t, models.RoleAssistant, msgs[0].Role)
	require.Len(t, msgs[0].Parts, 1)
	assert.Equal(t, models.PartToolCall, msgs[0].Parts[0].Type)
	assert.Equal(t, "list_emails", msgs[0].Parts[0].ToolCall.Name)

	assert.Equal(t, models.RoleTool, msgs[1].Role)
	require.Len(t, msgs[1].Parts, 1)
	assert.Equal(t, models.PartToolResult, msgs[1].Parts[0].Type)
	assert.Equal(t, "3 unread emails", msgs[1].Parts[0].ToolResult.Result)

	assert.Equal(t, models.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "You have 3 unread emails.", msgs[2].Content)

	for _, msg := range msgs {
		assert.Equal(t, models.StatusSuccess, msg.Status)
	}
}

func TestWorkflowRunnerAllOrNothingOnGenerationFailure(t *testing.T) {
	store := storage.NewMemoryStorage()
	service := gmailService()
	llm := &scriptedLLM{steps: []llmStep{
		assistantToolCall("call-1", "list_emails", `{}`),
		{err: errors.New("model unavailable")},
	}}

	text, err := newWorkflowRunner(store, llm, service).Run(
		context.Background(), 1, testWorkflow(), "t1", nil, "what's in my inbox?")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.Empty(t, text)

	// The completed first step must not have been persisted.
	msgs, err := store.GetRecentMessages(context.Background(), "t1", 100)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestWorkflowRunnerEmptyToolkitsSkipsLoading(t *testing.T) {
	store := storage.NewMemoryStorage()
	service := &stubToolService{listErr: errors.New("should not be called")}
	llm := &scriptedLLM{steps: []llmStep{assistantText("hello")}}

	workflow := testWorkflow()
	workflow.Toolkits = nil

	text, err := newWorkflowRunner(store, llm, service).Run(
		context.Background(), 1, workflow, "t1", nil, "hi")

	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestWorkflowRunnerToolLoadFailure(t *testing.T) {
	store := storage.NewMemoryStorage()
	service := &stubToolService{listErr: errors.New("service down")}
	llm := &scriptedLLM{steps: []llmStep{assistantText("unreachable")}}

	_, err := newWorkflowRunner(store, llm, service).Run(
		context.Background(), 1, testWorkflow(), "t1", nil, "hi")

	require.Error(t, err)
	assert.ErrorIs(t, err, tools.ErrToolLoad)
	assert.Zero(t, llm.calls)
}

func TestInvalidToolArgumentsBecomeErrorResult(t *testing.T) {
	store := storage.NewMemoryStorage()
	service := gmailService()
	llm := &scriptedLLM{steps: []llmStep{
		assistantToolCall("call-1", "list_emails", `{"broken`),
		assistantText("done"),
	}}

	_, err := newWorkflowRunner(store, llm, service).Run(
		context.Background(), 1, testWorkflow(), "t1", nil, "hi")

	require.NoError(t, err)
	// The malformed call never reaches the tool service.
	assert.Empty(t, service.executed)

	msgs, err := store.GetRecentMessages(context.Background(), "t1", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Len(t, msgs[1].Parts, 1)
	assert.True(t, msgs[1].Parts[0].ToolResult.IsErr)
}

func TestRunStopsAtStepCap(t *testing.T) {
	store := storage.NewMemoryStorage()
	service := gmailService()
	// The model never stops asking for tools.
	llm := &scriptedLLM{steps: []llmStep{
		assistantToolCall("call-1", "list_emails", `{}`),
	}}

	loader := tools.NewLoader(service, 20, zap.NewNop())
	r := NewWorkflowRunner(store, loader, llm, service, "test-model", 512, 3, zap.NewNop())

	_, err := r.Run(context.Background(), 1, testWorkflow(), "t1", nil, "loop forever")

	require.NoError(t, err)
	assert.Equal(t, 3, llm.calls)
	assert.Len(t, service.executed, 3)
}
