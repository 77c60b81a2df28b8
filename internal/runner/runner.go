package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/flow-bot/internal/models"
	"github.com/xaenox/flow-bot/internal/tools"
	"go.uber.org/zap"
)

// ErrGeneration is returned when the model call itself failed mid-run.
var ErrGeneration = errors.New("failed to generate text")

// DefaultMaxSteps bounds the reasoning/tool-call loop of one run.
const DefaultMaxSteps = 10

// ChatCompleter is the slice of the OpenAI client the runners need.
// *openai.Client satisfies it.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// stepSink receives the messages produced by one completed loop step. A nil
// sink defers all persistence to the caller.
type stepSink func(ctx context.Context, msgs []*models.Message) error

// session runs one bounded multi-step model interaction: each step is a chat
// completion, tool calls are executed through the tool service, and the loop
// ends when a step produces no tool calls or the step cap is reached.
type session struct {
	llm       ChatCompleter
	service   tools.Service
	model     string
	maxTokens int
	maxSteps  int
	logger    *zap.Logger
}

// run returns the final assistant text (empty when the model produced none)
// and the ordered trace of every message the run generated.
func (s *session) run(ctx context.Context, userID int64, threadID, system string, history []*models.Message, input string, toolset tools.ToolSet, sink stepSink) (string, []*models.Message, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	msgs = append(msgs, convertHistory(history)...)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: input,
	})

	oaiTools := convertTools(toolset)

	var (
		trace     []*models.Message
		finalText string
	)

	for step := 0; step < s.maxSteps; step++ {
		req := openai.ChatCompletionRequest{
			Model:     s.model,
			Messages:  msgs,
			MaxTokens: s.maxTokens,
		}
		if len(oaiTools) > 0 {
			req.Tools = oaiTools
		}

		resp, err := s.llm.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", trace, fmt.Errorf("%w: %w", ErrGeneration, err)
		}
		if len(resp.Choices) == 0 {
			return "", trace, fmt.Errorf("%w: model returned no choices", ErrGeneration)
		}

		choice := resp.Choices[0].Message
		finalText = choice.Content

		assistant := &models.Message{
			ID:       uuid.New().String(),
			ThreadID: threadID,
			UserID:   userID,
			Role:     models.RoleAssistant,
			Content:  choice.Content,
			Status:   models.StatusSuccess,
		}
		for _, tc := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, models.Part{
				Type: models.PartToolCall,
				ToolCall: &models.ToolCallPart{
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: json.RawMessage(tc.Function.Arguments),
				},
			})
		}

		stepMsgs := []*models.Message{assistant}
		msgs = append(msgs, choice)

		if len(choice.ToolCalls) == 0 {
			trace = append(trace, stepMsgs...)
			if sink != nil {
				if err := sink(ctx, stepMsgs); err != nil {
					return finalText, trace, err
				}
			}
			return finalText, trace, nil
		}

		for _, tc := range choice.ToolCalls {
			result, isErr := s.executeCall(ctx, userID, tc)

			stepMsgs = append(stepMsgs, &models.Message{
				ID:       uuid.New().String(),
				ThreadID: threadID,
				UserID:   userID,
				Role:     models.RoleTool,
				Status:   models.StatusSuccess,
				Parts: []models.Part{{
					Type: models.PartToolResult,
					ToolResult: &models.ToolResultPart{
						CallID: tc.ID,
						Name:   tc.Function.Name,
						Result: result,
						IsErr:  isErr,
					},
				}},
			})
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			})
		}

		trace = append(trace, stepMsgs...)
		if sink != nil {
			if err := sink(ctx, stepMsgs); err != nil {
				return finalText, trace, err
			}
		}
	}

	s.logger.Warn("Run hit step cap",
		zap.Int64("user_id", userID),
		zap.String("thread_id", threadID),
		zap.Int("max_steps", s.maxSteps))

	return finalText, trace, nil
}

// executeCall runs one tool call. Malformed arguments and execution failures
// become error tool results fed back to the model, not run failures.
func (s *session) executeCall(ctx context.Context, userID int64, tc openai.ToolCall) (string, bool) {
	args := json.RawMessage(tc.Function.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return fmt.Sprintf("invalid tool arguments for %s", tc.Function.Name), true
	}

	result, err := s.service.Execute(ctx, userID, tc.Function.Name, args)
	if err != nil {
		s.logger.Warn("Tool execution failed",
			zap.Error(err),
			zap.Int64("user_id", userID),
			zap.String("tool", tc.Function.Name))
		return fmt.Sprintf("tool %s failed: %v", tc.Function.Name, err), true
	}

	return result, false
}

// convertHistory maps stored messages to chat messages. Only plain text from
// user and assistant turns is replayed; past tool traces reference call ids
// the model no longer holds.
func convertHistory(history []*models.Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case models.RoleUser:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case models.RoleAssistant:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			})
		}
	}
	return msgs
}

func convertTools(toolset tools.ToolSet) []openai.Tool {
	if len(toolset) == 0 {
		return nil
	}

	names := make([]string, 0, len(toolset))
	for name := range toolset {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]openai.Tool, 0, len(names))
	for _, name := range names {
		tool := toolset[name]

		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			// A bad schema degrades to an empty object so the rest of
			// the tool set still works.
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}

	return result
}
