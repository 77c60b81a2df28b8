package runner

import (
	"context"
	"fmt"

	"github.com/xaenox/flow-bot/internal/models"
	"github.com/xaenox/flow-bot/internal/storage"
	"github.com/xaenox/flow-bot/internal/tools"
	"go.uber.org/zap"
)

const workflowPromptHeader = `You are an automation assistant executing one of the user's saved workflows. Follow the workflow below exactly, using the available tools to carry out each step.`

const promptGuidelines = `Guidelines:
- Keep answers short.
- Use structured lists when reporting multiple items.
- If a required connection is unavailable at runtime, say so explicitly instead of improvising.`

// WorkflowRunner executes a routed workflow: tools scoped to the workflow's
// required toolkits, a workflow-specific system prompt, and all-or-nothing
// persistence — a failed run leaves no partial trace in the log.
type WorkflowRunner struct {
	storage storage.Storage
	loader  *tools.Loader
	session *session
	logger  *zap.Logger
}

func NewWorkflowRunner(store storage.Storage, loader *tools.Loader, llm ChatCompleter, service tools.Service, model string, maxTokens, maxSteps int, logger *zap.Logger) *WorkflowRunner {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &WorkflowRunner{
		storage: store,
		loader:  loader,
		session: &session{
			llm:       llm,
			service:   service,
			model:     model,
			maxTokens: maxTokens,
			maxSteps:  maxSteps,
			logger:    logger,
		},
		logger: logger,
	}
}

func (r *WorkflowRunner) Run(ctx context.Context, userID int64, workflow *models.Workflow, threadID string, history []*models.Message, input string) (string, error) {
	toolset, err := r.loader.Load(ctx, userID, workflow.Toolkits)
	if err != nil {
		return "", err
	}

	if len(workflow.Toolkits) == 0 {
		r.logger.Info("Running workflow without tools",
			zap.Int64("user_id", userID),
			zap.String("workflow_id", workflow.ID))
	} else {
		r.logger.Info("Running workflow",
			zap.Int64("user_id", userID),
			zap.String("workflow_id", workflow.ID),
			zap.Int("tools", len(toolset)))
	}

	system := workflowSystemPrompt(workflow)

	text, trace, err := r.session.run(ctx, userID, threadID, system, history, input, toolset, nil)
	if err != nil {
		return "", err
	}

	// One batch append covering every intermediate step, in response order.
	if err := r.storage.AppendMessages(ctx, trace); err != nil {
		return "", fmt.Errorf("failed to persist workflow trace: %w", err)
	}

	return text, nil
}

func workflowSystemPrompt(workflow *models.Workflow) string {
	return fmt.Sprintf("%s\n\nWorkflow: %s\n\n%s\n\n%s",
		workflowPromptHeader, workflow.Title, workflow.Content, promptGuidelines)
}
