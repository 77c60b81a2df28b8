package runner

import (
	"context"

	"github.com/xaenox/flow-bot/internal/models"
	"github.com/xaenox/flow-bot/internal/storage"
	"github.com/xaenox/flow-bot/internal/tools"
	"go.uber.org/zap"
)

const genericSystemPrompt = `You are a helpful personal assistant conversing over a messaging channel. Use the available tools when they help answer the user.

Guidelines:
- Keep answers short.
- Use structured lists when reporting multiple items.
- If you lack a connection or tool needed for a request, say so explicitly.`

// GenericRunner is the fallback chat path: the user's entire connected tool
// set, a general-purpose prompt, and per-step persistence — a mid-run failure
// keeps the steps that completed.
type GenericRunner struct {
	storage storage.Storage
	loader  *tools.Loader
	session *session
	logger  *zap.Logger
}

func NewGenericRunner(store storage.Storage, loader *tools.Loader, llm ChatCompleter, service tools.Service, model string, maxTokens, maxSteps int, logger *zap.Logger) *GenericRunner {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &GenericRunner{
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

func (r *GenericRunner) Run(ctx context.Context, userID int64, threadID string, history []*models.Message, input string) (string, error) {
	toolkits, err := r.storage.ListActiveToolkits(ctx, userID)
	if err != nil {
		return "", err
	}

	// When tools were expected but none could be loaded, fail before ever
	// touching the model.
	toolset, err := r.loader.Load(ctx, userID, toolkits)
	if err != nil {
		return "", err
	}

	r.logger.Info("Running generic agent",
		zap.Int64("user_id", userID),
		zap.Int("tools", len(toolset)))

	sink := func(ctx context.Context, msgs []*models.Message) error {
		return r.storage.AppendMessages(ctx, msgs)
	}

	text, _, err := r.session.run(ctx, userID, threadID, genericSystemPrompt, history, input, toolset, sink)
	if err != nil {
		return "", err
	}

	return text, nil
}
