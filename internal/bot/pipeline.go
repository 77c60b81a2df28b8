package bot

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/xaenox/flow-bot/internal/models"
	"github.com/xaenox/flow-bot/internal/storage"
	"go.uber.org/zap"
)

const (
	// OnboardingMessage is sent to senders with no account, without any
	// model call.
	OnboardingMessage = `Welcome! I don't have an account for you yet. Send /start to set one up.`

	// ApologyMessage is the only error text that ever reaches the user.
	ApologyMessage = `Sorry, something went wrong on my side. Please try again in a moment.`

	defaultContextWindow = 20
)

// Inbound is a normalized channel message.
type Inbound struct {
	SenderID int64
	Name     string
	Text     string
	SourceID string
}

// Router decides whether an inbound message runs a workflow.
type Router interface {
	Route(ctx context.Context, userID int64, input string, history []*models.Message) (*models.RoutingOutcome, error)
}

// WorkflowRunner executes a selected workflow.
type WorkflowRunner interface {
	Run(ctx context.Context, userID int64, workflow *models.Workflow, threadID string, history []*models.Message, input string) (string, error)
}

// GenericRunner is the fallback chat path.
type GenericRunner interface {
	Run(ctx context.Context, userID int64, threadID string, history []*models.Message, input string) (string, error)
}

// Pipeline composes the routing and execution path for one inbound message:
// resolve user, fetch context, route, run, reply. All surfaced failures map
// to the fixed apology text; nothing technical reaches the channel.
type Pipeline struct {
	storage        storage.Storage
	router         Router
	workflowRunner WorkflowRunner
	genericRunner  GenericRunner
	contextWindow  int
	logger         *zap.Logger
}

func NewPipeline(store storage.Storage, router Router, wf WorkflowRunner, generic GenericRunner, contextWindow int, logger *zap.Logger) *Pipeline {
	if contextWindow <= 0 {
		contextWindow = defaultContextWindow
	}
	return &Pipeline{
		storage:        store,
		router:         router,
		workflowRunner: wf,
		genericRunner:  generic,
		contextWindow:  contextWindow,
		logger:         logger,
	}
}

// Handle processes one inbound message and returns the outbound reply text.
func (p *Pipeline) Handle(ctx context.Context, in Inbound) string {
	user, err := p.storage.GetUser(ctx, in.SenderID)
	if errors.Is(err, storage.ErrNotFound) {
		return OnboardingMessage
	}
	if err != nil {
		p.logger.Error("Failed to resolve user",
			zap.Error(err),
			zap.Int64("sender_id", in.SenderID))
		return ApologyMessage
	}

	thread, err := p.storage.GetOrCreateThread(ctx, user.ID)
	if err != nil {
		p.logger.Error("Failed to get thread",
			zap.Error(err),
			zap.Int64("user_id", user.ID))
		return ApologyMessage
	}

	// Context is fetched before the inbound message is appended so the
	// input is not duplicated into its own history.
	history, err := p.storage.GetRecentMessages(ctx, thread.ID, p.contextWindow)
	if err != nil {
		p.logger.Error("Failed to fetch context",
			zap.Error(err),
			zap.Int64("user_id", user.ID),
			zap.String("thread_id", thread.ID))
		return ApologyMessage
	}

	inboundMsg := &models.Message{
		ID:       uuid.New().String(),
		ThreadID: thread.ID,
		UserID:   user.ID,
		Role:     models.RoleUser,
		Content:  in.Text,
		Status:   models.StatusPending,
	}
	if err := p.storage.AppendMessage(ctx, inboundMsg); err != nil {
		p.logger.Error("Failed to persist inbound message",
			zap.Error(err),
			zap.Int64("user_id", user.ID))
		return ApologyMessage
	}

	outcome, err := p.router.Route(ctx, user.ID, in.Text, history)
	if err != nil {
		p.logger.Error("Routing failed",
			zap.Error(err),
			zap.Int64("user_id", user.ID))
		p.finishInbound(ctx, inboundMsg.ID, err)
		return ApologyMessage
	}

	var text string
	if outcome.Decision.Action == models.ActionRun && outcome.Selected != nil {
		text, err = p.workflowRunner.Run(ctx, user.ID, outcome.Selected, thread.ID, history, in.Text)
	} else {
		text, err = p.genericRunner.Run(ctx, user.ID, thread.ID, history, in.Text)
	}

	p.finishInbound(ctx, inboundMsg.ID, err)

	if err != nil {
		p.logger.Error("Run failed",
			zap.Error(err),
			zap.Int64("user_id", user.ID),
			zap.String("action", string(outcome.Decision.Action)))
		return ApologyMessage
	}

	// Thread activity reflects when the run finished, not when it started.
	if err := p.storage.TouchThread(ctx, thread.ID); err != nil {
		p.logger.Error("Failed to touch thread",
			zap.Error(err),
			zap.String("thread_id", thread.ID))
	}

	if text == "" {
		text = "Done."
	}
	return text
}

// finishInbound patches the inbound message's status once the run settled.
func (p *Pipeline) finishInbound(ctx context.Context, messageID string, runErr error) {
	status := models.StatusSuccess
	errText := ""
	if runErr != nil {
		status = models.StatusFailed
		errText = runErr.Error()
	}
	if err := p.storage.UpdateMessageStatus(ctx, messageID, status, errText); err != nil {
		p.logger.Error("Failed to update message status",
			zap.Error(err),
			zap.String("message_id", messageID))
	}
}
