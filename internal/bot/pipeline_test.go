package bot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/flow-bot/internal/models"
	"github.com/xaenox/flow-bot/internal/storage"
	"go.uber.org/zap"
)

type stubRouter struct {
	outcome *models.RoutingOutcome
	err     error
	calls   int
}

func (s *stubRouter) Route(ctx context.Context, userID int64, input string, history []*models.Message) (*models.RoutingOutcome, error) {
	s.calls++
	return s.outcome, s.err
}

type stubWorkflowRunner struct {
	text  string
	err   error
	calls int
	wfID  string
}

func (s *stubWorkflowRunner) Run(ctx context.Context, userID int64, workflow *models.Workflow, threadID string, history []*models.Message, input string) (string, error) {
	s.calls++
	s.wfID = workflow.ID
	return s.text, s.err
}

type stubGenericRunner struct {
	text  string
	err   error
	calls int
}

func (s *stubGenericRunner) Run(ctx context.Context, userID int64, threadID string, history []*models.Message, input string) (string, error) {
	s.calls++
	return s.text, s.err
}

func skipOutcome() *models.RoutingOutcome {
	return &models.RoutingOutcome{
		Decision: models.RouterDecision{Action: models.ActionSkip, Reason: "no-selection"},
	}
}

func runOutcome(wf *models.Workflow) *models.RoutingOutcome {
	return &models.RoutingOutcome{
		Decision: models.RouterDecision{Action: models.ActionRun, WorkflowID: wf.ID, Confidence: 0.9},
		Selected: wf,
	}
}

func setupUser(t *testing.T) *storage.MemoryStorage {
	t.Helper()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.CreateUser(context.Background(), &models.User{ID: 1, Name: "Ada"}))
	return store
}

func TestHandleUnknownUserReturnsOnboarding(t *testing.T) {
	store := storage.NewMemoryStorage()
	router := &stubRouter{outcome: skipOutcome()}
	pipeline := NewPipeline(store, router, &stubWorkflowRunner{}, &stubGenericRunner{}, 20, zap.NewNop())

	reply := pipeline.Handle(context.Background(), Inbound{SenderID: 99, Text: "hello"})

	assert.Equal(t, OnboardingMessage, reply)
	assert.Zero(t, router.calls)
}

func TestHandleRunBranchInvokesWorkflowRunner(t *testing.T) {
	store := setupUser(t)
	wf := &models.Workflow{ID: "W1", UserID: 1, Title: "Email digest"}
	router := &stubRouter{outcome: runOutcome(wf)}
	workflowRunner := &stubWorkflowRunner{text: "digest sent"}
	genericRunner := &stubGenericRunner{}
	pipeline := NewPipeline(store, router, workflowRunner, genericRunner, 20, zap.NewNop())

	reply := pipeline.Handle(context.Background(), Inbound{SenderID: 1, Text: "send my digest"})

	assert.Equal(t, "digest sent", reply)
	assert.Equal(t, 1, workflowRunner.calls)
	assert.Equal(t, "W1", workflowRunner.wfID)
	assert.Zero(t, genericRunner.calls)
}

func TestHandleSkipBranchInvokesGenericRunner(t *testing.T) {
	store := setupUser(t)
	router := &stubRouter{outcome: skipOutcome()}
	workflowRunner := &stubWorkflowRunner{}
	genericRunner := &stubGenericRunner{text: "hi there"}
	pipeline := NewPipeline(store, router, workflowRunner, genericRunner, 20, zap.NewNop())

	reply := pipeline.Handle(context.Background(), Inbound{SenderID: 1, Text: "hello"})

	assert.Equal(t, "hi there", reply)
	assert.Equal(t, 1, genericRunner.calls)
	assert.Zero(t, workflowRunner.calls)
}

func TestHandleRunnerFailureReturnsApology(t *testing.T) {
	store := setupUser(t)
	router := &stubRouter{outcome: skipOutcome()}
	genericRunner := &stubGenericRunner{err: errors.New("model down")}
	pipeline := NewPipeline(store, router, &stubWorkflowRunner{}, genericRunner, 20, zap.NewNop())

	reply := pipeline.Handle(context.Background(), Inbound{SenderID: 1, Text: "hello"})

	assert.Equal(t, ApologyMessage, reply)

	// Inbound message is kept and marked failed.
	thread, err := store.GetOrCreateThread(context.Background(), 1)
	require.NoError(t, err)
	msgs, err := store.GetRecentMessages(context.Background(), thread.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusFailed, msgs[0].Status)
	assert.NotEmpty(t, msgs[0].Error)
}

func TestHandleMarksInboundSuccess(t *testing.T) {
	store := setupUser(t)
	router := &stubRouter{outcome: skipOutcome()}
	pipeline := NewPipeline(store, router, &stubWorkflowRunner{}, &stubGenericRunner{text: "ok"}, 20, zap.NewNop())

	_ = pipeline.Handle(context.Background(), Inbound{SenderID: 1, Text: "hello"})

	thread, err := store.GetOrCreateThread(context.Background(), 1)
	require.NoError(t, err)
	msgs, err := store.GetRecentMessages(context.Background(), thread.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.StatusSuccess, msgs[0].Status)
}

type touchRecorder struct {
	*storage.MemoryStorage
	touched []string
}

func (t *touchRecorder) TouchThread(ctx context.Context, threadID string) error {
	t.touched = append(t.touched, threadID)
	return t.MemoryStorage.TouchThread(ctx, threadID)
}

func TestHandleTouchesThreadOnSuccess(t *testing.T) {
	store := &touchRecorder{MemoryStorage: setupUser(t)}
	router := &stubRouter{outcome: skipOutcome()}
	pipeline := NewPipeline(store, router, &stubWorkflowRunner{}, &stubGenericRunner{text: "ok"}, 20, zap.NewNop())

	_ = pipeline.Handle(context.Background(), Inbound{SenderID: 1, Text: "hello"})

	thread, err := store.GetOrCreateThread(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{thread.ID}, store.touched)
}

func TestHandleDoesNotTouchThreadOnFailure(t *testing.T) {
	store := &touchRecorder{MemoryStorage: setupUser(t)}
	router := &stubRouter{outcome: skipOutcome()}
	genericRunner := &stubGenericRunner{err: errors.New("model down")}
	pipeline := NewPipeline(store, router, &stubWorkflowRunner{}, genericRunner, 20, zap.NewNop())

	_ = pipeline.Handle(context.Background(), Inbound{SenderID: 1, Text: "hello"})

	assert.Empty(t, store.touched)
}

func TestHandleRoutingFailureReturnsApology(t *testing.T) {
	store := setupUser(t)
	router := &stubRouter{err: errors.New("storage down")}
	genericRunner := &stubGenericRunner{}
	pipeline := NewPipeline(store, router, &stubWorkflowRunner{}, genericRunner, 20, zap.NewNop())

	reply := pipeline.Handle(context.Background(), Inbound{SenderID: 1, Text: "hello"})

	assert.Equal(t, ApologyMessage, reply)
	assert.Zero(t, genericRunner.calls)
}

func TestHandleEmptyRunnerTextFallsBack(t *testing.T) {
	store := setupUser(t)
	router := &stubRouter{outcome: skipOutcome()}
	pipeline := NewPipeline(store, router, &stubWorkflowRunner{}, &stubGenericRunner{text: ""}, 20, zap.NewNop())

	reply := pipeline.Handle(context.Background(), Inbound{SenderID: 1, Text: "hello"})

	assert.Equal(t, "Done.", reply)
}
