package storage

import (
	"context"
	"errors"

	"github.com/xaenox/flow-bot/internal/models"
)

// Storage is the persistence boundary for the routing pipeline. Messages are
// append-only: content is never rewritten after insert, only status and error
// may be patched by id. Range queries are ordered by creation time.
type Storage interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error

	// GetOrCreateThread returns the user's single thread, creating it on
	// first contact. Exactly one thread per user.
	GetOrCreateThread(ctx context.Context, userID int64) (*models.Thread, error)
	TouchThread(ctx context.Context, threadID string) error

	AppendMessage(ctx context.Context, msg *models.Message) error
	// AppendMessages inserts the batch in one transaction, preserving slice
	// order in creation-time ordering.
	AppendMessages(ctx context.Context, msgs []*models.Message) error
	UpdateMessageStatus(ctx context.Context, messageID string, status models.MessageStatus, errText string) error
	// GetRecentMessages returns the last n messages of a thread,
	// oldest-first.
	GetRecentMessages(ctx context.Context, threadID string, n int) ([]*models.Message, error)

	ListWorkflows(ctx context.Context, userID int64) ([]*models.Workflow, error)
	ListActiveToolkits(ctx context.Context, userID int64) ([]string, error)

	Close() error
}

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("storage: not found")
