package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/flow-bot/internal/models"
)

type MemoryStorage struct {
	mu          sync.RWMutex
	users       map[int64]*models.User
	threads     map[int64]*models.Thread
	messages    map[string]*models.Message
	connections []*models.Connection
	workflows   []*models.Workflow
	seq         int64
	order       map[string]int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:    make(map[int64]*models.User),
		threads:  make(map[int64]*models.Thread),
		messages: make(map[string]*models.Message),
		order:    make(map[string]int64),
	}
}

func (s *MemoryStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if user, exists := s.users[id]; exists {
		copied := *user
		return &copied, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.Phone == phone {
			copied := *user
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	copied := *user
	s.users[user.ID] = &copied
	return nil
}

func (s *MemoryStorage) GetOrCreateThread(ctx context.Context, userID int64) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if thread, exists := s.threads[userID]; exists {
		thread.LastUsedAt = time.Now()
		copied := *thread
		return &copied, nil
	}

	thread := &models.Thread{
		ID:         uuid.New().String(),
		UserID:     userID,
		CreatedAt:  time.Now(),
		LastUsedAt: time.Now(),
	}
	s.threads[userID] = thread
	copied := *thread
	return &copied, nil
}

func (s *MemoryStorage) TouchThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, thread := range s.threads {
		if thread.ID == threadID {
			thread.LastUsedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(msg)
	return nil
}

func (s *MemoryStorage) AppendMessages(ctx context.Context, msgs []*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range msgs {
		s.appendLocked(msg)
	}
	return nil
}

func (s *MemoryStorage) appendLocked(msg *models.Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.seq++
	copied := *msg
	s.messages[msg.ID] = &copied
	s.order[msg.ID] = s.seq
}

func (s *MemoryStorage) UpdateMessageStatus(ctx context.Context, messageID string, status models.MessageStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, exists := s.messages[messageID]
	if !exists {
		return ErrNotFound
	}
	msg.Status = status
	msg.Error = errText
	return nil
}

func (s *MemoryStorage) GetRecentMessages(ctx context.Context, threadID string, n int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*models.Message
	for _, msg := range s.messages {
		if msg.ThreadID == threadID {
			all = append(all, msg)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		return s.order[all[i].ID] < s.order[all[j].ID]
	})

	if len(all) > n {
		all = all[len(all)-n:]
	}

	result := make([]*models.Message, len(all))
	for i, msg := range all {
		copied := *msg
		result[i] = &copied
	}
	return result, nil
}

func (s *MemoryStorage) AddWorkflow(wf *models.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now()
	}
	copied := *wf
	s.workflows = append(s.workflows, &copied)
}

func (s *MemoryStorage) AddConnection(conn *models.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	copied := *conn
	s.connections = append(s.connections, &copied)
}

func (s *MemoryStorage) ListWorkflows(ctx context.Context, userID int64) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Workflow
	for _, wf := range s.workflows {
		if wf.UserID == userID {
			copied := *wf
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (s *MemoryStorage) ListActiveToolkits(ctx context.Context, userID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var toolkits []string
	for _, conn := range s.connections {
		if conn.UserID != userID || conn.Status != models.ConnectionActive {
			continue
		}
		if _, ok := seen[conn.Toolkit]; ok {
			continue
		}
		seen[conn.Toolkit] = struct{}{}
		toolkits = append(toolkits, conn.Toolkit)
	}
	return toolkits, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
