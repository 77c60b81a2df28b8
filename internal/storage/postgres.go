package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/xaenox/flow-bot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

func (s *PostgresStorage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	query := `
		SELECT id, name, phone, created_at
		FROM users
		WHERE id = $1`

	user := &models.User{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Name, &user.Phone, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user: %w", err)
	}

	return user, nil
}

func (s *PostgresStorage) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	query := `
		SELECT id, name, phone, created_at
		FROM users
		WHERE phone = $1`

	user := &models.User{}
	err := s.db.QueryRowContext(ctx, query, phone).Scan(&user.ID, &user.Name, &user.Phone, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user by phone: %w", err)
	}

	return user, nil
}

func (s *PostgresStorage) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, name, phone)
		VALUES ($1, $2, $3)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query, user.ID, user.Name, user.Phone).Scan(&user.CreatedAt)
	if err != nil {
		return fmt.Errorf("error creating user: %w", err)
	}

	return nil
}

// GetOrCreateThread upserts against the threads_user_unique constraint, so
// concurrent first-contact messages from the same user still resolve to
// exactly one thread.
func (s *PostgresStorage) GetOrCreateThread(ctx context.Context, userID int64) (*models.Thread, error) {
	query := `
		INSERT INTO threads (id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET last_used_at = NOW()
		RETURNING id, user_id, created_at, last_used_at`

	thread := &models.Thread{}
	err := s.db.QueryRowContext(ctx, query, uuid.New().String(), userID).Scan(
		&thread.ID,
		&thread.UserID,
		&thread.CreatedAt,
		&thread.LastUsedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("error getting or creating thread: %w", err)
	}

	return thread, nil
}

func (s *PostgresStorage) TouchThread(ctx context.Context, threadID string) error {
	query := `
		UPDATE threads
		SET last_used_at = NOW()
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, threadID); err != nil {
		return fmt.Errorf("error touching thread: %w", err)
	}

	return nil
}

func (s *PostgresStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	parts, err := marshalParts(msg.Parts)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO messages (id, thread_id, user_id, role, content, parts, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID, msg.ThreadID, msg.UserID, msg.Role, msg.Content, parts, msg.Status, msg.Error, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("error appending message: %w", err)
	}

	return nil
}

// AppendMessages inserts the whole batch in one transaction. Timestamps are
// assigned with a strictly increasing microsecond offset so the batch order
// survives the creation-time index.
func (s *PostgresStorage) AppendMessages(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (id, thread_id, user_id, role, content, parts, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	base := time.Now()
	for i, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		}

		parts, err := marshalParts(msg.Parts)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, query,
			msg.ID, msg.ThreadID, msg.UserID, msg.Role, msg.Content, parts, msg.Status, msg.Error, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("error appending message batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing message batch: %w", err)
	}

	return nil
}

func (s *PostgresStorage) UpdateMessageStatus(ctx context.Context, messageID string, status models.MessageStatus, errText string) error {
	query := `
		UPDATE messages
		SET status = $1, error = $2
		WHERE id = $3`

	result, err := s.db.ExecContext(ctx, query, status, errText, messageID)
	if err != nil {
		return fmt.Errorf("error updating message status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStorage) GetRecentMessages(ctx context.Context, threadID string, n int) ([]*models.Message, error) {
	query := `
		SELECT id, thread_id, user_id, role, content, parts, status, error, created_at
		FROM (
			SELECT id, thread_id, user_id, role, content, parts, status, error, created_at
			FROM messages
			WHERE thread_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, threadID, n)
	if err != nil {
		return nil, fmt.Errorf("error querying recent messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var parts []byte
		err := rows.Scan(
			&msg.ID,
			&msg.ThreadID,
			&msg.UserID,
			&msg.Role,
			&msg.Content,
			&parts,
			&msg.Status,
			&msg.Error,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		if len(parts) > 0 {
			if err := json.Unmarshal(parts, &msg.Parts); err != nil {
				return nil, fmt.Errorf("error decoding message parts: %w", err)
			}
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (s *PostgresStorage) ListWorkflows(ctx context.Context, userID int64) ([]*models.Workflow, error) {
	query := `
		SELECT id, user_id, title, content, toolkits, created_at
		FROM workflows
		WHERE user_id = $1
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf := &models.Workflow{}
		err := rows.Scan(
			&wf.ID,
			&wf.UserID,
			&wf.Title,
			&wf.Content,
			pq.Array(&wf.Toolkits),
			&wf.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}

	return workflows, rows.Err()
}

func (s *PostgresStorage) ListActiveToolkits(ctx context.Context, userID int64) ([]string, error) {
	query := `
		SELECT DISTINCT toolkit
		FROM connections
		WHERE user_id = $1 AND status = $2
		ORDER BY toolkit ASC`

	rows, err := s.db.QueryContext(ctx, query, userID, models.ConnectionActive)
	if err != nil {
		return nil, fmt.Errorf("error querying active toolkits: %w", err)
	}
	defer rows.Close()

	var toolkits []string
	for rows.Next() {
		var toolkit string
		if err := rows.Scan(&toolkit); err != nil {
			return nil, fmt.Errorf("error scanning toolkit: %w", err)
		}
		toolkits = append(toolkits, toolkit)
	}

	return toolkits, rows.Err()
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func marshalParts(parts []models.Part) ([]byte, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("error encoding message parts: %w", err)
	}
	return data, nil
}
