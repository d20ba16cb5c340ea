package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"smartstudy/internal/models"
)

// Service persists chat sessions and their ordered message logs.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateSession inserts a new session together with its seed model message.
// The two inserts share one transaction so no session is ever observable
// without its seed.
func (s *Service) CreateSession(ctx context.Context, title, seedContent string) (*models.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (title, created_at, updated_at) VALUES (?, ?, ?)`,
		title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, attachment, created_at) VALUES (?, ?, ?, '', ?)`,
		id, models.RoleModel, seedContent, now,
	); err != nil {
		return nil, fmt.Errorf("insert seed message: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}
	return &models.Session{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// ListSessions returns all sessions ordered by last activity.
func (s *Service) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var se models.Session
		if err := rows.Scan(&se.ID, &se.Title, &se.CreatedAt, &se.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, se)
	}
	return sessions, rows.Err()
}

// GetSession returns one session header.
func (s *Service) GetSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	var se models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&se.ID, &se.Title, &se.CreatedAt, &se.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &se, nil
}

// GetSessionWithMessages returns one session and its messages in insertion
// order.
func (s *Service) GetSessionWithMessages(ctx context.Context, sessionID int64) (*models.Session, []*models.Message, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, attachment, created_at FROM messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return session, nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Attachment, &m.CreatedAt); err != nil {
			return session, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return session, messages, rows.Err()
}

// AppendExchange atomically appends a user message and an empty model
// placeholder, bumps the session's updated_at and optionally retitles it.
// Both stored messages are returned, placeholder second.
func (s *Service) AppendExchange(ctx context.Context, sessionID int64, userMsg models.Message, newTitle string) (*models.Message, *models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, attachment, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, models.RoleUser, userMsg.Content, userMsg.Attachment, now,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert user message: %w", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("user message id: %w", err)
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, attachment, created_at) VALUES (?, ?, '', '', ?)`,
		sessionID, models.RoleModel, now,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert placeholder message: %w", err)
	}
	placeholderID, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("placeholder message id: %w", err)
	}

	if newTitle != "" {
		if _, err = tx.ExecContext(ctx,
			`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, newTitle, now, sessionID,
		); err != nil {
			return nil, nil, fmt.Errorf("retitle session: %w", err)
		}
	} else {
		if _, err = tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID,
		); err != nil {
			return nil, nil, fmt.Errorf("touch session: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit exchange: %w", err)
	}

	stored := userMsg
	stored.ID = userID
	stored.SessionID = sessionID
	stored.Role = models.RoleUser
	stored.CreatedAt = now
	placeholder := &models.Message{
		ID:        placeholderID,
		SessionID: sessionID,
		Role:      models.RoleModel,
		CreatedAt: now,
	}
	return &stored, placeholder, nil
}

// UpdateMessageContent replaces a message's content with the accumulated
// text so far. Re-applying the same value is a no-op.
func (s *Service) UpdateMessageContent(ctx context.Context, messageID int64, content string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, messageID)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteSession removes a session and all related messages.
func (s *Service) DeleteSession(ctx context.Context, sessionID int64) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}
