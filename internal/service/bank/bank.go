package bank

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"smartstudy/internal/models"
)

// ErrInvalidImport reports a malformed or empty structured-import payload.
var ErrInvalidImport = errors.New("import payload must be a non-empty JSON array of questions")

// SourceQRScan marks questions ingested through the structured-data shortcut.
const SourceQRScan = "QR Scan"

// Service owns the flat, insertion-ordered question collection.
// The upload queue appends to it; the chat store reads it as context.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Add stores the given questions in order, assigning each a fresh id and
// clearing the selection flag. The stored records are returned.
func (s *Service) Add(ctx context.Context, questions []models.Question, source string) ([]models.Question, error) {
	if len(questions) == 0 {
		return nil, nil
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
	stored := make([]models.Question, 0, len(questions))
	for _, q := range questions {
		q.ID = uuid.NewString()
		q.Selected = false
		q.CreatedAt = now
		if q.Source == "" {
			q.Source = source
		}
		var optionsJSON []byte
		optionsJSON, err = json.Marshal(q.Options)
		if err != nil {
			return nil, fmt.Errorf("encode options: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO questions (id, original_text, qtype, options, answer, subject, difficulty, source, selected, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			q.ID, q.OriginalText, q.Type, string(optionsJSON), q.Answer, q.Subject, q.Difficulty, q.Source, q.Selected, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert question: %w", err)
		}
		stored = append(stored, q)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit questions: %w", err)
	}
	return stored, nil
}

// List returns every question in insertion order.
func (s *Service) List(ctx context.Context) ([]models.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_text, qtype, options, answer, subject, difficulty, source, selected, created_at
		 FROM questions ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var questions []models.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// Get returns a single question by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Question, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, original_text, qtype, options, answer, subject, difficulty, source, selected, created_at
		 FROM questions WHERE id = ?`, id,
	)
	var (
		q           models.Question
		optionsJSON string
	)
	if err := row.Scan(&q.ID, &q.OriginalText, &q.Type, &optionsJSON, &q.Answer, &q.Subject, &q.Difficulty, &q.Source, &q.Selected, &q.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get question: %w", err)
	}
	if err := json.Unmarshal([]byte(optionsJSON), &q.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	return &q, nil
}

// Update replaces the editable fields of an existing question.
func (s *Service) Update(ctx context.Context, q models.Question) error {
	if q.ID == "" {
		return errors.New("question id is required")
	}
	optionsJSON, err := json.Marshal(q.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET original_text = ?, qtype = ?, options = ?, answer = ?, subject = ?, difficulty = ?, selected = ?
		 WHERE id = ?`,
		q.OriginalText, q.Type, string(optionsJSON), q.Answer, q.Subject, q.Difficulty, q.Selected, q.ID,
	)
	if err != nil {
		return fmt.Errorf("update question: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("question rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetSelected flips the selection flag on one question.
func (s *Service) SetSelected(ctx context.Context, id string, selected bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE questions SET selected = ? WHERE id = ?`, selected, id)
	if err != nil {
		return fmt.Errorf("set selected: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("question rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SelectAll sets the selection flag on every question at once.
func (s *Service) SelectAll(ctx context.Context, selected bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE questions SET selected = ?`, selected); err != nil {
		return fmt.Errorf("select all: %w", err)
	}
	return nil
}

// Delete removes a question. Removal from a saved exam snapshot is the
// caller's responsibility.
func (s *Service) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete question: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("question rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Count reports the current collection size.
func (s *Service) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}

type importedQuestion struct {
	OriginalText string   `json:"originalText"`
	Type         string   `json:"type"`
	Options      []string `json:"options"`
	Answer       string   `json:"answer"`
	Subject      string   `json:"subject"`
	Difficulty   string   `json:"difficulty"`
}

// ImportEncoded parses a structured payload (typically decoded from a QR
// code), normalizes missing fields and stores the records. The payload must
// be a non-empty JSON array or the import fails with ErrInvalidImport.
func (s *Service) ImportEncoded(ctx context.Context, payload string) ([]models.Question, error) {
	var items []importedQuestion
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	if len(items) == 0 {
		return nil, ErrInvalidImport
	}

	questions := make([]models.Question, 0, len(items))
	for _, item := range items {
		text := strings.TrimSpace(item.OriginalText)
		if text == "" {
			return nil, fmt.Errorf("%w: record without originalText", ErrInvalidImport)
		}
		qType := models.QuestionUnknown
		switch models.QuestionType(item.Type) {
		case models.QuestionChoice, models.QuestionFill, models.QuestionText:
			qType = models.QuestionType(item.Type)
		}
		difficulty := models.DifficultyMedium
		switch models.Difficulty(item.Difficulty) {
		case models.DifficultyEasy, models.DifficultyHard:
			difficulty = models.Difficulty(item.Difficulty)
		}
		subject := strings.TrimSpace(item.Subject)
		if subject == "" {
			subject = "General"
		}
		questions = append(questions, models.Question{
			OriginalText: text,
			Type:         qType,
			Options:      item.Options,
			Answer:       strings.TrimSpace(item.Answer),
			Subject:      subject,
			Difficulty:   difficulty,
		})
	}
	return s.Add(ctx, questions, SourceQRScan)
}

func scanQuestion(rows *sql.Rows) (models.Question, error) {
	var (
		q           models.Question
		optionsJSON string
	)
	if err := rows.Scan(&q.ID, &q.OriginalText, &q.Type, &optionsJSON, &q.Answer, &q.Subject, &q.Difficulty, &q.Source, &q.Selected, &q.CreatedAt); err != nil {
		return q, fmt.Errorf("scan question: %w", err)
	}
	if err := json.Unmarshal([]byte(optionsJSON), &q.Options); err != nil {
		return q, fmt.Errorf("decode options: %w", err)
	}
	return q, nil
}
