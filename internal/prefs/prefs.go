package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"smartstudy/internal/models"
	"smartstudy/internal/redis"
)

const (
	keyTheme    = "prefs:theme"
	keyLanguage = "prefs:language"
	keyExam     = "prefs:exam"

	defaultTheme    = "neutral"
	defaultLanguage = "en"
)

// Store persists user preferences and the saved exam snapshot in redis.
// Values are read once at startup by the UI and written on change.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Theme(ctx context.Context) (string, error) {
	return s.getOrDefault(ctx, keyTheme, defaultTheme)
}

func (s *Store) SetTheme(ctx context.Context, theme string) error {
	if theme == "" {
		return errors.New("theme cannot be empty")
	}
	return s.client.Set(ctx, keyTheme, theme, 0)
}

func (s *Store) Language(ctx context.Context) (string, error) {
	return s.getOrDefault(ctx, keyLanguage, defaultLanguage)
}

func (s *Store) SetLanguage(ctx context.Context, lang string) error {
	if lang == "" {
		return errors.New("language cannot be empty")
	}
	return s.client.Set(ctx, keyLanguage, lang, 0)
}

// SavedExam returns the stored snapshot, or an empty one when nothing was saved.
func (s *Store) SavedExam(ctx context.Context) (*models.ExamSnapshot, error) {
	raw, err := s.client.Get(ctx, keyExam)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return &models.ExamSnapshot{Questions: []models.Question{}}, nil
		}
		return nil, fmt.Errorf("load exam snapshot: %w", err)
	}
	var snapshot models.ExamSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, fmt.Errorf("decode exam snapshot: %w", err)
	}
	if snapshot.Questions == nil {
		snapshot.Questions = []models.Question{}
	}
	return &snapshot, nil
}

func (s *Store) SaveExam(ctx context.Context, snapshot *models.ExamSnapshot) error {
	if snapshot == nil {
		return errors.New("snapshot required")
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode exam snapshot: %w", err)
	}
	return s.client.Set(ctx, keyExam, data, 0)
}

// DropQuestion removes a deleted question from the saved snapshot so the
// exam subset never references a question that no longer exists.
func (s *Store) DropQuestion(ctx context.Context, questionID string) error {
	snapshot, err := s.SavedExam(ctx)
	if err != nil {
		return err
	}
	kept := snapshot.Questions[:0]
	removed := false
	for _, q := range snapshot.Questions {
		if q.ID == questionID {
			removed = true
			continue
		}
		kept = append(kept, q)
	}
	if !removed {
		return nil
	}
	snapshot.Questions = kept
	return s.SaveExam(ctx, snapshot)
}

func (s *Store) getOrDefault(ctx context.Context, key, fallback string) (string, error) {
	value, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return fallback, nil
		}
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	return value, nil
}
