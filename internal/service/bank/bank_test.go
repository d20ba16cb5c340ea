package bank

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"smartstudy/internal/models"
	"smartstudy/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewService(db)
}

func TestAddAssignsIDsAndPreservesOrder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	stored, err := svc.Add(ctx, []models.Question{
		{OriginalText: "first", Type: models.QuestionText, Subject: "Math", Difficulty: models.DifficultyEasy, Selected: true},
		{OriginalText: "second", Type: models.QuestionChoice, Options: []string{"a", "b"}, Subject: "Math", Difficulty: models.DifficultyHard},
	}, "Image Scan")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d, want 2", len(stored))
	}
	if stored[0].ID == "" || stored[1].ID == "" || stored[0].ID == stored[1].ID {
		t.Errorf("ids not freshly assigned: %q, %q", stored[0].ID, stored[1].ID)
	}
	if stored[0].Selected {
		t.Error("selection flag not cleared on ingest")
	}

	questions, err := svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(questions) != 2 || questions[0].OriginalText != "first" || questions[1].OriginalText != "second" {
		t.Errorf("list order broken: %+v", questions)
	}
	if questions[1].Options[0] != "a" || questions[1].Options[1] != "b" {
		t.Errorf("options not round-tripped: %v", questions[1].Options)
	}
	if questions[0].Source != "Image Scan" {
		t.Errorf("source = %q", questions[0].Source)
	}
}

func TestUpdateAndSelection(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	stored, err := svc.Add(ctx, []models.Question{
		{OriginalText: "solve x+1=2", Type: models.QuestionFill, Subject: "Math", Difficulty: models.DifficultyEasy},
		{OriginalText: "name the capital", Type: models.QuestionText, Subject: "Geography", Difficulty: models.DifficultyMedium},
	}, "Manual")
	if err != nil {
		t.Fatal(err)
	}

	edited := stored[0]
	edited.Answer = "x=1"
	edited.Difficulty = models.DifficultyHard
	if err := svc.Update(ctx, edited); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Get(ctx, edited.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Answer != "x=1" || got.Difficulty != models.DifficultyHard {
		t.Errorf("update not applied: %+v", got)
	}

	if err := svc.SetSelected(ctx, stored[1].ID, true); err != nil {
		t.Fatal(err)
	}
	got, err = svc.Get(ctx, stored[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Selected {
		t.Error("SetSelected did not stick")
	}

	if err := svc.SelectAll(ctx, true); err != nil {
		t.Fatal(err)
	}
	all, err := svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range all {
		if !q.Selected {
			t.Errorf("question %s unselected after SelectAll", q.ID)
		}
	}

	if err := svc.Update(ctx, models.Question{ID: "missing", OriginalText: "x"}); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("update missing = %v, want ErrNoRows", err)
	}
}

func TestDeleteQuestion(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	stored, err := svc.Add(ctx, []models.Question{
		{OriginalText: "keep me", Type: models.QuestionText, Subject: "General", Difficulty: models.DifficultyMedium},
		{OriginalText: "drop me", Type: models.QuestionText, Subject: "General", Difficulty: models.DifficultyMedium},
	}, "Manual")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(ctx, stored[1].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, stored[1].ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("get deleted = %v, want ErrNoRows", err)
	}
	n, err := svc.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
	if err := svc.Delete(ctx, stored[1].ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("double delete = %v, want ErrNoRows", err)
	}
}

func TestImportEncodedAppliesDefaults(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	payload := `[
		{"originalText": "What is 2+2?", "type": "Multiple Choice", "options": ["3","4"], "answer": "4", "subject": "Math", "difficulty": "Easy"},
		{"originalText": "Describe osmosis."}
	]`
	stored, err := svc.ImportEncoded(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("imported %d, want 2", len(stored))
	}

	full := stored[0]
	if full.Type != models.QuestionChoice || full.Difficulty != models.DifficultyEasy || full.Subject != "Math" {
		t.Errorf("explicit fields not kept: %+v", full)
	}

	sparse := stored[1]
	if sparse.Type != models.QuestionUnknown {
		t.Errorf("type = %q, want Unknown default", sparse.Type)
	}
	if sparse.Difficulty != models.DifficultyMedium {
		t.Errorf("difficulty = %q, want Medium default", sparse.Difficulty)
	}
	if sparse.Subject != "General" {
		t.Errorf("subject = %q, want General default", sparse.Subject)
	}
	for _, q := range stored {
		if q.Source != SourceQRScan {
			t.Errorf("source = %q, want %q", q.Source, SourceQRScan)
		}
	}
}

func TestImportEncodedRejectsBadPayloads(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, payload := range []string{
		"not json",
		`{"originalText": "object, not array"}`,
		`[]`,
		`[{"type": "Short Answer"}]`,
	} {
		if _, err := svc.ImportEncoded(ctx, payload); !errors.Is(err, ErrInvalidImport) {
			t.Errorf("ImportEncoded(%q) = %v, want ErrInvalidImport", payload, err)
		}
	}

	if n, _ := svc.Count(ctx); n != 0 {
		t.Errorf("rejected imports stored %d questions", n)
	}
}
