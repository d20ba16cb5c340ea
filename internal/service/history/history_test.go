package history

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

func TestCreateSessionIncludesSeed(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "New Chat", "welcome")
	if err != nil {
		t.Fatal(err)
	}
	if session.ID == 0 {
		t.Fatal("no session id")
	}

	_, messages, err := svc.GetSessionWithMessages(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(messages))
	}
	if messages[0].Role != models.RoleModel || messages[0].Content != "welcome" {
		t.Errorf("seed = %s %q", messages[0].Role, messages[0].Content)
	}

	if _, err := svc.CreateSession(ctx, "   ", "welcome"); err == nil {
		t.Error("blank title accepted")
	}
}

func TestAppendExchangeIsAtomic(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "New Chat", "welcome")
	if err != nil {
		t.Fatal(err)
	}

	user, placeholder, err := svc.AppendExchange(ctx, session.ID, models.Message{
		Content:    "help me revise",
		Attachment: "data:image/png;base64,xyz",
	}, "help me revise")
	if err != nil {
		t.Fatal(err)
	}
	if user.Role != models.RoleUser || user.Content != "help me revise" {
		t.Errorf("user message = %+v", user)
	}
	if user.Attachment != "data:image/png;base64,xyz" {
		t.Errorf("attachment lost: %q", user.Attachment)
	}
	if placeholder.Role != models.RoleModel || placeholder.Content != "" {
		t.Errorf("placeholder = %+v", placeholder)
	}
	if placeholder.ID <= user.ID {
		t.Errorf("placeholder id %d not after user id %d", placeholder.ID, user.ID)
	}

	got, messages, err := svc.GetSessionWithMessages(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "help me revise" {
		t.Errorf("title = %q, want retitled", got.Title)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
}

func TestUpdateMessageContentReplaces(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "New Chat", "welcome")
	if err != nil {
		t.Fatal(err)
	}
	_, placeholder, err := svc.AppendExchange(ctx, session.ID, models.Message{Content: "q"}, "")
	if err != nil {
		t.Fatal(err)
	}

	// Each write replaces; writing the same value twice is harmless.
	for _, content := range []string{"partial", "partial answer", "partial answer"} {
		if err := svc.UpdateMessageContent(ctx, placeholder.ID, content); err != nil {
			t.Fatal(err)
		}
	}
	_, messages, err := svc.GetSessionWithMessages(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := messages[len(messages)-1].Content; got != "partial answer" {
		t.Errorf("content = %q, want %q", got, "partial answer")
	}

	if err := svc.UpdateMessageContent(ctx, 9999, "x"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("update missing = %v, want ErrNoRows", err)
	}
}

func TestListSessionsOrdersByActivity(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	older, err := svc.CreateSession(ctx, "older", "welcome")
	if err != nil {
		t.Fatal(err)
	}
	newer, err := svc.CreateSession(ctx, "newer", "welcome")
	if err != nil {
		t.Fatal(err)
	}

	// Touching the older session moves it to the front.
	if _, _, err := svc.AppendExchange(ctx, older.ID, models.Message{Content: "ping"}, ""); err != nil {
		t.Fatal(err)
	}

	sessions, err := svc.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != older.ID || sessions[1].ID != newer.ID {
		t.Errorf("order = [%d %d], want [%d %d]", sessions[0].ID, sessions[1].ID, older.ID, newer.ID)
	}
}

func TestDeleteSessionPurgesMessages(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "doomed", "welcome")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.AppendExchange(ctx, session.ID, models.Message{Content: "q"}, ""); err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteSession(ctx, session.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetSession(ctx, session.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("get deleted = %v, want ErrNoRows", err)
	}
	if err := svc.DeleteSession(ctx, session.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("double delete = %v, want ErrNoRows", err)
	}
}
