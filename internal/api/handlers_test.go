package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"

	"smartstudy/internal/chat"
	"smartstudy/internal/models"
	"smartstudy/internal/service/bank"
	"smartstudy/internal/service/gateway"
	"smartstudy/internal/service/history"
	"smartstudy/internal/storage"
	"smartstudy/internal/uploads"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubGateway struct {
	extract func(image []byte) ([]models.Question, error)
	deltas  []string
}

func (g *stubGateway) Extract(ctx context.Context, image []byte) ([]models.Question, error) {
	if g.extract != nil {
		return g.extract(image)
	}
	return []models.Question{{
		OriginalText: "What is gravity?",
		Type:         models.QuestionText,
		Subject:      "Physics",
		Difficulty:   models.DifficultyMedium,
	}}, nil
}

func (g *stubGateway) ChatComplete(ctx context.Context, history []*models.Message, message string, contextQuestions []models.Question, opts gateway.ChatOptions) (string, error) {
	return "", errors.New("not implemented")
}

func (g *stubGateway) ChatStream(ctx context.Context, history []*models.Message, message string, contextQuestions []models.Question, opts gateway.ChatOptions, onDelta func(string) error) (string, error) {
	full := ""
	for _, d := range g.deltas {
		full += d
		if err := onDelta(full); err != nil {
			return "", err
		}
	}
	return full, nil
}

type testEnv struct {
	router  *gin.Engine
	bank    *bank.Service
	uploads *uploads.Manager
}

func newTestEnv(t *testing.T, gw gateway.Gateway) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bankSvc := bank.NewService(db)
	hist := history.NewService(db)
	chatStore := chat.NewStore(hist, gw, bankSvc, nil, time.Minute)
	uploadMgr := uploads.NewManager(gw, bankSvc, nil, time.Minute)
	t.Cleanup(uploadMgr.Close)

	router := gin.New()
	NewHandler(uploadMgr, bankSvc, chatStore, nil, nil).RegisterRoutes(router)
	return &testEnv{router: router, bank: bankSvc, uploads: uploadMgr}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestUploadLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, &stubGateway{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("images", "physics.png")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("fake-png-bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", w.Code, w.Body.String())
	}

	var created struct {
		TaskIDs []string `json:"task_ids"`
		Tasks   []struct {
			Status string `json:"status"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if len(created.TaskIDs) != 1 || created.Tasks[0].Status != "pending" {
		t.Fatalf("created = %+v", created)
	}
	taskID := created.TaskIDs[0]

	if w := env.do(t, http.MethodPost, "/api/uploads/"+taskID+"/queue", nil); w.Code != http.StatusOK {
		t.Fatalf("queue status = %d", w.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		w := env.do(t, http.MethodGet, "/api/uploads", nil)
		var list struct {
			Tasks []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"tasks"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
			t.Fatal(err)
		}
		if len(list.Tasks) == 1 && list.Tasks[0].Status == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed: %+v", list.Tasks)
		}
		time.Sleep(5 * time.Millisecond)
	}

	w = env.do(t, http.MethodGet, "/api/questions", nil)
	var questions struct {
		Questions []models.Question `json:"questions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &questions); err != nil {
		t.Fatal(err)
	}
	if len(questions.Questions) != 1 || questions.Questions[0].OriginalText != "What is gravity?" {
		t.Fatalf("questions = %+v", questions.Questions)
	}

	// Removing the finished task keeps its questions.
	if w := env.do(t, http.MethodDelete, "/api/uploads/"+taskID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/questions", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &questions); err != nil {
		t.Fatal(err)
	}
	if len(questions.Questions) != 1 {
		t.Errorf("questions after task removal = %d, want 1", len(questions.Questions))
	}

	if w := env.do(t, http.MethodPost, "/api/uploads/unknown/queue", nil); w.Code != http.StatusNotFound {
		t.Errorf("queue unknown = %d, want 404", w.Code)
	}
}

func TestImportQuestionsOverHTTP(t *testing.T) {
	env := newTestEnv(t, &stubGateway{})

	w := env.do(t, http.MethodPost, "/api/questions/import", gin.H{
		"payload": `[{"originalText": "Name three noble gases."}]`,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("import status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Questions []models.Question `json:"questions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Questions) != 1 || resp.Questions[0].Source != bank.SourceQRScan {
		t.Fatalf("imported = %+v", resp.Questions)
	}

	w = env.do(t, http.MethodPost, "/api/questions/import", gin.H{"payload": `[]`})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty import = %d, want 400", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/questions/import", gin.H{"payload": `not json`})
	if w.Code != http.StatusBadRequest {
		t.Errorf("garbage import = %d, want 400", w.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t, &stubGateway{})

	w := env.do(t, http.MethodPost, "/api/conversation/start", gin.H{"title": "Trig homework"})
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d", w.Code)
	}
	var started struct {
		Session models.Session `json:"session"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &started); err != nil {
		t.Fatal(err)
	}
	if started.Session.Title != "Trig homework..." {
		t.Errorf("title = %q", started.Session.Title)
	}

	w = env.do(t, http.MethodGet, "/api/conversation/sessions", nil)
	var listed struct {
		Sessions     []models.Session `json:"sessions"`
		ActiveID     int64            `json:"active_id"`
		IsGenerating bool             `json:"is_generating"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Sessions) != 1 || listed.ActiveID != started.Session.ID || listed.IsGenerating {
		t.Errorf("listed = %+v", listed)
	}

	path := "/api/conversation/sessions/" + itoa(started.Session.ID) + "/messages"
	w = env.do(t, http.MethodGet, path, nil)
	var messages struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &messages); err != nil {
		t.Fatal(err)
	}
	if len(messages.Messages) != 1 || messages.Messages[0].Content != chat.WelcomeMessage {
		t.Errorf("messages = %+v", messages.Messages)
	}

	if w := env.do(t, http.MethodPost, "/api/conversation/switch", gin.H{"session_id": 999}); w.Code != http.StatusNotFound {
		t.Errorf("switch unknown = %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/conversation/sessions/"+itoa(started.Session.ID), nil); w.Code != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", w.Code)
	}
	if w := env.do(t, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
		t.Errorf("messages after delete = %d, want 404", w.Code)
	}
}

func TestSendMessageStreamsSSE(t *testing.T) {
	env := newTestEnv(t, &stubGateway{deltas: []string{"Photosynthesis", " converts light", " into energy."}})

	w := env.do(t, http.MethodPost, "/api/conversation/msg", gin.H{
		"content": "What is photosynthesis?",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	body := w.Body.String()
	ackIdx := strings.Index(body, "event: ack")
	streamIdx := strings.Index(body, "event: stream")
	doneIdx := strings.Index(body, "event: done")
	if ackIdx < 0 || streamIdx < 0 || doneIdx < 0 {
		t.Fatalf("missing events in stream:\n%s", body)
	}
	if !(ackIdx < streamIdx && streamIdx < doneIdx) {
		t.Errorf("event order wrong:\n%s", body)
	}

	// Stream events carry accumulated content, so the final fragment
	// contains the whole reply.
	if !strings.Contains(body, "Photosynthesis converts light into energy.") {
		t.Errorf("accumulated content missing:\n%s", body)
	}
	if strings.Contains(body, "event: error") {
		t.Errorf("unexpected error event:\n%s", body)
	}
}

func TestSendMessageRequiresContent(t *testing.T) {
	env := newTestEnv(t, &stubGateway{})
	if w := env.do(t, http.MethodPost, "/api/conversation/msg", gin.H{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty message = %d, want 400", w.Code)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
