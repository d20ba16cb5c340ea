package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"smartstudy/internal/chat"
	"smartstudy/internal/models"
	"smartstudy/internal/prefs"
	"smartstudy/internal/service/bank"
	"smartstudy/internal/uploads"
)

// maxImageBytes caps one uploaded image.
const maxImageBytes = 10 << 20

// Handler wires HTTP routes to the upload queue, question bank, chat
// store and preference store.
type Handler struct {
	uploads *uploads.Manager
	bank    *bank.Service
	chat    *chat.Store
	prefs   *prefs.Store
	log     *zap.Logger
}

func NewHandler(uploadMgr *uploads.Manager, bankSvc *bank.Service, chatStore *chat.Store, prefStore *prefs.Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		uploads: uploadMgr,
		bank:    bankSvc,
		chat:    chatStore,
		prefs:   prefStore,
		log:     log,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")

	api.POST("/uploads", h.uploadImages)
	api.GET("/uploads", h.listUploads)
	api.POST("/uploads/queue-all", h.queueAllUploads)
	api.POST("/uploads/:id/queue", h.queueUpload)
	api.POST("/uploads/:id/requeue", h.requeueUpload)
	api.DELETE("/uploads/:id", h.deleteUpload)

	api.GET("/questions", h.listQuestions)
	api.POST("/questions", h.addQuestions)
	api.POST("/questions/import", h.importQuestions)
	api.POST("/questions/select-all", h.selectAllQuestions)
	api.PATCH("/questions/:id", h.updateQuestion)
	api.DELETE("/questions/:id", h.deleteQuestion)

	api.POST("/conversation/start", h.startConversation)
	api.GET("/conversation/sessions", h.listSessions)
	api.POST("/conversation/switch", h.switchSession)
	api.GET("/conversation/sessions/:session_id/messages", h.sessionMessages)
	api.DELETE("/conversation/sessions/:session_id", h.deleteSession)
	api.POST("/conversation/msg", h.sendMessage)

	api.GET("/preferences", h.getPreferences)
	api.PUT("/preferences", h.putPreferences)
	api.GET("/exam", h.getExam)
	api.PUT("/exam", h.putExam)
}

// Upload queue

func (h *Handler) uploadImages(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
		return
	}
	files := form.File["images"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one image is required"})
		return
	}

	images := make([]uploads.Image, 0, len(files))
	for _, fh := range files {
		if fh.Size > maxImageBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("%s exceeds the size limit", fh.Filename)})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read uploaded file failed"})
			return
		}
		content, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
		f.Close()
		if err != nil || len(content) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read uploaded file failed"})
			return
		}
		images = append(images, uploads.Image{FileName: fh.Filename, Content: content})
	}

	ids := h.uploads.Enqueue(images)
	c.JSON(http.StatusCreated, gin.H{"task_ids": ids, "tasks": h.uploads.List()})
}

func (h *Handler) listUploads(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.uploads.List()})
}

func (h *Handler) queueUpload(c *gin.Context) {
	if err := h.uploads.MarkQueued(c.Param("id")); err != nil {
		h.uploadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": h.uploads.List()})
}

func (h *Handler) queueAllUploads(c *gin.Context) {
	queued := h.uploads.MarkAllPendingQueued()
	c.JSON(http.StatusOK, gin.H{"queued": queued, "tasks": h.uploads.List()})
}

func (h *Handler) requeueUpload(c *gin.Context) {
	if err := h.uploads.Requeue(c.Param("id")); err != nil {
		h.uploadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": h.uploads.List()})
}

func (h *Handler) deleteUpload(c *gin.Context) {
	if err := h.uploads.Remove(c.Param("id")); err != nil {
		h.uploadError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) uploadError(c *gin.Context, err error) {
	if errors.Is(err, uploads.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// Question bank

func (h *Handler) listQuestions(c *gin.Context) {
	questions, err := h.bank.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if questions == nil {
		questions = []models.Question{}
	}
	c.JSON(http.StatusOK, gin.H{"questions": questions})
}

func (h *Handler) addQuestions(c *gin.Context) {
	var req struct {
		Questions []models.Question `json:"questions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Questions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "questions are required"})
		return
	}
	stored, err := h.bank.Add(c.Request.Context(), req.Questions, "Manual")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"questions": stored})
}

func (h *Handler) importQuestions(c *gin.Context) {
	var req struct {
		Payload string `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Payload == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload is required"})
		return
	}
	stored, err := h.bank.ImportEncoded(c.Request.Context(), req.Payload)
	if err != nil {
		if errors.Is(err, bank.ErrInvalidImport) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"questions": stored})
}

func (h *Handler) selectAllQuestions(c *gin.Context) {
	var req struct {
		Selected bool `json:"selected"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.bank.SelectAll(c.Request.Context(), req.Selected); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) updateQuestion(c *gin.Context) {
	var q models.Question
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	q.ID = c.Param("id")
	if err := h.bank.Update(c.Request.Context(), q); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	updated, err := h.bank.Get(c.Request.Context(), q.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"question": updated})
}

func (h *Handler) deleteQuestion(c *gin.Context) {
	id := c.Param("id")
	if err := h.bank.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Keep the saved exam snapshot free of deleted questions.
	if h.prefs != nil {
		if err := h.prefs.DropQuestion(c.Request.Context(), id); err != nil {
			h.log.Warn("drop question from saved exam", zap.String("question", id), zap.Error(err))
		}
	}
	c.Status(http.StatusNoContent)
}

// Conversation

func (h *Handler) startConversation(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	// An empty body starts an untitled session.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	session, err := h.chat.CreateSession(c.Request.Context(), req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.chat.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":      sessions,
		"active_id":     h.chat.ActiveSessionID(),
		"is_generating": h.chat.IsGenerating(),
	})
}

func (h *Handler) switchSession(c *gin.Context) {
	var req struct {
		SessionID int64 `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	session, err := h.chat.SwitchActive(c.Request.Context(), req.SessionID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *Handler) sessionMessages(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	session, messages, err := h.chat.SessionMessages(c.Request.Context(), sessionID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "messages": messages})
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	if err := h.chat.DeleteSession(c.Request.Context(), sessionID); err != nil {
		h.sessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) sessionError(c *gin.Context, err error) {
	if errors.Is(err, chat.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

type inputRequest struct {
	SessionID        int64  `json:"session_id"`
	Content          string `json:"content"`
	Attachment       string `json:"attachment"`
	UseWebSearch     bool   `json:"use_web_search"`
	UseKnowledgeBase bool   `json:"use_knowledge_base"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Content == "" && req.Attachment == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	exchange, err := h.chat.SendMessage(c.Request.Context(), chat.SendRequest{
		SessionID:        req.SessionID,
		Content:          req.Content,
		Attachment:       req.Attachment,
		UseWebSearch:     req.UseWebSearch,
		UseKnowledgeBase: req.UseKnowledgeBase,
	}, chat.Callbacks{
		OnAck: func(ex *chat.Exchange) error {
			return sendEvent("ack", gin.H{
				"session": ex.Session,
				"message": ex.UserMessage,
			})
		},
		OnDelta: func(accumulated string) error {
			return sendEvent("stream", gin.H{"content": accumulated})
		},
	})
	if err != nil {
		if errors.Is(err, chat.ErrGenerationInProgress) {
			// Headers are already out; signal over the stream.
			_ = sendEvent("error", gin.H{"message": "a response is already being generated"})
			return
		}
		h.log.Warn("send message", zap.Error(err))
		_ = sendEvent("error", gin.H{"message": err.Error()})
		return
	}

	_ = sendEvent("done", gin.H{
		"session":      exchange.Session,
		"user_message": exchange.UserMessage,
		"ai_message":   exchange.Reply,
		"title":        exchange.Session.Title,
		"fallback":     exchange.Fallback,
	})
}

// Preferences

func (h *Handler) getPreferences(c *gin.Context) {
	ctx := c.Request.Context()
	theme, err := h.prefs.Theme(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	language, err := h.prefs.Language(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"theme": theme, "language": language})
}

func (h *Handler) putPreferences(c *gin.Context) {
	var req struct {
		Theme    string `json:"theme"`
		Language string `json:"language"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	if req.Theme != "" {
		if err := h.prefs.SetTheme(ctx, req.Theme); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Language != "" {
		if err := h.prefs.SetLanguage(ctx, req.Language); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getExam(c *gin.Context) {
	snapshot, err := h.prefs.SavedExam(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exam": snapshot})
}

func (h *Handler) putExam(c *gin.Context) {
	var snapshot models.ExamSnapshot
	if err := c.ShouldBindJSON(&snapshot); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.prefs.SaveExam(c.Request.Context(), &snapshot); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
