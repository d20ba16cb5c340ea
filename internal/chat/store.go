package chat

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartstudy/internal/models"
	"smartstudy/internal/service/bank"
	"smartstudy/internal/service/gateway"
	"smartstudy/internal/service/history"
)

const (
	// WelcomeMessage seeds every new session.
	WelcomeMessage = "Hello! I am your SmartStudy AI Tutor. How can I help you today?"
	// FallbackReply replaces the placeholder when generation fails.
	FallbackReply = "I couldn't generate a response. Please try again."
	// DefaultTitle is used until a title can be derived.
	DefaultTitle = "New Chat"

	titleLimit = 30

	defaultStreamTimeout = 3 * time.Minute
)

var (
	ErrSessionNotFound = errors.New("chat session not found")
	// ErrGenerationInProgress rejects a second SendMessage while one is
	// still streaming. One generation at a time across the whole store.
	ErrGenerationInProgress = errors.New("a response is already being generated")
)

// Store drives multi-session tutoring chat: session lifecycle, message
// persistence and the streaming state machine around the gateway.
type Store struct {
	history *history.Service
	gw      gateway.Gateway
	bank    *bank.Service
	log     *zap.Logger
	timeout time.Duration

	mu         sync.Mutex
	activeID   int64
	generating bool
}

func NewStore(hist *history.Service, gw gateway.Gateway, bankSvc *bank.Service, log *zap.Logger, streamTimeout time.Duration) *Store {
	if streamTimeout <= 0 {
		streamTimeout = defaultStreamTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		history: hist,
		gw:      gw,
		bank:    bankSvc,
		log:     log,
		timeout: streamTimeout,
	}
}

// SendRequest is one user turn.
type SendRequest struct {
	// SessionID 0 targets the active session, creating one if none exists.
	SessionID        int64
	Content          string
	Attachment       string
	UseWebSearch     bool
	UseKnowledgeBase bool
}

// Exchange reports a completed turn. Fallback is true when the reply is
// the apology text because generation failed or timed out.
type Exchange struct {
	Session     *models.Session
	UserMessage *models.Message
	Reply       *models.Message
	Fallback    bool
}

// Callbacks let a caller observe a turn while it runs. OnAck fires once
// the user message and placeholder are persisted, before any generation.
// OnDelta receives the full accumulated reply after each fragment.
// Either may be nil.
type Callbacks struct {
	OnAck   func(*Exchange) error
	OnDelta func(accumulated string) error
}

// CreateSession starts a fresh session carrying the welcome seed and makes
// it active. A hint becomes the title, capped at 30 runes, with a trailing
// ellipsis marking it as provisional.
func (s *Store) CreateSession(ctx context.Context, titleHint string) (*models.Session, error) {
	title := hintTitle(titleHint)
	session, err := s.history.CreateSession(ctx, title, WelcomeMessage)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.activeID = session.ID
	s.mu.Unlock()
	return session, nil
}

// SwitchActive points the store at an existing session. History is left
// untouched.
func (s *Store) SwitchActive(ctx context.Context, sessionID int64) (*models.Session, error) {
	session, err := s.history.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	s.mu.Lock()
	s.activeID = session.ID
	s.mu.Unlock()
	return session, nil
}

// ActiveSessionID returns the current active session, 0 when none.
func (s *Store) ActiveSessionID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// IsGenerating reports whether any session is mid-generation.
func (s *Store) IsGenerating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

func (s *Store) ListSessions(ctx context.Context) ([]models.Session, error) {
	return s.history.ListSessions(ctx)
}

func (s *Store) SessionMessages(ctx context.Context, sessionID int64) (*models.Session, []*models.Message, error) {
	session, messages, err := s.history.GetSessionWithMessages(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, err
	}
	return session, messages, nil
}

// DeleteSession removes a session and its messages. The active pointer is
// cleared when it pointed at the deleted session.
func (s *Store) DeleteSession(ctx context.Context, sessionID int64) error {
	if err := s.history.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		return err
	}
	s.mu.Lock()
	if s.activeID == sessionID {
		s.activeID = 0
	}
	s.mu.Unlock()
	return nil
}

// SendMessage runs one full turn: persist the user message with an empty
// model placeholder, stream the reply into the placeholder, and settle on
// either the final text or the fallback. Only one turn may run at a time;
// concurrent calls fail with ErrGenerationInProgress.
func (s *Store) SendMessage(ctx context.Context, req SendRequest, cb Callbacks) (*Exchange, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" && req.Attachment == "" {
		return nil, errors.New("message content is required")
	}

	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		return nil, ErrGenerationInProgress
	}
	s.generating = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.generating = false
		s.mu.Unlock()
	}()

	session, err := s.resolveSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	// Snapshot before appending: the gateway sees the conversation as it
	// was, without the new user turn or the placeholder.
	session, snapshot, err := s.history.GetSessionWithMessages(ctx, session.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	// A session that still holds only its welcome seed takes its title from
	// the first user message, whatever it was created with.
	newTitle := ""
	if onlySeed(snapshot) && content != "" {
		newTitle = deriveTitle(content)
	}

	userMsg, placeholder, err := s.history.AppendExchange(ctx, session.ID, models.Message{
		Content:    content,
		Attachment: req.Attachment,
	}, newTitle)
	if err != nil {
		return nil, err
	}
	if newTitle != "" {
		session.Title = newTitle
	}

	exchange := &Exchange{Session: session, UserMessage: userMsg, Reply: placeholder}
	if cb.OnAck != nil {
		if err := cb.OnAck(exchange); err != nil {
			// The caller's stream is dead before generation started.
			exchange.Fallback = true
			if settleErr := s.settle(placeholder, FallbackReply); settleErr != nil {
				s.log.Error("settle placeholder", zap.Error(settleErr))
			}
			return exchange, err
		}
	}

	var contextQuestions []models.Question
	if req.UseKnowledgeBase && s.bank != nil {
		contextQuestions, err = s.bank.List(ctx)
		if err != nil {
			s.log.Warn("load knowledge base", zap.Error(err))
			contextQuestions = nil
		}
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	final, streamErr := s.gw.ChatStream(streamCtx, snapshot, content, contextQuestions, gateway.ChatOptions{
		UseWebSearch:     req.UseWebSearch,
		UseKnowledgeBase: req.UseKnowledgeBase,
		Attachment:       req.Attachment,
	}, func(accumulated string) error {
		if err := s.history.UpdateMessageContent(streamCtx, placeholder.ID, accumulated); err != nil {
			return err
		}
		if cb.OnDelta != nil {
			return cb.OnDelta(accumulated)
		}
		return nil
	})

	if streamErr != nil || strings.TrimSpace(final) == "" {
		if streamErr != nil {
			s.log.Warn("generation failed",
				zap.Int64("session", session.ID), zap.Error(streamErr))
		}
		exchange.Fallback = true
		final = FallbackReply
	}

	if err := s.settle(placeholder, final); err != nil {
		return nil, err
	}

	// A broken delta consumer is the one failure worth surfacing: the
	// fallback is already persisted, but the caller's stream is dead.
	if streamErr != nil && !isGenerationFailure(streamErr) {
		return exchange, streamErr
	}
	return exchange, nil
}

// settle writes the final reply outside the possibly-expired stream
// context so a timed-out generation still leaves persisted text behind.
func (s *Store) settle(placeholder *models.Message, final string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.history.UpdateMessageContent(ctx, placeholder.ID, final); err != nil {
		return err
	}
	placeholder.Content = final
	return nil
}

// resolveSession maps a request's session id to a live session, creating
// one when nothing is targeted.
func (s *Store) resolveSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	if sessionID != 0 {
		session, err := s.history.GetSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrSessionNotFound
			}
			return nil, err
		}
		s.mu.Lock()
		s.activeID = session.ID
		s.mu.Unlock()
		return session, nil
	}

	s.mu.Lock()
	active := s.activeID
	s.mu.Unlock()
	if active != 0 {
		session, err := s.history.GetSession(ctx, active)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		// Active session was deleted underneath us; fall through.
	}
	return s.CreateSession(ctx, "")
}

// isGenerationFailure reports whether the stream error came from the
// gateway or the deadline, as opposed to a failing delta consumer.
func isGenerationFailure(err error) bool {
	var gwErr *gateway.GatewayError
	return errors.As(err, &gwErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// onlySeed reports whether the session still holds nothing but its
// welcome message.
func onlySeed(messages []*models.Message) bool {
	return len(messages) == 1 && messages[0].Role == models.RoleModel
}

func deriveTitle(content string) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) > titleLimit {
		return string(runes[:titleLimit])
	}
	return string(runes)
}

func hintTitle(hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return DefaultTitle
	}
	runes := []rune(hint)
	if len(runes) > titleLimit {
		runes = runes[:titleLimit]
	}
	return string(runes) + "..."
}
