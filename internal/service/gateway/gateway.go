package gateway

import (
	"context"
	"fmt"

	"smartstudy/internal/models"
)

// ChatOptions carries per-request switches for a chat turn.
type ChatOptions struct {
	UseWebSearch     bool
	UseKnowledgeBase bool
	// Attachment is an inline base64 image sent with the current message.
	Attachment string
}

// Gateway is the generative-AI capability the cores depend on: structured
// extraction from an image plus single-shot and streaming chat completion.
type Gateway interface {
	// Extract reads an exam image and returns the questions found on it.
	// Returned questions carry no IDs; the question bank assigns them.
	Extract(ctx context.Context, image []byte) ([]models.Question, error)

	// ChatComplete produces one full response for the given turn.
	ChatComplete(ctx context.Context, history []*models.Message, message string, contextQuestions []models.Question, opts ChatOptions) (string, error)

	// ChatStream produces the response incrementally. onDelta receives the
	// full accumulated text after each fragment, so re-applying the latest
	// value is idempotent. The final text is also returned.
	ChatStream(ctx context.Context, history []*models.Message, message string, contextQuestions []models.Question, opts ChatOptions, onDelta func(string) error) (string, error)
}

// ExtractionError wraps a failure of Extract. It is scoped to one task.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// GatewayError wraps a chat completion or streaming failure. The caller
// decides any user-facing fallback text; the gateway never substitutes one.
type GatewayError struct {
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway request failed: %v", e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }
