package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"smartstudy/internal/config"
	"smartstudy/internal/models"
)

const tutorSystemInstruction = "You are SmartStudy AI, a helpful and encouraging academic tutor. " +
	"Help the user understand concepts. Use LaTeX for all mathematical expressions (e.g. $x^2$)."

const extractionPrompt = "Analyze this exam image. Extract all distinct questions into a clean JSON array. " +
	"Each element has fields: originalText, type (one of \"Multiple Choice\", \"Fill in the Blank\", \"Short Answer\", \"Unknown\"), " +
	"options (array of strings, multiple choice only), answer, subject, difficulty (one of \"Easy\", \"Medium\", \"Hard\").\n\n" +
	"CRITICAL INSTRUCTIONS:\n" +
	"1. GROUP SUB-QUESTIONS: If a question has multiple parts (e.g., 1(a), 1(b), or i, ii, iii), DO NOT split them. " +
	"Store the main question and all its sub-parts as a SINGLE 'originalText' entry.\n" +
	"2. IGNORE HANDWRITING: The image may contain student answers, circles around options, or grading marks (ticks/crosses). " +
	"Do NOT include these in 'originalText' or 'options'. Extract only the printed question text.\n" +
	"3. FORMATTING: Use LaTeX for all math expressions (e.g. $E=mc^2$).\n" +
	"4. ANSWERS: If a solution is visible or can be determined, put it in the 'answer' field. Do not mix answers into the question stem.\n" +
	"Output ONLY the JSON array, nothing else."

type einoService struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
}

// NewService builds the gateway for the provider named in the config.
func NewService(cfg *config.Config, log *zap.Logger) (Gateway, error) {
	provider := cfg.BasicConfig.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelName := cfg.BasicConfig.Model
	if modelName == "" {
		modelName = provCfg.Model
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	var reactAgent *react.Agent
	if ws := InitWebSearch(log); ws != nil {
		reactAgent, err = react.NewAgent(context.Background(), &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: []tool.BaseTool{ws},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
	}

	return &einoService{chatModel: chatModel, agent: reactAgent}, nil
}

func (s *einoService) Extract(ctx context.Context, image []byte) ([]models.Question, error) {
	if len(image) == 0 {
		return nil, &ExtractionError{Err: errors.New("image is empty")}
	}
	msg := &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			imagePart(base64.StdEncoding.EncodeToString(image)),
			{Type: schema.ChatMessagePartTypeText, Text: extractionPrompt},
		},
	}
	resp, err := s.chatModel.Generate(ctx, []*schema.Message{msg})
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}
	questions, err := parseExtraction(resp.Content)
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}
	return questions, nil
}

func (s *einoService) ChatComplete(ctx context.Context, history []*models.Message, message string, contextQuestions []models.Question, opts ChatOptions) (string, error) {
	msgs := s.buildMessages(history, message, contextQuestions, opts)
	var (
		resp *schema.Message
		err  error
	)
	if opts.UseWebSearch && s.agent != nil {
		resp, err = s.agent.Generate(ctx, msgs)
	} else {
		resp, err = s.chatModel.Generate(ctx, msgs)
	}
	if err != nil {
		return "", &GatewayError{Err: err}
	}
	return resp.Content, nil
}

func (s *einoService) ChatStream(ctx context.Context, history []*models.Message, message string, contextQuestions []models.Question, opts ChatOptions, onDelta func(string) error) (string, error) {
	msgs := s.buildMessages(history, message, contextQuestions, opts)

	var (
		streamReader *schema.StreamReader[*schema.Message]
		err          error
	)
	if opts.UseWebSearch && s.agent != nil {
		streamReader, err = s.agent.Stream(ctx, msgs)
	} else {
		streamReader, err = s.chatModel.Stream(ctx, msgs)
	}
	if err != nil {
		return "", &GatewayError{Err: err}
	}
	defer streamReader.Close()

	var fullContent string
	for {
		chunk, err := streamReader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fullContent, &GatewayError{Err: err}
		}
		if chunk.Content == "" {
			continue
		}
		fullContent += chunk.Content
		if onDelta != nil {
			if err := onDelta(fullContent); err != nil {
				return fullContent, err
			}
		}
	}
	return fullContent, nil
}

// buildMessages assembles the system instruction, prior turns and the
// current prompt in provider-neutral eino form.
func (s *einoService) buildMessages(history []*models.Message, message string, contextQuestions []models.Question, opts ChatOptions) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history)+2)
	msgs = append(msgs, &schema.Message{
		Role:    schema.System,
		Content: systemInstruction(contextQuestions, opts.UseKnowledgeBase),
	})
	for _, turn := range history {
		if turn == nil {
			continue
		}
		role := schema.User
		if turn.Role == models.RoleModel {
			role = schema.Assistant
		}
		if turn.Attachment != "" {
			msgs = append(msgs, &schema.Message{
				Role: role,
				MultiContent: []schema.ChatMessagePart{
					imagePart(turn.Attachment),
					{Type: schema.ChatMessagePartTypeText, Text: turn.Content},
				},
			})
			continue
		}
		msgs = append(msgs, &schema.Message{Role: role, Content: turn.Content})
	}

	current := &schema.Message{Role: schema.User, Content: message}
	if opts.Attachment != "" {
		current = &schema.Message{
			Role: schema.User,
			MultiContent: []schema.ChatMessagePart{
				imagePart(opts.Attachment),
				{Type: schema.ChatMessagePartTypeText, Text: message},
			},
		}
	}
	return append(msgs, current)
}

func systemInstruction(contextQuestions []models.Question, useKnowledgeBase bool) string {
	instruction := tutorSystemInstruction
	if !useKnowledgeBase || len(contextQuestions) == 0 {
		return instruction
	}
	type contextEntry struct {
		Question string   `json:"question"`
		Options  []string `json:"options,omitempty"`
		Answer   string   `json:"answer,omitempty"`
	}
	entries := make([]contextEntry, 0, len(contextQuestions))
	for _, q := range contextQuestions {
		entries = append(entries, contextEntry{Question: q.OriginalText, Options: q.Options, Answer: q.Answer})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return instruction
	}
	return instruction + "\n\nKNOWLEDGE BASE CONTEXT: The user has uploaded the following questions. " +
		"Refer to them if the user asks about specific problems from their list:\n" + string(data)
}

func imagePart(base64Data string) schema.ChatMessagePart {
	return schema.ChatMessagePart{
		Type: schema.ChatMessagePartTypeImageURL,
		ImageURL: &schema.ChatMessageImageURL{
			URL:      "data:image/png;base64," + base64Data,
			MIMEType: "image/png",
		},
	}
}

type extractedItem struct {
	OriginalText string   `json:"originalText"`
	Type         string   `json:"type"`
	Options      []string `json:"options"`
	Answer       string   `json:"answer"`
	Subject      string   `json:"subject"`
	Difficulty   string   `json:"difficulty"`
}

// parseExtraction decodes the model output, tolerating markdown code fences,
// and applies defaults for fields the model left out.
func parseExtraction(raw string) ([]models.Question, error) {
	payload := strings.TrimSpace(raw)
	if strings.HasPrefix(payload, "```") {
		payload = strings.TrimPrefix(payload, "```json")
		payload = strings.TrimPrefix(payload, "```")
		payload = strings.TrimSuffix(strings.TrimSpace(payload), "```")
		payload = strings.TrimSpace(payload)
	}
	var items []extractedItem
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, fmt.Errorf("decode extraction output: %w", err)
	}

	questions := make([]models.Question, 0, len(items))
	for _, item := range items {
		text := strings.TrimSpace(item.OriginalText)
		if text == "" {
			continue
		}
		questions = append(questions, models.Question{
			OriginalText: text,
			Type:         normalizeType(item.Type),
			Options:      item.Options,
			Answer:       strings.TrimSpace(item.Answer),
			Subject:      defaultString(item.Subject, "General"),
			Difficulty:   normalizeDifficulty(item.Difficulty),
		})
	}
	return questions, nil
}

func normalizeType(raw string) models.QuestionType {
	switch models.QuestionType(strings.TrimSpace(raw)) {
	case models.QuestionChoice, models.QuestionFill, models.QuestionText:
		return models.QuestionType(strings.TrimSpace(raw))
	default:
		return models.QuestionUnknown
	}
}

func normalizeDifficulty(raw string) models.Difficulty {
	switch models.Difficulty(strings.TrimSpace(raw)) {
	case models.DifficultyEasy, models.DifficultyHard:
		return models.Difficulty(strings.TrimSpace(raw))
	default:
		return models.DifficultyMedium
	}
}

func defaultString(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
