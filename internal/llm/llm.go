// Package llm wraps the LLM provider behind a small interface: a
// structured prompt goes in, a structured result or a classified error
// comes out. Rate limits and provider outages are transient and handled
// by the job retry machinery, not here.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gradeline/codebook/internal/apperr"
	"github.com/gradeline/codebook/internal/config"
	"github.com/gradeline/codebook/internal/models"
	openai "github.com/sashabaranov/go-openai"
	"gorm.io/gorm"
)

// Request is a structured completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
	// JSONResponse forces the provider to return a JSON object.
	JSONResponse bool
}

// Response is a completion result with token accounting.
type Response struct {
	Content      string
	TokensInput  int
	TokensOutput int
	TokensTotal  int
	Latency      time.Duration
}

// Client is the LLM boundary used by the analysis pipeline. Tests
// substitute a fake.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAI implements Client against the OpenAI API.
type OpenAI struct {
	client     *openai.Client
	model      string
	embedModel string
}

// NewOpenAI creates an OpenAI client from configuration. The API key is
// resolved from the configured environment variable.
func NewOpenAI(cfg config.LLMConfig) (*OpenAI, error) {
	key := cfg.APIKey()
	if key == "" {
		return nil, fmt.Errorf("llm: %s is not set", cfg.APIKeyEnv)
	}
	return &OpenAI{
		client:     openai.NewClient(key),
		model:      cfg.Model,
		embedModel: cfg.EmbeddingModel,
	}, nil
}

// Complete runs a chat completion and returns the raw content plus
// token usage. Errors are classified for the retry machinery.
func (o *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: req.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.JSONResponse {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classify(fmt.Errorf("llm: completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.MarkTransient(fmt.Errorf("llm: provider returned no choices"))
	}

	return &Response{
		Content:      resp.Choices[0].Message.Content,
		TokensInput:  resp.Usage.PromptTokens,
		TokensOutput: resp.Usage.CompletionTokens,
		TokensTotal:  resp.Usage.TotalTokens,
		Latency:      time.Since(start),
	}, nil
}

// Embed returns one embedding vector per input text.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.embedModel),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("llm: embeddings: %w", err))
	}
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// classify maps provider errors onto the retry taxonomy: 429 and 5xx
// are transient, other API statuses permanent, transport failures
// transient.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return apperr.MarkTransient(err)
		default:
			return apperr.MarkPermanent(err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.MarkTransient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.MarkTransient(err)
	}
	return apperr.MarkPermanent(err)
}

// Usage describes one LLM call for cost accounting.
type Usage struct {
	ClientID      string
	JobID         *string
	OperationType string
	ModelName     string
	TokensInput   int
	TokensOutput  int
	TokensTotal   int
	CostUSD       float64
	Latency       time.Duration
}

// RecordUsage appends an LLM usage row. Best-effort accounting; callers
// treat failures as non-fatal.
func RecordUsage(db *gorm.DB, u Usage) error {
	row := models.LLMUsage{
		ClientID:      u.ClientID,
		JobID:         u.JobID,
		OperationType: u.OperationType,
		ModelName:     u.ModelName,
		TokensInput:   u.TokensInput,
		TokensOutput:  u.TokensOutput,
		TokensTotal:   u.TokensTotal,
		CostUSD:       u.CostUSD,
		LatencyMS:     u.Latency.Milliseconds(),
	}
	if err := db.Create(&row).Error; err != nil {
		return fmt.Errorf("llm: record usage: %w", err)
	}
	return nil
}
