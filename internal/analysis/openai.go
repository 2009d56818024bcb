package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/lookscan-api/internal/obs"
	"github.com/noah-isme/lookscan-api/internal/resilience"
)

const maxProviderResponse = 4 << 20

var (
	// ErrNoContent is returned when the provider response carries no message content.
	ErrNoContent = errors.New("analysis: provider returned no content")
	// ErrRefused is returned when the model declines the request.
	ErrRefused = errors.New("analysis: provider refused the request")
	// ErrInvalidJSON is returned when message content is not a JSON document.
	ErrInvalidJSON = errors.New("analysis: provider content is not valid json")
)

// StatusError carries a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis provider returned status %d", e.StatusCode)
}

// Request is a validated analysis input.
type Request struct {
	FrontImageURL string
	SideImageURL  string
	Height        string
	Weight        string
	Language      string
}

// Analyzer produces a schema-conforming analysis document.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (json.RawMessage, error)
}

// OpenAI calls an OpenAI-compatible chat completions endpoint with structured output.
type OpenAI struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	HTTP      resilience.HTTPClient
}

type chatRequest struct {
	Model          string         `json:"model"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail"`
}

type responseFormat struct {
	Type       string     `json:"type"`
	JSONSchema jsonSchema `json:"json_schema"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
			Refusal *string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// BuildChatRequest assembles the chat completion payload for req.
func (o OpenAI) BuildChatRequest(req Request) ([]byte, error) {
	model := o.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	language := req.Language
	if language == "" {
		language = DefaultLanguage
	}
	body := chatRequest{
		Model:     model,
		MaxTokens: o.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt()},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: UserPrompt(req.Height, req.Weight, language)},
				{Type: "image_url", ImageURL: &imageURL{URL: req.FrontImageURL, Detail: "high"}},
				{Type: "image_url", ImageURL: &imageURL{URL: req.SideImageURL, Detail: "high"}},
			}},
		},
		ResponseFormat: responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchema{
				Name:   SchemaName,
				Strict: true,
				Schema: OutputSchema(),
			},
		},
	}
	return json.Marshal(body)
}

// Analyze performs one chat completion call and returns the model's JSON content
// verbatim once it has been checked against the output schema.
func (o OpenAI) Analyze(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, span := otel.Tracer("analysis.OpenAI").Start(ctx, "OpenAI.Analyze")
	defer span.End()

	start := time.Now()
	result := "error"
	defer func() {
		if obs.AnalysisUpstreamLatency != nil {
			obs.AnalysisUpstreamLatency.WithLabelValues(result).Observe(obs.DurationMillis(time.Since(start)))
		}
		span.SetAttributes(attribute.String("analysis.result", result))
	}()

	payload, err := o.BuildChatRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	endpoint := strings.TrimRight(o.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.HTTP.Do(ctx, httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		result = "transport_error"
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponse))
	if err != nil {
		result = "transport_error"
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result = "status_error"
		span.SetStatus(codes.Error, resp.Status)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	content, err := extractContent(raw)
	if err != nil {
		result = "bad_output"
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := ValidateOutput(content); err != nil {
		result = "bad_output"
		span.SetStatus(codes.Error, "schema mismatch")
		return nil, err
	}
	result = "success"
	return json.RawMessage(content), nil
}

func extractContent(raw []byte) ([]byte, error) {
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoContent, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, ErrNoContent
	}
	msg := parsed.Choices[0].Message
	if msg.Refusal != nil && strings.TrimSpace(*msg.Refusal) != "" {
		return nil, fmt.Errorf("%w: %s", ErrRefused, *msg.Refusal)
	}
	if msg.Content == nil || strings.TrimSpace(*msg.Content) == "" {
		return nil, ErrNoContent
	}
	content := []byte(*msg.Content)
	if !json.Valid(content) {
		return nil, ErrInvalidJSON
	}
	return content, nil
}
