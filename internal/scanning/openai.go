package scanning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/zombor/grocery-tracker/internal/logger"
)

const openAIProvider = "openai"

// OpenAI implements Extractor against an OpenAI-compatible chat completions API
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates an OpenAI extractor. baseURL defaults to the public API.
func NewOpenAI(baseURL, apiKey, modelName string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if modelName == "" {
		modelName = openai.GPT4o
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	config.HTTPClient = &http.Client{Timeout: 120 * time.Second}

	return &OpenAI{
		client: openai.NewClientWithConfig(config),
		model:  modelName,
	}, nil
}

// Extract sends the receipt as a data URL image part
func (o *OpenAI) Extract(ctx context.Context, imageData []byte, filenameHint string) (*ReceiptData, error) {
	log := logger.FromContext(ctx)

	img, err := prepareImage(imageData, filenameHint)
	if err != nil {
		log.Warn().Err(err).Str("mime_type", img.MIMEType).Msg("Image conversion failed, sending original bytes")
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", img.MIMEType, base64.StdEncoding.EncodeToString(img.Data))

	req := openai.ChatCompletionRequest{
		Model:       o.model,
		MaxTokens:   maxOutputTokens,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractionPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: userInstruction},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL, Detail: openai.ImageURLDetailHigh},
					},
				},
			},
		},
	}

	log.Info().Str("file", filenameHint).Int("size", len(imageData)).Str("model", o.model).Msg("Sending receipt to OpenAI")

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, unavailable(openAIProvider, fmt.Errorf("openai API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message))
		}
		return nil, unavailable(openAIProvider, fmt.Errorf("calling chat completions: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, emptyResponse(openAIProvider)
	}

	return parseReceiptJSON(ctx, openAIProvider, resp.Choices[0].Message.Content)
}

// Close is a no-op for the HTTP client
func (o *OpenAI) Close() error {
	return nil
}
