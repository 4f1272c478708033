package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/grocery-tracker/internal/logger"
)

const ollamaProvider = "ollama"

// Ollama implements Extractor using a local Ollama server
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a new Ollama extractor.
// Vision models such as llava or qwen2-vl are required.
func NewOllama(baseURL, modelName string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}

	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Extract sends the receipt to Ollama's chat API
func (o *Ollama) Extract(ctx context.Context, imageData []byte, filenameHint string) (*ReceiptData, error) {
	log := logger.FromContext(ctx)

	img, err := prepareImage(imageData, filenameHint)
	if err != nil {
		log.Warn().Err(err).Str("mime_type", img.MIMEType).Msg("Image conversion failed, sending original bytes")
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: "json",
		Options: ollamaOptions{
			Temperature: temperature,
			NumPredict:  maxOutputTokens,
		},
		Messages: []ollamaMessage{
			{Role: "system", Content: extractionPrompt},
			{
				Role:    "user",
				Content: userInstruction,
				Images:  []string{base64.StdEncoding.EncodeToString(img.Data)},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, unavailable(ollamaProvider, fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, unavailable(ollamaProvider, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	log.Info().Str("file", filenameHint).Str("model", o.model).Msg("Sending receipt to Ollama")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, unavailable(ollamaProvider, fmt.Errorf("calling ollama API: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRawPrefix))
		return nil, unavailable(ollamaProvider, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, body))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, unavailable(ollamaProvider, fmt.Errorf("decoding response: %w", err))
	}

	return parseReceiptJSON(ctx, ollamaProvider, chatResp.Message.Content)
}

// Close is a no-op for the HTTP client
func (o *Ollama) Close() error {
	return nil
}
