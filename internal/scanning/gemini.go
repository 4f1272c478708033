package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/zombor/grocery-tracker/internal/logger"
)

const geminiProvider = "gemini"

// Gemini implements Extractor using Google Gemini
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
}

// NewGemini creates a Gemini extractor. Extra client options are passed to the SDK.
func NewGemini(ctx context.Context, apiKey, modelName string, opts ...option.ClientOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SystemInstruction = genai.NewUserContent(genai.Text(extractionPrompt))
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(temperature)
	model.SetMaxOutputTokens(maxOutputTokens)

	return &Gemini{
		client:  client,
		model:   model,
		timeout: 60 * time.Second,
	}, nil
}

// Extract sends the receipt to Gemini and parses the JSON answer
func (g *Gemini) Extract(ctx context.Context, imageData []byte, filenameHint string) (*ReceiptData, error) {
	log := logger.FromContext(ctx)

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	img, err := prepareImage(imageData, filenameHint)
	if err != nil {
		log.Warn().Err(err).Str("mime_type", img.MIMEType).Msg("Image conversion failed, sending original bytes")
	}

	log.Info().Str("file", filenameHint).Int("size", len(imageData)).Msg("Sending receipt to Gemini")

	resp, err := g.model.GenerateContent(ctx,
		genai.ImageData(img.format(), img.Data),
		genai.Text(userInstruction),
	)
	if err != nil {
		return nil, unavailable(geminiProvider, fmt.Errorf("generating content: %w", err))
	}

	text := candidateText(resp)
	log.Debug().Str("response", text).Msg("Gemini raw response")

	return parseReceiptJSON(ctx, geminiProvider, text)
}

// candidateText concatenates the text parts of the first candidate
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
