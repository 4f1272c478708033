package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// parseReceiptJSON turns raw model text into ReceiptData.
// Blank text is an EmptyResponse; anything that is not a JSON object is InvalidJSON.
func parseReceiptJSON(ctx context.Context, provider, text string) (*ReceiptData, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, emptyResponse(provider)
	}

	body := stripCodeFence(text)

	start := strings.Index(body, "{")
	if start == -1 {
		return nil, invalidJSON(provider, text, errors.New("no JSON object found in response"))
	}
	end := strings.LastIndex(body, "}")
	if end < start {
		return nil, invalidJSON(provider, text, errors.New("unterminated JSON object in response"))
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(body[start:end+1]), &raw); err != nil {
		return nil, invalidJSON(provider, text, fmt.Errorf("unmarshaling json: %w", err))
	}

	return coerceReceipt(ctx, raw), nil
}

// stripCodeFence removes a surrounding ```json ... ``` wrapper
func stripCodeFence(text string) string {
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```JSON")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
