package ai

import (
	"context"
	"encoding/base64"
	"strings"
)

// ChatGenerator produces an assistant reply for a conversation.
// All LLM providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
type ChatGenerator interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
}

// ChatRequest is a provider-neutral completion request. Model overrides the
// generator's default when set.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []ChatMessage
	MaxTokens int
}

// ChatMessage is one turn. Images are only honored on user turns.
type ChatMessage struct {
	Role    string
	Content string
	Images  []Image
}

// Image is inline image content sent to vision-capable models.
type Image struct {
	MIMEType string
	Data     []byte
}

// Base64 returns the standard base64 encoding of the image bytes.
func (i Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// DataURL returns a data: URL for the image.
func (i Image) DataURL() string {
	return "data:" + i.MIMEType + ";base64," + i.Base64()
}

func pickModel(requested, fallback string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}
	return strings.TrimSpace(fallback)
}
