package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var pngImage = Image{MIMEType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}

func TestOpenAICompatGeneratorSendsImagePartsAndMaxTokens(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" hi there "}}]}`))
	}))
	defer srv.Close()

	g := NewOpenAICompatGenerator(srv.URL+"/v1", "sk-test", "gpt-4o-mini")
	reply, err := g.Chat(context.Background(), ChatRequest{
		Model:     "gpt-4o",
		System:    "be brief",
		MaxTokens: 2000,
		Messages: []ChatMessage{
			{Role: "assistant", Content: "earlier"},
			{Role: "user", Content: "what is this?", Images: []Image{pngImage}},
		},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "hi there" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if got["model"] != "gpt-4o" || got["max_tokens"] != float64(2000) {
		t.Fatalf("unexpected request: %v", got)
	}
	msgs := got["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("expected system + 2 messages, got %d", len(msgs))
	}
	parts, ok := msgs[2].(map[string]any)["content"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("expected text + image parts, got %v", msgs[2])
	}
	url := parts[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Fatalf("unexpected image url %q", url)
	}
}

func TestOpenAICompatGeneratorReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	g := NewOpenAICompatGenerator(srv.URL, "", "m")
	_, err := g.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "x"}}})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestGeminiGeneratorMapsRolesAndInlineData(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.0-flash:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "k" {
			t.Errorf("missing key")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer srv.Close()

	client, err := NewGeminiClient("k", srv.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	g := NewGeminiGenerator(client, "models/gemini-2.0-flash")
	reply, err := g.Chat(context.Background(), ChatRequest{
		System:    "sys",
		MaxTokens: 100,
		Messages: []ChatMessage{
			{Role: "user", Content: "a"},
			{Role: "assistant", Content: "b"},
			{Role: "user", Content: "c", Images: []Image{pngImage}},
		},
	})
	if err != nil || reply != "ok" {
		t.Fatalf("chat: %q %v", reply, err)
	}
	if len(got.Contents) != 3 || got.Contents[1].Role != "model" {
		t.Fatalf("unexpected contents: %+v", got.Contents)
	}
	if got.Contents[2].Parts[1].InlineData == nil || got.Contents[2].Parts[1].InlineData.MIMEType != "image/png" {
		t.Fatalf("expected inline image, got %+v", got.Contents[2].Parts)
	}
	if got.SystemInstruction == nil || got.GenerationConfig == nil || got.GenerationConfig.MaxOutputTokens != 100 {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestOllamaGeneratorSendsImages(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"llama says hi"}}`))
	}))
	defer srv.Close()

	g := NewOllamaGenerator(NewOllamaClient(srv.URL), "llava")
	reply, err := g.Chat(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "look", Images: []Image{pngImage}}},
	})
	if err != nil || reply != "llama says hi" {
		t.Fatalf("chat: %q %v", reply, err)
	}
	if got.Model != "llava" || got.Stream || len(got.Messages) != 1 || len(got.Messages[0].Images) != 1 {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.Messages[0].Images[0] != pngImage.Base64() {
		t.Fatalf("unexpected image payload")
	}
}
