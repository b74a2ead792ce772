package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"rizzmate/backend/internal/config"
)

func newTestOpenAIClient(baseURL string) *OpenAIClient {
	return NewOpenAIClient(config.Config{
		OpenAIAPIKey:          "test-key",
		OpenAIBaseURL:         baseURL,
		OpenAIChatModel:       "gpt-4",
		OpenAIVisionModel:     "gpt-4-vision-preview",
		OpenAITranscribeModel: "whisper-1",
		AITimeoutSeconds:      5,
	})
}

func chatCompletionResponse(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` + mustMarshalJSONString(content) + `}}]}`
}

func mustMarshalJSONString(s string) string {
	encoded, _ := json.Marshal(s)
	return string(encoded)
}

func TestCompleteSendsGenerationParameters(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization header = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		captured = parseJSONStringMap(body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, chatCompletionResponse("hello back"))
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	answer, err := client.Complete(context.Background(), CompletionRequest{
		SystemPrompt: "You are a helper.",
		Conversation: []ChatTurn{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hey"},
			{Role: "system", Content: "must be dropped"},
		},
		UserPrompt:       "what's up?",
		MaxTokens:        replyMaxTokens,
		Temperature:      replyTemperature,
		PresencePenalty:  replyPresencePenalty,
		FrequencyPenalty: replyFrequencyPenalty,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if answer != "hello back" {
		t.Errorf("answer = %q", answer)
	}

	if captured["model"] != "gpt-4" {
		t.Errorf("model = %v", captured["model"])
	}
	if got := captured["max_tokens"]; got != float64(replyMaxTokens) {
		t.Errorf("max_tokens = %v, want %d", got, replyMaxTokens)
	}
	if got := captured["temperature"]; got != replyTemperature {
		t.Errorf("temperature = %v, want %v", got, replyTemperature)
	}
	if got := captured["presence_penalty"]; got != replyPresencePenalty {
		t.Errorf("presence_penalty = %v, want %v", got, replyPresencePenalty)
	}
	if got := captured["frequency_penalty"]; got != replyFrequencyPenalty {
		t.Errorf("frequency_penalty = %v, want %v", got, replyFrequencyPenalty)
	}

	messages, ok := captured["messages"].([]any)
	if !ok {
		t.Fatalf("messages missing: %v", captured)
	}
	// system prompt + 2 surviving turns + user prompt
	if len(messages) != 4 {
		t.Fatalf("got %d messages, want 4: %v", len(messages), messages)
	}
	first := messages[0].(map[string]any)
	if first["role"] != "system" {
		t.Errorf("first message role = %v", first["role"])
	}
	last := messages[3].(map[string]any)
	if last["role"] != "user" || last["content"] != "what's up?" {
		t.Errorf("last message = %v", last)
	}
}

func TestCompleteSurfacesUpstreamErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	_, err := client.Complete(context.Background(), CompletionRequest{UserPrompt: "hi"})
	if err == nil {
		t.Fatal("expected error on 429")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error should carry upstream status: %v", err)
	}
}

func TestCompleteRejectsEmptyAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	if _, err := client.Complete(context.Background(), CompletionRequest{UserPrompt: "hi"}); err == nil {
		t.Fatal("empty choices must be an error")
	}
}

func TestAnalyzeImageSendsDataURL(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured = parseJSONStringMap(body)
		io.WriteString(w, chatCompletionResponse("a sunny photo"))
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	analysis, err := client.AnalyzeImage(context.Background(), []byte{0xFF, 0xD8, 0xFF}, imageAnalysisInstruction, imageAnalysisMaxTokens)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if analysis != "a sunny photo" {
		t.Errorf("analysis = %q", analysis)
	}

	if captured["model"] != "gpt-4-vision-preview" {
		t.Errorf("model = %v", captured["model"])
	}
	if got := captured["max_tokens"]; got != float64(imageAnalysisMaxTokens) {
		t.Errorf("max_tokens = %v, want %d", got, imageAnalysisMaxTokens)
	}

	raw := mustMarshalJSON(captured["messages"])
	if !strings.Contains(raw, "data:image/jpeg;base64,") {
		t.Errorf("request must embed a jpeg data URL: %s", raw)
	}
	if !strings.Contains(raw, "image_url") {
		t.Errorf("request must use image_url content: %s", raw)
	}
}

func TestTranscribeSendsMultipartForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model field = %q", got)
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("language field = %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("file field: %v", err)
		}
		defer file.Close()
		if header.Filename != "note.m4a" {
			t.Errorf("filename = %q", header.Filename)
		}
		io.WriteString(w, `{"text":"  hello from voice  "}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	transcript, err := client.Transcribe(context.Background(), []byte("audio-bytes"), "note.m4a", "en")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if transcript != "hello from voice" {
		t.Errorf("transcript = %q", transcript)
	}
}

func TestTranscribeTreatsEmptyTextAsValid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"text":""}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	transcript, err := client.Transcribe(context.Background(), []byte("audio"), "a.wav", "")
	if err != nil {
		t.Fatalf("empty transcript must not error: %v", err)
	}
	if transcript != "" {
		t.Errorf("transcript = %q, want empty", transcript)
	}
}

func TestCompleteRequiresConfiguration(t *testing.T) {
	client := NewOpenAIClient(config.Config{})
	if _, err := client.Complete(context.Background(), CompletionRequest{UserPrompt: "hi"}); err == nil {
		t.Fatal("unconfigured client must refuse to call upstream")
	}
}
