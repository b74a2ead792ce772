package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"rizzmate/backend/internal/config"
)

// Fixed generation parameters. These are part of the behavioral contract
// with the reply generator and must not drift silently.
const (
	replyMaxTokens              = 300
	analysisReplyMaxTokens      = 200
	imageAnalysisMaxTokens      = 200
	screenshotAnalysisMaxTokens = 250
	startersMaxTokens           = 300

	replyTemperature      = 0.8
	startersTemperature   = 0.9
	replyPresencePenalty  = 0.6
	replyFrequencyPenalty = 0.3
)

type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	SystemPrompt     string
	Conversation     []ChatTurn
	UserPrompt       string
	MaxTokens        int
	Temperature      float64
	PresencePenalty  float64
	FrequencyPenalty float64
}

type AIClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	AnalyzeImage(ctx context.Context, jpegImage []byte, instruction string, maxTokens int) (string, error)
	Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error)
}

type OpenAIClient struct {
	apiKey          string
	baseURL         string
	chatModel       string
	visionModel     string
	transcribeModel string
	httpClient      *http.Client
}

func NewOpenAIClient(cfg config.Config) *OpenAIClient {
	timeoutSeconds := cfg.AITimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 20
	}
	return &OpenAIClient{
		apiKey:          strings.TrimSpace(cfg.OpenAIAPIKey),
		baseURL:         strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/"),
		chatModel:       strings.TrimSpace(cfg.OpenAIChatModel),
		visionModel:     strings.TrimSpace(cfg.OpenAIVisionModel),
		transcribeModel: strings.TrimSpace(cfg.OpenAITranscribeModel),
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}
}

func (c *OpenAIClient) checkConfigured() error {
	if c.apiKey == "" {
		return errors.New("OPENAI_API_KEY is not configured")
	}
	if c.baseURL == "" {
		return errors.New("OPENAI_BASE_URL is not configured")
	}
	return nil
}

func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if err := c.checkConfigured(); err != nil {
		return "", err
	}

	messages := make([]map[string]any, 0, len(req.Conversation)+2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, map[string]any{"role": "system", "content": strings.TrimSpace(req.SystemPrompt)})
	}
	for _, turn := range req.Conversation {
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		if role != "user" && role != "assistant" {
			continue
		}
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		messages = append(messages, map[string]any{"role": role, "content": content})
	}
	userPrompt := strings.TrimSpace(req.UserPrompt)
	if userPrompt != "" {
		messages = append(messages, map[string]any{"role": "user", "content": userPrompt})
	}
	if len(messages) == 0 {
		return "", errors.New("completion request has no messages")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = replyMaxTokens
	}
	payload := map[string]any{
		"model":      c.chatModel,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.PresencePenalty > 0 {
		payload["presence_penalty"] = req.PresencePenalty
	}
	if req.FrequencyPenalty > 0 {
		payload["frequency_penalty"] = req.FrequencyPenalty
	}

	parsed, err := c.postJSON(ctx, "/chat/completions", payload)
	if err != nil {
		return "", err
	}
	answer := extractChatAnswer(parsed)
	if strings.TrimSpace(answer) == "" {
		logrus.Warnf("openai completion had no extractable answer: %s", truncateForLog(mustMarshalJSON(parsed), 800))
		return "", errors.New("openai completion answer is empty")
	}
	return answer, nil
}

func (c *OpenAIClient) AnalyzeImage(ctx context.Context, jpegImage []byte, instruction string, maxTokens int) (string, error) {
	if err := c.checkConfigured(); err != nil {
		return "", err
	}
	if len(jpegImage) == 0 {
		return "", errors.New("image payload is empty")
	}
	if maxTokens <= 0 {
		maxTokens = imageAnalysisMaxTokens
	}

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegImage)
	payload := map[string]any{
		"model": c.visionModel,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": instruction},
					{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
				},
			},
		},
		"max_tokens": maxTokens,
	}

	parsed, err := c.postJSON(ctx, "/chat/completions", payload)
	if err != nil {
		return "", err
	}
	analysis := extractChatAnswer(parsed)
	if strings.TrimSpace(analysis) == "" {
		return "", errors.New("openai vision analysis is empty")
	}
	return analysis, nil
}

func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	if err := c.checkConfigured(); err != nil {
		return "", err
	}
	if len(audio) == 0 {
		return "", errors.New("audio payload is empty")
	}
	if strings.TrimSpace(filename) == "" {
		filename = "audio.wav"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := writer.WriteField("model", c.transcribeModel); err != nil {
		return "", err
	}
	if strings.TrimSpace(language) != "" {
		if err := writer.WriteField("language", strings.TrimSpace(language)); err != nil {
			return "", err
		}
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return "", err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", fmt.Errorf("openai transcription error (%d): %s", response.StatusCode, truncateForLog(string(responseBody), 800))
	}

	parsed := parseJSONStringMap(responseBody)
	// An empty transcript is a valid low-information turn, not an error.
	return strings.TrimSpace(toString(parsed["text"])), nil
}

func (c *OpenAIClient) postJSON(ctx context.Context, path string, payload map[string]any) (map[string]any, error) {
	bodyRaw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyRaw))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("openai error (%d): %s", response.StatusCode, truncateForLog(string(responseBody), 800))
	}
	return parseJSONStringMap(responseBody), nil
}

func extractChatAnswer(data map[string]any) string {
	choices, ok := data["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	message, ok := first["message"].(map[string]any)
	if !ok {
		return ""
	}
	return strings.TrimSpace(toString(message["content"]))
}

func truncateForLog(value string, limit int) string {
	trimmed := strings.TrimSpace(value)
	if limit <= 0 || len(trimmed) <= limit {
		return trimmed
	}
	return trimmed[:limit] + "...(truncated)"
}

// MockAIClient serves local development without an API key.
type MockAIClient struct{}

func (MockAIClient) Complete(_ context.Context, req CompletionRequest) (string, error) {
	prompt := strings.TrimSpace(req.UserPrompt)
	if prompt == "" {
		prompt = "No prompt provided."
	}
	if strings.Contains(strings.ToLower(prompt), "conversation starters") {
		return strings.Join([]string{
			"1) If you could teleport anywhere right now, where would we be getting coffee?",
			"2) I have a theory you give great movie recommendations. Prove me right?",
			"3) Quick, settle a debate: best late-night snack?",
			"4) Your profile says adventurous. Define adventurous.",
			"5) What's something you're weirdly good at?",
		}, "\n"), nil
	}
	return "Mock reply: " + prompt, nil
}

func (MockAIClient) AnalyzeImage(_ context.Context, _ []byte, instruction string, _ int) (string, error) {
	if strings.Contains(strings.ToLower(instruction), "screenshot") {
		return "Mock screenshot analysis: a chat thread with an unanswered message; a playful follow-up would land well.", nil
	}
	return "Mock image analysis: a sunny outdoor photo with a relaxed mood; complimenting the setting would work.", nil
}

func (MockAIClient) Transcribe(_ context.Context, _ []byte, _ string, _ string) (string, error) {
	return "Mock transcript of the voice note.", nil
}
