package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"StoryPack-server/config"
)

// ProviderError 外部能力返回的业务错误。
// 4xx（限流和超时除外）视为永久错误，不值得重试。
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider status %d: %s", e.Provider, e.Status, e.Body)
}

func (e *ProviderError) Permanent() bool {
	if e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout {
		return false
	}
	return e.Status >= 400 && e.Status < 500
}

func newProviderError(provider string, status int, body []byte) *ProviderError {
	msg := string(body)
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	return &ProviderError{Provider: provider, Status: status, Body: msg}
}

// ChatCompleter LLM 能力契约：一段指令 + 一段输入 -> 一段输出
type ChatCompleter interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// LLMClient chat-completions 风格的 HTTP 客户端
type LLMClient struct {
	apiUrl string
	apiKey string
	model  string
	client *http.Client
}

func NewLLMClient(cfg *config.Config) *LLMClient {
	timeout := time.Duration(cfg.LLM.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLMClient{
		apiUrl: cfg.LLM.ApiUrl,
		apiKey: cfg.LLM.ApiKey,
		model:  cfg.LLM.Model,
		client: &http.Client{Timeout: timeout},
	}
}

func (l *LLMClient) Complete(ctx context.Context, system, user string) (string, error) {
	reqBody := chatRequest{
		Model: l.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	jsonPayload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.apiUrl, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+l.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", newProviderError("llm", resp.StatusCode, body)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("decode response failed: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("llm response has no choices")
	}
	return chatResp.Choices[0].Message.Content, nil
}
