package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"StoryPack-server/config"
)

// SpeechSynthesizer TTS 能力契约
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, params SpeechParams) (SpeechResult, error)
}

type SpeechParams struct {
	Text     string
	Voice    string
	Language string
	Speed    float64
	Endpoint string // selfhosted 时使用故事上声明的地址
}

type SpeechResult struct {
	Audio   []byte
	Seconds float64 // 实测时长，拿不到时为 0，由调用方回退到估算值
}

type ttsApiRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Lang       string  `json:"lang"`
	Speed      float64 `json:"speed"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
}

// selfhosted 服务返回 JSON（b64 音频 + 时长），hosted 服务直接回音频字节流
type ttsApiResponse struct {
	AudioB64 string  `json:"audio_b64"`
	Duration float64 `json:"duration"`
}

type TTSClient struct {
	provider string
	apiUrl   string
	apiKey   string
	client   *http.Client
}

func NewTTSClient(cfg *config.Config) *TTSClient {
	timeout := time.Duration(cfg.TTS.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &TTSClient{
		provider: cfg.TTS.Provider,
		apiUrl:   cfg.TTS.ApiUrl,
		apiKey:   cfg.TTS.ApiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (t *TTSClient) Synthesize(ctx context.Context, params SpeechParams) (SpeechResult, error) {
	speed := params.Speed
	if speed <= 0 {
		speed = 1.0
	}
	reqBody := ttsApiRequest{
		Text:       params.Text,
		Voice:      params.Voice,
		Lang:       params.Language,
		Speed:      speed,
		Format:     "mp3",
		SampleRate: 24000,
	}
	jsonPayload, err := json.Marshal(reqBody)
	if err != nil {
		return SpeechResult{}, fmt.Errorf("marshal request failed: %w", err)
	}

	apiUrl := t.apiUrl
	if t.provider == "selfhosted" && params.Endpoint != "" {
		apiUrl = params.Endpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiUrl, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return SpeechResult{}, err
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return SpeechResult{}, fmt.Errorf("tts request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SpeechResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return SpeechResult{}, newProviderError("tts", resp.StatusCode, body)
	}

	// JSON 响应带时长，二进制响应从头里取时长（可选）
	if isJSONResponse(resp) {
		var ttsResp ttsApiResponse
		if err := json.Unmarshal(body, &ttsResp); err != nil {
			return SpeechResult{}, fmt.Errorf("decode response failed: %w", err)
		}
		audio, err := base64.StdEncoding.DecodeString(ttsResp.AudioB64)
		if err != nil {
			return SpeechResult{}, fmt.Errorf("decode audio failed: %w", err)
		}
		return SpeechResult{Audio: audio, Seconds: ttsResp.Duration}, nil
	}

	seconds := 0.0
	if h := resp.Header.Get("X-Audio-Duration"); h != "" {
		if v, err := strconv.ParseFloat(h, 64); err == nil {
			seconds = v
		}
	}
	return SpeechResult{Audio: body, Seconds: seconds}, nil
}

func isJSONResponse(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json")
}
