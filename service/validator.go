package service

import (
	"fmt"
	"net/url"
	"strings"

	"StoryPack-server/config"
	"StoryPack-server/models"
)

// StoryInput 建单参数，校验通过后才会落库
type StoryInput struct {
	Title            string  `json:"title" binding:"required"`
	Content          string  `json:"content" binding:"required"`
	Language         string  `json:"language"`
	TargetLanguage   string  `json:"targetLanguage" binding:"required"`
	TargetCountry    string  `json:"targetCountry"`
	LLMModel         string  `json:"llmModel"`
	TTSProvider      string  `json:"ttsProvider"`
	TTSVoice         string  `json:"ttsVoice"`
	TTSSpeed         float64 `json:"ttsSpeed"`
	TTSEndpoint      string  `json:"ttsEndpoint"`
	ImageStyle       string  `json:"imageStyle"`
	ImageAspectRatio string  `json:"imageAspectRatio"`
	ImageSeed        *int64  `json:"imageSeed"`
	TranslationOnly  bool    `json:"translationOnly"`
	EnableHooks      bool    `json:"enableHooks"`
}

type ValidationResult struct {
	Valid           bool     `json:"valid"`
	Errors          []string `json:"errors"`
	Warnings        []string `json:"warnings"`
	EstimatedTokens int      `json:"estimatedTokens"`
	EstimatedCost   float64  `json:"estimatedCost"`
}

// Validate 纯函数校验，不依赖网络和存储，可单独做单元测试。
// 校验失败属于不可重试的错误，直接回给调用方。
func Validate(input StoryInput, p config.Pipeline) ValidationResult {
	result := ValidationResult{Valid: true}
	addErr := func(format string, args ...interface{}) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	contentLen := len([]rune(strings.TrimSpace(input.Content)))
	if contentLen < p.MinContentLength {
		addErr("content too short: %d chars, minimum %d", contentLen, p.MinContentLength)
	}
	if contentLen > p.MaxContentLength {
		addErr("content too long: %d chars, maximum %d", contentLen, p.MaxContentLength)
	}
	if strings.TrimSpace(input.Title) == "" {
		addErr("title is required")
	}
	if strings.TrimSpace(input.TargetLanguage) == "" {
		addErr("target language is required")
	}

	if strings.TrimSpace(input.TTSVoice) == "" {
		addErr("tts voice id is required")
	}
	if input.TTSProvider == models.TTSProviderSelfHosted {
		if input.TTSEndpoint == "" {
			addErr("tts endpoint url is required for selfhosted provider")
		} else if u, err := url.Parse(input.TTSEndpoint); err != nil || u.Scheme == "" || u.Host == "" {
			addErr("tts endpoint url is not a valid url: %s", input.TTSEndpoint)
		}
	}
	if input.TTSSpeed != 0 && (input.TTSSpeed < 0.5 || input.TTSSpeed > 2.0) {
		addErr("tts speed must be within [0.5, 2.0], got %.2f", input.TTSSpeed)
	}

	// 粗略的 token 估算：约 4 字符一个 token，翻译输入输出各算一遍
	result.EstimatedTokens = contentLen / 2
	result.EstimatedCost = float64(result.EstimatedTokens) / 1000 * p.TokenCostPer1K

	if input.Language != "" && input.Language == input.TargetLanguage {
		result.Warnings = append(result.Warnings,
			"source and target language are identical, adaptation will be a rewrite only")
	}
	if contentLen > p.MaxContentLength/2 {
		result.Warnings = append(result.Warnings, "long content, generation may take a while")
	}
	return result
}
