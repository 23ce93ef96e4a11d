package service

import (
	"strings"

	"github.com/pemistahl/lingua-go"
	"github.com/rs/zerolog/log"
)

// 检测失败时统一回退的语言与置信度。
// 语言检测永远不能让建单失败，所以这里没有错误返回值。
const (
	fallbackLanguage        = "en"
	undeterminedConfidence  = 0.5
	detectionErrConfidence  = 0.3
	minDetectionInputLength = 100
)

// Detector 基于统计模型的本地语言检测
type Detector struct {
	detector lingua.LanguageDetector
}

func NewDetector() *Detector {
	return &Detector{
		detector: lingua.NewLanguageDetectorBuilder().
			FromAllLanguages().
			Build(),
	}
}

// Detect 返回最可能的语言代码和 [0,1] 置信度。
// 文本太短或模型判不出来时回退默认语言，低置信度。
func (d *Detector) Detect(text string) (code string, confidence float64) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("language detection panicked, using fallback")
			code, confidence = fallbackLanguage, detectionErrConfidence
		}
	}()

	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < minDetectionInputLength {
		return fallbackLanguage, detectionErrConfidence
	}

	lang, exists := d.detector.DetectLanguageOf(trimmed)
	if !exists {
		return fallbackLanguage, undeterminedConfidence
	}

	confidence = d.detector.ComputeLanguageConfidence(trimmed, lang)
	if confidence <= 0 {
		confidence = undeterminedConfidence
	}
	return strings.ToLower(lang.IsoCode639_1().String()), confidence
}
