package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"StoryPack-server/config"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

const adaptSystemPrompt = `You are a professional literary translator and cultural localizer.
Translate the given story fragment into the target language and adapt it for the target country:
localize idioms, units of measure and cultural references while preserving the narrative meaning,
tone and approximate length. Respond with ONLY the adapted text - no preamble, no markdown, no notes.`

const hookInstruction = `This fragment opens the story. Begin with a short attention hook
(one or two sentences) that pulls the listener in, then continue with the adapted content.`

const retitleSystemPrompt = `You are a professional literary translator. Translate and culturally
adapt the given story title for the target language and country. Respond with ONLY the adapted
title on a single line - no quotes, no explanation.`

// AdaptRequest 整篇故事的翻译改编请求
type AdaptRequest struct {
	Title          string
	Chunks         []string
	SourceLanguage string
	TargetLanguage string
	TargetCountry  string
	EnableHooks    bool
}

type AdaptResult struct {
	Title       string
	Content     string
	LengthRatio float64 // 译文长度 / 原文长度
	Warning     string  // 长度偏差超容忍时的告警（不阻断，下游可见）
}

// Translator 翻译改编阶段：逐块并发调用 LLM，按原始顺序重组。
// 任何一块重试耗尽即整个阶段失败，不接受部分成功。
type Translator struct {
	llm  ChatCompleter
	pool *ants.Pool
	cfg  config.Pipeline
}

func NewTranslator(llm ChatCompleter, pool *ants.Pool, cfg config.Pipeline) *Translator {
	return &Translator{llm: llm, pool: pool, cfg: cfg}
}

func (t *Translator) Adapt(ctx context.Context, req AdaptRequest) (*AdaptResult, error) {
	if len(req.Chunks) == 0 {
		return nil, fmt.Errorf("no chunks to translate")
	}

	newCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 结果按下标写回，完成顺序不影响重组顺序
	results := make([]string, len(req.Chunks))
	errs := make([]error, len(req.Chunks))

	var wg sync.WaitGroup
	for idx, chunk := range req.Chunks {
		idx, chunk := idx, chunk
		wg.Add(1)
		if err := t.pool.Submit(func() {
			defer wg.Done()
			if newCtx.Err() != nil {
				errs[idx] = newCtx.Err()
				return
			}
			adapted, err := t.adaptChunk(newCtx, req, idx, chunk)
			if err != nil {
				errs[idx] = err
				cancel() // 一块失败，其余块尽快止损
				return
			}
			results[idx] = adapted
		}); err != nil {
			wg.Done()
			errs[idx] = err
			cancel()
		}
	}
	wg.Wait()

	for idx, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("chunk %d translation failed: %w", idx+1, err)
		}
	}

	title, err := t.retitle(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("title adaptation failed: %w", err)
	}

	result := &AdaptResult{
		Title:   title,
		Content: strings.Join(results, "\n\n"),
	}

	srcLen := 0
	for _, c := range req.Chunks {
		srcLen += len([]rune(c))
	}
	dstLen := len([]rune(result.Content))
	if srcLen > 0 {
		result.LengthRatio = float64(dstLen) / float64(srcLen)
	}
	// 时长不应偏离原文太多，超出容忍度记录下来，由调用方决定如何呈现
	if result.LengthRatio > 0 &&
		(result.LengthRatio < 1-t.cfg.LengthTolerance || result.LengthRatio > 1+t.cfg.LengthTolerance) {
		result.Warning = fmt.Sprintf("adapted length ratio %.2f outside tolerance %.2f", result.LengthRatio, t.cfg.LengthTolerance)
		log.Warn().Float64("ratio", result.LengthRatio).Msg("adapted content length diverges from source")
	}

	return result, nil
}

func (t *Translator) adaptChunk(ctx context.Context, req AdaptRequest, idx int, chunk string) (string, error) {
	system := adaptSystemPrompt
	if req.EnableHooks && idx == 0 {
		system += "\n" + hookInstruction
	}
	user := fmt.Sprintf("Source language: %s\nTarget language: %s\nTarget country: %s\n\n%s",
		orUnknown(req.SourceLanguage), req.TargetLanguage, orUnknown(req.TargetCountry), chunk)

	var adapted string
	attempts, err := retryCall(ctx, t.cfg, func() error {
		out, err := t.llm.Complete(ctx, system, user)
		if err != nil {
			return err
		}
		if strings.TrimSpace(out) == "" {
			return fmt.Errorf("empty translation for chunk %d", idx+1)
		}
		adapted = strings.TrimSpace(out)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Int("chunk", idx+1).Int("attempts", attempts).Msg("chunk translation failed")
		return "", err
	}
	return adapted, nil
}

func (t *Translator) retitle(ctx context.Context, req AdaptRequest) (string, error) {
	user := fmt.Sprintf("Target language: %s\nTarget country: %s\n\nTitle: %s",
		req.TargetLanguage, orUnknown(req.TargetCountry), req.Title)

	var title string
	_, err := retryCall(ctx, t.cfg, func() error {
		out, err := t.llm.Complete(ctx, retitleSystemPrompt, user)
		if err != nil {
			return err
		}
		title = strings.TrimSpace(strings.Split(strings.TrimSpace(out), "\n")[0])
		if title == "" {
			return fmt.Errorf("empty adapted title")
		}
		return nil
	})
	return title, err
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
