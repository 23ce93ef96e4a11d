package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"StoryPack-server/config"
	"StoryPack-server/models"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// 流水线步骤名，也是日志和 current_step 的展示文案
const (
	StepChunking    = "chunking"
	StepTranslating = "translating"
	StepSplitting   = "splitting scenes"
	StepGenerating  = "generating media"
	StepAssembling  = "assembling archive"
)

// 各阶段的进度锚点
const (
	progressChunked    = 10
	progressTranslated = 30
	progressSplit      = 40
	progressGenerated  = 90
	progressAssembling = 92
)

// Orchestrator 流水线状态机：created -> queued -> processing -> completed，
// 任一阶段未兜住的错误都把故事打到 failed 终态，后续阶段不再执行。
// 同时也是队列消费者（teacher 模式的 Processor）。
type Orchestrator struct {
	db         *gorm.DB
	cfg        *config.Config
	translator *Translator
	fanout     *Fanout
	assembler  *Assembler
	tracker    *Tracker
}

func NewOrchestrator(db *gorm.DB, cfg *config.Config, translator *Translator,
	fanout *Fanout, assembler *Assembler, tracker *Tracker) *Orchestrator {
	return &Orchestrator{
		db:         db,
		cfg:        cfg,
		translator: translator,
		fanout:     fanout,
		assembler:  assembler,
		tracker:    tracker,
	}
}

// StartProcessor 启动队列消费者
func (o *Orchestrator) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     o.cfg.Redis.Addr,
			Password: o.cfg.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeProcessStory, o.HandleProcessStory)

	log.Info().Int("concurrency", concurrency).Msg("starting story processor")
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatal().Err(err).Msg("could not run asynq server")
		}
	}()
}

// HandleProcessStory 队列回调入口。
// 入口闸之前的错误返回 err 让队列重投；一旦进入 processing，
// 业务失败一律落库成 failed 并返回 nil（重投会被入口闸挡住，重试无意义）。
func (o *Orchestrator) HandleProcessStory(ctx context.Context, t *asynq.Task) error {
	var payload StoryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	story, err := models.GetStoryByID(o.db, payload.StoryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("story not found: %v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	// 入口闸：at-most-one active run。at-least-once 投递的重复消息在这里吞掉
	if err := models.BeginProcessing(o.db, story.ID, StepChunking); err != nil {
		if errors.Is(err, models.ErrAlreadyProcessing) {
			log.Warn().Str("story_id", story.ID).Msg("duplicate processing request rejected")
			return nil
		}
		return err
	}
	story.Status = models.StoryStatusProcessing

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("pipeline panic: %v", r)
			log.Error().Str("story_id", story.ID).Str("panic", msg).Msg("pipeline aborted")
			if err := o.tracker.Fail(story.ID, "pipeline", msg); err != nil {
				log.Error().Err(err).Str("story_id", story.ID).Msg("persist failure state failed")
			}
		}
	}()

	if err := o.run(ctx, story); err != nil {
		log.Error().Err(err).Str("story_id", story.ID).Msg("story pipeline failed")
		return nil
	}
	log.Info().Str("story_id", story.ID).Msg("story pipeline completed")
	return nil
}

// run 严格顺序执行各阶段，边界处持久化进度
func (o *Orchestrator) run(ctx context.Context, story *models.Story) error {
	p := o.cfg.Pipeline

	// 整单重跑：上一轮残留的场景先清掉
	if err := models.DeleteScenesByStoryID(o.db, story.ID); err != nil {
		return o.fail(story.ID, StepChunking, fmt.Errorf("reset scenes failed: %w", err))
	}

	// 1. 分块
	started := time.Now()
	o.tracker.Log(story.ID, StepChunking, models.LogStatusStarted, "", nil, 0)
	chunks := SplitChunks(story.Content, p.MaxChunkSize)
	if len(chunks) == 0 {
		return o.fail(story.ID, StepChunking, fmt.Errorf("content produced no chunks"))
	}
	o.tracker.Log(story.ID, StepChunking, models.LogStatusCompleted, "",
		models.LogMeta{"chunks": len(chunks)}, time.Since(started))
	if err := o.tracker.Progress(story.ID, progressChunked, StepTranslating); err != nil {
		return o.fail(story.ID, StepChunking, err)
	}

	// 2. 翻译改编（全部块成功才算过）
	started = time.Now()
	o.tracker.Log(story.ID, StepTranslating, models.LogStatusStarted, "",
		models.LogMeta{"target_language": story.TargetLanguage, "target_country": story.TargetCountry}, 0)
	adapted, err := o.translator.Adapt(ctx, AdaptRequest{
		Title:          story.Title,
		Chunks:         chunks,
		SourceLanguage: story.Language,
		TargetLanguage: story.TargetLanguage,
		TargetCountry:  story.TargetCountry,
		EnableHooks:    story.EnableHooks,
	})
	if err != nil {
		return o.fail(story.ID, StepTranslating, err)
	}
	if err := o.tracker.SetAdapted(story.ID, adapted.Title, adapted.Content, story.EstimatedTokens); err != nil {
		return o.fail(story.ID, StepTranslating, err)
	}
	meta := models.LogMeta{"length_ratio": adapted.LengthRatio}
	if adapted.Warning != "" {
		meta["warning"] = adapted.Warning
	}
	o.tracker.Log(story.ID, StepTranslating, models.LogStatusCompleted, "", meta, time.Since(started))
	story.AdaptedTitle = adapted.Title
	story.AdaptedContent = adapted.Content

	// 仅翻译模式到此为止，译文即交付物
	if story.TranslationOnly {
		if err := o.tracker.Complete(story.ID, "", 0); err != nil {
			return o.fail(story.ID, StepTranslating, err)
		}
		return nil
	}
	if err := o.tracker.Progress(story.ID, progressTranslated, StepSplitting); err != nil {
		return o.fail(story.ID, StepTranslating, err)
	}

	// 3. 分场并落库
	started = time.Now()
	o.tracker.Log(story.ID, StepSplitting, models.LogStatusStarted, "", nil, 0)
	scenes, err := o.persistScenes(story, adapted.Content)
	if err != nil {
		return o.fail(story.ID, StepSplitting, err)
	}
	imageCount, firstWindowCount := 0, 0
	for i := range scenes {
		if scenes[i].HasImage {
			imageCount++
			if scenes[i].FirstWindow {
				firstWindowCount++
			}
		}
	}
	if err := o.tracker.SetSceneStats(story.ID, len(scenes), imageCount, firstWindowCount); err != nil {
		return o.fail(story.ID, StepSplitting, err)
	}
	o.tracker.Log(story.ID, StepSplitting, models.LogStatusCompleted, "",
		models.LogMeta{"scenes": len(scenes), "images": imageCount}, time.Since(started))
	if err := o.tracker.Progress(story.ID, progressSplit, StepGenerating); err != nil {
		return o.fail(story.ID, StepSplitting, err)
	}

	// 4. 场景媒体 fan-out（单场景失败被隔离，比例超限才整单失败）
	started = time.Now()
	o.tracker.Log(story.ID, StepGenerating, models.LogStatusStarted, "",
		models.LogMeta{"scenes": len(scenes), "images": imageCount}, 0)
	result, err := o.fanout.Execute(ctx, story, scenes, progressSplit, progressGenerated-progressSplit)
	if err != nil {
		return o.fail(story.ID, StepGenerating, err)
	}
	o.tracker.Log(story.ID, StepGenerating, models.LogStatusCompleted, "",
		models.LogMeta{
			"completed_units": result.CompletedUnits,
			"failed_units":    result.FailedUnits,
			"fail_ratio":      result.FailRatio(),
		}, time.Since(started))
	if result.FailRatio() > p.FailRatio {
		stage := "audio synthesis"
		if result.FailedImages >= result.FailedAudio {
			stage = "image generation"
		}
		return o.fail(story.ID, StepGenerating,
			fmt.Errorf("%s failed for %d of %d media units (tolerance %.0f%%)",
				stage, result.FailedUnits, result.TotalUnits, p.FailRatio*100))
	}

	// 5. 打包（所有场景已到终态，这里是 join 之后的唯一一次执行）
	if err := o.tracker.Progress(story.ID, progressAssembling, StepAssembling); err != nil {
		return o.fail(story.ID, StepGenerating, err)
	}
	started = time.Now()
	o.tracker.Log(story.ID, StepAssembling, models.LogStatusStarted, "", nil, 0)
	finalScenes, err := models.GetScenesByStoryID(o.db, story.ID)
	if err != nil {
		return o.fail(story.ID, StepAssembling, err)
	}
	archiveUrl, err := o.assembler.Assemble(ctx, story, finalScenes)
	if err != nil {
		return o.fail(story.ID, StepAssembling, err)
	}
	o.tracker.Log(story.ID, StepAssembling, models.LogStatusCompleted, archiveUrl, nil, time.Since(started))

	if err := o.tracker.Complete(story.ID, archiveUrl, result.NarratedSeconds); err != nil {
		return o.fail(story.ID, StepAssembling, err)
	}
	return nil
}

// persistScenes 分场 + 原文对照 + 批量入库
func (o *Orchestrator) persistScenes(story *models.Story, adaptedContent string) ([]models.Scene, error) {
	drafts := SplitScenes(adaptedContent, story.ImageStyle, o.cfg.Pipeline)
	if len(drafts) == 0 {
		return nil, fmt.Errorf("adapted content produced no scenes")
	}

	// 原文也过一遍同样的切分，单元数吻合时逐场对照
	originals := narrationUnits(story.Content, o.cfg.Pipeline)
	alignOriginal := len(originals) == len(drafts)

	scenes := make([]models.Scene, len(drafts))
	for i, d := range drafts {
		scenes[i] = models.Scene{
			ID:               uuid.NewString(),
			StoryId:          story.ID,
			Seq:              d.Seq,
			Text:             d.Text,
			EstimatedSeconds: d.EstimatedSeconds,
			StartSeconds:     d.StartSeconds,
			HasImage:         d.HasImage,
			FirstWindow:      d.FirstWindow,
			VisualPrompt:     d.VisualPrompt,
			ImageStatus:      models.MediaStatusPending,
			AudioStatus:      models.MediaStatusPending,
		}
		if alignOriginal {
			scenes[i].OriginalText = originals[i]
		}
	}

	if err := models.BatchCreateScenes(o.db, scenes); err != nil {
		return nil, fmt.Errorf("批量创建场景失败: %w", err)
	}
	return scenes, nil
}

// fail 业务失败统一收口：落 failed 终态，错误原样保留
func (o *Orchestrator) fail(storyID, step string, cause error) error {
	if err := o.tracker.Fail(storyID, step, cause.Error()); err != nil {
		log.Error().Err(err).Str("story_id", storyID).Msg("persist failure state failed")
	}
	return cause
}
