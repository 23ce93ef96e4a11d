package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"StoryPack-server/config"
	"StoryPack-server/models"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// FanoutResult fan-out 的汇总，编排器据此判定整单成败
type FanoutResult struct {
	TotalUnits      int // 媒体单元 = 每场景一条音频 + 标记场景一张图
	CompletedUnits  int
	FailedUnits     int
	FailedImages    int
	FailedAudio     int
	NarratedSeconds float64 // 实测累计旁白时长
}

// FailRatio 失败媒体单元占比
func (r *FanoutResult) FailRatio() float64 {
	if r.TotalUnits == 0 {
		return 0
	}
	return float64(r.FailedUnits) / float64(r.TotalUnits)
}

// Fanout 场景级并发执行器。
// 工作池限定同时在跑的场景数；单个场景内图片和音频各自独立并发。
// 每次外部调用带退避重试，重试耗尽只把对应轨道标为 failed，
// 不影响兄弟场景；是否整单失败由编排器按失败比例判定。
type Fanout struct {
	db      *gorm.DB
	pool    *ants.Pool
	images  ImageGenerator
	speech  SpeechSynthesizer
	store   MediaStore
	tracker *Tracker
	cfg     config.Pipeline
}

func NewFanout(db *gorm.DB, pool *ants.Pool, images ImageGenerator, speech SpeechSynthesizer,
	store MediaStore, tracker *Tracker, cfg config.Pipeline) *Fanout {
	return &Fanout{
		db:      db,
		pool:    pool,
		images:  images,
		speech:  speech,
		store:   store,
		tracker: tracker,
		cfg:     cfg,
	}
}

// Execute 跑完整个场景列表后才返回（打包阶段要求所有场景先到终态）。
// 进度在 [base, base+span] 区间内按已完结媒体单元比例推进。
func (f *Fanout) Execute(ctx context.Context, story *models.Story, scenes []models.Scene, base, span int) (*FanoutResult, error) {
	result := &FanoutResult{}
	for i := range scenes {
		result.TotalUnits++ // 音频
		if scenes[i].HasImage {
			result.TotalUnits++
		}
	}
	if result.TotalUnits == 0 {
		return result, nil
	}

	var (
		mu        sync.Mutex
		doneUnits int64
		wg        sync.WaitGroup
	)

	// 每完结一个媒体单元（成功或终败）重算一次整体进度
	unitDone := func(failed bool, isImage bool, seconds float64) {
		mu.Lock()
		if failed {
			result.FailedUnits++
			if isImage {
				result.FailedImages++
			} else {
				result.FailedAudio++
			}
		} else {
			result.CompletedUnits++
			if !isImage {
				result.NarratedSeconds += seconds
			}
		}
		mu.Unlock()

		done := atomic.AddInt64(&doneUnits, 1)
		pct := base + span*int(done)/result.TotalUnits
		if err := f.tracker.Progress(story.ID, pct, "generating media"); err != nil {
			log.Error().Err(err).Str("story_id", story.ID).Msg("progress update failed")
		}
	}

	for i := range scenes {
		scene := scenes[i]
		wg.Add(1)
		if err := f.pool.Submit(func() {
			defer wg.Done()
			f.runScene(ctx, story, scene, unitDone)
		}); err != nil {
			wg.Done()
			return nil, fmt.Errorf("submit scene %d failed: %w", scene.Seq, err)
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// runScene 图片和音频两条轨道并发生成，各自独立到达终态
func (f *Fanout) runScene(ctx context.Context, story *models.Story, scene models.Scene,
	unitDone func(failed bool, isImage bool, seconds float64)) {

	var inner sync.WaitGroup
	if scene.HasImage {
		inner.Add(1)
		go func() {
			defer inner.Done()
			f.runImage(ctx, story, scene, unitDone)
		}()
	}
	inner.Add(1)
	go func() {
		defer inner.Done()
		f.runAudio(ctx, story, scene, unitDone)
	}()
	inner.Wait()
}

func (f *Fanout) runImage(ctx context.Context, story *models.Story, scene models.Scene,
	unitDone func(bool, bool, float64)) {

	ok, err := models.MarkImageProcessing(f.db, scene.ID)
	if err != nil || !ok {
		// 状态没能从 pending 推进，说明重复投递或库出问题，跳过不重复计数
		log.Warn().Err(err).Str("scene", scene.ID).Msg("image track not in pending state, skipped")
		return
	}

	var url string
	attempts, genErr := retryCall(ctx, f.cfg, func() error {
		data, err := f.images.Generate(ctx, ImageParams{
			Prompt:      scene.VisualPrompt,
			Style:       story.ImageStyle,
			AspectRatio: story.ImageAspectRatio,
			Seed:        story.ImageSeed,
		})
		if err != nil {
			return err
		}
		object := fmt.Sprintf("stories/%s/scenes/%03d/image.png", story.ID, scene.Seq)
		u, err := f.store.Upload(ctx, object, data, "image/png")
		if err != nil {
			return err
		}
		url = u
		return nil
	})

	if genErr != nil {
		log.Error().Err(genErr).Str("story_id", story.ID).Int("scene", scene.Seq).
			Int("attempts", attempts).Msg("image generation failed")
		if _, err := models.MarkImageFailed(f.db, scene.ID, attempts, genErr.Error()); err != nil {
			log.Error().Err(err).Str("scene", scene.ID).Msg("mark image failed error")
		}
		unitDone(true, true, 0)
		return
	}

	if _, err := models.MarkImageCompleted(f.db, scene.ID, url); err != nil {
		log.Error().Err(err).Str("scene", scene.ID).Msg("mark image completed error")
		unitDone(true, true, 0)
		return
	}
	unitDone(false, true, 0)
}

func (f *Fanout) runAudio(ctx context.Context, story *models.Story, scene models.Scene,
	unitDone func(bool, bool, float64)) {

	ok, err := models.MarkAudioProcessing(f.db, scene.ID)
	if err != nil || !ok {
		log.Warn().Err(err).Str("scene", scene.ID).Msg("audio track not in pending state, skipped")
		return
	}

	var (
		url     string
		seconds float64
	)
	attempts, genErr := retryCall(ctx, f.cfg, func() error {
		res, err := f.speech.Synthesize(ctx, SpeechParams{
			Text:     scene.Text,
			Voice:    story.TTSVoice,
			Language: story.TargetLanguage,
			Speed:    story.TTSSpeed,
			Endpoint: story.TTSEndpoint,
		})
		if err != nil {
			return err
		}
		object := fmt.Sprintf("stories/%s/scenes/%03d/audio.mp3", story.ID, scene.Seq)
		u, err := f.store.Upload(ctx, object, res.Audio, "audio/mpeg")
		if err != nil {
			return err
		}
		url = u
		seconds = res.Seconds
		if seconds <= 0 {
			seconds = scene.EstimatedSeconds // 提供方没回时长时退回估算值
		}
		return nil
	})

	if genErr != nil {
		log.Error().Err(genErr).Str("story_id", story.ID).Int("scene", scene.Seq).
			Int("attempts", attempts).Msg("audio generation failed")
		if _, err := models.MarkAudioFailed(f.db, scene.ID, attempts, genErr.Error()); err != nil {
			log.Error().Err(err).Str("scene", scene.ID).Msg("mark audio failed error")
		}
		unitDone(true, false, 0)
		return
	}

	if _, err := models.MarkAudioCompleted(f.db, scene.ID, url, seconds); err != nil {
		log.Error().Err(err).Str("scene", scene.ID).Msg("mark audio completed error")
		unitDone(true, false, 0)
		return
	}
	unitDone(false, false, seconds)
}
