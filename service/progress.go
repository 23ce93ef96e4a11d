package service

import (
	"fmt"
	"time"

	"StoryPack-server/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Tracker 故事运行状态的唯一写入口。
// 编排器和 fan-out 工作协程都经由这里落库，进度用 SQL 表达式
// 原子取大合并，不做读-改-写，并发完成事件不会互相丢更新；
// 每次写都等落库成功才返回，流水线不会在未确认的状态上继续跑。
type Tracker struct {
	db *gorm.DB
}

func NewTracker(db *gorm.DB) *Tracker {
	return &Tracker{db: db}
}

// Progress 推进进度并更新当前步骤。processing 期间进度只增不减。
func (t *Tracker) Progress(storyID string, pct int, step string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	err := t.db.Model(&models.Story{}).
		Where("id = ? AND status = ?", storyID, models.StoryStatusProcessing).
		Updates(map[string]interface{}{
			"progress":     gorm.Expr("CASE WHEN progress > ? THEN progress ELSE ? END", pct, pct),
			"current_step": step,
			"updated_at":   time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("persist progress failed: %w", err)
	}
	return nil
}

// Log 追加一条流水线日志（只追加，绝不回改）
func (t *Tracker) Log(storyID, step, status, message string, meta models.LogMeta, dur time.Duration) {
	entry := &models.ProcessLog{
		StoryId:    storyID,
		Step:       step,
		Status:     status,
		Message:    message,
		Meta:       meta,
		DurationMs: dur.Milliseconds(),
	}
	if err := models.AppendProcessLog(t.db, entry); err != nil {
		// 审计日志写失败不阻断流水线，但要有痕迹
		log.Error().Err(err).Str("story_id", storyID).Str("step", step).Msg("append process log failed")
	}
}

// SetAdapted 翻译改编完成后写回标题与正文
func (t *Tracker) SetAdapted(storyID, title, content string, estimatedTokens int) error {
	return t.update(storyID, map[string]interface{}{
		"adapted_title":    title,
		"adapted_content":  content,
		"estimated_tokens": estimatedTokens,
	})
}

// SetSceneStats 分场落库后写回派生统计
func (t *Tracker) SetSceneStats(storyID string, sceneCount, imageCount, firstWindowCount int) error {
	return t.update(storyID, map[string]interface{}{
		"scene_count":        sceneCount,
		"image_count":        imageCount,
		"first_window_count": firstWindowCount,
	})
}

// Complete processing -> completed，终态
func (t *Tracker) Complete(storyID, archiveUrl string, narratedSeconds float64) error {
	res := t.db.Model(&models.Story{}).
		Where("id = ? AND status = ?", storyID, models.StoryStatusProcessing).
		Updates(map[string]interface{}{
			"status":           models.StoryStatusCompleted,
			"progress":         100,
			"current_step":     "completed",
			"archive_url":      archiveUrl,
			"narrated_seconds": narratedSeconds,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("persist completion failed: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("story %s not in processing state at completion", storyID)
	}
	return nil
}

// Fail 任意非终态 -> failed，错误信息原样保留给运维排查
func (t *Tracker) Fail(storyID, step, errMsg string) error {
	err := t.db.Model(&models.Story{}).
		Where("id = ? AND status NOT IN ?", storyID,
			[]string{models.StoryStatusCompleted, models.StoryStatusFailed}).
		Updates(map[string]interface{}{
			"status":        models.StoryStatusFailed,
			"current_step":  step,
			"error_message": errMsg,
			"updated_at":    time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("persist failure failed: %w", err)
	}
	t.Log(storyID, step, models.LogStatusFailed, errMsg, nil, 0)
	return nil
}

func (t *Tracker) update(storyID string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	if err := t.db.Model(&models.Story{}).Where("id = ?", storyID).Updates(updates).Error; err != nil {
		return fmt.Errorf("persist story update failed: %w", err)
	}
	return nil
}
