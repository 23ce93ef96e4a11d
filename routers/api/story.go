package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"StoryPack-server/config"
	"StoryPack-server/models"
	"StoryPack-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Handler 路由层薄胶水：校验、建单、触发、读状态。核心逻辑都在 service 里。
type Handler struct {
	DB       *gorm.DB
	Cfg      *config.Config
	Queue    *service.Queue
	Store    service.MediaStore
	Detector *service.Detector
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// CreateStory POST /v1/api/stories
func (h *Handler) CreateStory(c *gin.Context) {
	var input service.StoryInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := service.Validate(input, h.Cfg.Pipeline)
	if !result.Valid {
		c.JSON(http.StatusBadRequest, gin.H{"validation": result})
		return
	}

	// 未声明原文语言时本地检测，检测失败也不会阻断建单
	language, score := input.Language, 1.0
	if language == "" {
		language, score = h.Detector.Detect(input.Content)
	}

	story := &models.Story{
		ID:               uuid.NewString(),
		Title:            input.Title,
		Content:          input.Content,
		Language:         language,
		LanguageScore:    score,
		TargetLanguage:   input.TargetLanguage,
		TargetCountry:    input.TargetCountry,
		LLMModel:         input.LLMModel,
		TTSProvider:      input.TTSProvider,
		TTSVoice:         input.TTSVoice,
		TTSSpeed:         input.TTSSpeed,
		TTSEndpoint:      input.TTSEndpoint,
		ImageStyle:       input.ImageStyle,
		ImageAspectRatio: input.ImageAspectRatio,
		ImageSeed:        input.ImageSeed,
		TranslationOnly:  input.TranslationOnly,
		EnableHooks:      input.EnableHooks,
		Status:           models.StoryStatusCreated,
		EstimatedTokens:  result.EstimatedTokens,
	}
	if err := models.CreateStory(h.DB, story); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create story failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"story": story, "validation": result})
}

// ValidateStory POST /v1/api/stories/validate 纯校验，不落库
func (h *Handler) ValidateStory(c *gin.Context) {
	var input service.StoryInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"validation": service.Validate(input, h.Cfg.Pipeline)})
}

// ProcessStory POST /v1/api/stories/:story_id/process
// 已在跑的单子拒绝二次触发，这是故事级的并发安全闸
func (h *Handler) ProcessStory(c *gin.Context) {
	storyID := c.Param("story_id")

	if err := models.MarkQueued(h.DB, storyID, ""); err != nil {
		switch {
		case errors.Is(err, models.ErrAlreadyProcessing):
			c.JSON(http.StatusBadRequest, gin.H{"error": "story is already processing"})
		case errors.Is(err, models.ErrTerminalStory):
			c.JSON(http.StatusBadRequest, gin.H{"error": "story already completed"})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "story not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	runID, err := h.Queue.Enqueue(storyID)
	if err != nil {
		// 入队失败，别把单子卡在 queued
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if dbErr := h.DB.Model(&models.Story{}).Where("id = ?", storyID).
			Updates(map[string]interface{}{
				"status":        models.StoryStatusFailed,
				"error_message": msg,
			}).Error; dbErr != nil {
			log.Error().Err(dbErr).Str("story_id", storyID).Msg("rollback to failed state failed")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
		return
	}
	if err := h.DB.Model(&models.Story{}).Where("id = ?", storyID).
		UpdateColumn("run_id", runID).Error; err != nil {
		log.Error().Err(err).Str("story_id", storyID).Msg("persist run id failed")
	}

	c.JSON(http.StatusAccepted, gin.H{"storyId": storyID, "runId": runID})
}

// GetStory GET /v1/api/stories/:story_id 轮询状态用
func (h *Handler) GetStory(c *gin.Context) {
	story, err := models.GetStoryByID(h.DB, c.Param("story_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "story not found: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"story": story})
}

// GetScenes GET /v1/api/stories/:story_id/scenes
func (h *Handler) GetScenes(c *gin.Context) {
	scenes, err := models.GetScenesByStoryID(h.DB, c.Param("story_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenes": scenes})
}

// GetLogs GET /v1/api/stories/:story_id/logs 按创建时间排好的审计日志
func (h *Handler) GetLogs(c *gin.Context) {
	logs, err := models.GetProcessLogs(h.DB, c.Param("story_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// GetArchive GET /v1/api/stories/:story_id/archive 完成后才有包
func (h *Handler) GetArchive(c *gin.Context) {
	story, err := models.GetStoryByID(h.DB, c.Param("story_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "story not found: " + err.Error()})
		return
	}
	if story.Status != models.StoryStatusCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": "story not completed", "status": story.Status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"archiveUrl": story.ArchiveUrl})
}

// DeleteStory DELETE /v1/api/stories/:story_id
// 显式删除才清理，失败单留下的半成品媒体不在失败路径里自动回滚
func (h *Handler) DeleteStory(c *gin.Context) {
	storyID := c.Param("story_id")
	if _, err := models.GetStoryByID(h.DB, storyID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "story not found: " + err.Error()})
		return
	}

	if err := h.Store.RemoveByPrefix(c.Request.Context(), fmt.Sprintf("stories/%s/", storyID)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "remove media failed: " + err.Error()})
		return
	}
	if err := models.DeleteStoryCascade(h.DB, storyID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete story failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": storyID})
}

// StoryProgressWebSocket GET /stories/:story_id/ws
// 以数据库为来源：每秒查一次，有变化才推送，终态推完即关
func (h *Handler) StoryProgressWebSocket(c *gin.Context) {
	storyID := c.Param("story_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "websocket upgrade failed"})
		return
	}
	defer conn.Close()

	story, err := models.GetStoryByID(h.DB, storyID)
	if err != nil {
		_ = conn.WriteJSON(map[string]interface{}{"error": "story not found: " + err.Error()})
		return
	}
	_ = conn.WriteJSON(progressView(story))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	prevStatus, prevProgress := story.Status, story.Progress
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur, err := models.GetStoryByID(h.DB, storyID)
			if err != nil {
				continue
			}
			if cur.Status != prevStatus || cur.Progress != prevProgress {
				if err := conn.WriteJSON(progressView(cur)); err != nil {
					return
				}
				prevStatus, prevProgress = cur.Status, cur.Progress
			}
			if cur.Status == models.StoryStatusCompleted || cur.Status == models.StoryStatusFailed {
				_ = conn.WriteJSON(progressView(cur))
				return
			}
		}
	}
}

func progressView(s *models.Story) map[string]interface{} {
	return map[string]interface{}{
		"storyId":      s.ID,
		"status":       s.Status,
		"progress":     s.Progress,
		"currentStep":  s.CurrentStep,
		"errorMessage": s.ErrorMessage,
	}
}
