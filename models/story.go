package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// 故事状态（单向流转，completed/failed 为终态）
const (
	StoryStatusCreated    = "created"
	StoryStatusQueued     = "queued"
	StoryStatusProcessing = "processing"
	StoryStatusCompleted  = "completed"
	StoryStatusFailed     = "failed"
)

// TTS 提供方类型
const (
	TTSProviderHosted     = "hosted"
	TTSProviderSelfHosted = "selfhosted"
)

var (
	// ErrAlreadyProcessing 同一故事已有进行中的运行，拒绝重复处理
	ErrAlreadyProcessing = errors.New("story is already queued or processing")
	// ErrTerminalStory 终态故事不允许再次处理
	ErrTerminalStory = errors.New("story is in a terminal state")
)

type Story struct {
	ID string `gorm:"primaryKey;type:varchar(64)" json:"id"`

	// 输入
	Title            string  `json:"title"`
	Content          string  `gorm:"type:longtext" json:"content"`
	Language         string  `json:"language"`         // 原文语言（声明或检测）
	LanguageScore    float64 `json:"languageScore"`    // 检测置信度
	TargetLanguage   string  `json:"targetLanguage"`
	TargetCountry    string  `json:"targetCountry"`
	LLMModel         string  `json:"llmModel"`
	TTSProvider      string  `json:"ttsProvider"`
	TTSVoice         string  `json:"ttsVoice"`
	TTSSpeed         float64 `json:"ttsSpeed"`
	TTSEndpoint      string  `json:"ttsEndpoint"` // selfhosted 时必填
	ImageStyle       string  `json:"imageStyle"`
	ImageAspectRatio string  `json:"imageAspectRatio"`
	ImageSeed        *int64  `json:"imageSeed,omitempty"`
	TranslationOnly  bool    `json:"translationOnly"`
	EnableHooks      bool    `json:"enableHooks"`

	// 输出
	AdaptedTitle   string `json:"adaptedTitle"`
	AdaptedContent string `gorm:"type:longtext" json:"adaptedContent"`
	ArchiveUrl     string `json:"archiveUrl"`

	// 运行状态
	Status       string `gorm:"index" json:"status"`
	Progress     int    `json:"progress"`
	CurrentStep  string `json:"currentStep"`
	ErrorMessage string `gorm:"type:text" json:"errorMessage"`
	RetryCount   int    `json:"retryCount"`
	RunID        string `json:"runId"` // 队列侧的运行标识

	// 派生统计
	SceneCount       int     `json:"sceneCount"`
	ImageCount       int     `json:"imageCount"`
	FirstWindowCount int     `json:"firstWindowCount"` // 开头窗口内的配图数
	EstimatedTokens  int     `json:"estimatedTokens"`
	NarratedSeconds  float64 `json:"narratedSeconds"` // 合成后实测的总旁白时长

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Story) TableName() string {
	return "story"
}

func CreateStory(db *gorm.DB, s *Story) error {
	return db.Create(s).Error
}

func GetStoryByID(db *gorm.DB, id string) (*Story, error) {
	var s Story
	if err := db.First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// MarkQueued 触发编排时 created/failed -> queued。
// 对 queued/processing 返回 ErrAlreadyProcessing，对 completed 返回 ErrTerminalStory，
// 这是故事级并发安全的第一道闸（条件 UPDATE，不做读-改-写）。
func MarkQueued(db *gorm.DB, id string, runID string) error {
	// 失败单重新提交计入故事级重试次数
	if err := db.Model(&Story{}).
		Where("id = ? AND status = ?", id, StoryStatusFailed).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error; err != nil {
		return err
	}
	res := db.Model(&Story{}).
		Where("id = ? AND status IN ?", id, []string{StoryStatusCreated, StoryStatusFailed}).
		Updates(map[string]interface{}{
			"status":        StoryStatusQueued,
			"run_id":        runID,
			"error_message": "",
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	s, err := GetStoryByID(db, id)
	if err != nil {
		return err
	}
	if s.Status == StoryStatusCompleted {
		return ErrTerminalStory
	}
	return ErrAlreadyProcessing
}

// BeginProcessing 队列消费侧的入口闸：queued/created -> processing。
// asynq 是 at-least-once 投递，重复投递在这里被条件 UPDATE 挡掉。
// 重新开跑时进度归零（单调性只约束 processing 期间）。
func BeginProcessing(db *gorm.DB, id string, step string) error {
	res := db.Model(&Story{}).
		Where("id = ? AND status IN ?", id, []string{StoryStatusQueued, StoryStatusCreated}).
		Updates(map[string]interface{}{
			"status":       StoryStatusProcessing,
			"progress":     0,
			"current_step": step,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrAlreadyProcessing
	}
	return nil
}

// DeleteStoryCascade 删除故事及其场景与日志（事务内级联）
func DeleteStoryCascade(db *gorm.DB, id string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("story_id = ?", id).Delete(&Scene{}).Error; err != nil {
			return err
		}
		if err := tx.Where("story_id = ?", id).Delete(&ProcessLog{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Story{}, "id = ?", id).Error
	})
}
