package models

import (
	"time"

	"gorm.io/gorm"
)

// 单个媒体轨道（图片/音频各自独立）的状态
const (
	MediaStatusPending    = "pending"
	MediaStatusProcessing = "processing"
	MediaStatusCompleted  = "completed"
	MediaStatusFailed     = "failed"
)

type Scene struct {
	ID      string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	StoryId string `gorm:"index" json:"storyId"`
	Seq     int    `json:"seq"` // 从 1 开始连续编号，即播放顺序

	Text          string `gorm:"type:text" json:"text"`          // 目标语言旁白
	OriginalText  string `gorm:"type:text" json:"originalText"`  // 原文对照
	SecondaryText string `gorm:"type:text" json:"secondaryText"` // 可选的第二语言文本

	EstimatedSeconds float64 `json:"estimatedSeconds"`
	ActualSeconds    float64 `json:"actualSeconds"`
	StartSeconds     float64 `json:"startSeconds"` // 按估算模型累计的起始时间

	HasImage    bool   `json:"hasImage"`
	FirstWindow bool   `json:"firstWindow"` // 是否落在开头优先配图窗口内
	VisualPrompt string `gorm:"type:text" json:"visualPrompt"`

	ImageStatus  string `json:"imageStatus"`
	AudioStatus  string `json:"audioStatus"`
	ImageRetries int    `json:"imageRetries"`
	AudioRetries int    `json:"audioRetries"`
	ErrorMessage string `gorm:"type:text" json:"errorMessage"`

	ImageUrl string `json:"imageUrl"`
	AudioUrl string `json:"audioUrl"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Scene) TableName() string {
	return "scene"
}

func BatchCreateScenes(db *gorm.DB, scenes []Scene) error {
	if len(scenes) == 0 {
		return nil
	}
	return db.Create(&scenes).Error
}

func GetScenesByStoryID(db *gorm.DB, storyID string) ([]Scene, error) {
	var scenes []Scene
	err := db.Where("story_id = ?", storyID).Order("seq ASC").Find(&scenes).Error
	return scenes, err
}

// DeleteScenesByStoryID 整单重跑前清掉上一轮的场景
func DeleteScenesByStoryID(db *gorm.DB, storyID string) error {
	return db.Where("story_id = ?", storyID).Delete(&Scene{}).Error
}

// markMedia 条件 UPDATE 保证每条轨道的状态只会前进一次，
// 并发的工作协程不会把终态改回去。
func markMedia(db *gorm.DB, sceneID, column, from, to string, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		column:       to,
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.Model(&Scene{}).
		Where("id = ? AND "+column+" = ?", sceneID, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func MarkImageProcessing(db *gorm.DB, sceneID string) (bool, error) {
	return markMedia(db, sceneID, "image_status", MediaStatusPending, MediaStatusProcessing, nil)
}

func MarkImageCompleted(db *gorm.DB, sceneID, url string) (bool, error) {
	return markMedia(db, sceneID, "image_status", MediaStatusProcessing, MediaStatusCompleted,
		map[string]interface{}{"image_url": url})
}

func MarkImageFailed(db *gorm.DB, sceneID string, retries int, msg string) (bool, error) {
	return markMedia(db, sceneID, "image_status", MediaStatusProcessing, MediaStatusFailed,
		map[string]interface{}{"image_retries": retries, "error_message": msg})
}

func MarkAudioProcessing(db *gorm.DB, sceneID string) (bool, error) {
	return markMedia(db, sceneID, "audio_status", MediaStatusPending, MediaStatusProcessing, nil)
}

func MarkAudioCompleted(db *gorm.DB, sceneID, url string, seconds float64) (bool, error) {
	return markMedia(db, sceneID, "audio_status", MediaStatusProcessing, MediaStatusCompleted,
		map[string]interface{}{"audio_url": url, "actual_seconds": seconds})
}

func MarkAudioFailed(db *gorm.DB, sceneID string, retries int, msg string) (bool, error) {
	return markMedia(db, sceneID, "audio_status", MediaStatusProcessing, MediaStatusFailed,
		map[string]interface{}{"audio_retries": retries, "error_message": msg})
}

// Terminal 两条轨道都到终态才算场景完结
func (s *Scene) Terminal() bool {
	imageDone := !s.HasImage ||
		s.ImageStatus == MediaStatusCompleted || s.ImageStatus == MediaStatusFailed
	audioDone := s.AudioStatus == MediaStatusCompleted || s.AudioStatus == MediaStatusFailed
	return imageDone && audioDone
}

// Degraded 有媒体轨道永久失败的场景，打包清单里要标出来
func (s *Scene) Degraded() bool {
	return s.AudioStatus == MediaStatusFailed ||
		(s.HasImage && s.ImageStatus == MediaStatusFailed)
}
