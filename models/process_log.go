package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// 流水线日志状态
const (
	LogStatusStarted   = "started"
	LogStatusCompleted = "completed"
	LogStatusFailed    = "failed"
)

// LogMeta 结构化附加信息，序列化为 JSON 存库
type LogMeta map[string]interface{}

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (m LogMeta) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (m *LogMeta) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, m)
}

// ProcessLog 只追加的审计日志，按创建时间展示，绝不更新或重排
type ProcessLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	StoryId    string    `gorm:"index" json:"storyId"`
	Step       string    `json:"step"`
	Status     string    `json:"status"`
	Message    string    `gorm:"type:text" json:"message"`
	Meta       LogMeta   `gorm:"type:json" json:"meta,omitempty"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (ProcessLog) TableName() string {
	return "process_log"
}

func AppendProcessLog(db *gorm.DB, entry *ProcessLog) error {
	return db.Create(entry).Error
}

func GetProcessLogs(db *gorm.DB, storyID string) ([]ProcessLog, error) {
	var logs []ProcessLog
	err := db.Where("story_id = ?", storyID).Order("created_at ASC, id ASC").Find(&logs).Error
	return logs, err
}
