package service

import (
	"encoding/json"
	"fmt"
	"time"

	"StoryPack-server/config"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

const TypeProcessStory = "story:process"

type StoryPayload struct {
	StoryID string `json:"story_id"`
}

// Queue 任务入队客户端，由 main 构造注入
type Queue struct {
	client *asynq.Client
}

func NewQueue(cfg *config.Config) *Queue {
	return &Queue{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		}),
	}
}

// Enqueue 提交一次故事处理，返回队列侧的 run id。
// 队列是 at-least-once 投递，重复触发由状态机入口闸兜底。
func (q *Queue) Enqueue(storyID string) (string, error) {
	payload, err := json.Marshal(StoryPayload{StoryID: storyID})
	if err != nil {
		return "", fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypeProcessStory, payload,
		asynq.MaxRetry(3),             // 队列层面的投递重试
		asynq.Timeout(40*time.Minute), // 生成媒体较慢，放宽超时
		asynq.Retention(24*time.Hour),
	)

	info, err := q.client.Enqueue(task)
	if err != nil {
		return "", fmt.Errorf("enqueue failed: %w", err)
	}

	log.Info().Str("story_id", storyID).Str("run_id", info.ID).Msg("story enqueued")
	return info.ID, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
