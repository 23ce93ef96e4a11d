package service

import (
	"testing"
	"time"

	"StoryPack-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedTrackedStory(t *testing.T, db *gorm.DB, status string) *models.Story {
	s := &models.Story{
		ID:             "st1",
		Title:          "t",
		Content:        "c",
		TargetLanguage: "es",
		TTSVoice:       "v1",
		Status:         status,
	}
	require.NoError(t, models.CreateStory(db, s))
	return s
}

func storyProgress(t *testing.T, db *gorm.DB, id string) (int, string) {
	s, err := models.GetStoryByID(db, id)
	require.NoError(t, err)
	return s.Progress, s.Status
}

func TestProgressNeverRegresses(t *testing.T) {
	db := newTestDB(t)
	seedTrackedStory(t, db, models.StoryStatusProcessing)
	tracker := NewTracker(db)

	require.NoError(t, tracker.Progress("st1", 40, "splitting scenes"))
	// 并发完成事件乱序到达，晚到的小值不能把进度拉回去
	require.NoError(t, tracker.Progress("st1", 25, "translating"))

	pct, _ := storyProgress(t, db, "st1")
	assert.Equal(t, 40, pct)

	require.NoError(t, tracker.Progress("st1", 70, "generating media"))
	pct, _ = storyProgress(t, db, "st1")
	assert.Equal(t, 70, pct)
}

func TestProgressClampedToRange(t *testing.T) {
	db := newTestDB(t)
	seedTrackedStory(t, db, models.StoryStatusProcessing)
	tracker := NewTracker(db)

	require.NoError(t, tracker.Progress("st1", 150, "x"))
	pct, _ := storyProgress(t, db, "st1")
	assert.Equal(t, 100, pct)
}

func TestProgressIgnoredOutsideProcessing(t *testing.T) {
	db := newTestDB(t)
	seedTrackedStory(t, db, models.StoryStatusFailed)
	tracker := NewTracker(db)

	require.NoError(t, tracker.Progress("st1", 50, "x"))
	pct, status := storyProgress(t, db, "st1")
	assert.Equal(t, 0, pct, "terminal stories never move")
	assert.Equal(t, models.StoryStatusFailed, status)
}

func TestCompleteRequiresProcessingState(t *testing.T) {
	db := newTestDB(t)
	seedTrackedStory(t, db, models.StoryStatusProcessing)
	tracker := NewTracker(db)

	require.NoError(t, tracker.Complete("st1", "http://store/package.zip", 42.5))
	s, err := models.GetStoryByID(db, "st1")
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusCompleted, s.Status)
	assert.Equal(t, 100, s.Progress)
	assert.Equal(t, "http://store/package.zip", s.ArchiveUrl)
	assert.InDelta(t, 42.5, s.NarratedSeconds, 0.001)

	// 已完结的单子不能再次完结
	assert.Error(t, tracker.Complete("st1", "http://other", 1))
}

func TestFailFromAnyNonTerminalState(t *testing.T) {
	db := newTestDB(t)
	seedTrackedStory(t, db, models.StoryStatusProcessing)
	tracker := NewTracker(db)

	require.NoError(t, tracker.Fail("st1", "generating media", "image generation failed for 3 of 5 media units"))
	s, err := models.GetStoryByID(db, "st1")
	require.NoError(t, err)
	assert.Equal(t, models.StoryStatusFailed, s.Status)
	assert.Contains(t, s.ErrorMessage, "image generation")

	// 失败同时要在审计日志里留痕
	logs, err := models.GetProcessLogs(db, "st1")
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	last := logs[len(logs)-1]
	assert.Equal(t, models.LogStatusFailed, last.Status)
	assert.Contains(t, last.Message, "image generation")
}

func TestFailDoesNotOverwriteCompleted(t *testing.T) {
	db := newTestDB(t)
	seedTrackedStory(t, db, models.StoryStatusCompleted)
	tracker := NewTracker(db)

	require.NoError(t, tracker.Fail("st1", "x", "late failure"))
	_, status := storyProgress(t, db, "st1")
	assert.Equal(t, models.StoryStatusCompleted, status)
}

func TestLogAppendOrder(t *testing.T) {
	db := newTestDB(t)
	seedTrackedStory(t, db, models.StoryStatusProcessing)
	tracker := NewTracker(db)

	tracker.Log("st1", "chunking", models.LogStatusStarted, "", nil, 0)
	tracker.Log("st1", "chunking", models.LogStatusCompleted, "", models.LogMeta{"chunks": 3}, 5*time.Millisecond)
	tracker.Log("st1", "translating", models.LogStatusStarted, "", nil, 0)

	logs, err := models.GetProcessLogs(db, "st1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "chunking", logs[0].Step)
	assert.Equal(t, models.LogStatusStarted, logs[0].Status)
	assert.Equal(t, models.LogStatusCompleted, logs[1].Status)
	assert.Equal(t, "translating", logs[2].Step)
}
