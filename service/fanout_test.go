package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"StoryPack-server/config"
	"StoryPack-server/models"

	"github.com/glebarez/sqlite"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.Migrate(db))
	return db
}

// fakeStore 内存对象存储
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	baseURL string
}

func newFakeStore(baseURL string) *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, baseURL: baseURL}
}

func (s *fakeStore) Upload(_ context.Context, objectName string, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectName] = data
	return s.baseURL + "/" + objectName, nil
}

func (s *fakeStore) RemoveByPrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			delete(s.objects, k)
		}
	}
	return nil
}

func (s *fakeStore) get(objectName string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[objectName]
	return data, ok
}

type fakeImages struct {
	calls int32
	fn    func(params ImageParams) ([]byte, error)
}

func (f *fakeImages) Generate(_ context.Context, params ImageParams) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(params)
}

type fakeSpeech struct {
	calls int32
	fn    func(params SpeechParams) (SpeechResult, error)
}

func (f *fakeSpeech) Synthesize(_ context.Context, params SpeechParams) (SpeechResult, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(params)
}

func okImages() *fakeImages {
	return &fakeImages{fn: func(ImageParams) ([]byte, error) {
		return []byte("png"), nil
	}}
}

func okSpeech(seconds float64) *fakeSpeech {
	return &fakeSpeech{fn: func(SpeechParams) (SpeechResult, error) {
		return SpeechResult{Audio: []byte("mp3"), Seconds: seconds}, nil
	}}
}

func fanoutConfig() config.Pipeline {
	cfg := testPipeline()
	cfg.BackoffBaseMs = 1
	cfg.MaxAttempts = 3
	cfg.FanoutConcurrency = 2
	return cfg
}

func seedFanoutStory(t *testing.T, db *gorm.DB, withImage int, total int) (*models.Story, []models.Scene) {
	story := &models.Story{
		ID:             "st1",
		Title:          "t",
		Content:        "c",
		TargetLanguage: "es",
		TTSVoice:       "v1",
		Status:         models.StoryStatusProcessing,
	}
	require.NoError(t, models.CreateStory(db, story))

	scenes := make([]models.Scene, total)
	for i := range scenes {
		scenes[i] = models.Scene{
			ID:               fmt.Sprintf("sc%d", i+1),
			StoryId:          story.ID,
			Seq:              i + 1,
			Text:             fmt.Sprintf("scene %d narration", i+1),
			EstimatedSeconds: 5,
			HasImage:         i < withImage,
			VisualPrompt:     fmt.Sprintf("scene %d", i+1),
			ImageStatus:      models.MediaStatusPending,
			AudioStatus:      models.MediaStatusPending,
		}
	}
	require.NoError(t, models.BatchCreateScenes(db, scenes))
	return story, scenes
}

func newFanout(t *testing.T, db *gorm.DB, images ImageGenerator, speech SpeechSynthesizer, store MediaStore) *Fanout {
	cfg := fanoutConfig()
	pool, err := ants.NewPool(cfg.FanoutConcurrency)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	return NewFanout(db, pool, images, speech, store, NewTracker(db), cfg)
}

func TestFanoutAllTracksComplete(t *testing.T) {
	db := newTestDB(t)
	story, scenes := seedFanoutStory(t, db, 2, 3)
	store := newFakeStore("mem://store")

	result, err := newFanout(t, db, okImages(), okSpeech(4.0), store).
		Execute(context.Background(), story, scenes, 40, 50)
	require.NoError(t, err)

	assert.Equal(t, 5, result.TotalUnits, "3 audio tracks + 2 image tracks")
	assert.Equal(t, 5, result.CompletedUnits)
	assert.Equal(t, 0, result.FailedUnits)
	assert.InDelta(t, 12.0, result.NarratedSeconds, 0.001)

	got, err := models.GetScenesByStoryID(db, story.ID)
	require.NoError(t, err)
	for _, s := range got {
		assert.Equal(t, models.MediaStatusCompleted, s.AudioStatus)
		assert.NotEmpty(t, s.AudioUrl)
		if s.HasImage {
			assert.Equal(t, models.MediaStatusCompleted, s.ImageStatus)
			assert.NotEmpty(t, s.ImageUrl)
		} else {
			assert.Equal(t, models.MediaStatusPending, s.ImageStatus)
		}
	}

	_, ok := store.get("stories/st1/scenes/001/image.png")
	assert.True(t, ok)
	_, ok = store.get("stories/st1/scenes/002/audio.mp3")
	assert.True(t, ok)

	// 全部单元完结后进度应推到区间上沿
	updated, err := models.GetStoryByID(db, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 90, updated.Progress)
}

func TestFanoutImageFailureDoesNotTouchAudio(t *testing.T) {
	db := newTestDB(t)
	story, scenes := seedFanoutStory(t, db, 2, 4)
	images := &fakeImages{fn: func(ImageParams) ([]byte, error) {
		return nil, &ProviderError{Provider: "image", Status: 500, Body: "boom"}
	}}

	result, err := newFanout(t, db, images, okSpeech(4.0), newFakeStore("mem://store")).
		Execute(context.Background(), story, scenes, 40, 50)
	require.NoError(t, err)

	assert.Equal(t, 6, result.TotalUnits)
	assert.Equal(t, 4, result.CompletedUnits, "all audio tracks survive")
	assert.Equal(t, 2, result.FailedImages)
	assert.Equal(t, 0, result.FailedAudio)
	assert.InDelta(t, 2.0/6.0, result.FailRatio(), 0.001)

	// 每张图精确重试到尝试上限
	assert.EqualValues(t, 2*3, atomic.LoadInt32(&images.calls))

	got, err := models.GetScenesByStoryID(db, story.ID)
	require.NoError(t, err)
	for _, s := range got {
		assert.Equal(t, models.MediaStatusCompleted, s.AudioStatus)
		if s.HasImage {
			assert.Equal(t, models.MediaStatusFailed, s.ImageStatus)
			assert.Equal(t, 3, s.ImageRetries)
			assert.Contains(t, s.ErrorMessage, "image provider")
		}
	}
}

func TestFanoutPermanentErrorSkipsRetries(t *testing.T) {
	db := newTestDB(t)
	story, scenes := seedFanoutStory(t, db, 1, 1)
	images := &fakeImages{fn: func(ImageParams) ([]byte, error) {
		return nil, &ProviderError{Provider: "image", Status: 422, Body: "prompt rejected"}
	}}

	result, err := newFanout(t, db, images, okSpeech(4.0), newFakeStore("mem://store")).
		Execute(context.Background(), story, scenes, 40, 50)
	require.NoError(t, err)

	assert.Equal(t, 1, result.FailedImages)
	assert.EqualValues(t, 1, atomic.LoadInt32(&images.calls), "permanent errors are not retried")

	got, err := models.GetScenesByStoryID(db, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got[0].ImageRetries)
}

func TestFanoutAudioDurationFallsBackToEstimate(t *testing.T) {
	db := newTestDB(t)
	story, scenes := seedFanoutStory(t, db, 0, 2)

	// 提供方不回时长，退回估算值
	result, err := newFanout(t, db, okImages(), okSpeech(0), newFakeStore("mem://store")).
		Execute(context.Background(), story, scenes, 40, 50)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, result.NarratedSeconds, 0.001, "2 scenes x 5s estimate")

	got, err := models.GetScenesByStoryID(db, story.ID)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, got[0].ActualSeconds, 0.001)
}

func TestFanoutEmptySceneList(t *testing.T) {
	db := newTestDB(t)
	story, _ := seedFanoutStory(t, db, 0, 0)

	result, err := newFanout(t, db, okImages(), okSpeech(1), newFakeStore("mem://store")).
		Execute(context.Background(), story, nil, 40, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, result.TotalUnits)
	assert.Equal(t, 0.0, result.FailRatio())
}
