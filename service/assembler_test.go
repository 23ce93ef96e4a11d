package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"StoryPack-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAssemblerEnv(t *testing.T) (*Assembler, *fakeStore) {
	var store *fakeStore
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := store.get(strings.TrimPrefix(r.URL.Path, "/"))
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(server.Close)
	store = newFakeStore(server.URL)
	return NewAssembler(store), store
}

func TestAssembleRefusesInFlightScenes(t *testing.T) {
	assembler, _ := newAssemblerEnv(t)
	story := &models.Story{ID: "st1"}
	scenes := []models.Scene{{
		ID: "sc1", StoryId: "st1", Seq: 1, HasImage: true,
		ImageStatus: models.MediaStatusProcessing,
		AudioStatus: models.MediaStatusCompleted,
	}}

	_, err := assembler.Assemble(context.Background(), story, scenes)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still in flight")
}

func TestAssembleDegradedScenesListedInManifest(t *testing.T) {
	assembler, store := newAssemblerEnv(t)

	audioURL, err := store.Upload(context.Background(), "stories/st1/scenes/001/audio.mp3", []byte("mp3"), "audio/mpeg")
	require.NoError(t, err)
	audioURL2, err := store.Upload(context.Background(), "stories/st1/scenes/002/audio.mp3", []byte("mp3"), "audio/mpeg")
	require.NoError(t, err)

	story := &models.Story{ID: "st1", Title: "t", AdaptedTitle: "at", TargetLanguage: "es"}
	scenes := []models.Scene{
		{
			ID: "sc1", StoryId: "st1", Seq: 1, HasImage: true,
			ImageStatus: models.MediaStatusFailed, // 图片轨道终败，场景降级但不拦打包
			AudioStatus: models.MediaStatusCompleted,
			AudioUrl:    audioURL, ActualSeconds: 4,
		},
		{
			ID: "sc2", StoryId: "st1", Seq: 2,
			AudioStatus: models.MediaStatusCompleted,
			AudioUrl:    audioURL2, ActualSeconds: 3,
		},
	}

	url, err := assembler.Assemble(context.Background(), story, scenes)
	require.NoError(t, err)
	assert.Contains(t, url, "stories/st1/package.zip")

	data, ok := store.get("stories/st1/package.zip")
	require.True(t, ok)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	for _, f := range zr.File {
		assert.NotEqual(t, "scenes/001/image.png", f.Name, "failed image must not appear in the archive")
	}

	mf, err := zr.Open("manifest.json")
	require.NoError(t, err)
	defer mf.Close()
	var m struct {
		DegradedScenes  []int   `json:"degraded_scenes"`
		NarratedSeconds float64 `json:"narrated_seconds"`
	}
	require.NoError(t, json.NewDecoder(mf).Decode(&m))
	assert.Equal(t, []int{1}, m.DegradedScenes)
	assert.InDelta(t, 7.0, m.NarratedSeconds, 0.001)
}

func TestAssembleSceneMetaCarriesOriginalText(t *testing.T) {
	assembler, store := newAssemblerEnv(t)
	audioURL, err := store.Upload(context.Background(), "stories/st1/scenes/001/audio.mp3", []byte("mp3"), "audio/mpeg")
	require.NoError(t, err)

	story := &models.Story{ID: "st1"}
	scenes := []models.Scene{{
		ID: "sc1", StoryId: "st1", Seq: 1,
		Text:         "texto adaptado",
		OriginalText: "original text",
		AudioStatus:  models.MediaStatusCompleted,
		AudioUrl:     audioURL, ActualSeconds: 2,
	}}

	_, err = assembler.Assemble(context.Background(), story, scenes)
	require.NoError(t, err)

	data, _ := store.get("stories/st1/package.zip")
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	sf, err := zr.Open("scenes/001/scene.json")
	require.NoError(t, err)
	defer sf.Close()
	var meta struct {
		Text         string `json:"text"`
		OriginalText string `json:"original_text"`
	}
	require.NoError(t, json.NewDecoder(sf).Decode(&meta))
	assert.Equal(t, "texto adaptado", meta.Text)
	assert.Equal(t, "original text", meta.OriginalText)
}
