package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"StoryPack-server/models"

	"github.com/rs/zerolog/log"
)

// manifest 压缩包清单：顺序、统计和降级场景一目了然
type manifest struct {
	StoryID         string          `json:"story_id"`
	Title           string          `json:"title"`
	AdaptedTitle    string          `json:"adapted_title"`
	TargetLanguage  string          `json:"target_language"`
	TargetCountry   string          `json:"target_country"`
	SceneCount      int             `json:"scene_count"`
	NarratedSeconds float64         `json:"narrated_seconds"`
	DegradedScenes  []int           `json:"degraded_scenes"` // 有媒体缺口的场景编号
	Scenes          []manifestScene `json:"scenes"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

type manifestScene struct {
	Seq         int     `json:"seq"`
	HasImage    bool    `json:"has_image"`
	ImageStatus string  `json:"image_status,omitempty"`
	AudioStatus string  `json:"audio_status"`
	Seconds     float64 `json:"seconds"`
}

// sceneMeta 每个场景随包携带的元数据
type sceneMeta struct {
	Seq              int     `json:"seq"`
	Text             string  `json:"text"`
	OriginalText     string  `json:"original_text,omitempty"`
	SecondaryText    string  `json:"secondary_text,omitempty"`
	VisualPrompt     string  `json:"visual_prompt,omitempty"`
	StartSeconds     float64 `json:"start_seconds"`
	EstimatedSeconds float64 `json:"estimated_seconds"`
	ActualSeconds    float64 `json:"actual_seconds"`
}

// Assembler 终包组装：所有场景媒体到终态之后才允许执行。
// 产出一个 zip（图片、音频、逐场景元数据、清单），上传并返回地址。
type Assembler struct {
	store  MediaStore
	client *http.Client
}

func NewAssembler(store MediaStore) *Assembler {
	return &Assembler{
		store:  store,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Assembler) Assemble(ctx context.Context, story *models.Story, scenes []models.Scene) (string, error) {
	for i := range scenes {
		if !scenes[i].Terminal() {
			return "", fmt.Errorf("scene %d media still in flight, assembly refused", scenes[i].Seq)
		}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	m := manifest{
		StoryID:        story.ID,
		Title:          story.Title,
		AdaptedTitle:   story.AdaptedTitle,
		TargetLanguage: story.TargetLanguage,
		TargetCountry:  story.TargetCountry,
		SceneCount:     len(scenes),
		GeneratedAt:    time.Now().UTC(),
	}

	for i := range scenes {
		scene := &scenes[i]
		dir := fmt.Sprintf("scenes/%03d", scene.Seq)

		if scene.ImageStatus == models.MediaStatusCompleted && scene.ImageUrl != "" {
			if err := a.addRemoteFile(ctx, zw, dir+"/image.png", scene.ImageUrl); err != nil {
				return "", fmt.Errorf("archive image for scene %d failed: %w", scene.Seq, err)
			}
		}
		if scene.AudioStatus == models.MediaStatusCompleted && scene.AudioUrl != "" {
			if err := a.addRemoteFile(ctx, zw, dir+"/audio.mp3", scene.AudioUrl); err != nil {
				return "", fmt.Errorf("archive audio for scene %d failed: %w", scene.Seq, err)
			}
		}

		meta := sceneMeta{
			Seq:              scene.Seq,
			Text:             scene.Text,
			OriginalText:     scene.OriginalText,
			SecondaryText:    scene.SecondaryText,
			VisualPrompt:     scene.VisualPrompt,
			StartSeconds:     scene.StartSeconds,
			EstimatedSeconds: scene.EstimatedSeconds,
			ActualSeconds:    scene.ActualSeconds,
		}
		if err := a.addJSON(zw, dir+"/scene.json", meta); err != nil {
			return "", err
		}

		ms := manifestScene{
			Seq:         scene.Seq,
			HasImage:    scene.HasImage,
			AudioStatus: scene.AudioStatus,
			Seconds:     scene.ActualSeconds,
		}
		if scene.HasImage {
			ms.ImageStatus = scene.ImageStatus
		}
		m.Scenes = append(m.Scenes, ms)
		m.NarratedSeconds += scene.ActualSeconds
		if scene.Degraded() {
			m.DegradedScenes = append(m.DegradedScenes, scene.Seq)
		}
	}

	if err := a.addJSON(zw, "manifest.json", m); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close archive failed: %w", err)
	}

	object := fmt.Sprintf("stories/%s/package.zip", story.ID)
	url, err := a.store.Upload(ctx, object, buf.Bytes(), "application/zip")
	if err != nil {
		return "", fmt.Errorf("upload archive failed: %w", err)
	}

	log.Info().Str("story_id", story.ID).Int("scenes", len(scenes)).
		Int("degraded", len(m.DegradedScenes)).Msg("archive assembled")
	return url, nil
}

func (a *Assembler) addRemoteFile(ctx context.Context, zw *zip.Writer, name, srcURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status: %d", resp.StatusCode)
	}

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (a *Assembler) addJSON(zw *zip.Writer, name string, v interface{}) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
