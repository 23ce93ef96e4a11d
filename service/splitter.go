package service

import (
	"math"
	"strings"
	"unicode/utf8"

	"StoryPack-server/config"
)

// SceneDraft 分场结果，入库前的纯数据
type SceneDraft struct {
	Seq              int
	Text             string
	EstimatedSeconds float64
	StartSeconds     float64
	HasImage         bool
	FirstWindow      bool
	VisualPrompt     string
}

// SplitScenes 把改编后的正文切成旁白粒度的场景序列。
// 场景编号一次性从 1 连续分配，之后不再重排；
// 配图名额优先给开头窗口，剩余名额在后续时间线上均匀摊开。
// 纯函数，无副作用。
func SplitScenes(content string, style string, p config.Pipeline) []SceneDraft {
	units := narrationUnits(content, p)
	if len(units) == 0 {
		return nil
	}

	scenes := make([]SceneDraft, len(units))
	elapsed := 0.0
	for i, text := range units {
		estimated := float64(utf8.RuneCountInString(text)) / p.CharsPerSecond
		scenes[i] = SceneDraft{
			Seq:              i + 1,
			Text:             text,
			EstimatedSeconds: estimated,
			StartSeconds:     elapsed,
			FirstWindow:      elapsed < p.FirstWindowSeconds,
			VisualPrompt:     visualPrompt(text, style),
		}
		elapsed += estimated
	}

	assignImageSlots(scenes, elapsed, p)
	return scenes
}

// narrationUnits 段落为基准，超长段落再按句子组拆到目标场景时长附近
func narrationUnits(content string, p config.Pipeline) []string {
	targetChars := int(p.SceneTargetSeconds * p.CharsPerSecond)
	if targetChars <= 0 {
		targetChars = 120
	}

	var units []string
	for _, paragraph := range SplitParagraphs(content) {
		if utf8.RuneCountInString(paragraph) <= targetChars*2 {
			units = append(units, paragraph)
			continue
		}
		units = append(units, groupSentences(paragraph, targetChars)...)
	}
	return units
}

var sentenceEnders = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true,
}

func groupSentences(paragraph string, targetChars int) []string {
	var sentences []string
	var cur strings.Builder
	for _, r := range paragraph {
		cur.WriteRune(r)
		if sentenceEnders[r] {
			sentences = append(sentences, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}

	var units []string
	var group strings.Builder
	for _, s := range sentences {
		if group.Len() > 0 && utf8.RuneCountInString(group.String())+utf8.RuneCountInString(s) > targetChars {
			units = append(units, group.String())
			group.Reset()
		}
		if group.Len() > 0 {
			group.WriteString(" ")
		}
		group.WriteString(s)
	}
	if group.Len() > 0 {
		units = append(units, group.String())
	}
	return units
}

// assignImageSlots 配图名额分配。
// 总预算按实际时长相对额定时长缩水（短故事不配满额），且不超过场景数；
// 开头窗口优先拿 FirstWindowImages 个名额，余下名额在窗口外均匀取点。
func assignImageSlots(scenes []SceneDraft, totalSeconds float64, p config.Pipeline) {
	budget := p.TotalImages
	// 额定时长由窗口配图密度倒推：窗口 N 张图对应 FirstWindowSeconds
	nominal := p.FirstWindowSeconds * float64(p.TotalImages) / float64(p.FirstWindowImages)
	if totalSeconds < nominal {
		budget = int(math.Ceil(float64(p.TotalImages) * totalSeconds / nominal))
	}
	if budget > len(scenes) {
		budget = len(scenes)
	}
	if budget <= 0 {
		return
	}

	var window, rest []int
	for i := range scenes {
		if scenes[i].FirstWindow {
			window = append(window, i)
		} else {
			rest = append(rest, i)
		}
	}

	windowBudget := p.FirstWindowImages
	if windowBudget > budget {
		windowBudget = budget
	}
	flagged := 0
	for _, i := range pickEvenly(window, windowBudget) {
		scenes[i].HasImage = true
		flagged++
	}
	for _, i := range pickEvenly(rest, budget-flagged) {
		scenes[i].HasImage = true
	}
}

// pickEvenly 从有序下标里均匀取 n 个
func pickEvenly(indices []int, n int) []int {
	if n <= 0 || len(indices) == 0 {
		return nil
	}
	if n >= len(indices) {
		return indices
	}
	picked := make([]int, 0, n)
	for k := 0; k < n; k++ {
		picked = append(picked, indices[k*len(indices)/n])
	}
	return picked
}

func visualPrompt(text string, style string) string {
	runes := []rune(text)
	if len(runes) > 240 {
		runes = runes[:240]
	}
	prompt := "Illustration for a narrated story scene: " + string(runes)
	if style != "" {
		prompt += ", " + style
	}
	return prompt
}
