package service

import (
	"regexp"
	"strings"
)

var blankLineRe = regexp.MustCompile(`\n[ \t]*\n+`)

// SplitChunks 把长文按空行段落边界切成不超过 maxSize 字符的块。
// 贪心累加段落，放不下就另起一块；单个超长段落不拆，宁可超预算
// 也不破坏段落完整性。纯函数，同样输入必得同样输出。
func SplitChunks(content string, maxSize int) []string {
	paragraphs := SplitParagraphs(content)
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder
	for _, p := range paragraphs {
		if current.Len() > 0 && current.Len()+len("\n\n")+len(p) > maxSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// SplitParagraphs 按空行拆段并去掉首尾空白，空段落丢弃
func SplitParagraphs(content string) []string {
	parts := blankLineRe.Split(strings.ReplaceAll(content, "\r\n", "\n"), -1)
	paragraphs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return paragraphs
}
