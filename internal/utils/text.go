// internal/utils/text.go
package utils

import (
	"strings"
	"unicode"
)

// CountWords 统计混合中英文文本的字数。
// 汉字每字计1，拉丁字母等连续字符串按词计1，标点和空白不计。
func CountWords(text string) int {
	if text == "" {
		return 0
	}

	count := 0
	inWord := false

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			count++
			inWord = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			inWord = false
		default:
			if !inWord {
				count++
				inWord = true
			}
		}
	}

	return count
}

// Excerpt 截取文本开头的若干字符作为摘录，超长时追加省略号
func Excerpt(text string, maxRunes int) string {
	text = strings.TrimSpace(text)
	if maxRunes <= 0 {
		return ""
	}

	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}

	return string(runes[:maxRunes]) + "…"
}
