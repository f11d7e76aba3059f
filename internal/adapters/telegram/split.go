package telegram

import "strings"

const (
	messageLimit = 4096
	captionLimit = 1024
)

// SplitText режет текст на части не длиннее limit символов.
// Сначала ищет перевод строки, затем пробел, и только потом режет по границе лимита.
func SplitText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || limit <= 0 {
		return nil
	}
	runes := []rune(trimmed)
	if len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			if chunk := strings.TrimSpace(string(runes[start:])); chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}

		split := lastBreak(runes, start, end, '\n')
		if split == -1 {
			split = lastBreak(runes, start, end, ' ')
		}
		if split == -1 {
			split = end
		}
		if chunk := strings.TrimSpace(string(runes[start:split])); chunk != "" {
			parts = append(parts, chunk)
		}

		start = split
		for start < len(runes) && (runes[start] == '\n' || runes[start] == ' ') {
			start++
		}
	}
	return parts
}

func lastBreak(runes []rune, start, end int, sep rune) int {
	for i := end; i > start; i-- {
		if runes[i-1] == sep {
			return i
		}
	}
	return -1
}

// SplitMessage режет текст по лимиту обычного сообщения.
func SplitMessage(text string) []string {
	return SplitText(text, messageLimit)
}

// SplitCaption отделяет подпись к медиа, остаток уходит отдельными сообщениями.
func SplitCaption(text string) (string, []string) {
	head := SplitText(text, captionLimit)
	if len(head) == 0 {
		return "", nil
	}
	if len(head) == 1 {
		return head[0], nil
	}
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), head[0]))
	return head[0], SplitMessage(rest)
}
