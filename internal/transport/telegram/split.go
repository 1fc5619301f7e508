package telegram

import "strings"

// TextLimit is the largest payload sent in one Telegram message, kept a
// little under the API limit of 4096.
const TextLimit = 4000

// Split cuts text into chunks of at most limit runes. A cut prefers the last
// newline in the window as long as the chunk keeps a third of the limit; in
// HTML mode it also avoids leaving a tag open at the end of a chunk.
func Split(text string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = TextLimit
	}
	rs := []rune(text)
	if len(rs) <= limit {
		return []string{text}
	}
	html := strings.EqualFold(parseMode, "HTML")

	chunks := make([]string, 0, len(rs)/limit+1)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			if nl := lastIndex(rs[start:end], '\n'); nl >= limit/3 {
				end = start + nl + 1
			}
			if html {
				end = avoidOpenTag(rs, start, end)
			}
		}

		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			chunks = append(chunks, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return chunks
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// avoidOpenTag moves end back to the '<' of a tag that is still open at end.
func avoidOpenTag(rs []rune, start, end int) int {
	open, closed := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			open = i
		case '>':
			closed = i
		}
	}
	if open > closed && open > start+1 {
		return open
	}
	return end
}
