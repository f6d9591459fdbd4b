package decider

import (
	"encoding/json"
	"strings"
)

// ExtractJSON finds the first JSON object in free text. Fenced ```json blocks
// are preferred; otherwise the first balanced {...} span that parses is used.
func ExtractJSON(text string) (json.RawMessage, bool) {
	for _, fence := range []string{"```json", "```"} {
		rest := text
		for {
			i := strings.Index(rest, fence)
			if i < 0 {
				break
			}
			body := rest[i+len(fence):]
			end := strings.Index(body, "```")
			if end < 0 {
				break
			}
			candidate := strings.TrimSpace(body[:end])
			if isObject(candidate) {
				return json.RawMessage(candidate), true
			}
			rest = body[end+3:]
		}
	}

	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > 0 {
			candidate := text[start : end+1]
			if isObject(candidate) {
				return json.RawMessage(candidate), true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

func isObject(s string) bool {
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

// matchBrace returns the index of the brace closing the one at start,
// skipping over string literals, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
