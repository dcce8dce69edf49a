package parse

import "strings"

// Extract returns the structured payload embedded in model text. It prefers a
// fenced code block, then the first brace-delimited object, then the raw
// trimmed text.
func Extract(text string) string {
	trimmed := strings.TrimSpace(text)
	if block, ok := fencedBlock(trimmed); ok {
		return block
	}
	if obj, ok := firstObject(trimmed); ok {
		return obj
	}
	return trimmed
}

func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	body := s[start+3:]
	end := strings.Index(body, "```")
	if end < 0 {
		return "", false
	}
	body = body[:end]
	// language tag, e.g. ```json
	i := 0
	for i < len(body) && isTagByte(body[i]) {
		i++
	}
	block := strings.TrimSpace(body[i:])
	return block, block != ""
}

func isTagByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_' || b == '-'
}

// firstObject returns the first balanced {...} substring, honouring JSON
// string literals. An unterminated object is returned to the end of input so
// the decoder reports it as malformed.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
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
				return s[start : i+1], true
			}
		}
	}
	return s[start:], true
}
