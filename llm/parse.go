package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseDecision extracts a Decision from raw model output. The model
// is asked for a bare JSON object, but outputs drift: fenced code
// blocks and surrounding prose both occur. Parsing tries the raw text
// first, then a ```json fence, then the first balanced object.
func ParseDecision(raw string) (*Decision, error) {
	trimmed := strings.TrimSpace(raw)

	if d, err := decodeDecision(trimmed); err == nil {
		return d, nil
	}

	if fenced := extractFence(trimmed); fenced != "" {
		if d, err := decodeDecision(fenced); err == nil {
			return d, nil
		}
	}

	if obj := extractObject(trimmed); obj != "" {
		if d, err := decodeDecision(obj); err == nil {
			return d, nil
		}
	}

	return nil, fmt.Errorf("no decision object in model output: %q", truncateForErr(trimmed))
}

func decodeDecision(s string) (*Decision, error) {
	var d Decision
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, err
	}
	if d.Action == nil || d.Action.Tool == "" {
		return nil, fmt.Errorf("decision missing action")
	}
	if d.Action.Params == nil {
		d.Action.Params = map[string]any{}
	}
	return &d, nil
}

// extractFence pulls the body of the first ```json (or bare ```) fence.
func extractFence(s string) string {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(s, marker)
		if start < 0 {
			continue
		}
		body := s[start+len(marker):]
		end := strings.Index(body, "```")
		if end < 0 {
			continue
		}
		return strings.TrimSpace(body[:end])
	}
	return ""
}

// extractObject returns the first balanced top-level JSON object,
// tracking braces outside string literals.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
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
				return s[start : i+1]
			}
		}
	}
	return ""
}

func truncateForErr(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
