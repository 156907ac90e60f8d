package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// extractObject returns the first balanced {...} span in s, ignoring braces
// inside string literals. An object that never closes is returned as-is up to
// the end of s with balanced=false so the repair pass can try to close it.
func extractObject(s string) (candidate string, balanced bool, found bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false, false
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
				return s[start : i+1], true, true
			}
		}
	}
	return s[start:], false, true
}

// decodeObject decodes candidate into a generic object, running one repair
// pass when the strict decode fails.
func decodeObject(candidate string) (map[string]any, error) {
	obj, err := decodeStrict(candidate)
	if err == nil {
		return obj, nil
	}
	repaired, repairErr := jsonrepair.JSONRepair(candidate)
	if repairErr != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	obj, err = decodeStrict(repaired)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON after repair: %v", err)
	}
	return obj, nil
}

func decodeStrict(s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return obj, nil
}
