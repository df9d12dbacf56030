package triage

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// errNoJSON is returned when a model answer holds no decodable JSON object.
var errNoJSON = errors.New("triage: no JSON object in model answer")

// fenceRe matches a markdown code fence line (``` or ~~~ with optional language).
var fenceRe = regexp.MustCompile("(?m)^\\s*(?:`{3}|~{3})[a-zA-Z]*\\s*$")

// invalidJSONEscapeRe matches a backslash followed by a character that is not
// a valid JSON escape.
var invalidJSONEscapeRe = regexp.MustCompile(`\\([^"\\/bfnrtu])`)

// extractJSON decodes the first JSON object found in a model answer into v.
// Markdown fences and prose around the object are ignored. Only that first
// object counts: if it does not fit v, later objects are not consulted.
func extractJSON(raw string, v any) error {
	obj, err := firstObject(fenceRe.ReplaceAllString(raw, ""))
	if err != nil {
		return err
	}
	return json.Unmarshal(obj, v)
}

// firstObject returns the first syntactically valid object in s, repairing
// invalid backslash escapes where that makes a candidate valid.
func firstObject(s string) (json.RawMessage, error) {
	for offset := 0; offset < len(s); {
		i := strings.IndexByte(s[offset:], '{')
		if i < 0 {
			break
		}
		start := offset + i
		if obj, ok := decodeObject(s[start:]); ok {
			return obj, nil
		}
		if obj, ok := decodeObject(invalidJSONEscapeRe.ReplaceAllString(s[start:], `\\$1`)); ok {
			return obj, nil
		}
		offset = start + 1
	}
	return nil, errNoJSON
}

func decodeObject(s string) (json.RawMessage, bool) {
	var obj json.RawMessage
	if err := json.NewDecoder(strings.NewReader(s)).Decode(&obj); err != nil {
		return nil, false
	}
	return obj, true
}
