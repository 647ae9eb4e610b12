package events

import (
	"encoding/json"
	"strings"
)

// Payload is the discriminated union produced by ExtractPayload: exactly
// one of the PayloadXxx types below, matching the source's duck-typed
// extraction result (a Go string, map, slice, or "absent").
type Payload interface {
	isPayload()
}

// PayloadNull represents an empty/absent extraction result.
type PayloadNull struct{}

func (PayloadNull) isPayload() {}

// PayloadString is a plain-text extraction result (JSON parse failed or the
// source was already non-JSON text).
type PayloadString string

func (PayloadString) isPayload() {}

// PayloadMap is a JSON-object-shaped extraction result.
type PayloadMap map[string]any

func (PayloadMap) isPayload() {}

// PayloadSlice is a JSON-array-shaped extraction result.
type PayloadSlice []any

func (PayloadSlice) isPayload() {}

// Dumpable lets an artifact/message type participate in extraction the way
// the source's duck-typed model_dump()/dict()/__dict__ does: anything that
// knows how to flatten itself to a map wins over Go reflection.
type Dumpable interface {
	Dump() map[string]any
}

// ArtifactSource is the shape ExtractPayload reads off an artifact-update
// event: either the artifact payload or, absent that, the status message.
type ArtifactSource struct {
	Artifact any
	Message  any
}

// ExtractPayload implements the source's _extract_payload/_parse_json_or_text
// algorithm: prefer Artifact over Message, then recursively reduce through
// JSON-string parsing, Dumpable flattening, parts[0].{text,content,data},
// and top-level {text,content,data}, finally passing the value through
// unchanged. Any failure along the way degrades to PayloadMap{}.
func ExtractPayload(src ArtifactSource) Payload {
	var source any
	if src.Artifact != nil {
		source = src.Artifact
	} else {
		source = src.Message
	}
	return parseJSONOrText(source)
}

func parseJSONOrText(value any) Payload {
	if value == nil {
		return PayloadMap{}
	}

	if s, ok := value.(string); ok {
		text := strings.TrimSpace(s)
		if text == "" {
			return PayloadString("")
		}
		if parsed, ok := tryParseJSONText(text); ok {
			return parsed
		}
		return PayloadString(text)
	}

	m, ok := toMap(value)
	if !ok {
		return toPayload(value)
	}

	if parts, ok := m["parts"].([]any); ok && len(parts) > 0 {
		if first, ok := parts[0].(map[string]any); ok {
			if inner := firstPresent(first["text"], first["content"], first["data"]); inner != nil {
				return parseJSONOrText(inner)
			}
		}
	}

	if inner := firstPresent(m["text"], m["content"], m["data"]); inner != nil {
		return parseJSONOrText(inner)
	}

	return PayloadMap(m)
}

// toMap reduces value to a map[string]any the way the source does: a
// Dumpable wins, then a value that is already a map, else "absent".
func toMap(value any) (map[string]any, bool) {
	if d, ok := value.(Dumpable); ok {
		return d.Dump(), true
	}
	if m, ok := value.(map[string]any); ok {
		return m, true
	}
	return nil, false
}

func toPayload(value any) Payload {
	switch v := value.(type) {
	case map[string]any:
		return PayloadMap(v)
	case []any:
		return PayloadSlice(v)
	case string:
		return PayloadString(v)
	case nil:
		return PayloadMap{}
	default:
		return PayloadMap{}
	}
}

func tryParseJSONText(text string) (Payload, bool) {
	var asMap map[string]any
	if err := json.Unmarshal([]byte(text), &asMap); err == nil {
		return PayloadMap(asMap), true
	}
	var asSlice []any
	if err := json.Unmarshal([]byte(text), &asSlice); err == nil {
		return PayloadSlice(asSlice), true
	}
	return nil, false
}

// firstPresent returns the first candidate that is neither nil nor an empty
// string, or nil if there is none.
func firstPresent(candidates ...any) any {
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if s, ok := c.(string); ok && s == "" {
			continue
		}
		return c
	}
	return nil
}
