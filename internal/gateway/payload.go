package gateway

import "encoding/json"

// UnwrapList tolerates the gateway's envelope variants for list responses:
// a bare JSON array, or an object wrapping the array under one of the given
// keys ({"data":[...]}, {"chats":[...]}, ...). Returns nil when no list can
// be found, which callers treat the same as an empty response.
func UnwrapList(raw json.RawMessage, keys ...string) []json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	for _, k := range keys {
		inner, ok := obj[k]
		if !ok {
			continue
		}
		if err := json.Unmarshal(inner, &list); err == nil {
			return list
		}
	}
	return nil
}

// FirstString returns the first non-empty string among the given keys.
func FirstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// FirstNumber returns the first numeric value among the given keys. JSON
// numbers decode as float64; numeric strings are accepted too since the
// gateway emits both.
func FirstNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case string:
			var f float64
			if err := json.Unmarshal([]byte(v), &f); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
