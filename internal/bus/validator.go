package bus

import "encoding/json"

// validateSchema mirrors mqtt_client.py's MessageValidator: a handful of
// topic types carry a minimal required-field contract, everything else
// passes through untouched. topicType is the last path segment of the
// (unprefixed) topic.
func validateSchema(topicType string, payload interface{}) bool {
	m, ok := asMap(payload)
	if !ok {
		// Non-map payloads are only constrained for topic types that
		// require a mapping; everything else passes.
		switch topicType {
		case "events", "newStream", "channelEnd":
			return false
		default:
			return true
		}
	}

	switch topicType {
	case "events":
		_, hasType := m["type"]
		return hasType
	case "newStream":
		for _, k := range []string{"roomName", "port", "channelId"} {
			if _, ok := m[k]; !ok {
				return false
			}
		}
		return true
	case "channelEnd":
		_, ok := m["channelId"]
		return ok
	default:
		return true
	}
}

// asMap accepts either a map[string]interface{} directly, or a string that
// looks like a JSON object and opportunistically parses it — matching the
// original's "JSON-looking string" allowance for both inbound and outbound
// payloads (§12 supplemented feature).
func asMap(payload interface{}) (map[string]interface{}, bool) {
	switch v := payload.(type) {
	case map[string]interface{}:
		return v, true
	case string:
		trimmed := trimSpace(v)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, false
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
