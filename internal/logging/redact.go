package logging

import (
	"encoding/json"
	"strings"
)

var sensitiveKeys = []string{
	"api_key", "apikey", "apiKey", "x-api-key", "authorization", "auth",
	"token", "access_token", "refresh_token", "password", "secret", "bearer",
}

// RedactJSON redacts values under commonly-sensitive key names in a JSON
// payload before it is logged (LLM request/response bodies, webhook
// payloads).
func RedactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(redactValue(v))
	if err != nil {
		return raw
	}
	return b
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, vv := range val {
			if isSensitiveKey(k) {
				val[k] = "[REDACTED]"
			} else {
				val[k] = redactValue(vv)
			}
		}
		return val
	case []any:
		for i := range val {
			val[i] = redactValue(val[i])
		}
		return val
	default:
		return v
	}
}

func isSensitiveKey(k string) bool {
	low := strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(low, s) {
			return true
		}
	}
	return false
}

const maxLoggedMessageChars = 160

// TruncateMessage shortens raw chat message text for log lines. Full
// message bodies belong in the store, not in logs; this keeps debugging
// output useful without leaking full conversations into log aggregation.
func TruncateMessage(text string) string {
	r := []rune(text)
	if len(r) <= maxLoggedMessageChars {
		return text
	}
	return string(r[:maxLoggedMessageChars]) + "…"
}

// ShortSender returns a short prefix of a sender hash suitable for log
// correlation without printing the full hash.
func ShortSender(senderHash string) string {
	if len(senderHash) <= 8 {
		return senderHash
	}
	return senderHash[:8]
}
