package engine

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"geofencing/internal/domain"
)

const throttleNamespace = "throttle/"

// ThrottlePrefix builds the counter namespace of one signaling message.
// Params: signaling message id.
// Returns: prefix ending with separator, safe for DeletePrefix.
func ThrottlePrefix(signalingMessageID string) string {
	token := keyToken(signalingMessageID)
	var builder strings.Builder
	builder.Grow(len(throttleNamespace) + len(token) + 1)
	builder.WriteString(throttleNamespace)
	builder.WriteString(token)
	builder.WriteByte('/')
	return builder.String()
}

// ThrottleCountKey builds key of times-notified counter.
// Params: signaling message id, area id, and event type.
// Returns: bucket-safe counter key.
func ThrottleCountKey(signalingMessageID, areaID string, event domain.EventType) string {
	return throttleKey(signalingMessageID, areaID, event, "times")
}

// ThrottleLastKey builds key of last-notified timestamp.
// Params: signaling message id, area id, and event type.
// Returns: bucket-safe timestamp key.
func ThrottleLastKey(signalingMessageID, areaID string, event domain.EventType) string {
	return throttleKey(signalingMessageID, areaID, event, "last")
}

func throttleKey(signalingMessageID, areaID string, event domain.EventType, suffix string) string {
	prefix := ThrottlePrefix(signalingMessageID)
	area := keyToken(areaID)
	kind := sanitize(string(event))
	var builder strings.Builder
	builder.Grow(len(prefix) + len(area) + len(kind) + len(suffix) + 2)
	builder.WriteString(prefix)
	builder.WriteString(area)
	builder.WriteByte('/')
	builder.WriteString(kind)
	builder.WriteByte('/')
	builder.WriteString(suffix)
	return builder.String()
}

// keyToken keeps ids readable when sanitizing is lossless and appends a digest otherwise.
// Params: raw id.
// Returns: bucket-safe token unique per raw id.
func keyToken(raw string) string {
	clean := sanitize(raw)
	if clean == raw {
		return clean
	}
	digest := sha1.Sum([]byte(raw))
	var hashValue [12]byte
	hex.Encode(hashValue[:], digest[:6])
	return clean + "-" + string(hashValue[:])
}

// sanitize converts key path fragments into stable bucket-safe tokens.
// Params: raw value with possible separators.
// Returns: sanitized string with unsupported chars replaced by underscore.
func sanitize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "_"
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
