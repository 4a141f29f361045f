package templatefmt

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// FuncMap returns shared delivery template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDistance": FormatDistance,
		"fmtTime":     FormatTime,
		"lower":       strings.ToLower,
		"upper":       strings.ToUpper,
		"json":        MarshalJSON,
	}
}

// ParseDeliveryTemplate parses one delivery record template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseDeliveryTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatDistance renders radius or distance in meters with km switch-over.
// Params: template value expected as float64, int, or int64 meters.
// Returns: formatted distance string.
func FormatDistance(value any) string {
	var meters float64
	switch typed := value.(type) {
	case float64:
		meters = typed
	case float32:
		meters = float64(typed)
	case int:
		meters = float64(typed)
	case int64:
		meters = float64(typed)
	default:
		return "0m"
	}
	if meters < 0 {
		meters = -meters
	}
	if meters >= 1000 {
		return fmt.Sprintf("%.1fkm", meters/1000)
	}
	return fmt.Sprintf("%.0fm", meters)
}

// FormatTime renders instant as RFC3339 in UTC.
// Params: template value expected as time.Time or *time.Time.
// Returns: formatted timestamp or empty string.
func FormatTime(value any) string {
	switch typed := value.(type) {
	case time.Time:
		if typed.IsZero() {
			return ""
		}
		return typed.UTC().Format(time.RFC3339)
	case *time.Time:
		if typed == nil || typed.IsZero() {
			return ""
		}
		return typed.UTC().Format(time.RFC3339)
	default:
		return ""
	}
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
