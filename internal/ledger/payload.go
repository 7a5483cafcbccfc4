package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

func requireString(p Payload, field string) (string, error) {
	v, ok := p[field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", ValidationError{Field: field, Reason: "required"}
	}
	return v, nil
}

func optionalString(p Payload, field string) string {
	v, _ := p[field].(string)
	return v
}

func requireNumber(p Payload, field string) (float64, error) {
	v, ok := asNumber(p[field])
	if !ok {
		return 0, ValidationError{Field: field, Reason: "must be a number"}
	}
	return v, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// optionalDate validates an RFC3339 field when present.
func optionalDate(p Payload, field string) (string, error) {
	v := optionalString(p, field)
	if v == "" {
		return "", nil
	}
	if _, err := time.Parse(time.RFC3339, v); err != nil {
		return "", ValidationError{Field: field, Reason: fmt.Sprintf("must be RFC3339: %v", err)}
	}
	return v, nil
}

// copyAttrs copies present payload keys into entity attributes.
func copyAttrs(attrs map[string]any, p Payload, keys ...string) {
	for _, k := range keys {
		if v, ok := p[k]; ok {
			attrs[k] = v
		}
	}
}
