package config

import (
	"fmt"
	"math"
	"time"
)

// Stored values come back from JSON as float64 and []any, and from YAML as
// int and []any. The helpers below accept both and leave dst untouched when
// the key is absent.

func setString(data map[string]any, key string, dst *string) error {
	v, ok := data[key]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("invalid value type for '%s': expected string, got %T", key, v)
	}
	*dst = s
	return nil
}

func setBool(data map[string]any, key string, dst *bool) error {
	v, ok := data[key]
	if !ok || v == nil {
		return nil
	}
	b, ok := v.(bool)
	if !ok {
		return fmt.Errorf("invalid value type for '%s': expected bool, got %T", key, v)
	}
	*dst = b
	return nil
}

func setFloat(data map[string]any, key string, dst *float64) error {
	v, ok := data[key]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		*dst = n
	case int:
		*dst = float64(n)
	case int64:
		*dst = float64(n)
	default:
		return fmt.Errorf("invalid value type for '%s': expected number, got %T", key, v)
	}
	return nil
}

func setInt(data map[string]any, key string, dst *int) error {
	v, ok := data[key]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case int:
		*dst = n
	case int64:
		*dst = int(n)
	case float64:
		if n != math.Trunc(n) {
			return fmt.Errorf("invalid value for '%s': %v is not a whole number", key, n)
		}
		*dst = int(n)
	default:
		return fmt.Errorf("invalid value type for '%s': expected integer, got %T", key, v)
	}
	return nil
}

// setDuration accepts Go duration strings ("30s", "1m30s").
func setDuration(data map[string]any, key string, dst *time.Duration) error {
	var s string
	if err := setString(data, key, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration for '%s': %w", key, err)
	}
	*dst = d
	return nil
}

func setStrings(data map[string]any, key string, dst *[]string) error {
	v, ok := data[key]
	if !ok || v == nil {
		return nil
	}
	switch list := v.(type) {
	case []string:
		*dst = append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("invalid value type for '%s[%d]': expected string, got %T", key, i, item)
			}
			out = append(out, s)
		}
		*dst = out
	default:
		return fmt.Errorf("invalid value type for '%s': expected list, got %T", key, v)
	}
	return nil
}
