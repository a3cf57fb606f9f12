package tools

import (
	"fmt"
)

// argString reads a string argument, empty when absent.
func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// requireString reads a mandatory string argument.
func requireString(args map[string]any, key string) (string, error) {
	v := argString(args, key)
	if v == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return v, nil
}

// argInt reads a numeric argument; JSON numbers decode as float64.
func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// argFloat reads a float argument.
func argFloat(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// argBool reads a boolean argument.
func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// argVersion reads the optional expected_version CAS guard.
func argVersion(args map[string]any) *int64 {
	switch v := args["expected_version"].(type) {
	case float64:
		n := int64(v)
		return &n
	case int:
		n := int64(v)
		return &n
	}
	return nil
}

// argStrings reads a string-array argument.
func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
