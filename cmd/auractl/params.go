package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// parseAssignments turns "key=value" and "key:=json" arguments into a map.
// Plain values are strings; ":=" values are decoded as JSON with numbers
// kept as json.Number.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, raw, err := splitAssignment(arg)
		if err != nil {
			return nil, err
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		if !raw {
			out[key] = value
			continue
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(value)))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%s: invalid JSON value: %w", key, err)
		}
		if dec.More() {
			return nil, fmt.Errorf("%s: trailing data after JSON value", key)
		}
		out[key] = v
	}
	return out, nil
}

func splitAssignment(arg string) (key, value string, raw bool, err error) {
	i := strings.IndexByte(arg, '=')
	if i <= 0 {
		return "", "", false, fmt.Errorf("expected key=value or key:=json, got %q", arg)
	}
	key, value = arg[:i], arg[i+1:]
	if strings.HasSuffix(key, ":") {
		key, raw = strings.TrimSuffix(key, ":"), true
	}
	if key == "" {
		return "", "", false, fmt.Errorf("empty key in %q", arg)
	}
	return key, value, raw, nil
}

// parseSwitch accepts on/off style words.
func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "enable", "enabled", "true", "1":
		return true, nil
	case "off", "disable", "disabled", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}
