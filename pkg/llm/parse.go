package llm

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ExtractJSON returns the JSON payload of a model response. Models without native
// structured output often wrap it in a ```json fence or surround it with prose.
func ExtractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if json.Valid([]byte(trimmed)) {
		return trimmed
	}

	if m := fencedJSON.FindStringSubmatch(trimmed); m != nil && json.Valid([]byte(m[1])) {
		return m[1]
	}

	if start := strings.IndexAny(trimmed, "{["); start >= 0 {
		closer := "}"
		if trimmed[start] == '[' {
			closer = "]"
		}
		if end := strings.LastIndex(trimmed, closer); end > start {
			candidate := trimmed[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}

	return trimmed
}

// Decode extracts and unmarshals a JSON object from model output into v
func Decode(content string, v any) error {
	payload := ExtractJSON(content)
	if payload == "" {
		return fmt.Errorf("empty response")
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// CheckRequired reports the required fields of T that content does not carry. A field
// is required unless it is a pointer or tagged omitempty; an explicit null counts as present.
func CheckRequired[T any](content string) error {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(ExtractJSON(content)), &fields); err != nil {
		return fmt.Errorf("expected a JSON object: %w", err)
	}

	var missing []string
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() || field.Type.Kind() == reflect.Ptr {
			continue
		}
		name, opts, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = field.Name
		}
		if strings.Contains(opts, "omitempty") {
			continue
		}
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// FlexBool accepts true/false as well as "yes", "no", "1", "0" and their string forms
type FlexBool bool

// UnmarshalJSON implements json.Unmarshaler
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*b = false
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}

	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "y", "1", "relevant":
		*b = true
	case "false", "no", "n", "0", "", "not relevant", "irrelevant":
		*b = false
	default:
		return fmt.Errorf("cannot interpret %s as a boolean", string(data))
	}
	return nil
}

// Bool returns the plain value
func (b FlexBool) Bool() bool {
	return bool(b)
}
