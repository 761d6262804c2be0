package llm

import (
	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects a strict JSON schema for T, suitable for structured output
func GenerateSchema[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

// Temp returns a pointer to t, for per-request temperature overrides
func Temp(t float64) *float64 {
	return &t
}
