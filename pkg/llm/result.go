package llm

import (
	"fmt"

	"github.com/ncolesummers/doc-research-engine/pkg/domain"
)

// ResultKind tags which arm of a Result is populated
type ResultKind int

const (
	// KindOK means Value holds parsed, validated output
	KindOK ResultKind = iota
	// KindSchemaError means the model answered but never in the expected shape; Raw holds the last answer
	KindSchemaError
	// KindFailed means the provider call itself failed after retries; Err says why
	KindFailed
)

func (k ResultKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindSchemaError:
		return "schema_error"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the tagged outcome of a gateway invocation. Callers switch on Kind.
type Result[T any] struct {
	Kind     ResultKind
	Value    T
	Raw      string
	Err      error
	Model    string
	Attempts int
	Usage    domain.TokenUsage
}

// ResultOK builds the success arm
func ResultOK[T any](value T) Result[T] {
	return Result[T]{Kind: KindOK, Value: value}
}

// ResultSchemaError builds the schema mismatch arm
func ResultSchemaError[T any](raw string, err error) Result[T] {
	return Result[T]{Kind: KindSchemaError, Raw: raw, Err: err}
}

// ResultFailed builds the provider failure arm
func ResultFailed[T any](err error) Result[T] {
	return Result[T]{Kind: KindFailed, Err: err}
}

// OK reports whether the result holds a value
func (r Result[T]) OK() bool {
	return r.Kind == KindOK
}

// Error returns the failure of a non-OK result, or nil
func (r Result[T]) Error() error {
	if r.Kind == KindOK {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return fmt.Errorf("llm result: %s", r.Kind)
}
