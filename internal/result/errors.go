package result

import "fmt"

// ValidationKind distinguishes unparseable payloads from payloads with the
// wrong shape.
type ValidationKind string

const (
	MalformedPayload ValidationKind = "malformed_payload"
	SchemaMismatch   ValidationKind = "schema_mismatch"
)

// ValidationError is returned when a job succeeded but its output cannot be
// rendered.
type ValidationError struct {
	Kind   ValidationKind
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func schemaErr(err error, detail string) *ValidationError {
	return &ValidationError{Kind: SchemaMismatch, Detail: detail, Err: err}
}
