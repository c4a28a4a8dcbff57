// Package pathgen synthesizes JSON paths for task inputs and outputs: it
// asks the LLM which existing context values feed each declared input, runs
// a small validated transformation DSL over them, and names the context key
// that will receive the tool's output.
package pathgen

import "fmt"

// Extraction is the tagged result of evaluating an input transformation:
// either a value was found or the field is missing with a reason.
type Extraction struct {
	found  bool
	value  any
	reason string
}

// Found wraps a successfully extracted value.
func Found(value any) Extraction {
	return Extraction{found: true, value: value}
}

// Missing marks a field that could not be derived from the context.
func Missing(reason string) Extraction {
	return Extraction{reason: reason}
}

// IsFound reports whether a value was extracted.
func (e Extraction) IsFound() bool { return e.found }

// Value returns the extracted value; only meaningful when IsFound.
func (e Extraction) Value() any { return e.value }

// Reason returns why the extraction failed; only meaningful when !IsFound.
func (e Extraction) Reason() string { return e.reason }

// MissingInput identifies the first input field that could not be resolved,
// so the engine can generate a recovery task for it.
type MissingInput struct {
	Field       string
	Description string
	Reason      string
}

func (m *MissingInput) String() string {
	return fmt.Sprintf("input %q missing: %s", m.Field, m.Reason)
}
