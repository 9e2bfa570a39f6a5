package registry

import (
	"fmt"
	"strings"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
)

// FieldError is one schema violation.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError reports arguments rejected by a tool's input schema. It unwraps to
// mcp.ErrValidation and carries the violations as error data.
type ValidationError struct {
	Tool   string
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Path, fe.Message))
	}
	return fmt.Sprintf("%s: tool %s: %s", mcp.ErrValidation, e.Tool, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error {
	return mcp.ErrValidation
}

// ErrorData implements mcp.ErrorData.
func (e *ValidationError) ErrorData() map[string]any {
	return map[string]any{
		"tool":   e.Tool,
		"errors": e.Errors,
	}
}
