package providers

import (
	"fmt"

	"github.com/samber/oops"
)

// ErrorCode returns the innermost oops code attached to err, or "" when there is none
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok || oopsErr.Code() == nil {
		return ""
	}
	if code, ok := oopsErr.Code().(string); ok {
		return code
	}
	return fmt.Sprintf("%v", oopsErr.Code())
}

// ErrorContext returns the structured fields attached to err via oops
func ErrorContext(err error) map[string]any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}
