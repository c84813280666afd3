package tools

import "fmt"

// Result is the unified return type from tool execution. A result is
// either output or an error, never both.
type Result struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}

func Ok(output string) *Result {
	return &Result{Output: output}
}

func ErrorResult(message string) *Result {
	return &Result{Output: message, IsError: true}
}

func Errorf(format string, args ...interface{}) *Result {
	return &Result{Output: fmt.Sprintf(format, args...), IsError: true}
}
