package llm

import "fmt"

// FailureKind classifies provider failures. Client errors are fatal for
// the current tick; server errors and timeouts are retryable and feed the
// replan policy.
type FailureKind string

// Failure kinds.
const (
	FailureNone        FailureKind = ""
	FailureClientError FailureKind = "provider_client_error"
	FailureServerError FailureKind = "provider_server_error"
	FailureBadOutput   FailureKind = "provider_bad_output"
)

// Result isolates provider errors behind a value: broker calls never
// panic or leak raw provider errors past the runtime boundary.
type Result[T any] struct {
	Success    bool
	Data       T
	FailureLog string
	Kind       FailureKind
}

// Ok wraps a successful completion.
func Ok[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

// Fail wraps a classified failure.
func Fail[T any](kind FailureKind, format string, args ...any) Result[T] {
	return Result[T]{Kind: kind, FailureLog: fmt.Sprintf(format, args...)}
}

// Retryable reports whether the failure may succeed on retry (server-side
// errors and timeouts).
func (r Result[T]) Retryable() bool {
	return r.Kind == FailureServerError
}

// Sampling carries per-call sampling parameters. The retrieval loop's
// self-tuner adjusts these between iterations; nil means provider defaults.
type Sampling struct {
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}
