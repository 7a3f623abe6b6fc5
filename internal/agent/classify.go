package agent

import "strings"

// ErrorCode classifies why an agent invocation failed
type ErrorCode string

const (
	CodeRateLimit   ErrorCode = "RATE_LIMIT"
	CodeAuthFailed  ErrorCode = "AUTH_FAILED"
	CodeTimeout     ErrorCode = "TIMEOUT"
	CodeProcessExit ErrorCode = "PROCESS_EXIT"
	CodeAgentError  ErrorCode = "AGENT_ERROR"
)

// classification is an ordered pattern table: the first code whose
// indicators match wins, so rate-limit text inside an exit message still
// classifies as a rate limit.
var classification = []struct {
	code       ErrorCode
	indicators []string
}{
	{CodeRateLimit, []string{"rate limit", "rate_limit", "429", "too many requests", "overloaded"}},
	{CodeAuthFailed, []string{"authentication", "unauthorized", "401", "invalid api key", "api key not", "credit"}},
	{CodeTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CodeProcessExit, []string{"exit status", "signal:", "exited unexpectedly"}},
}

// Classify maps failure text to an error code. Unrecognized failures get
// the generic code.
func Classify(failure string) ErrorCode {
	lower := strings.ToLower(failure)
	for _, entry := range classification {
		for _, ind := range entry.indicators {
			if strings.Contains(lower, ind) {
				return entry.code
			}
		}
	}
	return CodeAgentError
}
