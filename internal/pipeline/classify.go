package pipeline

import "strings"

// FailureClass separates failures that are inherent to the data from
// failures of the infrastructure that fetched it.
type FailureClass string

const (
	// FailurePermanent means the data itself is gone, e.g. the CI provider
	// expired the logs. Never retried, surfaced as missing_resource.
	FailurePermanent FailureClass = "permanent"
	// FailureRetryable covers transient trouble: timeouts, rate limits,
	// worker crashes. Eligible for retry up to the ceiling.
	FailureRetryable FailureClass = "retryable"
)

var permanentMarkers = []string{
	"log retention",
	"logs expired",
	"log expired",
	"retention expired",
	"artifact expired",
	"resource gone",
	"410 gone",
	"repository deleted",
	"commit not found",
}

// Classify maps a worker-reported error message onto a failure class.
// Unknown errors default to retryable; permanence requires positive
// evidence, since a wrong "permanent" verdict silently strands a build.
func Classify(errMsg string) FailureClass {
	msg := strings.ToLower(strings.TrimSpace(errMsg))
	if msg == "" {
		return FailureRetryable
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return FailurePermanent
		}
	}
	return FailureRetryable
}
