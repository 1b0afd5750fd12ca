// Package retrypolicy implements the Retry Policy (C4): error
// classification, delay computation, and coordination with the throttle
// tracker so a retried request lands on a cooler source.
package retrypolicy

import (
	"strings"

	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
)

// ErrorClass partitions observed failures per §4.4.
type ErrorClass string

const (
	ThrottleResponse ErrorClass = "throttle_response"
	TransientNetwork ErrorClass = "transient_network"
	ServerDeadlock   ErrorClass = "server_deadlock"
	FatalBusiness    ErrorClass = "fatal_business"
	PoolExhaustion   ErrorClass = "pool_exhaustion"
)

// platform codes for table-valued-parameter race (1205) and SQL deadlock (3732).
const (
	codeTVPRace      = 1205
	codeSQLDeadlock  = 3732
)

// Retryable reports whether the policy retries errors of this class (§4.4:
// only the first three are retried).
func (c ErrorClass) Retryable() bool {
	switch c {
	case ThrottleResponse, TransientNetwork, ServerDeadlock:
		return true
	default:
		return false
	}
}

// Classify partitions a fault/err pair into one of the §4.4 classes.
func Classify(fault *platform.Fault, err error) ErrorClass {
	if err != nil {
		if isPoolExhaustion(err) {
			return PoolExhaustion
		}
		if isNetworkError(err) {
			return TransientNetwork
		}
	}

	if fault == nil {
		return FatalBusiness
	}

	if fault.StatusCode == 429 || fault.StatusCode == 503 {
		return ThrottleResponse
	}
	if fault.PlatformCode == codeTVPRace || fault.PlatformCode == codeSQLDeadlock {
		return ServerDeadlock
	}
	if fault.StatusCode >= 500 {
		return TransientNetwork
	}

	return FatalBusiness
}

func isNetworkError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"timeout", "connection reset", "connection refused", "broken pipe", "no such host", "i/o timeout", "eof"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func isPoolExhaustion(err error) bool {
	return strings.Contains(err.Error(), "pool exhaust")
}

// IsBulkRefusal reports whether a fault's message indicates the server
// refuses this entity in bulk form (§4.5 "Bulk refusal").
func IsBulkRefusal(fault *platform.Fault) bool {
	if fault == nil {
		return false
	}
	msg := strings.ToLower(fault.Message)
	return strings.Contains(msg, "not enabled on the entity") || strings.Contains(msg, "multiple is not supported")
}
