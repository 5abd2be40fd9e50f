package dispatch

import (
	"strings"
)

// outcome of a single dispatch attempt.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRevoked
	outcomeRetry
)

// revocationSignatures are the upstream body patterns that identify a key as
// revoked or leaked rather than the request being bad. Matched
// case-insensitively.
var revocationSignatures = []string{
	"api_key_invalid",
	"api key not valid",
	"api key expired",
	"consumer_suspended",
	"permission_denied: the caller does not have permission",
}

// classify decides what to do with an attempt that produced an HTTP status.
// Only 400/401/403 bodies are inspected for revocation signatures; any other
// non-2xx is a plain retry.
func classify(status int, body []byte) outcome {
	if status >= 200 && status < 300 {
		return outcomeSuccess
	}
	switch status {
	case 400, 401, 403:
		lower := strings.ToLower(string(body))
		for _, sig := range revocationSignatures {
			if strings.Contains(lower, sig) {
				return outcomeRevoked
			}
		}
	}
	return outcomeRetry
}
