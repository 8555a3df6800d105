/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package est

import (
	"errors"
	"fmt"
	"time"
)

var (
	errInvalidConfig = errors.New("invalid config")
	errInvalidBundle = errors.New("invalid certificate bundle")
)

// PendingError reports a 202 accepted-pending response: the server accepted
// the CSR but has not issued yet. The same CSR must be resubmitted after
// RetryAfter.
type PendingError struct {
	RetryAfter time.Duration
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("request accepted pending issuance, retry after %s", e.RetryAfter)
}

// RequestError reports a transient HTTP problem (4xx, 5xx, or an unexpected
// status). The exchange may succeed on a later attempt, so callers should
// retry with a long backoff rather than fail permanently. Reason carries the
// server's status metadata only, never certificate material.
type RequestError struct {
	StatusCode int
	Reason     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("unexpected response: %d %s", e.StatusCode, e.Reason)
}

// ServerProblem reports whether the error originated on the server side.
func (e *RequestError) ServerProblem() bool {
	return e.StatusCode >= 500
}

// VerificationError reports that the configured trust anchor could not be
// verified against the server's /cacerts bundle. This is a configuration
// mismatch, not transient network trouble, and must not be retried.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("trust anchor verification failed: %s", e.Reason)
}
