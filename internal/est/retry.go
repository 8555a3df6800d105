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
	"net/http"
	"strconv"
	"time"
)

// DefaultRetryDelay is used when the server supplies no usable Retry-After
// value, and as the backoff for transient request/server problems.
const DefaultRetryDelay = 600 * time.Second

// minRetryDelay floors parsed delays. A zero duration in ctrl.Result
// schedules no requeue at all, so a Retry-After of zero or a date already in
// the past must still yield a positive delay.
const minRetryDelay = time.Second

// ParseRetryAfter interprets a Retry-After header value as either an integer
// seconds count or an HTTP-date. A date is converted to a whole-second delta
// from now. Absent or malformed values fall back to DefaultRetryDelay; zero
// and past values are clamped to a one second floor.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return DefaultRetryDelay
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return DefaultRetryDelay
		}
		return clampRetryDelay(time.Duration(seconds) * time.Second)
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return DefaultRetryDelay
	}
	return clampRetryDelay(when.Sub(now.UTC()).Truncate(time.Second))
}

func clampRetryDelay(delay time.Duration) time.Duration {
	if delay < minRetryDelay {
		return minRetryDelay
	}
	return delay
}
