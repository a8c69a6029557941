/*
Copyright 2026 The Pushstore Authors

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

// Package clock defines the time source the engine depends on, so tests
// can substitute a fixed or stepped clock instead of wall-clock time.
package clock

import "time"

// Clock is the time source used by every component that stamps or
// expires a record (Version.completed_at, DownloadRequest.expires_at,
// the sweep loops). It is injected rather than read from time.Now
// directly, per the no-hidden-singletons rule.
type Clock interface {
	Now() time.Time
}

// System is the real, wall-clock Clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed is a Clock that always returns the same instant, for tests.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }
