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

// Package ignore compiles a flat list of shell-style glob patterns
// into a Matcher that tells a push worker which incoming file paths
// to discard before they ever reach the master tree. Grounded on the
// gitignore-style pattern matcher in rybkr-gitvista's
// internal/gitcore/gitignore.go, simplified: this matcher has no
// negation, no per-directory rule files, and no anchoring — it takes
// one flat pattern list per push request, as the push request body
// carries no notion of nested ignore files.
package ignore

import (
	"path/filepath"
	"strings"
)

// Matcher tests paths against a compiled set of glob patterns.
type Matcher struct {
	patterns []string
}

// Compile builds a Matcher from raw glob patterns. Empty and
// whitespace-only patterns are dropped.
func Compile(patterns []string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		m.patterns = append(m.patterns, p)
	}
	return m
}

// Ignored reports whether p should be discarded: true if any compiled
// pattern matches p itself, or matches any prefix path obtained by
// splitting p on "/". This makes a pattern like "build" ignore
// "build/output.bin" as well as "build" itself, without the caller
// needing a trailing "/*" or "/**".
func (m *Matcher) Ignored(p string) bool {
	p = strings.Trim(filepath.ToSlash(p), "/")
	if p == "" {
		return false
	}
	segments := strings.Split(p, "/")
	for i := range segments {
		prefix := strings.Join(segments[:i+1], "/")
		if m.matchesAny(prefix) || m.matchesAny(segments[i]) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchesAny(candidate string) bool {
	for _, pat := range m.patterns {
		if matchGlob(pat, candidate) {
			return true
		}
	}
	return false
}

// matchGlob matches a shell-style pattern (?, *, […]) against name.
// filepath.Match already treats path separators as ordinary
// characters would only if name has none; since every candidate
// Ignored passes in here is a single path segment or a prefix joined
// back with "/", a pattern containing no "/" still matches correctly
// against either, mirroring the gitignore basename-or-full-path
// fallback this is grounded on.
func matchGlob(pattern, name string) bool {
	matched, err := filepath.Match(pattern, name)
	return err == nil && matched
}
