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

package ignore

import "testing"

func TestIgnoredBySegmentMatch(t *testing.T) {
	m := Compile([]string{"node_modules", ".git"})
	cases := map[string]bool{
		"node_modules":                  true,
		"node_modules/left-pad/index.js": true,
		"src/node_modules/x.js":          true,
		"src/.git/config":                true,
		"src/main.go":                    false,
	}
	for path, want := range cases {
		if got := m.Ignored(path); got != want {
			t.Errorf("Ignored(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestIgnoredByPrefixGlob(t *testing.T) {
	m := Compile([]string{"build/*"})
	cases := map[string]bool{
		"build/output.bin":        true,
		"build/nested/output.bin": true,
		"other/build/output.bin":  false,
		"builder/output.bin":      false,
	}
	for path, want := range cases {
		if got := m.Ignored(path); got != want {
			t.Errorf("Ignored(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestIgnoredByExtensionGlob(t *testing.T) {
	m := Compile([]string{"*.tmp", "*.bak"})
	if !m.Ignored("assets/scratch.tmp") {
		t.Error("expected *.tmp to ignore nested .tmp files")
	}
	if m.Ignored("assets/scratch.txt") {
		t.Error("did not expect *.tmp to ignore .txt files")
	}
}

func TestCompileDropsEmptyPatterns(t *testing.T) {
	m := Compile([]string{"", "   ", "*.log"})
	if len(m.patterns) != 1 {
		t.Fatalf("expected 1 surviving pattern, got %d: %v", len(m.patterns), m.patterns)
	}
}

func TestIgnoredEmptyPath(t *testing.T) {
	m := Compile([]string{"*"})
	if m.Ignored("") {
		t.Error("empty path should never be ignored")
	}
}
