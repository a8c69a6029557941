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

// Package diffengine compares two manifest file lists and reports
// what changed between them. Grounded on rybkr-gitvista's
// internal/gitcore/diff.go (two path-keyed entry maps compared to
// produce added/modified/deleted sets), generalized here to carry
// byte sizes through the comparison so PushEngine can report a
// storage delta alongside the path-level change sets.
package diffengine

import (
	"sort"

	"pushstore.dev/pkg/manifest"
)

// ChangeKind classifies one path's change.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
)

// Change describes one changed path.
type Change struct {
	Path    string
	Kind    ChangeKind
	OldSize int64
	NewSize int64
}

// Details buckets changes by kind, each truncated independently.
type Details struct {
	Added     []Change
	Modified  []Change
	Deleted   []Change
	Truncated bool
}

// Result is the outcome of a Diff call.
type Result struct {
	Added      []string
	Modified   []string
	Deleted    []string
	SizeChange int64
	Details    Details
}

// Diff compares current against previous (nil or empty for an
// initial version, where every current entry counts as added).
// maxDetailEntries bounds how many Change records each Details bucket
// carries; entries beyond that are still counted in Added/Modified/
// Deleted but are not individually listed.
func Diff(current, previous []manifest.Entry, maxDetailEntries int) Result {
	prevByPath := make(map[string]manifest.Entry, len(previous))
	for _, e := range previous {
		prevByPath[e.Path] = e
	}
	curByPath := make(map[string]manifest.Entry, len(current))
	for _, e := range current {
		curByPath[e.Path] = e
	}

	var res Result
	var sizeChange int64

	for _, path := range sortedPaths(curByPath) {
		cur := curByPath[path]
		prev, existed := prevByPath[path]
		if !existed {
			res.Added = append(res.Added, path)
			sizeChange += cur.Size
			addChange(&res.Details.Added, Change{Path: path, Kind: Added, NewSize: cur.Size}, maxDetailEntries, &res.Details.Truncated)
			continue
		}
		if prev.Hash != cur.Hash {
			res.Modified = append(res.Modified, path)
			sizeChange += cur.Size - prev.Size
			addChange(&res.Details.Modified, Change{Path: path, Kind: Modified, OldSize: prev.Size, NewSize: cur.Size}, maxDetailEntries, &res.Details.Truncated)
		}
	}

	for _, path := range sortedPaths(prevByPath) {
		if _, stillPresent := curByPath[path]; stillPresent {
			continue
		}
		prev := prevByPath[path]
		res.Deleted = append(res.Deleted, path)
		sizeChange -= prev.Size
		addChange(&res.Details.Deleted, Change{Path: path, Kind: Deleted, OldSize: prev.Size}, maxDetailEntries, &res.Details.Truncated)
	}

	res.SizeChange = sizeChange
	return res
}

func addChange(bucket *[]Change, c Change, max int, truncated *bool) {
	if max <= 0 || len(*bucket) < max {
		*bucket = append(*bucket, c)
		return
	}
	*truncated = true
}

func sortedPaths(m map[string]manifest.Entry) []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
