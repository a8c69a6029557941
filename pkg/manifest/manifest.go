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

// Package manifest encodes and decodes a version's file list to and
// from the bit-stable on-disk JSON format, and computes the content
// hash that dedupe lookups key on. Grounded on perkeep's pkg/schema
// (a canonical-JSON, hash-stable document format over file metadata),
// generalized from perkeep's attribute-map blobs to a flat sorted
// entry list because this format's dedupe guarantee depends on byte
// stability a generic schema blob doesn't promise by itself.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"pushstore.dev/pkg/blob"
	"pushstore.dev/pkg/pusherr"
)

// Storage names the representation of an Entry's content.
type Storage string

const (
	StorageCAS    Storage = "cas"
	StorageInline Storage = "inline"
)

// Entry describes one file within a version.
type Entry struct {
	Path    string  `json:"path"`
	Hash    string  `json:"hash"`
	Size    int64   `json:"size"`
	Storage Storage `json:"storage"`
	BlobID  int64   `json:"blob_id,omitempty"`
	Content []byte  `json:"-"` // inline payload, base64 on the wire
}

// entryWire's fields are declared in alphabetical order so
// encoding/json emits them in the on-disk format's required key
// order without a second sorting pass.
type entryWire struct {
	BlobID  int64  `json:"blob_id,omitempty"`
	Content string `json:"content,omitempty"`
	Hash    string `json:"hash"`
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Storage string `json:"storage"`
}

// Manifest is the decoded form of a version's file list.
type Manifest struct {
	CASThresholdMB float64   `json:"cas_threshold_mb"`
	CreatedAt      time.Time `json:"created_at"`
	Files          []Entry   `json:"files"`
}

type manifestWire struct {
	CASThresholdMB float64     `json:"cas_threshold_mb"`
	CreatedAt      string      `json:"created_at"`
	Files          []entryWire `json:"files"`
}

// Encode serializes m to the canonical on-disk JSON format: UTF-8,
// alphabetical object keys, entries sorted by path ascending bytewise.
// Two manifests with the same logical content always encode to the
// same bytes.
func Encode(m Manifest) ([]byte, error) {
	sorted := make([]Entry, len(m.Files))
	copy(sorted, m.Files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	wire := manifestWire{
		CASThresholdMB: m.CASThresholdMB,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339),
		Files:          make([]entryWire, len(sorted)),
	}
	for i, e := range sorted {
		ew := entryWire{
			Hash:    e.Hash,
			Path:    normalizePath(e.Path),
			Size:    e.Size,
			Storage: string(e.Storage),
		}
		if e.Storage == StorageCAS {
			ew.BlobID = e.BlobID
		}
		if e.Storage == StorageInline {
			ew.Content = base64.StdEncoding.EncodeToString(e.Content)
		}
		wire.Files[i] = ew
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(wire); err != nil {
		return nil, pusherr.Wrapf(pusherr.ErrInternal, "manifest: encode: %v", err)
	}
	out := buf.Bytes()
	// json.Encoder always appends a trailing newline; trim it so the
	// format is exactly the document, nothing more.
	if len(out) > 0 && out[len(out)-1] == '\n' {
		out = out[:len(out)-1]
	}
	return out, nil
}

// Decode parses the on-disk JSON format back into a Manifest.
func Decode(data []byte) (Manifest, error) {
	var wire manifestWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Manifest{}, pusherr.Wrapf(pusherr.ErrManifestCorrupt, "manifest: decode: %v", err)
	}
	createdAt, err := time.Parse(time.RFC3339, wire.CreatedAt)
	if err != nil {
		return Manifest{}, pusherr.Wrapf(pusherr.ErrManifestCorrupt, "manifest: bad created_at %q: %v", wire.CreatedAt, err)
	}
	m := Manifest{
		CASThresholdMB: wire.CASThresholdMB,
		CreatedAt:      createdAt,
		Files:          make([]Entry, len(wire.Files)),
	}
	for i, ew := range wire.Files {
		storage := Storage(ew.Storage)
		if storage != StorageCAS && storage != StorageInline {
			return Manifest{}, pusherr.Wrapf(pusherr.ErrManifestCorrupt, "manifest: entry %q has unknown storage %q", ew.Path, ew.Storage)
		}
		if ew.Path == "" || ew.Hash == "" {
			return Manifest{}, pusherr.Wrapf(pusherr.ErrManifestCorrupt, "manifest: entry missing required field: %+v", ew)
		}
		e := Entry{Path: ew.Path, Hash: ew.Hash, Size: ew.Size, Storage: storage, BlobID: ew.BlobID}
		if storage == StorageInline {
			content, err := base64.StdEncoding.DecodeString(ew.Content)
			if err != nil {
				return Manifest{}, pusherr.Wrapf(pusherr.ErrManifestCorrupt, "manifest: entry %q bad base64: %v", ew.Path, err)
			}
			e.Content = content
		}
		m.Files[i] = e
	}
	return m, nil
}

// Hash computes the SHA-256 over the sorted sequence of
// "path\x00hash\x00size\x00" for each entry, independent of inlined
// content, storage class, and timestamps — so logically identical
// file lists always hash identically regardless of threshold changes
// or how a given file happened to be stored.
func Hash(entries []Entry) string {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, e := range sorted {
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00", normalizePath(e.Path), e.Hash, e.Size)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalizePath(p string) string {
	out := make([]byte, len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == '\\' {
			out[i] = '/'
		} else {
			out[i] = p[i]
		}
	}
	return string(out)
}

// ParseRef parses an entry's hex-encoded content hash into a blob.Ref,
// for callers that need to compare it against a freshly-computed
// digest rather than treat it as an opaque string.
func ParseRef(hash string) (blob.Ref, bool) {
	return blob.Parse(hash)
}
