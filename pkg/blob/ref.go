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

// Package blob defines the content-hash handle shared by the CAS blob
// store and the manifest codec. A Ref is a value type: it supports
// equality with == and can be used directly as a map key, the same way
// camlistore/perkeep's blob.Ref does, but fixed to a single hash
// algorithm (SHA-256, lowercase hex) since spec.md §3 fixes the digest
// rather than leaving it pluggable.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"regexp"
)

// digestHexLen is the length of a lowercase-hex SHA-256 digest.
const digestHexLen = sha256.Size * 2

var hexPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Ref is a reference to a blob's content, addressed by its SHA-256
// digest. The zero Ref is invalid; use Parse, FromBytes, FromHash or
// FromReader to build one.
type Ref struct {
	digest [sha256.Size]byte
	valid  bool
}

// SizedRef pairs a Ref with the size of the blob it refers to.
type SizedRef struct {
	Ref
	Size int64
}

// NewHash returns a fresh hash.Hash of the algorithm used to compute
// Refs. Callers stream content through it and call FromHash to get the
// resulting Ref.
func NewHash() hash.Hash { return sha256.New() }

// FromHash builds a Ref from a hash.Hash previously returned by
// NewHash, after all content has been written to it.
func FromHash(h hash.Hash) Ref {
	var r Ref
	copy(r.digest[:], h.Sum(nil))
	r.valid = true
	return r
}

// FromBytes computes the Ref of the given content directly.
func FromBytes(data []byte) Ref {
	h := sha256.Sum256(data)
	return Ref{digest: h, valid: true}
}

// FromReader computes the Ref of everything read from r.
func FromReader(r io.Reader) (Ref, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Ref{}, 0, err
	}
	return FromHash(h), n, nil
}

// Parse parses a lowercase hex SHA-256 digest into a Ref. It reports ok
// is false if s isn't a well-formed digest.
func Parse(s string) (ref Ref, ok bool) {
	if len(s) != digestHexLen || !hexPattern.MatchString(s) {
		return Ref{}, false
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Ref{}, false
	}
	var r Ref
	copy(r.digest[:], raw)
	r.valid = true
	return r, true
}

// Valid reports whether r was built from Parse/FromBytes/FromHash/FromReader
// rather than being a zero value.
func (r Ref) Valid() bool { return r.valid }

// String returns the lowercase hex digest, or "" for an invalid Ref.
func (r Ref) String() string {
	if !r.valid {
		return ""
	}
	return hex.EncodeToString(r.digest[:])
}

// MarshalJSON renders the Ref the way manifest entries expect: a plain
// hex string, not an object.
func (r Ref) MarshalJSON() ([]byte, error) {
	if !r.valid {
		return []byte(`""`), nil
	}
	return []byte(fmt.Sprintf("%q", r.String())), nil
}

// UnmarshalJSON parses a plain hex string into a Ref.
func (r *Ref) UnmarshalJSON(data []byte) error {
	var s string
	if err := unquoteJSONString(data, &s); err != nil {
		return err
	}
	if s == "" {
		*r = Ref{}
		return nil
	}
	parsed, ok := Parse(s)
	if !ok {
		return fmt.Errorf("blob: invalid ref %q", s)
	}
	*r = parsed
	return nil
}

func unquoteJSONString(data []byte, out *string) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("blob: not a JSON string: %s", data)
	}
	*out = string(data[1 : len(data)-1])
	return nil
}
