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

// Package hashutil contains misc hashing helpers lacking homes
// elsewhere, in particular a streaming digest reader used wherever
// content must be hashed while it's being copied rather than in a
// separate pass over it.
package hashutil // import "pushstore.dev/internal/hashutil"

import (
	"hash"
	"io"

	"pushstore.dev/pkg/blob"
)

// TrackDigestReader is an io.Reader wrapper which records the digest
// of what it reads. pkg/cas wraps an upload source in one so storing a
// blob's payload and computing its content Ref happen in the same
// streaming pass instead of two.
type TrackDigestReader struct {
	r io.Reader
	h hash.Hash
}

// NewTrackDigestReader wraps r so reads through it also feed the
// content digest.
func NewTrackDigestReader(r io.Reader) *TrackDigestReader {
	return &TrackDigestReader{r: r, h: blob.NewHash()}
}

// Hash returns the running hash.Hash. Only meaningful to sum once the
// wrapped reader has been read to EOF.
func (t *TrackDigestReader) Hash() hash.Hash {
	return t.h
}

// Ref returns the Ref of everything read so far. Only meaningful once
// the wrapped reader has been fully consumed.
func (t *TrackDigestReader) Ref() blob.Ref {
	return blob.FromHash(t.h)
}

func (t *TrackDigestReader) Read(p []byte) (n int, err error) {
	n, err = t.r.Read(p)
	if n > 0 {
		t.h.Write(p[:n])
	}
	return n, err
}
