// Copyright 2024 The Swapboot authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package testonly builds signed firmware images for tests.
package testonly

import (
	"encoding/binary"
	"testing"

	"github.com/transparency-dev/swapboot/internal/crypto"
	ctestonly "github.com/transparency-dev/swapboot/internal/crypto/testonly"
	"github.com/transparency-dev/swapboot/internal/image"
)

// TLV is a raw header field.
type TLV struct {
	Tag   uint16
	Value []byte
}

// Builder describes an image to build.
type Builder struct {
	Version uint32
	// Timestamp is omitted when zero.
	Timestamp uint64
	// Type is omitted when nil.
	Type *image.Type
	// Hash defaults to SHA-256.
	Hash   crypto.HashAlgo
	Signer ctestonly.Signer
	// Hint adds the digest of the signer's public key.
	Hint bool
	// Signed fields are placed before the digest, Unsigned ones after it.
	Signed   []TLV
	Unsigned []TLV
	Payload  []byte
}

// Build returns the serialised image.
func (b Builder) Build(t testing.TB) []byte {
	t.Helper()
	h := b.Hash
	if h == crypto.HashUnknown {
		h = crypto.SHA256
	}
	p := crypto.Software{}

	hdr := make([]byte, 8, image.HeaderSize)
	binary.LittleEndian.PutUint32(hdr, image.Magic)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(b.Payload)))

	hdr = AppendTLV(hdr, image.TagVersion, binary.LittleEndian.AppendUint32(nil, b.Version))
	if b.Timestamp != 0 {
		hdr = AppendTLV(hdr, image.TagTimestamp, binary.LittleEndian.AppendUint64(nil, b.Timestamp))
	}
	if b.Type != nil {
		hdr = AppendTLV(hdr, image.TagImageType, []byte{b.Type.Kind, byte(b.Type.Auth)})
	}
	for _, f := range b.Signed {
		hdr = AppendTLV(hdr, f.Tag, f.Value)
	}
	if b.Hint {
		hh, err := p.NewHash(h)
		if err != nil {
			t.Fatalf("NewHash: %v", err)
		}
		hh.Write(b.Signer.PublicKey().Key)
		hdr = AppendTLV(hdr, image.TagPubKeyHint, hh.Sum(nil))
	}

	hh, err := p.NewHash(h)
	if err != nil {
		t.Fatalf("NewHash: %v", err)
	}
	hh.Write(hdr)
	hh.Write(b.Payload)
	digest := hh.Sum(nil)

	hdr = AppendTLV(hdr, DigestTag(h), digest)
	hdr = AppendTLV(hdr, image.TagSignature, b.Signer.Sign(h, digest))
	for _, f := range b.Unsigned {
		hdr = AppendTLV(hdr, f.Tag, f.Value)
	}
	hdr = AppendTLV(hdr, image.TagEnd, nil)
	if len(hdr) > image.HeaderSize {
		t.Fatalf("Header of %d bytes doesn't fit in %d", len(hdr), image.HeaderSize)
	}
	for len(hdr) < image.HeaderSize {
		hdr = append(hdr, 0xff)
	}
	return append(hdr, b.Payload...)
}

// AppendTLV appends a TLV entry to b.
func AppendTLV(b []byte, tag uint16, v []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, tag)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(v)))
	return append(b, v...)
}

// DigestTag returns the tag used to store a digest computed with h.
func DigestTag(h crypto.HashAlgo) uint16 {
	switch h {
	case crypto.SHA384:
		return image.TagSHA384
	case crypto.SHA3_384:
		return image.TagSHA3_384
	}
	return image.TagSHA256
}

// Payload returns n bytes of deterministic, non-trivial content derived from
// seed.
func Payload(seed byte, n int) []byte {
	r := make([]byte, n)
	x := uint32(seed) + 1
	for i := range r {
		x = x*1103515245 + 12345
		r[i] = byte(x >> 16)
	}
	return r
}
