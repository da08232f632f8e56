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

// Package verify authenticates parsed firmware images against a trust
// anchor. It is the only place where header fields become trusted.
package verify

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/transparency-dev/swapboot/anchor"
	"github.com/transparency-dev/swapboot/internal/crypto"
	"github.com/transparency-dev/swapboot/internal/image"
	"k8s.io/klog/v2"
)

// ChunkSize is the size of the reads used to hash an image.
const ChunkSize = 4096

var (
	// ErrVerify is wrapped by every verification failure.
	ErrVerify = errors.New("image verification failed")

	ErrHashMismatch     = fmt.Errorf("%w: hash mismatch", ErrVerify)
	ErrSignatureInvalid = fmt.Errorf("%w: invalid signature", ErrVerify)
	ErrVersionTooOld    = fmt.Errorf("%w: version too old", ErrVerify)
	ErrWrongKind        = fmt.Errorf("%w: not a bootable image", ErrVerify)
)

// Verified is the outcome of a successful verification.
type Verified struct {
	Version uint32
	// Size is the total size of the image, header included.
	Size   int64
	Digest []byte
}

// Verifier checks images. It holds the scratch buffer used for hashing, so
// RAM use doesn't depend on the image size. A Verifier must not be used
// concurrently.
type Verifier struct {
	crypto crypto.Provider
	buf    [ChunkSize]byte
}

// New returns a Verifier using the given crypto provider.
func New(p crypto.Provider) *Verifier {
	return &Verifier{crypto: p}
}

// Verify checks, in order, the image digest, its signature, and its version
// against the anchor's minimum.
//
// Failures caused by the image wrap ErrVerify; errors reading from dev are
// returned as they are.
func (v *Verifier) Verify(dev io.ReaderAt, d *image.Descriptor, a anchor.Anchor) (Verified, error) {
	digest, err := v.digest(dev, d)
	if err != nil {
		return Verified{}, err
	}
	if !bytes.Equal(digest, d.Bytes(d.Digest)) {
		return Verified{}, ErrHashMismatch
	}

	if d.HasType && d.Type.Auth != a.Key.Algo {
		return Verified{}, fmt.Errorf("%w: image signed with %v, anchor key is %v", ErrSignatureInvalid, d.Type.Auth, a.Key.Algo)
	}
	if d.HasPubKeyHint() {
		h, err := v.crypto.NewHash(d.Hash)
		if err != nil {
			return Verified{}, fmt.Errorf("%w: %v", ErrVerify, err)
		}
		h.Write(a.Key.Key)
		if !bytes.Equal(h.Sum(nil), d.Bytes(d.PubKeyHint)) {
			return Verified{}, fmt.Errorf("%w: image signed by another key", ErrSignatureInvalid)
		}
	}
	if !v.crypto.VerifySignature(a.Key, d.Hash, digest, d.Bytes(d.Signature)) {
		return Verified{}, ErrSignatureInvalid
	}
	if d.HasType && d.Type.Kind != image.KindApplication {
		return Verified{}, fmt.Errorf("%w: kind %#02x", ErrWrongKind, d.Type.Kind)
	}

	if d.Version < a.MinVersion {
		return Verified{}, fmt.Errorf("%w: %s < %s", ErrVersionTooOld, image.VersionString(d.Version), image.VersionString(a.MinVersion))
	}
	klog.V(2).Infof("Verified image at %d: version %s, %d bytes", d.Region.Off, image.VersionString(d.Version), d.TotalSize())
	return Verified{
		Version: d.Version,
		Size:    d.TotalSize(),
		Digest:  digest,
	}, nil
}

// digest computes the image digest over the signed header prefix followed by
// the payload.
func (v *Verifier) digest(dev io.ReaderAt, d *image.Descriptor) ([]byte, error) {
	h, err := v.crypto.NewHash(d.Hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerify, err)
	}
	h.Write(d.SignedHeader())

	off := d.PayloadOffset()
	for left := int64(d.PayloadSize); left > 0; {
		n := int64(len(v.buf))
		if left < n {
			n = left
		}
		if _, err := dev.ReadAt(v.buf[:n], off); err != nil {
			return nil, fmt.Errorf("read payload at %d: %w", off, err)
		}
		h.Write(v.buf[:n])
		off += n
		left -= n
	}
	return h.Sum(nil), nil
}
