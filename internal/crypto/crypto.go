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

// Package crypto provides the hashing and signature verification primitives
// used to authenticate firmware images.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
	"hash"
	"math/big"

	"golang.org/x/crypto/sha3"
	"golang.org/x/mod/sumdb/note"
)

// HashAlgo identifies a digest algorithm.
type HashAlgo int

const (
	HashUnknown HashAlgo = iota
	SHA256
	SHA384
	SHA3_384
)

// Size returns the digest length in bytes, or 0 for an unknown algorithm.
func (h HashAlgo) Size() int {
	switch h {
	case SHA256:
		return sha256.Size
	case SHA384, SHA3_384:
		return sha512.Size384
	}
	return 0
}

func (h HashAlgo) String() string {
	switch h {
	case SHA256:
		return "SHA-256"
	case SHA384:
		return "SHA-384"
	case SHA3_384:
		return "SHA3-384"
	}
	return fmt.Sprintf("HashAlgo(%d)", int(h))
}

// SigAlgo identifies a signature scheme. The values are those stored in the
// high byte of the image type field.
type SigAlgo uint8

const (
	SigNone SigAlgo = iota
	Ed25519
	ECDSAP256
	ECDSAP384
	RSA2048
	RSA3072
	RSA4096
)

func (s SigAlgo) String() string {
	switch s {
	case SigNone:
		return "none"
	case Ed25519:
		return "Ed25519"
	case ECDSAP256:
		return "ECDSA-P256"
	case ECDSAP384:
		return "ECDSA-P384"
	case RSA2048:
		return "RSA-2048"
	case RSA3072:
		return "RSA-3072"
	case RSA4096:
		return "RSA-4096"
	}
	return fmt.Sprintf("SigAlgo(%d)", uint8(s))
}

// PublicKey is a provisioned verification key.
//
// Key holds the raw 32 byte key for Ed25519, and a PKIX (DER) encoded public
// key for the ECDSA and RSA schemes.
type PublicKey struct {
	Algo SigAlgo
	Key  []byte

	// Note, when set, is used in place of Key to check Ed25519 signatures.
	Note note.Verifier
}

// Provider is the cryptographic capability consumed by the image verifier.
type Provider interface {
	// NewHash returns a new streaming hash for the given algorithm.
	NewHash(h HashAlgo) (hash.Hash, error)
	// VerifySignature reports whether sig is a valid signature by k over
	// digest, which was computed with h.
	VerifySignature(k PublicKey, h HashAlgo, digest, sig []byte) bool
}

// Software is a Provider implemented with the Go cryptography libraries.
type Software struct{}

// NewHash implements Provider.
func (Software) NewHash(h HashAlgo) (hash.Hash, error) {
	switch h {
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA3_384:
		return sha3.New384(), nil
	}
	return nil, fmt.Errorf("unsupported hash algorithm %v", h)
}

// VerifySignature implements Provider.
func (Software) VerifySignature(k PublicKey, h HashAlgo, digest, sig []byte) bool {
	if len(digest) != h.Size() || h.Size() == 0 {
		return false
	}
	switch k.Algo {
	case Ed25519:
		if k.Note != nil {
			return k.Note.Verify(digest, sig)
		}
		if len(k.Key) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(k.Key), digest, sig)
	case ECDSAP256, ECDSAP384:
		pub, ok := parsePKIX(k.Key).(*ecdsa.PublicKey)
		if !ok || pub.Curve.Params().BitSize != curveBits(k.Algo) {
			return false
		}
		n := (pub.Curve.Params().BitSize + 7) / 8
		if len(sig) != 2*n {
			return false
		}
		r := new(big.Int).SetBytes(sig[:n])
		s := new(big.Int).SetBytes(sig[n:])
		return ecdsa.Verify(pub, digest, r, s)
	case RSA2048, RSA3072, RSA4096:
		pub, ok := parsePKIX(k.Key).(*rsa.PublicKey)
		if !ok || pub.N.BitLen() != rsaBits(k.Algo) {
			return false
		}
		ch, in, ok := pkcs1Input(h, digest)
		if !ok {
			return false
		}
		return rsa.VerifyPKCS1v15(pub, ch, in, sig) == nil
	}
	return false
}

func parsePKIX(der []byte) any {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil
	}
	return k
}

func curveBits(a SigAlgo) int {
	if a == ECDSAP384 {
		return 384
	}
	return 256
}

func rsaBits(a SigAlgo) int {
	switch a {
	case RSA3072:
		return 3072
	case RSA4096:
		return 4096
	}
	return 2048
}

// sha3_384Prefix is the DER DigestInfo header for a SHA3-384 digest
// (OID 2.16.840.1.101.3.4.2.9).
var sha3_384Prefix = []byte{0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x09, 0x05, 0x00, 0x04, 0x30}

// pkcs1Input returns the hash identifier and input to pass to the PKCS#1
// v1.5 functions of crypto/rsa for a digest computed with h. crypto/rsa has
// no DigestInfo for SHA-3 before Go 1.24, so those digests are passed
// already encoded, with a zero hash.
func pkcs1Input(h HashAlgo, digest []byte) (crypto.Hash, []byte, bool) {
	switch h {
	case SHA256:
		return crypto.SHA256, digest, true
	case SHA384:
		return crypto.SHA384, digest, true
	case SHA3_384:
		in := make([]byte, 0, len(sha3_384Prefix)+len(digest))
		in = append(in, sha3_384Prefix...)
		return 0, append(in, digest...), true
	}
	return 0, nil, false
}
