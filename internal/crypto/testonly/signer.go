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

// Package testonly provides signing keys for tests.
package testonly

import (
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"

	"github.com/transparency-dev/swapboot/internal/crypto"
	"golang.org/x/mod/sumdb/note"
)

// Signer produces image signatures.
type Signer interface {
	// PublicKey returns the key which verifies this signer's signatures.
	PublicKey() crypto.PublicKey
	// Sign signs digest, computed with h.
	Sign(h crypto.HashAlgo, digest []byte) []byte
}

// NewEd25519 returns a signer with a fresh Ed25519 key.
func NewEd25519(t testing.TB) Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &edSigner{pub: crypto.PublicKey{Algo: crypto.Ed25519, Key: pub}, priv: priv}
}

type edSigner struct {
	pub  crypto.PublicKey
	priv ed25519.PrivateKey
}

func (s *edSigner) PublicKey() crypto.PublicKey { return s.pub }

func (s *edSigner) Sign(_ crypto.HashAlgo, digest []byte) []byte {
	return ed25519.Sign(s.priv, digest)
}

// NoteSigner is an Ed25519 signer whose key is handled as a note key pair.
type NoteSigner struct {
	t      testing.TB
	signer note.Signer
	// VKey is the verifier key string, suitable for crypto.NoteVerifierKey.
	VKey string
}

// NewNoteSigner generates a new note key pair with the given name.
func NewNoteSigner(t testing.TB, name string) *NoteSigner {
	t.Helper()
	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return &NoteSigner{t: t, signer: s, VKey: vkey}
}

// PublicKey returns the key parsed from VKey.
func (s *NoteSigner) PublicKey() crypto.PublicKey {
	k, err := crypto.NoteVerifierKey(s.VKey)
	if err != nil {
		s.t.Fatalf("NoteVerifierKey(%q): %v", s.VKey, err)
	}
	return k
}

// Sign implements Signer.
func (s *NoteSigner) Sign(_ crypto.HashAlgo, digest []byte) []byte {
	sig, err := s.signer.Sign(digest)
	if err != nil {
		s.t.Fatalf("Sign: %v", err)
	}
	return sig
}

// NewECDSA returns a signer with a fresh key on the curve matching algo,
// which must be crypto.ECDSAP256 or crypto.ECDSAP384.
func NewECDSA(t testing.TB, algo crypto.SigAlgo) Signer {
	t.Helper()
	c := elliptic.P256()
	if algo == crypto.ECDSAP384 {
		c = elliptic.P384()
	}
	priv, err := ecdsa.GenerateKey(c, rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return &ecSigner{t: t, pub: crypto.PublicKey{Algo: algo, Key: der}, priv: priv}
}

type ecSigner struct {
	t    testing.TB
	pub  crypto.PublicKey
	priv *ecdsa.PrivateKey
}

func (s *ecSigner) PublicKey() crypto.PublicKey { return s.pub }

func (s *ecSigner) Sign(_ crypto.HashAlgo, digest []byte) []byte {
	r, ss, err := ecdsa.Sign(rand.Reader, s.priv, digest)
	if err != nil {
		s.t.Fatalf("ecdsa.Sign: %v", err)
	}
	n := (s.priv.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*n)
	r.FillBytes(sig[:n])
	ss.FillBytes(sig[n:])
	return sig
}

// NewRSA returns a signer with a fresh RSA key of the size matching algo.
func NewRSA(t testing.TB, algo crypto.SigAlgo) Signer {
	t.Helper()
	bits := 2048
	switch algo {
	case crypto.RSA3072:
		bits = 3072
	case crypto.RSA4096:
		bits = 4096
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return &rsaSigner{t: t, pub: crypto.PublicKey{Algo: algo, Key: der}, priv: priv}
}

type rsaSigner struct {
	t    testing.TB
	pub  crypto.PublicKey
	priv *rsa.PrivateKey
}

func (s *rsaSigner) PublicKey() crypto.PublicKey { return s.pub }

// sha3_384DigestInfo is the DER DigestInfo header for a SHA3-384 digest.
var sha3_384DigestInfo = []byte{0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x09, 0x05, 0x00, 0x04, 0x30}

func (s *rsaSigner) Sign(h crypto.HashAlgo, digest []byte) []byte {
	var ch gocrypto.Hash
	switch h {
	case crypto.SHA256:
		ch = gocrypto.SHA256
	case crypto.SHA384:
		ch = gocrypto.SHA384
	case crypto.SHA3_384:
		digest = append(append([]byte{}, sha3_384DigestInfo...), digest...)
	default:
		s.t.Fatalf("Can't sign a %v digest with RSA", h)
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, ch, digest)
	if err != nil {
		s.t.Fatalf("SignPKCS1v15: %v", err)
	}
	return sig
}
