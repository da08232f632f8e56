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

package verify_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/transparency-dev/swapboot/anchor"
	"github.com/transparency-dev/swapboot/internal/crypto"
	ctestonly "github.com/transparency-dev/swapboot/internal/crypto/testonly"
	"github.com/transparency-dev/swapboot/internal/image"
	"github.com/transparency-dev/swapboot/internal/image/testonly"
	"github.com/transparency-dev/swapboot/internal/verify"
)

func parse(t *testing.T, img []byte) *image.Descriptor {
	t.Helper()
	d, err := image.Parse(bytes.NewReader(img), image.Region{Size: int64(len(img))})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return d
}

func TestVerify(t *testing.T) {
	signer := ctestonly.NewEd25519(t)
	other := ctestonly.NewEd25519(t)
	ecSigner := ctestonly.NewECDSA(t, crypto.ECDSAP256)
	payload := testonly.Payload(3, 3*verify.ChunkSize+17)
	app := &image.Type{Kind: image.KindApplication, Auth: crypto.Ed25519}

	for _, test := range []struct {
		name    string
		b       testonly.Builder
		anchor  anchor.Anchor
		wantErr error
	}{
		{
			name:   "valid",
			b:      testonly.Builder{Version: 10, Signer: signer, Type: app, Hint: true, Payload: payload},
			anchor: anchor.Anchor{Key: signer.PublicKey(), MinVersion: 10},
		}, {
			name:   "valid sha3",
			b:      testonly.Builder{Version: 10, Signer: signer, Hash: crypto.SHA3_384, Hint: true, Payload: payload},
			anchor: anchor.Anchor{Key: signer.PublicKey()},
		}, {
			name:   "valid ecdsa sha384",
			b:      testonly.Builder{Version: 10, Signer: ecSigner, Hash: crypto.SHA384, Payload: payload},
			anchor: anchor.Anchor{Key: ecSigner.PublicKey()},
		}, {
			name:   "empty payload",
			b:      testonly.Builder{Version: 1, Signer: signer},
			anchor: anchor.Anchor{Key: signer.PublicKey()},
		}, {
			name:    "wrong key",
			b:       testonly.Builder{Version: 10, Signer: other, Payload: payload},
			anchor:  anchor.Anchor{Key: signer.PublicKey()},
			wantErr: verify.ErrSignatureInvalid,
		}, {
			name:    "hint names another key",
			b:       testonly.Builder{Version: 10, Signer: other, Hint: true, Payload: payload},
			anchor:  anchor.Anchor{Key: signer.PublicKey()},
			wantErr: verify.ErrSignatureInvalid,
		}, {
			name:    "type names another algorithm",
			b:       testonly.Builder{Version: 10, Signer: signer, Type: &image.Type{Kind: image.KindApplication, Auth: crypto.ECDSAP256}, Payload: payload},
			anchor:  anchor.Anchor{Key: signer.PublicKey()},
			wantErr: verify.ErrSignatureInvalid,
		}, {
			name:    "bootloader image",
			b:       testonly.Builder{Version: 10, Signer: signer, Type: &image.Type{Kind: image.KindBootloader, Auth: crypto.Ed25519}, Payload: payload},
			anchor:  anchor.Anchor{Key: signer.PublicKey()},
			wantErr: verify.ErrWrongKind,
		}, {
			name:    "too old",
			b:       testonly.Builder{Version: 9, Signer: signer, Payload: payload},
			anchor:  anchor.Anchor{Key: signer.PublicKey(), MinVersion: 10},
			wantErr: verify.ErrVersionTooOld,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			img := test.b.Build(t)
			v := verify.New(crypto.Software{})
			got, err := v.Verify(bytes.NewReader(img), parse(t, img), test.anchor)
			if test.wantErr != nil {
				if !errors.Is(err, test.wantErr) {
					t.Fatalf("Verify: got %v, want %v", err, test.wantErr)
				}
				if !errors.Is(err, verify.ErrVerify) {
					t.Fatalf("Error %v doesn't wrap ErrVerify", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if got.Version != test.b.Version || got.Size != int64(len(img)) {
				t.Fatalf("Got %+v, want version %d size %d", got, test.b.Version, len(img))
			}
		})
	}
}

func TestAnyPayloadByteFlipIsHashMismatch(t *testing.T) {
	signer := ctestonly.NewEd25519(t)
	img := testonly.Builder{Version: 1, Signer: signer, Payload: testonly.Payload(4, 2*verify.ChunkSize+5)}.Build(t)
	a := anchor.Anchor{Key: signer.PublicKey()}
	v := verify.New(crypto.Software{})

	for i := image.HeaderSize; i < len(img); i++ {
		c := append([]byte{}, img...)
		c[i] ^= 0x01
		_, err := v.Verify(bytes.NewReader(c), parse(t, c), a)
		if !errors.Is(err, verify.ErrHashMismatch) {
			t.Fatalf("Flipping byte %d: got %v, want %v", i, err, verify.ErrHashMismatch)
		}
	}
}

func TestSignedHeaderFlipIsHashMismatch(t *testing.T) {
	signer := ctestonly.NewEd25519(t)
	img := testonly.Builder{Version: 0x00010000, Timestamp: 12345, Signer: signer, Payload: []byte("payload")}.Build(t)
	a := anchor.Anchor{Key: signer.PublicKey()}
	d := parse(t, img)

	// Byte 3 is part of the magic, and a flip there fails parsing instead.
	for i := 4; i < d.SignedLen; i++ {
		c := append([]byte{}, img...)
		c[i] ^= 0x01
		d, err := image.Parse(bytes.NewReader(c), image.Region{Size: int64(len(c)) + 1})
		if err != nil {
			continue
		}
		if _, err := verify.New(crypto.Software{}).Verify(bytes.NewReader(c), d, a); !errors.Is(err, verify.ErrHashMismatch) {
			t.Fatalf("Flipping header byte %d: got %v, want %v", i, err, verify.ErrHashMismatch)
		}
	}
}

type failingReader struct{}

func (failingReader) ReadAt([]byte, int64) (int, error) {
	return 0, errors.New("bus error")
}

func TestVerifyReadError(t *testing.T) {
	signer := ctestonly.NewEd25519(t)
	img := testonly.Builder{Version: 1, Signer: signer, Payload: []byte("payload")}.Build(t)
	_, err := verify.New(crypto.Software{}).Verify(failingReader{}, parse(t, img), anchor.Anchor{Key: signer.PublicKey()})
	if err == nil || errors.Is(err, verify.ErrVerify) {
		t.Fatalf("Got %v, want a read error", err)
	}
}
