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

package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/sumdb/note"
)

// algEd25519 is the key type prefix used by note verifier keys.
const algEd25519 = 1

// NoteVerifierKey parses an Ed25519 note verifier key of the form
// "<name>+<hash>+<base64 key>" into a PublicKey.
func NoteVerifierKey(vkey string) (PublicKey, error) {
	v, err := note.NewVerifier(vkey)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid verifier key: %v", err)
	}
	i := strings.LastIndex(vkey, "+")
	raw, err := base64.StdEncoding.DecodeString(vkey[i+1:])
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid verifier key encoding: %v", err)
	}
	if len(raw) != 1+ed25519.PublicKeySize || raw[0] != algEd25519 {
		return PublicKey{}, errors.New("verifier key is not an Ed25519 key")
	}
	return PublicKey{
		Algo: Ed25519,
		Key:  raw[1:],
		Note: v,
	}, nil
}
