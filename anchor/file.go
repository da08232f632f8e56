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

package anchor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/transparency-dev/swapboot/internal/crypto"
	"github.com/transparency-dev/swapboot/internal/image"
	"k8s.io/klog/v2"
)

// fileAnchor is the JSON representation of a trust anchor.
type fileAnchor struct {
	// VerifierKey is an Ed25519 note verifier key.
	VerifierKey string `json:"verifier_key,omitempty"`
	// Algo and Key describe any other key, Key is base64 encoded.
	Algo uint8  `json:"algo,omitempty"`
	Key  string `json:"key,omitempty"`
	// MinVersion is a "MAJOR.MINOR.PATCH" string.
	MinVersion string `json:"min_version"`
}

// File is a Store persisted as a JSON document.
type File struct {
	mu   sync.Mutex
	path string
	raw  fileAnchor
	a    Anchor
}

// OpenFile reads the trust anchor stored at path.
func OpenFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read anchor: %v", err)
	}
	var raw fileAnchor
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse anchor %q: %v", path, err)
	}
	f := &File{path: path, raw: raw}

	switch {
	case raw.VerifierKey != "":
		if f.a.Key, err = crypto.NoteVerifierKey(raw.VerifierKey); err != nil {
			return nil, err
		}
	case raw.Key != "":
		k, err := base64.StdEncoding.DecodeString(raw.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid key encoding: %v", err)
		}
		f.a.Key = crypto.PublicKey{Algo: crypto.SigAlgo(raw.Algo), Key: k}
	default:
		return nil, errors.New("anchor has no key")
	}
	if raw.MinVersion != "" {
		if f.a.MinVersion, err = image.ParseVersion(raw.MinVersion); err != nil {
			return nil, fmt.Errorf("invalid min_version: %v", err)
		}
	}
	return f, nil
}

// WriteFile creates a new anchor file for an Ed25519 note verifier key.
func WriteFile(path, vkey string, minVersion uint32) error {
	if _, err := crypto.NoteVerifierKey(vkey); err != nil {
		return err
	}
	return writeJSON(path, fileAnchor{VerifierKey: vkey, MinVersion: image.VersionString(minVersion)})
}

// Load implements Store.
func (f *File) Load() (Anchor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.a, nil
}

// AdvanceMinVersion implements Store.
func (f *File) AdvanceMinVersion(v uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v <= f.a.MinVersion {
		return nil
	}
	raw := f.raw
	raw.MinVersion = image.VersionString(v)
	if err := writeJSON(f.path, raw); err != nil {
		return err
	}
	klog.Infof("Minimum version raised from %s to %s", image.VersionString(f.a.MinVersion), raw.MinVersion)
	f.raw = raw
	f.a.MinVersion = v
	return nil
}

// writeJSON replaces the file at path, so a crash leaves either the old or
// the new content.
func writeJSON(path string, raw fileAnchor) error {
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".anchor-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %v", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write anchor: %v", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync anchor: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
