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
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/transparency-dev/swapboot/internal/crypto"
	"github.com/transparency-dev/swapboot/internal/image"
	"golang.org/x/crypto/pbkdf2"
	"k8s.io/klog/v2"
)

const (
	// RPMB sector for CVE-2020-13799 mitigation
	DummySector = 0
	// RPMB sector holding the minimum firmware version
	VersionSector = 1
	// version epoch length
	versionLength = 4

	// Diversifier is used to derive the RPMB MAC key from a device secret.
	Diversifier = "SwapbootRPMBMAC"
	iter        = 4096
)

// Partition is the authenticated storage used by RPMBStore, satisfied by
// *rpmb.RPMB.
type Partition interface {
	Read(offset uint16, buf []byte) error
	Write(offset uint16, buf []byte) error
}

// DeriveRPMBKey derives the RPMB MAC key from a device specific secret and
// its unique ID.
func DeriveRPMBKey(secret, uid []byte) []byte {
	return pbkdf2.Key(secret, uid, iter, sha256.Size, sha256.New)
}

// RPMBStore keeps the minimum version in a replay protected RPMB sector, the
// key is provisioned in read-only storage and given at construction.
type RPMBStore struct {
	mu        sync.Mutex
	key       crypto.PublicKey
	partition Partition
}

// NewRPMBStore returns a Store backed by p.
func NewRPMBStore(key crypto.PublicKey, p Partition) *RPMBStore {
	return &RPMBStore{key: key, partition: p}
}

// Load implements Store.
func (r *RPMBStore) Load() (Anchor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, err := r.expectedVersion()
	if err != nil {
		return Anchor{}, err
	}
	return Anchor{Key: r.key, MinVersion: v}, nil
}

// AdvanceMinVersion implements Store.
func (r *RPMBStore) AdvanceMinVersion(v uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkVersion(v)
}

// expectedVersion returns the version epoch stored in the RPMB area.
func (r *RPMBStore) expectedVersion() (version uint32, err error) {
	if r.partition == nil {
		return 0, errors.New("RPMB has not been initialized")
	}

	buf := make([]byte, versionLength)

	if err = r.partition.Read(VersionSector, buf); err != nil {
		return 0, fmt.Errorf("failed to read version: %w", err)
	}

	return binary.BigEndian.Uint32(buf), nil
}

// updateVersion writes a new version epoch in the RPMB area.
func (r *RPMBStore) updateVersion(version uint32) (err error) {
	if r.partition == nil {
		return errors.New("RPMB has not been initialized")
	}

	buf := make([]byte, versionLength)
	binary.BigEndian.PutUint32(buf, version)

	return r.partition.Write(VersionSector, buf)
}

// checkVersion updates the RPMB area if the passed version is more recent
// than the stored one, and leaves it untouched otherwise.
func (r *RPMBStore) checkVersion(version uint32) error {
	expected, err := r.expectedVersion()

	if err != nil {
		return err
	}

	switch {
	case expected >= version:
		return nil
	default:
		klog.Infof("Raising RPMB minimum version from %s to %s", image.VersionString(expected), image.VersionString(version))
		return r.updateVersion(version)
	}
}
