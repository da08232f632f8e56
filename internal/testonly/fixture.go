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

// Package testonly provides a ready to use device, layout and signing key
// for tests of the update and boot logic.
package testonly

import (
	"testing"

	"github.com/transparency-dev/swapboot/anchor"
	ftestonly "github.com/transparency-dev/swapboot/flash/testonly"
	"github.com/transparency-dev/swapboot/internal/crypto"
	ctestonly "github.com/transparency-dev/swapboot/internal/crypto/testonly"
	"github.com/transparency-dev/swapboot/internal/image"
	itestonly "github.com/transparency-dev/swapboot/internal/image/testonly"
	"github.com/transparency-dev/swapboot/internal/partition"
)

const (
	// SectorSize is the device sector size.
	SectorSize = 512
	// PartitionSectors is the size of BOOT and UPDATE, trailer included.
	PartitionSectors = 5
)

// Layout is the partition layout used by the fixture: BOOT, UPDATE, then
// SWAP.
var Layout = partition.Layout{
	Boot:   partition.Area{FirstSector: 0, Sectors: PartitionSectors},
	Update: partition.Area{FirstSector: PartitionSectors, Sectors: PartitionSectors},
	Swap:   partition.Area{FirstSector: 2 * PartitionSectors, Sectors: 1},
}

// Fixture is an emulated device with a provisioned trust anchor.
type Fixture struct {
	Dev    *ftestonly.MemFlash
	Signer ctestonly.Signer
	Anchor *anchor.Memory
}

// NewFixture returns a blank NOR device and an anchor with a fresh key.
func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	s := ctestonly.NewEd25519(t)
	return &Fixture{
		Dev:    ftestonly.NewMemFlash(t, ftestonly.NORGeometry(SectorSize, 2*PartitionSectors+1)),
		Signer: s,
		Anchor: anchor.NewMemory(anchor.Anchor{Key: s.PublicKey()}),
	}
}

// Manager returns a partition manager for the fixture device.
func (f *Fixture) Manager(t testing.TB) *partition.Manager {
	t.Helper()
	m, err := partition.New(f.Dev, Layout)
	if err != nil {
		t.Fatalf("partition.New: %v", err)
	}
	return m
}

// Image returns a bootable image signed by the fixture key, with a payload
// of size bytes derived from the version.
func (f *Fixture) Image(t testing.TB, version uint32, size int) []byte {
	t.Helper()
	return itestonly.Builder{
		Version: version,
		Type:    &image.Type{Kind: image.KindApplication, Auth: crypto.Ed25519},
		Signer:  f.Signer,
		Hint:    true,
		Payload: itestonly.Payload(byte(version>>24^version), size),
	}.Build(t)
}

// Install writes img to r, along with a trailer in the given state. No
// trailer is written for partition.StateAbsent.
func (f *Fixture) Install(t testing.TB, r partition.Role, img []byte, state partition.State) {
	t.Helper()
	m := f.Manager(t)
	if err := m.WriteImage(r, img); err != nil {
		t.Fatalf("WriteImage(%v): %v", r, err)
	}
	if state == partition.StateAbsent {
		if err := m.EraseTrailer(r); err != nil {
			t.Fatalf("EraseTrailer(%v): %v", r, err)
		}
		return
	}
	var v uint32
	if d, err := image.Parse(f.Dev, m.Region(r)); err == nil {
		v = d.Version
	}
	if err := m.WriteTrailer(r, partition.Trailer{State: state, Version: v}); err != nil {
		t.Fatalf("WriteTrailer(%v): %v", r, err)
	}
}

// Content returns the image area of r.
func (f *Fixture) Content(t testing.TB, r partition.Role) []byte {
	t.Helper()
	reg := f.Manager(t).Region(r)
	return f.Dev.Bytes(reg.Off, int(reg.Size))
}

// Padded returns img padded with erased bytes to the size of an image area.
func Padded(img []byte) []byte {
	r := make([]byte, (PartitionSectors-1)*SectorSize)
	for i := range r {
		r[i] = 0xff
	}
	copy(r, img)
	return r
}
