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

// Package testonly provides an in-memory flash device for tests.
package testonly

import (
	"errors"
	"fmt"
	"testing"

	"github.com/transparency-dev/swapboot/flash"
)

// ErrPowerLoss is returned by every mutating call once the configured power
// cut point has been reached.
var ErrPowerLoss = fmt.Errorf("%w: power lost", flash.ErrFlash)

// MemFlash is a simple in-memory flash device.
//
// When the geometry sets EraseBeforeWrite, writes behave like NOR flash and
// can only clear bits.
type MemFlash struct {
	Storage []byte

	geo flash.Geometry

	// Mutations counts every successful Write and Erase call.
	Mutations int

	// CutAfter, when non-zero, makes every mutation after the CutAfter-th
	// one fail with ErrPowerLoss without touching the storage.
	CutAfter int

	// OnMutation is called just after a write or erase has been applied,
	// with the number of mutations so far.
	OnMutation func(n int)

	// FailRead, when set, is returned by every ReadAt call.
	FailRead error
}

// NewMemFlash creates a new erased in-memory flash device.
func NewMemFlash(t testing.TB, geo flash.Geometry) *MemFlash {
	t.Helper()
	if err := geo.Validate(); err != nil {
		t.Fatalf("Invalid geometry: %v", err)
	}
	s := make([]byte, geo.Size())
	for i := range s {
		s[i] = geo.ErasedValue
	}
	return &MemFlash{Storage: s, geo: geo}
}

// NORGeometry returns a NOR-like geometry with the given number of sectors.
func NORGeometry(sectorSize, sectors int) flash.Geometry {
	return flash.Geometry{
		SectorSize:       sectorSize,
		Sectors:          sectors,
		EraseBeforeWrite: true,
		ErasedValue:      0xff,
	}
}

// Geometry returns the device characteristics.
func (m *MemFlash) Geometry() flash.Geometry {
	return m.geo
}

// ReadAt copies len(p) bytes from offset off into p.
func (m *MemFlash) ReadAt(p []byte, off int64) (int, error) {
	if m.FailRead != nil {
		return 0, m.FailRead
	}
	if err := flash.CheckRange(m.geo, off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, m.Storage[off:]), nil
}

// Write programs p at offset off.
func (m *MemFlash) Write(off int64, p []byte) error {
	if err := flash.CheckWrite(m.geo, off, len(p)); err != nil {
		return err
	}
	if err := m.mutate(); err != nil {
		return err
	}
	for i, b := range p {
		if m.geo.EraseBeforeWrite {
			m.Storage[off+int64(i)] &= b
		} else {
			m.Storage[off+int64(i)] = b
		}
	}
	m.applied()
	return nil
}

// Erase resets the given sector.
func (m *MemFlash) Erase(sector int) error {
	if err := flash.CheckSector(m.geo, sector); err != nil {
		return err
	}
	if err := m.mutate(); err != nil {
		return err
	}
	start := sector * m.geo.SectorSize
	for i := start; i < start+m.geo.SectorSize; i++ {
		m.Storage[i] = m.geo.ErasedValue
	}
	m.applied()
	return nil
}

// Restore clears the power cut so that the device can be "rebooted".
func (m *MemFlash) Restore() {
	m.CutAfter = 0
}

// Clone returns an independent copy of the device content and geometry.
func (m *MemFlash) Clone() *MemFlash {
	s := make([]byte, len(m.Storage))
	copy(s, m.Storage)
	return &MemFlash{Storage: s, geo: m.geo}
}

// Bytes returns a copy of the device content in [off, off+n).
func (m *MemFlash) Bytes(off int64, n int) []byte {
	r := make([]byte, n)
	copy(r, m.Storage[off:off+int64(n)])
	return r
}

// IsPowerLoss reports whether err was caused by a simulated power cut.
func IsPowerLoss(err error) bool {
	return errors.Is(err, ErrPowerLoss)
}

func (m *MemFlash) mutate() error {
	if m.CutAfter > 0 && m.Mutations >= m.CutAfter {
		return ErrPowerLoss
	}
	return nil
}

func (m *MemFlash) applied() {
	m.Mutations++
	if m.OnMutation != nil {
		m.OnMutation(m.Mutations)
	}
}
