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

// Package flash defines the storage capability consumed by the bootloader
// core.
//
// The core never drives a flash peripheral directly: platforms provide an
// implementation of Device, and the rest of this module only adds layout
// knowledge on top of it.
package flash

import (
	"errors"
	"fmt"
)

// ErrFlash is wrapped by every error which originates from the underlying
// storage, allowing callers to classify I/O failures with errors.Is.
var ErrFlash = errors.New("flash error")

// ErrOutOfBounds is returned when an access falls outside of the device, or
// when a write would cross a sector boundary.
var ErrOutOfBounds = fmt.Errorf("%w: access out of bounds", ErrFlash)

// Geometry describes the physical characteristics of a flash device.
type Geometry struct {
	// SectorSize is the size in bytes of the smallest erasable unit.
	SectorSize int
	// Sectors is the number of sectors on the device.
	Sectors int
	// EraseBeforeWrite is set for technologies (e.g. NOR flash) where a
	// write can only clear bits, so that a sector must be erased before
	// arbitrary data can be stored in it.
	EraseBeforeWrite bool
	// ErasedValue is the value every byte holds after an erase.
	ErasedValue byte
}

// Size returns the total size of the device in bytes.
func (g Geometry) Size() int64 {
	return int64(g.SectorSize) * int64(g.Sectors)
}

// Validate checks that the geometry is usable.
func (g Geometry) Validate() error {
	if g.SectorSize <= 0 {
		return fmt.Errorf("invalid geometry: sector size %d", g.SectorSize)
	}
	if g.Sectors <= 0 {
		return fmt.Errorf("invalid geometry: %d sectors", g.Sectors)
	}
	return nil
}

// Device is a byte addressable flash with fixed-size erasable sectors.
//
// Implementations are synchronous: every call either completes, or returns
// an error wrapping ErrFlash.
type Device interface {
	// ReadAt reads len(p) bytes from the device starting at offset off.
	ReadAt(p []byte, off int64) (int, error)
	// Write programs p at offset off. The range must not cross a sector
	// boundary.
	Write(off int64, p []byte) error
	// Erase resets the given sector to the erased value.
	Erase(sector int) error
	// Geometry returns the device characteristics.
	Geometry() Geometry
}

// CheckRange returns an error if [off, off+n) is not contained in the
// device described by g. The sum is computed without overflow.
func CheckRange(g Geometry, off int64, n int) error {
	if off < 0 || n < 0 {
		return fmt.Errorf("%w: offset %d length %d", ErrOutOfBounds, off, n)
	}
	if size := g.Size(); off > size || int64(n) > size-off {
		return fmt.Errorf("%w: [%d, %d+%d) exceeds device size %d", ErrOutOfBounds, off, off, n, size)
	}
	return nil
}

// CheckWrite returns an error if a write of n bytes at off is outside the
// device or spans more than one sector.
func CheckWrite(g Geometry, off int64, n int) error {
	if err := CheckRange(g, off, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	ss := int64(g.SectorSize)
	if off/ss != (off+int64(n)-1)/ss {
		return fmt.Errorf("%w: write [%d, %d) crosses a sector boundary", ErrOutOfBounds, off, off+int64(n))
	}
	return nil
}

// CheckSector returns an error if sector is not a valid sector index.
func CheckSector(g Geometry, sector int) error {
	if sector < 0 || sector >= g.Sectors {
		return fmt.Errorf("%w: sector %d (device has %d sectors)", ErrOutOfBounds, sector, g.Sectors)
	}
	return nil
}
