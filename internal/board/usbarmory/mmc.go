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

// Package usbarmory binds the bootloader core to the USB armory Mk II: the
// eMMC user area backs the BOOT, UPDATE and SWAP partitions, and the eMMC
// RPMB partition holds the minimum firmware version.
package usbarmory

import (
	"fmt"
	"runtime"

	"github.com/transparency-dev/swapboot/flash"
	"k8s.io/klog/v2"
)

const (
	// ExpectedBlockSize is the MMC block size the layout is designed for.
	ExpectedBlockSize = 512
	// ErasedValue is what an erased eMMC sector reads back as. The card
	// has no erase-before-write constraint, so this is a convention.
	ErasedValue = 0xff
)

// MaxTransferBytes is the largest transfer we'll attempt, larger requests are
// chunked to limit DMA memory requirements.
var MaxTransferBytes = 32 * 1024

// Card mostly mirrors the public API of the usdhc.USDHC struct, allowing
// substitutions for testing.
type Card interface {
	// Read reads size bytes at offset from the underlying storage.
	Read(offset int64, size int64) ([]byte, error)
	// WriteBlocks writes data at sector lba onwards on the underlying storage.
	WriteBlocks(lba int, data []byte) error
}

// MMC exposes a window of an eMMC card as a flash.Device.
type MMC struct {
	card      Card
	blockSize int
	firstLBA  int
	geo       flash.Geometry
}

// NewMMC returns a device covering sectors*sectorSize bytes of card,
// starting at block firstLBA. The sector size must be a multiple of the
// card block size.
func NewMMC(card Card, blockSize int, firstLBA int, sectorSize int, sectors int) (*MMC, error) {
	if blockSize != ExpectedBlockSize {
		return nil, fmt.Errorf("h/w invariant error - expected MMC blocksize %d, found %d", ExpectedBlockSize, blockSize)
	}
	if sectorSize%blockSize != 0 {
		return nil, fmt.Errorf("sector size %d is not a multiple of the block size %d", sectorSize, blockSize)
	}
	geo := flash.Geometry{
		SectorSize:  sectorSize,
		Sectors:     sectors,
		ErasedValue: ErasedValue,
	}
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	return &MMC{
		card:      card,
		blockSize: blockSize,
		firstLBA:  firstLBA,
		geo:       geo,
	}, nil
}

// Geometry implements flash.Device.
func (m *MMC) Geometry() flash.Geometry {
	return m.geo
}

// ReadAt implements flash.Device.
func (m *MMC) ReadAt(p []byte, off int64) (int, error) {
	if err := flash.CheckRange(m.geo, off, len(p)); err != nil {
		return 0, err
	}
	base := int64(m.firstLBA) * int64(m.blockSize)
	n := 0
	for n < len(p) {
		bl := len(p) - n
		if bl > MaxTransferBytes {
			bl = MaxTransferBytes
		}
		// Since this could be a long-running operation, we need to play nice with the scheduler.
		runtime.Gosched()

		b, err := m.card.Read(base+off+int64(n), int64(bl))
		if err != nil {
			klog.Errorf("MMC read(%d, %d) = %v", base+off+int64(n), bl, err)
			return n, fmt.Errorf("%w: %v", flash.ErrFlash, err)
		}
		if len(b) < bl {
			return n, fmt.Errorf("%w: short read of %d/%d bytes at %d", flash.ErrFlash, len(b), bl, base+off+int64(n))
		}
		n += copy(p[n:n+bl], b)
	}
	return n, nil
}

// Write implements flash.Device. Partial blocks are read, modified and
// written back.
func (m *MMC) Write(off int64, p []byte) error {
	if err := flash.CheckWrite(m.geo, off, len(p)); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	bs := int64(m.blockSize)
	start := off / bs * bs
	end := (off + int64(len(p)) + bs - 1) / bs * bs
	buf := make([]byte, end-start)
	if start != off || end != off+int64(len(p)) {
		if _, err := m.ReadAt(buf, start); err != nil {
			return err
		}
	}
	copy(buf[off-start:], p)
	return m.writeBlocks(start, buf)
}

// Erase implements flash.Device.
func (m *MMC) Erase(sector int) error {
	if err := flash.CheckSector(m.geo, sector); err != nil {
		return err
	}
	buf := make([]byte, m.geo.SectorSize)
	for i := range buf {
		buf[i] = ErasedValue
	}
	return m.writeBlocks(int64(sector)*int64(m.geo.SectorSize), buf)
}

// writeBlocks writes block aligned data at device offset off, in batches of
// at most MaxTransferBytes.
func (m *MMC) writeBlocks(off int64, b []byte) error {
	lba := m.firstLBA + int(off/int64(m.blockSize))
	for len(b) > 0 {
		bl := len(b)
		if bl > MaxTransferBytes {
			bl = MaxTransferBytes - MaxTransferBytes%m.blockSize
		}
		runtime.Gosched()

		if err := m.card.WriteBlocks(lba, b[:bl]); err != nil {
			klog.Errorf("MMC WriteBlocks(%d, ...) = %v", lba, err)
			return fmt.Errorf("%w: %v", flash.ErrFlash, err)
		}
		b = b[bl:]
		lba += bl / m.blockSize
	}
	return nil
}
