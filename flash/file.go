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

package flash

import (
	"bytes"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

// File is a Device backed by a regular file, used to emulate a flash part on
// a host. Each mutation is synced to disk before returning so that killing
// the emulator behaves like a power cut.
type File struct {
	f   *os.File
	geo Geometry
}

// OpenFile opens (creating it if necessary) a file-backed flash device with
// the given geometry. A newly created or short file is extended with erased
// sectors.
func OpenFile(path string, geo Geometry) (*File, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFlash, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrFlash, err)
	}
	d := &File{f: f, geo: geo}
	if size := geo.Size(); fi.Size() < size {
		klog.Infof("Extending flash file %q from %d to %d bytes", path, fi.Size(), size)
		for s := int(fi.Size() / int64(geo.SectorSize)); s < geo.Sectors; s++ {
			if err := d.Erase(s); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	return d, nil
}

// Close releases the underlying file.
func (d *File) Close() error {
	return d.f.Close()
}

// Geometry returns the device characteristics.
func (d *File) Geometry() Geometry {
	return d.geo
}

// ReadAt reads len(p) bytes at offset off.
func (d *File) ReadAt(p []byte, off int64) (int, error) {
	if err := CheckRange(d.geo, off, len(p)); err != nil {
		return 0, err
	}
	n, err := d.f.ReadAt(p, off)
	if err != nil {
		return n, fmt.Errorf("%w: read %d bytes at %d: %v", ErrFlash, len(p), off, err)
	}
	return n, nil
}

// Write programs p at off. When the geometry requires erase before write the
// new data is ANDed with the current content, as a NOR part would do.
func (d *File) Write(off int64, p []byte) error {
	if err := CheckWrite(d.geo, off, len(p)); err != nil {
		return err
	}
	buf := p
	if d.geo.EraseBeforeWrite {
		cur := make([]byte, len(p))
		if _, err := d.f.ReadAt(cur, off); err != nil {
			return fmt.Errorf("%w: read-back at %d: %v", ErrFlash, off, err)
		}
		for i := range cur {
			cur[i] &= p[i]
		}
		buf = cur
	}
	if _, err := d.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("%w: write %d bytes at %d: %v", ErrFlash, len(p), off, err)
	}
	return d.sync()
}

// Erase sets every byte in sector to the erased value.
func (d *File) Erase(sector int) error {
	if err := CheckSector(d.geo, sector); err != nil {
		return err
	}
	b := bytes.Repeat([]byte{d.geo.ErasedValue}, d.geo.SectorSize)
	if _, err := d.f.WriteAt(b, int64(sector)*int64(d.geo.SectorSize)); err != nil {
		return fmt.Errorf("%w: erase sector %d: %v", ErrFlash, sector, err)
	}
	return d.sync()
}

func (d *File) sync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrFlash, err)
	}
	return nil
}
