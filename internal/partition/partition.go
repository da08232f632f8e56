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

// Package partition manages the BOOT, UPDATE and SWAP partitions: their
// layout on the flash device, their trailers, and sector level copies.
//
// BOOT and UPDATE have the same number of sectors, the last of which holds
// the trailer, so an image occupies at most all but one of them. SWAP is a
// single sector used as scratch space during a swap.
package partition

import (
	"fmt"

	"github.com/transparency-dev/swapboot/flash"
	"github.com/transparency-dev/swapboot/internal/image"
	"k8s.io/klog/v2"
)

// CopyChunk is the largest read or write issued while copying a sector.
const CopyChunk = 4096

// Role identifies a partition.
type Role int

const (
	Boot Role = iota
	Update
	Swap
)

func (r Role) String() string {
	switch r {
	case Boot:
		return "BOOT"
	case Update:
		return "UPDATE"
	case Swap:
		return "SWAP"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Area describes the extent of a partition in device sectors.
type Area struct {
	// FirstSector is the index of the first device sector of the partition.
	FirstSector int
	// Sectors is the number of sectors covered by this partition, i.e.
	// [FirstSector, FirstSector+Sectors).
	Sectors int
}

func (a Area) overlaps(b Area) bool {
	return a.FirstSector < b.FirstSector+b.Sectors && b.FirstSector < a.FirstSector+a.Sectors
}

// Layout describes where the partitions live on the device.
type Layout struct {
	Boot   Area
	Update Area
	Swap   Area
}

// Validate checks that the layout is usable on a device with geometry g.
func (l Layout) Validate(g flash.Geometry) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if l.Boot.Sectors < 2 {
		return fmt.Errorf("invalid layout: BOOT has %d sectors, need at least 2", l.Boot.Sectors)
	}
	if l.Update.Sectors != l.Boot.Sectors {
		return fmt.Errorf("invalid layout: UPDATE has %d sectors, BOOT has %d", l.Update.Sectors, l.Boot.Sectors)
	}
	if l.Swap.Sectors != 1 {
		return fmt.Errorf("invalid layout: SWAP has %d sectors, want 1", l.Swap.Sectors)
	}
	areas := map[Role]Area{Boot: l.Boot, Update: l.Update, Swap: l.Swap}
	for r, a := range areas {
		if a.FirstSector < 0 || a.FirstSector > g.Sectors-a.Sectors {
			return fmt.Errorf("invalid layout: %v sectors [%d, %d) outside device of %d sectors", r, a.FirstSector, a.FirstSector+a.Sectors, g.Sectors)
		}
	}
	if l.Boot.overlaps(l.Update) || l.Boot.overlaps(l.Swap) || l.Update.overlaps(l.Swap) {
		return fmt.Errorf("invalid layout: partitions overlap")
	}
	if tl := TrailerLen(l.Boot.Sectors - 1); tl > g.SectorSize {
		return fmt.Errorf("invalid layout: trailer of %d bytes doesn't fit in a %d byte sector", tl, g.SectorSize)
	}
	return nil
}

// Manager provides access to the partitions of a device.
type Manager struct {
	dev    flash.Device
	geo    flash.Geometry
	layout Layout
	buf    [CopyChunk]byte
}

// New returns a Manager for the partitions described by l on dev.
func New(dev flash.Device, l Layout) (*Manager, error) {
	geo := dev.Geometry()
	if err := l.Validate(geo); err != nil {
		return nil, err
	}
	return &Manager{dev: dev, geo: geo, layout: l}, nil
}

// Device returns the underlying flash device.
func (m *Manager) Device() flash.Device {
	return m.dev
}

// Geometry returns the underlying device geometry.
func (m *Manager) Geometry() flash.Geometry {
	return m.geo
}

// ImageSectors returns the maximum number of sectors an image may occupy in
// BOOT or UPDATE.
func (m *Manager) ImageSectors() int {
	return m.layout.Boot.Sectors - 1
}

// SectorsFor returns the number of sectors needed to hold size bytes.
func (m *Manager) SectorsFor(size int64) int {
	ss := int64(m.geo.SectorSize)
	return int((size + ss - 1) / ss)
}

func (m *Manager) area(r Role) Area {
	switch r {
	case Boot:
		return m.layout.Boot
	case Update:
		return m.layout.Update
	}
	return m.layout.Swap
}

// Region returns the image area of a partition, for the whole of SWAP.
func (m *Manager) Region(r Role) image.Region {
	a := m.area(r)
	n := a.Sectors
	if r != Swap {
		n--
	}
	return image.Region{
		Off:  int64(a.FirstSector) * int64(m.geo.SectorSize),
		Size: int64(n) * int64(m.geo.SectorSize),
	}
}

// sector returns the device sector index of sector s of the partition r.
func (m *Manager) sector(r Role, s int) (int, error) {
	a := m.area(r)
	limit := a.Sectors
	if r != Swap {
		limit--
	}
	if s < 0 || s >= limit {
		return 0, fmt.Errorf("%w: sector %d of %v (%d usable)", flash.ErrOutOfBounds, s, r, limit)
	}
	return a.FirstSector + s, nil
}

// trailerEnd returns the device offset just past the end of partition r.
func (m *Manager) trailerEnd(r Role) int64 {
	a := m.area(r)
	return int64(a.FirstSector+a.Sectors) * int64(m.geo.SectorSize)
}

func (m *Manager) trailerLen() int {
	return TrailerLen(m.ImageSectors())
}

// ReadTrailer reads and decodes the trailer of r, which must be BOOT or
// UPDATE.
func (m *Manager) ReadTrailer(r Role) (Trailer, error) {
	if r == Swap {
		return Trailer{}, fmt.Errorf("%v has no trailer", r)
	}
	l := m.trailerLen()
	b := make([]byte, l)
	if _, err := m.dev.ReadAt(b, m.trailerEnd(r)-int64(l)); err != nil {
		return Trailer{}, fmt.Errorf("read %v trailer: %w", r, err)
	}
	return decodeTrailer(b, m.ImageSectors()), nil
}

// WriteTrailer replaces the trailer of r with t. The trailer sector is erased
// first when the device requires it, and the content written with a single
// write.
func (m *Manager) WriteTrailer(r Role, t Trailer) error {
	if r == Swap {
		return fmt.Errorf("%v has no trailer", r)
	}
	b, err := encodeTrailer(t, m.ImageSectors())
	if err != nil {
		return err
	}
	if err := m.EraseTrailer(r); err != nil {
		return err
	}
	klog.V(2).Infof("Writing %v trailer: state %v version %#x swap %d", r, t.State, t.Version, t.SwapCount)
	if err := m.dev.Write(m.trailerEnd(r)-int64(len(b)), b); err != nil {
		return fmt.Errorf("write %v trailer: %w", r, err)
	}
	return nil
}

// EraseTrailer erases the trailer sector of r, when the device needs an
// erase before writing.
func (m *Manager) EraseTrailer(r Role) error {
	if !m.geo.EraseBeforeWrite {
		return nil
	}
	a := m.area(r)
	s := a.FirstSector + a.Sectors - 1
	if err := m.dev.Erase(s); err != nil {
		return fmt.Errorf("erase %v trailer: %w", r, err)
	}
	return nil
}

// SetState updates the state byte of the trailer of r in place. On devices
// needing erase before write the transition must only clear bits, which is
// the case along the update protocol; any other change rewrites the trailer.
func (m *Manager) SetState(r Role, s State) error {
	nb, ok := s.encode()
	if !ok {
		return fmt.Errorf("can't store state %v", s)
	}
	t, err := m.ReadTrailer(r)
	if err != nil {
		return err
	}
	if t.State == StateAbsent {
		return fmt.Errorf("set %v state to %v: no trailer", r, s)
	}
	if t.Raw == nb {
		return nil
	}
	if m.geo.EraseBeforeWrite && t.Raw&nb != nb {
		t.State = s
		return m.WriteTrailer(r, t)
	}
	klog.V(2).Infof("%v state %v -> %v", r, t.State, s)
	if err := m.dev.Write(m.trailerEnd(r)-5, []byte{nb}); err != nil {
		return fmt.Errorf("write %v state: %w", r, err)
	}
	return nil
}

// SetSectorFlag records the swap progress of image sector s in the BOOT
// trailer.
func (m *Manager) SetSectorFlag(s int, f SectorFlag) error {
	if s < 0 || s >= m.ImageSectors() {
		return fmt.Errorf("%w: flag for sector %d", flash.ErrOutOfBounds, s)
	}
	l := m.trailerLen()
	i, shift := flagPos(l, s)
	off := m.trailerEnd(Boot) - int64(l) + int64(i)
	b := []byte{0}
	if _, err := m.dev.ReadAt(b, off); err != nil {
		return fmt.Errorf("read sector flag: %w", err)
	}
	nb := b[0]&^(0xf<<shift) | byte(f&0xf)<<shift
	if nb == b[0] {
		return nil
	}
	if m.geo.EraseBeforeWrite && b[0]&nb != nb {
		t, err := m.ReadTrailer(Boot)
		if err != nil {
			return err
		}
		t.Flags[s] = f
		return m.WriteTrailer(Boot, t)
	}
	klog.V(2).Infof("Sector %d -> %v", s, f)
	if err := m.dev.Write(off, []byte{nb}); err != nil {
		return fmt.Errorf("write sector flag: %w", err)
	}
	return nil
}

// EraseSector erases image sector s of r.
func (m *Manager) EraseSector(r Role, s int) error {
	ds, err := m.sector(r, s)
	if err != nil {
		return err
	}
	if err := m.dev.Erase(ds); err != nil {
		return fmt.Errorf("erase %v[%d]: %w", r, s, err)
	}
	return nil
}

// EraseImageArea erases image sectors [from, ImageSectors()) of r.
func (m *Manager) EraseImageArea(r Role, from int) error {
	for s := from; s < m.ImageSectors(); s++ {
		if err := m.EraseSector(r, s); err != nil {
			return err
		}
	}
	return nil
}

// CopySector copies a whole sector, erasing the destination first. Data is
// moved in chunks of at most CopyChunk bytes.
func (m *Manager) CopySector(src Role, srcSector int, dst Role, dstSector int) error {
	ss, err := m.sector(src, srcSector)
	if err != nil {
		return err
	}
	ds, err := m.sector(dst, dstSector)
	if err != nil {
		return err
	}
	klog.V(2).Infof("Copying %v[%d] to %v[%d]", src, srcSector, dst, dstSector)
	if err := m.dev.Erase(ds); err != nil {
		return fmt.Errorf("erase %v[%d]: %w", dst, dstSector, err)
	}
	size := int64(m.geo.SectorSize)
	from := int64(ss) * size
	to := int64(ds) * size
	for done := int64(0); done < size; {
		n := int64(len(m.buf))
		if size-done < n {
			n = size - done
		}
		b := m.buf[:n]
		if _, err := m.dev.ReadAt(b, from+done); err != nil {
			return fmt.Errorf("read %v[%d]: %w", src, srcSector, err)
		}
		if err := m.dev.Write(to+done, b); err != nil {
			return fmt.Errorf("write %v[%d]: %w", dst, dstSector, err)
		}
		done += n
	}
	return nil
}

// WriteImage erases the image area of r and writes img at its start. The
// trailer is left untouched.
func (m *Manager) WriteImage(r Role, img []byte) error {
	reg := m.Region(r)
	if int64(len(img)) > reg.Size {
		return fmt.Errorf("%w: image of %d bytes doesn't fit in %v (%d bytes)", flash.ErrOutOfBounds, len(img), r, reg.Size)
	}
	klog.Infof("Writing %d byte image to %v", len(img), r)
	ss := m.geo.SectorSize
	for s := 0; s*ss < int(reg.Size); s++ {
		if err := m.EraseSector(r, s); err != nil {
			return err
		}
		if s*ss >= len(img) {
			continue
		}
		end := (s + 1) * ss
		if end > len(img) {
			end = len(img)
		}
		if err := m.dev.Write(reg.Off+int64(s*ss), img[s*ss:end]); err != nil {
			return fmt.Errorf("write %v[%d]: %w", r, s, err)
		}
	}
	return nil
}
