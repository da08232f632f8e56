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

package partition

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/swapboot/flash"
	"github.com/transparency-dev/swapboot/flash/testonly"
)

const sectorSize = 64

func testLayout() Layout {
	return Layout{
		Boot:   Area{FirstSector: 0, Sectors: 4},
		Update: Area{FirstSector: 4, Sectors: 4},
		Swap:   Area{FirstSector: 8, Sectors: 1},
	}
}

func newManager(t *testing.T, geo flash.Geometry) (*Manager, *testonly.MemFlash) {
	t.Helper()
	dev := testonly.NewMemFlash(t, geo)
	m, err := New(dev, testLayout())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, dev
}

func TestLayoutValidate(t *testing.T) {
	geo := testonly.NORGeometry(sectorSize, 9)
	for _, test := range []struct {
		name    string
		layout  Layout
		geo     flash.Geometry
		wantErr bool
	}{
		{
			name:   "ok",
			layout: testLayout(),
			geo:    geo,
		}, {
			name: "swap first",
			layout: Layout{
				Swap:   Area{FirstSector: 0, Sectors: 1},
				Boot:   Area{FirstSector: 1, Sectors: 2},
				Update: Area{FirstSector: 3, Sectors: 2},
			},
			geo: geo,
		}, {
			name: "boot too small",
			layout: Layout{
				Boot:   Area{FirstSector: 0, Sectors: 1},
				Update: Area{FirstSector: 1, Sectors: 1},
				Swap:   Area{FirstSector: 2, Sectors: 1},
			},
			geo:     geo,
			wantErr: true,
		}, {
			name: "size mismatch",
			layout: Layout{
				Boot:   Area{FirstSector: 0, Sectors: 4},
				Update: Area{FirstSector: 4, Sectors: 3},
				Swap:   Area{FirstSector: 8, Sectors: 1},
			},
			geo:     geo,
			wantErr: true,
		}, {
			name: "two sector swap",
			layout: Layout{
				Boot:   Area{FirstSector: 0, Sectors: 3},
				Update: Area{FirstSector: 3, Sectors: 3},
				Swap:   Area{FirstSector: 6, Sectors: 2},
			},
			geo:     geo,
			wantErr: true,
		}, {
			name: "overlap",
			layout: Layout{
				Boot:   Area{FirstSector: 0, Sectors: 4},
				Update: Area{FirstSector: 3, Sectors: 4},
				Swap:   Area{FirstSector: 8, Sectors: 1},
			},
			geo:     geo,
			wantErr: true,
		}, {
			name:    "past device end",
			layout:  testLayout(),
			geo:     testonly.NORGeometry(sectorSize, 8),
			wantErr: true,
		}, {
			name: "negative start",
			layout: Layout{
				Boot:   Area{FirstSector: -1, Sectors: 2},
				Update: Area{FirstSector: 4, Sectors: 2},
				Swap:   Area{FirstSector: 8, Sectors: 1},
			},
			geo:     geo,
			wantErr: true,
		}, {
			name:    "trailer larger than sector",
			layout:  testLayout(),
			geo:     testonly.NORGeometry(8, 9),
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := test.layout.Validate(test.geo)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Validate: %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestTrailerRoundTrip(t *testing.T) {
	for _, geo := range []flash.Geometry{
		testonly.NORGeometry(sectorSize, 9),
		{SectorSize: sectorSize, Sectors: 9, ErasedValue: 0x00},
	} {
		m, _ := newManager(t, geo)
		for _, r := range []Role{Boot, Update} {
			got, err := m.ReadTrailer(r)
			if err != nil {
				t.Fatalf("ReadTrailer(%v): %v", r, err)
			}
			if got.State != StateAbsent {
				t.Fatalf("Got %v on a blank device, want %v", got.State, StateAbsent)
			}

			want := Trailer{
				State:     StateUpdating,
				Version:   0x01020003,
				SwapCount: 2,
				Flags:     []SectorFlag{FlagDone, FlagSaved, FlagNew},
				Raw:       0x70,
			}
			if err := m.WriteTrailer(r, want); err != nil {
				t.Fatalf("WriteTrailer(%v): %v", r, err)
			}
			got, err = m.ReadTrailer(r)
			if err != nil {
				t.Fatalf("ReadTrailer(%v): %v", r, err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("%v trailer diff (-want +got):\n%s", r, diff)
			}
		}
	}
}

func TestTrailerLayout(t *testing.T) {
	m, dev := newManager(t, testonly.NORGeometry(sectorSize, 9))
	tr := Trailer{
		State:     StateTesting,
		Version:   0x0a0b0c0d,
		SwapCount: 3,
		Flags:     []SectorFlag{FlagDone, FlagSaved, FlagInstalled},
	}
	if err := m.WriteTrailer(Boot, tr); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}
	end := int64(4 * sectorSize)
	got := dev.Bytes(end-15, 15)
	want := []byte{
		0xf3,                   // sector 2 low nibble, sector 3 high nibble
		0x70,                   // sector 0 low nibble, sector 1 high nibble
		3, 0, 0, 0,             // swap count
		0x0d, 0x0c, 0x0b, 0x0a, // version
		0x10,                   // state
		0x42, 0x4f, 0x4f, 0x54, // magic
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Got trailer bytes %x, want %x", got, want)
	}
}

func TestInvalidState(t *testing.T) {
	m, dev := newManager(t, testonly.NORGeometry(sectorSize, 9))
	if err := m.WriteTrailer(Boot, Trailer{State: StateNew}); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}
	if err := dev.Write(4*sectorSize-5, []byte{0x55}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tr, err := m.ReadTrailer(Boot)
	if err != nil {
		t.Fatalf("ReadTrailer: %v", err)
	}
	if tr.State != StateInvalid {
		t.Fatalf("Got state %v, want %v", tr.State, StateInvalid)
	}
}

func TestTornStateWrites(t *testing.T) {
	for _, test := range []struct {
		from, to State
	}{
		{from: StateUpdating, to: StateTesting},
		{from: StateTesting, to: StateImgOK},
		{from: StateRollingBack, to: StateImgOK},
	} {
		t.Run(fmt.Sprintf("%v->%v", test.from, test.to), func(t *testing.T) {
			from, _ := test.from.encode()
			to, ok := test.to.encode()
			if !ok || from&to != to {
				t.Fatalf("%v -> %v doesn't only clear bits", test.from, test.to)
			}
			// Every subset of the bits being cleared may still be set
			// when the write is interrupted.
			cleared := from &^ to
			for sub := 0; sub < 256; sub++ {
				if byte(sub)&^cleared != 0 {
					continue
				}
				b := to | byte(sub)
				if got := decodeState(b); got != test.from && got != test.to && got != StateInvalid {
					t.Errorf("Partially written %#02x decodes as %v", b, got)
				}
			}
		})
	}
}

func TestSetStateInPlace(t *testing.T) {
	m, dev := newManager(t, testonly.NORGeometry(sectorSize, 9))
	if err := m.WriteTrailer(Boot, Trailer{State: StateUpdating, Version: 2}); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}
	for _, s := range []State{StateTesting, StateTesting, StateImgOK} {
		before := dev.Mutations
		if err := m.SetState(Boot, s); err != nil {
			t.Fatalf("SetState(%v): %v", s, err)
		}
		if n := dev.Mutations - before; n > 1 {
			t.Fatalf("SetState(%v) used %d mutations, want at most 1", s, n)
		}
		tr, err := m.ReadTrailer(Boot)
		if err != nil {
			t.Fatalf("ReadTrailer: %v", err)
		}
		if tr.State != s || tr.Version != 2 {
			t.Fatalf("Got %v/%d, want %v/2", tr.State, tr.Version, s)
		}
	}

	// Going back to a state with more bits set needs a rewrite.
	if err := m.SetState(Boot, StateUpdating); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	tr, err := m.ReadTrailer(Boot)
	if err != nil {
		t.Fatalf("ReadTrailer: %v", err)
	}
	if tr.State != StateUpdating || tr.Version != 2 {
		t.Fatalf("Got %v/%d, want %v/2", tr.State, tr.Version, StateUpdating)
	}
}

func TestSetStateNoTrailer(t *testing.T) {
	m, _ := newManager(t, testonly.NORGeometry(sectorSize, 9))
	if err := m.SetState(Update, StateImgOK); err == nil {
		t.Fatal("SetState succeeded without a trailer")
	}
}

func TestSectorFlags(t *testing.T) {
	m, _ := newManager(t, testonly.NORGeometry(sectorSize, 9))
	if err := m.WriteTrailer(Boot, Trailer{State: StateUpdating, SwapCount: 3}); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}
	for s := 0; s < 3; s++ {
		for _, f := range []SectorFlag{FlagSaved, FlagInstalled, FlagRestored, FlagDone} {
			if err := m.SetSectorFlag(s, f); err != nil {
				t.Fatalf("SetSectorFlag(%d, %v): %v", s, f, err)
			}
			tr, err := m.ReadTrailer(Boot)
			if err != nil {
				t.Fatalf("ReadTrailer: %v", err)
			}
			want := make([]SectorFlag, 3)
			for i := range want {
				switch {
				case i < s:
					want[i] = FlagDone
				case i == s:
					want[i] = f
				default:
					want[i] = FlagNew
				}
			}
			if diff := cmp.Diff(want, tr.Flags); diff != "" {
				t.Fatalf("Flags diff (-want +got):\n%s", diff)
			}
		}
	}
	if err := m.SetSectorFlag(3, FlagDone); !errors.Is(err, flash.ErrOutOfBounds) {
		t.Fatalf("SetSectorFlag(3): got %v, want %v", err, flash.ErrOutOfBounds)
	}
}

func TestCopySector(t *testing.T) {
	m, dev := newManager(t, testonly.NORGeometry(sectorSize, 9))
	want := bytes.Repeat([]byte{0x5a, 0xa5}, sectorSize/2)
	if err := dev.Write(5*sectorSize, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Make sure stale content at the destination is erased first.
	if err := dev.Write(sectorSize, make([]byte, sectorSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.CopySector(Update, 1, Swap, 0); err != nil {
		t.Fatalf("CopySector: %v", err)
	}
	if err := m.CopySector(Swap, 0, Boot, 1); err != nil {
		t.Fatalf("CopySector: %v", err)
	}
	if got := dev.Bytes(sectorSize, sectorSize); !bytes.Equal(got, want) {
		t.Fatalf("Got %x, want %x", got, want)
	}

	for _, test := range []struct {
		name     string
		src, dst Role
		ss, ds   int
	}{
		{name: "trailer sector", src: Update, ss: 3, dst: Boot, ds: 0},
		{name: "swap sector 1", src: Boot, ss: 0, dst: Swap, ds: 1},
		{name: "negative", src: Boot, ss: -1, dst: Swap, ds: 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := m.CopySector(test.src, test.ss, test.dst, test.ds); !errors.Is(err, flash.ErrOutOfBounds) {
				t.Fatalf("CopySector: got %v, want %v", err, flash.ErrOutOfBounds)
			}
		})
	}
}

func TestRegion(t *testing.T) {
	m, _ := newManager(t, testonly.NORGeometry(sectorSize, 9))
	for _, test := range []struct {
		r         Role
		off, size int64
	}{
		{r: Boot, off: 0, size: 3 * sectorSize},
		{r: Update, off: 4 * sectorSize, size: 3 * sectorSize},
		{r: Swap, off: 8 * sectorSize, size: sectorSize},
	} {
		got := m.Region(test.r)
		if got.Off != test.off || got.Size != test.size {
			t.Errorf("Region(%v) = %+v, want off %d size %d", test.r, got, test.off, test.size)
		}
	}
	if got, want := m.SectorsFor(sectorSize+1), 2; got != want {
		t.Errorf("SectorsFor(%d) = %d, want %d", sectorSize+1, got, want)
	}
}

func TestWriteImage(t *testing.T) {
	m, dev := newManager(t, testonly.NORGeometry(sectorSize, 9))
	img := bytes.Repeat([]byte{0x12}, 2*sectorSize+3)
	if err := m.WriteImage(Update, img); err != nil {
		t.Fatalf("WriteImage: %v", err)
	}
	if got := dev.Bytes(4*sectorSize, len(img)); !bytes.Equal(got, img) {
		t.Fatalf("Image content mismatch")
	}
	if got := dev.Bytes(4*sectorSize+int64(len(img)), 1); got[0] != 0xff {
		t.Fatalf("Got %x after image, want erased", got)
	}
	if err := m.WriteImage(Update, make([]byte, 3*sectorSize+1)); !errors.Is(err, flash.ErrOutOfBounds) {
		t.Fatalf("WriteImage of oversized image: got %v, want %v", err, flash.ErrOutOfBounds)
	}
}
