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

package boot_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/swapboot/api"
	"github.com/transparency-dev/swapboot/flash"
	"github.com/transparency-dev/swapboot/flash/mock_flash"
	ftestonly "github.com/transparency-dev/swapboot/flash/testonly"
	"github.com/transparency-dev/swapboot/internal/boot"
	"github.com/transparency-dev/swapboot/internal/image"
	"github.com/transparency-dev/swapboot/internal/partition"
	"github.com/transparency-dev/swapboot/internal/testonly"
)

const (
	v1 = 0x01000000
	v2 = 0x02000000
	v3 = 0x03000000
)

func newSelector(t *testing.T, f *testonly.Fixture, dev flash.Device, opts boot.Options) *boot.Selector {
	t.Helper()
	if dev == nil {
		dev = f.Dev
	}
	s, err := boot.New(dev, testonly.Layout, f.Anchor, opts)
	if err != nil {
		t.Fatalf("boot.New: %v", err)
	}
	return s
}

// provisioned returns a fixture with img1 confirmed in BOOT.
func provisioned(t *testing.T) (*testonly.Fixture, []byte) {
	t.Helper()
	f := testonly.NewFixture(t)
	img1 := f.Image(t, v1, 900)
	f.Install(t, partition.Boot, img1, partition.StateImgOK)
	return f, img1
}

func states(t *testing.T, f *testonly.Fixture) (partition.State, partition.State) {
	t.Helper()
	m := f.Manager(t)
	bt, err := m.ReadTrailer(partition.Boot)
	if err != nil {
		t.Fatalf("ReadTrailer: %v", err)
	}
	ut, err := m.ReadTrailer(partition.Update)
	if err != nil {
		t.Fatalf("ReadTrailer: %v", err)
	}
	return bt.State, ut.State
}

func corrupt(t *testing.T, f *testonly.Fixture, r partition.Role, off int) {
	t.Helper()
	reg := f.Manager(t).Region(r)
	f.Dev.Storage[reg.Off+int64(off)] ^= 0x01
}

func TestUpdateConfirmAndReboot(t *testing.T) {
	f, img1 := provisioned(t)
	opts := boot.Options{BumpMinVersion: true}
	img2 := f.Image(t, v2, 300)
	if err := newSelector(t, f, nil, opts).StageUpdate(img2); err != nil {
		t.Fatalf("StageUpdate: %v", err)
	}

	s := newSelector(t, f, nil, opts)
	got, err := s.SelectAndVerify()
	if err != nil {
		t.Fatalf("SelectAndVerify: %v", err)
	}
	want := boot.Target{
		Version:     v2,
		EntryOffset: image.HeaderSize,
		Size:        300,
		State:       partition.StateTesting,
		Updated:     true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Target diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(testonly.Padded(img2), f.Content(t, partition.Boot)); diff != "" {
		t.Fatalf("BOOT content diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(testonly.Padded(img1), f.Content(t, partition.Update)); diff != "" {
		t.Fatalf("UPDATE content diff (-want +got):\n%s", diff)
	}
	if a, _ := f.Anchor.Load(); a.MinVersion != 0 {
		t.Fatalf("Minimum version raised to %#x before confirmation", a.MinVersion)
	}

	if err := s.Confirm(); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if a, _ := f.Anchor.Load(); a.MinVersion != v2 {
		t.Fatalf("Got minimum version %#x after confirmation, want %#x", a.MinVersion, v2)
	}
	if err := s.Confirm(); err != nil {
		t.Fatalf("Second Confirm: %v", err)
	}

	got, err = newSelector(t, f, nil, opts).SelectAndVerify()
	if err != nil {
		t.Fatalf("SelectAndVerify after confirm: %v", err)
	}
	want.State, want.Updated = partition.StateImgOK, false
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Target diff after confirm (-want +got):\n%s", diff)
	}
}

func TestRollbackWithoutConfirm(t *testing.T) {
	f, img1 := provisioned(t)
	img2 := f.Image(t, v2, 300)
	if err := newSelector(t, f, nil, boot.Options{}).StageUpdate(img2); err != nil {
		t.Fatalf("StageUpdate: %v", err)
	}
	if _, err := newSelector(t, f, nil, boot.Options{}).SelectAndVerify(); err != nil {
		t.Fatalf("SelectAndVerify: %v", err)
	}

	// Reboot without confirming.
	s := newSelector(t, f, nil, boot.Options{})
	got, err := s.SelectAndVerify()
	if err != nil {
		t.Fatalf("SelectAndVerify: %v", err)
	}
	if got.Version != v1 || !got.RolledBack || got.State != partition.StateImgOK {
		t.Fatalf("Got %+v, want rolled back to %#x", got, v1)
	}
	if diff := cmp.Diff(testonly.Padded(img1), f.Content(t, partition.Boot)); diff != "" {
		t.Fatalf("BOOT content diff (-want +got):\n%s", diff)
	}
	if bs, us := states(t, f); bs != partition.StateImgOK || us != partition.StateNew {
		t.Fatalf("Got states %v/%v, want %v/%v", bs, us, partition.StateImgOK, partition.StateNew)
	}
	st, err := s.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.LastOutcome != api.OutcomeRolledBack || st.BootVersion != v1 || st.UpdateVersion != v2 {
		t.Fatalf("Got status %+v", st)
	}

	// And the failed image isn't retried.
	got, err = newSelector(t, f, nil, boot.Options{}).SelectAndVerify()
	if err != nil {
		t.Fatalf("SelectAndVerify: %v", err)
	}
	if got.Version != v1 || got.RolledBack || got.Updated {
		t.Fatalf("Got %+v, want plain boot of %#x", got, v1)
	}
}

func TestRejectedUpdateLeavesFlashUntouched(t *testing.T) {
	for _, test := range []struct {
		name    string
		stage   func(t *testing.T, f *testonly.Fixture) []byte
		min     uint32
		corrupt bool
	}{
		{
			name:    "corrupted payload",
			stage:   func(t *testing.T, f *testonly.Fixture) []byte { return f.Image(t, v2, 300) },
			corrupt: true,
		}, {
			name:  "older than BOOT",
			stage: func(t *testing.T, f *testonly.Fixture) []byte { return f.Image(t, 0x00090000, 300) },
		}, {
			name:  "same version as BOOT",
			stage: func(t *testing.T, f *testonly.Fixture) []byte { return f.Image(t, v1, 300) },
		}, {
			name:  "below minimum version",
			stage: func(t *testing.T, f *testonly.Fixture) []byte { return f.Image(t, v2, 300) },
			min:   v3,
		}, {
			name: "signed by another key",
			stage: func(t *testing.T, f *testonly.Fixture) []byte {
				return testonly.NewFixture(t).Image(t, v2, 300)
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f, _ := provisioned(t)
			if err := newSelector(t, f, nil, boot.Options{}).StageUpdate(test.stage(t, f)); err != nil {
				t.Fatalf("StageUpdate: %v", err)
			}
			if test.corrupt {
				corrupt(t, f, partition.Update, image.HeaderSize+10)
			}
			if test.min > 0 {
				// The BOOT image predates the minimum, so it's reset after
				// the staged image is checked.
				if err := f.Anchor.AdvanceMinVersion(test.min); err != nil {
					t.Fatalf("AdvanceMinVersion: %v", err)
				}
			}
			before := f.Dev.Bytes(0, len(f.Dev.Storage))
			mutations := f.Dev.Mutations

			s := newSelector(t, f, nil, boot.Options{})
			got, err := s.SelectAndVerify()
			if test.min > 0 {
				// Nothing is bootable at all.
				if !errors.Is(err, boot.ErrHalt) {
					t.Fatalf("SelectAndVerify: got %v, want %v", err, boot.ErrHalt)
				}
			} else {
				if err != nil {
					t.Fatalf("SelectAndVerify: %v", err)
				}
				if got.Version != v1 || got.Updated {
					t.Fatalf("Got %+v, want plain boot of %#x", got, v1)
				}
			}
			if f.Dev.Mutations != mutations || !bytes.Equal(before, f.Dev.Storage) {
				t.Fatal("Flash modified while rejecting the staged image")
			}
		})
	}
}

func TestAllowDowngrade(t *testing.T) {
	f := testonly.NewFixture(t)
	f.Install(t, partition.Boot, f.Image(t, v2, 300), partition.StateImgOK)
	opts := boot.Options{AllowDowngrade: true}
	if err := newSelector(t, f, nil, opts).StageUpdate(f.Image(t, v1, 900)); err != nil {
		t.Fatalf("StageUpdate: %v", err)
	}
	got, err := newSelector(t, f, nil, opts).SelectAndVerify()
	if err != nil {
		t.Fatalf("SelectAndVerify: %v", err)
	}
	if got.Version != v1 || !got.Updated {
		t.Fatalf("Got %+v, want update to %#x", got, v1)
	}
}

// runCut boots dev once with a power cut after k mutations, then again
// without one, and returns the result of the second boot.
func runCut(t *testing.T, f *testonly.Fixture, dev *ftestonly.MemFlash, k int) (boot.Target, error) {
	t.Helper()
	dev.CutAfter = k
	if _, err := newSelector(t, f, dev, boot.Options{}).SelectAndVerify(); !ftestonly.IsPowerLoss(err) || !errors.Is(err, boot.ErrHalt) {
		t.Fatalf("Cut after %d: got %v, want halt on power loss", k, err)
	}
	dev.Restore()
	return newSelector(t, f, dev, boot.Options{}).SelectAndVerify()
}

func TestPowerLossAtEveryStep(t *testing.T) {
	sectors := 2*testonly.PartitionSectors + 1
	for _, geo := range []struct {
		name string
		geo  flash.Geometry
	}{
		{name: "nor", geo: ftestonly.NORGeometry(testonly.SectorSize, sectors)},
		{name: "block", geo: flash.Geometry{SectorSize: testonly.SectorSize, Sectors: sectors, ErasedValue: 0xff}},
	} {
		for _, test := range []struct {
			name  string
			setup func(t *testing.T, f *testonly.Fixture)
		}{
			{
				name: "update",
				setup: func(t *testing.T, f *testonly.Fixture) {
					f.Install(t, partition.Boot, f.Image(t, v1, 900), partition.StateImgOK)
					if err := newSelector(t, f, nil, boot.Options{}).StageUpdate(f.Image(t, v2, 300)); err != nil {
						t.Fatalf("StageUpdate: %v", err)
					}
				},
			}, {
				name: "rollback",
				setup: func(t *testing.T, f *testonly.Fixture) {
					f.Install(t, partition.Boot, f.Image(t, v2, 300), partition.StateTesting)
					f.Install(t, partition.Update, f.Image(t, v1, 900), partition.StateImgOK)
				},
			},
		} {
			t.Run(geo.name+"/"+test.name, func(t *testing.T) {
				f := testonly.NewFixture(t)
				f.Dev = ftestonly.NewMemFlash(t, geo.geo)
				test.setup(t, f)
				base := f.Dev.Clone()

				ref := base.Clone()
				wantTarget, err := newSelector(t, f, ref, boot.Options{}).SelectAndVerify()
				if err != nil {
					t.Fatalf("SelectAndVerify: %v", err)
				}
				wantContent := ref.Bytes(0, len(ref.Storage))
				total := ref.Mutations
				if total < 10 {
					t.Fatalf("Reference run used only %d mutations", total)
				}

				for k := 1; k < total; k++ {
					dev := base.Clone()
					got, err := runCut(t, f, dev, k)
					if err != nil {
						t.Fatalf("Boot after cut at %d: %v", k, err)
					}
					if diff := cmp.Diff(wantTarget, got); diff != "" {
						t.Fatalf("Cut after %d: target diff (-want +got):\n%s", k, diff)
					}
					if !bytes.Equal(wantContent, dev.Storage) {
						t.Fatalf("Cut after %d: device content differs from uninterrupted run", k)
					}
				}
			})
		}
	}
}

// TestTornFinalStateWrite interrupts the UPDATING -> TESTING write which
// completes an install, leaving only some of the cleared bits programmed.
func TestTornFinalStateWrite(t *testing.T) {
	for _, torn := range []byte{0x30, 0x50} {
		t.Run(fmt.Sprintf("%#02x", torn), func(t *testing.T) {
			f, img1 := provisioned(t)
			img2 := f.Image(t, v2, 300)
			if err := newSelector(t, f, nil, boot.Options{}).StageUpdate(img2); err != nil {
				t.Fatalf("StageUpdate: %v", err)
			}
			ref := f.Dev.Clone()
			if _, err := newSelector(t, f, ref, boot.Options{}).SelectAndVerify(); err != nil {
				t.Fatalf("SelectAndVerify: %v", err)
			}

			// Everything but the final state change.
			dev := f.Dev.Clone()
			f.Dev = dev
			dev.CutAfter = ref.Mutations - 1
			if _, err := newSelector(t, f, dev, boot.Options{}).SelectAndVerify(); !ftestonly.IsPowerLoss(err) {
				t.Fatalf("SelectAndVerify: got %v, want power loss", err)
			}
			dev.Restore()
			if bs, _ := states(t, f); bs != partition.StateUpdating {
				t.Fatalf("Got BOOT state %v before the final write, want %v", bs, partition.StateUpdating)
			}
			end := int64(testonly.PartitionSectors * testonly.SectorSize)
			dev.Storage[end-5] &= torn

			got, err := newSelector(t, f, nil, boot.Options{}).SelectAndVerify()
			if err != nil {
				t.Fatalf("SelectAndVerify: %v", err)
			}
			if got.Version != v1 || !got.RolledBack || got.State != partition.StateImgOK {
				t.Fatalf("Got %+v, want rolled back to %#x", got, v1)
			}
			if diff := cmp.Diff(testonly.Padded(img1), f.Content(t, partition.Boot)); diff != "" {
				t.Fatalf("BOOT content diff (-want +got):\n%s", diff)
			}
			if bs, us := states(t, f); bs != partition.StateImgOK || us != partition.StateNew {
				t.Fatalf("Got states %v/%v, want %v/%v", bs, us, partition.StateImgOK, partition.StateNew)
			}
		})
	}
}

func TestBrokenBoot(t *testing.T) {
	for _, test := range []struct {
		name           string
		bootState      partition.State
		backup         bool
		opts           boot.Options
		wantHalt       bool
		wantRolledBack bool
	}{
		{name: "confirmed, no backup", bootState: partition.StateImgOK, wantHalt: true},
		{name: "confirmed, backup but no fallback", bootState: partition.StateImgOK, backup: true, wantHalt: true},
		{name: "confirmed, emergency fallback", bootState: partition.StateImgOK, backup: true, opts: boot.Options{EmergencyFallback: true}, wantRolledBack: true},
		{name: "confirmed, emergency fallback without backup", bootState: partition.StateImgOK, opts: boot.Options{EmergencyFallback: true}, wantHalt: true},
		{name: "testing, backup", bootState: partition.StateTesting, backup: true, wantRolledBack: true},
		{name: "testing, no backup", bootState: partition.StateTesting, wantHalt: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := testonly.NewFixture(t)
			f.Install(t, partition.Boot, f.Image(t, v2, 300), test.bootState)
			if test.backup {
				f.Install(t, partition.Update, f.Image(t, v1, 900), partition.StateImgOK)
			}
			corrupt(t, f, partition.Boot, image.HeaderSize+1)

			got, err := newSelector(t, f, nil, test.opts).SelectAndVerify()
			if test.wantHalt {
				if !errors.Is(err, boot.ErrHalt) {
					t.Fatalf("SelectAndVerify: got %v, want %v", err, boot.ErrHalt)
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectAndVerify: %v", err)
			}
			if got.Version != v1 || got.RolledBack != test.wantRolledBack {
				t.Fatalf("Got %+v, want version %#x rolled back %t", got, v1, test.wantRolledBack)
			}
		})
	}
}

func TestUnconfirmedWithoutBackupKeepsBooting(t *testing.T) {
	f := testonly.NewFixture(t)
	f.Install(t, partition.Boot, f.Image(t, v2, 300), partition.StateTesting)
	got, err := newSelector(t, f, nil, boot.Options{}).SelectAndVerify()
	if err != nil {
		t.Fatalf("SelectAndVerify: %v", err)
	}
	if got.Version != v2 || got.State != partition.StateTesting || got.RolledBack {
		t.Fatalf("Got %+v, want unconfirmed %#x", got, v2)
	}
}

func TestInvalidTrailer(t *testing.T) {
	for _, test := range []struct {
		name     string
		backup   bool
		wantHalt bool
	}{
		{name: "backup", backup: true},
		{name: "no backup", wantHalt: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := testonly.NewFixture(t)
			f.Install(t, partition.Boot, f.Image(t, v2, 300), partition.StateNew)
			if test.backup {
				f.Install(t, partition.Update, f.Image(t, v1, 900), partition.StateImgOK)
			}
			// Clear bits of the state byte into an unknown value.
			end := int64(testonly.PartitionSectors * testonly.SectorSize)
			if err := f.Dev.Write(end-5, []byte{0x55}); err != nil {
				t.Fatalf("Write: %v", err)
			}

			got, err := newSelector(t, f, nil, boot.Options{}).SelectAndVerify()
			if test.wantHalt {
				if !errors.Is(err, boot.ErrHalt) {
					t.Fatalf("SelectAndVerify: got %v, want %v", err, boot.ErrHalt)
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectAndVerify: %v", err)
			}
			if got.Version != v1 || !got.RolledBack {
				t.Fatalf("Got %+v, want rollback to %#x", got, v1)
			}
		})
	}
}

func TestAdoptAndReconcile(t *testing.T) {
	f := testonly.NewFixture(t)
	f.Install(t, partition.Boot, f.Image(t, v2, 300), partition.StateAbsent)
	if err := f.Anchor.AdvanceMinVersion(v1); err != nil {
		t.Fatalf("AdvanceMinVersion: %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := newSelector(t, f, nil, boot.Options{BumpMinVersion: true}).SelectAndVerify()
		if err != nil {
			t.Fatalf("SelectAndVerify: %v", err)
		}
		if got.Version != v2 || got.State != partition.StateImgOK {
			t.Fatalf("Got %+v, want confirmed %#x", got, v2)
		}
	}
	if bs, _ := states(t, f); bs != partition.StateImgOK {
		t.Fatalf("Got BOOT state %v, want %v", bs, partition.StateImgOK)
	}
	if a, _ := f.Anchor.Load(); a.MinVersion != v2 {
		t.Fatalf("Got minimum version %#x, want %#x", a.MinVersion, v2)
	}
	// One write to provision v1, one to raise it when v2 was adopted.
	if got, want := f.Anchor.Writes(), 2; got != want {
		t.Fatalf("Anchor written %d times, want %d", got, want)
	}
}

func TestEmptyDeviceHalts(t *testing.T) {
	f := testonly.NewFixture(t)
	s := newSelector(t, f, nil, boot.Options{})
	if _, err := s.SelectAndVerify(); !errors.Is(err, boot.ErrHalt) {
		t.Fatalf("SelectAndVerify: got %v, want %v", err, boot.ErrHalt)
	}
	st, err := s.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.LastOutcome != api.OutcomeHalted || st.Error == "" {
		t.Fatalf("Got status %+v, want halted with an error", st)
	}
}

func TestFirstInstallOnBlankBoot(t *testing.T) {
	f := testonly.NewFixture(t)
	if err := newSelector(t, f, nil, boot.Options{}).StageUpdate(f.Image(t, v1, 900)); err != nil {
		t.Fatalf("StageUpdate: %v", err)
	}
	got, err := newSelector(t, f, nil, boot.Options{}).SelectAndVerify()
	if err != nil {
		t.Fatalf("SelectAndVerify: %v", err)
	}
	if got.Version != v1 || !got.Updated {
		t.Fatalf("Got %+v, want update to %#x", got, v1)
	}
}

func TestStageWhileUnconfirmed(t *testing.T) {
	f, _ := provisioned(t)
	if err := newSelector(t, f, nil, boot.Options{}).StageUpdate(f.Image(t, v2, 300)); err != nil {
		t.Fatalf("StageUpdate: %v", err)
	}
	s := newSelector(t, f, nil, boot.Options{})
	if _, err := s.SelectAndVerify(); err != nil {
		t.Fatalf("SelectAndVerify: %v", err)
	}
	if err := s.StageUpdate(f.Image(t, v3, 10)); !errors.Is(err, boot.ErrBusy) {
		t.Fatalf("StageUpdate: got %v, want %v", err, boot.ErrBusy)
	}
}

func TestVersions(t *testing.T) {
	f, _ := provisioned(t)
	s := newSelector(t, f, nil, boot.Options{})
	if got := s.CurrentVersion(); got != v1 {
		t.Errorf("CurrentVersion() = %#x, want %#x", got, v1)
	}
	if got := s.UpdateVersion(); got != 0 {
		t.Errorf("UpdateVersion() = %#x, want 0", got)
	}
	if err := s.TriggerUpdate(); !errors.Is(err, image.ErrParse) {
		t.Errorf("TriggerUpdate with an empty UPDATE: got %v, want %v", err, image.ErrParse)
	}
	if err := s.Confirm(); err != nil {
		t.Errorf("Confirm of a confirmed image: %v", err)
	}
}

func TestFlashReadErrorHalts(t *testing.T) {
	f, _ := provisioned(t)
	ctrl := gomock.NewController(t)
	dev := mock_flash.NewMockDevice(ctrl)
	dev.EXPECT().Geometry().Return(f.Dev.Geometry()).AnyTimes()
	dev.EXPECT().ReadAt(gomock.Any(), gomock.Any()).Return(0, flash.ErrFlash).AnyTimes()

	_, err := newSelector(t, f, dev, boot.Options{}).SelectAndVerify()
	if !errors.Is(err, boot.ErrHalt) || !errors.Is(err, flash.ErrFlash) {
		t.Fatalf("SelectAndVerify: got %v, want halt on flash error", err)
	}
}

func TestFlashWriteErrorDuringUpdate(t *testing.T) {
	f, _ := provisioned(t)
	if err := newSelector(t, f, nil, boot.Options{}).StageUpdate(f.Image(t, v2, 300)); err != nil {
		t.Fatalf("StageUpdate: %v", err)
	}

	ctrl := gomock.NewController(t)
	dev := mock_flash.NewMockDevice(ctrl)
	dev.EXPECT().Geometry().Return(f.Dev.Geometry()).AnyTimes()
	dev.EXPECT().ReadAt(gomock.Any(), gomock.Any()).DoAndReturn(f.Dev.ReadAt).AnyTimes()
	dev.EXPECT().Erase(gomock.Any()).DoAndReturn(f.Dev.Erase).AnyTimes()
	writes := 0
	dev.EXPECT().Write(gomock.Any(), gomock.Any()).DoAndReturn(func(off int64, p []byte) error {
		writes++
		if writes > 5 {
			return flash.ErrFlash
		}
		return f.Dev.Write(off, p)
	}).AnyTimes()

	if _, err := newSelector(t, f, dev, boot.Options{}).SelectAndVerify(); !errors.Is(err, boot.ErrHalt) || !errors.Is(err, flash.ErrFlash) {
		t.Fatalf("SelectAndVerify: got %v, want halt on flash error", err)
	}

	// The next boot completes the update from what was recorded.
	got, err := newSelector(t, f, nil, boot.Options{}).SelectAndVerify()
	if err != nil {
		t.Fatalf("SelectAndVerify: %v", err)
	}
	if got.Version != v2 || !got.Updated {
		t.Fatalf("Got %+v, want update to %#x", got, v2)
	}
}
