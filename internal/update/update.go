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

// Package update implements the resumable sector swap which exchanges the
// images held in BOOT and UPDATE, using SWAP as scratch space.
//
// Progress is recorded in the BOOT trailer after every flash operation, so
// that a swap interrupted at any point by a power loss can be resumed from
// the flash content alone. For each image sector s, in ascending order:
//
//	NEW       -> copy BOOT[s] to SWAP      -> SAVED
//	SAVED     -> copy UPDATE[s] to BOOT[s] -> INSTALLED
//	INSTALLED -> copy SWAP to UPDATE[s]    -> RESTORED
//	RESTORED  -> erase SWAP                -> DONE
//
// The source of every step is left untouched by the step itself, so any step
// can be repeated after an interruption.
package update

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/swapboot/internal/image"
	"github.com/transparency-dev/swapboot/internal/partition"
	"k8s.io/klog/v2"
)

// ErrProtocol is returned when the swap state recorded on flash is
// inconsistent.
var ErrProtocol = errors.New("protocol error")

// Kind is the purpose of a swap.
type Kind int

const (
	// Install swaps a newly staged image into BOOT.
	Install Kind = iota
	// Rollback swaps the backup held in UPDATE back into BOOT.
	Rollback
)

func (k Kind) String() string {
	if k == Rollback {
		return "rollback"
	}
	return "install"
}

// Options configures a Swapper.
type Options struct {
	// OnProgress, if set, is called with the number of sectors swapped so
	// far out of total.
	OnProgress func(done, total int)
}

// Result describes a completed swap.
type Result struct {
	Kind Kind
	// Version is the version of the image now held in BOOT.
	Version uint32
}

// Swapper drives swaps on a set of partitions.
type Swapper struct {
	pm   *partition.Manager
	opts Options
}

// New returns a Swapper working on the partitions managed by pm.
func New(pm *partition.Manager, opts Options) *Swapper {
	return &Swapper{pm: pm, opts: opts}
}

// Start records the beginning of a swap in the BOOT trailer. version is the
// version BOOT will hold once the swap completes. The swap itself is carried
// out by Resume.
func (s *Swapper) Start(kind Kind, version uint32) error {
	state := partition.StateUpdating
	if kind == Rollback {
		state = partition.StateRollingBack
	}
	n := s.swapCount()
	klog.Infof("Starting %v to version %s over %d sectors", kind, image.VersionString(version), n)
	return s.pm.WriteTrailer(partition.Boot, partition.Trailer{
		State:     state,
		Version:   version,
		SwapCount: uint32(n),
	})
}

// swapCount returns the number of sectors to exchange: enough to hold the
// larger of the two images, or the whole image area if either header can't
// be parsed.
func (s *Swapper) swapCount() int {
	limit := s.pm.ImageSectors()
	n := 0
	for _, r := range []partition.Role{partition.Boot, partition.Update} {
		d, err := image.Parse(s.pm.Device(), s.pm.Region(r))
		if err != nil {
			klog.V(1).Infof("Can't size %v image (%v), swapping whole partition", r, err)
			return limit
		}
		if c := s.pm.SectorsFor(d.TotalSize()); c > n {
			n = c
		}
	}
	if n > limit {
		n = limit
	}
	return n
}

// InProgress reports whether t records a swap which hasn't completed.
func InProgress(t partition.Trailer) bool {
	return t.State == partition.StateUpdating || t.State == partition.StateRollingBack
}

// Resume carries out, or continues, the swap recorded in the BOOT trailer
// and finalises it. Calling Resume again after a failure continues from the
// last recorded step.
func (s *Swapper) Resume() (Result, error) {
	t, err := s.pm.ReadTrailer(partition.Boot)
	if err != nil {
		return Result{}, err
	}
	var kind Kind
	switch t.State {
	case partition.StateUpdating:
		kind = Install
	case partition.StateRollingBack:
		kind = Rollback
	default:
		return Result{}, fmt.Errorf("%w: no swap in progress (BOOT state %v)", ErrProtocol, t.State)
	}
	n := int(t.SwapCount)
	if t.SwapCount == 0 || t.SwapCount > uint32(s.pm.ImageSectors()) {
		return Result{}, fmt.Errorf("%w: swap count %d with %d image sectors", ErrProtocol, t.SwapCount, s.pm.ImageSectors())
	}
	if err := checkFlags(t.Flags, n); err != nil {
		return Result{}, err
	}

	for sec := 0; sec < n; sec++ {
		if t.Flags[sec] != partition.FlagDone {
			klog.V(1).Infof("Swapping sector %d/%d from %v", sec+1, n, t.Flags[sec])
		}
		if err := s.swapSector(sec, t.Flags[sec]); err != nil {
			return Result{}, fmt.Errorf("swap sector %d: %w", sec, err)
		}
		if s.opts.OnProgress != nil {
			s.opts.OnProgress(sec+1, n)
		}
	}

	if err := s.finalize(kind, n); err != nil {
		return Result{}, err
	}
	klog.Infof("Completed %v to version %s", kind, image.VersionString(t.Version))
	return Result{Kind: kind, Version: t.Version}, nil
}

// checkFlags verifies that the sector flags describe a reachable swap state:
// sectors are processed in order, so once a sector isn't DONE every later
// one must still be NEW.
func checkFlags(flags []partition.SectorFlag, n int) error {
	started := true
	for i, f := range flags {
		if !f.Valid() {
			return fmt.Errorf("%w: sector %d has flag %v", ErrProtocol, i, f)
		}
		if i >= n {
			if f != partition.FlagNew {
				return fmt.Errorf("%w: sector %d past swap count has flag %v", ErrProtocol, i, f)
			}
			continue
		}
		if !started && f != partition.FlagNew {
			return fmt.Errorf("%w: sector %d has flag %v after an incomplete sector", ErrProtocol, i, f)
		}
		if f != partition.FlagDone {
			started = false
		}
	}
	return nil
}

// swapSector carries out the remaining steps for sector sec, starting from
// flag f.
func (s *Swapper) swapSector(sec int, f partition.SectorFlag) error {
	steps := []struct {
		from partition.SectorFlag
		to   partition.SectorFlag
		do   func() error
	}{
		{partition.FlagNew, partition.FlagSaved, func() error { return s.pm.CopySector(partition.Boot, sec, partition.Swap, 0) }},
		{partition.FlagSaved, partition.FlagInstalled, func() error { return s.pm.CopySector(partition.Update, sec, partition.Boot, sec) }},
		{partition.FlagInstalled, partition.FlagRestored, func() error { return s.pm.CopySector(partition.Swap, 0, partition.Update, sec) }},
		{partition.FlagRestored, partition.FlagDone, func() error { return s.pm.EraseSector(partition.Swap, 0) }},
	}
	run := false
	for _, st := range steps {
		if st.from == f {
			run = true
		}
		if !run {
			continue
		}
		if err := st.do(); err != nil {
			return err
		}
		if err := s.pm.SetSectorFlag(sec, st.to); err != nil {
			return err
		}
	}
	return nil
}

// finalize completes a swap whose sectors have all been exchanged. Every
// step can be repeated, and the BOOT state change is the last durable
// action.
func (s *Swapper) finalize(kind Kind, n int) error {
	for _, r := range []partition.Role{partition.Boot, partition.Update} {
		if err := s.pm.EraseImageArea(r, n); err != nil {
			return fmt.Errorf("erase %v tail: %w", r, err)
		}
	}

	// UPDATE now holds the image which was in BOOT.
	var prev uint32
	if d, err := image.Parse(s.pm.Device(), s.pm.Region(partition.Update)); err == nil {
		prev = d.Version
	}
	ut := partition.Trailer{State: partition.StateImgOK, Version: prev}
	final := partition.StateTesting
	if kind == Rollback {
		ut.State = partition.StateNew
		final = partition.StateImgOK
	}
	if cur, err := s.pm.ReadTrailer(partition.Update); err != nil {
		return err
	} else if cur.State != ut.State || cur.Version != ut.Version {
		if err := s.pm.WriteTrailer(partition.Update, ut); err != nil {
			return err
		}
	}
	return s.pm.SetState(partition.Boot, final)
}
