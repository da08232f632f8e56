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

// Package boot decides, at every startup, which image to run. It completes
// interrupted swaps, installs requested updates, rolls back unconfirmed or
// broken images, and refuses to boot anything it can't verify.
package boot

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/swapboot/anchor"
	"github.com/transparency-dev/swapboot/api"
	"github.com/transparency-dev/swapboot/flash"
	"github.com/transparency-dev/swapboot/internal/crypto"
	"github.com/transparency-dev/swapboot/internal/image"
	"github.com/transparency-dev/swapboot/internal/partition"
	"github.com/transparency-dev/swapboot/internal/update"
	"github.com/transparency-dev/swapboot/internal/verify"
	"k8s.io/klog/v2"
)

var (
	// ErrHalt is returned when no image can be trusted. The device must not
	// run any code.
	ErrHalt = errors.New("halt: no bootable image")

	// ErrNotNewer is returned for a staged image which isn't more recent
	// than the one in BOOT.
	ErrNotNewer = fmt.Errorf("%w: staged image is not newer than BOOT", verify.ErrVerify)

	// ErrNotTesting is returned by Confirm when there's nothing to confirm.
	ErrNotTesting = errors.New("BOOT image is not awaiting confirmation")

	// ErrBusy is returned by StageUpdate while BOOT holds an unconfirmed
	// image, since staging would overwrite its backup.
	ErrBusy = errors.New("update in progress")
)

// Options configures a Selector.
type Options struct {
	// AllowDowngrade accepts staged images which aren't newer than BOOT.
	// The trust anchor minimum version is enforced regardless.
	AllowDowngrade bool
	// EmergencyFallback restores the backup held in UPDATE when a confirmed
	// BOOT image fails verification, instead of halting.
	EmergencyFallback bool
	// BumpMinVersion raises the trust anchor minimum version to the version
	// of every confirmed image.
	BumpMinVersion bool
	// Crypto defaults to crypto.Software.
	Crypto crypto.Provider
	// OnProgress is passed to the swapper.
	OnProgress func(done, total int)
}

// Target describes the image to hand control to.
type Target struct {
	Version uint32
	// EntryOffset is the device offset of the payload.
	EntryOffset int64
	// Size is the payload size.
	Size  int64
	State partition.State
	// RolledBack is set when the previous image was restored.
	RolledBack bool
	// Updated is set when a staged image was installed.
	Updated bool
}

// Selector implements the boot decision and the application facing API.
type Selector struct {
	pm       *partition.Manager
	store    anchor.Store
	verifier *verify.Verifier
	swapper  *update.Swapper
	opts     Options

	outcome api.Outcome
	lastErr error
}

// New returns a Selector for the partitions described by l on dev.
func New(dev flash.Device, l partition.Layout, store anchor.Store, opts Options) (*Selector, error) {
	pm, err := partition.New(dev, l)
	if err != nil {
		return nil, err
	}
	if opts.Crypto == nil {
		opts.Crypto = crypto.Software{}
	}
	return &Selector{
		pm:       pm,
		store:    store,
		verifier: verify.New(opts.Crypto),
		swapper:  update.New(pm, update.Options{OnProgress: opts.OnProgress}),
		opts:     opts,
	}, nil
}

// halt logs and wraps the reason why nothing can be booted.
func (s *Selector) halt(err error) (Target, error) {
	klog.Errorf("Halting: %v", err)
	s.outcome, s.lastErr = api.OutcomeHalted, err
	return Target{}, fmt.Errorf("%w: %w", ErrHalt, err)
}

// SelectAndVerify runs the boot decision and returns the verified image to
// start. Any error wraps ErrHalt.
func (s *Selector) SelectAndVerify() (Target, error) {
	s.outcome, s.lastErr = api.OutcomeNone, nil
	a, err := s.store.Load()
	if err != nil {
		return s.halt(fmt.Errorf("load trust anchor: %w", err))
	}
	bt, err := s.pm.ReadTrailer(partition.Boot)
	if err != nil {
		return s.halt(err)
	}
	var tgt Target

	// An interrupted swap is completed before anything else.
	if update.InProgress(bt) {
		klog.Infof("Resuming interrupted swap (BOOT %v)", bt.State)
		res, err := s.swapper.Resume()
		switch {
		case errors.Is(err, update.ErrProtocol):
			return s.recover(a, err)
		case err != nil:
			return s.halt(err)
		}
		tgt.Updated = res.Kind == update.Install
		tgt.RolledBack = res.Kind == update.Rollback
		if bt, err = s.pm.ReadTrailer(partition.Boot); err != nil {
			return s.halt(err)
		}
	}

	ut, err := s.pm.ReadTrailer(partition.Update)
	if err != nil {
		return s.halt(err)
	}
	hasBackup := ut.State == partition.StateImgOK

	switch {
	case bt.State == partition.StateInvalid:
		return s.recover(a, fmt.Errorf("%w: BOOT trailer state %#02x", update.ErrProtocol, bt.Raw))

	case bt.State == partition.StateTesting && !tgt.Updated:
		// The image was started once and never confirmed.
		v, err := s.backup(a)
		if isFlash(err) {
			return s.halt(err)
		}
		if err != nil {
			klog.Warningf("Unconfirmed BOOT image %s and no usable backup (%v), keeping it", image.VersionString(bt.Version), err)
			break
		}
		klog.Warningf("BOOT image %s was not confirmed, rolling back", image.VersionString(bt.Version))
		return s.rollback(a, v)

	case bt.State == partition.StateAbsent && hasBackup:
		// The BOOT trailer is erased when a swap starts, so this is a
		// rollback which was interrupted before recording its start.
		v, err := s.backup(a)
		if isFlash(err) {
			return s.halt(err)
		}
		if err != nil {
			klog.Warningf("Ignoring backup image: %v", err)
			break
		}
		return s.rollback(a, v)

	case ut.State == partition.StateUpdating && !tgt.Updated && !tgt.RolledBack:
		v, err := s.checkCandidate(a)
		if isFlash(err) {
			return s.halt(err)
		}
		if err != nil {
			klog.Warningf("Ignoring staged image: %v", err)
			s.lastErr = err
			break
		}
		klog.Infof("Installing staged image %s", image.VersionString(v))
		if err := s.swapper.Start(update.Install, v); err != nil {
			return s.halt(err)
		}
		if _, err := s.swapper.Resume(); err != nil {
			return s.halt(err)
		}
		tgt.Updated = true
		if bt, err = s.pm.ReadTrailer(partition.Boot); err != nil {
			return s.halt(err)
		}
	}

	return s.bootCurrent(a, bt, tgt)
}

// bootCurrent verifies the image in BOOT and returns it, falling back to the
// backup when allowed.
func (s *Selector) bootCurrent(a anchor.Anchor, bt partition.Trailer, tgt Target) (Target, error) {
	d, v, err := s.verifyRole(partition.Boot, a)
	if isFlash(err) {
		return s.halt(err)
	}
	if err != nil {
		klog.Errorf("BOOT image failed verification: %v", err)
		switch {
		case tgt.RolledBack:
		case bt.State == partition.StateTesting:
			return s.restore(a)
		case s.opts.EmergencyFallback:
			klog.Warningf("Trying to restore the backup image")
			return s.restore(a)
		}
		return s.halt(err)
	}

	switch bt.State {
	case partition.StateAbsent, partition.StateNew:
		klog.Infof("Adopting unmanaged BOOT image %s", image.VersionString(v.Version))
		if err := s.pm.WriteTrailer(partition.Boot, partition.Trailer{State: partition.StateImgOK, Version: v.Version}); err != nil {
			return s.halt(err)
		}
		bt.State = partition.StateImgOK
	}
	if bt.State == partition.StateImgOK && s.opts.BumpMinVersion {
		if err := s.store.AdvanceMinVersion(v.Version); err != nil {
			klog.Warningf("Failed to raise minimum version to %s: %v", image.VersionString(v.Version), err)
		}
	}

	tgt.Version = v.Version
	tgt.EntryOffset = d.PayloadOffset()
	tgt.Size = int64(d.PayloadSize)
	tgt.State = bt.State
	switch {
	case tgt.RolledBack:
		s.outcome = api.OutcomeRolledBack
	case tgt.Updated:
		s.outcome = api.OutcomeUpdated
	default:
		s.outcome = api.OutcomeBooted
	}
	klog.Infof("Booting %s (%v)", image.VersionString(tgt.Version), tgt.State)
	return tgt, nil
}

// backup verifies the backup image held in UPDATE and returns its version.
// Only integrity, authenticity and the anchor minimum version are checked.
func (s *Selector) backup(a anchor.Anchor) (uint32, error) {
	ut, err := s.pm.ReadTrailer(partition.Update)
	if err != nil {
		return 0, err
	}
	if ut.State != partition.StateImgOK {
		return 0, fmt.Errorf("no backup image (UPDATE %v)", ut.State)
	}
	_, v, err := s.verifyRole(partition.Update, a)
	if err != nil {
		return 0, err
	}
	return v.Version, nil
}

// restore verifies the backup and rolls back to it, halting if there's
// nothing to restore.
func (s *Selector) restore(a anchor.Anchor) (Target, error) {
	v, err := s.backup(a)
	if err != nil {
		return s.halt(fmt.Errorf("can't restore backup: %w", err))
	}
	return s.rollback(a, v)
}

// rollback swaps the verified backup of the given version into BOOT, then
// boots it.
func (s *Selector) rollback(a anchor.Anchor, version uint32) (Target, error) {
	klog.Warningf("Rolling back to %s", image.VersionString(version))
	if err := s.swapper.Start(update.Rollback, version); err != nil {
		return s.halt(err)
	}
	if _, err := s.swapper.Resume(); err != nil {
		return s.halt(err)
	}
	bt, err := s.pm.ReadTrailer(partition.Boot)
	if err != nil {
		return s.halt(err)
	}
	return s.bootCurrent(a, bt, Target{RolledBack: true})
}

// recover handles an inconsistent BOOT trailer: the backup is restored if
// there's one, otherwise the device halts.
func (s *Selector) recover(a anchor.Anchor, cause error) (Target, error) {
	klog.Errorf("Inconsistent swap state: %v", cause)
	v, err := s.backup(a)
	if err != nil {
		return s.halt(fmt.Errorf("%w (%v)", cause, err))
	}
	return s.rollback(a, v)
}

// checkCandidate verifies the image staged in UPDATE and returns its
// version, without modifying the flash.
func (s *Selector) checkCandidate(a anchor.Anchor) (uint32, error) {
	_, v, err := s.verifyRole(partition.Update, a)
	if err != nil {
		return 0, err
	}
	cur := s.CurrentVersion()
	if v.Version <= cur && !s.opts.AllowDowngrade {
		return 0, fmt.Errorf("%w: %s <= %s", ErrNotNewer, image.VersionString(v.Version), image.VersionString(cur))
	}
	return v.Version, nil
}

func (s *Selector) verifyRole(r partition.Role, a anchor.Anchor) (*image.Descriptor, verify.Verified, error) {
	d, err := image.Parse(s.pm.Device(), s.pm.Region(r))
	if err != nil {
		return nil, verify.Verified{}, fmt.Errorf("%v: %w", r, err)
	}
	v, err := s.verifier.Verify(s.pm.Device(), d, a)
	if err != nil {
		return nil, verify.Verified{}, fmt.Errorf("%v: %w", r, err)
	}
	return d, v, nil
}

func isFlash(err error) bool {
	return errors.Is(err, flash.ErrFlash)
}
