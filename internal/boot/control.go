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

package boot

import (
	"fmt"

	"github.com/transparency-dev/swapboot/api"
	"github.com/transparency-dev/swapboot/internal/image"
	"github.com/transparency-dev/swapboot/internal/partition"
	"k8s.io/klog/v2"
)

// Confirm marks the running BOOT image as good. It's called by the
// application once it has checked that it works; an image which isn't
// confirmed is rolled back at the next boot.
//
// When BumpMinVersion is set, the trust anchor minimum version is raised to
// the confirmed version after the state change. Confirming an already
// confirmed image is a no-op apart from that.
func (s *Selector) Confirm() error {
	bt, err := s.pm.ReadTrailer(partition.Boot)
	if err != nil {
		return err
	}
	switch bt.State {
	case partition.StateTesting, partition.StateImgOK:
	default:
		return fmt.Errorf("%w: BOOT is %v", ErrNotTesting, bt.State)
	}
	a, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load trust anchor: %w", err)
	}
	_, v, err := s.verifyRole(partition.Boot, a)
	if err != nil {
		return err
	}
	if bt.State == partition.StateTesting {
		if err := s.pm.SetState(partition.Boot, partition.StateImgOK); err != nil {
			return err
		}
		klog.Infof("Confirmed BOOT image %s", image.VersionString(v.Version))
	}
	if s.opts.BumpMinVersion {
		if err := s.store.AdvanceMinVersion(v.Version); err != nil {
			return fmt.Errorf("raise minimum version: %w", err)
		}
	}
	return nil
}

// TriggerUpdate requests the installation of the image staged in UPDATE at
// the next boot. Only the header is checked here, the image is verified by
// the boot selector.
func (s *Selector) TriggerUpdate() error {
	d, err := image.Parse(s.pm.Device(), s.pm.Region(partition.Update))
	if err != nil {
		return err
	}
	klog.Infof("Requesting update to %s", image.VersionString(d.Version))
	return s.pm.WriteTrailer(partition.Update, partition.Trailer{State: partition.StateUpdating, Version: d.Version})
}

// StageUpdate writes img to UPDATE and requests its installation. It fails
// with ErrBusy while the BOOT image is unconfirmed, since UPDATE then holds
// the image to roll back to.
func (s *Selector) StageUpdate(img []byte) error {
	bt, err := s.pm.ReadTrailer(partition.Boot)
	if err != nil {
		return err
	}
	switch bt.State {
	case partition.StateImgOK, partition.StateAbsent, partition.StateNew:
	default:
		return fmt.Errorf("%w: BOOT is %v", ErrBusy, bt.State)
	}
	// Drop any backup marker first, so that a partially written image is
	// never taken for a backup.
	if err := s.pm.WriteTrailer(partition.Update, partition.Trailer{State: partition.StateNew}); err != nil {
		return err
	}
	if err := s.pm.WriteImage(partition.Update, img); err != nil {
		return err
	}
	return s.TriggerUpdate()
}

// CurrentVersion returns the header version of the BOOT image, or 0 if it
// can't be parsed.
func (s *Selector) CurrentVersion() uint32 {
	return s.headerVersion(partition.Boot)
}

// UpdateVersion returns the header version of the UPDATE image, or 0 if it
// can't be parsed.
func (s *Selector) UpdateVersion() uint32 {
	return s.headerVersion(partition.Update)
}

func (s *Selector) headerVersion(r partition.Role) uint32 {
	d, err := image.Parse(s.pm.Device(), s.pm.Region(r))
	if err != nil {
		return 0
	}
	return d.Version
}

// Status returns the state of the partitions and the outcome of the last
// call to SelectAndVerify.
func (s *Selector) Status() (*api.Status, error) {
	st := &api.Status{
		BootVersion:   s.CurrentVersion(),
		UpdateVersion: s.UpdateVersion(),
		LastOutcome:   s.outcome,
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	bt, err := s.pm.ReadTrailer(partition.Boot)
	if err != nil {
		return nil, err
	}
	ut, err := s.pm.ReadTrailer(partition.Update)
	if err != nil {
		return nil, err
	}
	st.BootState, st.UpdateState = bt.State.String(), ut.State.String()
	a, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	st.MinVersion = a.MinVersion
	return st, nil
}
