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

// Package rpc exposes the bootloader application API as a net/rpc service,
// served over a JSON-RPC codec by the platform.
package rpc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/transparency-dev/swapboot/api"
	"github.com/transparency-dev/swapboot/api/rpc"
	"github.com/transparency-dev/swapboot/internal/boot"
	"github.com/transparency-dev/swapboot/internal/image"
	"k8s.io/klog/v2"
)

// ServiceName is the name under which RPC is registered.
const ServiceName = "Boot"

// RPC serves the application facing operations of a boot selector.
type RPC struct {
	mu       sync.Mutex
	selector *boot.Selector
	// maxImageSize bounds the size of staged images.
	maxImageSize int

	buf []byte
	seq uint
}

// New returns a service for s, accepting images of at most maxImageSize
// bytes.
func New(s *boot.Selector, maxImageSize int) *RPC {
	return &RPC{selector: s, maxImageSize: maxImageSize}
}

// Status returns the bootloader status.
func (r *RPC) Status(_ any, status *api.Status) error {
	if status == nil {
		return errors.New("invalid argument")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.selector.Status()
	if err != nil {
		return err
	}
	*status = *s
	return nil
}

// Version returns the versions of the BOOT and UPDATE images.
func (r *RPC) Version(_ any, v *rpc.InstalledVersions) error {
	if v == nil {
		return errors.New("invalid argument")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	v.Boot = image.UnpackVersion(r.selector.CurrentVersion())
	v.Update = image.UnpackVersion(r.selector.UpdateVersion())
	return nil
}

// Confirm marks the running image as good.
func (r *RPC) Confirm(_ any, _ *bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.selector.Confirm()
}

// TriggerUpdate requests the installation of the image already in UPDATE.
func (r *RPC) TriggerUpdate(_ any, _ *bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.selector.TriggerUpdate()
}

// InstallUpdate stages a new image for installation at the next boot.
//
// This RPC supports sending the (potentially large) firmware image either:
// - In one RPC call, or
// - Spread over multiple RPC calls, breaking the firmware image it into multiple "chunks" of arbitrary size
//
// For a given install attempt:
//   - An RPC call with the Sequence field set to zero indicates a fresh attempt to install firmware.
//   - Each subsequent RPC call must increment the Sequence field by 1, and
//     pass a chunk of firmware image which is contiguous with the previous chunk.
//   - An RPC call with Final set indicates that all firmware chunks have been
//     sent, the image is then written to UPDATE.
func (r *RPC) InstallUpdate(b *rpc.FirmwareUpdate, _ *bool) error {
	if b == nil {
		return errors.New("invalid argument")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case b.Sequence == 0:
		// Dump previous partial attempts
		r.buf = make([]byte, 0, len(b.Image))
	case r.buf == nil || b.Sequence != r.seq+1:
		r.buf = nil
		return errors.New("invalid firmware update sequence")
	}
	r.seq = b.Sequence

	if len(r.buf)+len(b.Image) > r.maxImageSize {
		r.buf = nil
		return fmt.Errorf("size limit of %d bytes exceeded", r.maxImageSize)
	}
	r.buf = append(r.buf, b.Image...)

	if !b.Final {
		return nil
	}
	img := r.buf
	r.buf = nil
	klog.Infof("Received %d byte image in %d chunks", len(img), r.seq+1)
	return r.selector.StageUpdate(img)
}
