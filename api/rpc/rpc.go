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

// Package rpc defines the requests exchanged between the running
// application and the bootloader services.
package rpc

import (
	"github.com/coreos/go-semver/semver"
)

// FirmwareUpdate represents a firmware update.
type FirmwareUpdate struct {
	// Sequence is a counter used to ensure correct ordering of chunks of firmware.
	Sequence uint

	// Image is a chunk of the firmware image to be staged.
	Image []byte

	// Final is set on the last chunk, the image is then staged for
	// installation at the next boot.
	Final bool
}

// InstalledVersions represents the versions of the images held in the BOOT
// and UPDATE partitions.
type InstalledVersions struct {
	Boot   semver.Version
	Update semver.Version
}
