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

// emulator runs the bootloader against a file-backed flash device.
//
// Each invocation is one power-on of the emulated device: an interrupted
// swap is resumed, a staged update installed, an unconfirmed image rolled
// back. Killing the process at any point behaves like a power cut.
//
// Usage:
//
//	go run ./cmd/emulator --logtostderr --flash=/tmp/dev.bin --anchor=/tmp/anchor.json --stage=fw.img
//	go run ./cmd/emulator --logtostderr --flash=/tmp/dev.bin --anchor=/tmp/anchor.json --confirm --status
package main

import (
	"flag"

	"github.com/transparency-dev/swapboot/cmd/emulator/impl"
	"k8s.io/klog/v2"
)

var (
	flashPath        = flag.String("flash", "", "File backing the emulated flash device, created if missing.")
	anchorPath       = flag.String("anchor", "", "JSON trust anchor file.")
	verifierKey      = flag.String("init_verifier_key", "", "If set, provision a new trust anchor with this note verifier key.")
	sectorSize       = flag.Int("sector_size", 4096, "Flash sector size in bytes.")
	sectors          = flag.Int("sectors", 65, "Number of flash sectors, split into BOOT, UPDATE and one SWAP sector.")
	eraseBeforeWrite = flag.Bool("erase_before_write", true, "Emulate NOR flash, where writes can only clear bits.")
	stage            = flag.String("stage", "", "Image file to stage for installation before booting.")
	confirm          = flag.Bool("confirm", false, "Confirm the booted image.")
	status           = flag.Bool("status", false, "Print the bootloader status.")
	serveAddr        = flag.String("serve", "", "If set, serve the application API over JSON-RPC on this TCP address after booting.")
	allowDowngrade   = flag.Bool("allow_downgrade", false, "Install staged images which are not newer than the current one.")
	fallback         = flag.Bool("emergency_fallback", false, "Restore the backup image if a confirmed image fails verification.")
	bumpMinVersion   = flag.Bool("bump_min_version", true, "Raise the anchor minimum version to every confirmed image version.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flashPath == "" || *anchorPath == "" {
		klog.Exit("--flash and --anchor are required")
	}

	opts := impl.EmulatorOpts{
		FlashPath:        *flashPath,
		AnchorPath:       *anchorPath,
		VerifierKey:      *verifierKey,
		SectorSize:       *sectorSize,
		Sectors:          *sectors,
		EraseBeforeWrite: *eraseBeforeWrite,
		StagePath:        *stage,
		Confirm:          *confirm,
		Status:           *status,
		ServeAddr:        *serveAddr,
	}
	opts.Boot.AllowDowngrade = *allowDowngrade
	opts.Boot.EmergencyFallback = *fallback
	opts.Boot.BumpMinVersion = *bumpMinVersion

	if _, err := impl.Main(opts); err != nil {
		klog.Exitf("Boot failed: %v", err)
	}
}
