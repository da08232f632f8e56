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

//go:build tamago && arm

package usbarmory

import (
	"fmt"

	"github.com/transparency-dev/swapboot/anchor"
	"github.com/transparency-dev/swapboot/internal/boot"
	"github.com/transparency-dev/swapboot/internal/crypto"
	"github.com/transparency-dev/swapboot/internal/partition"
	mk2 "github.com/usbarmory/tamago/board/usbarmory/mk2"
)

const (
	// firstBlock is the first MMC block managed by the bootloader.
	firstBlock = 0x5000
	// SectorSize is the unit in which images are swapped.
	SectorSize = 128 * 1024
	// PartitionSectors is the size of BOOT and UPDATE, trailer included.
	PartitionSectors = 64
)

// Layout places BOOT, UPDATE and a single SWAP sector back to back.
var Layout = partition.Layout{
	Boot:   partition.Area{FirstSector: 0, Sectors: PartitionSectors},
	Update: partition.Area{FirstSector: PartitionSectors, Sectors: PartitionSectors},
	Swap:   partition.Area{FirstSector: 2 * PartitionSectors, Sectors: 1},
}

// Open returns a boot selector over the internal eMMC, with key as the
// provisioned signer and the minimum version kept in RPMB. It's the entry
// point for bootloader firmware built with tamago, which then calls
// SelectAndVerify and jumps to the returned target.
func Open(key crypto.PublicKey, opts boot.Options) (*boot.Selector, error) {
	card := mk2.MMC
	if err := card.Detect(); err != nil {
		return nil, fmt.Errorf("could not detect eMMC: %v", err)
	}
	dev, err := NewMMC(card, card.Info().BlockSize, firstBlock, SectorSize, 2*PartitionSectors+1)
	if err != nil {
		return nil, err
	}
	p, err := openRPMB(card)
	if err != nil {
		return nil, fmt.Errorf("RPMB: %w", err)
	}
	return boot.New(dev, Layout, anchor.NewRPMBStore(key, p), opts)
}
