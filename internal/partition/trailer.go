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
	"encoding/binary"
	"fmt"
)

// TrailerMagic marks a written trailer ("BOOT").
const TrailerMagic uint32 = 0x544f4f42

// trailerFixedLen is the size of the trailer fields which precede the
// sector flags: magic, state, version and swap count.
const trailerFixedLen = 13

// State is the state recorded in a partition trailer.
type State int

const (
	// StateAbsent is reported when the trailer magic is missing.
	StateAbsent State = iota
	// StateInvalid is reported when the magic is present but the state
	// byte holds an unknown value.
	StateInvalid
	StateNew
	StateUpdating
	StateRollingBack
	StateTesting
	StateImgOK
)

// On-flash state values. The in-place transitions UPDATING -> TESTING ->
// IMG_OK and ROLLING_BACK -> IMG_OK only clear bits, and no partially
// programmed byte along them decodes as another state.
const (
	stateNew         byte = 0xff
	stateUpdating    byte = 0x70
	stateRollingBack byte = 0x0f
	stateTesting     byte = 0x10
	stateImgOK       byte = 0x00
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "ABSENT"
	case StateInvalid:
		return "INVALID"
	case StateNew:
		return "NEW"
	case StateUpdating:
		return "UPDATING"
	case StateRollingBack:
		return "ROLLING_BACK"
	case StateTesting:
		return "TESTING"
	case StateImgOK:
		return "IMG_OK"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// encode returns the on-flash value of s, ok is false for the states which
// can't be stored.
func (s State) encode() (b byte, ok bool) {
	switch s {
	case StateNew:
		return stateNew, true
	case StateUpdating:
		return stateUpdating, true
	case StateRollingBack:
		return stateRollingBack, true
	case StateTesting:
		return stateTesting, true
	case StateImgOK:
		return stateImgOK, true
	}
	return 0, false
}

func decodeState(b byte) State {
	switch b {
	case stateNew:
		return StateNew
	case stateUpdating:
		return StateUpdating
	case stateRollingBack:
		return StateRollingBack
	case stateTesting:
		return StateTesting
	case stateImgOK:
		return StateImgOK
	}
	return StateInvalid
}

// SectorFlag records the progress of the swap of one sector.
type SectorFlag uint8

const (
	// FlagNew: nothing done yet.
	FlagNew SectorFlag = 0xf
	// FlagSaved: BOOT[s] copied to SWAP.
	FlagSaved SectorFlag = 0x7
	// FlagInstalled: UPDATE[s] copied to BOOT[s].
	FlagInstalled SectorFlag = 0x3
	// FlagRestored: SWAP copied to UPDATE[s].
	FlagRestored SectorFlag = 0x1
	// FlagDone: SWAP erased.
	FlagDone SectorFlag = 0x0
)

// Valid reports whether f is one of the defined flags.
func (f SectorFlag) Valid() bool {
	switch f {
	case FlagNew, FlagSaved, FlagInstalled, FlagRestored, FlagDone:
		return true
	}
	return false
}

func (f SectorFlag) String() string {
	switch f {
	case FlagNew:
		return "NEW"
	case FlagSaved:
		return "SAVED"
	case FlagInstalled:
		return "INSTALLED"
	case FlagRestored:
		return "RESTORED"
	case FlagDone:
		return "DONE"
	}
	return fmt.Sprintf("SectorFlag(%#x)", uint8(f))
}

// Trailer is the decoded content of a partition trailer.
type Trailer struct {
	State State
	// Version is the image version the trailer refers to.
	Version uint32
	// SwapCount is the number of image sectors covered by a swap.
	SwapCount uint32
	// Flags holds one flag per image sector. Only the BOOT trailer uses
	// them, they're left NEW elsewhere.
	Flags []SectorFlag
	// Raw is the on-flash state byte.
	Raw byte
}

// TrailerLen returns the size of the trailer of a partition with the given
// number of image sectors.
func TrailerLen(imageSectors int) int {
	return trailerFixedLen + flagBytes(imageSectors)
}

func flagBytes(imageSectors int) int {
	return (imageSectors + 1) / 2
}

// flagPos returns the index, within an encoded trailer of length l, of the
// byte holding the flag for sector s, and the shift of its nibble.
func flagPos(l, s int) (int, uint) {
	return l - trailerFixedLen - 1 - s/2, uint(s%2) * 4
}

// encodeTrailer serialises t for a partition with the given number of image
// sectors. The last byte of the result is the last byte of the partition.
func encodeTrailer(t Trailer, imageSectors int) ([]byte, error) {
	sb, ok := t.State.encode()
	if !ok {
		return nil, fmt.Errorf("can't store state %v", t.State)
	}
	l := TrailerLen(imageSectors)
	b := make([]byte, l)
	for i := range b[:l-trailerFixedLen] {
		b[i] = 0xff
	}
	binary.LittleEndian.PutUint32(b[l-4:], TrailerMagic)
	b[l-5] = sb
	binary.LittleEndian.PutUint32(b[l-9:], t.Version)
	binary.LittleEndian.PutUint32(b[l-13:], t.SwapCount)
	for s, f := range t.Flags {
		if s >= imageSectors {
			return nil, fmt.Errorf("flag for sector %d in a partition of %d image sectors", s, imageSectors)
		}
		i, shift := flagPos(l, s)
		b[i] = b[i]&^(0xf<<shift) | byte(f&0xf)<<shift
	}
	return b, nil
}

// decodeTrailer parses an encoded trailer.
func decodeTrailer(b []byte, imageSectors int) Trailer {
	l := len(b)
	if binary.LittleEndian.Uint32(b[l-4:]) != TrailerMagic {
		return Trailer{State: StateAbsent}
	}
	t := Trailer{
		Raw:       b[l-5],
		State:     decodeState(b[l-5]),
		Version:   binary.LittleEndian.Uint32(b[l-9:]),
		SwapCount: binary.LittleEndian.Uint32(b[l-13:]),
		Flags:     make([]SectorFlag, imageSectors),
	}
	for s := range t.Flags {
		i, shift := flagPos(l, s)
		t.Flags[s] = SectorFlag(b[i]>>shift) & 0xf
	}
	return t
}
