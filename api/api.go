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

// Package api defines the boot status record exchanged between the
// bootloader and the applications or tools which inspect it.
//
// The record is encoded in the protocol buffer wire format, using the field
// numbers listed below, so that it can be decoded by any protobuf runtime.
package api

import (
	"bytes"
	"fmt"

	"github.com/transparency-dev/swapboot/internal/image"
	"google.golang.org/protobuf/encoding/protowire"
)

// Outcome is the decision taken by the last boot.
type Outcome int32

const (
	OutcomeNone Outcome = iota
	// OutcomeBooted: the image in BOOT was started unchanged.
	OutcomeBooted
	// OutcomeUpdated: a staged image was swapped in and started.
	OutcomeUpdated
	// OutcomeRolledBack: the previous image was restored and started.
	OutcomeRolledBack
	// OutcomeHalted: no image could be trusted.
	OutcomeHalted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeBooted:
		return "booted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRolledBack:
		return "rolled back"
	case OutcomeHalted:
		return "halted"
	}
	return fmt.Sprintf("Outcome(%d)", int32(o))
}

// Field numbers of the Status message.
const (
	fieldBootVersion   protowire.Number = 1
	fieldUpdateVersion protowire.Number = 2
	fieldBootState     protowire.Number = 3
	fieldUpdateState   protowire.Number = 4
	fieldMinVersion    protowire.Number = 5
	fieldLastOutcome   protowire.Number = 6
	fieldError         protowire.Number = 7
)

// Status describes the partitions and the last boot decision.
type Status struct {
	BootVersion   uint32
	UpdateVersion uint32
	BootState     string
	UpdateState   string
	MinVersion    uint32
	LastOutcome   Outcome
	// Error is the reason of the last failure, if any.
	Error string
}

// Bytes serializes the status.
func (p *Status) Bytes() (buf []byte) {
	appendUint := func(n protowire.Number, v uint64) {
		if v == 0 {
			return
		}
		buf = protowire.AppendTag(buf, n, protowire.VarintType)
		buf = protowire.AppendVarint(buf, v)
	}
	appendString := func(n protowire.Number, s string) {
		if s == "" {
			return
		}
		buf = protowire.AppendTag(buf, n, protowire.BytesType)
		buf = protowire.AppendString(buf, s)
	}

	appendUint(fieldBootVersion, uint64(p.BootVersion))
	appendUint(fieldUpdateVersion, uint64(p.UpdateVersion))
	appendString(fieldBootState, p.BootState)
	appendString(fieldUpdateState, p.UpdateState)
	appendUint(fieldMinVersion, uint64(p.MinVersion))
	appendUint(fieldLastOutcome, uint64(p.LastOutcome))
	appendString(fieldError, p.Error)

	return
}

// Unmarshal parses a serialized status into p. Unknown fields are skipped.
func (p *Status) Unmarshal(b []byte) error {
	*p = Status{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("invalid tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("invalid field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldBootVersion:
				p.BootVersion = uint32(v)
			case fieldUpdateVersion:
				p.UpdateVersion = uint32(v)
			case fieldMinVersion:
				p.MinVersion = uint32(v)
			case fieldLastOutcome:
				p.LastOutcome = Outcome(v)
			}
		case typ == protowire.BytesType && isStringField(num):
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("invalid field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldBootState:
				p.BootState = s
			case fieldUpdateState:
				p.UpdateState = s
			case fieldError:
				p.Error = s
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("invalid field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func isVarintField(n protowire.Number) bool {
	switch n {
	case fieldBootVersion, fieldUpdateVersion, fieldMinVersion, fieldLastOutcome:
		return true
	}
	return false
}

func isStringField(n protowire.Number) bool {
	switch n {
	case fieldBootState, fieldUpdateState, fieldError:
		return true
	}
	return false
}

// Print returns the boot status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("---------------------------------------------------------- Boot status ----\n")
	status.WriteString(fmt.Sprintf("BOOT ...................: %s (%s)\n", image.VersionString(p.BootVersion), p.BootState))
	status.WriteString(fmt.Sprintf("UPDATE .................: %s (%s)\n", image.VersionString(p.UpdateVersion), p.UpdateState))
	status.WriteString(fmt.Sprintf("Minimum version ........: %s\n", image.VersionString(p.MinVersion)))
	status.WriteString(fmt.Sprintf("Last outcome ...........: %v", p.LastOutcome))
	if p.Error != "" {
		status.WriteString(fmt.Sprintf("\nError ..................: %s", p.Error))
	}

	return status.String()
}
