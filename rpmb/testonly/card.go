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

// Package testonly provides an emulated RPMB card.
package testonly

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transparency-dev/swapboot/rpmb"
)

// Card emulates the RPMB partition of an eMMC, implementing rpmb.Card.
type Card struct {
	// Sectors is the number of addressable RPMB sectors.
	Sectors int
	// StaleCounter makes the card report an unchanged write counter after a
	// write, as a replayed response would.
	StaleCounter bool

	key        [rpmb.KeyLength]byte
	programmed bool
	counter    uint32
	data       map[uint16][rpmb.DataLength]byte

	// last is the response returned by the next ReadRPMB call, result is the
	// outcome of the last write, returned after a result read request.
	last   *rpmb.DataFrame
	result *rpmb.DataFrame
}

// NewCard returns an emulated card with no key programmed.
func NewCard(sectors int) *Card {
	return &Card{
		Sectors: sectors,
		data:    make(map[uint16][rpmb.DataLength]byte),
	}
}

// Counter returns the card write counter.
func (c *Card) Counter() uint32 {
	return c.counter
}

// WriteRPMB implements rpmb.Card.
func (c *Card) WriteRPMB(buf []byte, _ bool) error {
	if len(buf) != rpmb.FrameLength {
		return fmt.Errorf("invalid frame length %d", len(buf))
	}
	req := &rpmb.DataFrame{}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, req); err != nil {
		return err
	}

	res := &rpmb.DataFrame{Resp: req.Req}
	switch req.Req {
	case rpmb.AuthenticationKeyProgramming:
		if c.programmed {
			setResult(res, rpmb.WriteFailure)
		} else {
			c.key = req.KeyMAC
			c.programmed = true
		}
		c.result = res
		c.last = nil
		return nil

	case rpmb.ResultRead:
		if c.result == nil {
			return errors.New("no result to read")
		}
		c.last, c.result = c.result, nil
		return nil

	case rpmb.WriteCounterRead:
		res.Nonce = req.Nonce
		if !c.programmed {
			setResult(res, rpmb.AuthenticationKeyNotYetProgrammed)
			break
		}
		binary.BigEndian.PutUint32(res.WriteCounter[:], c.counter)

	case rpmb.AuthenticatedDataWrite:
		res.Address = req.Address
		c.write(req, buf, res)
		c.result = res
		c.last = nil
		return c.sign(res)

	case rpmb.AuthenticatedDataRead:
		res.Nonce = req.Nonce
		res.Address = req.Address
		res.BlockCount = req.BlockCount
		if !c.programmed {
			setResult(res, rpmb.AuthenticationKeyNotYetProgrammed)
			break
		}
		addr := binary.BigEndian.Uint16(req.Address[:])
		if int(addr) >= c.Sectors {
			setResult(res, rpmb.AddressFailure)
			break
		}
		res.Data = c.data[addr]

	default:
		setResult(res, rpmb.GeneralFailure)
	}
	c.last = res
	return c.sign(res)
}

func (c *Card) write(req *rpmb.DataFrame, raw []byte, res *rpmb.DataFrame) {
	binary.BigEndian.PutUint32(res.WriteCounter[:], c.counter)
	if !c.programmed {
		setResult(res, rpmb.AuthenticationKeyNotYetProgrammed)
		return
	}
	mac := hmac.New(sha256.New, c.key[:])
	mac.Write(raw[rpmb.FrameLength-rpmb.MACOffset:])
	if !hmac.Equal(mac.Sum(nil), req.KeyMAC[:]) {
		setResult(res, rpmb.AuthenticationFailure)
		return
	}
	if req.Counter() != c.counter {
		setResult(res, rpmb.CounterFailure)
		return
	}
	addr := binary.BigEndian.Uint16(req.Address[:])
	if int(addr) >= c.Sectors {
		setResult(res, rpmb.AddressFailure)
		return
	}
	c.data[addr] = req.Data
	c.counter++
	if !c.StaleCounter {
		binary.BigEndian.PutUint32(res.WriteCounter[:], c.counter)
	}
}

// sign computes the response MAC, when the card has a key.
func (c *Card) sign(res *rpmb.DataFrame) error {
	if !c.programmed {
		return nil
	}
	mac := hmac.New(sha256.New, c.key[:])
	mac.Write(res.Bytes()[rpmb.FrameLength-rpmb.MACOffset:])
	copy(res.KeyMAC[:], mac.Sum(nil))
	return nil
}

// ReadRPMB implements rpmb.Card.
func (c *Card) ReadRPMB(buf []byte) error {
	if c.last == nil {
		return errors.New("no response pending")
	}
	copy(buf, c.last.Bytes())
	c.last = nil
	return nil
}

func setResult(res *rpmb.DataFrame, r uint16) {
	binary.BigEndian.PutUint16(res.Result[:], r)
}
