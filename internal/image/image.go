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

// Package image parses the header of firmware images stored in flash.
//
// An image is laid out as:
//
//	offset  size  field
//	0       4     magic (little endian)
//	4       4     payload size (little endian)
//	8       ...   TLV fields, up to HeaderSize
//	1024    n     payload
//
// Parsing never trusts a length read from flash before checking that the
// field it describes is contained in the header, and never copies more than
// the fixed size header into RAM.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/transparency-dev/swapboot/internal/crypto"
)

const (
	// Magic identifies a firmware image header ("FIMG").
	Magic uint32 = 0x474d4946
	// HeaderSize is the fixed size of the header, the payload immediately
	// follows it.
	HeaderSize = 1024

	tlvStart  = 8
	tlvHdrLen = 4
	padding   = 0xff
)

// Known TLV tags.
const (
	TagEnd        uint16 = 0x0000
	TagVersion    uint16 = 0x0001
	TagTimestamp  uint16 = 0x0002
	TagSHA256     uint16 = 0x0003
	TagImageType  uint16 = 0x0004
	TagPubKeyHint uint16 = 0x0010
	TagSHA3_384   uint16 = 0x0013
	TagSHA384     uint16 = 0x0014
	TagSignature  uint16 = 0x0020
)

// Image kinds, stored in the low byte of the image type field.
const (
	KindApplication uint8 = 0x01
	KindBootloader  uint8 = 0x02
)

var (
	// ErrParse is wrapped by every error returned by Parse because of the
	// content of the image.
	ErrParse = errors.New("image parse error")

	ErrTruncatedHeader    = fmt.Errorf("%w: truncated header", ErrParse)
	ErrBadMagic           = fmt.Errorf("%w: bad magic", ErrParse)
	ErrFieldOverflow      = fmt.Errorf("%w: field overflow", ErrParse)
	ErrMissingRequiredTag = fmt.Errorf("%w: missing required tag", ErrParse)
	ErrUnsignedField      = fmt.Errorf("%w: authenticated field outside signed area", ErrParse)
	ErrBadField           = fmt.Errorf("%w: malformed field", ErrParse)
)

// Region is a bounded window into a flash device.
type Region struct {
	Off  int64
	Size int64
}

// Field locates a TLV value inside the header.
type Field struct {
	// Off is the offset of the value from the start of the header.
	Off int
	Len int
}

// Type is the content of the image type field.
type Type struct {
	Kind uint8
	Auth crypto.SigAlgo
}

// Descriptor describes a parsed image header.
type Descriptor struct {
	Region      Region
	PayloadSize uint32

	Version uint32
	// Timestamp is 0 when the image carries no timestamp.
	Timestamp uint64
	Type      Type
	HasType   bool

	Hash crypto.HashAlgo
	// SignedLen is the number of header bytes covered by the digest, i.e. the
	// offset of the digest TLV entry.
	SignedLen  int
	Digest     Field
	Signature  Field
	PubKeyHint Field

	header [HeaderSize]byte
}

// PayloadOffset returns the absolute device offset of the payload.
func (d *Descriptor) PayloadOffset() int64 {
	return d.Region.Off + HeaderSize
}

// TotalSize returns the number of bytes occupied by the image.
func (d *Descriptor) TotalSize() int64 {
	return HeaderSize + int64(d.PayloadSize)
}

// Bytes returns a copy of the header bytes located by f.
func (d *Descriptor) Bytes(f Field) []byte {
	r := make([]byte, f.Len)
	copy(r, d.header[f.Off:f.Off+f.Len])
	return r
}

// SignedHeader returns the header prefix covered by the digest.
func (d *Descriptor) SignedHeader() []byte {
	return d.header[:d.SignedLen]
}

// HasPubKeyHint reports whether the image names the key it was signed with.
func (d *Descriptor) HasPubKeyHint() bool {
	return d.PubKeyHint.Len > 0
}

// FindTag returns the first field with the given tag, including vendor tags
// which are otherwise ignored.
func (d *Descriptor) FindTag(tag uint16) (Field, bool) {
	var r Field
	found := false
	_ = walk(d.header[:], func(t uint16, f Field) error {
		if t == tag && !found {
			r, found = f, true
		}
		return nil
	})
	return r, found
}

// Parse reads and validates the image header stored at the start of r.
//
// Errors caused by the image content wrap ErrParse, errors from dev are
// returned wrapped as they are.
func Parse(dev io.ReaderAt, r Region) (*Descriptor, error) {
	if r.Off < 0 || r.Size < HeaderSize {
		return nil, fmt.Errorf("%w: region of %d bytes", ErrTruncatedHeader, r.Size)
	}
	d := &Descriptor{Region: r}
	if _, err := dev.ReadAt(d.header[:], r.Off); err != nil {
		return nil, fmt.Errorf("read header at %d: %w", r.Off, err)
	}
	h := d.header[:]
	if m := binary.LittleEndian.Uint32(h); m != Magic {
		return nil, fmt.Errorf("%w: %#08x", ErrBadMagic, m)
	}
	d.PayloadSize = binary.LittleEndian.Uint32(h[4:])
	if int64(d.PayloadSize) > r.Size-HeaderSize {
		return nil, fmt.Errorf("%w: payload of %d bytes in a region of %d", ErrFieldOverflow, d.PayloadSize, r.Size)
	}

	var hasVersion, hasTimestamp bool
	digestAt := -1
	err := walk(h, func(tag uint16, f Field) error {
		v := h[f.Off : f.Off+f.Len]
		switch tag {
		case TagVersion, TagTimestamp, TagImageType:
			if digestAt >= 0 {
				return fmt.Errorf("%w: tag %#04x", ErrUnsignedField, tag)
			}
		}
		switch tag {
		case TagVersion:
			if hasVersion || f.Len != 4 {
				return fmt.Errorf("%w: version", ErrBadField)
			}
			hasVersion = true
			d.Version = binary.LittleEndian.Uint32(v)
		case TagTimestamp:
			if hasTimestamp || f.Len != 8 {
				return fmt.Errorf("%w: timestamp", ErrBadField)
			}
			hasTimestamp = true
			d.Timestamp = binary.LittleEndian.Uint64(v)
		case TagImageType:
			if d.HasType || f.Len != 2 {
				return fmt.Errorf("%w: image type", ErrBadField)
			}
			d.HasType = true
			d.Type = Type{Kind: v[0], Auth: crypto.SigAlgo(v[1])}
		case TagSHA256, TagSHA384, TagSHA3_384:
			algo := digestAlgo(tag)
			if digestAt >= 0 || f.Len != algo.Size() {
				return fmt.Errorf("%w: digest tag %#04x", ErrBadField, tag)
			}
			digestAt = f.Off - tlvHdrLen
			d.Hash = algo
			d.Digest = f
		case TagPubKeyHint:
			if d.HasPubKeyHint() || f.Len == 0 {
				return fmt.Errorf("%w: key hint", ErrBadField)
			}
			d.PubKeyHint = f
		case TagSignature:
			if d.Signature.Len > 0 || f.Len == 0 {
				return fmt.Errorf("%w: signature", ErrBadField)
			}
			d.Signature = f
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case !hasVersion:
		return nil, fmt.Errorf("%w: version", ErrMissingRequiredTag)
	case digestAt < 0:
		return nil, fmt.Errorf("%w: digest", ErrMissingRequiredTag)
	case d.Signature.Len == 0:
		return nil, fmt.Errorf("%w: signature", ErrMissingRequiredTag)
	case d.HasPubKeyHint() && d.PubKeyHint.Len != d.Hash.Size():
		return nil, fmt.Errorf("%w: key hint of %d bytes with %v digest", ErrBadField, d.PubKeyHint.Len, d.Hash)
	}
	d.SignedLen = digestAt
	return d, nil
}

// walk calls fn for every TLV entry in the header h, stopping at the end tag
// or at the end of the header.
func walk(h []byte, fn func(tag uint16, f Field) error) error {
	off := tlvStart
	for off < len(h) {
		if h[off] == padding {
			off++
			continue
		}
		if len(h)-off < tlvHdrLen {
			return fmt.Errorf("%w: TLV entry at %d", ErrFieldOverflow, off)
		}
		tag := binary.LittleEndian.Uint16(h[off:])
		if tag == TagEnd {
			return nil
		}
		l := int(binary.LittleEndian.Uint16(h[off+2:]))
		v := off + tlvHdrLen
		if l > len(h)-v {
			return fmt.Errorf("%w: tag %#04x at %d has length %d", ErrFieldOverflow, tag, off, l)
		}
		if err := fn(tag, Field{Off: v, Len: l}); err != nil {
			return err
		}
		off = v + l
	}
	return nil
}

func digestAlgo(tag uint16) crypto.HashAlgo {
	switch tag {
	case TagSHA256:
		return crypto.SHA256
	case TagSHA384:
		return crypto.SHA384
	case TagSHA3_384:
		return crypto.SHA3_384
	}
	return crypto.HashUnknown
}
