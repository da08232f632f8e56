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

// Package impl is the implementation of the bootloader emulator.
package impl

import (
	"errors"
	"fmt"
	"io"
	"net"
	netrpc "net/rpc"
	"net/rpc/jsonrpc"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/transparency-dev/swapboot/anchor"
	"github.com/transparency-dev/swapboot/flash"
	"github.com/transparency-dev/swapboot/internal/boot"
	"github.com/transparency-dev/swapboot/internal/image"
	"github.com/transparency-dev/swapboot/internal/partition"
	"github.com/transparency-dev/swapboot/internal/rpc"
	"k8s.io/klog/v2"
)

// EmulatorOpts encapsulates the parameters for running the emulator.
type EmulatorOpts struct {
	// FlashPath is the file backing the emulated flash device.
	FlashPath string
	// AnchorPath is the JSON trust anchor.
	AnchorPath string
	// VerifierKey, when set, provisions a new trust anchor at AnchorPath.
	VerifierKey string

	SectorSize       int
	Sectors          int
	EraseBeforeWrite bool

	// StagePath is an image file to stage for installation before booting.
	StagePath string
	// Confirm marks the booted image as good.
	Confirm bool
	// Status prints the bootloader status after booting.
	Status bool
	// ServeAddr, when set, is a TCP address where the application API is
	// served over JSON-RPC after booting, until the listener fails.
	ServeAddr string

	Boot boot.Options

	// Out receives the emulator output, os.Stdout if nil.
	Out io.Writer
}

// Layout splits a device of the given number of sectors into two equal
// BOOT and UPDATE partitions followed by a single SWAP sector.
func Layout(sectors int) (partition.Layout, error) {
	if sectors < 5 || sectors%2 == 0 {
		return partition.Layout{}, fmt.Errorf("need an odd number of at least 5 sectors, got %d", sectors)
	}
	n := (sectors - 1) / 2
	return partition.Layout{
		Boot:   partition.Area{FirstSector: 0, Sectors: n},
		Update: partition.Area{FirstSector: n, Sectors: n},
		Swap:   partition.Area{FirstSector: 2 * n, Sectors: 1},
	}, nil
}

// Main is the entry point for the emulator. It runs one boot of the
// emulated device, and returns the image selected for execution.
func Main(opts EmulatorOpts) (boot.Target, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	l, err := Layout(opts.Sectors)
	if err != nil {
		return boot.Target{}, err
	}
	geo := flash.Geometry{
		SectorSize:       opts.SectorSize,
		Sectors:          opts.Sectors,
		EraseBeforeWrite: opts.EraseBeforeWrite,
		ErasedValue:      0xff,
	}
	dev, err := flash.OpenFile(opts.FlashPath, geo)
	if err != nil {
		return boot.Target{}, fmt.Errorf("flash: %w", err)
	}
	defer dev.Close()

	if opts.VerifierKey != "" {
		if _, err := os.Stat(opts.AnchorPath); err == nil {
			return boot.Target{}, fmt.Errorf("anchor %q already exists", opts.AnchorPath)
		}
		if err := anchor.WriteFile(opts.AnchorPath, opts.VerifierKey, 0); err != nil {
			return boot.Target{}, fmt.Errorf("provision anchor: %w", err)
		}
		klog.Infof("Provisioned trust anchor %q", opts.AnchorPath)
	}
	store, err := anchor.OpenFile(opts.AnchorPath)
	if err != nil {
		return boot.Target{}, err
	}

	bo := opts.Boot
	bar := progress(out)
	bo.OnProgress = bar.update
	s, err := boot.New(dev, l, store, bo)
	if err != nil {
		return boot.Target{}, err
	}

	if opts.StagePath != "" {
		img, err := os.ReadFile(opts.StagePath)
		if err != nil {
			return boot.Target{}, fmt.Errorf("failed to read image: %v", err)
		}
		if err := s.StageUpdate(img); err != nil {
			return boot.Target{}, fmt.Errorf("StageUpdate: %w", err)
		}
		fmt.Fprintf(out, "Staged %s\n", image.VersionString(s.UpdateVersion()))
	}

	tgt, err := s.SelectAndVerify()
	bar.finish()
	if err != nil {
		if st, serr := s.Status(); serr == nil && opts.Status {
			fmt.Fprintln(out, st.Print())
		}
		return boot.Target{}, err
	}
	fmt.Fprintf(out, "Booting %s: entry %#x, %d bytes, %v\n", image.VersionString(tgt.Version), tgt.EntryOffset, tgt.Size, tgt.State)

	if opts.Confirm {
		if err := confirm(out, s, tgt.Version); err != nil {
			return tgt, err
		}
	}
	if opts.Status {
		st, err := s.Status()
		if err != nil {
			return tgt, err
		}
		fmt.Fprintln(out, st.Print())
	}
	if opts.ServeAddr != "" {
		return tgt, serve(opts.ServeAddr, s, l, geo)
	}
	return tgt, nil
}

type confirmer interface {
	Confirm() error
}

// confirm marks the booted image as good and reports the outcome to out.
func confirm(out io.Writer, s confirmer, version uint32) error {
	err := s.Confirm()
	switch {
	case err == nil:
		fmt.Fprintf(out, "Confirmed %s\n", image.VersionString(version))
	case errors.Is(err, boot.ErrNotTesting):
		fmt.Fprintf(out, "Nothing to confirm: %v\n", err)
	default:
		return fmt.Errorf("Confirm: %w", err)
	}
	return nil
}

// serve runs the application API on addr, standing in for the running
// firmware's access to the bootloader.
func serve(addr string, s *boot.Selector, l partition.Layout, geo flash.Geometry) error {
	srv := netrpc.NewServer()
	limit := (l.Update.Sectors - 1) * geo.SectorSize
	if err := srv.RegisterName(rpc.ServiceName, rpc.New(s, limit)); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	klog.Infof("Serving %s on %s", rpc.ServiceName, ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go srv.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// swapProgress renders swap progress, the bar is only shown once a swap
// starts.
type swapProgress struct {
	w   io.Writer
	bar *pb.ProgressBar
}

func progress(w io.Writer) *swapProgress {
	return &swapProgress{w: w}
}

func (p *swapProgress) update(done, total int) {
	if p.bar == nil {
		p.bar = pb.New(total).SetWriter(p.w).SetTemplate(pb.Simple).Start()
	}
	p.bar.SetCurrent(int64(done))
}

func (p *swapProgress) finish() {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}
