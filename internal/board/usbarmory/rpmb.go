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
	"bytes"
	"crypto/aes"
	"errors"
	"fmt"

	"github.com/transparency-dev/swapboot/anchor"
	"github.com/transparency-dev/swapboot/rpmb"
	"github.com/usbarmory/crucible/otp"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"github.com/usbarmory/tamago/soc/nxp/usdhc"
	"k8s.io/klog/v2"
)

const (
	// RPMB OTP flag bank
	rpmbFuseBank = 4
	// RPMB OTP flag word
	rpmbFuseWord = 6
)

// openRPMB sets up authenticated access to the RPMB partition of card,
// programming the MAC key on first use.
func openRPMB(card *usdhc.USDHC) (*rpmb.RPMB, error) {
	// derive key for RPBM MAC generation
	dk, err := imx6ul.DCP.DeriveKey([]byte(anchor.Diversifier), make([]byte, aes.BlockSize), -1)
	if err != nil {
		return nil, fmt.Errorf("could not derive RPMB key (%v)", err)
	}
	uid := imx6ul.UniqueID()

	p, err := rpmb.Init(card, anchor.DeriveRPMBKey(dk, uid[:]), anchor.DummySector, false)
	if err != nil {
		return nil, err
	}

	var e *rpmb.OperationError
	_, err = p.Counter(false)
	switch {
	case err == nil:
		// invalidate uncommitted writes (CVE-2020-13799)
		if err := p.Write(anchor.DummySector, nil); err != nil {
			return nil, fmt.Errorf("dummy write: %w", err)
		}
		return p, nil
	case !(errors.As(err, &e) && e.Result == rpmb.AuthenticationKeyNotYetProgrammed):
		return nil, err
	}

	// Fuse a bit to indicate previous key programming to prevent malicious
	// eMMC replacement to intercept ProgramKey().
	//
	// If already fused refuse to do any programming and bail.
	if res, err := otp.ReadOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1); err != nil || bytes.Equal(res, []byte{1}) {
		return nil, fmt.Errorf("could not read RPMB program key flag (%x, %v)", res, err)
	}
	if err := otp.BlowOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1, []byte{1}); err != nil {
		return nil, fmt.Errorf("could not fuse RPMB program key flag (%v)", err)
	}

	klog.Info("RPMB authentication key not yet programmed, programming")

	if err := p.ProgramKey(); err != nil {
		return nil, fmt.Errorf("could not program RPMB key: %w", err)
	}
	return p, nil
}
