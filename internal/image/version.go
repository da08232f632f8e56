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

package image

import (
	"fmt"

	"github.com/coreos/go-semver/semver"
)

// PackVersion encodes a semantic version into the 32 bit image version:
// major in the top byte, minor in the next one and patch in the low 16 bits,
// so that the packed values order like the versions they encode.
func PackVersion(v semver.Version) (uint32, error) {
	if v.Major < 0 || v.Major > 0xff || v.Minor < 0 || v.Minor > 0xff || v.Patch < 0 || v.Patch > 0xffff {
		return 0, fmt.Errorf("version %s out of range", v)
	}
	if v.PreRelease != "" {
		return 0, fmt.Errorf("pre-release version %s can't be packed", v)
	}
	return uint32(v.Major)<<24 | uint32(v.Minor)<<16 | uint32(v.Patch), nil
}

// ParseVersion parses a "MAJOR.MINOR.PATCH" string into a packed version.
func ParseVersion(s string) (uint32, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return 0, err
	}
	return PackVersion(*v)
}

// UnpackVersion decodes a packed image version.
func UnpackVersion(v uint32) semver.Version {
	return semver.Version{
		Major: int64(v >> 24),
		Minor: int64(v >> 16 & 0xff),
		Patch: int64(v & 0xffff),
	}
}

// VersionString formats a packed image version.
func VersionString(v uint32) string {
	s := UnpackVersion(v)
	return s.String()
}
