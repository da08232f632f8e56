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

// Package anchor holds the trust anchor: the provisioned verification key and
// the minimum firmware version the device will accept.
//
// The minimum version only ever increases.
package anchor

import (
	"sync"

	"github.com/transparency-dev/swapboot/internal/crypto"
)

// Anchor is a snapshot of the trust anchor.
type Anchor struct {
	Key        crypto.PublicKey
	MinVersion uint32
}

// Store provides access to the trust anchor.
type Store interface {
	// Load returns the current trust anchor.
	Load() (Anchor, error)
	// AdvanceMinVersion raises the minimum version to v. Requests which
	// would lower the minimum are no-ops, so calling it again with the same
	// version is safe.
	AdvanceMinVersion(v uint32) error
}

// Memory is an in-memory Store.
type Memory struct {
	mu sync.Mutex
	a  Anchor
	// writes counts the updates which changed the minimum version.
	writes int
}

// NewMemory returns a Memory store holding a.
func NewMemory(a Anchor) *Memory {
	return &Memory{a: a}
}

// Load implements Store.
func (m *Memory) Load() (Anchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.a, nil
}

// AdvanceMinVersion implements Store.
func (m *Memory) AdvanceMinVersion(v uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v > m.a.MinVersion {
		m.a.MinVersion = v
		m.writes++
	}
	return nil
}

// Writes returns the number of times the minimum version was raised.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
