// Copyright (c) 2026, Google LLC All rights reserved.
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

// Package vtlguard temporarily lets a lower virtual trust level access pages
// owned by the paravisor. Access is granted when a Guard is created and taken
// back when it is released.
//
// A paravisor relaying TDISP commands for a lower VTL wraps the shared
// response page, or the MMIO pages of an assigned device, in a Guard for as
// long as the host or the lower VTL may touch them.
package vtlguard

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// Permissions are the map flags applied to a guest physical page.
type Permissions uint32

// Map flags.
const (
	PermissionRead          Permissions = 1 << 0
	PermissionWrite         Permissions = 1 << 1
	PermissionKernelExecute Permissions = 1 << 2
	PermissionUserExecute   Permissions = 1 << 3
	PermissionsNone         Permissions = 0
	PermissionsAll                      = PermissionRead | PermissionWrite | PermissionKernelExecute | PermissionUserExecute
	PermissionsReadWrite                = PermissionRead | PermissionWrite
)

// ErrNoPages indicates a guard over an empty page list.
var ErrNoPages = errors.New("no pages to guard")

// Protector changes the lower-VTL permissions of one page, identified by its
// page frame number. It is used on non-isolated partitions.
type Protector interface {
	ModifyVTLPageSetting(pfn uint64, perms Permissions) error
}

// Acceptor moves pages between trust levels through the isolation hardware.
// It is used on isolated partitions.
type Acceptor interface {
	ApplyProtectionsForVTL0(pfn uint64, perms Permissions) error
	ApplyProtectionsForVTL2(pfn uint64, perms Permissions) error
}

// Config selects how pages are exposed. When Acceptor is set the partition
// is isolated and the Protector is not used.
type Config struct {
	Protector Protector
	Acceptor  Acceptor
}

// Guard holds lower-VTL access to a set of pages.
type Guard struct {
	cfg   Config
	pages []uint64

	once sync.Once
}

// New grants lower-VTL read/write access to pfns. If any page cannot be
// granted, the pages already granted are reverted before the error is
// returned.
func New(cfg Config, pfns []uint64) (*Guard, error) {
	if len(pfns) == 0 {
		return nil, ErrNoPages
	}
	if cfg.Acceptor == nil && cfg.Protector == nil {
		return nil, errors.New("vtlguard: no protector or acceptor configured")
	}
	g := &Guard{cfg: cfg, pages: append([]uint64(nil), pfns...)}
	for i, pfn := range g.pages {
		if err := g.grant(pfn); err != nil {
			glog.Errorf("[vtlguard] failed to expose page %#x, rolling back %d pages: %v", pfn, i, err)
			g.revert(g.pages[:i])
			return nil, fmt.Errorf("failed to adjust page %#x for the lower VTL: %w", pfn, err)
		}
	}
	if glog.V(2) {
		glog.Infof("[vtlguard] exposed %d pages to the lower VTL", len(g.pages))
	}
	return g, nil
}

// Pages returns the guarded page frame numbers.
func (g *Guard) Pages() []uint64 {
	return append([]uint64(nil), g.pages...)
}

// Release takes back lower-VTL access. It panics if any page cannot be
// reverted, since the pages would otherwise stay exposed. Calls after the
// first do nothing.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.revert(g.pages)
		if glog.V(2) {
			glog.Infof("[vtlguard] returned %d pages to the paravisor", len(g.pages))
		}
	})
}

func (g *Guard) grant(pfn uint64) error {
	if g.cfg.Acceptor != nil {
		return g.cfg.Acceptor.ApplyProtectionsForVTL0(pfn, PermissionsReadWrite)
	}
	return g.cfg.Protector.ModifyVTLPageSetting(pfn, PermissionsAll)
}

// revert returns pages to the paravisor and panics on the first failure.
func (g *Guard) revert(pages []uint64) {
	for _, pfn := range pages {
		var err error
		if g.cfg.Acceptor != nil {
			err = g.cfg.Acceptor.ApplyProtectionsForVTL2(pfn, PermissionsReadWrite)
		} else {
			err = g.cfg.Protector.ModifyVTLPageSetting(pfn, PermissionsNone)
		}
		if err != nil {
			panic(fmt.Sprintf("failed to reset page protections on %#x: %v", pfn, err))
		}
	}
}
