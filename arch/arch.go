// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch defines the guest register state and the context image
// shared between the engine and generated code.
package arch

import (
	"github.com/tsavola/weft/event"
)

// W is the unsigned machine word used for all guest and host addresses.
type W uint64

// MemoryAccess is one recorded guest memory access.
type MemoryAccess struct {
	InstAddress   W // Address of the accessing instruction.
	AccessAddress W
	Size          uint16
	Type          event.AccessType
}
