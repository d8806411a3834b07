// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package in

import (
	"github.com/tsavola/weft/arch"
)

type Mod byte
type ModRO byte
type ModRM byte

const (
	ModMem       = Mod(0)
	ModMemDisp8  = Mod(64)
	ModMemDisp32 = Mod(128)
	ModReg       = Mod(192)
)

const (
	ModRMSIB    = ModRM(4)
	ModRMDisp32 = ModRM(5) // rip-relative with mod 0
)

type Scale byte

const (
	Scale0 = Scale(0)
	Scale1 = Scale(64)
	Scale2 = Scale(128)
	Scale3 = Scale(192)
)

// ScaleOf converts a memory operand's scale factor.
func ScaleOf(factor int) Scale {
	switch factor {
	case 2:
		return Scale1
	case 4:
		return Scale2
	case 8:
		return Scale3
	default:
		return Scale0
	}
}

func regRO(r arch.Reg) ModRO { return ModRO((r & 7) << 3) }
func regRM(r arch.Reg) ModRM { return ModRM(r & 7) }
