// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package execblock

import (
	"unsafe"

	"github.com/tsavola/weft/arch"
)

const contextSize = unsafe.Sizeof(arch.Context{})

func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func contextAt(data []byte) *arch.Context {
	return (*arch.Context)(unsafe.Pointer(&data[0]))
}
