// Copyright (c) 2024 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package execblock

// enter calls the block prologue at the given address.  The prologue
// saves the host context, runs guest code, and the epilogue eventually
// returns here with the host context restored.
//
//go:noescape
func enter(entry uintptr)
