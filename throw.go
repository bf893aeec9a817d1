// Copyright 2018 The Dragonwell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zgc

// throw reports a fatal invariant violation. These indicate a driver
// protocol violation or internal corruption, never a recoverable
// runtime condition, so they halt rather than unwind into recovery.
func throw(s string) {
	panic("zgc: " + s)
}
