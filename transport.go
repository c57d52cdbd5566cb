// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package router

// Transport carries Ethernet frames between the router and the outside
// world, eg. a virtual testbed or a tap device.
type Transport interface {
	// SendFrame emits a raw Ethernet frame on the named interface.
	// The frame buffer is only valid for the duration of the call and
	// must not be retained or mutated by the implementation.
	SendFrame(ifaceName string, frame []byte) error
}
