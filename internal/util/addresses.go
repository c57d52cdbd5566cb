// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package util

import (
	"net/netip"

	"github.com/noisysockets/netstack/pkg/tcpip"
)

// AddrFrom returns a netip.Addr from a tcpip.Address.
func AddrFrom(addr tcpip.Address) (netipAddr netip.Addr) {
	netipAddr, _ = netip.AddrFromSlice(addr.AsSlice())
	return netipAddr.Unmap()
}

// ToAddress returns a tcpip.Address from a netip.Addr.
func ToAddress(addr netip.Addr) tcpip.Address {
	return tcpip.AddrFromSlice(addr.Unmap().AsSlice())
}
