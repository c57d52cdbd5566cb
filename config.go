// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package router

import (
	"time"

	"github.com/noisysockets/router/internal/util"
	"github.com/noisysockets/router/nat"
)

// Config is the configuration for a router.
type Config struct {
	// Interfaces is the set of interfaces the router terminates, in
	// order. At least one must be given.
	Interfaces []Interface
	// Routes is the static routing table. Longest prefix wins; ties on
	// identical prefixes go to the earlier entry.
	Routes []Route
	// NAT configures the address translation table. Translation is
	// disabled when nil.
	NAT *nat.Config
	// PacketCapturePath, if set, names a pcapng file every frame
	// entering or leaving the router is appended to.
	PacketCapturePath *string
	// PacketPoolSize is the number of packets kept in the borrow pool.
	PacketPoolSize *int
	// ARPRequestTimeout is how long to wait for a reply to an ARP
	// request before retransmitting it.
	ARPRequestTimeout *time.Duration
	// ARPRequestAttempts is how many requests are sent for an address
	// before the frames waiting on it are failed.
	ARPRequestAttempts *int
	// ARPCacheTTL is how long a learned hardware address stays valid.
	ARPCacheTTL *time.Duration
}

// Default values (if not set).
var defaultConf = Config{
	PacketPoolSize:     util.PointerTo(256),
	ARPRequestTimeout:  util.PointerTo(time.Second),
	ARPRequestAttempts: util.PointerTo(5),
	ARPCacheTTL:        util.PointerTo(15 * time.Second),
}
