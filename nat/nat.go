// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package nat implements an endpoint independent network address and
// port translation table for TCP and ICMP echo flows. Internal hosts
// behind a designated interface share the address of the egress
// interface their traffic leaves through; TCP port numbers and ICMP
// query identifiers are rewritten to externally unique values.
package nat

import (
	"time"

	"github.com/noisysockets/netutil/ptr"
)

// Config is the configuration for a translation table.
type Config struct {
	// InternalInterface is the name of the interface the translated
	// hosts sit behind.
	InternalInterface *string
	// ICMPTimeout is how long an ICMP mapping may stay idle before it
	// is reclaimed.
	ICMPTimeout *time.Duration
	// TCPEstablishedTimeout is how long an established TCP connection
	// may stay idle before it is reclaimed.
	TCPEstablishedTimeout *time.Duration
	// TCPTransitoryTimeout is how long a TCP connection may stay in a
	// non established state before it is reclaimed.
	TCPTransitoryTimeout *time.Duration
	// SimultaneousOpenWindow is how long an unsolicited inbound SYN is
	// held waiting for the matching outbound SYN.
	SimultaneousOpenWindow *time.Duration
	// PortRangeStart and PortRangeEnd delimit the external TCP ports
	// and ICMP identifiers handed out by the allocator, inclusive.
	PortRangeStart *uint16
	PortRangeEnd   *uint16
}

// Default values (if not set).
var defaultConf = Config{
	InternalInterface:      ptr.To("eth1"),
	ICMPTimeout:            ptr.To(60 * time.Second),
	TCPEstablishedTimeout:  ptr.To(7440 * time.Second),
	TCPTransitoryTimeout:   ptr.To(300 * time.Second),
	SimultaneousOpenWindow: ptr.To(6 * time.Second),
	PortRangeStart:         ptr.To(uint16(50000)),
	PortRangeEnd:           ptr.To(uint16(59999)),
}

// Disposition tells the caller what to do with a datagram after the
// table has inspected and possibly rewritten it.
type Disposition int

const (
	// DispositionForward indicates the datagram was translated and
	// should continue through the forwarding path.
	DispositionForward Disposition = iota
	// DispositionForUs indicates the datagram is addressed to the
	// router itself and should be delivered locally.
	DispositionForUs
	// DispositionDrop indicates the datagram should be discarded
	// without a response.
	DispositionDrop
	// DispositionUnreachable indicates the datagram should be answered
	// with an ICMP port unreachable error.
	DispositionUnreachable
	// DispositionQueued indicates the table took ownership of a copy
	// of the datagram and no frame should be emitted yet.
	DispositionQueued
)

// Undo reverses the translation that was applied to a datagram. The
// forwarding path uses it to restore the original addressing before an
// ICMP error is generated about a datagram that could not be delivered.
type Undo func(datagram []byte)
