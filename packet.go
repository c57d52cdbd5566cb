// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package router

import "github.com/noisysockets/netstack/pkg/tcpip/header"

const (
	// MaxPacketSize is the maximum size of an IP packet.
	MaxPacketSize = 65535
	// MaxFrameSize is the maximum size of an Ethernet frame handled by
	// the router, an IP packet plus the link layer header.
	MaxFrameSize = MaxPacketSize + header.EthernetMinimumSize
)

// Packet holds a single Ethernet frame or IP packet in flight through
// the router.
type Packet struct {
	// Buf is the buffer containing the packet data.
	Buf [MaxFrameSize]byte
	// Offset is the offset inside the buffer where the packet data starts.
	Offset int
	// Size is the size of the packet data.
	Size int
	// pool is the pool from which the packet was borrowed.
	pool *PacketPool
}

// Release returns the packet to its pool.
func (p *Packet) Release() {
	p.pool.Release(p)
}

// Reset resets the packet.
func (p *Packet) Reset() {
	p.Offset = 0
	p.Size = 0
}

// Bytes returns the packet data as a byte slice.
func (p *Packet) Bytes() []byte {
	return p.Buf[p.Offset : p.Offset+p.Size]
}

// Frame returns the packet data extended downwards to the start of the
// buffer, eg. the Ethernet header preceding an IP packet stored at a
// nonzero offset.
func (p *Packet) Frame() []byte {
	return p.Buf[:p.Offset+p.Size]
}

// CopyFromSlice fills the packet with b, starting at offset inside the
// packet buffer.
func (p *Packet) CopyFromSlice(b []byte, offset int) {
	p.Size = copy(p.Buf[offset:], b)
	p.Offset = offset
}

// Clone borrows a new packet from the same pool and copies the full
// buffer contents up to the end of the packet data into it.
func (p *Packet) Clone() *Packet {
	clone := p.pool.Borrow()
	copy(clone.Buf[:], p.Buf[:p.Offset+p.Size])
	clone.Offset = p.Offset
	clone.Size = p.Size
	return clone
}
