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
	"github.com/noisysockets/netutil/waitpool"
)

// PacketPool is a fixed size pool of reusable packet buffers. Borrow
// blocks when the pool is exhausted until another borrower releases a
// packet.
type PacketPool struct {
	pool *waitpool.WaitPool[*Packet]
}

// NewPacketPool creates a new packet pool with the given maximum number
// of packets.
func NewPacketPool(max int) *PacketPool {
	var pp *PacketPool
	pp = &PacketPool{
		pool: waitpool.New(uint32(max), func() *Packet {
			return &Packet{
				pool: pp,
			}
		}),
	}
	return pp
}

// Borrow takes a packet from the pool.
func (p *PacketPool) Borrow() *Packet {
	pkt := p.pool.Get()
	pkt.Reset()
	return pkt
}

// Release returns a packet to the pool.
func (p *PacketPool) Release(pkt *Packet) {
	p.pool.Put(pkt)
}

// Count returns the number of packets currently borrowed.
func (p *PacketPool) Count() int {
	return p.pool.Count()
}
