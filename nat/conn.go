// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package nat

import (
	"net/netip"
	"time"

	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

type connState int

const (
	// stateOutboundSYN means the internal host sent a SYN and no reply
	// has been seen yet.
	stateOutboundSYN connState = iota
	// stateConnected means traffic has flowed in both directions.
	stateConnected
	// stateTimeWait means a FIN has been seen from either side.
	stateTimeWait
	// stateInboundSYNPending means an unsolicited inbound SYN is held
	// waiting for the matching outbound SYN.
	stateInboundSYNPending
)

// connKey identifies a connection within a mapping by its external
// peer.
type connKey struct {
	peerIP   netip.Addr
	peerPort uint16
}

// connection tracks one TCP connection through a mapping.
type connection struct {
	state        connState
	lastAccessed time.Time
	// queuedSYN holds an owned copy of the unsolicited inbound SYN
	// datagram while the connection is in stateInboundSYNPending.
	queuedSYN []byte
}

// pendingSYN holds an unsolicited inbound SYN addressed to an external
// port with no mapping. A matching outbound SYN within the
// simultaneous open window completes the connection and assigns the
// port to the new mapping.
type pendingSYN struct {
	peer       connKey
	receivedAt time.Time
	datagram   []byte
}

// handleOutboundSegmentLocked advances the state machine for an
// outbound segment and reports whether the segment may be forwarded.
func (m *mapping) handleOutboundSegmentLocked(peer connKey, flags header.TCPFlags, now time.Time) bool {
	syn := flags&header.TCPFlagSyn != 0
	fin := flags&header.TCPFlagFin != 0

	conn, ok := m.conns[peer]
	if !ok {
		if syn {
			m.conns[peer] = &connection{
				state:        stateOutboundSYN,
				lastAccessed: now,
			}
		}
		// A segment without a tracked connection still translates; the
		// mapping is endpoint independent.
		return true
	}

	conn.lastAccessed = now

	switch {
	case conn.state == stateInboundSYNPending && syn:
		// Simultaneous open, the held inbound SYN has served its
		// purpose and is discarded.
		conn.state = stateConnected
		conn.queuedSYN = nil
	case conn.state == stateTimeWait && syn:
		conn.state = stateOutboundSYN
	case fin:
		conn.state = stateTimeWait
	}

	return true
}

// handleInboundSegmentLocked advances the state machine for an inbound
// segment and reports whether the segment may be forwarded.
func (m *mapping) handleInboundSegmentLocked(peer connKey, flags header.TCPFlags, datagram []byte, now time.Time) (forward, queued bool) {
	syn := flags&header.TCPFlagSyn != 0
	fin := flags&header.TCPFlagFin != 0

	conn, ok := m.conns[peer]
	if !ok {
		if !syn {
			return false, false
		}

		queuedSYN := make([]byte, len(datagram))
		copy(queuedSYN, datagram)

		m.conns[peer] = &connection{
			state:        stateInboundSYNPending,
			lastAccessed: now,
			queuedSYN:    queuedSYN,
		}
		return false, true
	}

	if conn.state == stateInboundSYNPending {
		// Nothing has been forwarded to the internal host yet, inbound
		// retransmissions wait for the outbound SYN.
		return false, false
	}

	conn.lastAccessed = now

	if conn.state == stateOutboundSYN {
		conn.state = stateConnected
	}
	if fin {
		conn.state = stateTimeWait
	}

	return true, false
}
