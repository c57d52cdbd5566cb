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
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/noisysockets/netutil/defaults"
)

type mappingKind uint8

const (
	kindICMP mappingKind = iota
	kindTCP
)

func (k mappingKind) String() string {
	if k == kindICMP {
		return "icmp"
	}
	return "tcp"
}

// internalKey identifies a mapping by the flow endpoint on the
// internal side. aux is the TCP source port or the ICMP query
// identifier, in host order.
type internalKey struct {
	kind mappingKind
	ip   netip.Addr
	aux  uint16
}

// externalKey identifies a mapping by the externally visible TCP port
// or ICMP query identifier.
type externalKey struct {
	kind mappingKind
	aux  uint16
}

// mapping associates an internal flow endpoint with its externally
// visible port or identifier. TCP mappings carry one connection record
// per external peer; ICMP mappings carry none.
type mapping struct {
	kind        mappingKind
	internalIP  netip.Addr
	auxInternal uint16
	auxExternal uint16
	lastUpdated time.Time
	conns       map[connKey]*connection
}

// Table is the translation table. All state is guarded by a single
// mutex; lookups snapshot what they need under the lock and rewrite
// packets outside it.
type Table struct {
	logger *slog.Logger

	internalIface          string
	icmpTimeout            time.Duration
	tcpEstablishedTimeout  time.Duration
	tcpTransitoryTimeout   time.Duration
	simultaneousOpenWindow time.Duration
	portRangeStart         uint16
	portRangeEnd           uint16

	mu         sync.Mutex
	byInternal map[internalKey]*mapping
	byExternal map[externalKey]*mapping
	// pendingSYNs holds unsolicited inbound SYNs received for TCP
	// ports with no mapping, keyed by external port, waiting for a
	// matching outbound SYN.
	pendingSYNs map[uint16]*pendingSYN
	// Rolling allocator positions, one per mapping kind. Allocation
	// wraps at the end of the range and does not check whether the
	// port is still in use.
	nextTCPPort   uint16
	nextICMPIdent uint16
}

// NewTable creates a translation table.
func NewTable(logger *slog.Logger, conf *Config) (*Table, error) {
	conf, err := defaults.WithDefaults(conf, &defaultConf)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	if *conf.PortRangeStart > *conf.PortRangeEnd {
		return nil, fmt.Errorf("invalid port range %d-%d", *conf.PortRangeStart, *conf.PortRangeEnd)
	}

	return &Table{
		logger:                 logger,
		internalIface:          *conf.InternalInterface,
		icmpTimeout:            *conf.ICMPTimeout,
		tcpEstablishedTimeout:  *conf.TCPEstablishedTimeout,
		tcpTransitoryTimeout:   *conf.TCPTransitoryTimeout,
		simultaneousOpenWindow: *conf.SimultaneousOpenWindow,
		portRangeStart:         *conf.PortRangeStart,
		portRangeEnd:           *conf.PortRangeEnd,
		byInternal:             make(map[internalKey]*mapping),
		byExternal:             make(map[externalKey]*mapping),
		pendingSYNs:            make(map[uint16]*pendingSYN),
		nextTCPPort:            *conf.PortRangeStart,
		nextICMPIdent:          *conf.PortRangeStart,
	}, nil
}

// InternalInterface returns the name of the interface the translated
// hosts sit behind.
func (t *Table) InternalInterface() string {
	return t.internalIface
}

// allocAuxLocked hands out the next external port or identifier for the
// given kind.
func (t *Table) allocAuxLocked(kind mappingKind) uint16 {
	next := &t.nextTCPPort
	if kind == kindICMP {
		next = &t.nextICMPIdent
	}

	aux := *next
	if *next == t.portRangeEnd {
		*next = t.portRangeStart
	} else {
		*next++
	}
	return aux
}

// createMappingLocked inserts a new mapping for the given internal flow
// endpoint and returns it.
func (t *Table) createMappingLocked(kind mappingKind, internalIP netip.Addr, auxInternal uint16, now time.Time) *mapping {
	m := &mapping{
		kind:        kind,
		internalIP:  internalIP,
		auxInternal: auxInternal,
		auxExternal: t.allocAuxLocked(kind),
		lastUpdated: now,
	}
	if kind == kindTCP {
		m.conns = make(map[connKey]*connection)
	}

	t.byInternal[internalKey{kind, internalIP, auxInternal}] = m
	t.byExternal[externalKey{kind, m.auxExternal}] = m

	t.logger.Debug("Created mapping",
		slog.String("kind", kind.String()),
		slog.String("internal", internalIP.String()),
		slog.Int("aux_int", int(auxInternal)),
		slog.Int("aux_ext", int(m.auxExternal)))

	return m
}

// adoptPendingSYNLocked completes a simultaneous open. If an
// unsolicited inbound SYN from peer is being held, the new mapping
// takes over the external port that SYN was addressed to and the
// connection starts out established; the held SYN has served its
// purpose and is discarded.
func (t *Table) adoptPendingSYNLocked(m *mapping, peer connKey, now time.Time) {
	for port, pending := range t.pendingSYNs {
		if pending.peer != peer {
			continue
		}

		delete(t.byExternal, externalKey{kindTCP, m.auxExternal})
		m.auxExternal = port
		t.byExternal[externalKey{kindTCP, port}] = m

		m.conns[peer] = &connection{
			state:        stateConnected,
			lastAccessed: now,
		}

		delete(t.pendingSYNs, port)

		t.logger.Debug("Completed simultaneous open",
			slog.String("peer", pending.peer.peerIP.String()),
			slog.Int("aux_ext", int(port)))
		return
	}
}

func (t *Table) destroyMappingLocked(m *mapping) {
	delete(t.byInternal, internalKey{m.kind, m.internalIP, m.auxInternal})
	delete(t.byExternal, externalKey{m.kind, m.auxExternal})

	t.logger.Debug("Destroyed mapping",
		slog.String("kind", m.kind.String()),
		slog.String("internal", m.internalIP.String()),
		slog.Int("aux_ext", int(m.auxExternal)))
}

// Sweep expires idle mappings and connections as of now. It returns the
// queued inbound SYN datagrams whose simultaneous open window lapsed;
// the caller answers each with an ICMP port unreachable toward its
// sender.
func (t *Table) Sweep(now time.Time) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expiredSYNs [][]byte
	for port, pending := range t.pendingSYNs {
		if now.Sub(pending.receivedAt) > t.simultaneousOpenWindow {
			expiredSYNs = append(expiredSYNs, pending.datagram)
			delete(t.pendingSYNs, port)
		}
	}

	for _, m := range t.byInternal {
		if m.kind == kindICMP {
			if now.Sub(m.lastUpdated) > t.icmpTimeout {
				t.destroyMappingLocked(m)
			}
			continue
		}

		for key, conn := range m.conns {
			timeout := t.tcpTransitoryTimeout
			switch conn.state {
			case stateConnected:
				timeout = t.tcpEstablishedTimeout
			case stateInboundSYNPending:
				if t.simultaneousOpenWindow < timeout {
					timeout = t.simultaneousOpenWindow
				}
			}

			if now.Sub(conn.lastAccessed) <= timeout {
				continue
			}

			if conn.state == stateInboundSYNPending && conn.queuedSYN != nil {
				expiredSYNs = append(expiredSYNs, conn.queuedSYN)
			}
			delete(m.conns, key)
		}

		if len(m.conns) == 0 {
			t.destroyMappingLocked(m)
		}
	}

	return expiredSYNs
}
