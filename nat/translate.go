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
	"encoding/binary"
	"log/slog"
	"net/netip"
	"time"

	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"

	"github.com/noisysockets/router/internal/util"
)

// TranslateOutbound inspects a validated IPv4 datagram received on the
// internal interface, updates the translation state, and rewrites the
// datagram in place so it appears to originate from egressIP. egressIP
// is the address of the interface the datagram will leave through.
func (t *Table) TranslateOutbound(datagram []byte, egressIP netip.Addr) (Disposition, Undo) {
	ipHdr := header.IPv4(datagram)
	payload := datagram[ipHdr.HeaderLength():]

	switch ipHdr.Protocol() {
	case uint8(header.ICMPv4ProtocolNumber):
		if len(payload) < header.ICMPv4MinimumSize {
			return DispositionDrop, nil
		}
		icmpHdr := header.ICMPv4(payload)
		switch icmpHdr.Type() {
		case header.ICMPv4Echo, header.ICMPv4EchoReply:
			return t.translateOutboundEcho(ipHdr, icmpHdr, egressIP)
		case header.ICMPv4DstUnreachable, header.ICMPv4TimeExceeded:
			return t.translateOutboundICMPError(ipHdr, icmpHdr, egressIP)
		default:
			return DispositionDrop, nil
		}
	case uint8(header.TCPProtocolNumber):
		if len(payload) < header.TCPMinimumSize {
			return DispositionDrop, nil
		}
		return t.translateOutboundTCP(ipHdr, payload, egressIP)
	default:
		return DispositionDrop, nil
	}
}

// TranslateInbound inspects a validated IPv4 datagram received on an
// external interface and addressed to the router, updates the
// translation state, and rewrites the datagram in place toward the
// internal host it belongs to.
func (t *Table) TranslateInbound(datagram []byte) (Disposition, Undo) {
	ipHdr := header.IPv4(datagram)
	payload := datagram[ipHdr.HeaderLength():]

	switch ipHdr.Protocol() {
	case uint8(header.ICMPv4ProtocolNumber):
		if len(payload) < header.ICMPv4MinimumSize {
			return DispositionDrop, nil
		}
		icmpHdr := header.ICMPv4(payload)
		switch icmpHdr.Type() {
		case header.ICMPv4Echo, header.ICMPv4EchoReply:
			return t.translateInboundEcho(ipHdr, icmpHdr)
		case header.ICMPv4DstUnreachable, header.ICMPv4TimeExceeded:
			return t.translateInboundICMPError(ipHdr, icmpHdr)
		default:
			return DispositionForUs, nil
		}
	case uint8(header.TCPProtocolNumber):
		if len(payload) < header.TCPMinimumSize {
			return DispositionDrop, nil
		}
		return t.translateInboundTCP(ipHdr, payload)
	default:
		return DispositionDrop, nil
	}
}

func (t *Table) translateOutboundTCP(ipHdr header.IPv4, segment []byte, egressIP netip.Addr) (Disposition, Undo) {
	tcpHdr := header.TCP(segment)
	src := util.AddrFrom(ipHdr.SourceAddress())
	dst := util.AddrFrom(ipHdr.DestinationAddress())
	now := time.Now()

	t.mu.Lock()
	m, ok := t.byInternal[internalKey{kindTCP, src, tcpHdr.SourcePort()}]
	if !ok {
		if tcpHdr.Flags()&header.TCPFlagSyn == 0 {
			t.mu.Unlock()
			t.logger.Debug("Dropping outbound segment without a mapping",
				slog.String("src", src.String()),
				slog.Int("port", int(tcpHdr.SourcePort())))
			return DispositionDrop, nil
		}
		m = t.createMappingLocked(kindTCP, src, tcpHdr.SourcePort(), now)
		t.adoptPendingSYNLocked(m, connKey{dst, tcpHdr.DestinationPort()}, now)
	}

	m.handleOutboundSegmentLocked(connKey{dst, tcpHdr.DestinationPort()}, tcpHdr.Flags(), now)
	m.lastUpdated = now

	auxInternal, auxExternal := m.auxInternal, m.auxExternal
	internalIP := m.internalIP
	t.mu.Unlock()

	tcpHdr.SetSourcePort(auxExternal)
	ipHdr.SetSourceAddress(util.ToAddress(egressIP))
	updateTCPChecksum(ipHdr, segment)
	updateIPChecksum(ipHdr)

	return DispositionForward, func(datagram []byte) {
		ipHdr := header.IPv4(datagram)
		segment := datagram[ipHdr.HeaderLength():]
		header.TCP(segment).SetSourcePort(auxInternal)
		ipHdr.SetSourceAddress(util.ToAddress(internalIP))
		updateTCPChecksum(ipHdr, segment)
		updateIPChecksum(ipHdr)
	}
}

func (t *Table) translateInboundTCP(ipHdr header.IPv4, segment []byte) (Disposition, Undo) {
	tcpHdr := header.TCP(segment)
	src := util.AddrFrom(ipHdr.SourceAddress())
	externalIP := util.AddrFrom(ipHdr.DestinationAddress())
	now := time.Now()

	t.mu.Lock()
	m, ok := t.byExternal[externalKey{kindTCP, tcpHdr.DestinationPort()}]
	if !ok {
		if tcpHdr.Flags()&header.TCPFlagSyn == 0 {
			t.mu.Unlock()
			return DispositionUnreachable, nil
		}

		if _, held := t.pendingSYNs[tcpHdr.DestinationPort()]; !held {
			datagram := make([]byte, len(ipHdr))
			copy(datagram, ipHdr)

			t.pendingSYNs[tcpHdr.DestinationPort()] = &pendingSYN{
				peer:       connKey{src, tcpHdr.SourcePort()},
				receivedAt: now,
				datagram:   datagram,
			}
		}
		t.mu.Unlock()

		t.logger.Debug("Holding unsolicited inbound SYN",
			slog.String("peer", src.String()),
			slog.Int("port", int(tcpHdr.DestinationPort())))
		return DispositionQueued, nil
	}

	forward, queued := m.handleInboundSegmentLocked(
		connKey{src, tcpHdr.SourcePort()}, tcpHdr.Flags(), ipHdr, now)
	m.lastUpdated = now

	auxInternal, auxExternal := m.auxInternal, m.auxExternal
	internalIP := m.internalIP
	t.mu.Unlock()

	if queued {
		t.logger.Debug("Holding unsolicited inbound SYN",
			slog.String("peer", src.String()),
			slog.Int("port", int(auxExternal)))
		return DispositionQueued, nil
	}
	if !forward {
		return DispositionDrop, nil
	}

	tcpHdr.SetDestinationPort(auxInternal)
	ipHdr.SetDestinationAddress(util.ToAddress(internalIP))
	updateTCPChecksum(ipHdr, segment)
	updateIPChecksum(ipHdr)

	return DispositionForward, func(datagram []byte) {
		ipHdr := header.IPv4(datagram)
		segment := datagram[ipHdr.HeaderLength():]
		header.TCP(segment).SetDestinationPort(auxExternal)
		ipHdr.SetDestinationAddress(util.ToAddress(externalIP))
		updateTCPChecksum(ipHdr, segment)
		updateIPChecksum(ipHdr)
	}
}

func (t *Table) translateOutboundEcho(ipHdr header.IPv4, icmpHdr header.ICMPv4, egressIP netip.Addr) (Disposition, Undo) {
	src := util.AddrFrom(ipHdr.SourceAddress())
	now := time.Now()

	t.mu.Lock()
	m, ok := t.byInternal[internalKey{kindICMP, src, icmpHdr.Ident()}]
	if !ok {
		m = t.createMappingLocked(kindICMP, src, icmpHdr.Ident(), now)
	}
	m.lastUpdated = now

	auxInternal, auxExternal := m.auxInternal, m.auxExternal
	internalIP := m.internalIP
	t.mu.Unlock()

	icmpHdr.SetIdent(auxExternal)
	ipHdr.SetSourceAddress(util.ToAddress(egressIP))
	updateICMPChecksum(icmpHdr)
	updateIPChecksum(ipHdr)

	return DispositionForward, func(datagram []byte) {
		ipHdr := header.IPv4(datagram)
		icmpHdr := header.ICMPv4(datagram[ipHdr.HeaderLength():])
		icmpHdr.SetIdent(auxInternal)
		ipHdr.SetSourceAddress(util.ToAddress(internalIP))
		updateICMPChecksum(icmpHdr)
		updateIPChecksum(ipHdr)
	}
}

func (t *Table) translateInboundEcho(ipHdr header.IPv4, icmpHdr header.ICMPv4) (Disposition, Undo) {
	externalIP := util.AddrFrom(ipHdr.DestinationAddress())
	now := time.Now()

	t.mu.Lock()
	m, ok := t.byExternal[externalKey{kindICMP, icmpHdr.Ident()}]
	if !ok {
		t.mu.Unlock()
		// Probably a ping addressed to the router itself.
		return DispositionForUs, nil
	}
	m.lastUpdated = now

	auxInternal, auxExternal := m.auxInternal, m.auxExternal
	internalIP := m.internalIP
	t.mu.Unlock()

	icmpHdr.SetIdent(auxInternal)
	ipHdr.SetDestinationAddress(util.ToAddress(internalIP))
	updateICMPChecksum(icmpHdr)
	updateIPChecksum(ipHdr)

	return DispositionForward, func(datagram []byte) {
		ipHdr := header.IPv4(datagram)
		icmpHdr := header.ICMPv4(datagram[ipHdr.HeaderLength():])
		icmpHdr.SetIdent(auxExternal)
		ipHdr.SetDestinationAddress(util.ToAddress(externalIP))
		updateICMPChecksum(icmpHdr)
		updateIPChecksum(ipHdr)
	}
}

// embeddedDatagram gives bounds checked access to the offending IPv4
// datagram carried in the payload of an ICMP error message. Only the
// original header and the first eight bytes of its payload are present.
type embeddedDatagram struct {
	ipHdr     header.IPv4
	transport []byte
}

func parseEmbedded(icmpHdr header.ICMPv4) (*embeddedDatagram, bool) {
	payload := icmpHdr.Payload()
	if len(payload) < header.IPv4MinimumSize {
		return nil, false
	}

	ipHdr := header.IPv4(payload)
	hlen := int(ipHdr.HeaderLength())
	if hlen < header.IPv4MinimumSize || len(payload) < hlen+8 {
		return nil, false
	}

	return &embeddedDatagram{
		ipHdr:     ipHdr[:hlen],
		transport: payload[hlen : hlen+8],
	}, true
}

// flowAux returns the port or identifier identifying the flow the
// embedded datagram belongs to. src selects the embedded source port
// (for errors about packets the translator sent out) as opposed to the
// embedded destination port (for errors about packets it delivered
// inward).
func (e *embeddedDatagram) flowAux(src bool) (kind mappingKind, aux uint16, ok bool) {
	switch e.ipHdr.Protocol() {
	case uint8(header.TCPProtocolNumber):
		if src {
			return kindTCP, binary.BigEndian.Uint16(e.transport[0:2]), true
		}
		return kindTCP, binary.BigEndian.Uint16(e.transport[2:4]), true
	case uint8(header.ICMPv4ProtocolNumber):
		return kindICMP, binary.BigEndian.Uint16(e.transport[4:6]), true
	default:
		return 0, 0, false
	}
}

func (e *embeddedDatagram) setFlowAux(src bool, aux uint16) {
	switch e.ipHdr.Protocol() {
	case uint8(header.TCPProtocolNumber):
		if src {
			binary.BigEndian.PutUint16(e.transport[0:2], aux)
		} else {
			binary.BigEndian.PutUint16(e.transport[2:4], aux)
		}
	case uint8(header.ICMPv4ProtocolNumber):
		binary.BigEndian.PutUint16(e.transport[4:6], aux)
	}
}

// translateOutboundICMPError handles an error generated by an internal
// host about a datagram it received through the translator. The error
// references an inbound translated flow, so the embedded destination
// identifies the mapping.
func (t *Table) translateOutboundICMPError(ipHdr header.IPv4, icmpHdr header.ICMPv4, egressIP netip.Addr) (Disposition, Undo) {
	embedded, ok := parseEmbedded(icmpHdr)
	if !ok {
		return DispositionDrop, nil
	}

	kind, aux, ok := embedded.flowAux(false)
	if !ok {
		return DispositionDrop, nil
	}
	embDst := util.AddrFrom(embedded.ipHdr.DestinationAddress())

	t.mu.Lock()
	m, found := t.byInternal[internalKey{kind, embDst, aux}]
	if !found {
		t.mu.Unlock()
		t.logger.Debug("Dropping outbound error for an unknown flow",
			slog.String("kind", kind.String()),
			slog.String("internal", embDst.String()))
		return DispositionDrop, nil
	}
	m.lastUpdated = time.Now()

	auxInternal, auxExternal := m.auxInternal, m.auxExternal
	internalIP := m.internalIP
	t.mu.Unlock()

	embedded.setFlowAux(false, auxExternal)
	embedded.ipHdr.SetDestinationAddress(util.ToAddress(egressIP))
	updateIPChecksum(embedded.ipHdr)

	ipHdr.SetSourceAddress(util.ToAddress(egressIP))
	updateICMPChecksum(icmpHdr)
	updateIPChecksum(ipHdr)

	return DispositionForward, func(datagram []byte) {
		ipHdr := header.IPv4(datagram)
		icmpHdr := header.ICMPv4(datagram[ipHdr.HeaderLength():])
		embedded, ok := parseEmbedded(icmpHdr)
		if !ok {
			return
		}
		embedded.setFlowAux(false, auxInternal)
		embedded.ipHdr.SetDestinationAddress(util.ToAddress(internalIP))
		updateIPChecksum(embedded.ipHdr)
		ipHdr.SetSourceAddress(util.ToAddress(internalIP))
		updateICMPChecksum(icmpHdr)
		updateIPChecksum(ipHdr)
	}
}

// translateInboundICMPError handles an error received from an external
// host about a datagram the translator sent out. The error references
// an outbound translated flow, so the embedded source identifies the
// mapping.
func (t *Table) translateInboundICMPError(ipHdr header.IPv4, icmpHdr header.ICMPv4) (Disposition, Undo) {
	embedded, ok := parseEmbedded(icmpHdr)
	if !ok {
		return DispositionDrop, nil
	}

	kind, aux, ok := embedded.flowAux(true)
	if !ok {
		return DispositionDrop, nil
	}

	externalIP := util.AddrFrom(ipHdr.DestinationAddress())

	t.mu.Lock()
	m, found := t.byExternal[externalKey{kind, aux}]
	if !found {
		t.mu.Unlock()
		t.logger.Debug("Dropping inbound error for an unknown flow",
			slog.String("kind", kind.String()),
			slog.Int("aux_ext", int(aux)))
		return DispositionDrop, nil
	}
	m.lastUpdated = time.Now()

	auxInternal, auxExternal := m.auxInternal, m.auxExternal
	internalIP := m.internalIP
	t.mu.Unlock()

	embedded.setFlowAux(true, auxInternal)
	embedded.ipHdr.SetSourceAddress(util.ToAddress(internalIP))
	updateIPChecksum(embedded.ipHdr)

	ipHdr.SetDestinationAddress(util.ToAddress(internalIP))
	updateICMPChecksum(icmpHdr)
	updateIPChecksum(ipHdr)

	return DispositionForward, func(datagram []byte) {
		ipHdr := header.IPv4(datagram)
		icmpHdr := header.ICMPv4(datagram[ipHdr.HeaderLength():])
		embedded, ok := parseEmbedded(icmpHdr)
		if !ok {
			return
		}
		embedded.setFlowAux(true, auxExternal)
		embedded.ipHdr.SetSourceAddress(util.ToAddress(externalIP))
		updateIPChecksum(embedded.ipHdr)
		ipHdr.SetDestinationAddress(util.ToAddress(externalIP))
		updateICMPChecksum(icmpHdr)
		updateIPChecksum(ipHdr)
	}
}

func updateIPChecksum(ipHdr header.IPv4) {
	ipHdr.SetChecksum(0)
	ipHdr.SetChecksum(^ipHdr.CalculateChecksum())
}

func updateICMPChecksum(icmpHdr header.ICMPv4) {
	icmpHdr.SetChecksum(0)
	icmpHdr.SetChecksum(^checksum.Checksum(icmpHdr, 0))
}

func updateTCPChecksum(ipHdr header.IPv4, segment []byte) {
	tcpHdr := header.TCP(segment)
	tcpHdr.SetChecksum(0)
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		ipHdr.SourceAddress(), ipHdr.DestinationAddress(), uint16(len(segment)))
	tcpHdr.SetChecksum(^checksum.Checksum(segment, xsum))
}
