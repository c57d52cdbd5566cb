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
	"log/slog"

	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/noisysockets/router/internal/util"
)

const (
	// icmpErrorDataSize is how many bytes of the offending datagram an
	// ICMP error carries, the IP header plus the first eight bytes of
	// its payload.
	icmpErrorDataSize = 28
	// localTTL is the TTL of datagrams originated by the router.
	localTTL = 64
)

// handleLocal delivers a datagram addressed to one of the router's own
// interfaces. Echo requests are answered; other ICMP is discarded and
// any other protocol is refused with a port unreachable error.
func (r *Router) handleLocal(pkt *Packet) {
	datagram := pkt.Bytes()
	ipHdr := header.IPv4(datagram)

	if ipHdr.Protocol() != uint8(header.ICMPv4ProtocolNumber) {
		r.sendICMPError(datagram, header.ICMPv4DstUnreachable, header.ICMPv4PortUnreachable)
		pkt.Release()
		return
	}

	payload := datagram[ipHdr.HeaderLength():]
	if len(payload) < header.ICMPv4MinimumSize {
		pkt.Release()
		return
	}

	if checksum.Checksum(payload, 0) != 0xffff {
		r.logger.Debug("Dropping ICMP datagram with invalid checksum")
		pkt.Release()
		return
	}

	icmpHdr := header.ICMPv4(payload)
	if icmpHdr.Type() != header.ICMPv4Echo {
		r.logger.Debug("Ignoring ICMP datagram addressed to the router",
			slog.Int("type", int(icmpHdr.Type())))
		pkt.Release()
		return
	}

	r.sendEchoReply(pkt)
}

// sendEchoReply answers an echo request with a reply carrying the
// identifier, sequence number and payload of the request. The reply
// gets a fresh header, any options on the request are not echoed.
func (r *Router) sendEchoReply(req *Packet) {
	defer req.Release()

	reqDatagram := req.Bytes()
	reqIPHdr := header.IPv4(reqDatagram)
	reqPayload := reqDatagram[reqIPHdr.HeaderLength():]

	reply := r.pool.Borrow()
	reply.Offset = header.EthernetMinimumSize
	reply.Size = header.IPv4MinimumSize + len(reqPayload)

	datagram := reply.Bytes()

	ipHdr := header.IPv4(datagram)
	ipHdr.Encode(&header.IPv4Fields{
		TotalLength: uint16(reply.Size),
		ID:          r.nextIPID(),
		Flags:       header.IPv4FlagDontFragment,
		TTL:         localTTL,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     reqIPHdr.DestinationAddress(),
		DstAddr:     reqIPHdr.SourceAddress(),
	})
	ipHdr.SetChecksum(^ipHdr.CalculateChecksum())

	icmpHdr := header.ICMPv4(datagram[header.IPv4MinimumSize:])
	copy(icmpHdr, reqPayload)
	icmpHdr.SetType(header.ICMPv4EchoReply)
	icmpHdr.SetCode(0)
	icmpHdr.SetChecksum(0)
	icmpHdr.SetChecksum(^checksum.Checksum(icmpHdr, 0))

	r.sendLocallyOriginated(reply)
}

// sendICMPError emits an ICMP error about orig toward its sender. The
// error is sourced from the interface that routes toward the sender so
// that it appears to come from the nearest router face. Errors about
// the router's own datagrams are suppressed.
func (r *Router) sendICMPError(orig []byte, icmpType header.ICMPv4Type, icmpCode header.ICMPv4Code) {
	origIPHdr := header.IPv4(orig)
	sender := util.AddrFrom(origIPHdr.SourceAddress())

	if r.interfaces.hasAddr(sender) {
		r.logger.Debug("Suppressing ICMP error about a self originated datagram",
			slog.String("sender", sender.String()))
		return
	}

	route, ok := r.routes.Lookup(sender)
	if !ok {
		r.logger.Debug("No route toward ICMP error recipient",
			slog.String("sender", sender.String()))
		return
	}

	srcIface, ok := r.interfaces.lookupName(route.Interface)
	if !ok {
		r.logger.Warn("Route references unknown interface",
			slog.String("interface", route.Interface))
		return
	}

	pkt := r.pool.Borrow()
	pkt.Offset = header.EthernetMinimumSize
	pkt.Size = header.IPv4MinimumSize + header.ICMPv4MinimumSize + icmpErrorDataSize

	datagram := pkt.Bytes()
	payload := datagram[header.IPv4MinimumSize:]
	for i := range payload {
		payload[i] = 0
	}

	ipHdr := header.IPv4(datagram)
	ipHdr.Encode(&header.IPv4Fields{
		TotalLength: uint16(pkt.Size),
		ID:          r.nextIPID(),
		Flags:       header.IPv4FlagDontFragment,
		TTL:         localTTL,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     util.ToAddress(srcIface.Addr),
		DstAddr:     origIPHdr.SourceAddress(),
	})
	ipHdr.SetChecksum(^ipHdr.CalculateChecksum())

	icmpHdr := header.ICMPv4(payload)
	icmpHdr.SetType(icmpType)
	icmpHdr.SetCode(icmpCode)
	copy(icmpHdr.Payload(), orig[:min(len(orig), icmpErrorDataSize)])
	icmpHdr.SetChecksum(0)
	icmpHdr.SetChecksum(^checksum.Checksum(icmpHdr, 0))

	r.sendIPViaRoute(pkt, route, nil)
}

// sendLocallyOriginated routes a datagram generated by the router
// itself. Undeliverable self sourced datagrams are dropped rather than
// answered with another error.
func (r *Router) sendLocallyOriginated(pkt *Packet) {
	ipHdr := header.IPv4(pkt.Bytes())
	dst := util.AddrFrom(ipHdr.DestinationAddress())

	route, ok := r.routes.Lookup(dst)
	if !ok {
		r.logger.Debug("No route for locally originated datagram",
			slog.String("destination", dst.String()))
		pkt.Release()
		return
	}

	r.sendIPViaRoute(pkt, route, nil)
}
