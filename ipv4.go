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
	"net/netip"

	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/noisysockets/router/internal/util"
	"github.com/noisysockets/router/nat"
)

// handleIPv4 validates an IPv4 datagram received on iface and hands it
// to local delivery, the forwarding path, or the translator. The frame
// is owned by the transport, so the datagram is copied into a pooled
// packet before any processing that may outlive this call.
func (r *Router) handleIPv4(iface *Interface, frame []byte) {
	payload := frame[header.EthernetMinimumSize:]
	if len(payload) < header.IPv4MinimumSize {
		return
	}

	if header.IPVersion(payload) != header.IPv4Version {
		r.logger.Debug("Dropping non IPv4 datagram")
		return
	}

	ipHdr := header.IPv4(payload)
	headerLength := int(ipHdr.HeaderLength())
	if headerLength < header.IPv4MinimumSize || headerLength > len(payload) {
		r.logger.Debug("Dropping datagram with invalid header length")
		return
	}

	totalLength := int(ipHdr.TotalLength())
	if totalLength < headerLength || totalLength > len(payload) {
		r.logger.Debug("Dropping datagram with invalid total length")
		return
	}

	if checksum.Checksum(payload[:headerLength], 0) != 0xffff {
		r.logger.Debug("Dropping datagram with invalid header checksum")
		return
	}

	// The frame may carry link layer padding beyond the datagram.
	pkt := r.pool.Borrow()
	pkt.CopyFromSlice(payload[:totalLength], header.EthernetMinimumSize)

	if r.nat != nil {
		r.classifyNAT(iface, pkt)
		return
	}

	dst := util.AddrFrom(ipHdr.DestinationAddress())
	if r.interfaces.hasAddr(dst) {
		r.handleLocal(pkt)
	} else {
		r.forward(iface, pkt, nil)
	}
}

// classifyNAT decides how a datagram moves through the translator
// based on its ingress interface and destination.
func (r *Router) classifyNAT(ingress *Interface, pkt *Packet) {
	datagram := pkt.Bytes()
	ipHdr := header.IPv4(datagram)
	dst := util.AddrFrom(ipHdr.DestinationAddress())

	forUs := r.interfaces.hasAddr(dst)
	internal := ingress.Name == r.nat.InternalInterface()

	if internal {
		if forUs {
			r.handleLocal(pkt)
			return
		}
		r.translateOutbound(ingress, pkt, dst)
		return
	}

	if !forUs {
		r.forwardDeflected(ingress, pkt, dst)
		return
	}

	if internalIface, ok := r.interfaces.lookupName(r.nat.InternalInterface()); ok && dst == internalIface.Addr {
		// The internal interface is not reachable from outside.
		r.logger.Debug("Dropping external datagram addressed to the internal interface")
		pkt.Release()
		return
	}

	disposition, undo := r.nat.TranslateInbound(datagram)
	switch disposition {
	case nat.DispositionForward:
		r.forward(ingress, pkt, undo)
	case nat.DispositionForUs:
		r.handleLocal(pkt)
	case nat.DispositionQueued:
		// The translator retained a copy of the datagram.
		pkt.Release()
	case nat.DispositionUnreachable:
		r.sendICMPError(datagram, header.ICMPv4DstUnreachable, header.ICMPv4PortUnreachable)
		pkt.Release()
	default:
		pkt.Release()
	}
}

// translateOutbound rewrites a datagram leaving the internal network
// and forwards it. The egress interface address that internal hosts
// hide behind comes from the routing table.
func (r *Router) translateOutbound(ingress *Interface, pkt *Packet, dst netip.Addr) {
	datagram := pkt.Bytes()

	route, ok := r.routes.Lookup(dst)
	if !ok || route.Interface == ingress.Name {
		r.sendICMPError(datagram, header.ICMPv4DstUnreachable, header.ICMPv4NetUnreachable)
		pkt.Release()
		return
	}

	egress, ok := r.interfaces.lookupName(route.Interface)
	if !ok {
		r.logger.Warn("Route references unknown interface",
			slog.String("interface", route.Interface))
		pkt.Release()
		return
	}

	disposition, undo := r.nat.TranslateOutbound(datagram, egress.Addr)
	switch disposition {
	case nat.DispositionForward:
		r.forward(ingress, pkt, undo)
	default:
		pkt.Release()
	}
}

// forwardDeflected forwards traffic passing between external networks
// without translation. It never crosses into the internal network.
func (r *Router) forwardDeflected(ingress *Interface, pkt *Packet, dst netip.Addr) {
	if route, ok := r.routes.Lookup(dst); ok && route.Interface == r.nat.InternalInterface() {
		r.logger.Debug("Dropping untranslated datagram routed toward the internal network",
			slog.String("destination", dst.String()))
		pkt.Release()
		return
	}

	r.forward(ingress, pkt, nil)
}

// forward implements the unicast forwarding path for a datagram that is
// not addressed to the router. undo, when non nil, restores the
// original addressing before an error is generated about the datagram.
func (r *Router) forward(ingress *Interface, pkt *Packet, undo nat.Undo) {
	datagram := pkt.Bytes()
	ipHdr := header.IPv4(datagram)

	ttl := ipHdr.TTL()
	if ttl <= 1 {
		if undo != nil {
			undo(datagram)
		}
		r.sendICMPError(datagram, header.ICMPv4TimeExceeded, header.ICMPv4TTLExceeded)
		pkt.Release()
		return
	}

	ipHdr.SetTTL(ttl - 1)
	ipHdr.SetChecksum(0)
	ipHdr.SetChecksum(^ipHdr.CalculateChecksum())

	dst := util.AddrFrom(ipHdr.DestinationAddress())
	route, ok := r.routes.Lookup(dst)
	if !ok || route.Interface == ingress.Name {
		if undo != nil {
			undo(datagram)
		}
		r.sendICMPError(datagram, header.ICMPv4DstUnreachable, header.ICMPv4NetUnreachable)
		pkt.Release()
		return
	}

	r.sendIPViaRoute(pkt, route, undo)
}
