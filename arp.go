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
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/noisysockets/router/internal/util"
	"github.com/noisysockets/router/nat"
)

var broadcastAddr = tcpip.LinkAddress("\xff\xff\xff\xff\xff\xff")

// pendingFrame is an outbound frame parked while its next hop hardware
// address resolves.
type pendingFrame struct {
	pkt *Packet
	// egress is the interface the frame will leave through.
	egress *Interface
	// undo reverses any translation applied to the datagram, so that
	// an error can be addressed to the original sender.
	undo nat.Undo
}

// arpRequest tracks an in flight resolution for a next hop address.
// At most one request exists per address; frames for the same next hop
// queue behind it.
type arpRequest struct {
	iface     *Interface
	lastSent  time.Time
	timesSent int
	queued    []pendingFrame
}

// handleARP processes an ARP datagram received on iface. Requests for
// the interface address are answered, replies populate the cache and
// release any frames waiting on the resolved address.
func (r *Router) handleARP(iface *Interface, frame []byte) {
	payload := frame[header.EthernetMinimumSize:]
	if len(payload) < header.ARPSize {
		return
	}

	arpHdr := header.ARP(payload)
	if !arpHdr.IsValid() {
		return
	}

	targetIP, ok := netip.AddrFromSlice(arpHdr.ProtocolAddressTarget())
	if !ok || targetIP != iface.Addr {
		// Gratuitous announcements and traffic for other hosts.
		return
	}

	senderIP, ok := netip.AddrFromSlice(arpHdr.ProtocolAddressSender())
	if !ok {
		return
	}
	senderMAC := tcpip.LinkAddress(arpHdr.HardwareAddressSender())

	switch arpHdr.Op() {
	case header.ARPRequest:
		r.sendARPReply(iface, senderMAC, senderIP)
	case header.ARPReply:
		r.logger.Debug("Learned hardware address",
			slog.String("ip", senderIP.String()),
			slog.String("mac", senderMAC.String()))

		r.arpCache.Set(senderIP, senderMAC, ttlcache.DefaultTTL)
		r.flushPendingFrames(senderIP, senderMAC)
	}
}

func (r *Router) sendARPReply(iface *Interface, dstMAC tcpip.LinkAddress, dstIP netip.Addr) {
	frame := make([]byte, header.EthernetMinimumSize+header.ARPSize)

	eth := header.Ethernet(frame)
	eth.Encode(&header.EthernetFields{
		SrcAddr: iface.HardwareAddr,
		DstAddr: dstMAC,
		Type:    header.ARPProtocolNumber,
	})

	arpHdr := header.ARP(frame[header.EthernetMinimumSize:])
	arpHdr.SetIPv4OverEthernet()
	arpHdr.SetOp(header.ARPReply)
	copy(arpHdr.HardwareAddressSender(), iface.HardwareAddr)
	copy(arpHdr.ProtocolAddressSender(), iface.Addr.AsSlice())
	copy(arpHdr.HardwareAddressTarget(), dstMAC)
	copy(arpHdr.ProtocolAddressTarget(), dstIP.AsSlice())

	if err := r.sendFrame(iface.Name, frame); err != nil {
		r.logger.Warn("Failed to send ARP reply", slog.Any("error", err))
	}
}

func (r *Router) sendARPRequest(iface *Interface, target netip.Addr) {
	frame := make([]byte, header.EthernetMinimumSize+header.ARPSize)

	eth := header.Ethernet(frame)
	eth.Encode(&header.EthernetFields{
		SrcAddr: iface.HardwareAddr,
		DstAddr: broadcastAddr,
		Type:    header.ARPProtocolNumber,
	})

	arpHdr := header.ARP(frame[header.EthernetMinimumSize:])
	arpHdr.SetIPv4OverEthernet()
	arpHdr.SetOp(header.ARPRequest)
	copy(arpHdr.HardwareAddressSender(), iface.HardwareAddr)
	copy(arpHdr.ProtocolAddressSender(), iface.Addr.AsSlice())
	copy(arpHdr.ProtocolAddressTarget(), target.AsSlice())

	if err := r.sendFrame(iface.Name, frame); err != nil {
		r.logger.Warn("Failed to send ARP request", slog.Any("error", err))
	}
}

// sendIPViaRoute transmits the IP datagram held in pkt out the
// interface selected by route, resolving the next hop hardware address
// first. Ownership of pkt transfers to the router; it is released once
// the frame has been emitted or the resolution has failed.
func (r *Router) sendIPViaRoute(pkt *Packet, route *Route, undo nat.Undo) {
	egress, ok := r.interfaces.lookupName(route.Interface)
	if !ok {
		r.logger.Warn("Route references unknown interface",
			slog.String("interface", route.Interface))
		pkt.Release()
		return
	}

	ipHdr := header.IPv4(pkt.Bytes())
	nextHop := route.NextHop(util.AddrFrom(ipHdr.DestinationAddress()))

	if item := r.arpCache.Get(nextHop); item != nil {
		r.sendResolvedFrame(pkt, egress, item.Value())
		pkt.Release()
		return
	}

	r.enqueuePendingFrame(pkt, egress, nextHop, undo)
}

func (r *Router) sendResolvedFrame(pkt *Packet, egress *Interface, dstMAC tcpip.LinkAddress) {
	frame := pkt.Frame()

	eth := header.Ethernet(frame)
	eth.Encode(&header.EthernetFields{
		SrcAddr: egress.HardwareAddr,
		DstAddr: dstMAC,
		Type:    header.IPv4ProtocolNumber,
	})

	if err := r.sendFrame(egress.Name, frame); err != nil {
		r.logger.Warn("Failed to send frame", slog.Any("error", err))
	}
}

// enqueuePendingFrame parks pkt behind the ARP request for nextHop,
// creating the request and broadcasting the first query if none is
// outstanding.
func (r *Router) enqueuePendingFrame(pkt *Packet, egress *Interface, nextHop netip.Addr, undo nat.Undo) {
	r.arpMu.Lock()
	req, ok := r.arpRequests[nextHop]
	if !ok {
		req = &arpRequest{
			iface:     egress,
			lastSent:  time.Now(),
			timesSent: 1,
		}
		r.arpRequests[nextHop] = req
	}
	req.queued = append(req.queued, pendingFrame{pkt: pkt, egress: egress, undo: undo})
	r.arpMu.Unlock()

	if !ok {
		r.sendARPRequest(egress, nextHop)
	}
}

// flushPendingFrames emits every frame queued behind ip using the
// freshly learned hardware address and retires the request.
func (r *Router) flushPendingFrames(ip netip.Addr, mac tcpip.LinkAddress) {
	r.arpMu.Lock()
	req, ok := r.arpRequests[ip]
	if ok {
		delete(r.arpRequests, ip)
	}
	r.arpMu.Unlock()

	if !ok {
		return
	}

	for _, pf := range req.queued {
		r.sendResolvedFrame(pf.pkt, pf.egress, mac)
		pf.pkt.Release()
	}
}

// arpRetryTick rebroadcasts stale requests and fails the ones that have
// exhausted their attempts. Each frame queued behind a failed request
// is answered with an ICMP host unreachable error toward its sender.
func (r *Router) arpRetryTick(now time.Time) {
	type retransmit struct {
		iface  *Interface
		target netip.Addr
	}
	var resend []retransmit
	var failed []pendingFrame

	r.arpMu.Lock()
	for ip, req := range r.arpRequests {
		if now.Sub(req.lastSent) < r.arpRequestTimeout {
			continue
		}

		if req.timesSent >= r.arpRequestAttempts {
			r.logger.Debug("Next hop resolution failed",
				slog.String("next_hop", ip.String()))

			failed = append(failed, req.queued...)
			delete(r.arpRequests, ip)
			continue
		}

		req.timesSent++
		req.lastSent = now
		resend = append(resend, retransmit{iface: req.iface, target: ip})
	}
	r.arpMu.Unlock()

	for _, rt := range resend {
		r.sendARPRequest(rt.iface, rt.target)
	}

	for _, pf := range failed {
		if pf.undo != nil {
			pf.undo(pf.pkt.Bytes())
		}
		r.sendICMPError(pf.pkt.Bytes(), header.ICMPv4DstUnreachable, header.ICMPv4HostUnreachable)
		pf.pkt.Release()
	}
}
