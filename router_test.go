// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package router_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/noisysockets/router"
	"github.com/noisysockets/router/nat"
	"github.com/stretchr/testify/require"
)

var (
	routerMAC   = tcpip.LinkAddress("\x0e\x20\xab\x92\xe8\xb1")
	routerMAC2  = tcpip.LinkAddress("\x0e\x20\xab\x92\xe8\xb2")
	hostMAC     = tcpip.LinkAddress("\x0e\x20\xab\x80\x00\x02")
	gatewayMAC  = tcpip.LinkAddress("\x0e\x20\xab\x80\x00\x01")
	broadcast   = tcpip.LinkAddress("\xff\xff\xff\xff\xff\xff")
	routerAddr  = netip.MustParseAddr("10.0.1.11")
	gatewayAddr = netip.MustParseAddr("10.0.1.1")
)

// memTransport records every emitted frame.
type memTransport struct {
	mu     sync.Mutex
	frames []emittedFrame
}

type emittedFrame struct {
	iface string
	frame []byte
}

func (t *memTransport) SendFrame(ifaceName string, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frames = append(t.frames, emittedFrame{
		iface: ifaceName,
		frame: append([]byte(nil), frame...),
	})
	return nil
}

func (t *memTransport) take() []emittedFrame {
	t.mu.Lock()
	defer t.mu.Unlock()

	frames := t.frames
	t.frames = nil
	return frames
}

func TestARPRequestForRouterAddress(t *testing.T) {
	transport := &memTransport{}
	r := newTestRouter(t, transport, nil)

	frame := buildARPRequest(hostMAC, gatewayAddr, routerAddr)
	require.NoError(t, r.HandleFrame("eth3", frame))

	frames := transport.take()
	require.Len(t, frames, 1)
	require.Equal(t, "eth3", frames[0].iface)

	eth := header.Ethernet(frames[0].frame)
	require.Equal(t, routerMAC, eth.SourceAddress())
	require.Equal(t, hostMAC, eth.DestinationAddress())
	require.Equal(t, header.ARPProtocolNumber, eth.Type())

	arpHdr := header.ARP(frames[0].frame[header.EthernetMinimumSize:])
	require.True(t, arpHdr.IsValid())
	require.Equal(t, header.ARPReply, arpHdr.Op())
	require.Equal(t, routerMAC, tcpip.LinkAddress(arpHdr.HardwareAddressSender()))
	require.Equal(t, routerAddr, mustAddrFromSlice(arpHdr.ProtocolAddressSender()))
	require.Equal(t, gatewayAddr, mustAddrFromSlice(arpHdr.ProtocolAddressTarget()))
}

func TestEchoToRouterColdARPCache(t *testing.T) {
	transport := &memTransport{}
	r := newTestRouter(t, transport, nil)

	peer := netip.MustParseAddr("64.121.20.36")
	payload := []byte("covfefe!")

	echoFrame := buildFrame(routerMAC, hostMAC,
		buildEcho(peer, routerAddr, 64, header.ICMPv4Echo, 0xbeef, 7, payload))
	require.NoError(t, r.HandleFrame("eth3", echoFrame))

	// The reply routes via the gateway, whose hardware address is
	// unknown, so the only emitted frame is an ARP request.
	frames := transport.take()
	require.Len(t, frames, 1)

	eth := header.Ethernet(frames[0].frame)
	require.Equal(t, broadcast, eth.DestinationAddress())
	require.Equal(t, header.ARPProtocolNumber, eth.Type())

	arpHdr := header.ARP(frames[0].frame[header.EthernetMinimumSize:])
	require.Equal(t, header.ARPRequest, arpHdr.Op())
	require.Equal(t, gatewayAddr, mustAddrFromSlice(arpHdr.ProtocolAddressTarget()))
	require.Equal(t, routerAddr, mustAddrFromSlice(arpHdr.ProtocolAddressSender()))

	// The gateway answers and the queued reply flushes.
	require.NoError(t, r.HandleFrame("eth3", buildARPReply(gatewayMAC, gatewayAddr, routerMAC, routerAddr)))

	frames = transport.take()
	require.Len(t, frames, 1)
	require.Equal(t, "eth3", frames[0].iface)

	eth = header.Ethernet(frames[0].frame)
	require.Equal(t, routerMAC, eth.SourceAddress())
	require.Equal(t, gatewayMAC, eth.DestinationAddress())
	require.Equal(t, header.IPv4ProtocolNumber, eth.Type())

	datagram := frames[0].frame[header.EthernetMinimumSize:]
	ipHdr := header.IPv4(datagram)
	ipHdrSrc := ipHdr.SourceAddress()
	ipHdrDst := ipHdr.DestinationAddress()
	require.Equal(t, routerAddr, mustAddrFromSlice(ipHdrSrc.AsSlice()))
	require.Equal(t, peer, mustAddrFromSlice(ipHdrDst.AsSlice()))
	requireValidChecksums(t, datagram)

	icmpHdr := header.ICMPv4(datagram[ipHdr.HeaderLength():])
	require.Equal(t, header.ICMPv4EchoReply, icmpHdr.Type())
	require.Equal(t, uint16(0xbeef), icmpHdr.Ident())
	require.Equal(t, uint16(7), icmpHdr.Sequence())
	require.Equal(t, payload, icmpHdr.Payload())
}

func TestForwardingTTLExhaustion(t *testing.T) {
	transport := &memTransport{}
	r := newTestRouter(t, transport, nil)

	// Warm the cache so the error can be emitted synchronously.
	require.NoError(t, r.HandleFrame("eth3", buildARPReply(gatewayMAC, gatewayAddr, routerMAC, routerAddr)))
	transport.take()

	sender := netip.MustParseAddr("1.2.3.4")
	datagram := buildEcho(sender, netip.MustParseAddr("107.23.115.131"), 1, header.ICMPv4Echo, 1, 1, nil)
	require.NoError(t, r.HandleFrame("eth3", buildFrame(routerMAC, hostMAC, datagram)))

	frames := transport.take()
	require.Len(t, frames, 1)
	require.Equal(t, "eth3", frames[0].iface)

	errDatagram := frames[0].frame[header.EthernetMinimumSize:]
	ipHdr := header.IPv4(errDatagram)
	ipHdrSrc := ipHdr.SourceAddress()
	ipHdrDst := ipHdr.DestinationAddress()
	require.Equal(t, routerAddr, mustAddrFromSlice(ipHdrSrc.AsSlice()))
	require.Equal(t, sender, mustAddrFromSlice(ipHdrDst.AsSlice()))
	requireValidChecksums(t, errDatagram)

	icmpHdr := header.ICMPv4(errDatagram[ipHdr.HeaderLength():])
	require.Equal(t, header.ICMPv4TimeExceeded, icmpHdr.Type())
	require.Equal(t, header.ICMPv4TTLExceeded, icmpHdr.Code())

	// The error carries the offending header as it was received.
	require.Equal(t, datagram[:header.IPv4MinimumSize], icmpHdr.Payload()[:header.IPv4MinimumSize])
}

func TestForwardingRouteBackOutIngress(t *testing.T) {
	transport := &memTransport{}
	r := newTestRouter(t, transport, nil)

	require.NoError(t, r.HandleFrame("eth3", buildARPReply(gatewayMAC, gatewayAddr, routerMAC, routerAddr)))
	transport.take()

	// The destination routes back out the ingress interface.
	sender := netip.MustParseAddr("1.2.3.4")
	datagram := buildEcho(sender, netip.MustParseAddr("1.2.3.99"), 64, header.ICMPv4Echo, 1, 1, nil)
	require.NoError(t, r.HandleFrame("eth3", buildFrame(routerMAC, hostMAC, datagram)))

	frames := transport.take()
	require.Len(t, frames, 1)

	errDatagram := frames[0].frame[header.EthernetMinimumSize:]
	ipHdr := header.IPv4(errDatagram)
	icmpHdr := header.ICMPv4(errDatagram[ipHdr.HeaderLength():])
	require.Equal(t, header.ICMPv4DstUnreachable, icmpHdr.Type())
	require.Equal(t, header.ICMPv4NetUnreachable, icmpHdr.Code())
}

func TestFrameForAnotherHostIsIgnored(t *testing.T) {
	transport := &memTransport{}
	r := newTestRouter(t, transport, nil)

	otherMAC := tcpip.LinkAddress("\x0e\x20\xab\x80\x00\x99")
	frame := buildFrame(otherMAC, hostMAC,
		buildEcho(gatewayAddr, routerAddr, 64, header.ICMPv4Echo, 1, 1, nil))
	require.NoError(t, r.HandleFrame("eth3", frame))

	require.Empty(t, transport.take())
}

func TestUnknownInterface(t *testing.T) {
	transport := &memTransport{}
	r := newTestRouter(t, transport, nil)

	err := r.HandleFrame("eth9", buildARPRequest(hostMAC, gatewayAddr, routerAddr))
	require.ErrorIs(t, err, router.ErrUnknownInterface)
}

func TestNATEchoRoundTrip(t *testing.T) {
	transport := &memTransport{}

	internalMAC := tcpip.LinkAddress("\x0e\x20\xab\x92\xe8\xc1")
	externalMAC := tcpip.LinkAddress("\x0e\x20\xab\x92\xe8\xc2")
	extGatewayMAC := tcpip.LinkAddress("\x0e\x20\xab\x80\x00\x03")

	internalAddr := netip.MustParseAddr("10.0.0.1")
	externalAddr := netip.MustParseAddr("192.0.2.1")
	extGatewayAddr := netip.MustParseAddr("192.0.2.254")
	internalHost := netip.MustParseAddr("10.0.0.100")

	r, err := router.New(context.Background(), slogt.New(t), transport, &router.Config{
		Interfaces: []router.Interface{
			{Name: "eth1", HardwareAddr: internalMAC, Addr: internalAddr},
			{Name: "eth0", HardwareAddr: externalMAC, Addr: externalAddr},
		},
		Routes: []router.Route{
			{Destination: netip.MustParsePrefix("10.0.0.0/24"), Interface: "eth1"},
			{Destination: netip.MustParsePrefix("0.0.0.0/0"), Gateway: extGatewayAddr, Interface: "eth0"},
		},
		NAT: &nat.Config{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	// Warm the caches on both sides.
	require.NoError(t, r.HandleFrame("eth0", buildARPReply(extGatewayMAC, extGatewayAddr, externalMAC, externalAddr)))
	require.NoError(t, r.HandleFrame("eth1", buildARPReply(hostMAC, internalHost, internalMAC, internalAddr)))
	transport.take()

	payload := []byte("pingpong")
	request := buildEcho(internalHost, netip.MustParseAddr("8.8.8.8"), 64, header.ICMPv4Echo, 0x4242, 1, payload)
	require.NoError(t, r.HandleFrame("eth1", buildFrame(internalMAC, hostMAC, request)))

	frames := transport.take()
	require.Len(t, frames, 1)
	require.Equal(t, "eth0", frames[0].iface)

	outDatagram := frames[0].frame[header.EthernetMinimumSize:]
	outIPHdr := header.IPv4(outDatagram)
	outIPHdrSrc := outIPHdr.SourceAddress()
	require.Equal(t, externalAddr, mustAddrFromSlice(outIPHdrSrc.AsSlice()))
	require.Equal(t, uint8(63), outIPHdr.TTL())
	requireValidChecksums(t, outDatagram)

	outICMPHdr := header.ICMPv4(outDatagram[outIPHdr.HeaderLength():])
	require.Equal(t, uint16(50000), outICMPHdr.Ident())

	reply := buildEcho(netip.MustParseAddr("8.8.8.8"), externalAddr, 64, header.ICMPv4EchoReply, 50000, 1, payload)
	require.NoError(t, r.HandleFrame("eth0", buildFrame(externalMAC, extGatewayMAC, reply)))

	frames = transport.take()
	require.Len(t, frames, 1)
	require.Equal(t, "eth1", frames[0].iface)

	inDatagram := frames[0].frame[header.EthernetMinimumSize:]
	inIPHdr := header.IPv4(inDatagram)
	inIPHdrDst := inIPHdr.DestinationAddress()
	require.Equal(t, internalHost, mustAddrFromSlice(inIPHdrDst.AsSlice()))
	requireValidChecksums(t, inDatagram)

	inICMPHdr := header.ICMPv4(inDatagram[inIPHdr.HeaderLength():])
	require.Equal(t, uint16(0x4242), inICMPHdr.Ident())
	require.Equal(t, payload, inICMPHdr.Payload())
}

// newTestRouter creates a router with interfaces eth3 and eth0. The
// 1.2.3.0/24 and 64.121.20.0/24 networks route via the gateway on eth3;
// the default route leaves through eth0.
func newTestRouter(t *testing.T, transport router.Transport, natConf *nat.Config) *router.Router {
	t.Helper()

	r, err := router.New(context.Background(), slogt.New(t), transport, &router.Config{
		Interfaces: []router.Interface{{
			Name:         "eth3",
			HardwareAddr: routerMAC,
			Addr:         routerAddr,
		}, {
			Name:         "eth0",
			HardwareAddr: routerMAC2,
			Addr:         netip.MustParseAddr("172.16.0.1"),
		}},
		Routes: []router.Route{
			{Destination: netip.MustParsePrefix("10.0.1.0/24"), Interface: "eth3"},
			{Destination: netip.MustParsePrefix("1.2.3.0/24"), Gateway: gatewayAddr, Interface: "eth3"},
			{Destination: netip.MustParsePrefix("64.121.20.0/24"), Gateway: gatewayAddr, Interface: "eth3"},
			{Destination: netip.MustParsePrefix("0.0.0.0/0"), Gateway: netip.MustParseAddr("172.16.0.254"), Interface: "eth0"},
		},
		NAT: natConf,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	return r
}

func mustAddrFromSlice(b []byte) netip.Addr {
	addr, ok := netip.AddrFromSlice(b)
	if !ok {
		panic("invalid address")
	}
	return addr
}

func toAddress(addr netip.Addr) tcpip.Address {
	return tcpip.AddrFromSlice(addr.AsSlice())
}

func buildFrame(dstMAC, srcMAC tcpip.LinkAddress, datagram []byte) []byte {
	frame := make([]byte, header.EthernetMinimumSize+len(datagram))

	eth := header.Ethernet(frame)
	eth.Encode(&header.EthernetFields{
		SrcAddr: srcMAC,
		DstAddr: dstMAC,
		Type:    header.IPv4ProtocolNumber,
	})
	copy(frame[header.EthernetMinimumSize:], datagram)

	return frame
}

func buildARPRequest(senderMAC tcpip.LinkAddress, senderIP, targetIP netip.Addr) []byte {
	frame := make([]byte, header.EthernetMinimumSize+header.ARPSize)

	eth := header.Ethernet(frame)
	eth.Encode(&header.EthernetFields{
		SrcAddr: senderMAC,
		DstAddr: broadcast,
		Type:    header.ARPProtocolNumber,
	})

	arpHdr := header.ARP(frame[header.EthernetMinimumSize:])
	arpHdr.SetIPv4OverEthernet()
	arpHdr.SetOp(header.ARPRequest)
	copy(arpHdr.HardwareAddressSender(), senderMAC)
	copy(arpHdr.ProtocolAddressSender(), senderIP.AsSlice())
	copy(arpHdr.ProtocolAddressTarget(), targetIP.AsSlice())

	return frame
}

func buildARPReply(senderMAC tcpip.LinkAddress, senderIP netip.Addr, targetMAC tcpip.LinkAddress, targetIP netip.Addr) []byte {
	frame := make([]byte, header.EthernetMinimumSize+header.ARPSize)

	eth := header.Ethernet(frame)
	eth.Encode(&header.EthernetFields{
		SrcAddr: senderMAC,
		DstAddr: targetMAC,
		Type:    header.ARPProtocolNumber,
	})

	arpHdr := header.ARP(frame[header.EthernetMinimumSize:])
	arpHdr.SetIPv4OverEthernet()
	arpHdr.SetOp(header.ARPReply)
	copy(arpHdr.HardwareAddressSender(), senderMAC)
	copy(arpHdr.ProtocolAddressSender(), senderIP.AsSlice())
	copy(arpHdr.HardwareAddressTarget(), targetMAC)
	copy(arpHdr.ProtocolAddressTarget(), targetIP.AsSlice())

	return frame
}

func buildEcho(src, dst netip.Addr, ttl uint8, icmpType header.ICMPv4Type, ident, seq uint16, payload []byte) []byte {
	size := header.IPv4MinimumSize + header.ICMPv4MinimumSize + len(payload)
	datagram := make([]byte, size)

	ipHdr := header.IPv4(datagram)
	ipHdr.Encode(&header.IPv4Fields{
		TotalLength: uint16(size),
		TTL:         ttl,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     toAddress(src),
		DstAddr:     toAddress(dst),
	})
	ipHdr.SetChecksum(^ipHdr.CalculateChecksum())

	icmpHdr := header.ICMPv4(datagram[header.IPv4MinimumSize:])
	icmpHdr.SetType(icmpType)
	icmpHdr.SetIdent(ident)
	icmpHdr.SetSequence(seq)
	copy(icmpHdr.Payload(), payload)
	icmpHdr.SetChecksum(^checksum.Checksum(icmpHdr, 0))

	return datagram
}

func requireValidChecksums(t *testing.T, datagram []byte) {
	t.Helper()

	ipHdr := header.IPv4(datagram)
	require.Equal(t, uint16(0xffff), checksum.Checksum(datagram[:ipHdr.HeaderLength()], 0))

	if ipHdr.Protocol() == uint8(header.ICMPv4ProtocolNumber) {
		require.Equal(t, uint16(0xffff), checksum.Checksum(datagram[ipHdr.HeaderLength():], 0))
	}
}
