// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package router implements a software IPv4 router for virtual network
// testbeds. Raw Ethernet frames are handed to the router by a
// transport, processed synchronously, and emitted back through the
// transport. The router terminates ARP at each of its interfaces,
// answers ICMP echoes addressed to itself, forwards IPv4 unicast
// traffic along a static routing table, and can translate the
// addresses and ports of hosts behind a designated internal interface
// so that they share the address of the egress interface.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/noisysockets/router/internal/util"
	"github.com/noisysockets/router/nat"
	"golang.org/x/sync/errgroup"
)

// Router is a software IPv4 router processing raw Ethernet frames.
type Router struct {
	logger     *slog.Logger
	transport  Transport
	interfaces *interfaceTable
	routes     *RouteTable
	pool       *PacketPool
	// nat is nil when address translation is disabled.
	nat     *nat.Table
	capture *packetCapture

	arpCache           *ttlcache.Cache[netip.Addr, tcpip.LinkAddress]
	arpRequestTimeout  time.Duration
	arpRequestAttempts int
	arpMu              sync.Mutex
	arpRequests        map[netip.Addr]*arpRequest

	// ipID is the identification counter for locally originated
	// datagrams.
	ipID atomic.Uint32

	closed      atomic.Bool
	tasks       *errgroup.Group
	tasksCtx    context.Context
	tasksCancel context.CancelFunc
}

// New creates a router that emits frames through transport. Frames are
// fed to the router by calling HandleFrame.
func New(ctx context.Context, logger *slog.Logger, transport Transport, conf *Config) (*Router, error) {
	conf, err := util.ConfigWithDefaults(conf, &defaultConf)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	if len(conf.Interfaces) == 0 {
		return nil, errors.New("at least one interface is required")
	}

	interfaces, err := newInterfaceTable(conf.Interfaces)
	if err != nil {
		return nil, err
	}

	routes, err := NewRouteTable(conf.Routes)
	if err != nil {
		return nil, err
	}

	for _, route := range conf.Routes {
		if _, ok := interfaces.lookupName(route.Interface); !ok {
			return nil, fmt.Errorf("route %s references unknown interface %q",
				route.Destination, route.Interface)
		}
	}

	tasksCtx, tasksCancel := context.WithCancel(ctx)
	tasks, tasksCtx := errgroup.WithContext(tasksCtx)

	r := &Router{
		logger:     logger,
		transport:  transport,
		interfaces: interfaces,
		routes:     routes,
		pool:       NewPacketPool(*conf.PacketPoolSize),
		arpCache: ttlcache.New[netip.Addr, tcpip.LinkAddress](
			ttlcache.WithTTL[netip.Addr, tcpip.LinkAddress](*conf.ARPCacheTTL),
			ttlcache.WithDisableTouchOnHit[netip.Addr, tcpip.LinkAddress](),
		),
		arpRequestTimeout:  *conf.ARPRequestTimeout,
		arpRequestAttempts: *conf.ARPRequestAttempts,
		arpRequests:        make(map[netip.Addr]*arpRequest),
		tasks:              tasks,
		tasksCtx:           tasksCtx,
		tasksCancel:        tasksCancel,
	}

	if conf.NAT != nil {
		r.nat, err = nat.NewTable(logger, conf.NAT)
		if err != nil {
			return nil, fmt.Errorf("failed to create translation table: %w", err)
		}

		if _, ok := interfaces.lookupName(r.nat.InternalInterface()); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownInterface, r.nat.InternalInterface())
		}
	}

	if conf.PacketCapturePath != nil && *conf.PacketCapturePath != "" {
		r.capture, err = newPacketCapture(*conf.PacketCapturePath)
		if err != nil {
			return nil, err
		}
	}

	r.tasks.Go(func() error {
		r.arpCache.Start()
		return nil
	})

	r.tasks.Go(r.arpRetryTask)

	if r.nat != nil {
		r.tasks.Go(r.natSweepTask)
	}

	return r, nil
}

// Close stops the background tasks and releases any frames still
// waiting on address resolution.
func (r *Router) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.tasksCancel()
	r.arpCache.Stop()

	if err := r.tasks.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	r.arpMu.Lock()
	for ip, req := range r.arpRequests {
		for _, pf := range req.queued {
			pf.pkt.Release()
		}
		delete(r.arpRequests, ip)
	}
	r.arpMu.Unlock()

	if r.capture != nil {
		if err := r.capture.Close(); err != nil {
			return fmt.Errorf("failed to close packet capture: %w", err)
		}
	}

	return nil
}

// HandleFrame processes a single Ethernet frame received on the named
// interface. The frame buffer is owned by the caller and is never
// retained or mutated. Zero or more frames may be emitted through the
// transport before HandleFrame returns.
func (r *Router) HandleFrame(ifaceName string, frame []byte) error {
	if r.closed.Load() {
		return ErrRouterClosed
	}

	iface, ok := r.interfaces.lookupName(ifaceName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, ifaceName)
	}

	if r.capture != nil {
		r.capture.writeFrame(frame)
	}

	if len(frame) < header.EthernetMinimumSize {
		return nil
	}

	eth := header.Ethernet(frame)
	if dst := eth.DestinationAddress(); dst != iface.HardwareAddr && dst != broadcastAddr {
		return nil
	}

	switch eth.Type() {
	case header.ARPProtocolNumber:
		r.handleARP(iface, frame)
	case header.IPv4ProtocolNumber:
		r.handleIPv4(iface, frame)
	default:
		r.logger.Debug("Dropping frame with unhandled ethertype",
			slog.Int("type", int(eth.Type())))
	}

	return nil
}

// sendFrame emits a frame through the transport, mirroring it into the
// packet capture when one is configured.
func (r *Router) sendFrame(ifaceName string, frame []byte) error {
	if r.capture != nil {
		r.capture.writeFrame(frame)
	}

	return r.transport.SendFrame(ifaceName, frame)
}

func (r *Router) nextIPID() uint16 {
	return uint16(r.ipID.Add(1))
}

func (r *Router) arpRetryTask() error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.tasksCtx.Done():
			return r.tasksCtx.Err()
		case now := <-ticker.C:
			r.arpRetryTick(now)
		}
	}
}

// natSweepTask periodically expires idle mappings. Queued inbound SYNs
// whose simultaneous open window lapsed are answered with port
// unreachable errors toward their senders.
func (r *Router) natSweepTask() error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.tasksCtx.Done():
			return r.tasksCtx.Err()
		case now := <-ticker.C:
			for _, datagram := range r.nat.Sweep(now) {
				r.sendICMPError(datagram, header.ICMPv4DstUnreachable, header.ICMPv4PortUnreachable)
			}
		}
	}
}
