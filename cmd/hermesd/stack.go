package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"hermes/internal/bufpool"
	"hermes/internal/config"
	"hermes/internal/linkdriver"
	"hermes/internal/stack"

	"github.com/sirupsen/logrus"
)

// dhcpTimeout bounds how long buildStack waits for a DHCP lease before
// giving up on a DHCP-enabled interface.
const dhcpTimeout = 10 * time.Second

// buildStack constructs a *stack.Stack from cfg: one link driver per
// configured interface (a UDPTunnel when TunnelPeer is set, otherwise
// an in-memory Loopback for self-test use), starts the dispatcher and
// ARP tickers, then runs DHCP against any interface configured for it.
// The dispatcher must already be running before DHCP's discover/
// request exchange, since the lease offer arrives through it.
func buildStack(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*stack.Stack, error) {
	if len(cfg.Interfaces) == 0 {
		return nil, fmt.Errorf("at least one interface must be configured")
	}

	s := stack.New(log)
	macs := make([][6]byte, len(cfg.Interfaces))

	for i, ifcfg := range cfg.Interfaces {
		iface := bufpool.InterfaceID(i)

		mac, err := parseMAC(ifcfg.MAC)
		if err != nil {
			return nil, fmt.Errorf("interface %q: mac: %w", ifcfg.Name, err)
		}
		macs[i] = mac

		driver, err := buildDriver(ctx, iface, mac, ifcfg, s, log)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", ifcfg.Name, err)
		}

		var local, mask, gateway netip.Addr
		if !ifcfg.DHCP {
			if local, mask, gateway, err = parseAddressing(ifcfg); err != nil {
				return nil, fmt.Errorf("interface %q: %w", ifcfg.Name, err)
			}
		}

		s.AttachInterface(iface, driver, local, mask, gateway)
	}

	go s.Run(ctx)

	for i, ifcfg := range cfg.Interfaces {
		if !ifcfg.DHCP {
			continue
		}
		iface := bufpool.InterfaceID(i)

		client := s.WithDHCP(iface, macs[i])
		dhcpCtx, cancel := context.WithTimeout(ctx, dhcpTimeout)
		lease, err := client.GetIP(dhcpCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("interface %q: dhcp: %w", ifcfg.Name, err)
		}

		s.IP.Local[iface] = lease.Address
		s.IP.Mask[iface] = lease.Mask
		s.IP.Gateway[iface] = lease.Gateway
	}

	return s, nil
}

// buildDriver builds iface's link driver and, for a UDPTunnel, starts
// its receive loop feeding s.Ingest.
func buildDriver(ctx context.Context, iface bufpool.InterfaceID, mac [6]byte, ifcfg config.InterfaceConfig, s *stack.Stack, log *logrus.Entry) (linkdriver.Driver, error) {
	if ifcfg.TunnelPeer == "" {
		loop := linkdriver.NewLoopback(mac)
		loop.OnReceive(func(et linkdriver.EtherType, frame []byte) {
			s.Ingest(iface, et, frame)
		})
		return loop, nil
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	peer, err := net.ResolveUDPAddr("udp4", ifcfg.TunnelPeer)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("resolve tunnel_peer %q: %w", ifcfg.TunnelPeer, err)
	}

	tunnel := linkdriver.NewUDPTunnel(mac, conn, peer, log)
	go tunnel.Run(ctx, func(et linkdriver.EtherType, frame []byte) {
		s.Ingest(iface, et, frame)
	})
	return tunnel, nil
}

// parseAddressing parses an interface's static address/mask/gateway.
func parseAddressing(ifcfg config.InterfaceConfig) (local, mask, gateway netip.Addr, err error) {
	if local, err = netip.ParseAddr(ifcfg.Address); err != nil {
		return local, mask, gateway, fmt.Errorf("address: %w", err)
	}
	if mask, err = netip.ParseAddr(ifcfg.Mask); err != nil {
		return local, mask, gateway, fmt.Errorf("mask: %w", err)
	}
	if ifcfg.Gateway != "" {
		if gateway, err = netip.ParseAddr(ifcfg.Gateway); err != nil {
			return local, mask, gateway, fmt.Errorf("gateway: %w", err)
		}
	}
	return local, mask, gateway, nil
}

// parseMAC parses a colon-separated MAC address into a fixed 6-byte
// array.
func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil {
		return mac, err
	}
	if len(hw) != 6 {
		return mac, fmt.Errorf("not an ethernet MAC: %s", s)
	}
	copy(mac[:], hw)
	return mac, nil
}
