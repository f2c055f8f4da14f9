// Package stack wires every protocol layer into one running TCP/IP
// stack: the shared buffer pool, the single dispatcher, per-interface
// link drivers and ARP resolvers, the IPv4/ICMP/UDP/TCP layers, and the
// DHCP/DNS/SMTP clients built on top of them.
package stack

import (
	"context"
	"net/netip"

	"hermes/internal/arpstack"
	"hermes/internal/bufpool"
	"hermes/internal/dhcpclient"
	"hermes/internal/dispatch"
	"hermes/internal/dnsclient"
	"hermes/internal/icmpstack"
	"hermes/internal/ipstack"
	"hermes/internal/linkdriver"
	"hermes/internal/smtpclient"
	"hermes/internal/tcpstack"
	"hermes/internal/udpstack"

	"github.com/sirupsen/logrus"
)

// poolSlots and slotCapacity size the shared buffer pool; slotCapacity
// must hold the largest frame any layer ever builds (a full TCP segment
// plus its IPv4 header comfortably fits under 1500).
const (
	poolSlots    = 16
	slotCapacity = 1500
)

// Stack owns every protocol layer for up to ipstack.MaxInterfaces link
// interfaces and drives their dispatch loop and ARP cache tickers.
type Stack struct {
	Pool *bufpool.Pool

	dispatcher *dispatch.Dispatcher
	arp        [ipstack.MaxInterfaces]*arpstack.Stack
	drivers    [ipstack.MaxInterfaces]linkdriver.Driver

	IP   *ipstack.Stack
	ICMP *icmpstack.Stack
	UDP  *udpstack.Stack
	TCP  *tcpstack.Stack

	DHCP *dhcpclient.Client
	DNS  *dnsclient.Client
	SMTP *smtpclient.Client

	log *logrus.Entry
}

// New builds a Stack with every layer constructed and wired together,
// but no interface attached yet: call AttachInterface once per link
// before Run.
func New(log *logrus.Entry) *Stack {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	pool := bufpool.New(poolSlots, slotCapacity)
	dispatcher := dispatch.New(pool, log)

	s := &Stack{
		Pool:       pool,
		dispatcher: dispatcher,
		log:        log.WithField("component", "stack"),
	}

	s.IP = ipstack.New(pool, s.resolve, log)
	s.ICMP = icmpstack.New(s.IP, pool, log)
	s.UDP = udpstack.New(s.IP, pool, log)
	s.TCP = tcpstack.New(s.IP, pool, log)

	dispatcher.Register(bufpool.TagIP, s.IP.Parse)
	dispatcher.Register(bufpool.TagARP, s.parseARP)

	return s
}

// AttachInterface binds driver to iface, addresses it with localIP/
// mask/gateway, and creates that interface's ARP cache (its ticker
// starts in Run). A driver
// that also implements an OnReceive-style registration (e.g.
// linkdriver.Loopback) should have its receive callback set to
// s.Ingest before or after this call.
func (s *Stack) AttachInterface(iface bufpool.InterfaceID, driver linkdriver.Driver, localIP, mask, gateway netip.Addr) {
	s.drivers[iface] = driver
	s.arp[iface] = arpstack.New(localIP, driver, s.Pool, s.log)

	s.IP.BindDriver(iface, driver)
	s.IP.Local[iface] = localIP
	s.IP.Mask[iface] = mask
	s.IP.Gateway[iface] = gateway
}

// WithDHCP attaches a DHCP client bound to iface/mac, usable once
// AttachInterface has registered that interface.
func (s *Stack) WithDHCP(iface bufpool.InterfaceID, mac [6]byte) *dhcpclient.Client {
	s.DHCP = dhcpclient.New(s.UDP, s.IP, s.Pool, iface, mac, s.log)
	return s.DHCP
}

// WithDNS attaches a DNS client resolving against server over iface.
func (s *Stack) WithDNS(server netip.Addr, iface bufpool.InterfaceID) *dnsclient.Client {
	s.DNS = dnsclient.New(s.UDP, s.IP, s.Pool, server, iface, s.log)
	return s.DNS
}

// WithSMTP attaches an SMTP client driving the TCP layer.
func (s *Stack) WithSMTP() *smtpclient.Client {
	s.SMTP = smtpclient.New(s.TCP, s.Pool, s.log)
	return s.SMTP
}

// Run starts the dispatcher and every attached interface's ARP ticker,
// blocking until ctx is canceled.
func (s *Stack) Run(ctx context.Context) {
	for i := range s.arp {
		if s.arp[i] != nil {
			go s.arp[i].Run(ctx)
		}
	}
	s.dispatcher.Run(ctx)
}

// Ingest accepts one received frame off iface, tags a pool buffer with
// it, and wakes the dispatcher. Link drivers that support a receive
// callback (linkdriver.Loopback.OnReceive, or a real NIC driver outside
// this module) should be wired to call this for every frame delivered.
func (s *Stack) Ingest(iface bufpool.InterfaceID, et linkdriver.EtherType, frame []byte) {
	buf, err := s.Pool.Get(len(frame))
	if err != nil {
		s.log.WithError(err).Debug("dropping received frame: buffer pool exhausted")
		return
	}
	buf.Interface = iface
	buf.WriteBytes(frame)
	buf.SeekCursor(0)

	var tag bufpool.Tag
	switch et {
	case linkdriver.EtherTypeIPv4:
		tag = bufpool.TagIP
	case linkdriver.EtherTypeARP:
		tag = bufpool.TagARP
	default:
		s.Pool.Release(buf)
		return
	}

	s.Pool.Lock()
	buf.Tag = tag
	s.Pool.Unlock()
	s.Pool.Notify()
}

// parseARP is the dispatcher parser registered for bufpool.TagARP: it
// hands the buffer to the resolver owning the interface it arrived on.
func (s *Stack) parseARP(buf *bufpool.Buffer) {
	iface := buf.Interface
	if int(iface) >= len(s.arp) || s.arp[iface] == nil {
		return
	}
	s.arp[iface].Parse(context.Background(), buf)
}

// resolve is the ipstack.Stack resolve callback: it dispatches to the
// ARP resolver owning the datagram's outgoing interface.
func (s *Stack) resolve(ctx context.Context, iface bufpool.InterfaceID, ip netip.Addr) ([6]byte, bool) {
	if int(iface) >= len(s.arp) || s.arp[iface] == nil {
		return [6]byte{}, false
	}
	return s.arp[iface].Resolve(ctx, ip)
}
