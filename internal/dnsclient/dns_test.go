package dnsclient

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"hermes/internal/bufpool"
	"hermes/internal/ipstack"
	"hermes/internal/udpstack"

	"github.com/miekg/dns"
)

func newTestClient(t *testing.T) (*Client, *bufpool.Pool) {
	t.Helper()
	pool := bufpool.New(4, 600)
	ip := ipstack.New(pool, func(ctx context.Context, iface bufpool.InterfaceID, addr netip.Addr) ([6]byte, bool) {
		return [6]byte{1, 2, 3, 4, 5, 6}, true
	}, nil)
	udpStack := udpstack.New(ip, pool, nil)
	server := netip.AddrFrom4([4]byte{8, 8, 8, 8})
	return New(udpStack, ip, pool, server, 0, nil), pool
}

func buildAnswer(t *testing.T, id uint16, host string, addr netip.Addr) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.Id = id
	msg.Response = true

	rr := &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(host), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP(addr.String()),
	}
	msg.Answer = append(msg.Answer, rr)

	wire, err := msg.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return wire
}

func TestParseExtractsARecord(t *testing.T) {
	c, _ := newTestClient(t)
	wire := buildAnswer(t, 0x1234, "example.com.", netip.AddrFrom4([4]byte{93, 184, 216, 34}))

	buf, err := c.udp.NewDatagram(socketID)
	if err != nil {
		t.Fatalf("NewDatagram: %v", err)
	}
	buf.WriteBytes(wire)

	addr, err := c.parse(buf, 0x1234)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr != netip.AddrFrom4([4]byte{93, 184, 216, 34}) {
		t.Fatalf("unexpected address: %v", addr)
	}
}

func TestParseRejectsMismatchedID(t *testing.T) {
	c, _ := newTestClient(t)
	wire := buildAnswer(t, 0x1234, "example.com.", netip.AddrFrom4([4]byte{93, 184, 216, 34}))

	buf, err := c.udp.NewDatagram(socketID)
	if err != nil {
		t.Fatalf("NewDatagram: %v", err)
	}
	buf.WriteBytes(wire)

	if _, err := c.parse(buf, 0xffff); err == nil {
		t.Fatal("expected a transaction id mismatch to be rejected")
	}
}

func TestParseRejectsEmptyAnswer(t *testing.T) {
	c, _ := newTestClient(t)
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("example.com."), dns.TypeA)
	msg.Id = 7
	msg.Response = true
	wire, err := msg.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	buf, err := c.udp.NewDatagram(socketID)
	if err != nil {
		t.Fatalf("NewDatagram: %v", err)
	}
	buf.WriteBytes(wire)

	if _, err := c.parse(buf, 7); err != ErrNoAnswer {
		t.Fatalf("expected ErrNoAnswer, got %v", err)
	}
}
