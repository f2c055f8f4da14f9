package dhcpclient

import (
	"context"
	"net/netip"
	"testing"

	"hermes/internal/bufpool"
	"hermes/internal/ipstack"
	"hermes/internal/udpstack"
)

func newTestClient(t *testing.T) (*Client, *bufpool.Pool) {
	t.Helper()
	pool := bufpool.New(4, 600)
	ip := ipstack.New(pool, func(ctx context.Context, iface bufpool.InterfaceID, addr netip.Addr) ([6]byte, bool) {
		return [6]byte{1, 2, 3, 4, 5, 6}, true
	}, nil)
	udp := udpstack.New(ip, pool, nil)
	mac := [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	return New(udp, ip, pool, 0, mac, nil), pool
}

// buildOffer constructs a synthetic DHCPOFFER datagram addressed to
// this client's current transaction id, as if received from the UDP
// layer's demux (IP header intact at buf.Raw()[0:20]).
func buildOffer(t *testing.T, c *Client, serverIP netip.Addr, yourIP netip.Addr, mask netip.Addr, gateway netip.Addr) *bufpool.Buffer {
	t.Helper()
	buf, err := c.ip.NewDatagram(serverIP, bootpHeaderSize+64, c.iface)
	if err != nil {
		t.Fatalf("NewDatagram: %v", err)
	}

	buf.WriteByte(opBootReply)
	buf.WriteByte(htypeEthernet)
	buf.WriteByte(hlenEthernet)
	buf.WriteByte(0)
	buf.WriteUint32(c.xid)
	buf.WriteUint16(0)
	buf.WriteUint16(0)
	buf.WriteUint32(0)
	buf.WriteIP(yourIP)
	buf.WriteUint32(0)
	server4 := serverIP.As4()
	buf.WriteBytes(server4[:])
	buf.WriteBytes(make([]byte, 16+64+128))

	buf.WriteUint32(magicCookie)
	buf.WriteByte(optMessageType)
	buf.WriteByte(1)
	buf.WriteByte(msgOffer)
	buf.WriteByte(optSubnetMask)
	buf.WriteByte(4)
	buf.WriteIP(mask)
	buf.WriteByte(optRouter)
	buf.WriteByte(4)
	buf.WriteIP(gateway)
	buf.WriteByte(optEnd)

	buf.SeekCursor(0)

	// Finalize the IP header the way ip.Send would, so buf.Raw()[12:16]
	// carries the server's source address for parse() to read back.
	raw := buf.Raw()
	local := serverIP.As4()
	copy(raw[12:16], local[:])
	return buf
}

func TestParseExtractsOfferedLease(t *testing.T) {
	c, pool := newTestClient(t)
	c.xid = 0xAABBCCDD

	server := netip.AddrFrom4([4]byte{10, 0, 0, 1})
	yourIP := netip.AddrFrom4([4]byte{10, 0, 0, 50})
	mask := netip.AddrFrom4([4]byte{255, 255, 255, 0})
	gateway := netip.AddrFrom4([4]byte{10, 0, 0, 1})

	buf := buildOffer(t, c, server, yourIP, mask, gateway)
	lease, msgType := c.parse(buf)

	if msgType != msgOffer {
		t.Fatalf("expected msgOffer, got %d", msgType)
	}
	if lease.Address != yourIP {
		t.Fatalf("expected offered address %v, got %v", yourIP, lease.Address)
	}
	if lease.Mask != mask {
		t.Fatalf("expected mask %v, got %v", mask, lease.Mask)
	}
	if lease.Gateway != gateway {
		t.Fatalf("expected gateway %v, got %v", gateway, lease.Gateway)
	}
	if lease.Server != server {
		t.Fatalf("expected server %v, got %v", server, lease.Server)
	}
	_ = pool
}

func TestParseRejectsMismatchedTransactionID(t *testing.T) {
	c, _ := newTestClient(t)
	c.xid = 1

	buf := buildOffer(t, c, netip.AddrFrom4([4]byte{10, 0, 0, 1}),
		netip.AddrFrom4([4]byte{10, 0, 0, 50}),
		netip.AddrFrom4([4]byte{255, 255, 255, 0}),
		netip.AddrFrom4([4]byte{10, 0, 0, 1}))

	c.xid = 2 // simulate a stale/foreign reply arriving after a new discover
	_, msgType := c.parse(buf)
	if msgType != 0 {
		t.Fatalf("expected a transaction id mismatch to be rejected, got msgType %d", msgType)
	}
}

func TestGetIPRefusesWhenAlreadyAddressed(t *testing.T) {
	c, _ := newTestClient(t)
	c.ip.Local[0] = netip.AddrFrom4([4]byte{10, 0, 0, 5})

	_, err := c.GetIP(context.Background())
	if err != ErrAlreadyHave {
		t.Fatalf("expected ErrAlreadyHave, got %v", err)
	}
}
