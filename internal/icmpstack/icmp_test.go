package icmpstack

import (
	"context"
	"net/netip"
	"testing"

	"hermes/internal/bufpool"
	"hermes/internal/checksum"
	"hermes/internal/ipstack"
	"hermes/internal/linkdriver"
)

func newWiredStack(t *testing.T) (*Stack, *ipstack.Stack, *linkdriver.Loopback) {
	t.Helper()
	pool := bufpool.New(4, 256)
	driver := linkdriver.NewLoopback([6]byte{1, 2, 3, 4, 5, 6})

	ip := ipstack.New(pool, func(context.Context, bufpool.InterfaceID, netip.Addr) ([6]byte, bool) {
		return [6]byte{9, 9, 9, 9, 9, 9}, true
	}, nil)
	ip.Local[0] = netip.AddrFrom4([4]byte{10, 0, 0, 1})
	ip.BindDriver(0, driver)

	icmp := New(ip, pool, nil)
	return icmp, ip, driver
}

func TestDemuxDropsShortMessage(t *testing.T) {
	icmp, ip, driver := newWiredStack(t)
	replies := 0
	driver.OnReceive(func(et linkdriver.EtherType, frame []byte) { replies++ })

	pool := bufpool.New(1, 16)
	buf, _ := pool.Get(4)
	buf.WriteBytes([]byte{typeEchoRequest, 0, 0, 0}) // shorter than headerLen

	icmp.demux(buf, ipstack.ProtoICMP, ip.Local[0], ip.Local[0])
	if replies != 0 {
		t.Fatalf("a short message must never reach reply construction, got %d replies", replies)
	}
}

func TestDemuxDropsBadChecksum(t *testing.T) {
	icmp, ip, driver := newWiredStack(t)
	replies := 0
	driver.OnReceive(func(et linkdriver.EtherType, frame []byte) { replies++ })

	pool := bufpool.New(1, 16)
	buf, _ := pool.Get(headerLen)
	buf.WriteByte(typeEchoRequest)
	buf.WriteByte(0)
	buf.WriteUint16(0xdead) // wrong checksum
	buf.WriteUint16(1)
	buf.WriteUint16(1)

	icmp.demux(buf, ipstack.ProtoICMP, ip.Local[0], ip.Local[0])
	if replies != 0 {
		t.Fatalf("a bad checksum must never reach reply construction, got %d replies", replies)
	}
}

func TestDemuxAnswersEchoRequest(t *testing.T) {
	icmp, ip, driver := newWiredStack(t)

	var reply []byte
	driver.OnReceive(func(et linkdriver.EtherType, frame []byte) {
		reply = append([]byte(nil), frame...)
	})

	pool := bufpool.New(1, ipstack.HeaderLen+headerLen)
	buf, _ := pool.Get(ipstack.HeaderLen + headerLen)
	buf.Crop(ipstack.HeaderLen)
	buf.Interface = 0
	buf.WriteByte(typeEchoRequest)
	buf.WriteByte(0)
	buf.WriteUint16(0)
	buf.WriteUint16(42)
	buf.WriteUint16(7)
	sum := checksum.Of(buf.Data())
	raw := buf.Raw()
	off := buf.Offset()
	raw[off+2] = byte(sum >> 8)
	raw[off+3] = byte(sum)

	peer := netip.AddrFrom4([4]byte{10, 0, 0, 2})
	icmp.demux(buf, ipstack.ProtoICMP, peer, ip.Local[0])

	if reply == nil {
		t.Fatalf("an echo request addressed to this host should produce an echo reply")
	}
}
