package tcpstack

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"hermes/internal/bufpool"
	"hermes/internal/ipstack"
)

func newTestStack(t *testing.T) *Stack {
	t.Helper()
	pool := bufpool.New(4, 600)
	ip := ipstack.New(pool, func(ctx context.Context, iface bufpool.InterfaceID, addr netip.Addr) ([6]byte, bool) {
		return [6]byte{1, 2, 3, 4, 5, 6}, true
	}, nil)
	ip.Local[0] = netip.AddrFrom4([4]byte{10, 0, 0, 1})
	return New(ip, pool, nil)
}

func TestGetPortSkipsListeningSockets(t *testing.T) {
	s := newTestStack(t)
	s.sockets[0].enabled = true
	s.sockets[0].listening = true
	s.sockets[0].portLoc = minEphemeralPort

	p := s.GetPort()
	if p == minEphemeralPort {
		t.Fatalf("GetPort returned a port already bound by a listening socket: %d", p)
	}
}

func TestOpenRefusesAlreadyEnabledSocket(t *testing.T) {
	s := newTestStack(t)
	s.sockets[0].enabled = true

	err := s.Open(context.Background(), 0, 6000, netip.AddrFrom4([4]byte{10, 0, 0, 2}), 80, 0)
	if err != ErrSocketBusy {
		t.Fatalf("expected ErrSocketBusy, got %v", err)
	}
}

func TestOpenTimesOutWithoutSynAck(t *testing.T) {
	s := newTestStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Shrink the retry timeout so the test doesn't wait MaxRetries*SegmentTimeout.
	err := s.Open(ctx, 0, 6000, netip.AddrFrom4([4]byte{10, 0, 0, 2}), 80, 0)
	if err == nil {
		t.Fatal("expected Open to fail when no SYN-ACK ever arrives")
	}
	if s.IsOpen(0) {
		t.Fatal("socket should not remain open after a failed handshake")
	}
}

func TestDemuxDropsUnmatchedSegment(t *testing.T) {
	s := newTestStack(t)
	// no sockets enabled: any incoming segment must be dropped silently,
	// which here just means it must not panic and must leave every
	// socket untouched.
	buf := makeTCPSegment(t, s.ip, 6000, 7000, 0, 0, flagSYN, nil)
	s.demux(buf, ipstack.ProtoTCP, netip.AddrFrom4([4]byte{10, 0, 0, 2}), s.ip.Local[0])
	for i := range s.sockets {
		if s.sockets[i].enabled {
			t.Fatalf("socket %d unexpectedly enabled", i)
		}
	}
}

func makeTCPSegment(t *testing.T, ip *ipstack.Stack, srcPort, dstPort uint16, seq, ack uint32, flags tcpFlags, payload []byte) *bufpool.Buffer {
	t.Helper()
	buf, err := ip.NewDatagram(netip.AddrFrom4([4]byte{10, 0, 0, 2}), headerLen+len(payload), 0)
	if err != nil {
		t.Fatalf("NewDatagram: %v", err)
	}
	buf.WriteUint16(srcPort)
	buf.WriteUint16(dstPort)
	buf.WriteUint32(seq)
	buf.WriteUint32(ack)
	buf.WriteByte(0x05 << 4)
	buf.WriteByte(byte(flags))
	buf.WriteUint16(uint16(MSS))
	buf.WriteUint16(0)
	buf.WriteUint16(0)
	buf.WriteBytes(payload)
	buf.SeekCursor(0)
	return buf
}
