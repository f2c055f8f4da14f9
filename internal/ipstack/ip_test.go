package ipstack

import (
	"context"
	"net/netip"
	"testing"

	"hermes/internal/bufpool"
	"hermes/internal/checksum"
	"hermes/internal/linkdriver"
)

func ip4(a, b, c, d byte) netip.Addr {
	return netip.AddrFrom4([4]byte{a, b, c, d})
}

func alwaysResolve(mac [6]byte) func(context.Context, bufpool.InterfaceID, netip.Addr) ([6]byte, bool) {
	return func(context.Context, bufpool.InterfaceID, netip.Addr) ([6]byte, bool) {
		return mac, true
	}
}

func TestSendParseRoundTrip(t *testing.T) {
	pool := bufpool.New(4, 256)
	s := New(pool, alwaysResolve([6]byte{1, 2, 3, 4, 5, 6}), nil)
	s.Local[0] = ip4(192, 168, 1, 1)

	var received []byte
	driver := linkdriver.NewLoopback([6]byte{1, 2, 3, 4, 5, 6})
	driver.OnReceive(func(et linkdriver.EtherType, frame []byte) {
		if et == linkdriver.EtherTypeIPv4 {
			received = append([]byte(nil), frame...)
		}
	})
	s.BindDriver(0, driver)

	buf, err := s.NewDatagram(ip4(192, 168, 1, 2), 4, 0)
	if err != nil {
		t.Fatalf("NewDatagram: %v", err)
	}
	buf.WriteBytes([]byte{0xde, 0xad, 0xbe, 0xef})

	if err := s.Send(context.Background(), buf, ip4(192, 168, 1, 2), ProtoUDP); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if received == nil {
		t.Fatalf("driver never received a frame")
	}

	var gotProto int
	var gotSrc, gotDst netip.Addr
	var gotPayload []byte
	demux := New(pool, nil, nil)
	demux.Local[0] = ip4(192, 168, 1, 2)
	demux.RegisterDemux(ProtoUDP, func(buf *bufpool.Buffer, proto int, src, dst netip.Addr) {
		gotProto = proto
		gotSrc = src
		gotDst = dst
		gotPayload = append([]byte(nil), buf.Data()...)
	})

	inbound, err := pool.Get(len(received))
	if err != nil {
		t.Fatalf("Get inbound buffer: %v", err)
	}
	inbound.WriteBytes(received)
	inbound.SeekCursor(0)

	demux.Parse(inbound)

	if gotProto != ProtoUDP {
		t.Fatalf("demuxed proto = %d, want %d", gotProto, ProtoUDP)
	}
	if gotSrc != ip4(192, 168, 1, 1) || gotDst != ip4(192, 168, 1, 2) {
		t.Fatalf("demuxed addresses = %v -> %v, want 192.168.1.1 -> 192.168.1.2", gotSrc, gotDst)
	}
	if string(gotPayload) != "\xde\xad\xbe\xef" {
		t.Fatalf("demuxed payload = %x, want deadbeef", gotPayload)
	}
}

func TestParseRejectsBadChecksum(t *testing.T) {
	pool := bufpool.New(1, 64)
	s := New(pool, nil, nil)
	s.Local[0] = ip4(192, 168, 1, 2)

	var demuxed bool
	s.RegisterDemux(ProtoUDP, func(buf *bufpool.Buffer, proto int, src, dst netip.Addr) {
		demuxed = true
	})

	buf, _ := pool.Get(HeaderLen)
	header := make([]byte, HeaderLen)
	header[0] = 0x45
	header[2] = 0
	header[3] = HeaderLen
	header[9] = ProtoUDP
	header[10] = 0xab // deliberately wrong checksum
	header[11] = 0xcd
	local := s.Local[0].As4()
	copy(header[12:16], local[:])
	copy(header[16:20], local[:])
	buf.WriteBytes(header)
	buf.SeekCursor(0)

	s.Parse(buf)

	if demuxed {
		t.Fatalf("a datagram with a bad header checksum should never reach the demux")
	}
}

func TestParseRejectsForeignDestination(t *testing.T) {
	pool := bufpool.New(1, 64)
	s := New(pool, nil, nil)
	s.Local[0] = ip4(192, 168, 1, 2)

	var demuxed bool
	s.RegisterDemux(ProtoUDP, func(buf *bufpool.Buffer, proto int, src, dst netip.Addr) {
		demuxed = true
	})

	buf, _ := pool.Get(HeaderLen)
	header := make([]byte, HeaderLen)
	header[0] = 0x45
	header[2] = 0
	header[3] = HeaderLen
	header[9] = ProtoUDP
	src := ip4(10, 0, 0, 5).As4()
	dst := ip4(10, 0, 0, 6).As4() // addressed to a third host, not ours
	copy(header[12:16], src[:])
	copy(header[16:20], dst[:])
	sum := checksum.Of(header[:HeaderLen])
	header[10] = byte(sum >> 8)
	header[11] = byte(sum)
	buf.WriteBytes(header)
	buf.SeekCursor(0)

	s.Parse(buf)

	if demuxed {
		t.Fatalf("a datagram addressed to a foreign host should never reach the demux")
	}
}
