package linkdriver

import (
	"context"
	"net"
	"testing"
	"time"

	"hermes/internal/bufpool"
)

func TestUDPTunnelRoundTrip(t *testing.T) {
	connA, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen A: %v", err)
	}
	defer connA.Close()

	connB, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen B: %v", err)
	}
	defer connB.Close()

	tunA := NewUDPTunnel([6]byte{1, 1, 1, 1, 1, 1}, connA, connB.LocalAddr(), nil)
	tunB := NewUDPTunnel([6]byte{2, 2, 2, 2, 2, 2}, connB, connA.LocalAddr(), nil)

	received := make(chan EtherType, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tunB.Run(ctx, func(et EtherType, frame []byte) {
		if len(frame) != 3 || frame[0] != 0xaa {
			t.Errorf("unexpected frame payload: %v", frame)
		}
		received <- et
	})

	pool := bufpool.New(1, 1500)
	buf, err := pool.Get(3)
	if err != nil {
		t.Fatalf("get buf: %v", err)
	}
	buf.WriteByte(0xaa)
	buf.WriteByte(0xbb)
	buf.WriteByte(0xcc)
	buf.SeekCursor(0)

	if err := tunA.Send(context.Background(), buf, EtherTypeIPv4); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case et := <-received:
		if et != EtherTypeIPv4 {
			t.Errorf("expected EtherTypeIPv4, got %#x", et)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tunneled frame")
	}
}

func TestUDPTunnelHardwareAddr(t *testing.T) {
	mac := [6]byte{9, 8, 7, 6, 5, 4}
	tun := NewUDPTunnel(mac, nil, nil, nil)
	if tun.HardwareAddr() != mac {
		t.Errorf("HardwareAddr() = %v, want %v", tun.HardwareAddr(), mac)
	}
}
