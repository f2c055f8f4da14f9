package linkdriver

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"hermes/internal/bufpool"
)

// pollInterval bounds how long Run's ReadFrom blocks before it
// re-checks ctx, since conn.ReadFrom has no context-aware variant.
const pollInterval = 500 * time.Millisecond

// frameHeaderLen is the 2-byte EtherType prefix this driver adds ahead
// of every frame it tunnels over UDP (net.PacketConn carries raw
// datagrams, not Ethernet frames, so the EtherType has nowhere else to
// live on the wire).
const frameHeaderLen = 2

// UDPTunnel is a Driver that carries Ethernet-style frames as UDP
// datagrams to a single fixed peer, standing in for a real raw
// AF_PACKET socket where one isn't available (no root, no real NIC,
// or a sandboxed test environment) — see the teacher's raw-socket
// packet building, which assumed exactly the root/NIC access this
// driver exists to avoid needing.
type UDPTunnel struct {
	mac  [6]byte
	conn net.PacketConn
	peer net.Addr
	log  *logrus.Entry
}

// NewUDPTunnel builds a tunnel driver sending to peer over conn.
func NewUDPTunnel(mac [6]byte, conn net.PacketConn, peer net.Addr, log *logrus.Entry) *UDPTunnel {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &UDPTunnel{mac: mac, conn: conn, peer: peer, log: log}
}

// Send implements Driver by prefixing buf's current view with a
// 2-byte EtherType and writing it as one UDP datagram to the peer.
func (u *UDPTunnel) Send(ctx context.Context, buf *bufpool.Buffer, et EtherType) error {
	if dl, ok := ctx.Deadline(); ok {
		u.conn.SetWriteDeadline(dl)
	}

	frame := make([]byte, frameHeaderLen+buf.Len())
	binary.BigEndian.PutUint16(frame[:frameHeaderLen], uint16(et))
	copy(frame[frameHeaderLen:], buf.Data())

	n, err := u.conn.WriteTo(frame, u.peer)
	if err != nil {
		return fmt.Errorf("udptunnel: write to %s: %w", u.peer, err)
	}
	if n != len(frame) {
		return fmt.Errorf("udptunnel: short write to %s: %d of %d bytes", u.peer, n, len(frame))
	}
	return nil
}

// HardwareAddr returns the tunnel's synthetic MAC address.
func (u *UDPTunnel) HardwareAddr() [6]byte { return u.mac }

// Run reads datagrams off conn until ctx is done, stripping each
// frame's EtherType prefix and invoking onReceive. Intended to run in
// its own goroutine, mirroring the receive side of the link driver
// seam a real NIC driver's interrupt or poll loop would occupy.
func (u *UDPTunnel) Run(ctx context.Context, onReceive func(et EtherType, frame []byte)) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		u.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, _, err := u.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("udptunnel: read: %w", err)
		}
		if n < frameHeaderLen {
			u.log.Warnf("udptunnel: short datagram (%d bytes), dropped", n)
			continue
		}

		et := EtherType(binary.BigEndian.Uint16(buf[:frameHeaderLen]))
		frame := make([]byte, n-frameHeaderLen)
		copy(frame, buf[frameHeaderLen:n])
		onReceive(et, frame)
	}
}
