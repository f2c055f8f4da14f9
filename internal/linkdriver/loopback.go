package linkdriver

import (
	"context"

	"hermes/internal/bufpool"
)

// Loopback is a Driver that hands every frame it's asked to send
// straight to a registered receive callback, looping traffic back
// in-process. It exists for the stack's self-test / end-to-end test
// harness and for a two-Stack loopback conversation (ARP resolution,
// the TCP handshake, DHCP/DNS exchanges) without a real NIC.
type Loopback struct {
	mac     [6]byte
	receive func(et EtherType, frame []byte)
}

// NewLoopback builds a Loopback driver with the given synthetic MAC.
func NewLoopback(mac [6]byte) *Loopback {
	return &Loopback{mac: mac}
}

// OnReceive registers the callback invoked for every frame sent
// through this driver. Typically wired to a closure that calls a peer
// stack.Stack's Ingest.
func (l *Loopback) OnReceive(fn func(et EtherType, frame []byte)) {
	l.receive = fn
}

// Send implements Driver by copying the buffer's current view and
// invoking the registered receive callback synchronously.
func (l *Loopback) Send(ctx context.Context, buf *bufpool.Buffer, et EtherType) error {
	if l.receive == nil {
		return nil
	}
	frame := make([]byte, buf.Len())
	copy(frame, buf.Data())
	l.receive(et, frame)
	return nil
}

// HardwareAddr returns the loopback's synthetic MAC address.
func (l *Loopback) HardwareAddr() [6]byte { return l.mac }
