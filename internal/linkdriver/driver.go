// Package linkdriver defines the seam between the protocol stack and
// whatever actually moves frames on the wire. The original stack's
// Ethernet/PPP drivers, UART, and modem handling are out of scope here
// (spec Non-goals): the stack only ever talks to this interface.
package linkdriver

import (
	"context"
	"errors"

	"hermes/internal/bufpool"
)

// EtherType identifies the payload protocol of an outgoing frame, using
// the standard EtherType values (ARP=0x0806, IPv4=0x0800).
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

// ErrNoDriver is returned by a Stack operation attempted before a
// driver was attached to the requested interface.
var ErrNoDriver = errors.New("linkdriver: no driver attached")

// Driver is the link-layer collaborator a concrete transport (raw
// Ethernet socket, PPP framer, or an in-memory test harness) implements.
// Send submits a fully-built network-layer buffer for framing and
// transmission; the driver owns addressing the frame (resolving or
// attaching the destination hardware address) for broadcast-capable
// media, and must not block indefinitely — ctx carries the caller's
// deadline.
type Driver interface {
	Send(ctx context.Context, buf *bufpool.Buffer, et EtherType) error
	// HardwareAddr returns this interface's own MAC, used by ARP to
	// answer who-has queries and to build replies.
	HardwareAddr() [6]byte
}
