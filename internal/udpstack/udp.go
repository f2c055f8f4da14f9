// Package udpstack implements the stack's fixed-size UDP socket table:
// one pending received datagram per socket (a second arrival before
// the application reads the first is silently dropped), pseudo-header
// checksums, and ephemeral local port allocation.
package udpstack

import (
	"context"
	"net/netip"
	"sync"

	"hermes/internal/bufpool"
	"hermes/internal/checksum"
	"hermes/internal/ipstack"

	"github.com/sirupsen/logrus"
)

const (
	// MaxSockets bounds the number of concurrently open UDP sockets.
	MaxSockets = 8

	headerLen = 8

	minEphemeralPort = 1024
	maxEphemeralPort = 32767
)

type socket struct {
	enabled bool
	peer    netip.Addr
	portRem uint16
	portLoc uint16
	iface   bufpool.InterfaceID
	pending *bufpool.Buffer

	signal chan struct{}
}

// Stack holds the UDP socket table atop an IPv4 stack.
type Stack struct {
	mu       sync.Mutex
	sockets  [MaxSockets]socket
	nextPort uint16

	ip   *ipstack.Stack
	pool *bufpool.Pool
	log  *logrus.Entry
}

// New builds a UDP stack using ip for datagram transport and pool for
// buffer allocation when building outgoing packets.
func New(ip *ipstack.Stack, pool *bufpool.Pool, log *logrus.Entry) *Stack {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Stack{ip: ip, pool: pool, nextPort: minEphemeralPort, log: log.WithField("component", "udp")}
	for i := range s.sockets {
		s.sockets[i].signal = make(chan struct{}, 1)
	}
	ip.RegisterDemux(ipstack.ProtoUDP, s.demux)
	return s
}

// Open enables socket n as a connected UDP client bound to a local and
// remote port/peer, releasing any previously pending datagram.
func (s *Stack) Open(n int, portLoc uint16, peer netip.Addr, portRem uint16, iface bufpool.InterfaceID) bool {
	if n < 0 || n >= MaxSockets {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sk := &s.sockets[n]
	if sk.enabled {
		return false
	}
	sk.portLoc = portLoc
	sk.portRem = portRem
	sk.peer = peer
	sk.iface = iface
	sk.enabled = true
	if sk.pending != nil {
		s.pool.Release(sk.pending)
		sk.pending = nil
	}
	return true
}

// Close disables socket n, releasing any pending datagram.
func (s *Stack) Close(n int) {
	if n < 0 || n >= MaxSockets {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sk := &s.sockets[n]
	sk.portLoc = 0
	sk.enabled = false
	if sk.pending != nil {
		s.pool.Release(sk.pending)
		sk.pending = nil
	}
}

// Listen enables socket n to receive datagrams addressed to portLoc
// and waits for one to arrive (or ctx to be done). Returns true once a
// datagram is pending, immediately if one was already waiting; false if
// ctx ends first.
func (s *Stack) Listen(ctx context.Context, n int, portLoc uint16) bool {
	if n < 0 || n >= MaxSockets {
		return false
	}
	s.mu.Lock()
	sk := &s.sockets[n]
	if sk.enabled && sk.pending != nil {
		s.mu.Unlock()
		return true
	}
	sk.portLoc = portLoc
	sk.enabled = true
	wait := sk.signal
	s.mu.Unlock()

	select {
	case <-wait:
		return true
	case <-ctx.Done():
		return false
	}
}

// Read returns and clears socket n's pending datagram, or nil if none
// is waiting. The caller owns releasing the returned buffer.
func (s *Stack) Read(n int) *bufpool.Buffer {
	if n < 0 || n >= MaxSockets {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sk := &s.sockets[n]
	if !sk.enabled {
		return nil
	}
	buf := sk.pending
	sk.pending = nil
	return buf
}

// HasData reports whether socket n has a datagram waiting to be read.
func (s *Stack) HasData(n int) bool {
	if n < 0 || n >= MaxSockets {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockets[n].pending != nil
}

// NewDatagram allocates a datagram addressed to socket n's current peer, ready
// to be filled with application payload and passed to Send.
func (s *Stack) NewDatagram(n int) (*bufpool.Buffer, error) {
	if n < 0 || n >= MaxSockets {
		return nil, ipstack.ErrNotLocal
	}
	s.mu.Lock()
	sk := s.sockets[n]
	s.mu.Unlock()

	buf, err := s.ip.NewDatagram(sk.peer, ipstack.HeaderLen+headerLen, sk.iface)
	if err != nil {
		return nil, err
	}
	buf.Crop(headerLen)
	return buf, nil
}

// Send finalizes and transmits a datagram built with NewDatagram on
// behalf of socket n: fills the UDP header, computes the pseudo-header
// checksum, and hands it to the IP layer.
func (s *Stack) Send(ctx context.Context, n int, buf *bufpool.Buffer) error {
	if n < 0 || n >= MaxSockets {
		return ipstack.ErrNotLocal
	}
	s.mu.Lock()
	sk := s.sockets[n]
	s.mu.Unlock()

	buf.Crop(-headerLen) // back up over the UDP header region
	raw := buf.Raw()
	off := buf.Offset()

	raw[off] = byte(sk.portLoc >> 8)
	raw[off+1] = byte(sk.portLoc)
	raw[off+2] = byte(sk.portRem >> 8)
	raw[off+3] = byte(sk.portRem)
	raw[off+4] = byte(buf.Len() >> 8)
	raw[off+5] = byte(buf.Len())
	raw[off+6] = 0
	raw[off+7] = 0

	sum := pseudoChecksum(sk.peer, s.localAddr(sk.iface), buf.Data())
	raw[off+6] = byte(sum >> 8)
	raw[off+7] = byte(sum)

	return s.ip.Send(ctx, buf, sk.peer, ipstack.ProtoUDP)
}

func (s *Stack) localAddr(iface bufpool.InterfaceID) netip.Addr {
	return s.ip.Local[iface]
}

func pseudoChecksum(peer, local netip.Addr, udpSegment []byte) uint16 {
	a := checksum.New()
	a.Write(udpSegment)
	if len(udpSegment)%2 == 1 {
		a.Update(0)
	}
	local4 := local.As4()
	peer4 := peer.As4()
	a.Write(local4[:])
	a.Write(peer4[:])
	a.Update(0)
	a.Update(ipstack.ProtoUDP)
	a.Update(byte(len(udpSegment) >> 8))
	a.Update(byte(len(udpSegment)))
	return a.Sum16()
}

// GetPort returns an unused local port, cycling through the ephemeral
// range and skipping ports any enabled socket currently holds.
func (s *Stack) GetPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.nextPort
search:
	for {
		for i := range s.sockets {
			if s.sockets[i].enabled && s.sockets[i].portLoc == p {
				p++
				if p > maxEphemeralPort {
					p = minEphemeralPort
				}
				continue search
			}
		}
		break
	}

	s.nextPort = p + 1
	if s.nextPort > maxEphemeralPort {
		s.nextPort = minEphemeralPort
	}
	return p
}

// demux is invoked by the IP layer's Parse for ipstack.ProtoUDP
// datagrams.
func (s *Stack) demux(buf *bufpool.Buffer, proto int, src, dst netip.Addr) {
	data := buf.Data()
	if len(data) < headerLen {
		return
	}
	dstPort := uint16(data[2])<<8 | uint16(data[3])
	srcPort := uint16(data[0])<<8 | uint16(data[1])

	s.mu.Lock()
	var sk *socket
	for i := range s.sockets {
		if s.sockets[i].enabled && s.sockets[i].portLoc == dstPort {
			sk = &s.sockets[i]
			break
		}
	}
	if sk == nil {
		s.mu.Unlock()
		return
	}
	if sk.pending != nil {
		s.mu.Unlock()
		return // do not overwrite previously received data
	}

	s.pool.Retain(buf)
	sk.peer = src
	sk.portRem = srcPort
	sk.iface = buf.Interface
	sk.pending = buf
	buf.Crop(headerLen)
	wake := sk.signal
	s.mu.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}
}
