// Package tcpstack implements the stack's TCP transport layer: a fixed
// socket table, a three-way handshake and disconnection procedure
// driven by bounded retries, and one pending received segment per
// socket (matching the UDP layer's drop-on-second-arrival rule).
package tcpstack

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"hermes/internal/bufpool"
	"hermes/internal/checksum"
	"hermes/internal/ipstack"

	"github.com/sirupsen/logrus"
)

const (
	// MaxSockets bounds the number of concurrently tracked TCP sockets.
	MaxSockets = 8

	// MSS is the maximum segment size this stack ever offers or sends.
	MSS = 512

	// MaxRetries bounds how many times a handshake or data segment is
	// retransmitted before the connection is abandoned.
	MaxRetries = 5

	// SegmentTimeout is how long each retry waits for a response.
	SegmentTimeout = 500 * time.Millisecond

	headerLen = 20

	minEphemeralPort = 1024
	maxEphemeralPort = 32767
)

type tcpFlags uint8

const (
	flagFIN tcpFlags = 0x01
	flagSYN tcpFlags = 0x02
	flagRST tcpFlags = 0x04
	flagPSH tcpFlags = 0x08
	flagACK tcpFlags = 0x10
	flagURG tcpFlags = 0x20
)

var (
	ErrInvalidSocket     = errors.New("tcpstack: invalid socket id")
	ErrSocketBusy        = errors.New("tcpstack: socket already open or listening")
	ErrConnectionFailed  = errors.New("tcpstack: connection attempt exhausted its retries")
	ErrDisconnectTimeout = errors.New("tcpstack: disconnection attempt exhausted its retries")
	ErrSocketClosed      = errors.New("tcpstack: socket is not open")
	ErrSendBusy          = errors.New("tcpstack: previous segment still unacknowledged")
)

type socket struct {
	mu sync.Mutex

	peer    netip.Addr
	portRem uint16
	portLoc uint16
	iface   bufpool.InterfaceID

	pending *bufpool.Buffer

	ack  uint32 // next remote sequence number expected
	seq  uint32 // current local sequence number
	next uint32 // local sequence number pending acknowledgement

	enabled, listening, closing bool
	synSeen, finSeen, ackSeen, rstSeen bool

	signal chan struct{}
}

func (sk *socket) reset() {
	sk.enabled = false
	sk.listening = false
	sk.closing = false
	sk.synSeen = false
	sk.finSeen = false
	sk.ackSeen = false
	sk.rstSeen = false
}

// Stack implements TCP atop an IPv4 stack.
type Stack struct {
	mu       sync.Mutex
	sockets  [MaxSockets]socket
	nextPort uint16

	ip   *ipstack.Stack
	pool *bufpool.Pool
	log  *logrus.Entry
}

// New builds a TCP stack using ip for datagram transport.
func New(ip *ipstack.Stack, pool *bufpool.Pool, log *logrus.Entry) *Stack {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Stack{ip: ip, pool: pool, nextPort: minEphemeralPort, log: log.WithField("component", "tcp")}
	for i := range s.sockets {
		s.sockets[i].signal = make(chan struct{}, 1)
	}
	ip.RegisterDemux(ipstack.ProtoTCP, s.demux)
	return s
}

func (s *Stack) socketAt(n int) (*socket, error) {
	if n < 0 || n >= MaxSockets {
		return nil, ErrInvalidSocket
	}
	return &s.sockets[n], nil
}

func (s *Stack) wait(ctx context.Context, sk *socket, timeout time.Duration) bool {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-sk.signal:
		return true
	case <-tctx.Done():
		return false
	}
}

func (s *Stack) wake(sk *socket) {
	select {
	case sk.signal <- struct{}{}:
	default:
	}
}

// buildSegment allocates a datagram addressed to sk.peer with capacity
// bytes of payload room beyond the TCP header, writing the common
// header fields (ports, data offset, window, sequence/ack numbers).
func (s *Stack) buildSegment(sk *socket, capacity int, flags tcpFlags) (*bufpool.Buffer, error) {
	buf, err := s.ip.NewDatagram(sk.peer, headerLen+capacity, sk.iface)
	if err != nil {
		return nil, err
	}
	buf.WriteUint16(sk.portLoc)
	buf.WriteUint16(sk.portRem)
	buf.WriteUint32(sk.seq)
	buf.WriteUint32(sk.ack)
	buf.WriteByte(0x05 << 4) // data offset: 5 words, no options
	buf.WriteByte(byte(flags))
	buf.WriteUint16(uint16(MSS))
	buf.WriteUint16(0) // checksum placeholder
	buf.WriteUint16(0) // urgent pointer
	return buf, nil
}

func (s *Stack) finalizeChecksum(buf *bufpool.Buffer, sk *socket) {
	sum := segmentChecksum(sk.peer, s.ip.Local[sk.iface], buf.Data())
	raw := buf.Raw()
	off := buf.Offset()
	raw[off+16] = byte(sum >> 8)
	raw[off+17] = byte(sum)
}

func segmentChecksum(peer, local netip.Addr, segment []byte) uint16 {
	a := checksum.New()
	a.Write(segment)
	if len(segment)%2 == 1 {
		a.Update(0)
	}
	local4 := local.As4()
	peer4 := peer.As4()
	a.Write(local4[:])
	a.Write(peer4[:])
	a.Update(0)
	a.Update(ipstack.ProtoTCP)
	a.Update(byte(len(segment) >> 8))
	a.Update(byte(len(segment)))
	return a.Sum16()
}

// ackSend transmits an empty segment carrying the given flags, clearing
// any previously observed flag state on the socket first.
func (s *Stack) ackSend(ctx context.Context, sk *socket, flags tcpFlags) error {
	buf, err := s.buildSegment(sk, 0, flags)
	if err != nil {
		return err
	}
	sk.synSeen, sk.finSeen, sk.ackSeen, sk.rstSeen = false, false, false, false
	s.finalizeChecksum(buf, sk)
	return s.ip.Send(ctx, buf, sk.peer, ipstack.ProtoTCP)
}

// Open actively connects socket n to ip:portRem, performing the
// three-way handshake with bounded retries.
func (s *Stack) Open(ctx context.Context, n int, portLoc uint16, peer netip.Addr, portRem uint16, iface bufpool.InterfaceID) error {
	sk, err := s.socketAt(n)
	if err != nil {
		return err
	}
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if sk.enabled || sk.listening {
		return ErrSocketBusy
	}

	sk.reset()
	sk.enabled = true
	sk.iface = iface
	sk.portLoc = portLoc
	sk.portRem = portRem
	sk.peer = peer
	sk.next = sk.seq + 1

	for retry := 0; retry < MaxRetries; retry++ {
		if err := s.ackSend(ctx, sk, flagSYN); err != nil {
			sk.reset()
			return err
		}
		if s.wait(ctx, sk, SegmentTimeout) {
			if sk.rstSeen {
				break
			}
			if sk.ackSeen && sk.synSeen {
				return s.finishOpen(ctx, sk)
			}
			if sk.ackSeen {
				return s.openWaitSyn(ctx, sk)
			}
			if sk.synSeen {
				return s.openWaitAck(ctx, sk)
			}
		}
	}
	sk.reset()
	return ErrConnectionFailed
}

func (s *Stack) openWaitSyn(ctx context.Context, sk *socket) error {
	for retry := 0; retry < MaxRetries; retry++ {
		if s.wait(ctx, sk, SegmentTimeout) {
			if sk.rstSeen {
				break
			}
			if sk.synSeen {
				return s.finishOpen(ctx, sk)
			}
		}
	}
	sk.reset()
	return ErrConnectionFailed
}

func (s *Stack) openWaitAck(ctx context.Context, sk *socket) error {
	for retry := 0; retry < MaxRetries; retry++ {
		if err := s.ackSend(ctx, sk, flagACK); err != nil {
			sk.reset()
			return err
		}
		if s.wait(ctx, sk, SegmentTimeout) {
			if sk.rstSeen {
				break
			}
			if sk.ackSeen {
				return s.finishOpen(ctx, sk)
			}
		}
	}
	sk.reset()
	return ErrConnectionFailed
}

func (s *Stack) finishOpen(ctx context.Context, sk *socket) error {
	return s.ackSend(ctx, sk, flagACK)
}

// Listen passively waits for a remote connection on portLoc, accepting
// the handshake and blocking until it either completes or ctx ends.
func (s *Stack) Listen(ctx context.Context, n int, portLoc uint16) error {
	sk, err := s.socketAt(n)
	if err != nil {
		return err
	}
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if sk.enabled || sk.listening {
		return ErrSocketBusy
	}

	sk.reset()
	sk.enabled = true
	sk.listening = true
	sk.portLoc = portLoc

	select {
	case <-sk.signal:
	case <-ctx.Done():
		sk.reset()
		return ctx.Err()
	}

	if !sk.synSeen || sk.rstSeen || sk.finSeen {
		sk.reset()
		return ErrConnectionFailed
	}

	sk.next = sk.seq + 1
	sk.listening = false

	for retry := 0; retry < MaxRetries; retry++ {
		if err := s.ackSend(ctx, sk, flagSYN|flagACK); err != nil {
			sk.reset()
			return err
		}
		if s.wait(ctx, sk, SegmentTimeout) && sk.ackSeen {
			return nil
		}
	}
	sk.reset()
	return ErrConnectionFailed
}

// Close runs the four-way disconnection procedure for socket n.
func (s *Stack) Close(ctx context.Context, n int) error {
	sk, err := s.socketAt(n)
	if err != nil {
		return err
	}
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if !sk.enabled {
		return nil
	}
	if sk.pending != nil {
		s.pool.Release(sk.pending)
		sk.pending = nil
	}

	sk.closing = true
	sk.next = sk.seq + 1

	for retry := 0; retry < MaxRetries; retry++ {
		if err := s.ackSend(ctx, sk, flagACK|flagFIN); err != nil {
			s.abort(sk)
			return err
		}
		if s.wait(ctx, sk, SegmentTimeout) {
			if sk.rstSeen {
				break
			}
			if sk.ackSeen && sk.finSeen {
				return s.finishClose(ctx, sk)
			}
			if sk.ackSeen {
				return s.closeWaitFin(ctx, sk)
			}
			if sk.finSeen {
				return s.closeWaitAck(ctx, sk)
			}
		}
	}
	s.abort(sk)
	return ErrDisconnectTimeout
}

func (s *Stack) closeWaitFin(ctx context.Context, sk *socket) error {
	for retry := 0; retry < MaxRetries; retry++ {
		if s.wait(ctx, sk, SegmentTimeout) {
			if sk.rstSeen {
				break
			}
			if sk.finSeen {
				return s.finishClose(ctx, sk)
			}
		}
	}
	s.abort(sk)
	return ErrDisconnectTimeout
}

func (s *Stack) closeWaitAck(ctx context.Context, sk *socket) error {
	for retry := 0; retry < MaxRetries; retry++ {
		if err := s.ackSend(ctx, sk, flagACK); err != nil {
			s.abort(sk)
			return err
		}
		if s.wait(ctx, sk, SegmentTimeout) {
			if sk.rstSeen {
				break
			}
			if sk.ackSeen {
				return s.finishClose(ctx, sk)
			}
		}
	}
	s.abort(sk)
	return ErrDisconnectTimeout
}

func (s *Stack) finishClose(ctx context.Context, sk *socket) error {
	err := s.ackSend(ctx, sk, flagACK)
	if sk.pending != nil {
		s.pool.Release(sk.pending)
		sk.pending = nil
	}
	sk.reset()
	return err
}

func (s *Stack) abort(sk *socket) {
	if sk.pending != nil {
		s.pool.Release(sk.pending)
		sk.pending = nil
	}
	sk.reset()
}

// Reset forces socket n closed, sending a RST if it was open.
func (s *Stack) Reset(ctx context.Context, n int) {
	sk, err := s.socketAt(n)
	if err != nil {
		return
	}
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if sk.pending != nil {
		s.pool.Release(sk.pending)
		sk.pending = nil
	}
	if sk.enabled {
		s.ackSend(ctx, sk, flagACK|flagRST)
	}
	sk.reset()
}

// NewSegment allocates a buffer for application payload on socket n,
// cropped past the TCP header so the caller's writes land in the
// payload region.
func (s *Stack) NewSegment(n int) (*bufpool.Buffer, error) {
	sk, err := s.socketAt(n)
	if err != nil {
		return nil, err
	}
	buf, err := s.buildSegment(sk, MSS, flagACK|flagPSH)
	if err != nil {
		return nil, err
	}
	buf.Crop(headerLen)
	return buf, nil
}

// Send transmits a segment built with NewSegment, retrying until it is
// acknowledged or MaxRetries is exhausted.
func (s *Stack) Send(ctx context.Context, n int, buf *bufpool.Buffer) error {
	sk, err := s.socketAt(n)
	if err != nil {
		return err
	}
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if !sk.enabled || sk.listening {
		return ErrSocketClosed
	}
	if sk.pending != nil {
		return ErrSendBusy
	}

	buf.Crop(-headerLen)
	payloadLen := buf.Len() - headerLen
	sk.next = sk.seq + uint32(payloadLen)

	for retry := 0; retry < MaxRetries; retry++ {
		sk.synSeen, sk.finSeen, sk.ackSeen, sk.rstSeen = false, false, false, false
		s.finalizeChecksum(buf, sk)
		if err := s.ip.Send(ctx, buf, sk.peer, ipstack.ProtoTCP); err != nil {
			return err
		}
		if s.wait(ctx, sk, SegmentTimeout) {
			if sk.rstSeen {
				break
			}
			if sk.ackSeen {
				return nil
			}
		}
	}
	s.abort(sk)
	return ErrConnectionFailed
}

// SendText is a convenience wrapper for sending a string payload.
func (s *Stack) SendText(ctx context.Context, n int, text string) error {
	buf, err := s.NewSegment(n)
	if err != nil {
		return err
	}
	buf.WriteString(text)
	return s.Send(ctx, n, buf)
}

// Read returns the next received segment's payload for socket n,
// blocking until one arrives or ctx ends. The caller owns releasing
// the returned buffer.
func (s *Stack) Read(ctx context.Context, n int) (*bufpool.Buffer, error) {
	sk, err := s.socketAt(n)
	if err != nil {
		return nil, err
	}
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if !sk.enabled {
		return nil, ErrSocketClosed
	}

	if sk.pending == nil {
		select {
		case <-sk.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if sk.pending == nil {
		return nil, nil
	}

	s.ackSend(ctx, sk, flagACK)
	buf := sk.pending
	sk.pending = nil
	return buf, nil
}

// GetPort returns an unused local port from the ephemeral range,
// skipping ports any listening socket currently holds.
func (s *Stack) GetPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.nextPort
search:
	for {
		for i := range s.sockets {
			if s.sockets[i].enabled && s.sockets[i].listening && s.sockets[i].portLoc == p {
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

// IsOpen reports whether socket n is connected or listening.
func (s *Stack) IsOpen(n int) bool {
	sk, err := s.socketAt(n)
	if err != nil {
		return false
	}
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return sk.enabled
}

// HasData reports whether socket n has a received segment waiting.
func (s *Stack) HasData(n int) bool {
	sk, err := s.socketAt(n)
	if err != nil {
		return false
	}
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return sk.pending != nil
}

// demux is invoked by the IP layer's Parse for ipstack.ProtoTCP
// segments.
func (s *Stack) demux(buf *bufpool.Buffer, proto int, src, dst netip.Addr) {
	data := buf.Data()
	if len(data) < headerLen {
		return
	}
	srcPort := uint16(data[0])<<8 | uint16(data[1])
	dstPort := uint16(data[2])<<8 | uint16(data[3])
	seqNum := uint32(data[4])<<24 | uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7])
	ackNum := uint32(data[8])<<24 | uint32(data[9])<<16 | uint32(data[10])<<8 | uint32(data[11])
	hdrLen := int(data[12]&0xf0) >> 2
	flags := tcpFlags(data[13])

	var sk *socket
	for i := range s.sockets {
		cand := &s.sockets[i]
		if !cand.enabled {
			continue
		}
		if cand.portLoc != dstPort {
			continue
		}
		if cand.listening {
			sk = cand
			break
		}
		if cand.portRem == srcPort && cand.peer == src {
			sk = cand
			break
		}
	}
	if sk == nil {
		return // no NAT layer behind this socket table
	}

	sk.mu.Lock()
	defer sk.mu.Unlock()

	if len(data) > hdrLen && sk.pending != nil {
		return // do not overwrite previously received data
	}

	sk.peer = src
	sk.portRem = srcPort
	sk.iface = buf.Interface

	if flags&flagACK != 0 {
		if ackNum != sk.next {
			return // unexpected acknowledgement, discard
		}
		sk.seq = sk.next
		sk.ackSeen = true
	} else {
		sk.ackSeen = false
	}

	if flags&flagSYN != 0 {
		sk.ack = seqNum + 1
		sk.synSeen = true
	} else {
		if seqNum != sk.ack {
			if len(data) > hdrLen {
				s.ackSend(context.Background(), sk, flagACK)
			}
			return
		}
		sk.ack += uint32(len(data) - hdrLen)
		sk.synSeen = false
	}

	if flags&flagFIN != 0 {
		sk.ack++
		sk.finSeen = true
		if !sk.closing {
			s.ackSend(context.Background(), sk, flagFIN|flagACK)
			sk.reset()
			s.wake(sk)
			return
		}
	} else {
		sk.finSeen = false
	}

	if flags&flagRST != 0 {
		sk.rstSeen = true
		sk.reset()
		s.wake(sk)
		return
	}

	if len(data) > hdrLen {
		s.pool.Retain(buf)
		buf.Crop(hdrLen)
		sk.pending = buf
	}

	s.wake(sk)
}
