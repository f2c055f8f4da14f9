// Package icmpstack implements ICMP echo request/reply: ping() issuing
// bounded retries, and the passive side answering echo requests
// addressed to this host.
package icmpstack

import (
	"context"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"hermes/internal/bufpool"
	"hermes/internal/checksum"
	"hermes/internal/ipstack"

	"github.com/sirupsen/logrus"
)

const (
	typeEchoRequest = 8
	typeEchoReply   = 0

	headerLen = 8 // type, code, checksum, id, seq

	// MaxPing bounds the number of echo requests ping() issues before
	// giving up.
	MaxPing = 5
	// PingTimeout is how long each attempt waits for a reply.
	PingTimeout = 300 * time.Millisecond
)

// Stack implements the ICMP echo protocol atop an IPv4 stack.
type Stack struct {
	ip   *ipstack.Stack
	pool *bufpool.Pool

	waitersMu sync.Mutex
	waiters   map[uint16]chan struct{}

	log *logrus.Entry
}

// New builds an ICMP stack using ip for datagram construction/transmit
// and pool for buffer allocation.
func New(ip *ipstack.Stack, pool *bufpool.Pool, log *logrus.Entry) *Stack {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Stack{ip: ip, pool: pool, waiters: make(map[uint16]chan struct{}), log: log.WithField("component", "icmp")}
	ip.RegisterDemux(ipstack.ProtoICMP, s.demux)
	return s
}

func (s *Stack) sendEcho(ctx context.Context, dest netip.Addr, iface bufpool.InterfaceID, id, seq uint16) error {
	buf, err := s.ip.NewDatagram(dest, headerLen, iface)
	if err != nil {
		return err
	}
	buf.WriteByte(typeEchoRequest)
	buf.WriteByte(0)
	buf.WriteUint16(0) // checksum placeholder
	buf.WriteUint16(id)
	buf.WriteUint16(seq)

	sum := checksum.Of(buf.Data())
	raw := buf.Raw()
	off := buf.Offset()
	raw[off+2] = byte(sum >> 8)
	raw[off+3] = byte(sum)

	return s.ip.Send(ctx, buf, dest, ipstack.ProtoICMP)
}

// Ping sends up to MaxPing echo requests to dest, each waiting
// PingTimeout for a reply, returning true on the first one received.
func (s *Stack) Ping(ctx context.Context, dest netip.Addr, iface bufpool.InterfaceID) bool {
	id := uint16(rand.Uint32())
	for attempt := 0; attempt < MaxPing; attempt++ {
		seq := uint16(rand.Uint32())
		wait := s.registerWaiter(id)

		if err := s.sendEcho(ctx, dest, iface, id, seq); err != nil {
			s.unregisterWaiter(id)
			s.log.WithError(err).Debug("failed to send echo request")
			return false
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, PingTimeout)
		select {
		case <-wait:
			cancel()
			s.unregisterWaiter(id)
			return true
		case <-timeoutCtx.Done():
			cancel()
			s.unregisterWaiter(id)
		}
	}
	return false
}

func (s *Stack) registerWaiter(id uint16) <-chan struct{} {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	ch := make(chan struct{}, 1)
	s.waiters[id] = ch
	return ch
}

func (s *Stack) unregisterWaiter(id uint16) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	delete(s.waiters, id)
}

func (s *Stack) wake(id uint16) {
	s.waitersMu.Lock()
	ch, ok := s.waiters[id]
	s.waitersMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// demux is invoked by the IP layer's Parse for ipstack.ProtoICMP
// datagrams.
func (s *Stack) demux(buf *bufpool.Buffer, proto int, src, dst netip.Addr) {
	data := buf.Data()
	if len(data) < headerLen {
		return
	}
	if checksum.Of(data) != 0 {
		return
	}

	msgType := data[0]
	switch msgType {
	case typeEchoRequest:
		s.ip.Answer(buf)
		raw := buf.Raw()
		off := buf.Offset()
		raw[off] = typeEchoReply
		raw[off+2] = 0
		raw[off+3] = 0
		sum := checksum.Of(buf.Data())
		raw[off+2] = byte(sum >> 8)
		raw[off+3] = byte(sum)

		if err := s.ip.Send(context.Background(), buf, src, ipstack.ProtoICMP); err != nil {
			s.log.WithError(err).Debug("failed to send echo reply")
		}

	case typeEchoReply:
		id := uint16(data[4])<<8 | uint16(data[5])
		s.wake(id)
	}
}
