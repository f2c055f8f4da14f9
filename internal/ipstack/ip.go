// Package ipstack implements the stack's IPv4 datagram layer: fixed
// 20-byte headers (no options), no fragmentation, a monotonically
// increasing datagram ID, and demultiplexing to ICMP/UDP/TCP by
// protocol number. golang.org/x/net/ipv4's header-length constant
// grounds the field layout; the checksum/marshal path is
// hand rolled so this layer keeps exact control over when the
// checksum is computed relative to the rest of header construction.
package ipstack

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"

	"hermes/internal/bufpool"
	"hermes/internal/checksum"
	"hermes/internal/linkdriver"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const (
	// HeaderLen is the fixed IPv4 header size this stack ever emits or
	// accepts: IHL=5, no options.
	HeaderLen = ipv4.HeaderLen // 20

	// TOSMaxThroughput is the type-of-service value every outgoing
	// datagram carries.
	TOSMaxThroughput = 0x08

	// TTL is the hop limit every outgoing datagram carries.
	TTL = 64

	// MaxInterfaces bounds the number of local interfaces the stack
	// tracks addressing for.
	MaxInterfaces = 2
)

const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

var ErrNotLocal = errors.New("ipstack: destination is not this interface's address")
var ErrBadChecksum = errors.New("ipstack: header checksum mismatch")
var ErrTruncated = errors.New("ipstack: declared length exceeds buffer size")

// Demux receives a fully parsed datagram's payload view, tagged with
// the originating interface, and is responsible for retagging/retaining
// the buffer for the next layer.
type Demux func(buf *bufpool.Buffer, proto int, src, dst netip.Addr)

// Stack holds per-interface IPv4 addressing and the shared datagram ID
// counter.
type Stack struct {
	Local   [MaxInterfaces]netip.Addr
	Mask    [MaxInterfaces]netip.Addr
	Gateway [MaxInterfaces]netip.Addr

	id uint32

	pool    *bufpool.Pool
	drivers [MaxInterfaces]linkdriver.Driver
	resolve func(ctx context.Context, iface bufpool.InterfaceID, ip netip.Addr) ([6]byte, bool)

	demux map[int]Demux
	log   *logrus.Entry
}

// New builds an IPv4 stack bound to pool for datagram construction.
// resolve is used to turn a destination IP into a hardware address via
// the ARP layer before handing frames to the link driver.
func New(pool *bufpool.Pool, resolve func(context.Context, bufpool.InterfaceID, netip.Addr) ([6]byte, bool), log *logrus.Entry) *Stack {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Stack{
		pool:    pool,
		resolve: resolve,
		demux:   make(map[int]Demux),
		log:     log.WithField("component", "ip"),
	}
}

// BindDriver attaches the link driver used to transmit on iface.
func (s *Stack) BindDriver(iface bufpool.InterfaceID, d linkdriver.Driver) {
	s.drivers[iface] = d
}

// RegisterDemux binds a protocol number to the layer that should
// receive datagrams carrying it.
func (s *Stack) RegisterDemux(proto int, fn Demux) {
	s.demux[proto] = fn
}

func (s *Stack) nextID() uint16 {
	return uint16(atomic.AddUint32(&s.id, 1))
}

// NewDatagram allocates a buffer sized for capacity bytes of payload
// plus the IPv4 header, tags it with iface, and positions its view just
// past the (still unwritten) header region. dest is not used here: Send
// writes every header field, taking the destination and protocol as
// its own arguments.
func (s *Stack) NewDatagram(dest netip.Addr, capacity int, iface bufpool.InterfaceID) (*bufpool.Buffer, error) {
	buf, err := s.pool.Get(HeaderLen + capacity)
	if err != nil {
		return nil, err
	}
	buf.Interface = iface
	buf.Crop(HeaderLen)
	return buf, nil
}

// Answer reverses a received datagram's addresses and assigns a fresh
// ID, preparing it to be sent back to its originator (used by ICMP
// echo replies).
func (s *Stack) Answer(buf *bufpool.Buffer) {
	raw := buf.Raw()
	if len(raw) < HeaderLen {
		return
	}
	id := s.nextID()
	raw[4] = byte(id >> 8)
	raw[5] = byte(id)
	raw[10] = 0
	raw[11] = 0
	var src, dst [4]byte
	copy(src[:], raw[12:16])
	copy(dst[:], raw[16:20])
	copy(raw[12:16], dst[:])
	copy(raw[16:20], src[:])
}

// Send finalizes and transmits a datagram built by NewDatagram: it
// rewinds to the header region, fills in every field (including the
// checksum, computed last), then hands the frame to the link driver
// for buf.Interface after resolving the destination's hardware address.
// Once the header is built, Send returns with the buffer's view back on
// the payload, so a caller can retransmit the same buffer.
func (s *Stack) Send(ctx context.Context, buf *bufpool.Buffer, dest netip.Addr, protocol int) error {
	payload := buf.Data()
	payloadLen := len(payload)

	buf.Rewind()
	header := buf.Raw()
	if len(header) < HeaderLen+payloadLen {
		return errors.New("ipstack: buffer too small for header")
	}

	id := s.nextID()
	header[0] = 0x45 // version 4, IHL 5
	header[1] = TOSMaxThroughput
	total := HeaderLen + payloadLen
	header[2] = byte(total >> 8)
	header[3] = byte(total)
	header[4] = byte(id >> 8)
	header[5] = byte(id)
	header[6] = 0 // flags/fragment offset: never fragmented
	header[7] = 0
	header[8] = TTL
	header[9] = byte(protocol)
	header[10] = 0
	header[11] = 0
	local := s.Local[buf.Interface].As4()
	copy(header[12:16], local[:])
	dst4 := dest.As4()
	copy(header[16:20], dst4[:])

	sum := checksum.Of(header[:HeaderLen])
	header[10] = byte(sum >> 8)
	header[11] = byte(sum)

	buf.SetLen(total)
	buf.SeekCursor(0)
	defer buf.Crop(HeaderLen)

	driver := s.drivers[buf.Interface]
	if driver == nil {
		return linkdriver.ErrNoDriver
	}

	if _, ok := s.resolve(ctx, buf.Interface, dest); !ok {
		return errors.New("ipstack: could not resolve destination hardware address")
	}

	return driver.Send(ctx, buf, linkdriver.EtherTypeIPv4)
}

// Parse validates and demultiplexes a received datagram: checksum,
// declared length against actual buffer size, and destination address
// (unicast to this interface, or limited broadcast) must all agree
// before the payload is handed to the registered protocol demux.
func (s *Stack) Parse(buf *bufpool.Buffer) {
	header := buf.Data()
	if len(header) < HeaderLen {
		return
	}
	declared := int(header[2])<<8 | int(header[3])
	if buf.Len() < declared {
		return // inconsistent size
	}
	buf.SetLen(declared)

	ihl := int(header[0]&0x0f) << 2
	iface := buf.Interface
	if int(iface) >= MaxInterfaces {
		return
	}

	if checksum.Of(header[:ihl]) != 0 {
		return
	}

	var dst [4]byte
	copy(dst[:], header[16:20])
	dstAddr := netip.AddrFrom4(dst)
	if dstAddr != netip.AddrFrom4([4]byte{255, 255, 255, 255}) && dstAddr != s.Local[iface] {
		return
	}

	var src [4]byte
	copy(src[:], header[12:16])
	srcAddr := netip.AddrFrom4(src)
	proto := int(header[9])

	buf.Crop(ihl)

	if demux, ok := s.demux[proto]; ok {
		demux(buf, proto, srcAddr, dstAddr)
	}
}
