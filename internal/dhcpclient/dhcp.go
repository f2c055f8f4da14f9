// Package dhcpclient implements a minimal DHCP client: discover/
// request/release against a single DHCP server, built on the UDP
// socket layer. No lease renewal timer is implemented, matching the
// stack's Non-goals — a lease's duration is recorded but never acted
// on.
package dhcpclient

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"hermes/internal/bufpool"
	"hermes/internal/ipstack"
	"hermes/internal/udpstack"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	ClientPort uint16 = 68
	ServerPort uint16 = 67

	// socketID is the UDP socket slot this client dedicates to DHCP
	// traffic.
	socketID = 0

	bootpHeaderSize = 236
	magicCookie     = 0x63825363

	opBootRequest = 1
	opBootReply   = 2

	htypeEthernet  = 1
	hlenEthernet   = 6
	flagsBroadcast = 0x8000

	msgDiscover = 1
	msgOffer    = 2
	msgRequest  = 3
	msgAck      = 5
	msgNak      = 6
	msgRelease  = 7

	optMessageType  = 53
	optRequestList  = 55
	optLeaseTime    = 51
	optSubnetMask   = 1
	optRouter       = 3
	optDNS          = 6
	optClientID     = 61
	optRequestedIP  = 50
	optEnd          = 255

	// MaxRetries bounds both the discover and request phases.
	MaxRetries = 10

	DiscoverTimeout = 1 * time.Second
	RequestTimeout  = 300 * time.Millisecond
)

var (
	ErrNoOffer     = errors.New("dhcpclient: no DHCPOFFER received")
	ErrNotAcked    = errors.New("dhcpclient: request was not acknowledged")
	ErrAlreadyHave = errors.New("dhcpclient: interface already has an address")
)

// Lease holds everything negotiated from a successful DHCP exchange.
type Lease struct {
	Address     netip.Addr
	Mask        netip.Addr
	Gateway     netip.Addr
	DNS         netip.Addr
	Server      netip.Addr
	LeaseTime   time.Duration // recorded only; no renewal is scheduled
}

// Client runs the DHCP client state machine for one interface.
type Client struct {
	udp   *udpstack.Stack
	ip    *ipstack.Stack
	pool  *bufpool.Pool
	iface bufpool.InterfaceID
	mac   [6]byte

	xid     uint32
	offered netip.Addr
	server  netip.Addr
	log     *logrus.Entry
}

// New builds a DHCP client bound to udp/ip for transport and mac as
// this interface's hardware address.
func New(udp *udpstack.Stack, ip *ipstack.Stack, pool *bufpool.Pool, iface bufpool.InterfaceID, mac [6]byte, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{udp: udp, ip: ip, pool: pool, iface: iface, mac: mac, log: log.WithField("component", "dhcp")}
}

func newTransactionID() uint32 {
	id := uuid.New()
	return uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
}

// GetIP runs the full discover/request exchange and, on success,
// assigns the leased address to the stack's interface addressing.
func (c *Client) GetIP(ctx context.Context) (Lease, error) {
	if c.ip.Local[c.iface].IsValid() && c.ip.Local[c.iface] != netip.IPv4Unspecified() {
		return Lease{}, ErrAlreadyHave
	}

	c.xid = newTransactionID()
	c.offered = netip.IPv4Unspecified()
	c.server = netip.AddrFrom4([4]byte{255, 255, 255, 255})

	c.udp.Close(socketID)
	if !c.udp.Open(socketID, ClientPort, netip.AddrFrom4([4]byte{255, 255, 255, 255}), ServerPort, c.iface) {
		return Lease{}, errors.New("dhcpclient: could not open DHCP socket")
	}

	lease, err := c.discover(ctx)
	if err != nil {
		c.udp.Close(socketID)
		return Lease{}, err
	}

	c.udp.Close(socketID)
	if !c.udp.Open(socketID, ClientPort, netip.AddrFrom4([4]byte{255, 255, 255, 255}), ServerPort, c.iface) {
		return Lease{}, errors.New("dhcpclient: could not reopen DHCP socket")
	}

	final, err := c.request(ctx, lease)
	c.udp.Close(socketID)
	if err != nil {
		return Lease{}, err
	}

	c.ip.Local[c.iface] = final.Address
	c.ip.Mask[c.iface] = final.Mask
	c.ip.Gateway[c.iface] = final.Gateway
	return final, nil
}

func (c *Client) discover(ctx context.Context) (Lease, error) {
	for retry := 0; retry < MaxRetries; retry++ {
		if err := c.send(ctx, msgDiscover, true); err != nil {
			return Lease{}, err
		}
		tctx, cancel := context.WithTimeout(ctx, DiscoverTimeout)
		ok := c.udp.Listen(tctx, socketID, ClientPort)
		cancel()
		if !ok {
			continue
		}
		buf := c.udp.Read(socketID)
		if buf == nil {
			continue
		}
		lease, msgType := c.parse(buf)
		if msgType == msgOffer {
			return lease, nil
		}
	}
	return Lease{}, ErrNoOffer
}

func (c *Client) request(ctx context.Context, offer Lease) (Lease, error) {
	c.offered = offer.Address
	c.server = offer.Server
	for retry := 0; retry < MaxRetries; retry++ {
		if err := c.send(ctx, msgRequest, true); err != nil {
			return Lease{}, err
		}
		tctx, cancel := context.WithTimeout(ctx, RequestTimeout)
		ok := c.udp.Listen(tctx, socketID, ClientPort)
		cancel()
		if !ok {
			continue
		}
		buf := c.udp.Read(socketID)
		if buf == nil {
			continue
		}
		lease, msgType := c.parse(buf)
		if msgType == msgAck {
			return lease, nil
		}
		if msgType == msgNak {
			return Lease{}, ErrNotAcked
		}
	}
	return Lease{}, ErrNotAcked
}

// Release sends up to three DHCPRELEASE messages to the leasing
// server and clears the interface's address. Best-effort: a failure
// to deliver the release does not block clearing local state.
func (c *Client) Release(ctx context.Context, lease Lease) {
	if !lease.Address.IsValid() || lease.Address == netip.IPv4Unspecified() {
		return
	}
	c.udp.Close(socketID)
	if !c.udp.Open(socketID, ClientPort, lease.Server, ServerPort, c.iface) {
		return
	}
	c.offered = lease.Address
	c.server = lease.Server
	for i := 0; i < 3; i++ {
		if err := c.send(ctx, msgRelease, true); err != nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	c.udp.Close(socketID)
	c.ip.Local[c.iface] = netip.IPv4Unspecified()
	c.ip.Gateway[c.iface] = netip.IPv4Unspecified()
	c.ip.Mask[c.iface] = netip.IPv4Unspecified()
}

func (c *Client) send(ctx context.Context, msgType byte, broadcast bool) error {
	buf, err := c.udp.NewDatagram(socketID)
	if err != nil {
		return err
	}

	buf.WriteByte(opBootRequest)
	buf.WriteByte(htypeEthernet)
	buf.WriteByte(hlenEthernet)
	buf.WriteByte(0) // hops
	buf.WriteUint32(c.xid)
	buf.WriteUint16(0) // secs

	if broadcast {
		buf.WriteUint16(flagsBroadcast)
		buf.WriteUint32(0) // client IP unknown until bound
	} else {
		buf.WriteUint16(0)
		local := c.ip.Local[c.iface].As4()
		buf.WriteBytes(local[:])
	}

	buf.WriteUint32(0) // your (client) IP, filled by server
	buf.WriteUint32(0) // gateway IP, unused
	server4 := c.server.As4()
	buf.WriteBytes(server4[:])

	buf.WriteBytes(c.mac[:])
	buf.WriteBytes(make([]byte, 16-hlenEthernet+64+128)) // chaddr padding + sname + file

	buf.WriteUint32(magicCookie)

	buf.WriteByte(optMessageType)
	buf.WriteByte(1)
	buf.WriteByte(msgType)

	buf.WriteByte(optClientID)
	buf.WriteByte(7)
	buf.WriteByte(1)
	buf.WriteBytes(c.mac[:])

	buf.WriteByte(optRequestedIP)
	buf.WriteByte(4)
	buf.WriteIP(c.offered)

	buf.WriteByte(optRequestList)
	buf.WriteByte(3)
	buf.WriteByte(optSubnetMask)
	buf.WriteByte(optRouter)
	buf.WriteByte(optDNS)

	buf.WriteByte(optEnd)

	return c.udp.Send(ctx, socketID, buf)
}

// parse extracts a Lease and the DHCP message type from a received
// BOOTP/DHCP datagram. A message whose xid or magic cookie doesn't
// match is reported as msgType 0.
func (c *Client) parse(buf *bufpool.Buffer) (Lease, byte) {
	defer c.pool.Release(buf)

	data := buf.Data()
	if len(data) < bootpHeaderSize+4 {
		return Lease{}, 0
	}
	if data[0] != opBootReply {
		return Lease{}, 0
	}
	xid := uint32(data[4])<<24 | uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7])
	if xid != c.xid {
		return Lease{}, 0
	}

	buf.SeekCursor(bootpHeaderSize)
	if buf.ReadUint32() != magicCookie {
		return Lease{}, 0
	}

	var yourIP [4]byte
	copy(yourIP[:], data[16:20])
	lease := Lease{Address: netip.AddrFrom4(yourIP)}

	// the IP header always starts at offset 0 of the buffer's storage,
	// regardless of how far the UDP/DHCP views have cropped past it.
	var serverIP [4]byte
	copy(serverIP[:], buf.Raw()[12:16])
	lease.Server = netip.AddrFrom4(serverIP)

	var msgType byte
	for !buf.IsEOF() {
		optType := buf.ReadByte()
		if optType == optEnd {
			break
		}
		size := int(buf.ReadByte())
		switch optType {
		case optMessageType:
			if size >= 1 {
				msgType = buf.ReadByte()
				buf.Skip(size - 1)
			}
		case optSubnetMask:
			if size >= 4 {
				lease.Mask = buf.ReadIP()
				buf.Skip(size - 4)
			}
		case optRouter:
			if size >= 4 {
				lease.Gateway = buf.ReadIP()
				buf.Skip(size - 4)
			}
		case optDNS:
			if size >= 4 {
				lease.DNS = buf.ReadIP()
				buf.Skip(size - 4)
			}
		case optLeaseTime:
			if size >= 4 {
				lease.LeaseTime = time.Duration(buf.ReadUint32()) * time.Second
				buf.Skip(size - 4)
			}
		default:
			buf.Skip(size)
		}
	}

	return lease, msgType
}
