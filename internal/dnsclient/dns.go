// Package dnsclient implements a minimal DNS resolver: a single A
// query against one configured server, three bounded retries, no
// caching (matching the stack's Non-goals). Message encoding/decoding
// is delegated to github.com/miekg/dns instead of hand-rolled label
// packing, since that is exactly the concern that library exists for.
package dnsclient

import (
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"time"

	"hermes/internal/bufpool"
	"hermes/internal/ipstack"
	"hermes/internal/udpstack"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

const (
	// socketID is the UDP socket slot this resolver dedicates to DNS
	// traffic.
	socketID = 1

	ServerPort = 53

	// MaxRetries bounds how many times a query is resent before giving
	// up.
	MaxRetries = 3
	// QueryTimeout is how long each attempt waits for a reply.
	QueryTimeout = 500 * time.Millisecond
)

var ErrNoAnswer = errors.New("dnsclient: no A record in the response")

// Client resolves hostnames to IPv4 addresses against one DNS server.
type Client struct {
	udp    *udpstack.Stack
	ip     *ipstack.Stack
	pool   *bufpool.Pool
	server netip.Addr
	iface  bufpool.InterfaceID
	log    *logrus.Entry
}

// New builds a DNS client using server as the resolver for queries
// issued on iface.
func New(udp *udpstack.Stack, ip *ipstack.Stack, pool *bufpool.Pool, server netip.Addr, iface bufpool.InterfaceID, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{udp: udp, ip: ip, pool: pool, server: server, iface: iface, log: log.WithField("component", "dns")}
}

// Resolve queries for host's A record, retrying up to MaxRetries times.
func (c *Client) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	localPort := c.udp.GetPort()
	c.udp.Close(socketID)
	if !c.udp.Open(socketID, localPort, c.server, ServerPort, c.iface) {
		return netip.Addr{}, errors.New("dnsclient: could not open DNS socket")
	}
	defer c.udp.Close(socketID)

	id := uint16(rand.Uint32())
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(host), dns.TypeA)
	query.Id = id
	query.RecursionDesired = true

	wire, err := query.Pack()
	if err != nil {
		return netip.Addr{}, err
	}

	for retry := 0; retry < MaxRetries; retry++ {
		if err := c.send(ctx, wire); err != nil {
			return netip.Addr{}, err
		}

		tctx, cancel := context.WithTimeout(ctx, QueryTimeout)
		ok := c.udp.Listen(tctx, socketID, localPort)
		cancel()
		if !ok {
			continue
		}

		buf := c.udp.Read(socketID)
		if buf == nil {
			continue
		}
		addr, err := c.parse(buf, id)
		if err == nil {
			return addr, nil
		}
		c.log.WithError(err).Debug("dropping unusable DNS response")
	}

	return netip.Addr{}, ErrNoAnswer
}

func (c *Client) send(ctx context.Context, wire []byte) error {
	buf, err := c.udp.NewDatagram(socketID)
	if err != nil {
		return err
	}
	buf.WriteBytes(wire)
	return c.udp.Send(ctx, socketID, buf)
}

func (c *Client) parse(buf *bufpool.Buffer, wantID uint16) (netip.Addr, error) {
	defer c.pool.Release(buf)
	msg := new(dns.Msg)
	if err := msg.Unpack(buf.Data()); err != nil {
		return netip.Addr{}, err
	}
	if msg.Id != wantID {
		return netip.Addr{}, errors.New("dnsclient: transaction id mismatch")
	}
	if len(msg.Answer) == 0 {
		return netip.Addr{}, ErrNoAnswer
	}
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok {
			addr, ok := netip.AddrFromSlice(a.A.To4())
			if ok {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, ErrNoAnswer
}
