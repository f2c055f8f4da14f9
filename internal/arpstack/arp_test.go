package arpstack

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"hermes/internal/bufpool"
	"hermes/internal/linkdriver"
)

func ip4(a, b, c, d byte) netip.Addr {
	return netip.AddrFrom4([4]byte{a, b, c, d})
}

func TestResolveLimitedBroadcastShortCircuits(t *testing.T) {
	s := New(ip4(192, 168, 1, 1), linkdriver.NewLoopback([6]byte{1, 2, 3, 4, 5, 6}), bufpool.New(1, headerLen), nil)
	mac, ok := s.Resolve(context.Background(), ip4(255, 255, 255, 255))
	if !ok || mac != broadcastMAC {
		t.Fatalf("Resolve(broadcast) = %v, %v, want %v, true", mac, ok, broadcastMAC)
	}
}

func TestCacheAddAndLookup(t *testing.T) {
	s := New(ip4(192, 168, 1, 1), linkdriver.NewLoopback([6]byte{}), bufpool.New(1, headerLen), nil)
	want := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	s.cacheAdd(ip4(192, 168, 1, 50), want)

	got, ok := s.lookup(ip4(192, 168, 1, 50))
	if !ok || got != want {
		t.Fatalf("lookup = %v, %v, want %v, true", got, ok, want)
	}

	if _, ok := s.lookup(ip4(192, 168, 1, 51)); ok {
		t.Fatalf("lookup of unknown IP should miss")
	}
}

func TestCacheAddEvictsLowestTTLWhenFull(t *testing.T) {
	s := New(ip4(192, 168, 1, 1), linkdriver.NewLoopback([6]byte{}), bufpool.New(1, headerLen), nil)
	for i := 0; i < MaxCacheEntries; i++ {
		s.cacheAdd(ip4(10, 0, 0, byte(i)), [6]byte{byte(i)})
	}
	// age entry 0 down so it's the eviction candidate.
	s.cache[0].ttl = 1

	s.cacheAdd(ip4(10, 0, 1, 0), [6]byte{0xff})

	if _, ok := s.lookup(ip4(10, 0, 0, 0)); ok {
		t.Fatalf("lowest-TTL entry should have been evicted to make room")
	}
	if _, ok := s.lookup(ip4(10, 0, 1, 0)); !ok {
		t.Fatalf("newly added entry should be present")
	}
}

func TestTickEvictsExpiredEntries(t *testing.T) {
	s := New(ip4(192, 168, 1, 1), linkdriver.NewLoopback([6]byte{}), bufpool.New(1, headerLen), nil)
	s.cacheAdd(ip4(10, 0, 0, 1), [6]byte{1})
	s.cache[0].ttl = 1

	s.Tick()

	if _, ok := s.lookup(ip4(10, 0, 0, 1)); ok {
		t.Fatalf("entry should be evicted once its TTL reaches zero")
	}
}

func TestResolveRequestReplyRoundTrip(t *testing.T) {
	localMAC := [6]byte{1, 2, 3, 4, 5, 6}
	peerMAC := [6]byte{6, 5, 4, 3, 2, 1}
	localIP := ip4(192, 168, 1, 1)
	peerIP := ip4(192, 168, 1, 2)

	driver := linkdriver.NewLoopback(localMAC)
	pool := bufpool.New(2, headerLen)
	s := New(localIP, driver, pool, nil)

	// the loopback driver hands every outgoing ARP request straight to
	// this callback; answer it as if the peer host itself replied.
	driver.OnReceive(func(et linkdriver.EtherType, frame []byte) {
		if et != linkdriver.EtherTypeARP {
			return
		}
		reply, err := pool.Get(headerLen)
		if err != nil {
			t.Errorf("Get reply buffer: %v", err)
			return
		}
		s.buildHeader(reply, opReply, peerMAC, peerIP, localMAC, localIP)
		go s.Parse(context.Background(), reply)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mac, ok := s.Resolve(ctx, peerIP)
	if !ok {
		t.Fatalf("Resolve did not complete within timeout")
	}
	if mac != peerMAC {
		t.Fatalf("Resolve = %v, want %v", mac, peerMAC)
	}
}

func TestParseRequestAddressedToSelfSendsReply(t *testing.T) {
	localMAC := [6]byte{1, 2, 3, 4, 5, 6}
	peerMAC := [6]byte{6, 5, 4, 3, 2, 1}
	localIP := ip4(192, 168, 1, 1)
	peerIP := ip4(192, 168, 1, 2)

	driver := linkdriver.NewLoopback(localMAC)
	pool := bufpool.New(2, headerLen)
	s := New(localIP, driver, pool, nil)

	replies := make(chan linkdriver.EtherType, 1)
	driver.OnReceive(func(et linkdriver.EtherType, frame []byte) {
		replies <- et
	})

	req, err := pool.Get(headerLen)
	if err != nil {
		t.Fatalf("Get request buffer: %v", err)
	}
	s.buildHeader(req, opRequest, peerMAC, peerIP, localMAC, localIP)

	s.Parse(context.Background(), req)

	select {
	case et := <-replies:
		if et != linkdriver.EtherTypeARP {
			t.Fatalf("reply ether type = %v, want ARP", et)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply sent for a request addressed to the local IP")
	}

	if mac, ok := s.lookup(peerIP); !ok || mac != peerMAC {
		t.Fatalf("requester's mapping should be cached, got %v, %v", mac, ok)
	}
}
