package stack

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"hermes/internal/bufpool"
	"hermes/internal/linkdriver"
)

// wirePeers builds two Stacks connected by a pair of Loopback drivers on
// interface 0, each addressed on the same /24, and starts both
// dispatch loops.
func wirePeers(t *testing.T) (a, b *Stack, cancel func()) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())

	a = New(nil)
	b = New(nil)

	macA := [6]byte{0, 0, 0, 0, 0, 1}
	macB := [6]byte{0, 0, 0, 0, 0, 2}
	driverA := linkdriver.NewLoopback(macA)
	driverB := linkdriver.NewLoopback(macB)

	ipA := netip.AddrFrom4([4]byte{10, 0, 0, 1})
	ipB := netip.AddrFrom4([4]byte{10, 0, 0, 2})
	mask := netip.AddrFrom4([4]byte{255, 255, 255, 0})

	a.AttachInterface(0, driverA, ipA, mask, ipA)
	b.AttachInterface(0, driverB, ipB, mask, ipB)

	driverA.OnReceive(func(et linkdriver.EtherType, frame []byte) { b.Ingest(0, et, frame) })
	driverB.OnReceive(func(et linkdriver.EtherType, frame []byte) { a.Ingest(0, et, frame) })

	go a.Run(ctx)
	go b.Run(ctx)

	return a, b, cancelFn
}

func TestICMPPingAcrossLoopbackPeers(t *testing.T) {
	a, b, cancel := wirePeers(t)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	if !a.ICMP.Ping(ctx, netip.AddrFrom4([4]byte{10, 0, 0, 2}), 0) {
		t.Fatal("expected ping to peer b to succeed")
	}
	_ = b
}

func TestIngestDropsUnknownEtherType(t *testing.T) {
	s := New(nil)
	s.AttachInterface(0, linkdriver.NewLoopback([6]byte{1, 2, 3, 4, 5, 6}),
		netip.AddrFrom4([4]byte{10, 0, 0, 1}),
		netip.AddrFrom4([4]byte{255, 255, 255, 0}),
		netip.AddrFrom4([4]byte{10, 0, 0, 1}))

	before := 0
	for i := range s.Pool.Slots() {
		if s.Pool.Slots()[i].Tag != bufpool.TagEmpty {
			before++
		}
	}

	s.Ingest(0, linkdriver.EtherType(0x9999), []byte{1, 2, 3})

	after := 0
	for i := range s.Pool.Slots() {
		if s.Pool.Slots()[i].Tag != bufpool.TagEmpty {
			after++
		}
	}
	if after != before {
		t.Fatalf("expected an unknown ether type to release its buffer back to the pool, pool usage went from %d to %d", before, after)
	}
}
