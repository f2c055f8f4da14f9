package dispatch

import (
	"context"
	"testing"
	"time"

	"hermes/internal/bufpool"
)

func TestDispatchRoutesToRegisteredParser(t *testing.T) {
	pool := bufpool.New(1, 64)
	d := New(pool, nil)

	seen := make(chan bufpool.Tag, 1)
	d.Register(bufpool.TagIP, func(b *bufpool.Buffer) {
		seen <- b.Tag
	})

	buf, err := pool.Get(4)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	buf.Tag = bufpool.TagIP
	pool.Notify()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	select {
	case tag := <-seen:
		if tag != bufpool.TagReserved {
			t.Fatalf("parser should observe TagReserved while it owns the buffer, got %v", tag)
		}
	case <-time.After(time.Second):
		t.Fatal("parser was never invoked")
	}
}

func TestDispatchDropsUnregisteredTag(t *testing.T) {
	pool := bufpool.New(1, 64)
	d := New(pool, nil)

	buf, err := pool.Get(4)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	buf.Tag = bufpool.TagICMP
	pool.Notify()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if buf.Tag == bufpool.TagEmpty {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("buffer with no registered parser should be released back to TagEmpty, got %v", buf.Tag)
}

func TestDispatchRedispatchesOnRetag(t *testing.T) {
	pool := bufpool.New(1, 64)
	d := New(pool, nil)

	var ipSeen, tcpSeen bool
	d.Register(bufpool.TagIP, func(b *bufpool.Buffer) {
		ipSeen = true
		pool.Retain(b)
		pool.Lock()
		b.Tag = bufpool.TagTCP
		pool.Unlock()
	})
	d.Register(bufpool.TagTCP, func(b *bufpool.Buffer) {
		tcpSeen = true
	})

	buf, err := pool.Get(4)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	buf.Tag = bufpool.TagIP
	pool.Notify()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ipSeen && tcpSeen {
			if buf.Tag != bufpool.TagEmpty {
				t.Fatalf("buffer should settle back to TagEmpty once both parsers release it, got %v", buf.Tag)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected IP parser to retag into TCP and be re-dispatched within one scan pass, ipSeen=%v tcpSeen=%v", ipSeen, tcpSeen)
}
