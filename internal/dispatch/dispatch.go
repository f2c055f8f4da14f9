// Package dispatch implements the stack's single dispatch loop: a
// goroutine that scans the shared buffer pool for any slot a link
// driver or protocol layer has tagged with work to do, and hands it to
// that protocol's registered parser. A parser may retain the buffer
// and retag it to hand it up to the next layer (IP promoting a
// datagram to TCP/UDP/ICMP) within the same pass, which the inner loop
// re-observes before moving to the next slot — preserving the original
// single-thread re-dispatch-on-retag behavior without needing the
// caller to explicitly resubmit anything.
package dispatch

import (
	"context"
	"sync"

	"hermes/internal/bufpool"

	"github.com/sirupsen/logrus"
)

// Parser processes one buffer tagged for its protocol. It must not
// block indefinitely: the dispatcher scans the whole pool sequentially
// and a stuck parser stalls every other pending buffer.
type Parser func(buf *bufpool.Buffer)

// Dispatcher owns the registered parser table and drives the pool's
// ready channel.
type Dispatcher struct {
	pool    *bufpool.Pool
	mu      sync.RWMutex
	parsers map[bufpool.Tag]Parser
	log     *logrus.Entry
}

// New builds a Dispatcher bound to pool. Parsers are registered with
// Register before Run starts, typically once per protocol package
// during stack construction.
func New(pool *bufpool.Pool, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		pool:    pool,
		parsers: make(map[bufpool.Tag]Parser),
		log:     log.WithField("component", "dispatch"),
	}
}

// Register binds a parser to a tag. Only one parser may own a tag.
func (d *Dispatcher) Register(tag bufpool.Tag, p Parser) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parsers[tag] = p
}

// Run blocks, scanning the pool every time it is woken via
// pool.Notify, until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.pool.Ready():
		}
		d.scan()
	}
}

func (d *Dispatcher) scan() {
	slots := d.pool.Slots()
	for i := range slots {
		d.drainSlot(&slots[i])
	}
}

// drainSlot repeatedly dispatches a single slot until it settles on
// TagEmpty or TagReserved, mirroring the original's inner for(;;) loop
// that lets one parser's retag chain straight into the next parser
// without waiting for another wake-up.
func (d *Dispatcher) drainSlot(b *bufpool.Buffer) {
	for {
		d.pool.Lock()
		tag := b.Tag
		if tag == bufpool.TagEmpty || tag == bufpool.TagReserved {
			d.pool.Unlock()
			return
		}
		b.Tag = bufpool.TagReserved
		d.mu.RLock()
		parser := d.parsers[tag]
		d.mu.RUnlock()
		d.pool.Unlock()

		if parser == nil {
			d.log.WithField("tag", tag).Warn("no parser registered for tag, dropping buffer")
			d.pool.Release(b)
			return
		}
		parser(b)
		d.pool.Release(b)
	}
}
