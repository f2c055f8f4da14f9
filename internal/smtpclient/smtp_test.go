package smtpclient

import (
	"context"
	"net/netip"
	"testing"

	"hermes/internal/bufpool"
	"hermes/internal/ipstack"
	"hermes/internal/tcpstack"
)

func newTestClient(t *testing.T) (*Client, *bufpool.Pool) {
	t.Helper()
	pool := bufpool.New(4, 600)
	ip := ipstack.New(pool, func(ctx context.Context, iface bufpool.InterfaceID, addr netip.Addr) ([6]byte, bool) {
		return [6]byte{1, 2, 3, 4, 5, 6}, true
	}, nil)
	ip.Local[0] = netip.AddrFrom4([4]byte{10, 0, 0, 1})
	tcp := tcpstack.New(ip, pool, nil)
	return New(tcp, pool, nil), pool
}

func TestFromRefusesBeforeConnect(t *testing.T) {
	c, _ := newTestClient(t)
	if err := c.From(context.Background(), "a@example.com"); err != ErrWrongState {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

func TestToRefusesBeforeFrom(t *testing.T) {
	c, _ := newTestClient(t)
	c.state = stateFrom
	if err := c.To(context.Background(), "b@example.com"); err != ErrWrongState {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

func TestDataRefusesBeforeRcpt(t *testing.T) {
	c, _ := newTestClient(t)
	c.state = stateFrom
	if err := c.Data(context.Background(), "hello\r\n"); err != ErrWrongState {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

func TestSendRefusesOutsideDataState(t *testing.T) {
	c, _ := newTestClient(t)
	c.state = stateRcpt
	if err := c.Send(context.Background()); err != ErrWrongState {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

func TestConnectRefusesWhenNotIdle(t *testing.T) {
	c, _ := newTestClient(t)
	c.state = stateFrom
	err := c.Connect(context.Background(), netip.AddrFrom4([4]byte{10, 0, 0, 2}), 0)
	if err != ErrWrongState {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

func TestQuitIsIdempotentWhenNeverOpened(t *testing.T) {
	c, _ := newTestClient(t)
	c.Quit(context.Background())
	if c.state != stateIdle {
		t.Fatalf("expected state idle after Quit, got %v", c.state)
	}
}
