// Package smtpclient implements a minimal SMTP client: connect, MAIL
// FROM, RCPT TO, DATA and the final dot-terminated send, each step
// gated on the previous one succeeding, matching the boundary-completeness
// item spec.md calls out. No authentication, no TLS, no multi-recipient
// batching beyond repeated To calls.
package smtpclient

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"hermes/internal/bufpool"
	"hermes/internal/tcpstack"

	"github.com/sirupsen/logrus"
)

// socketID is the TCP socket slot this client dedicates to SMTP
// sessions.
const socketID = 1

// Timeout bounds how long the client waits for a single-line server
// response at any stage of the transaction.
const Timeout = 2 * time.Second

type state int

const (
	stateIdle state = iota
	stateFrom
	stateRcpt
	stateData
)

var (
	ErrWrongState  = errors.New("smtpclient: command sent out of sequence")
	ErrServer      = errors.New("smtpclient: server returned an error response")
	ErrNoResponse  = errors.New("smtpclient: no response before the timeout")
)

// Client drives one SMTP session over a dedicated TCP socket.
type Client struct {
	tcp   *tcpstack.Stack
	pool  *bufpool.Pool
	state state
	log   *logrus.Entry
}

// New builds an SMTP client atop tcp.
func New(tcp *tcpstack.Stack, pool *bufpool.Pool, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{tcp: tcp, pool: pool, state: stateIdle, log: log.WithField("component", "smtp")}
}

// ok waits for a server response and reports whether its status code
// is a success class (2xx or 3xx).
func (c *Client) ok(ctx context.Context) (bool, error) {
	tctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()
	buf, err := c.tcp.Read(tctx, socketID)
	if err != nil {
		return false, ErrNoResponse
	}
	if buf == nil {
		return false, ErrNoResponse
	}
	defer c.pool.Release(buf)

	data := buf.Data()
	if len(data) == 0 {
		return false, nil
	}
	return data[0] == '2' || data[0] == '3', nil
}

// Connect opens a TCP connection to server:25, waits for the banner,
// and issues HELO, leaving the session ready for From.
func (c *Client) Connect(ctx context.Context, server netip.Addr, iface bufpool.InterfaceID) error {
	if c.state != stateIdle {
		return ErrWrongState
	}

	localPort := c.tcp.GetPort()
	if err := c.tcp.Open(ctx, socketID, localPort, server, 25, iface); err != nil {
		return err
	}

	ok, err := c.ok(ctx)
	if err != nil || !ok {
		c.Quit(ctx)
		if err != nil {
			return err
		}
		return ErrServer
	}

	if err := c.tcp.SendText(ctx, socketID, "HELO hermes\r\n"); err != nil {
		c.Quit(ctx)
		return err
	}

	ok, err = c.ok(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrServer
	}
	c.state = stateFrom
	return nil
}

// From issues MAIL FROM for address.
func (c *Client) From(ctx context.Context, address string) error {
	if c.state != stateFrom {
		return ErrWrongState
	}
	if err := c.tcp.SendText(ctx, socketID, "MAIL FROM:<"+address+">\r\n"); err != nil {
		return err
	}
	ok, err := c.ok(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrServer
	}
	c.state = stateRcpt
	return nil
}

// To issues RCPT TO for address. May be called repeatedly for
// multiple recipients.
func (c *Client) To(ctx context.Context, address string) error {
	if c.state != stateRcpt {
		return ErrWrongState
	}
	if err := c.tcp.SendText(ctx, socketID, "RCPT TO:<"+address+">\r\n"); err != nil {
		return err
	}
	ok, err := c.ok(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrServer
	}
	return nil
}

// Data sends one line of message body, issuing the DATA command first
// if this is the first line since the last RCPT TO.
func (c *Client) Data(ctx context.Context, line string) error {
	if c.state == stateRcpt {
		if err := c.tcp.SendText(ctx, socketID, "DATA\r\n"); err != nil {
			return err
		}
		ok, err := c.ok(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrServer
		}
		c.state = stateData
	}

	if c.state != stateData {
		return ErrWrongState
	}
	return c.tcp.SendText(ctx, socketID, line)
}

// Send terminates the DATA block and waits for final delivery
// confirmation, returning the session to the From-ready state so
// another message can be composed without reconnecting.
func (c *Client) Send(ctx context.Context) error {
	if c.state != stateData {
		return ErrWrongState
	}
	if err := c.tcp.SendText(ctx, socketID, "\r\n.\r\n"); err != nil {
		return err
	}
	ok, err := c.ok(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrServer
	}
	c.state = stateFrom
	return nil
}

// Quit ends the session: sends QUIT, waits briefly for the server to
// close its side, then force-closes the socket and resets state.
func (c *Client) Quit(ctx context.Context) {
	if !c.tcp.IsOpen(socketID) {
		c.state = stateIdle
		return
	}

	c.tcp.SendText(ctx, socketID, "QUIT\r\n")
	c.ok(ctx)

	time.Sleep(500 * time.Millisecond)
	if c.tcp.IsOpen(socketID) {
		c.tcp.Close(ctx, socketID)
	}
	c.state = stateIdle
}
