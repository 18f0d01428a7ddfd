package rcon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
	"github.com/circlesabound/fctrl-agent/internal/model"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 10 * time.Second
)

// LifecycleWatcher is the subset of supervisor.Watch[model.Lifecycle]
// the RCON client needs. Depending on it as an interface (rather than
// the concrete supervisor type) keeps the inversion-of-control design
// note in spec.md §9 honest: the client is a pure observer, never a
// caller back into the supervisor.
type LifecycleWatcher interface {
	Subscribe() (<-chan model.Lifecycle, int)
	Unsubscribe(tok int)
}

// CredentialSource resolves the current RCON credential on every
// (re)connect attempt, so a ConfigPut(RconConfig) that lands while the
// server is running takes effect on the client's next reconnection
// without requiring the client to be reconstructed.
type CredentialSource func() model.RconConfig

type cmdRequest struct {
	ctx  context.Context
	cmd  string
	resp chan cmdResponse
}

type cmdResponse struct {
	text string
	err  error
}

// Client maintains a single administrative-socket connection, keyed to
// the supervisor's Running state, and serialises commands onto it.
type Client struct {
	credential CredentialSource
	lifecycle  LifecycleWatcher
	timeout    time.Duration

	cmdCh     chan cmdRequest
	connected atomic.Bool
	nextID    atomic.Int32
}

func New(credential CredentialSource, lifecycle LifecycleWatcher, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		credential: credential,
		lifecycle:  lifecycle,
		timeout:    timeout,
		cmdCh:      make(chan cmdRequest),
	}
}

// Run drives the connect/reconnect lifecycle until ctx is cancelled. It
// should be started once, for the Agent's lifetime, in its own
// goroutine.
func (c *Client) Run(ctx context.Context) {
	ch, tok := c.lifecycle.Subscribe()
	defer c.lifecycle.Unsubscribe(tok)

	var cancelConn context.CancelFunc
	stop := func() {
		if cancelConn != nil {
			cancelConn()
			cancelConn = nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			if st == model.Running {
				if cancelConn == nil {
					var connCtx context.Context
					connCtx, cancelConn = context.WithCancel(ctx)
					go c.maintainConnection(connCtx)
				}
			} else {
				stop()
			}
		}
	}
}

func (c *Client) maintainConnection(ctx context.Context) {
	backoff := minBackoff
	for ctx.Err() == nil {
		conn, err := c.dialAndAuth(ctx)
		if err != nil {
			glog.Warningf("rcon: connect failed, retrying in %s: %v", backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = minBackoff
		c.connected.Store(true)
		c.serve(ctx, conn)
		c.connected.Store(false)
		conn.Close()
	}
}

func (c *Client) dialAndAuth(ctx context.Context) (net.Conn, error) {
	cred := c.credential()
	addr := fmt.Sprintf("127.0.0.1:%d", cred.Port)
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.RconNotConnected, err, "dialing %s", addr)
	}

	id := c.nextID.Inc()
	conn.SetDeadline(time.Now().Add(c.timeout))
	if err := writePacket(conn, packet{ID: id, Type: typeAuth, Body: cred.Password}); err != nil {
		conn.Close()
		return nil, agenterr.Wrap(agenterr.RconProtocolError, err, "sending auth packet")
	}
	resp, err := readPacket(conn)
	if err != nil {
		conn.Close()
		return nil, agenterr.Wrap(agenterr.RconProtocolError, err, "reading auth response")
	}
	if resp.Type != typeAuthResponse || resp.ID != id {
		conn.Close()
		return nil, agenterr.New(agenterr.RconProtocolError, "authentication rejected")
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.cmdCh:
			text, err := c.roundTrip(conn, req.cmd)
			select {
			case req.resp <- cmdResponse{text: text, err: err}:
			default:
			}
			if err != nil {
				return // drop connection, maintainConnection will reconnect
			}
		}
	}
}

func (c *Client) roundTrip(conn net.Conn, cmd string) (string, error) {
	id := c.nextID.Inc()
	conn.SetDeadline(time.Now().Add(c.timeout))
	defer conn.SetDeadline(time.Time{})

	if err := writePacket(conn, packet{ID: id, Type: typeExecCommand, Body: cmd}); err != nil {
		return "", agenterr.Wrap(agenterr.RconProtocolError, err, "writing command")
	}
	resp, err := readPacket(conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", agenterr.New(agenterr.RconTimeout, "after %s", c.timeout)
		}
		return "", agenterr.Wrap(agenterr.RconProtocolError, err, "reading response")
	}
	if resp.ID != id || resp.Type != typeResponseVal {
		return "", agenterr.New(agenterr.RconProtocolError, "unexpected response id/type")
	}
	return resp.Body, nil
}

// Command queues cmd on the single in-flight-command queue and waits
// for exactly one response or error (spec.md §4.6).
func (c *Client) Command(ctx context.Context, cmd string) (string, error) {
	if !c.connected.Load() {
		return "", agenterr.New(agenterr.RconNotConnected, "no active administrative connection")
	}
	req := cmdRequest{ctx: ctx, cmd: cmd, resp: make(chan cmdResponse, 1)}
	select {
	case c.cmdCh <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-req.resp:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) Connected() bool { return c.connected.Load() }

// Timeout returns the per-command deadline this client was constructed
// with, for callers that need to bound their own context before
// issuing a Command.
func (c *Client) Timeout() time.Duration { return c.timeout }
