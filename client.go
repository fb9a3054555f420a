package quic

import (
	"context"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quince-io/quince/transport"
)

// Client drives a single outbound transport.ClientConn against a UDP
// socket, the client-side mirror of UDPServer. It is a thin driver: the
// connection-dispatch core this module implements is the server side,
// so Client exists only to exercise transport.NewClientConn end to end
// and to back the cmd/quince client subcommand.
type Client struct {
	config *transport.Config
	cidMgr transport.CIDSource
	logger Logger

	socket net.PacketConn
	conn   transport.Connection
	remote net.Addr
}

// NewClient builds a Client from config. A nil config gets
// transport.NewConfig()'s defaults.
func NewClient(config *transport.Config) *Client {
	if config == nil {
		config = transport.NewConfig()
	}
	cidLen := config.CIDLength
	if cidLen <= 0 {
		cidLen = transport.DefaultCIDLength
	}
	return &Client{
		config: config,
		cidMgr: transport.NewRandomCIDSource(cidLen),
		logger: noopLogger{},
	}
}

// SetLogger installs the Logger used for connection-level messages.
func (c *Client) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	c.logger = l
}

// Connect resolves addr, opens an ephemeral UDP socket, and constructs
// the client-side connection state machine. It does not block on the
// handshake completing; call Serve to drive it.
func (c *Client) Connect(addr string) error {
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	socket, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	conn, err := transport.NewClientConn(c.config, remote, c.cidMgr)
	if err != nil {
		socket.Close()
		return err
	}
	c.socket = socket
	c.conn = conn
	c.remote = remote
	c.logger.Log(LevelInfo, "connecting to %s from %s", remote, socket.LocalAddr())
	return nil
}

// Serve drives the connection until it closes or ctx is done, reading
// replies from the socket and feeding them through the same
// send-datagram/arm-timer/wait-for-input loop UDPServer uses on the
// server side.
func (c *Client) Serve(ctx context.Context) error {
	if c.socket == nil {
		return errSocketNotSet
	}
	recvCh := make(chan *transport.Datagram, 16)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.receiveLoop(ctx, recvCh) })
	g.Go(func() error { return c.driveLoop(ctx, recvCh) })
	return g.Wait()
}

func (c *Client) receiveLoop(ctx context.Context, recvCh chan<- *transport.Datagram) error {
	buf := make([]byte, maxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, addr, err := c.socket.ReadFrom(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			d := transport.NewDatagram(addr, c.socket.LocalAddr(), payload)
			select {
			case recvCh <- d:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return err
		}
	}
}

func (c *Client) driveLoop(ctx context.Context, recvCh <-chan *transport.Datagram) error {
	wake := time.NewTimer(0) // fire once immediately to send the first Initial
	defer wake.Stop()
	armed := true

	for {
		var in *transport.Datagram
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-recvCh:
			in = d
		case <-wake.C:
			armed = false
		}

		for {
			out := c.conn.Process(in, time.Now())
			in = nil
			switch out.Kind {
			case transport.OutputDatagram:
				if _, err := c.socket.WriteTo(out.Datagram.Payload, c.remote); err != nil {
					c.logger.Log(LevelWarn, "write to %s: %v", c.remote, err)
				}
				continue
			case transport.OutputCallback:
				if armed && !wake.Stop() {
					<-wake.C
				}
				wake.Reset(out.Delay)
				armed = true
			case transport.OutputNone:
				if c.conn.State().Phase == transport.StateClosed {
					c.logger.Log(LevelInfo, "connection to %s closed: %v", c.remote, c.conn.State().Reason)
					return nil
				}
			}
			break
		}
	}
}

// Close closes the client's socket, unblocking Serve.
func (c *Client) Close() error {
	if c.socket != nil {
		return c.socket.Close()
	}
	return nil
}
