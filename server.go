package quic

import (
	"context"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quince-io/quince/transport"
)

const maxDatagramSize = transport.MaxPacketSize

// UDPServer drives a Server dispatcher against a real net.PacketConn:
// all I/O happens here, in the caller, never inside Server.Process
// itself. Every datagram is fed through the single-threaded dispatcher
// contract rather than handed off to a per-connection goroutine.
type UDPServer struct {
	Dispatcher *Server

	socket net.PacketConn
	logger Logger
}

// NewUDPServer wraps dispatcher with a UDP socket driver.
func NewUDPServer(dispatcher *Server) *UDPServer {
	return &UDPServer{Dispatcher: dispatcher, logger: noopLogger{}}
}

// SetLogger installs the Logger used for socket-level messages.
func (s *UDPServer) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	s.logger = l
}

// ListenAndServe starts listening on addr and serves incoming packets,
// blocking until the socket errors or ctx is done.
func (s *UDPServer) ListenAndServe(ctx context.Context, addr string) error {
	socket, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	s.socket = socket
	return s.Serve(ctx)
}

// Serve drives the receive loop and the dispatcher's process loop
// concurrently via a managed errgroup: one goroutine reads datagrams
// off the wire, the other owns every call into Dispatcher.Process, so
// the dispatcher is never touched from two goroutines at once.
func (s *UDPServer) Serve(ctx context.Context) error {
	if s.socket == nil {
		return errSocketNotSet
	}
	s.logger.Log(LevelInfo, "listening %s", s.socket.LocalAddr())

	recvCh := make(chan *transport.Datagram, 256)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveLoop(ctx, recvCh) })
	g.Go(func() error { return s.processLoop(ctx, recvCh) })
	return g.Wait()
}

func (s *UDPServer) receiveLoop(ctx context.Context, recvCh chan<- *transport.Datagram) error {
	buf := make([]byte, maxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, addr, err := s.socket.ReadFrom(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			d := transport.NewDatagram(addr, s.socket.LocalAddr(), payload)
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

// processLoop owns every call into Dispatcher.Process, honoring the
// returned Output: send a Datagram and immediately re-enter Process
// with no input; arm a timer for Callback; or wait for the next
// datagram when None.
func (s *UDPServer) processLoop(ctx context.Context, recvCh <-chan *transport.Datagram) error {
	wake := time.NewTimer(time.Hour)
	defer wake.Stop()
	if !wake.Stop() {
		<-wake.C
	}
	armed := false

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
			out := s.Dispatcher.Process(in, time.Now())
			in = nil
			switch out.Kind {
			case transport.OutputDatagram:
				if _, err := s.socket.WriteTo(out.Datagram.Payload, out.Datagram.Destination); err != nil {
					s.logger.Log(LevelWarn, "write to %s: %v", out.Datagram.Destination, err)
				}
				continue
			case transport.OutputCallback:
				if armed && !wake.Stop() {
					<-wake.C
				}
				wake.Reset(out.Delay)
				armed = true
			}
			break
		}
	}
}

// Close closes the listening socket, unblocking Serve.
func (s *UDPServer) Close() error {
	if s.socket != nil {
		return s.socket.Close()
	}
	return nil
}

// errSocketNotSet is returned when Serve is called before the socket
// is set up, e.g. via ListenAndServe.
var errSocketNotSet = &socketError{"no listening connection"}

type socketError struct{ msg string }

func (e *socketError) Error() string { return e.msg }
