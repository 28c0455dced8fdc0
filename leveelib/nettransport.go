package leveelib

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jpillora/backoff"
)

const (
	defaultReadBufferSize = 2048
	defaultRecvWindow     = 8192
	defaultSendBufferSize = 4096
	defaultPollInterval   = 1 * time.Millisecond
)

// ErrAlreadyListening reports a second Listen on the same transport.
var ErrAlreadyListening = errors.New("transport is already listening")

var errConnClosed = errors.New("connection is closed")

// NetTransport is a pump-driven Transport over the standard TCP
// stack. Nothing happens outside Pump: accepts, receives and flushes
// are all polled with short deadlines, so the bridge's single-threaded
// cooperative model holds over real sockets.
type NetTransport struct {
	ReadBufferSize int           // per-read scratch size
	RecvWindow     int           // per-connection receive window
	SendBufferSize int           // outbound buffer size per connection
	PollInterval   time.Duration // deadline used for each poll inside Pump

	ln      *net.TCPListener
	handler AcceptHandler
	conns   []*netConn

	retryAt time.Time        // earliest next accept attempt after a failure
	b       *backoff.Backoff // paces accept retries
}

func (t *NetTransport) Listen(port uint16, handler AcceptHandler) error {
	if t.ln != nil {
		return ErrAlreadyListening
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}

	t.ln = ln.(*net.TCPListener)
	t.handler = handler
	t.b = &backoff.Backoff{
		Factor: 1.25,
		Jitter: true,
		Min:    5 * time.Millisecond,
		Max:    1 * time.Second,
	}
	return nil
}

// Addr returns the listener's address, or nil before Listen.
func (t *NetTransport) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Pump makes one round of cooperative progress: at most one accept
// attempt, then one flush-and-read poll per live connection.
func (t *NetTransport) Pump() {
	t.pumpAccept()
	t.pumpConns()
}

func (t *NetTransport) Close() error {
	var err error
	if t.ln != nil {
		err = t.ln.Close()
		t.ln = nil
	}
	for _, nc := range t.conns {
		_ = nc.Close()
	}
	t.conns = nil
	return err
}

func (t *NetTransport) pumpAccept() {
	if t.ln == nil || t.handler == nil || time.Now().Before(t.retryAt) {
		return
	}

	_ = t.ln.SetDeadline(time.Now().Add(t.pollInterval()))
	c, err := t.ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		// transient accept failure, back off before retrying
		t.retryAt = time.Now().Add(t.b.Duration())
		return
	}
	t.b.Reset()

	nc := &netConn{
		t:    t,
		c:    c,
		w:    bufio.NewWriterSize(c, t.sendBufferSize()),
		buf:  make([]byte, t.readBufferSize()),
		wind: t.recvWindow(),
	}

	sub := t.handler.HandleAccept(nc)
	if sub == nil {
		_ = c.Close()
		return
	}
	nc.sub = sub
	t.conns = append(t.conns, nc)
}

func (t *NetTransport) pumpConns() {
	live := t.conns[:0]
	for _, nc := range t.conns {
		nc.pump()
		if !nc.dead {
			live = append(live, nc)
		}
	}
	// keep released entries collectable
	for i := len(live); i < len(t.conns); i++ {
		t.conns[i] = nil
	}
	t.conns = live
}

func (t *NetTransport) readBufferSize() int {
	if t.ReadBufferSize <= 0 {
		return defaultReadBufferSize
	}
	return t.ReadBufferSize
}

func (t *NetTransport) recvWindow() int {
	if t.RecvWindow <= 0 {
		return defaultRecvWindow
	}
	return t.RecvWindow
}

func (t *NetTransport) sendBufferSize() int {
	if t.SendBufferSize <= 0 {
		return defaultSendBufferSize
	}
	return t.SendBufferSize
}

func (t *NetTransport) pollInterval() time.Duration {
	if t.PollInterval <= 0 {
		return defaultPollInterval
	}
	return t.PollInterval
}

// netConn adapts one accepted TCP connection to the Conn surface. The
// receive window emulates the stack's flow control: reads stop once
// the window is exhausted and resume when Consumed reopens it.
type netConn struct {
	t   *NetTransport
	c   net.Conn
	w   *bufio.Writer
	sub Subscriber
	buf []byte // read scratch

	wind int  // remaining receive window
	eof  bool // remote half-close already delivered
	dead bool
}

func (nc *netConn) pump() {
	if nc.dead {
		return
	}

	if nc.w.Buffered() > 0 {
		if err := nc.w.Flush(); err != nil {
			nc.fail(err)
			return
		}
	}
	if nc.eof || nc.wind == 0 {
		return
	}

	limit := len(nc.buf)
	if nc.wind < limit {
		limit = nc.wind
	}

	_ = nc.c.SetReadDeadline(time.Now().Add(nc.t.pollInterval()))
	n, err := nc.c.Read(nc.buf[:limit])
	if n > 0 {
		nc.wind -= n
		data := make([]byte, n)
		copy(data, nc.buf[:n])
		nc.sub.OnReceive(&Fragment{Data: data})
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		if errors.Is(err, io.EOF) {
			nc.eof = true
			if nc.sub != nil {
				nc.sub.OnReceive(nil)
			}
			return
		}
		nc.fail(err)
	}
}

func (nc *netConn) Consumed(n int) {
	nc.wind += n
	if max := nc.t.recvWindow(); nc.wind > max {
		nc.wind = max
	}
}

func (nc *netConn) SendBufferSpace() int {
	if nc.dead {
		return 0
	}
	return nc.w.Available()
}

func (nc *netConn) Write(p []byte, _ bool) error {
	if nc.dead {
		return errConnClosed
	}
	if _, err := nc.w.Write(p); err != nil {
		nc.fail(err)
		return err
	}
	return nil
}

func (nc *netConn) Flush() error {
	if nc.dead {
		return errConnClosed
	}
	if err := nc.w.Flush(); err != nil {
		nc.fail(err)
		return err
	}
	return nil
}

func (nc *netConn) Close() error {
	if nc.dead {
		return nil
	}
	nc.dead = true
	nc.sub = nil
	return nc.c.Close()
}

// fail tears the connection down and reports the error to whoever is
// subscribed. Close and fail each fire at most once per connection.
func (nc *netConn) fail(err error) {
	if nc.dead {
		return
	}
	nc.dead = true
	sub := nc.sub
	nc.sub = nil
	_ = nc.c.Close()
	if sub != nil {
		sub.OnError(err)
	}
}
