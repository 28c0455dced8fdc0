package leveelib

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	handler AcceptHandler
	pumps   int
	onPump  func()
	closed  bool
}

func (t *stubTransport) Listen(_ uint16, h AcceptHandler) error {
	t.handler = h
	return nil
}

func (t *stubTransport) Pump() {
	t.pumps++
	if t.onPump != nil {
		t.onPump()
	}
}

func (t *stubTransport) Close() error {
	t.closed = true
	return nil
}

func (t *stubTransport) accept(conn Conn) Subscriber {
	return t.handler.HandleAccept(conn)
}

type stubWrite struct {
	data string
	more bool
}

type stubConn struct {
	consumed int
	space    int
	writes   []stubWrite
	flushes  int
	closed   bool
}

func (c *stubConn) Consumed(n int)       { c.consumed += n }
func (c *stubConn) SendBufferSpace() int { return c.space }

func (c *stubConn) Write(p []byte, more bool) error {
	c.writes = append(c.writes, stubWrite{data: string(p), more: more})
	c.space -= len(p)
	return nil
}

func (c *stubConn) Flush() error {
	c.flushes++
	return nil
}

func (c *stubConn) Close() error {
	c.closed = true
	return nil
}

func newTestBridge(t *testing.T) (*Bridge, *stubTransport) {
	tr := &stubTransport{}
	b := &Bridge{Transport: tr, Quiet: true}
	require.NoError(t, b.Start(0))
	return b, tr
}

func TestInstanceIDsSequentialWithoutReuse(t *testing.T) {
	b, tr := newTestBridge(t)

	s1 := tr.accept(&stubConn{}).(*subscriber)
	s2 := tr.accept(&stubConn{}).(*subscriber)
	s3 := tr.accept(&stubConn{}).(*subscriber)
	require.EqualValues(t, 1, s1.inst.id)
	require.EqualValues(t, 2, s2.inst.id)
	require.EqualValues(t, 3, s3.inst.id)

	require.NoError(t, b.CloseInstance(2))

	s4 := tr.accept(&stubConn{}).(*subscriber)
	require.EqualValues(t, 4, s4.inst.id)
	require.Equal(t, 3, b.InstanceCount())
}

func TestReceiveDrainsChainAndReopensWindow(t *testing.T) {
	b, tr := newTestBridge(t)

	conn := &stubConn{}
	sub := tr.accept(conn).(*subscriber)

	frags := &Fragment{Data: []byte("abc")}
	frags.Chain(&Fragment{Data: []byte("defg")})
	sub.OnReceive(frags)

	require.Equal(t, StateReceived, sub.inst.state)
	require.Nil(t, sub.inst.pending)
	require.Equal(t, 7, conn.consumed)
	require.Equal(t, 2, b.queue.chunks())

	buf := make([]byte, 7)
	n, id := b.ReadFull(buf)
	require.Equal(t, 7, n)
	require.EqualValues(t, 1, id)
	require.Equal(t, "abcdefg", string(buf))
}

func TestHalfCloseWithoutPendingClosesImmediately(t *testing.T) {
	b, tr := newTestBridge(t)

	conn := &stubConn{}
	sub := tr.accept(conn).(*subscriber)
	sub.OnReceive(&Fragment{Data: []byte("x")})

	sub.OnReceive(nil)
	require.True(t, conn.closed)
	require.Equal(t, 0, b.InstanceCount())
	require.True(t, b.queue.empty())
}

func TestHalfCloseWithPendingDrainsAndDefersClose(t *testing.T) {
	b, tr := newTestBridge(t)

	conn := &stubConn{}
	sub := tr.accept(conn).(*subscriber)
	sub.inst.state = StateReceived
	sub.inst.pending = &Fragment{Data: []byte("tail")}

	sub.OnReceive(nil)
	require.Equal(t, StateClosing, sub.inst.state)
	require.False(t, conn.closed)
	require.Equal(t, 1, b.InstanceCount())
	require.Equal(t, 1, b.queue.chunks())
	require.Equal(t, 4, conn.consumed)

	// a further receive while closing is a duplicate close signal:
	// the payload is trashed and the connection force-closed
	sub.OnReceive(&Fragment{Data: []byte("junk")})
	require.True(t, conn.closed)
	require.Equal(t, 0, b.InstanceCount())
	require.True(t, b.queue.empty())
	require.Equal(t, 8, conn.consumed)
}

func TestCloseInstancePurgesSharedQueue(t *testing.T) {
	b, tr := newTestBridge(t)

	conn1 := &stubConn{}
	conn2 := &stubConn{}
	sub1 := tr.accept(conn1).(*subscriber)
	sub2 := tr.accept(conn2).(*subscriber)

	sub1.OnReceive(&Fragment{Data: []byte("one\r\n")})
	sub2.OnReceive(&Fragment{Data: []byte("two\r\n")})
	require.Equal(t, 2, b.queue.chunks())

	// closing instance 1 discards instance 2's unread bytes as well
	require.NoError(t, b.CloseInstance(sub1.inst.id))
	require.True(t, b.queue.empty())
	require.True(t, conn1.closed)
	require.False(t, conn2.closed)
	require.Equal(t, 1, b.InstanceCount())
}

func TestCloseInstanceUnknownID(t *testing.T) {
	b, tr := newTestBridge(t)

	sub := tr.accept(&stubConn{}).(*subscriber)
	sub.OnReceive(&Fragment{Data: []byte("keep")})

	require.Equal(t, ErrInstanceNotFound, b.CloseInstance(42))
	require.Equal(t, 1, b.InstanceCount())
	require.Equal(t, 1, b.queue.chunks())
}

func TestWriteUnknownInstanceIsNoop(t *testing.T) {
	b, tr := newTestBridge(t)

	conn := &stubConn{space: 16}
	tr.accept(conn)

	require.NoError(t, b.Write(42, []byte("dropped")))
	require.Empty(t, conn.writes)
	require.Equal(t, 0, tr.pumps)
}

func TestWriteSegmentsBySendBufferSpace(t *testing.T) {
	b, tr := newTestBridge(t)

	conn := &stubConn{space: 4}
	tr.accept(conn)

	// every pump drains the outbound buffer
	tr.onPump = func() { conn.space = 4 }

	require.NoError(t, b.Write(1, []byte("helloworld")))
	require.Equal(t, []stubWrite{
		{data: "hell", more: true},
		{data: "owor", more: true},
		{data: "ld", more: false},
	}, conn.writes)
	require.Equal(t, 3, conn.flushes)
	require.True(t, tr.pumps >= 2)
}

func TestWriteWaitsForSpaceAfterFinalSegment(t *testing.T) {
	b, tr := newTestBridge(t)

	conn := &stubConn{space: 4}
	tr.accept(conn)

	refills := 0
	tr.onPump = func() {
		refills++
		conn.space = 4
	}

	require.NoError(t, b.Write(1, []byte("full")))
	// the final segment exhausted the buffer, so the call pumped
	// until space reopened before returning
	require.True(t, refills >= 1)
	require.Equal(t, []stubWrite{{data: "full", more: false}}, conn.writes)
	require.Equal(t, 4, conn.space)
}

func TestWriteStopsWhenInstanceFailsAwaitingSpace(t *testing.T) {
	b, tr := newTestBridge(t)

	conn := &stubConn{space: 0}
	sub := tr.accept(conn).(*subscriber)

	// the peer dies while Write waits for outbound space: the pump
	// delivers the error and tears the instance down, and the rest
	// of the write is dropped like a write to an unknown id
	tr.onPump = func() { sub.OnError(io.ErrUnexpectedEOF) }

	require.NoError(t, b.Write(1, []byte("payload")))
	require.Empty(t, conn.writes)
	require.Equal(t, 0, b.InstanceCount())
	require.Equal(t, 1, tr.pumps)
}

func TestWriteStopsWhenInstanceFailsInFinalWait(t *testing.T) {
	b, tr := newTestBridge(t)

	conn := &stubConn{space: 4}
	sub := tr.accept(conn).(*subscriber)
	tr.onPump = func() { sub.OnError(io.ErrUnexpectedEOF) }

	// the whole payload fits, so the failure lands in the pump loop
	// that waits for space to reopen after the final segment
	require.NoError(t, b.Write(1, []byte("full")))
	require.Equal(t, []stubWrite{{data: "full", more: false}}, conn.writes)
	require.Equal(t, 1, conn.flushes)
	require.Equal(t, 0, b.InstanceCount())
}

func TestTransportErrorRemovesInstanceOnly(t *testing.T) {
	b, tr := newTestBridge(t)

	conn1 := &stubConn{}
	conn2 := &stubConn{}
	sub1 := tr.accept(conn1).(*subscriber)
	sub2 := tr.accept(conn2).(*subscriber)

	sub1.OnReceive(&Fragment{Data: []byte("keep\r\n")})
	sub2.OnError(io.ErrUnexpectedEOF)

	// the failed instance is gone but the shared queue is untouched
	require.Equal(t, 1, b.InstanceCount())
	require.Equal(t, 1, b.queue.chunks())

	buf := make([]byte, 8)
	n, id, err := b.ReadLine(buf)
	require.NoError(t, err)
	require.EqualValues(t, sub1.inst.id, id)
	require.Equal(t, "keep", string(buf[:n]))
}

func TestShutdownReleasesEverything(t *testing.T) {
	b, tr := newTestBridge(t)

	sub := tr.accept(&stubConn{}).(*subscriber)
	sub.OnReceive(&Fragment{Data: []byte("data")})

	b.Shutdown()
	require.True(t, tr.closed)
	require.Equal(t, 0, b.InstanceCount())
	require.True(t, b.queue.empty())
}

func TestStartWithoutTransport(t *testing.T) {
	b := &Bridge{}
	require.Equal(t, ErrNoTransport, b.Start(0))
}
