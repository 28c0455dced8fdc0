// Package leveelib bridges an asynchronous, callback-driven transport
// stack to a synchronous, record-oriented read/write API, multiplexing
// every accepted client connection through one shared byte stream.
package leveelib

import (
	"errors"
	"fmt"
	"log"
)

// DefaultPort is the port device builds conventionally listen on.
const DefaultPort uint16 = 30431

// ErrInstanceNotFound reports a close against an unknown instance id.
var ErrInstanceNotFound = errors.New("instance not found")

// ErrNoTransport reports a bridge started without a transport bound.
var ErrNoTransport = errors.New("bridge has no transport")

// Bridge owns the shared byte queue and the instance registry, and
// presents the blocking façade on top of the transport's callbacks.
//
// The model is single-threaded and cooperative: every mutation happens
// either inside a transport callback or inside a façade call driving
// Pump, and the two must never run concurrently. Façade calls make no
// progress unless the transport's Pump is driven, and the pump must
// not re-enter the bridge.
type Bridge struct {
	Transport Transport

	// Quiet suppresses connection lifecycle logging.
	Quiet bool

	queue    byteQueue
	registry *registry
}

// Initialize prepares the bridge's queue and registry. Start calls it
// implicitly when needed.
func (b *Bridge) Initialize() {
	b.registry = newRegistry()
}

// Start binds the transport to the given port and begins accepting
// clients.
func (b *Bridge) Start(port uint16) error {
	if b.Transport == nil {
		return ErrNoTransport
	}
	if b.registry == nil {
		b.Initialize()
	}
	if err := b.Transport.Listen(port, AcceptHandlerFunc(b.onAccept)); err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return nil
}

// Shutdown closes the transport, releases every live instance and
// drops whatever the queue still holds.
func (b *Bridge) Shutdown() {
	if b.Transport != nil {
		_ = b.Transport.Close()
	}
	if b.registry != nil {
		for id, inst := range b.registry.instances {
			inst.pending = nil
			b.registry.remove(id)
		}
	}
	b.queue.purge()
}

// InstanceCount returns the number of live instances.
func (b *Bridge) InstanceCount() int {
	if b.registry == nil {
		return 0
	}
	return b.registry.count()
}

func (b *Bridge) pump() { b.Transport.Pump() }

// onAccept allocates the next sequential instance id and binds the
// connection's receive and error notifications to it.
func (b *Bridge) onAccept(conn Conn) Subscriber {
	inst := b.registry.create(conn)
	if !b.Quiet {
		log.Printf("New client connected: %d.", inst.id)
	}
	return &subscriber{bridge: b, inst: inst}
}

// subscriber routes one connection's stack callbacks into the bridge.
type subscriber struct {
	bridge *Bridge
	inst   *instance
}

func (s *subscriber) OnReceive(frags *Fragment) { s.bridge.onReceive(s.inst, frags) }
func (s *subscriber) OnError(err error)         { s.bridge.onError(s.inst, err) }

func (b *Bridge) onReceive(inst *instance, frags *Fragment) {
	switch {
	case frags == nil:
		// remote host closed its side
		inst.state = StateClosing
		if inst.pending == nil {
			b.closeConn(inst)
		} else {
			b.store(inst)
		}
	case inst.state == StateAccepted:
		inst.state = StateReceived
		inst.pending = frags
		b.store(inst)
	case inst.state == StateReceived:
		if inst.pending == nil {
			inst.pending = frags
			b.store(inst)
		} else {
			inst.pending.Chain(frags)
		}
	case inst.state == StateClosing:
		// odd case, remote side closing twice: trash the data
		inst.conn.Consumed(frags.TotalLen())
		inst.pending = nil
		b.closeConn(inst)
	default:
		// unknown state, trash the data
		inst.conn.Consumed(frags.TotalLen())
		inst.pending = nil
	}
}

// store drains the pending fragment chain into the shared queue one
// link at a time. Each link is reported consumed before the next is
// touched, so the connection's receive window reopens as the chain
// drains instead of stalling until the whole chain is processed.
func (b *Bridge) store(inst *instance) {
	for inst.pending != nil {
		frag := inst.pending
		b.queue.insertTail(inst.id, frag.Data)
		inst.pending = frag.Next
		inst.conn.Consumed(len(frag.Data))
		frag.Next = nil
		frag.Data = nil
	}
}

// closeConn tears the connection down. The entire shared queue is
// purged, not just this instance's bytes: the device serves one
// logical command stream, and a departing client invalidates whatever
// was in flight on it.
func (b *Bridge) closeConn(inst *instance) {
	b.queue.purge()
	b.registry.remove(inst.id)
	inst.pending = nil
	inst.state = StateClosing
	_ = inst.conn.Close()
	if !b.Quiet {
		log.Printf("Client %d removed.", inst.id)
	}
}

// onError destroys the instance immediately, with no further protocol
// interaction and without touching the shared queue.
func (b *Bridge) onError(inst *instance, err error) {
	b.registry.remove(inst.id)
	inst.pending = nil
	if !b.Quiet {
		log.Printf("Client %d failed: %v.", inst.id, err)
	}
}

// ReadLine blocks cooperatively until a \r\n-terminated line is
// available, copies it into buf and reports which instance the head
// chunk belonged to. A line never spans two arrival chunks: a chunk
// without a delimiter is delivered whole.
func (b *Bridge) ReadLine(buf []byte) (int, int32, error) {
	return b.queue.readLine(buf, b.pump)
}

// ReadFull blocks cooperatively until exactly len(buf) bytes have
// been consumed, splicing across chunks in global arrival order. The
// reported instance id is that of the chunk at the head when the call
// began.
func (b *Bridge) ReadFull(buf []byte) (int, int32) {
	return b.queue.readFull(buf, b.pump)
}

// Write sends buf to the given instance, pumping the transport
// whenever the connection's outbound buffer is full and flushing
// after every segment. Writing to an unknown id is a silent no-op.
// After the last segment the call pumps until outbound space is
// available again, so the connection is immediately writable for the
// caller's next action. If the instance is torn down while the call
// waits for space, the rest of the write is dropped the same way a
// write to an unknown id is.
func (b *Bridge) Write(id int32, buf []byte) error {
	inst, ok := b.registry.lookup(id)
	if !ok {
		return nil
	}

	for len(buf) > 0 {
		if !b.waitSendSpace(id, inst) {
			return nil
		}

		n := inst.conn.SendBufferSpace()
		more := n < len(buf)
		if !more {
			n = len(buf)
		}
		if err := inst.conn.Write(buf[:n], more); err != nil {
			return fmt.Errorf("write to instance %d failed: %w", id, err)
		}
		if err := inst.conn.Flush(); err != nil {
			return fmt.Errorf("flush to instance %d failed: %w", id, err)
		}
		buf = buf[n:]
	}

	b.waitSendSpace(id, inst)
	return nil
}

// waitSendSpace pumps until the connection's outbound buffer reports
// space, or until the instance disappears from the registry because a
// pump tore it down mid-call. Reports whether the instance is still
// live.
func (b *Bridge) waitSendSpace(id int32, inst *instance) bool {
	for inst.conn.SendBufferSpace() == 0 {
		b.pump()
		if _, ok := b.registry.lookup(id); !ok {
			return false
		}
	}
	return true
}

// CloseInstance tears down the given connection, purging the shared
// queue of all in-flight data.
func (b *Bridge) CloseInstance(id int32) error {
	inst, ok := b.registry.lookup(id)
	if !ok {
		return ErrInstanceNotFound
	}
	b.closeConn(inst)
	return nil
}
