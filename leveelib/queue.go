package leveelib

import (
	"bytes"
	"errors"
)

// ErrRecordOverflow is returned when a caller-supplied buffer is
// smaller than the record that would be delivered into it. The queue
// is left untouched so the caller may retry with a larger buffer.
var ErrRecordOverflow = errors.New("record larger than supplied buffer")

var lineDelim = []byte{'\r', '\n'}

// pumpFunc is invoked while a read would otherwise block, giving the
// transport stack a chance to make progress and enqueue more data. It
// must not re-enter the queue.
type pumpFunc func()

// byteQueue is the single FIFO of chunks shared by every connection.
// Chunk order is strict global arrival order; there is no
// per-instance partitioning and no fairness between connections.
type byteQueue struct {
	head *chunk
	tail *chunk
}

func (q *byteQueue) empty() bool { return q.head == nil }

// insertTail copies data into a fresh chunk appended at the tail.
func (q *byteQueue) insertTail(id int32, data []byte) {
	c := chunkPool.acquire(id, data)
	if q.tail == nil {
		q.head = c
		q.tail = c
		return
	}
	q.tail.next = c
	q.tail = c
}

// removeHead unlinks and releases the head chunk.
func (q *byteQueue) removeHead() {
	c := q.head
	if c == nil {
		return
	}
	q.head = c.next
	if q.head == nil {
		q.tail = nil
	}
	chunkPool.release(c)
}

// purge drops every queued chunk, whichever instance owns it.
func (q *byteQueue) purge() {
	for q.head != nil {
		q.removeHead()
	}
}

func (q *byteQueue) chunks() int {
	n := 0
	for c := q.head; c != nil; c = c.next {
		n++
	}
	return n
}

// readLine copies the next \r\n-terminated line out of the head chunk
// into buf, excluding the delimiter. A chunk whose payload begins with
// the delimiter has it stripped before the search resumes. A chunk
// containing no delimiter at all is delivered whole: a record boundary
// never spans two chunks. While the queue is empty the call spins,
// invoking pump each iteration.
func (q *byteQueue) readLine(buf []byte, pump pumpFunc) (int, int32, error) {
	for q.head == nil {
		pump()
	}

	c := q.head
	data := c.payload()
	if len(data) >= 2 && data[0] == '\r' && data[1] == '\n' {
		data = data[2:]
	}
	id := c.instanceID

	i := bytes.Index(data, lineDelim)
	if i < 0 {
		if len(data) > len(buf) {
			return 0, id, ErrRecordOverflow
		}
		n := copy(buf, data)
		q.removeHead()
		return n, id, nil
	}

	if i > len(buf) {
		return 0, id, ErrRecordOverflow
	}
	n := copy(buf, data[:i])

	rest := data[i+2:]
	if len(rest) == 0 {
		q.removeHead()
	} else {
		c.replacePayload(rest)
	}
	return n, id, nil
}

// readFull pops exactly len(buf) bytes, splicing across as many
// chunks as needed in arrival order. If the head is momentarily
// absent mid-splice the call pumps until more data arrives. The
// reported instance id belongs to whichever chunk was at the head
// when the call began, not necessarily the owner of all consumed
// bytes.
func (q *byteQueue) readFull(buf []byte, pump pumpFunc) (int, int32) {
	if len(buf) == 0 {
		return 0, 0
	}
	for q.head == nil {
		pump()
	}

	id := q.head.instanceID
	want := len(buf)
	got := 0
	for got < want {
		c := q.head
		if c == nil {
			pump()
			continue
		}

		data := c.payload()
		rem := want - got
		if len(data) <= rem {
			got += copy(buf[got:], data)
			q.removeHead()
			continue
		}

		copy(buf[got:], data[:rem])
		got += rem
		c.replacePayload(data[rem:])
	}
	return got, id
}
