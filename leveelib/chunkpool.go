package leveelib

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

var chunkPool = &ChunkPool{sp: sync.Pool{}, m: newPoolMetrics()}

// chunk is a single queued, instance-tagged segment of bytes awaiting
// consumption. Chunks are singly linked in strict global arrival
// order across all connections.
type chunk struct {
	instanceID int32
	buf        *bytebufferpool.ByteBuffer
	next       *chunk
}

func (c *chunk) payload() []byte { return c.buf.B }

// replacePayload reinstalls the unconsumed remainder of the chunk in
// a freshly sized buffer. rest may alias the current payload.
func (c *chunk) replacePayload(rest []byte) {
	nb := bytebufferpool.Get()
	_, _ = nb.Write(rest)
	bytebufferpool.Put(c.buf)
	c.buf = nb
}

type ChunkPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *ChunkPool) acquire(id int32, data []byte) *chunk {
	v := p.sp.Get()
	if v == nil {
		v = &chunk{}
		atomic.AddUint32(&p.m.na, uint32(1))
	} else {
		atomic.AddUint32(&p.m.nr, uint32(1))
	}

	c := v.(*chunk)
	c.instanceID = id
	c.buf = bytebufferpool.Get()
	_, _ = c.buf.Write(data)
	c.next = nil
	return c
}

func (p *ChunkPool) release(c *chunk) {
	if c.buf != nil {
		bytebufferpool.Put(c.buf)
		c.buf = nil
	}
	c.next = nil
	p.sp.Put(c)
	atomic.AddUint32(&p.m.np, uint32(1))
}
