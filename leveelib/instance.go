package leveelib

// ConnState tracks where a connection is in its receive lifecycle.
type ConnState int

const (
	StateNone ConnState = iota
	StateAccepted
	StateReceived
	StateClosing
)

// instance is one accepted client connection.
type instance struct {
	id      int32
	state   ConnState
	retries uint8 // kept for parity with the stack's bookkeeping; unused
	conn    Conn
	pending *Fragment // received but not yet drained into the queue
}

// registry indexes live instances by id. Ids are assigned
// sequentially starting at 1 and never reused for the lifetime of the
// process, even after earlier instances close.
type registry struct {
	instances map[int32]*instance
	lastID    int32
}

func newRegistry() *registry {
	return &registry{instances: make(map[int32]*instance)}
}

func (r *registry) create(conn Conn) *instance {
	r.lastID++
	inst := &instance{
		id:    r.lastID,
		state: StateAccepted,
		conn:  conn,
	}
	r.instances[inst.id] = inst
	return inst
}

func (r *registry) lookup(id int32) (*instance, bool) {
	inst, ok := r.instances[id]
	return inst, ok
}

func (r *registry) remove(id int32) {
	delete(r.instances, id)
}

func (r *registry) count() int {
	return len(r.instances)
}
