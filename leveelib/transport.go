package leveelib

// Conn is the per-connection surface the bridge consumes from a
// transport stack: receive-window accounting, buffered writes and an
// explicit flush.
type Conn interface {
	// Consumed reports n received bytes as processed, reopening the
	// stack's receive window for this connection.
	Consumed(n int)

	// SendBufferSpace returns how many bytes may currently be written
	// without overrunning the stack's outbound buffer for this
	// connection.
	SendBufferSpace() int

	// Write copies p into the outbound buffer. The more flag hints
	// that another segment of the same logical write follows; a stack
	// may use it to coalesce output.
	Write(p []byte, more bool) error

	// Flush triggers transmission of whatever the outbound buffer
	// holds.
	Flush() error

	Close() error
}

// Subscriber receives data and error notifications for one
// connection. A nil fragment chain passed to OnReceive signals a
// remote half-close. The stack must never invoke these concurrently
// with each other or with a Pump call.
type Subscriber interface {
	OnReceive(frags *Fragment)
	OnError(err error)
}

// AcceptHandler is invoked for every connection the transport
// accepts. The returned Subscriber is bound to the connection for all
// further notifications; returning nil rejects the connection.
type AcceptHandler interface {
	HandleAccept(conn Conn) Subscriber
}

type AcceptHandlerFunc func(conn Conn) Subscriber

func (fn AcceptHandlerFunc) HandleAccept(conn Conn) Subscriber { return fn(conn) }

// Transport is the black-box stack underneath the bridge. It makes no
// progress on its own: accepts, receives and flushes only ever happen
// inside Pump.
type Transport interface {
	Listen(port uint16, handler AcceptHandler) error
	Pump()
	Close() error
}
