package transport

import "errors"

var (
	// ErrConnClosed is returned when writing to a connection that is gone.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when a slow client's queue is full.
	// The message is dropped, never retried.
	ErrSendBufferFull = errors.New("send buffer full")
)

const sendBufferSize = 64

// Conn is one accepted client, as handed to the connect and disconnect
// callbacks. Its identity is stable for the life of the connection.
type Conn interface {
	ID() string
	RemoteAddr() string
	// OnData sets the listener for messages received from the client.
	// Simplex connections never receive data.
	OnData(fn func(data []byte))
	RemoveDataListener()
}

// DuplexConn takes data objects as-is and frames them itself.
type DuplexConn interface {
	Conn
	Write(v any) error
}

// SimplexConn takes pre-serialized text.
type SimplexConn interface {
	Conn
	Send(text string) error
}
