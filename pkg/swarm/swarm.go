package swarm

import (
	"context"
	"errors"

	"ichnaea/pkg/rendezvous"
)

var ErrClosed = errors.New("swarm closed")

// Substrate discovers peers on a topic and hands out encrypted connections to
// them. Every lifecycle change is reported on Events.
type Substrate interface {
	// Join announces and looks up the topic. The returned Discovery stays
	// active until destroyed.
	Join(ctx context.Context, topic rendezvous.Topic) (Discovery, error)
	// Stats returns the live connection counters.
	Stats() Stats
	// Events delivers connection and discovery events in order.
	Events() <-chan Event
	// Close releases the substrate. It is terminal.
	Close(ctx context.Context) error
}

// Discovery is one topic registration.
type Discovery interface {
	// Flushed blocks until the announcement has reached the network.
	Flushed(ctx context.Context) error
	// Destroy stops announcing and looking up the topic.
	Destroy(ctx context.Context) error
}

// Conn is a connection owned by the substrate. Holders must drop their
// references once the connection's Close event has been delivered.
type Conn interface {
	Write(msg []byte) error
	Close() error
	RemotePeer() string
}

type Stats struct {
	Connecting  int
	Connections int
	Peers       int
}

type EventKind int

const (
	// EventUpdate signals that the counters changed.
	EventUpdate EventKind = iota
	// EventConnection carries a new connection.
	EventConnection
	// EventData carries one inbound message.
	EventData
	// EventClose signals that the connection is gone. Err is set on transport errors.
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventUpdate:
		return "update"
	case EventConnection:
		return "connection"
	case EventData:
		return "data"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Conn Conn
	Data []byte
	Err  error
}
