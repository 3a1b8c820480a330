package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ichnaea/pkg/rendezvous"
)

var _ Substrate = &MemorySwarm{}

var ErrConnClosed = errors.New("connection closed")

// MemoryNetwork pairs in-process swarms that join the same topic. It is meant
// for tests and local development.
type MemoryNetwork struct {
	mu     sync.Mutex
	topics map[rendezvous.Topic]map[*MemorySwarm]struct{}
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		topics: map[rendezvous.Topic]map[*MemorySwarm]struct{}{},
	}
}

// NewSwarm creates a swarm attached to the network.
func (n *MemoryNetwork) NewSwarm(name string) *MemorySwarm {
	return &MemorySwarm{
		name:    name,
		network: n,
		events:  make(chan Event, 1024),
		conns:   map[*MemoryConn]struct{}{},
		peers:   map[string]struct{}{},
	}
}

type MemorySwarm struct {
	name    string
	network *MemoryNetwork
	events  chan Event

	mu        sync.Mutex
	calls     []string
	conns     map[*MemoryConn]struct{}
	peers     map[string]struct{}
	joined    *memoryDiscovery
	flushGate chan struct{}
	closed    bool

	// JoinErr and DestroyErr make the next calls fail.
	JoinErr    error
	DestroyErr error
}

func (s *MemorySwarm) Name() string {
	return s.name
}

// Calls returns the lifecycle calls in the order they were made, formatted as
// "join:<topic>", "destroy:<topic>" and "close".
func (s *MemorySwarm) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.calls...)
}

// HoldFlush keeps the next discoveries unflushed until ReleaseFlush is called.
func (s *MemorySwarm) HoldFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushGate = make(chan struct{})
}

func (s *MemorySwarm) ReleaseFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushGate != nil {
		close(s.flushGate)
		s.flushGate = nil
	}
}

// Conns returns the open connections of the swarm.
func (s *MemorySwarm) Conns() []*MemoryConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := []*MemoryConn{}
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *MemorySwarm) Join(ctx context.Context, topic rendezvous.Topic) (Discovery, error) {
	s.mu.Lock()
	s.calls = append(s.calls, "join:"+topic.String())
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.JoinErr != nil {
		err := s.JoinErr
		s.mu.Unlock()
		return nil, err
	}
	flushed := make(chan struct{})
	if s.flushGate == nil {
		close(flushed)
	} else {
		gate := s.flushGate
		go func() {
			<-gate
			close(flushed)
		}()
	}
	d := &memoryDiscovery{swarm: s, topic: topic, flushed: flushed}
	s.joined = d
	s.mu.Unlock()

	s.network.mu.Lock()
	members, ok := s.network.topics[topic]
	if !ok {
		members = map[*MemorySwarm]struct{}{}
		s.network.topics[topic] = members
	}
	others := []*MemorySwarm{}
	for other := range members {
		others = append(others, other)
	}
	members[s] = struct{}{}
	s.network.mu.Unlock()

	for _, other := range others {
		Pipe(s, other)
	}
	s.emit(Event{Kind: EventUpdate})
	return d, nil
}

// Pipe connects two swarms directly, as if they had found each other.
func Pipe(a, b *MemorySwarm) (*MemoryConn, *MemoryConn) {
	ca := &MemoryConn{swarm: a}
	cb := &MemoryConn{swarm: b}
	ca.peer = cb
	cb.peer = ca

	a.mu.Lock()
	a.conns[ca] = struct{}{}
	a.peers[b.name] = struct{}{}
	a.mu.Unlock()
	b.mu.Lock()
	b.conns[cb] = struct{}{}
	b.peers[a.name] = struct{}{}
	b.mu.Unlock()

	a.emit(Event{Kind: EventConnection, Conn: ca})
	b.emit(Event{Kind: EventConnection, Conn: cb})
	return ca, cb
}

func (s *MemorySwarm) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Connections: len(s.conns),
		Peers:       len(s.peers),
	}
}

func (s *MemorySwarm) Events() <-chan Event {
	return s.events
}

func (s *MemorySwarm) Close(ctx context.Context) error {
	s.mu.Lock()
	s.calls = append(s.calls, "close")
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	d := s.joined
	conns := []*MemoryConn{}
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if d != nil {
		s.network.leave(s, d.topic)
	}
	for _, c := range conns {
		c.Close()
	}
	return nil
}

func (s *MemorySwarm) emit(ev Event) {
	s.events <- ev
}

func (n *MemoryNetwork) leave(s *MemorySwarm, topic rendezvous.Topic) {
	n.mu.Lock()
	defer n.mu.Unlock()
	members, ok := n.topics[topic]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(n.topics, topic)
	}
}

type memoryDiscovery struct {
	swarm   *MemorySwarm
	topic   rendezvous.Topic
	flushed chan struct{}
}

func (d *memoryDiscovery) Flushed(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.flushed:
		return nil
	}
}

func (d *memoryDiscovery) Destroy(ctx context.Context) error {
	s := d.swarm
	s.mu.Lock()
	s.calls = append(s.calls, "destroy:"+d.topic.String())
	if s.DestroyErr != nil {
		err := s.DestroyErr
		s.mu.Unlock()
		return err
	}
	if s.joined == d {
		s.joined = nil
	}
	s.peers = map[string]struct{}{}
	s.mu.Unlock()

	s.network.leave(s, d.topic)
	s.emit(Event{Kind: EventUpdate})
	return nil
}

// MemoryConn is one end of an in-process connection.
type MemoryConn struct {
	swarm *MemorySwarm
	peer  *MemoryConn

	mu       sync.Mutex
	closed   bool
	writeErr error
}

// FailWrites makes every following Write return err.
func (c *MemoryConn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *MemoryConn) Write(msg []byte) error {
	c.mu.Lock()
	closed, writeErr := c.closed, c.writeErr
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	if writeErr != nil {
		return writeErr
	}
	data := append([]byte{}, msg...)
	c.peer.swarm.emit(Event{Kind: EventData, Conn: c.peer, Data: data})
	return nil
}

// Close tears down both ends and reports it to both swarms.
func (c *MemoryConn) Close() error {
	c.closeEnd(nil)
	c.peer.closeEnd(nil)
	return nil
}

// Fail tears down both ends reporting err as a transport error.
func (c *MemoryConn) Fail(err error) {
	c.closeEnd(err)
	c.peer.closeEnd(err)
}

func (c *MemoryConn) RemotePeer() string {
	return c.peer.swarm.name
}

func (c *MemoryConn) String() string {
	return fmt.Sprintf("%s->%s", c.swarm.name, c.peer.swarm.name)
}

func (c *MemoryConn) closeEnd(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.swarm.mu.Lock()
	delete(c.swarm.conns, c)
	c.swarm.mu.Unlock()
	c.swarm.emit(Event{Kind: EventClose, Conn: c, Err: err})
}
