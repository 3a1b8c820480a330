package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"ichnaea/pkg/handshake"
	"ichnaea/pkg/metrics"
	"ichnaea/pkg/protocol"
	"ichnaea/pkg/rendezvous"
	"ichnaea/pkg/swarm"
)

var (
	ErrClosed        = errors.New("session manager closed")
	ErrNoActiveTopic = errors.New("no active topic")
)

// State is the aggregate view of the session. It is always handed out by
// value.
type State struct {
	Topic       string `json:"topic"`
	Connecting  int    `json:"connecting"`
	Connections int    `json:"connections"`
	Peers       int    `json:"peers"`
	// LastConnectedAt is the unix time in milliseconds of the latest connection.
	LastConnectedAt int64 `json:"lastConnectedAt"`
	// Secure and RelationshipID reflect the most recently verified peer.
	Secure         bool   `json:"secure"`
	RelationshipID string `json:"relationshipId"`
}

// Secure is passed to the secure callback once per verified connection.
type Secure struct {
	RelationshipID string `json:"relationshipId"`
	Key            string `json:"key"`
	PeerPublicKey  string `json:"peerPublicKey"`
	Token          string `json:"token"`
}

type ManagerConfig struct {
	Log               logr.Logger
	OnSecure          func(Secure)
	OnMessage         func(peerKey string, msg protocol.Message)
	Clock             clock.Clock
	HeartbeatInterval time.Duration
}

func (cfg *ManagerConfig) Apply(opts ...ManagerOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type ManagerOption func(cfg *ManagerConfig) error

func WithLogger(log logr.Logger) ManagerOption {
	return func(cfg *ManagerConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithOnSecure sets the callback receiving derived relationships. The
// callback owner decides whether the relationship is persisted.
func WithOnSecure(fn func(Secure)) ManagerOption {
	return func(cfg *ManagerConfig) error {
		cfg.OnSecure = fn
		return nil
	}
}

// WithOnMessage sets the callback receiving messages from verified peers.
func WithOnMessage(fn func(peerKey string, msg protocol.Message)) ManagerOption {
	return func(cfg *ManagerConfig) error {
		cfg.OnMessage = fn
		return nil
	}
}

func WithClock(c clock.Clock) ManagerOption {
	return func(cfg *ManagerConfig) error {
		cfg.Clock = c
		return nil
	}
}

// WithHeartbeatInterval makes Run send heartbeats to verified peers. Zero
// disables heartbeats.
func WithHeartbeatInterval(d time.Duration) ManagerOption {
	return func(cfg *ManagerConfig) error {
		if d < 0 {
			return fmt.Errorf("heartbeat interval cannot be negative, got %s", d)
		}
		cfg.HeartbeatInterval = d
		return nil
	}
}

// Manager owns the active topic on a discovery substrate, runs the handshake
// on every connection it hands out and keeps the aggregate State.
type Manager struct {
	substrate         swarm.Substrate
	localKey          []byte
	log               logr.Logger
	onSecure          func(Secure)
	onMessage         func(peerKey string, msg protocol.Message)
	clock             clock.Clock
	heartbeatInterval time.Duration
	subscribers       broadcaster

	// lifecycleMu serializes Join, Leave and Close.
	lifecycleMu sync.Mutex

	mu        sync.Mutex
	token     string
	topic     rendezvous.Topic
	discovery swarm.Discovery
	state     State
	conns     map[swarm.Conn]*handshake.Machine
	peers     *registry
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(substrate swarm.Substrate, localKey []byte, opts ...ManagerOption) (*Manager, error) {
	cfg := ManagerConfig{
		Log:   logr.Discard(),
		Clock: clock.New(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if len(localKey) == 0 {
		return nil, errors.New("local public key cannot be empty")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		substrate:         substrate,
		localKey:          localKey,
		log:               cfg.Log.WithName("session"),
		onSecure:          cfg.OnSecure,
		onMessage:         cfg.OnMessage,
		clock:             cfg.Clock,
		heartbeatInterval: cfg.HeartbeatInterval,
		conns:             map[swarm.Conn]*handshake.Machine{},
		peers:             newRegistry(),
		ctx:               ctx,
		cancel:            cancel,
	}, nil
}

// Join switches the session to the topic derived from token. Joining the
// active topic again is a no-op. The returned state is the one right after
// the announcement was issued.
func (m *Manager) Join(ctx context.Context, token string) (State, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	topic := rendezvous.TopicFromToken(token)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return State{}, ErrClosed
	}
	if m.discovery != nil && m.topic == topic {
		state := m.state
		m.mu.Unlock()
		return state, nil
	}
	m.mu.Unlock()

	if err := m.leave(ctx); err != nil {
		return State{}, err
	}

	m.mu.Lock()
	m.token = token
	m.topic = topic
	m.state.Topic = topic.String()
	m.mu.Unlock()

	d, err := m.substrate.Join(ctx, topic)
	if err != nil {
		m.mu.Lock()
		m.token = ""
		m.topic = rendezvous.Topic{}
		m.state.Topic = ""
		m.mu.Unlock()
		return State{}, fmt.Errorf("could not join topic %s: %w", topic, err)
	}

	m.mu.Lock()
	m.discovery = d
	m.refresh()
	state := m.state
	m.mu.Unlock()
	metrics.TopicJoinsTotal.Inc()
	metrics.TopicActive.Set(1)
	m.log.Info("joined topic", "topic", topic.String())
	m.broadcast()

	m.wg.Add(1)
	go m.awaitFlush(d)
	return state, nil
}

// Leave releases the active topic and resets the state. It does nothing when
// no topic is active.
func (m *Manager) Leave(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return m.leave(ctx)
}

func (m *Manager) leave(ctx context.Context) error {
	m.mu.Lock()
	d := m.discovery
	topic := m.topic
	m.mu.Unlock()
	if d == nil {
		return nil
	}

	if err := d.Destroy(ctx); err != nil {
		return fmt.Errorf("could not leave topic %s: %w", topic, err)
	}

	m.mu.Lock()
	m.discovery = nil
	m.token = ""
	m.topic = rendezvous.Topic{}
	m.state = State{}
	m.mu.Unlock()
	metrics.TopicActive.Set(0)
	m.log.Info("left topic", "topic", topic.String())
	m.broadcast()
	return nil
}

// Close leaves the active topic and releases the substrate. The manager
// cannot be used afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil
	}

	if err := m.leave(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	err := m.substrate.Close(ctx)
	m.wg.Wait()
	if err != nil {
		return fmt.Errorf("could not close swarm: %w", err)
	}
	return nil
}

// OnUpdate registers fn for state changes. fn is called once immediately with
// the current state. The returned function removes the subscription.
func (m *Manager) OnUpdate(fn func(State)) func() {
	return m.subscribers.subscribe(fn, m.State)
}

// State returns a snapshot of the aggregate state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peers returns the hex keys of the verified peers.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers.keys()
}

// SendToPeer writes msg to the verified peer with the given hex public key.
// It reports whether the message was written.
func (m *Manager) SendToPeer(peerKey string, msg protocol.Message) bool {
	log := m.log.WithValues("peer", peerKey, "type", msg.Type)
	m.mu.Lock()
	conn, ok := m.peers.get(strings.ToLower(peerKey))
	m.mu.Unlock()
	if !ok {
		log.V(4).Info("peer not found")
		return false
	}
	b, err := protocol.Encode(msg)
	if err != nil {
		log.Error(err, "could not encode message")
		metrics.MessagesSentTotal.WithLabelValues(msg.Type, "invalid").Inc()
		return false
	}
	if err := conn.Write(b); err != nil {
		log.V(4).Info("could not write message", "err", err.Error())
		metrics.MessagesSentTotal.WithLabelValues(msg.Type, "failed").Inc()
		return false
	}
	metrics.MessagesSentTotal.WithLabelValues(msg.Type, "sent").Inc()
	return true
}

// Run handles substrate events one at a time until ctx is done or the
// manager is closed.
func (m *Manager) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if m.heartbeatInterval > 0 {
		ticker := m.clock.Ticker(m.heartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	events := m.substrate.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handle(ev)
		case <-tick:
			m.heartbeat()
		}
	}
}

func (m *Manager) handle(ev swarm.Event) {
	switch ev.Kind {
	case swarm.EventUpdate:
		m.mu.Lock()
		m.refresh()
		m.mu.Unlock()
		m.broadcast()
	case swarm.EventConnection:
		m.handleConnection(ev.Conn)
	case swarm.EventData:
		m.handleData(ev.Conn, ev.Data)
	case swarm.EventClose:
		m.handleClose(ev.Conn, ev.Err)
	default:
		m.log.V(4).Info("ignoring unknown event", "kind", ev.Kind.String())
	}
}

func (m *Manager) handleConnection(conn swarm.Conn) {
	log := m.log.WithValues("peer", conn.RemotePeer())
	machine := handshake.New(conn, m.localKey)
	m.mu.Lock()
	token := m.token
	m.conns[conn] = machine
	m.state.LastConnectedAt = m.clock.Now().UnixMilli()
	m.mu.Unlock()

	if err := machine.Start(token); err != nil {
		log.Error(err, "abandoning connection")
		metrics.HandshakesTotal.WithLabelValues("send_failed").Inc()
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		_ = conn.Close()
	} else {
		log.V(4).Info("sent hello")
	}

	m.mu.Lock()
	m.refresh()
	m.mu.Unlock()
	m.broadcast()
}

func (m *Manager) handleData(conn swarm.Conn, data []byte) {
	log := m.log.WithValues("peer", conn.RemotePeer())
	m.mu.Lock()
	machine, ok := m.conns[conn]
	token := m.token
	active := !m.topic.IsZero()
	m.mu.Unlock()
	if !ok {
		log.V(4).Info("ignoring data on unknown connection")
		return
	}

	var out handshake.Outcome
	if !active && machine.State() != handshake.StateVerified {
		out = handshake.Outcome{Kind: handshake.Dropped, Err: ErrNoActiveTopic}
	} else {
		out = machine.Receive(data, token)
	}

	switch out.Kind {
	case handshake.Dropped:
		log.V(4).Info("dropped message", "reason", out.Err.Error())
		metrics.HandshakesTotal.WithLabelValues(dropReason(out.Err)).Inc()
	case handshake.Verified:
		peerKey := hex.EncodeToString(out.PeerKey)
		m.mu.Lock()
		m.peers.add(peerKey, conn)
		m.state.Secure = true
		m.state.RelationshipID = out.Relationship.ID
		m.refresh()
		m.mu.Unlock()
		metrics.HandshakesTotal.WithLabelValues("verified").Inc()
		log.Info("peer verified", "peerKey", peerKey, "relationshipId", out.Relationship.ID)
		m.broadcast()
		if m.onSecure != nil {
			m.onSecure(Secure{
				RelationshipID: out.Relationship.ID,
				Key:            out.Relationship.Key,
				PeerPublicKey:  peerKey,
				Token:          token,
			})
		}
	case handshake.Payload:
		if m.onMessage != nil {
			m.onMessage(hex.EncodeToString(out.PeerKey), out.Message)
		}
	}
}

func (m *Manager) handleClose(conn swarm.Conn, err error) {
	log := m.log.WithValues("peer", conn.RemotePeer())
	m.mu.Lock()
	if machine, ok := m.conns[conn]; ok {
		machine.Close()
		delete(m.conns, conn)
	}
	removed := m.peers.removeConn(conn)
	m.refresh()
	m.mu.Unlock()

	if err != nil {
		log.V(4).Info("connection failed", "err", err.Error(), "removedPeers", removed)
	} else {
		log.V(4).Info("connection closed", "removedPeers", removed)
	}
	m.broadcast()
}

func (m *Manager) heartbeat() {
	ts := m.clock.Now().UnixMilli()
	for _, peerKey := range m.Peers() {
		m.SendToPeer(peerKey, protocol.NewHeartbeat(ts))
	}
}

func (m *Manager) awaitFlush(d swarm.Discovery) {
	defer m.wg.Done()
	if err := d.Flushed(m.ctx); err != nil {
		if m.ctx.Err() == nil {
			m.log.Error(err, "topic announcement did not flush")
		}
		return
	}
	m.mu.Lock()
	if m.discovery != d {
		m.mu.Unlock()
		return
	}
	m.refresh()
	m.mu.Unlock()
	m.log.V(4).Info("topic announcement flushed")
	m.broadcast()
}

// refresh copies the substrate counters into the state. Callers hold mu.
func (m *Manager) refresh() {
	stats := m.substrate.Stats()
	m.state.Connecting = max(stats.Connecting, 0)
	m.state.Connections = max(stats.Connections, 0)
	m.state.Peers = max(stats.Peers, 0)
	metrics.SwarmConnections.WithLabelValues("connecting").Set(float64(m.state.Connecting))
	metrics.SwarmConnections.WithLabelValues("open").Set(float64(m.state.Connections))
	metrics.SwarmPeers.Set(float64(m.state.Peers))
	metrics.VerifiedPeers.Set(float64(m.peers.len()))
}

func (m *Manager) broadcast() {
	m.subscribers.publish(m.State)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrInvalidMessage):
		return "malformed"
	case errors.Is(err, handshake.ErrTokenMismatch), errors.Is(err, ErrNoActiveTopic):
		return "token_mismatch"
	case errors.Is(err, handshake.ErrAlreadyVerified):
		return "duplicate"
	default:
		return "rejected"
	}
}
