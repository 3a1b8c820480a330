package handshake

import (
	"encoding/hex"
	"errors"
	"fmt"

	"ichnaea/pkg/protocol"
	"ichnaea/pkg/relationship"
)

var (
	ErrTokenMismatch   = errors.New("handshake token does not match active token")
	ErrEmptyPublicKey  = errors.New("handshake public key is empty")
	ErrInvalidKey      = errors.New("handshake public key is not valid hex")
	ErrAlreadyVerified = errors.New("connection already verified")
	ErrNotVerified     = errors.New("payload received before verification")
	ErrUnexpectedState = errors.New("message received in unexpected state")
)

type State int

const (
	StateConnected State = iota
	StateHelloSent
	StateVerified
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateHelloSent:
		return "hello-sent"
	case StateVerified:
		return "verified"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Writer is the transport side the handshake needs. Connections handed out by
// the discovery substrate implement it.
type Writer interface {
	Write(msg []byte) error
}

type OutcomeKind int

const (
	// Dropped means the message was ignored and the state did not change.
	Dropped OutcomeKind = iota
	// Verified means this message completed the handshake.
	Verified
	// Payload means an application message arrived on a verified connection.
	Payload
)

// Outcome describes what an inbound message did to the connection.
type Outcome struct {
	Kind         OutcomeKind
	Err          error
	PeerKey      []byte
	Relationship relationship.Relationship
	Message      protocol.Message
}

// Machine tracks the handshake of one connection. It is not safe for
// concurrent use; the owner serializes calls.
type Machine struct {
	conn     Writer
	localKey []byte
	state    State
	peerKey  []byte
	token    string
}

func New(conn Writer, localKey []byte) *Machine {
	return &Machine{
		conn:     conn,
		localKey: localKey,
		state:    StateConnected,
	}
}

func (m *Machine) State() State {
	return m.state
}

// PeerKey is nil until the connection is verified.
func (m *Machine) PeerKey() []byte {
	return m.peerKey
}

// Token returns the token the connection was verified with.
func (m *Machine) Token() string {
	return m.token
}

// Start sends the local hello. When the write fails the connection is
// abandoned and the error is returned for logging.
func (m *Machine) Start(token string) error {
	if m.state != StateConnected {
		return ErrUnexpectedState
	}
	b, err := protocol.Encode(protocol.NewHello(hex.EncodeToString(m.localKey), token))
	if err != nil {
		m.state = StateRejected
		return err
	}
	if err := m.conn.Write(b); err != nil {
		m.state = StateRejected
		return fmt.Errorf("could not send hello: %w", err)
	}
	m.state = StateHelloSent
	return nil
}

// Receive processes one inbound frame. Nothing a peer sends can fail the
// connection; bad frames come back as Dropped with the reason in Err.
func (m *Machine) Receive(data []byte, activeToken string) Outcome {
	msg, err := protocol.Decode(data)
	if err != nil {
		return Outcome{Kind: Dropped, Err: err}
	}
	if msg.Type != protocol.TypeHello {
		if m.state != StateVerified {
			return Outcome{Kind: Dropped, Err: ErrNotVerified}
		}
		return Outcome{Kind: Payload, PeerKey: m.peerKey, Message: msg}
	}

	switch m.state {
	case StateHelloSent:
	case StateVerified:
		return Outcome{Kind: Dropped, Err: ErrAlreadyVerified}
	default:
		return Outcome{Kind: Dropped, Err: ErrUnexpectedState}
	}
	if msg.Token != activeToken {
		return Outcome{Kind: Dropped, Err: ErrTokenMismatch}
	}
	if msg.PublicKey == "" {
		return Outcome{Kind: Dropped, Err: ErrEmptyPublicKey}
	}
	peerKey, err := hex.DecodeString(msg.PublicKey)
	if err != nil {
		return Outcome{Kind: Dropped, Err: fmt.Errorf("%w: %w", ErrInvalidKey, err)}
	}

	m.state = StateVerified
	m.peerKey = peerKey
	m.token = activeToken
	return Outcome{
		Kind:         Verified,
		PeerKey:      peerKey,
		Relationship: relationship.Derive(m.localKey, peerKey, activeToken),
		Message:      msg,
	}
}

// Close marks the transport as gone.
func (m *Machine) Close() {
	m.state = StateClosed
}
