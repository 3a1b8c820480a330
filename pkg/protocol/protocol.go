package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only protocol version peers accept.
const Version = 1

// App is announced in hello messages.
const App = "ichnaea"

const (
	TypeHello     = "hello"
	TypeConsent   = "consent-state"
	TypeHeartbeat = "heartbeat"
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

var ErrInvalidMessage = errors.New("invalid message")

// Message is the single JSON object exchanged per frame. Which fields are
// meaningful depends on Type.
type Message struct {
	Type    string `json:"type"`
	Version int    `json:"version"`

	// hello
	App       string `json:"app,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
	Token     string `json:"token,omitempty"`

	// consent-state
	ContactID string `json:"contactId,omitempty"`
	Status    string `json:"status,omitempty"`

	// heartbeat, unix milliseconds
	Ts int64 `json:"ts,omitempty"`
}

// Validate checks the fields required by the message type.
func Validate(msg Message) error {
	if msg.Type == "" {
		return fmt.Errorf("%w: type required", ErrInvalidMessage)
	}
	if msg.Version == 0 {
		return fmt.Errorf("%w: version required", ErrInvalidMessage)
	}
	if msg.Version != Version {
		return fmt.Errorf("%w: protocol version mismatch %d", ErrInvalidMessage, msg.Version)
	}
	switch msg.Type {
	case TypeHello:
		// Key and token are checked by the handshake, not here.
		return nil
	case TypeConsent:
		if msg.ContactID == "" {
			return fmt.Errorf("%w: consent.contactId required", ErrInvalidMessage)
		}
		switch msg.Status {
		case StatusPending, StatusApproved, StatusDenied:
			return nil
		case "":
			return fmt.Errorf("%w: consent.status required", ErrInvalidMessage)
		default:
			return fmt.Errorf("%w: consent.status invalid", ErrInvalidMessage)
		}
	case TypeHeartbeat:
		if msg.Ts <= 0 {
			return fmt.Errorf("%w: heartbeat.ts required", ErrInvalidMessage)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, msg.Type)
	}
}

// Encode validates msg and serializes it.
func Encode(msg Message) ([]byte, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Decode parses and validates a single frame.
func Decode(b []byte) (Message, error) {
	msg := Message{}
	if err := json.Unmarshal(b, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := Validate(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func NewHello(publicKey, token string) Message {
	return Message{Type: TypeHello, Version: Version, App: App, PublicKey: publicKey, Token: token}
}

func NewConsentState(contactID, status string) Message {
	return Message{Type: TypeConsent, Version: Version, ContactID: contactID, Status: status}
}

func NewHeartbeat(ts int64) Message {
	return Message{Type: TypeHeartbeat, Version: Version, Ts: ts}
}
