package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrTokenRequired = errors.New("token required")

// GenerateToken returns a fresh random pairing token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateOutgoingRequest creates a pending contact for a new token that is
// handed to the other person out of band.
func (s *Store) CreateOutgoingRequest() (Contact, string, error) {
	token, err := GenerateToken()
	if err != nil {
		return Contact{}, "", err
	}
	contact, err := s.CreateContact(Contact{
		Status:    StatusPending,
		Direction: DirectionOutgoing,
		Token:     token,
	})
	if err != nil {
		return Contact{}, "", err
	}
	return contact, token, nil
}

// AcceptIncomingToken creates a pending contact for a token received from
// someone else.
func (s *Store) AcceptIncomingToken(token string) (Contact, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Contact{}, ErrTokenRequired
	}
	return s.CreateContact(Contact{
		Status:    StatusPending,
		Direction: DirectionIncoming,
		Token:     token,
	})
}

func (s *Store) Approve(id string) (Contact, error) {
	return s.SetContactStatus(id, StatusApproved)
}

func (s *Store) Deny(id string) (Contact, error) {
	return s.SetContactStatus(id, StatusDenied)
}
