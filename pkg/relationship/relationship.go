package relationship

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"ichnaea/pkg/digest"
)

const (
	idPrefix  = "ichnaea-rel-id"
	keyPrefix = "ichnaea-rel-key"
)

// Relationship identifies a verified pair of peers that share a token.
// ID is a correlation handle, Key is secret material for pairwise messaging.
type Relationship struct {
	ID  string `json:"relationshipId"`
	Key string `json:"key"`
}

// Derive computes the relationship of two public keys under token. The result
// does not depend on which side is local.
func Derive(localKey, remoteKey []byte, token string) Relationship {
	lo, hi := order(localKey, remoteKey)
	id := digest.Sum([]byte(idPrefix), lo, hi, []byte(token))
	key := digest.Sum([]byte(keyPrefix), lo, hi, []byte(token))
	return Relationship{
		ID:  hex.EncodeToString(id[:]),
		Key: hex.EncodeToString(key[:]),
	}
}

// DeriveHex is Derive for hex encoded public keys.
func DeriveHex(localKey, remoteKey, token string) (Relationship, error) {
	local, err := hex.DecodeString(localKey)
	if err != nil {
		return Relationship{}, fmt.Errorf("invalid local key: %w", err)
	}
	remote, err := hex.DecodeString(remoteKey)
	if err != nil {
		return Relationship{}, fmt.Errorf("invalid remote key: %w", err)
	}
	return Derive(local, remote, token), nil
}

func order(a, b []byte) ([]byte, []byte) {
	if bytes.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}
