package identity

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/spf13/afero"
)

const (
	FileName       = "identity.json"
	PublicKeySize  = 32
	PrivateKeySize = 64
)

// Identity is the long lived ed25519 key pair of the local node. The same key
// identifies the libp2p host and is sent as the handshake public key.
type Identity struct {
	PrivKey   crypto.PrivKey
	PublicKey []byte
	// Created is the unix time in milliseconds the key pair was generated.
	Created int64
}

// Public is the part of an identity that may be shown to the user.
type Public struct {
	PublicKey string `json:"publicKey"`
	Created   int64  `json:"created"`
}

type identityFile struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
	Created   int64  `json:"created"`
}

func (id Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.PublicKey)
}

func (id Identity) Public() Public {
	return Public{
		PublicKey: id.PublicKeyHex(),
		Created:   id.Created,
	}
}

// LoadOrCreate reads the identity stored in dir or generates and persists a
// new one when none exists.
func LoadOrCreate(ctx context.Context, fs afero.Fs, dir string, now func() time.Time) (Identity, error) {
	path := filepath.Join(dir, FileName)
	log := logr.FromContextOrDiscard(ctx).WithValues("path", path)

	b, err := afero.ReadFile(fs, path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Identity{}, err
	}
	if err == nil {
		log.Info("loading identity from data directory")
		return decode(b)
	}

	log.Info("creating a new identity")
	privKey, pubKey, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	secret, err := privKey.Raw()
	if err != nil {
		return Identity{}, err
	}
	public, err := pubKey.Raw()
	if err != nil {
		return Identity{}, err
	}
	id := Identity{
		PrivKey:   privKey,
		PublicKey: public,
		Created:   now().UnixMilli(),
	}
	data, err := json.Marshal(identityFile{
		PublicKey: hex.EncodeToString(public),
		SecretKey: hex.EncodeToString(secret),
		Created:   id.Created,
	})
	if err != nil {
		return Identity{}, err
	}
	err = fs.MkdirAll(dir, 0o755)
	if err != nil {
		return Identity{}, err
	}
	err = afero.WriteFile(fs, path, data, 0o600)
	if err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Reset removes the stored identity. A missing identity is not an error.
func Reset(fs afero.Fs, dir string) error {
	err := fs.Remove(filepath.Join(dir, FileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func decode(b []byte) (Identity, error) {
	file := identityFile{}
	err := json.Unmarshal(b, &file)
	if err != nil {
		return Identity{}, fmt.Errorf("could not parse identity: %w", err)
	}
	public, err := decodeKey(file.PublicKey, PublicKeySize)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid public key: %w", err)
	}
	secret, err := decodeKey(file.SecretKey, PrivateKeySize)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid secret key: %w", err)
	}
	privKey, err := crypto.UnmarshalEd25519PrivateKey(secret)
	if err != nil {
		return Identity{}, err
	}
	derived, err := privKey.GetPublic().Raw()
	if err != nil {
		return Identity{}, err
	}
	if !bytes.Equal(derived, public) {
		return Identity{}, errors.New("public key does not match secret key")
	}
	return Identity{
		PrivKey:   privKey,
		PublicKey: public,
		Created:   file.Created,
	}, nil
}

func decodeKey(s string, size int) ([]byte, error) {
	if s == "" {
		return nil, errors.New("key is empty")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(b))
	}
	return b, nil
}
