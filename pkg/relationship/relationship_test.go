package relationship

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveCommutative(t *testing.T) {
	t.Parallel()

	a := bytes.Repeat([]byte{0xaa}, 32)
	b := bytes.Repeat([]byte{0xbb}, 32)

	ab := Derive(a, b, "pairing-token")
	ba := Derive(b, a, "pairing-token")
	require.Equal(t, ab, ba)
	require.Len(t, ab.ID, 64)
	require.Len(t, ab.Key, 64)
	require.NotEqual(t, ab.ID, ab.Key)
}

func TestDeriveTokenSensitive(t *testing.T) {
	t.Parallel()

	a := bytes.Repeat([]byte{0xaa}, 32)
	b := bytes.Repeat([]byte{0xbb}, 32)

	t1 := Derive(a, b, "t1")
	t2 := Derive(a, b, "t2")
	require.NotEqual(t, t1.ID, t2.ID)
	require.NotEqual(t, t1.Key, t2.Key)
}

func TestDeriveKeySensitive(t *testing.T) {
	t.Parallel()

	a := bytes.Repeat([]byte{0xaa}, 32)
	b := bytes.Repeat([]byte{0xbb}, 32)
	c := bytes.Repeat([]byte{0xcc}, 32)

	require.NotEqual(t, Derive(a, b, "tok").ID, Derive(a, c, "tok").ID)
}

func TestDeriveHex(t *testing.T) {
	t.Parallel()

	a := bytes.Repeat([]byte{0xaa}, 32)
	b := bytes.Repeat([]byte{0xbb}, 32)

	rel, err := DeriveHex(
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"tok",
	)
	require.NoError(t, err)
	require.Equal(t, Derive(a, b, "tok"), rel)

	_, err = DeriveHex("xyz", "bb", "tok")
	require.Error(t, err)
	_, err = DeriveHex("aa", "xyz", "tok")
	require.Error(t, err)
}
