package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	t.Parallel()

	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)
	require.Len(t, a, 32)
	require.Regexp(t, "^[0-9a-f]{32}$", a)
	require.NotEqual(t, a, b)
}

func TestConsentFlow(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)

	outgoing, token, err := s.CreateOutgoingRequest()
	require.NoError(t, err)
	require.Equal(t, DirectionOutgoing, outgoing.Direction)
	require.Equal(t, StatusPending, outgoing.Status)
	require.Equal(t, token, outgoing.Token)

	_, err = s.AcceptIncomingToken("   ")
	require.ErrorIs(t, err, ErrTokenRequired)

	incoming, err := s.AcceptIncomingToken("  " + token + "\n")
	require.NoError(t, err)
	require.Equal(t, DirectionIncoming, incoming.Direction)
	require.Equal(t, token, incoming.Token)

	approved, err := s.Approve(incoming.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)

	denied, err := s.Deny(outgoing.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDenied, denied.Status)

	_, err = s.Approve("missing")
	require.ErrorIs(t, err, ErrContactNotFound)
}
