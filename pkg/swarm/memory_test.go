package swarm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"ichnaea/pkg/rendezvous"
)

func nextEvent(t *testing.T, s *MemorySwarm) Event {
	t.Helper()

	select {
	case ev := <-s.Events():
		return ev
	default:
		require.FailNow(t, "expected event", "swarm %s has no pending events", s.Name())
		return Event{}
	}
}

func TestMemorySwarmPairsOnTopic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	network := NewMemoryNetwork()
	a := network.NewSwarm("a")
	b := network.NewSwarm("b")
	topic := rendezvous.TopicFromToken("tok")

	da, err := a.Join(ctx, topic)
	require.NoError(t, err)
	require.NoError(t, da.Flushed(ctx))
	require.Equal(t, EventUpdate, nextEvent(t, a).Kind)

	_, err = b.Join(ctx, topic)
	require.NoError(t, err)
	evB := nextEvent(t, b)
	require.Equal(t, EventConnection, evB.Kind)
	require.Equal(t, "a", evB.Conn.RemotePeer())
	require.Equal(t, EventUpdate, nextEvent(t, b).Kind)
	evA := nextEvent(t, a)
	require.Equal(t, EventConnection, evA.Kind)

	require.Equal(t, Stats{Connections: 1, Peers: 1}, a.Stats())
	require.Equal(t, Stats{Connections: 1, Peers: 1}, b.Stats())

	require.NoError(t, evA.Conn.Write([]byte("ping")))
	data := nextEvent(t, b)
	require.Equal(t, EventData, data.Kind)
	require.Equal(t, []byte("ping"), data.Data)
	require.Same(t, evB.Conn, data.Conn)

	require.NoError(t, evB.Conn.Close())
	require.Equal(t, EventClose, nextEvent(t, b).Kind)
	require.Equal(t, EventClose, nextEvent(t, a).Kind)
	require.ErrorIs(t, evA.Conn.Write([]byte("late")), ErrConnClosed)
	require.Equal(t, 0, a.Stats().Connections)
}

func TestMemorySwarmCallsAndFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryNetwork().NewSwarm("a")
	x := rendezvous.TopicFromToken("tok-x")

	d, err := s.Join(ctx, x)
	require.NoError(t, err)
	require.NoError(t, d.Destroy(ctx))

	s.JoinErr = errors.New("announce failed")
	_, err = s.Join(ctx, x)
	require.EqualError(t, err, "announce failed")

	require.NoError(t, s.Close(ctx))
	s.JoinErr = nil
	_, err = s.Join(ctx, x)
	require.ErrorIs(t, err, ErrClosed)

	require.Equal(t, []string{
		"join:" + x.String(),
		"destroy:" + x.String(),
		"join:" + x.String(),
		"close",
		"join:" + x.String(),
	}, s.Calls())
}

func TestMemorySwarmHoldFlush(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryNetwork().NewSwarm("a")
	s.HoldFlush()
	d, err := s.Join(ctx, rendezvous.TopicFromToken("tok"))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, d.Flushed(cancelled), context.Canceled)

	s.ReleaseFlush()
	require.NoError(t, d.Flushed(ctx))
}

func TestMemoryConnFail(t *testing.T) {
	t.Parallel()

	network := NewMemoryNetwork()
	a := network.NewSwarm("a")
	b := network.NewSwarm("b")
	ca, _ := Pipe(a, b)
	nextEvent(t, a)
	nextEvent(t, b)

	ca.FailWrites(errors.New("write failed"))
	require.EqualError(t, ca.Write([]byte("x")), "write failed")

	ca.Fail(errors.New("reset"))
	ev := nextEvent(t, a)
	require.Equal(t, EventClose, ev.Kind)
	require.EqualError(t, ev.Err, "reset")
	require.Equal(t, EventClose, nextEvent(t, b).Kind)
}
