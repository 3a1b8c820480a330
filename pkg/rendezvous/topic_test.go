package rendezvous

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopicFromTokenDeterministic(t *testing.T) {
	t.Parallel()

	first := TopicFromToken("tok-42")
	for range 10 {
		require.Equal(t, first, TopicFromToken("tok-42"))
	}
	require.NotEqual(t, first, TopicFromToken("tok-43"))
	require.Len(t, first.String(), 64)
	require.False(t, first.IsZero())
}

func TestTopicFromEmptyToken(t *testing.T) {
	t.Parallel()

	empty := TopicFromToken("")
	require.Equal(t, empty, TopicFromToken(""))
	require.False(t, empty.IsZero())
}

func TestParseTopic(t *testing.T) {
	t.Parallel()

	topic := TopicFromToken("tok-x")
	parsed, err := ParseTopic(topic.String())
	require.NoError(t, err)
	require.Equal(t, topic, parsed)

	_, err = ParseTopic("zz")
	require.Error(t, err)
	_, err = ParseTopic("abcd")
	require.EqualError(t, err, "invalid topic length: expected 32 bytes, got 2")
}

func TestTopicCID(t *testing.T) {
	t.Parallel()

	a, err := TopicFromToken("tok-a").CID()
	require.NoError(t, err)
	again, err := TopicFromToken("tok-a").CID()
	require.NoError(t, err)
	b, err := TopicFromToken("tok-b").CID()
	require.NoError(t, err)
	require.True(t, a.Equals(again))
	require.False(t, a.Equals(b))
	require.Equal(t, uint64(1), a.Version())
}
