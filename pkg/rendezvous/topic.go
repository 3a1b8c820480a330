package rendezvous

import (
	"encoding/hex"
	"fmt"

	cid "github.com/ipfs/go-cid"
	mc "github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"

	"ichnaea/pkg/digest"
)

// Topic is the discovery rendezvous key derived from a pairing token.
type Topic [digest.Size]byte

// TopicFromToken hashes token into a Topic. The same token always yields the
// same topic. An empty token is valid and produces a fixed, well known topic,
// so callers should refuse empty tokens before joining.
func TopicFromToken(token string) Topic {
	return Topic(digest.Sum([]byte(token)))
}

// ParseTopic decodes the hex form produced by Topic.String.
func ParseTopic(s string) (Topic, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Topic{}, fmt.Errorf("could not decode topic: %w", err)
	}
	if len(b) != digest.Size {
		return Topic{}, fmt.Errorf("invalid topic length: expected %d bytes, got %d", digest.Size, len(b))
	}
	return Topic(b), nil
}

func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

func (t Topic) IsZero() bool {
	return t == Topic{}
}

// CID returns the content identifier under which the topic is provided in the DHT.
func (t Topic) CID() (cid.Cid, error) {
	pref := cid.Prefix{
		Version:  1,
		Codec:    uint64(mc.Raw),
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}
	c, err := pref.Sum(t[:])
	if err != nil {
		return cid.Cid{}, err
	}
	return c, nil
}
