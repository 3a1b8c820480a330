package session

import (
	"slices"

	"ichnaea/pkg/swarm"
)

// registry maps verified peer keys to their connections. It does not own the
// connections; entries must be removed when the substrate closes them.
type registry struct {
	peers map[string]swarm.Conn
}

func newRegistry() *registry {
	return &registry{peers: map[string]swarm.Conn{}}
}

func (r *registry) add(peerKey string, conn swarm.Conn) {
	r.peers[peerKey] = conn
}

func (r *registry) get(peerKey string) (swarm.Conn, bool) {
	conn, ok := r.peers[peerKey]
	return conn, ok
}

// removeConn drops every entry pointing at conn. A key may have been taken
// over by a newer connection, so entries are matched by connection and not
// by key.
func (r *registry) removeConn(conn swarm.Conn) []string {
	removed := []string{}
	for key, c := range r.peers {
		if c == conn {
			delete(r.peers, key)
			removed = append(removed, key)
		}
	}
	slices.Sort(removed)
	return removed
}

func (r *registry) keys() []string {
	keys := make([]string, 0, len(r.peers))
	for key := range r.peers {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func (r *registry) len() int {
	return len(r.peers)
}
