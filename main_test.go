package main

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"ichnaea/pkg/config"
	"ichnaea/pkg/session"
	"ichnaea/pkg/store"
	"ichnaea/pkg/swarm"
)

func TestPersistRelationship(t *testing.T) {
	t.Parallel()

	contacts, err := store.New(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)
	sec := session.Secure{
		RelationshipID: "rel",
		Key:            "key",
		PeerPublicKey:  "bb",
		Token:          "tok-42",
	}

	_, err = persistRelationship(contacts, sec)
	require.EqualError(t, err, "no contact for token")

	contact, err := contacts.AcceptIncomingToken("tok-42")
	require.NoError(t, err)
	_, err = persistRelationship(contacts, sec)
	require.EqualError(t, err, "contact "+contact.ID+" is pending")
	_, ok, err := contacts.FindRelationshipByContactID(contact.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = contacts.Approve(contact.ID)
	require.NoError(t, err)
	persisted, err := persistRelationship(contacts, sec)
	require.NoError(t, err)
	require.Equal(t, contact.ID, persisted.ID)

	rel, ok, err := contacts.FindRelationshipByPeerKey("bb")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "rel", rel.ID)
	require.Equal(t, "key", rel.Key)
}

func TestLoadSettings(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ichnaea.toml", []byte(`data-dir = "/var/lib/ichnaea"
token = "tok-file"
`), 0o644))

	settings, err := loadSettings(fs, &RunCmd{
		Config:            "/ichnaea.toml",
		Token:             "tok-flag",
		HeartbeatInterval: time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, "/var/lib/ichnaea", settings.DataDir)
	require.Equal(t, "tok-flag", settings.Token)
	require.Equal(t, ":4001", settings.ListenAddr)
	require.Equal(t, time.Minute, settings.HeartbeatInterval.Duration)

	_, err = loadSettings(fs, &RunCmd{BootstrapConfig: BootstrapConfig{BootstrapKind: "http"}})
	require.EqualError(t, err, "unknown bootstrap kind http")
	_, err = loadSettings(fs, &RunCmd{Config: "/missing.toml"})
	require.Error(t, err)
}

func TestGetBootstrapper(t *testing.T) {
	t.Parallel()

	bs, err := getBootstrapper(swarmBootstrap("", nil))
	require.NoError(t, err)
	require.IsType(t, &swarm.StaticBootstrapper{}, bs)

	bs, err = getBootstrapper(swarmBootstrap("dns", nil))
	require.NoError(t, err)
	require.IsType(t, &swarm.DNSBootstrapper{}, bs)

	_, err = getBootstrapper(swarmBootstrap("static", []string{"not-a-multiaddr"}))
	require.Error(t, err)
	_, err = getBootstrapper(swarmBootstrap("mdns", nil))
	require.EqualError(t, err, "unknown bootstrap kind mdns")
}

func swarmBootstrap(kind string, peers []string) config.Bootstrap {
	return config.Bootstrap{Kind: kind, DNSDomain: "bootstrap.example.com", StaticPeers: peers}
}
