// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// discovery_test.go - device discovery request/reply tests

package discovery

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmesh/veilmesh/channel"
	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/core/log"
	"github.com/veilmesh/veilmesh/identity"
	"github.com/veilmesh/veilmesh/protocol"
	"github.com/veilmesh/veilmesh/store"
	"github.com/veilmesh/veilmesh/trust"
)

type outboxPoster struct {
	posted []*channel.Outbound
}

func (p *outboxPoster) Post(ob *channel.Outbound) error {
	p.posted = append(p.posted, ob)
	return nil
}

func (p *outboxPoster) take(t *testing.T) *channel.Outbound {
	require.NotEmpty(t, p.posted, "expected a queued outbound")
	ob := p.posted[0]
	p.posted = p.posted[1:]
	return ob
}

type party struct {
	db         *store.Store
	identities *identity.Manager
	engine     *protocol.Engine
	poster     *outboxPoster
	owned      crypto.Identity
	device     crypto.UID
}

func newParty(t *testing.T, ring *crypto.KeyRing) *party {
	db, err := store.Open(filepath.Join(t.TempDir(), "party.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backend := log.NewTesting()
	p := &party{
		db:         db,
		identities: identity.NewManager(backend),
		poster:     new(outboxPoster),
	}
	p.engine, err = protocol.NewEngine(&protocol.EngineConfig{
		LogBackend: backend,
		Store:      db,
		Identities: p.identities,
		Solver:     ring,
		Poster:     p.poster,
		Trust:      trust.Thresholds{AutoAccept: 4, UserConfirmation: 2},
	}, Descriptor())
	require.NoError(t, err)

	p.owned, err = ring.GenerateIdentity(crypto.Rand)
	require.NoError(t, err)
	p.device, err = crypto.NewUID(crypto.Rand)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *store.Tx) error {
		return p.identities.AddOwnedIdentity(tx, p.owned, p.device)
	}))
	return p
}

func (p *party) addContact(t *testing.T, other crypto.Identity) {
	require.NoError(t, p.db.Update(func(tx *store.Tx) error {
		origin := identity.TrustOrigin{Kind: identity.TrustOriginDirect, Timestamp: time.Now()}
		return p.identities.AddContact(tx, p.owned, other, "peer", origin)
	}))
}

func (p *party) knownDevices(t *testing.T, of crypto.Identity) []crypto.UID {
	var devs []crypto.UID
	require.NoError(t, p.db.View(func(tx *store.Tx) error {
		var err error
		devs, err = p.identities.GetDevices(tx, p.owned, of)
		return err
	}))
	return devs
}

func deliver(t *testing.T, to, from *party, ob *channel.Outbound) {
	rcv, err := protocol.DecodeEnvelope(ob.Payload, to.owned, channel.Provenance{
		Kind:           channel.KindAsymmetric,
		RemoteIdentity: from.owned,
	})
	require.NoError(t, err)
	require.NoError(t, to.engine.Handle(rcv))
}

func TestDescriptorValidates(t *testing.T) {
	assert.NoError(t, Descriptor().Validate())
}

func TestDiscoveryRoundTrip(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ring := crypto.NewKeyRing()
	a := newParty(t, ring)
	b := newParty(t, ring)
	a.addContact(t, b.owned)
	b.addContact(t, a.owned)

	// The contact runs a second device the requester knows nothing about.
	second, err := crypto.NewUID(crypto.Rand)
	require.NoError(err)
	require.NoError(b.db.Update(func(tx *store.Tx) error {
		return b.identities.AddDevice(tx, b.owned, b.owned, second)
	}))

	rcv, err := NewStartReceived(a.owned, b.owned)
	require.NoError(err)
	require.NoError(a.engine.Handle(rcv))

	req := a.poster.take(t)
	assert.Equal(channel.TargetAsymmetricBroadcast, req.Target.Kind)
	deliver(t, b, a, req)

	reply := b.poster.take(t)
	assert.Equal(channel.TargetAsymmetricBroadcast, reply.Target.Kind)
	deliver(t, a, b, reply)

	devs := a.knownDevices(t, b.owned)
	assert.Len(devs, 2)
	assert.Contains(devs, b.device)
	assert.Contains(devs, second)
}

func TestDiscoveryRequiresContact(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ring := crypto.NewKeyRing()
	a := newParty(t, ring)
	stranger, err := ring.GenerateIdentity(crypto.Rand)
	require.NoError(err)

	rcv, err := NewStartReceived(a.owned, stranger)
	require.NoError(err)
	require.NoError(a.engine.Handle(rcv))

	assert.Empty(a.poster.posted, "no request may leave for a non-contact")
	require.NoError(a.db.View(func(tx *store.Tx) error {
		_, err := store.GetInstance(tx, uint32(protocol.KindDeviceDiscovery), a.owned, InstanceUID(a.owned, stranger))
		assert.Equal(store.ErrNotFound, err, "the cancelled instance is freed")
		return nil
	}))
}

func TestReplyFromWrongSenderCancels(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ring := crypto.NewKeyRing()
	a := newParty(t, ring)
	b := newParty(t, ring)
	eve := newParty(t, ring)
	a.addContact(t, b.owned)

	rcv, err := NewStartReceived(a.owned, b.owned)
	require.NoError(err)
	require.NoError(a.engine.Handle(rcv))
	req := a.poster.take(t)

	// Eve intercepts the broadcast and answers with her own devices.
	deliver(t, eve, a, req)
	reply := eve.poster.take(t)
	deliver(t, a, eve, reply)

	assert.Empty(a.knownDevices(t, b.owned), "no device of the impostor is recorded")
	assert.Empty(a.knownDevices(t, eve.owned))
}
