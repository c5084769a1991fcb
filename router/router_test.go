// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// router_test.go - target resolution tests

package router

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmesh/veilmesh/channel"
	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/core/log"
	"github.com/veilmesh/veilmesh/identity"
	"github.com/veilmesh/veilmesh/store"
)

type channelSend struct {
	remote crypto.Identity
	device crypto.UID
}

type memTransport struct {
	overChannel []channelSend
	asymmetric  []crypto.Identity
}

func (m *memTransport) SendOverChannel(current crypto.UID, remote crypto.Identity, remoteDevice crypto.UID, payload []byte) error {
	m.overChannel = append(m.overChannel, channelSend{remote, remoteDevice})
	return nil
}

func (m *memTransport) SendAsymmetric(from, to crypto.Identity, deviceUIDs []crypto.UID, payload []byte) error {
	m.asymmetric = append(m.asymmetric, to)
	return nil
}

type fixture struct {
	db         *store.Store
	identities *identity.Manager
	transport  *memTransport
	router     *Router
	owned      crypto.Identity
	device     crypto.UID
}

func newFixture(t *testing.T) *fixture {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backend := log.NewTesting()
	f := &fixture{
		db:         db,
		identities: identity.NewManager(backend),
		transport:  new(memTransport),
	}
	f.router, err = New(&Config{
		LogBackend: backend,
		Store:      db,
		Identities: f.identities,
		Transport:  f.transport,
		Clock:      time.Now,
	})
	require.NoError(t, err)

	ring := crypto.NewKeyRing()
	f.owned, err = ring.GenerateIdentity(crypto.Rand)
	require.NoError(t, err)
	f.device, err = crypto.NewUID(crypto.Rand)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *store.Tx) error {
		return f.identities.AddOwnedIdentity(tx, f.owned, f.device)
	}))
	return f
}

func TestPostOverChannelsFansOut(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	f := newFixture(t)
	ring := crypto.NewKeyRing()
	contact, err := ring.GenerateIdentity(crypto.Rand)
	require.NoError(err)

	linked, _ := crypto.NewUID(crypto.Rand)
	unlinked, _ := crypto.NewUID(crypto.Rand)
	require.NoError(f.db.Update(func(tx *store.Tx) error {
		origin := identity.TrustOrigin{Kind: identity.TrustOriginDirect, Timestamp: time.Now()}
		require.NoError(f.identities.AddContact(tx, f.owned, contact, "Bob", origin))
		require.NoError(f.identities.AddDevice(tx, f.owned, contact, linked))
		require.NoError(f.identities.AddDevice(tx, f.owned, contact, unlinked))
		return store.PutChannel(tx, &store.ChannelRecord{
			CurrentDeviceUID: f.device.Bytes(),
			RemoteIdentity:   contact,
			RemoteDeviceUID:  linked.Bytes(),
			Confirmed:        true,
		})
	}))

	err = f.router.Post(&channel.Outbound{
		Target: channel.Target{
			Kind:   channel.TargetAllObliviousChannelsWithContact,
			Owned:  f.owned,
			Remote: contact,
		},
		Payload: []byte("hello"),
	})
	require.NoError(err)

	// Only the device with an established channel is reached.
	require.Len(f.transport.overChannel, 1)
	assert.Equal(linked, f.transport.overChannel[0].device)
}

func TestPostWithoutChannelIsDropped(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	f := newFixture(t)
	ring := crypto.NewKeyRing()
	contact, err := ring.GenerateIdentity(crypto.Rand)
	require.NoError(err)
	require.NoError(f.db.Update(func(tx *store.Tx) error {
		origin := identity.TrustOrigin{Kind: identity.TrustOriginDirect, Timestamp: time.Now()}
		return f.identities.AddContact(tx, f.owned, contact, "Bob", origin)
	}))

	err = f.router.Post(&channel.Outbound{
		Target: channel.Target{
			Kind:   channel.TargetAllObliviousChannelsWithContact,
			Owned:  f.owned,
			Remote: contact,
		},
		Payload: []byte("hello"),
	})
	require.NoError(err, "an unreachable contact is a drop, not an error")
	assert.Empty(f.transport.overChannel)
}

func TestPostAsymmetric(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	f := newFixture(t)
	ring := crypto.NewKeyRing()
	contact, err := ring.GenerateIdentity(crypto.Rand)
	require.NoError(err)

	err = f.router.Post(&channel.Outbound{
		Target: channel.Target{
			Kind:   channel.TargetAsymmetricBroadcast,
			Owned:  f.owned,
			Remote: contact,
		},
		Payload: []byte("hello"),
	})
	require.NoError(err)
	require.Len(f.transport.asymmetric, 1)
	assert.True(contact.Equal(f.transport.asymmetric[0]))
}

func TestPostDialogLifecycle(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	f := newFixture(t)
	id := uuid.New()

	err := f.router.Post(&channel.Outbound{
		Target: channel.Target{
			Kind:     channel.TargetUserInterface,
			Owned:    f.owned,
			DialogID: id,
			Dialog: &channel.Dialog{
				Kind:           channel.DialogAcceptMediatorInvite,
				ContactDetails: "Bob",
			},
		},
	})
	require.NoError(err)

	require.NoError(f.db.View(func(tx *store.Tx) error {
		rec, err := store.GetDialog(tx, f.owned, id)
		require.NoError(err)
		assert.Equal("Bob", rec.ContactDetails)
		assert.False(rec.CreatedAt.IsZero())
		return nil
	}))

	err = f.router.Post(&channel.Outbound{
		Target: channel.Target{
			Kind:     channel.TargetUserInterface,
			Owned:    f.owned,
			DialogID: id,
			Dialog:   &channel.Dialog{Kind: channel.DialogDelete},
		},
	})
	require.NoError(err)

	require.NoError(f.db.View(func(tx *store.Tx) error {
		_, err := store.GetDialog(tx, f.owned, id)
		assert.Equal(store.ErrNotFound, err)
		return nil
	}))
}
