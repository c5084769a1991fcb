// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// introduction_test.go - contact mutual introduction tests

package introduction

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmesh/veilmesh/channel"
	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/core/log"
	"github.com/veilmesh/veilmesh/event"
	"github.com/veilmesh/veilmesh/identity"
	"github.com/veilmesh/veilmesh/protocol"
	"github.com/veilmesh/veilmesh/store"
	"github.com/veilmesh/veilmesh/trust"
)

var testThresholds = trust.Thresholds{AutoAccept: 4, UserConfirmation: 2}

type outboxPoster struct {
	outbox []*channel.Outbound
}

func (p *outboxPoster) Post(ob *channel.Outbound) error {
	p.outbox = append(p.outbox, ob)
	return nil
}

func (p *outboxPoster) take(kind channel.TargetKind) []*channel.Outbound {
	var taken []*channel.Outbound
	var kept []*channel.Outbound
	for _, ob := range p.outbox {
		if ob.Target.Kind == kind {
			taken = append(taken, ob)
		} else {
			kept = append(kept, ob)
		}
	}
	p.outbox = kept
	return taken
}

type eventSink struct {
	events []event.Event
}

func (s *eventSink) Notify(ev event.Event) {
	s.events = append(s.events, ev)
}

// party is one device of one identity, with its own store and engine.
type party struct {
	id         crypto.Identity
	device     crypto.UID
	db         *store.Store
	identities *identity.Manager
	engine     *protocol.Engine
	poster     *outboxPoster
	events     *eventSink
}

func newParty(t *testing.T, ring *crypto.KeyRing, name string) *party {
	db, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backend := log.NewTesting()
	id, err := ring.GenerateIdentity(crypto.Rand)
	require.NoError(t, err)
	device, err := crypto.NewUID(crypto.Rand)
	require.NoError(t, err)

	identities := identity.NewManager(backend)
	require.NoError(t, db.Update(func(tx *store.Tx) error {
		return identities.AddOwnedIdentity(tx, id, device)
	}))

	poster := new(outboxPoster)
	engine, err := protocol.NewEngine(&protocol.EngineConfig{
		LogBackend: backend,
		Store:      db,
		Identities: identities,
		Solver:     ring,
		Poster:     poster,
		Trust:      testThresholds,
	}, Descriptor())
	require.NoError(t, err)
	events := new(eventSink)
	engine.SetEventSink(events)

	return &party{
		id:         id,
		device:     device,
		db:         db,
		identities: identities,
		engine:     engine,
		poster:     poster,
		events:     events,
	}
}

func (p *party) addContact(t *testing.T, contact crypto.Identity, details string, level trust.Level) {
	require.NoError(t, p.db.Update(func(tx *store.Tx) error {
		origin := identity.TrustOrigin{Kind: identity.TrustOriginDirect, Timestamp: time.Now()}
		if err := p.identities.AddContact(tx, p.id, contact, details, origin); err != nil {
			return err
		}
		if level > trust.Zero {
			return p.identities.SetTrustLevel(tx, p.id, contact, level, false)
		}
		return nil
	}))
}

func (p *party) setTrust(t *testing.T, contact crypto.Identity, level trust.Level) {
	require.NoError(t, p.db.Update(func(tx *store.Tx) error {
		return p.identities.SetTrustLevel(tx, p.id, contact, level, false)
	}))
}

func (p *party) isContact(t *testing.T, id crypto.Identity) bool {
	var is bool
	require.NoError(t, p.db.View(func(tx *store.Tx) error {
		var err error
		is, err = p.identities.IsContact(tx, p.id, id)
		return err
	}))
	return is
}

func (p *party) deviceCount(t *testing.T, id crypto.Identity) int {
	var n int
	require.NoError(t, p.db.View(func(tx *store.Tx) error {
		devs, err := p.identities.GetDevices(tx, p.id, id)
		if err != nil {
			return err
		}
		n = len(devs)
		return nil
	}))
	return n
}

func (p *party) stateKind(t *testing.T, uid crypto.UID) (int, bool) {
	var kind int
	found := false
	require.NoError(t, p.db.View(func(tx *store.Tx) error {
		rec, err := store.GetInstance(tx, uint32(protocol.KindContactMutualIntroduction), p.id, uid)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		kind = rec.StateKind
		found = true
		return nil
	}))
	return kind, found
}

// deliver decodes one outbound envelope and hands it to the recipient's
// engine with the provenance its target implies.
func deliver(t *testing.T, from *party, to *party, ob *channel.Outbound) {
	var prov channel.Provenance
	switch ob.Target.Kind {
	case channel.TargetAllObliviousChannelsWithContact:
		prov = channel.Provenance{
			Kind:            channel.KindObliviousChannel,
			RemoteIdentity:  from.id,
			RemoteDeviceUID: from.device,
		}
	case channel.TargetAsymmetric, channel.TargetAsymmetricBroadcast:
		prov = channel.Provenance{
			Kind:           channel.KindAsymmetric,
			RemoteIdentity: from.id,
		}
	default:
		t.Fatalf("undeliverable target kind %v", ob.Target.Kind)
	}
	rcv, err := protocol.DecodeEnvelope(ob.Payload, to.id, prov)
	require.NoError(t, err)
	require.NoError(t, to.engine.Handle(rcv))
}

func TestDescriptorValidates(t *testing.T) {
	assert.NoError(t, Descriptor().Validate())
}

func TestIntroduceContacts(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ring := crypto.NewKeyRing()
	m := newParty(t, ring, "mediator")
	a := newParty(t, ring, "alice")
	b := newParty(t, ring, "bob")
	m.addContact(t, a.id, "Alice", trust.Zero)
	m.addContact(t, b.id, "Bob", trust.Zero)

	rcv, err := NewIntroduceContactsReceived(m.id, a.id, "Alice", b.id, "Bob", crypto.Rand)
	require.NoError(err)
	require.NoError(m.engine.Handle(rcv))

	_, found := m.stateKind(t, rcv.InstanceUID)
	assert.False(found, "the mediator side terminates immediately")

	invitations := m.poster.take(channel.TargetAllObliviousChannelsWithContact)
	require.Len(invitations, 2, "one invitation per introduced party")
	targets := map[string]bool{}
	for _, inv := range invitations {
		targets[inv.Target.Remote.MapKey()] = true
	}
	assert.True(targets[a.id.MapKey()])
	assert.True(targets[b.id.MapKey()])
}

func TestIntroduceRequiresActiveContacts(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ring := crypto.NewKeyRing()
	m := newParty(t, ring, "mediator")
	a := newParty(t, ring, "alice")
	b := newParty(t, ring, "bob")
	m.addContact(t, a.id, "Alice", trust.Zero)
	// B is a stranger to M.

	rcv, err := NewIntroduceContactsReceived(m.id, a.id, "Alice", b.id, "Bob", crypto.Rand)
	require.NoError(err)
	require.NoError(m.engine.Handle(rcv))

	assert.Empty(m.poster.outbox, "no invitation may leave a cancelled introduction")
	_, found := m.stateKind(t, rcv.InstanceUID)
	assert.False(found)
}

// introduceTo delivers a mediator invitation describing `other` to party
// p, as sent by mediator med, and returns the instance UID.
func introduceTo(t *testing.T, med *party, p *party, other *party, otherDetails string) crypto.UID {
	uid, err := crypto.NewUID(crypto.Rand)
	require.NoError(t, err)
	payload, err := cbor.Marshal(&MediatorInvitationMessage{
		Contact:        other.id,
		ContactDetails: otherDetails,
	})
	require.NoError(t, err)
	env, err := protocol.EncodeEnvelope(protocol.KindContactMutualIntroduction, uid, MessageMediatorInvitation, payload)
	require.NoError(t, err)
	deliver(t, med, p, &channel.Outbound{
		Target:  channel.Target{Kind: channel.TargetAllObliviousChannelsWithContact, Owned: med.id, Remote: p.id},
		Payload: env,
	})
	return uid
}

func TestAutoAccept(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ring := crypto.NewKeyRing()
	m := newParty(t, ring, "mediator")
	a := newParty(t, ring, "alice")
	b := newParty(t, ring, "bob")
	b.addContact(t, m.id, "Mediator", testThresholds.AutoAccept)

	uid := introduceTo(t, m, b, a, "Alice")

	kind, found := b.stateKind(t, uid)
	require.True(found)
	assert.Equal(StateInvitationAccepted, kind)

	notifications := b.poster.take(channel.TargetAsymmetricBroadcast)
	require.Len(notifications, 1, "exactly one acceptance notification")
	assert.True(notifications[0].Target.Remote.Equal(a.id))
	assert.Empty(b.poster.outbox, "no dialog is shown on auto-accept")
}

func TestSignatureVerification(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ring := crypto.NewKeyRing()
	m := newParty(t, ring, "mediator")
	a := newParty(t, ring, "alice")
	b := newParty(t, ring, "bob")
	b.addContact(t, m.id, "Mediator", testThresholds.AutoAccept)

	makeNotify := func(uid crypto.UID, sig []byte) *channel.Outbound {
		payload, err := cbor.Marshal(&NotifyContactOfAcceptedInvitationMessage{
			ContactDeviceUIDs: [][]byte{a.device.Bytes()},
			Signature:         sig,
		})
		require.NoError(err)
		env, err := protocol.EncodeEnvelope(protocol.KindContactMutualIntroduction, uid, MessageNotifyContactOfAcceptedInvitation, payload)
		require.NoError(err)
		return &channel.Outbound{
			Target:  channel.Target{Kind: channel.TargetAsymmetricBroadcast, Owned: a.id, Remote: b.id},
			Payload: env,
		}
	}

	// Swapping the mediator and contact in the challenge must break
	// verification and cancel the instance.
	uid := introduceTo(t, m, b, a, "Alice")
	b.poster.take(channel.TargetAsymmetricBroadcast)
	badSig, err := ring.Sign(acceptChallenge(b.id, m.id, a.id), signaturePrefix, a.id)
	require.NoError(err)
	deliver(t, a, b, makeNotify(uid, badSig))
	_, found := b.stateKind(t, uid)
	assert.False(found, "a bad signature cancels the instance")
	assert.False(b.isContact(t, a.id), "no contact data may be admitted on verification failure")

	// The correct challenge order verifies and admits the contact.
	uid = introduceTo(t, m, b, a, "Alice")
	b.poster.take(channel.TargetAsymmetricBroadcast)
	goodSig, err := ring.Sign(acceptChallenge(m.id, b.id, a.id), signaturePrefix, a.id)
	require.NoError(err)
	deliver(t, a, b, makeNotify(uid, goodSig))
	kind, found := b.stateKind(t, uid)
	require.True(found)
	assert.Equal(StateWaitingForAck, kind)
	assert.True(b.isContact(t, a.id))
	assert.Equal(1, b.deviceCount(t, a.id))

	acks := b.poster.take(channel.TargetAsymmetric)
	require.Len(acks, 1)
	assert.True(acks[0].Target.Remote.Equal(a.id))

	// Only the verified admission raised events: the trust increase for
	// the watch table and one channel creation trigger per device.
	var trustEvents, deviceEvents int
	for _, ev := range b.events.events {
		switch ev := ev.(type) {
		case *event.TrustLevelIncreasedEvent:
			assert.True(ev.Contact.Equal(a.id))
			trustEvents++
		case *event.NewContactDeviceEvent:
			assert.False(ev.CreatedByChannelCreation)
			deviceEvents++
		}
	}
	assert.Equal(1, trustEvents)
	assert.Equal(1, deviceEvents)
}

// TestPartialDeviceListAdmitsNothing delivers a validly signed
// acceptance notification whose device list carries one malformed UID:
// the step fails mid-admission and the transaction rolls back, so
// neither the contact nor the devices admitted before the failure point
// survive.
func TestPartialDeviceListAdmitsNothing(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ring := crypto.NewKeyRing()
	m := newParty(t, ring, "mediator")
	a := newParty(t, ring, "alice")
	b := newParty(t, ring, "bob")
	b.addContact(t, m.id, "Mediator", testThresholds.AutoAccept)

	uid := introduceTo(t, m, b, a, "Alice")
	b.poster.take(channel.TargetAsymmetricBroadcast)

	sig, err := ring.Sign(acceptChallenge(m.id, b.id, a.id), signaturePrefix, a.id)
	require.NoError(err)
	payload, err := cbor.Marshal(&NotifyContactOfAcceptedInvitationMessage{
		ContactDeviceUIDs: [][]byte{a.device.Bytes(), []byte("short")},
		Signature:         sig,
	})
	require.NoError(err)
	env, err := protocol.EncodeEnvelope(protocol.KindContactMutualIntroduction, uid, MessageNotifyContactOfAcceptedInvitation, payload)
	require.NoError(err)
	deliver(t, a, b, &channel.Outbound{
		Target:  channel.Target{Kind: channel.TargetAsymmetricBroadcast, Owned: a.id, Remote: b.id},
		Payload: env,
	})

	_, found := b.stateKind(t, uid)
	assert.False(found, "the instance is cancelled")
	assert.False(b.isContact(t, a.id), "the contact admitted before the bad UID is rolled back")
	assert.Equal(0, b.deviceCount(t, a.id))
	assert.Empty(b.poster.take(channel.TargetAsymmetric), "no ack leaves the failed step")
	assert.Empty(b.events.events, "no event of the failed step is delivered")
}

func TestRetroactiveTrustUnblock(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ring := crypto.NewKeyRing()
	m := newParty(t, ring, "mediator")
	a := newParty(t, ring, "alice")
	b := newParty(t, ring, "bob")
	b.addContact(t, m.id, "Mediator", trust.Level(1))

	// Below the ask threshold: only an informative dialog, no question.
	uid := introduceTo(t, m, b, a, "Alice")
	kind, found := b.stateKind(t, uid)
	require.True(found)
	assert.Equal(StateInvitationReceived, kind)
	dialogs := b.poster.take(channel.TargetUserInterface)
	require.Len(dialogs, 1)
	assert.Equal(channel.DialogIncreaseMediatorTrustLevelRequired, dialogs[0].Target.Dialog.Kind)

	// Raising trust in the mediator to the auto-accept threshold drives
	// the stalled instance forward without any new network message.
	b.setTrust(t, m.id, testThresholds.AutoAccept)
	require.NoError(b.engine.OnTrustLevelIncreased(b.id, m.id, testThresholds.AutoAccept))

	kind, found = b.stateKind(t, uid)
	require.True(found)
	assert.Equal(StateInvitationAccepted, kind)
	notifications := b.poster.take(channel.TargetAsymmetricBroadcast)
	require.Len(notifications, 1)
	deletes := b.poster.take(channel.TargetUserInterface)
	require.Len(deletes, 1, "the informative dialog is dismissed")
	assert.Equal(channel.DialogDelete, deletes[0].Target.Dialog.Kind)
}

func TestDialogResponse(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ring := crypto.NewKeyRing()
	m := newParty(t, ring, "mediator")
	a := newParty(t, ring, "alice")
	b := newParty(t, ring, "bob")
	b.addContact(t, m.id, "Mediator", testThresholds.UserConfirmation)

	uid := introduceTo(t, m, b, a, "Alice")
	dialogs := b.poster.take(channel.TargetUserInterface)
	require.Len(dialogs, 1)
	assert.Equal(channel.DialogAcceptMediatorInvite, dialogs[0].Target.Dialog.Kind)
	dialogID := dialogs[0].Target.DialogID

	// A stale dialog UUID is dropped without a state change.
	stale, err := NewDialogResponseReceived(b.id, uid, uuid.New(), true)
	require.NoError(err)
	require.NoError(b.engine.Handle(stale))
	kind, _ := b.stateKind(t, uid)
	assert.Equal(StateInvitationReceived, kind)

	// A propagated confirmation arriving on the wrong channel kind is
	// dropped too.
	payload, err := cbor.Marshal(&PropagateConfirmationMessage{Accepted: true, Contact: a.id, Mediator: m.id})
	require.NoError(err)
	env, err := protocol.EncodeEnvelope(protocol.KindContactMutualIntroduction, uid, MessagePropagateConfirmation, payload)
	require.NoError(err)
	deliver(t, m, b, &channel.Outbound{
		Target:  channel.Target{Kind: channel.TargetAsymmetricBroadcast, Owned: m.id, Remote: b.id},
		Payload: env,
	})
	kind, _ = b.stateKind(t, uid)
	assert.Equal(StateInvitationReceived, kind)

	// The matching response accepts.
	resp, err := NewDialogResponseReceived(b.id, uid, dialogID, true)
	require.NoError(err)
	require.NoError(b.engine.Handle(resp))
	kind, found := b.stateKind(t, uid)
	require.True(found)
	assert.Equal(StateInvitationAccepted, kind)
	require.Len(b.poster.take(channel.TargetAsymmetricBroadcast), 1)
}

func TestDialogReject(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ring := crypto.NewKeyRing()
	m := newParty(t, ring, "mediator")
	a := newParty(t, ring, "alice")
	b := newParty(t, ring, "bob")
	b.addContact(t, m.id, "Mediator", testThresholds.UserConfirmation)

	uid := introduceTo(t, m, b, a, "Alice")
	dialogs := b.poster.take(channel.TargetUserInterface)
	require.Len(dialogs, 1)

	resp, err := NewDialogResponseReceived(b.id, uid, dialogs[0].Target.DialogID, false)
	require.NoError(err)
	require.NoError(b.engine.Handle(resp))

	_, found := b.stateKind(t, uid)
	assert.False(found, "a rejected invitation terminates the instance")
	assert.Empty(b.poster.take(channel.TargetAsymmetricBroadcast), "no notification leaves a rejection")
	assert.False(b.isContact(t, a.id))
}

// TestEndToEnd runs the full two-sided scenario: M introduces A and B,
// both with low trust in M, both accept through a dialog, and both end
// with the other as a contact with a device.
func TestEndToEnd(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	ring := crypto.NewKeyRing()
	m := newParty(t, ring, "mediator")
	a := newParty(t, ring, "alice")
	b := newParty(t, ring, "bob")
	m.addContact(t, a.id, "Alice", trust.Zero)
	m.addContact(t, b.id, "Bob", trust.Zero)
	a.addContact(t, m.id, "Mediator", testThresholds.UserConfirmation)
	b.addContact(t, m.id, "Mediator", testThresholds.UserConfirmation)

	// The mediator introduces A and B.
	rcv, err := NewIntroduceContactsReceived(m.id, a.id, "Alice", b.id, "Bob", crypto.Rand)
	require.NoError(err)
	require.NoError(m.engine.Handle(rcv))
	invitations := m.poster.take(channel.TargetAllObliviousChannelsWithContact)
	require.Len(invitations, 2)

	uids := map[string]crypto.UID{}
	for _, inv := range invitations {
		var to *party
		if inv.Target.Remote.Equal(a.id) {
			to = a
		} else {
			to = b
		}
		deliver(t, m, to, inv)
		env := new(protocol.Envelope)
		require.NoError(cbor.Unmarshal(inv.Payload, env))
		uid, err := crypto.UIDFromBytes(env.InstanceUID)
		require.NoError(err)
		uids[to.id.MapKey()] = uid
	}

	// Both sides are parked behind an ask-user dialog.
	for _, p := range []*party{a, b} {
		kind, found := p.stateKind(t, uids[p.id.MapKey()])
		require.True(found)
		assert.Equal(StateInvitationReceived, kind)
	}

	// Both users accept.
	for _, p := range []*party{a, b} {
		dialogs := p.poster.take(channel.TargetUserInterface)
		require.Len(dialogs, 1)
		require.Equal(channel.DialogAcceptMediatorInvite, dialogs[0].Target.Dialog.Kind)
		resp, err := NewDialogResponseReceived(p.id, uids[p.id.MapKey()], dialogs[0].Target.DialogID, true)
		require.NoError(err)
		require.NoError(p.engine.Handle(resp))
	}

	// Cross-deliver the acceptance notifications.
	notifyA := a.poster.take(channel.TargetAsymmetricBroadcast)
	notifyB := b.poster.take(channel.TargetAsymmetricBroadcast)
	require.Len(notifyA, 1)
	require.Len(notifyB, 1)
	deliver(t, a, b, notifyA[0])
	deliver(t, b, a, notifyB[0])

	// Cross-deliver the acks.
	ackA := a.poster.take(channel.TargetAsymmetric)
	ackB := b.poster.take(channel.TargetAsymmetric)
	require.Len(ackA, 1)
	require.Len(ackB, 1)
	deliver(t, a, b, ackA[0])
	deliver(t, b, a, ackB[0])

	// Both instances terminated in mutual trust, and both stores now
	// contain the other side with at least one device.
	for p, other := range map[*party]*party{a: b, b: a} {
		_, found := p.stateKind(t, uids[p.id.MapKey()])
		assert.False(found)
		assert.True(p.isContact(t, other.id))
		assert.True(p.deviceCount(t, other.id) >= 1)
	}
}

func TestStateRoundTrip(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	dialogID := [16]byte(uuid.New())
	states := []protocol.State{
		&InitialState{},
		&ContactsIntroducedState{},
		&InvitationReceivedState{Contact: []byte("c"), ContactDetails: "C", Mediator: []byte("m"), DialogID: dialogID},
		&InvitationAcceptedState{Contact: []byte("c"), ContactDetails: "C", Mediator: []byte("m"), DialogID: dialogID, AcceptType: AcceptManual},
		&InvitationRejectedState{},
		&WaitingForAckState{Contact: []byte("c"), ContactDetails: "C", Mediator: []byte("m"), DialogID: dialogID, AcceptType: AcceptAutomatic},
		&MutualTrustEstablishedState{},
		&CancelledState{},
	}
	for _, s := range states {
		blob, err := cbor.Marshal(s)
		require.NoError(err)
		got, err := decodeState(s.StateKind(), blob)
		require.NoError(err)
		assert.Equal(s, got)
	}

	messages := []protocol.Message{
		&InitialMessage{ContactA: []byte("a"), ContactADetails: "A", ContactB: []byte("b"), ContactBDetails: "B"},
		&MediatorInvitationMessage{Contact: []byte("c"), ContactDetails: "C"},
		&AcceptInviteDialogResponseMessage{DialogID: dialogID, Accepted: true},
		&PropagateConfirmationMessage{Accepted: true, Contact: []byte("c"), ContactDetails: "C", Mediator: []byte("m")},
		&NotifyContactOfAcceptedInvitationMessage{ContactDeviceUIDs: [][]byte{[]byte("d")}, Signature: []byte("s")},
		&PropagateContactNotificationMessage{ContactDeviceUIDs: [][]byte{[]byte("d")}, Signature: []byte("s")},
		&AckMessage{},
		&TrustLevelIncreasedMessage{Contact: []byte("c")},
	}
	for _, m := range messages {
		blob, err := cbor.Marshal(m)
		require.NoError(err)
		got, err := decodeMessage(m.MessageKind(), blob)
		require.NoError(err)
		assert.Equal(m, got)
	}
}
