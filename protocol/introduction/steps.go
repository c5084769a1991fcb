// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// steps.go - contact mutual introduction step table

package introduction

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/veilmesh/veilmesh/channel"
	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/event"
	"github.com/veilmesh/veilmesh/identity"
	"github.com/veilmesh/veilmesh/protocol"
	"github.com/veilmesh/veilmesh/trust"
)

// signaturePrefix domain separates acceptance notification signatures
// from every other signed payload.
var signaturePrefix = []byte("mutualIntroductionAccept")

// acceptChallenge builds the byte string an acceptance signature covers:
// the mediator, then the party being notified, then the signer, as raw
// identities.  Signer and verifier assemble the same string from their
// own perspectives, and swapping any two identities breaks verification.
func acceptChallenge(mediator, notified, signer crypto.Identity) []byte {
	challenge := make([]byte, 0, len(mediator)+len(notified)+len(signer))
	challenge = append(challenge, mediator...)
	challenge = append(challenge, notified...)
	challenge = append(challenge, signer...)
	return challenge
}

// Descriptor returns the protocol descriptor registered with the engine.
func Descriptor() *protocol.Descriptor {
	return &protocol.Descriptor{
		Kind: protocol.KindContactMutualIntroduction,
		Name: "introduction",
		InitialMessageKinds: map[int]bool{
			MessageInitial:            true,
			MessageMediatorInvitation: true,
		},
		InitialState:    func() protocol.State { return new(InitialState) },
		CancelledState:  func() protocol.State { return new(CancelledState) },
		DecodeState:     decodeState,
		DecodeMessage:   decodeMessage,
		StatePrototypes: statePrototypes,
		Steps: map[protocol.StepKey]*protocol.Step{
			{StateKind: StateInitial, MessageKind: MessageInitial}: {
				Name:        "IntroduceContacts",
				Expectation: channel.Local(),
				Run:         introduceContacts,
			},
			{StateKind: StateInitial, MessageKind: MessageMediatorInvitation}: {
				Name:        "CheckTrustLevelsAndShowDialog",
				Expectation: channel.AnyObliviousChannel(),
				Run:         checkTrustLevelsAndShowDialog,
			},
			{StateKind: StateInvitationReceived, MessageKind: MessageTrustLevelIncreased}: {
				Name:        "RecheckTrustLevelsAfterTrustLevelIncrease",
				Expectation: channel.Local(),
				Run:         recheckTrustLevels,
			},
			{StateKind: StateInvitationReceived, MessageKind: MessageAcceptInviteDialogResponse}: {
				Name:        "PropagateInviteResponse",
				Expectation: channel.Local(),
				Run:         propagateInviteResponse,
			},
			{StateKind: StateInvitationReceived, MessageKind: MessagePropagateConfirmation}: {
				Name:        "ProcessPropagatedInviteResponse",
				Expectation: channel.AnyObliviousChannelWithOwnedDevice(),
				Run:         processPropagatedInviteResponse,
			},
			{StateKind: StateInvitationAccepted, MessageKind: MessageNotifyContactOfAcceptedInvitation}: {
				Name:        "PropagateNotificationAddTrustAndSendAck",
				Expectation: channel.AsymmetricChannel(),
				Run:         propagateNotificationAddTrustAndSendAck,
			},
			{StateKind: StateInvitationAccepted, MessageKind: MessagePropagateContactNotification}: {
				Name:        "ProcessPropagatedNotificationAndAddTrust",
				Expectation: channel.AnyObliviousChannelWithOwnedDevice(),
				Run:         processPropagatedNotification,
			},
			{StateKind: StateWaitingForAck, MessageKind: MessageAck}: {
				Name:        "NotifyMutualTrustEstablished",
				Expectation: channel.AsymmetricChannel(),
				Run:         notifyMutualTrustEstablished,
			},
		},
	}
}

// introduceContacts is the mediator's only step: both introduced parties
// must already be active contacts, and each receives an invitation
// describing the other over the established channels.
func introduceContacts(ctx *protocol.StepContext) (protocol.State, error) {
	msg := ctx.Message.(*InitialMessage)

	for _, c := range [][]byte{msg.ContactA, msg.ContactB} {
		active, err := ctx.Identities.IsContactActive(ctx.Tx, ctx.Owned, c)
		if err != nil {
			return nil, err
		}
		if !active {
			return nil, fmt.Errorf("introduction: %v is not an active contact, refusing to introduce", crypto.Identity(c))
		}
	}
	if bytes.Equal(msg.ContactA, msg.ContactB) {
		return nil, errors.New("introduction: cannot introduce a contact to itself")
	}

	invitations := []struct {
		to      []byte
		other   []byte
		details string
	}{
		{msg.ContactA, msg.ContactB, msg.ContactBDetails},
		{msg.ContactB, msg.ContactA, msg.ContactADetails},
	}
	for _, inv := range invitations {
		err := ctx.Send(&MediatorInvitationMessage{
			Contact:        inv.other,
			ContactDetails: inv.details,
		}, channel.Target{
			Kind:   channel.TargetAllObliviousChannelsWithContact,
			Owned:  ctx.Owned,
			Remote: inv.to,
		})
		if err != nil {
			return nil, err
		}
	}
	return new(ContactsIntroducedState), nil
}

// checkTrustLevelsAndShowDialog handles a mediator's invitation: depending
// on existing trust in the introduced contact and in the mediator it
// accepts silently, accepts automatically, or parks the flow behind a
// dialog and a pair of trust watches.
func checkTrustLevelsAndShowDialog(ctx *protocol.StepContext) (protocol.State, error) {
	msg := ctx.Message.(*MediatorInvitationMessage)
	mediator := ctx.Provenance.RemoteIdentity

	trusted, err := ctx.Identities.IsContactActive(ctx.Tx, ctx.Owned, mediator)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, fmt.Errorf("introduction: invitation from non-contact %v", mediator)
	}
	return decideOnInvitation(ctx, msg.Contact, msg.ContactDetails, mediator, uuid.Nil)
}

// recheckTrustLevels re-runs the invitation decision after a trust watch
// fired, replacing the previous dialog and watches.
func recheckTrustLevels(ctx *protocol.StepContext) (protocol.State, error) {
	st := ctx.State.(*InvitationReceivedState)
	return decideOnInvitation(ctx, st.Contact, st.ContactDetails, st.Mediator, uuid.UUID(st.DialogID))
}

// decideOnInvitation is the three way trust branch shared by the initial
// invitation and every recheck.  prevDialog is the dialog already on
// screen, or uuid.Nil on the first pass.
func decideOnInvitation(ctx *protocol.StepContext, contact []byte, contactDetails string, mediator []byte, prevDialog uuid.UUID) (protocol.State, error) {
	alreadyContact, err := ctx.Identities.IsContactActive(ctx.Tx, ctx.Owned, contact)
	if err != nil {
		return nil, err
	}
	if alreadyContact {
		return acceptInvitation(ctx, contact, contactDetails, mediator, prevDialog, AcceptAlreadyTrusted)
	}

	level, err := ctx.Identities.GetTrustLevel(ctx.Tx, ctx.Owned, mediator)
	if err != nil {
		return nil, err
	}
	if level.Satisfies(ctx.Trust.AutoAccept) {
		return acceptInvitation(ctx, contact, contactDetails, mediator, prevDialog, AcceptAutomatic)
	}

	// Not enough trust to decide alone.  Watch the mediator for the next
	// threshold and the introduced contact for becoming a contact by any
	// other means, then ask or inform the user.
	dialogKind := channel.DialogAcceptMediatorInvite
	mediatorTarget := ctx.Trust.AutoAccept
	if !level.Satisfies(ctx.Trust.UserConfirmation) {
		dialogKind = channel.DialogIncreaseMediatorTrustLevelRequired
		mediatorTarget = ctx.Trust.UserConfirmation
	}
	if err := ctx.WatchTrustLevel(mediator, mediatorTarget, MessageTrustLevelIncreased); err != nil {
		return nil, err
	}
	if err := ctx.WatchTrustLevel(contact, trust.Zero, MessageTrustLevelIncreased); err != nil {
		return nil, err
	}

	dialogID := prevDialog
	if dialogID == uuid.Nil {
		dialogID, err = uuid.NewRandomFromReader(ctx.Rand)
		if err != nil {
			return nil, err
		}
	}
	ctx.PostDialog(dialogID, &channel.Dialog{
		Kind:           dialogKind,
		Contact:        contact,
		ContactDetails: contactDetails,
		Mediator:       mediator,
	})
	return &InvitationReceivedState{
		Contact:        contact,
		ContactDetails: contactDetails,
		Mediator:       mediator,
		DialogID:       [16]byte(dialogID),
	}, nil
}

// acceptInvitation performs the shared accept path: watches and the
// pending dialog are dismissed, the acceptance notification is signed and
// sent to the introduced contact, and the flow waits for the contact's
// own notification.
func acceptInvitation(ctx *protocol.StepContext, contact []byte, contactDetails string, mediator []byte, prevDialog uuid.UUID, acceptType AcceptType) (protocol.State, error) {
	if err := ctx.ClearTrustWatch(mediator); err != nil {
		return nil, err
	}
	if err := ctx.ClearTrustWatch(contact); err != nil {
		return nil, err
	}
	if prevDialog != uuid.Nil {
		ctx.DeleteDialog(prevDialog)
	}
	if err := signAndSendNotification(ctx, contact, mediator); err != nil {
		return nil, err
	}
	return &InvitationAcceptedState{
		Contact:        contact,
		ContactDetails: contactDetails,
		Mediator:       mediator,
		DialogID:       [16]byte(prevDialog),
		AcceptType:     acceptType,
	}, nil
}

// signAndSendNotification signs the acceptance challenge and sends the
// notification, together with this side's device UIDs, directly to the
// introduced contact.  No channel to the contact exists yet, so the send
// is an asymmetric broadcast.
func signAndSendNotification(ctx *protocol.StepContext, contact, mediator []byte) error {
	challenge := acceptChallenge(mediator, contact, ctx.Owned)
	sig, err := ctx.Solver.Sign(challenge, signaturePrefix, ctx.Owned)
	if err != nil {
		return err
	}
	devices, err := ctx.Identities.GetDevices(ctx.Tx, ctx.Owned, ctx.Owned)
	if err != nil {
		return err
	}
	uids := make([][]byte, 0, len(devices))
	for _, d := range devices {
		uids = append(uids, d.Bytes())
	}
	return ctx.Send(&NotifyContactOfAcceptedInvitationMessage{
		ContactDeviceUIDs: uids,
		Signature:         sig,
	}, channel.Target{
		Kind:   channel.TargetAsymmetricBroadcast,
		Owned:  ctx.Owned,
		Remote: contact,
	})
}

// propagateInviteResponse carries the user's dialog decision forward,
// mirroring it to the other owned devices first so every device settles
// the same way.
func propagateInviteResponse(ctx *protocol.StepContext) (protocol.State, error) {
	st := ctx.State.(*InvitationReceivedState)
	msg := ctx.Message.(*AcceptInviteDialogResponseMessage)

	if msg.DialogID != st.DialogID {
		// A stale or duplicated response; the dialog on screen is not the
		// one this answer belongs to.
		ctx.Log.Debugf("flow %v: dropping dialog response with stale UUID %v", ctx.FlowID, uuid.UUID(msg.DialogID))
		return st, nil
	}

	others, err := ctx.Identities.GetOtherOwnedDevices(ctx.Tx, ctx.Owned)
	if err != nil {
		return nil, err
	}
	if len(others) > 0 {
		err := ctx.Send(&PropagateConfirmationMessage{
			Accepted:       msg.Accepted,
			Contact:        st.Contact,
			ContactDetails: st.ContactDetails,
			Mediator:       st.Mediator,
		}, channel.Target{
			Kind:  channel.TargetAllObliviousChannelsWithOtherOwnedDevices,
			Owned: ctx.Owned,
		})
		if err != nil {
			return nil, err
		}
	}
	return settleInviteResponse(ctx, st, msg.Accepted)
}

// processPropagatedInviteResponse settles the flow the same way the
// originating device did.  Propagation never cascades.
func processPropagatedInviteResponse(ctx *protocol.StepContext) (protocol.State, error) {
	st := ctx.State.(*InvitationReceivedState)
	msg := ctx.Message.(*PropagateConfirmationMessage)
	return settleInviteResponse(ctx, st, msg.Accepted)
}

func settleInviteResponse(ctx *protocol.StepContext, st *InvitationReceivedState, accepted bool) (protocol.State, error) {
	if !accepted {
		if err := ctx.ClearTrustWatch(st.Mediator); err != nil {
			return nil, err
		}
		if err := ctx.ClearTrustWatch(st.Contact); err != nil {
			return nil, err
		}
		ctx.DeleteDialog(uuid.UUID(st.DialogID))
		return new(InvitationRejectedState), nil
	}

	state, err := acceptInvitation(ctx, st.Contact, st.ContactDetails, st.Mediator, uuid.UUID(st.DialogID), AcceptManual)
	if err != nil {
		return nil, err
	}
	// Replace the question with a confirmation while mutual trust is being
	// established.
	ctx.PostDialog(uuid.UUID(st.DialogID), &channel.Dialog{
		Kind:           channel.DialogMediatorInviteAccepted,
		Contact:        st.Contact,
		ContactDetails: st.ContactDetails,
		Mediator:       st.Mediator,
	})
	return state, nil
}

// propagateNotificationAddTrustAndSendAck receives the introduced
// contact's own acceptance: the signature is verified against the
// mediator, this identity and the sender, then the contact and her
// announced devices are admitted and acked.
func propagateNotificationAddTrustAndSendAck(ctx *protocol.StepContext) (protocol.State, error) {
	st := ctx.State.(*InvitationAcceptedState)
	msg := ctx.Message.(*NotifyContactOfAcceptedInvitationMessage)

	sender := ctx.Provenance.RemoteIdentity
	if !sender.Equal(st.Contact) {
		return nil, fmt.Errorf("introduction: acceptance notification from %v, expected %v", sender, crypto.Identity(st.Contact))
	}
	challenge := acceptChallenge(st.Mediator, ctx.Owned, sender)
	if !ctx.Solver.Verify(msg.Signature, challenge, signaturePrefix, sender) {
		return nil, errors.New("introduction: acceptance notification signature verification failed")
	}

	if err := admitContact(ctx, st, msg.ContactDeviceUIDs); err != nil {
		return nil, err
	}

	others, err := ctx.Identities.GetOtherOwnedDevices(ctx.Tx, ctx.Owned)
	if err != nil {
		return nil, err
	}
	if len(others) > 0 {
		err := ctx.Send(&PropagateContactNotificationMessage{
			ContactDeviceUIDs: msg.ContactDeviceUIDs,
			Signature:         msg.Signature,
		}, channel.Target{
			Kind:  channel.TargetAllObliviousChannelsWithOtherOwnedDevices,
			Owned: ctx.Owned,
		})
		if err != nil {
			return nil, err
		}
	}

	deviceUIDs := make([]crypto.UID, 0, len(msg.ContactDeviceUIDs))
	for _, b := range msg.ContactDeviceUIDs {
		uid, err := crypto.UIDFromBytes(b)
		if err != nil {
			return nil, err
		}
		deviceUIDs = append(deviceUIDs, uid)
	}
	err = ctx.Send(new(AckMessage), channel.Target{
		Kind:             channel.TargetAsymmetric,
		Owned:            ctx.Owned,
		Remote:           st.Contact,
		RemoteDeviceUIDs: deviceUIDs,
	})
	if err != nil {
		return nil, err
	}
	return &WaitingForAckState{
		Contact:        st.Contact,
		ContactDetails: st.ContactDetails,
		Mediator:       st.Mediator,
		DialogID:       st.DialogID,
		AcceptType:     st.AcceptType,
	}, nil
}

// processPropagatedNotification admits the contact on a secondary owned
// device.  The signature already passed verification on the device that
// received it, and own devices are trusted, so it is not rechecked and no
// ack is sent.
func processPropagatedNotification(ctx *protocol.StepContext) (protocol.State, error) {
	st := ctx.State.(*InvitationAcceptedState)
	msg := ctx.Message.(*PropagateContactNotificationMessage)

	if err := admitContact(ctx, st, msg.ContactDeviceUIDs); err != nil {
		return nil, err
	}
	return &WaitingForAckState{
		Contact:        st.Contact,
		ContactDetails: st.ContactDetails,
		Mediator:       st.Mediator,
		DialogID:       st.DialogID,
		AcceptType:     st.AcceptType,
	}, nil
}

// admitContact records the introduced contact with its announced devices
// and queues the lifecycle events: the trust increase feeds the engine's
// watch table, and each new device triggers a channel creation.
func admitContact(ctx *protocol.StepContext, st *InvitationAcceptedState, deviceUIDs [][]byte) error {
	origin := identity.TrustOrigin{
		Kind:      identity.TrustOriginIntroduction,
		Timestamp: ctx.Now(),
		Mediator:  st.Mediator,
	}
	if err := ctx.Identities.AddContact(ctx.Tx, ctx.Owned, st.Contact, st.ContactDetails, origin); err != nil {
		return err
	}
	level, err := ctx.Identities.GetTrustLevel(ctx.Tx, ctx.Owned, st.Contact)
	if err != nil {
		return err
	}
	ctx.Notify(&event.TrustLevelIncreasedEvent{
		Owned:   ctx.Owned,
		Contact: st.Contact,
		Level:   level,
	})
	known, err := ctx.Identities.GetDevices(ctx.Tx, ctx.Owned, st.Contact)
	if err != nil {
		return err
	}
	seen := make(map[crypto.UID]bool, len(known))
	for _, d := range known {
		seen[d] = true
	}
	for _, b := range deviceUIDs {
		uid, err := crypto.UIDFromBytes(b)
		if err != nil {
			return err
		}
		if err := ctx.Identities.AddDevice(ctx.Tx, ctx.Owned, st.Contact, uid); err != nil {
			return err
		}
		if !seen[uid] {
			ctx.Notify(&event.NewContactDeviceEvent{
				Owned:     ctx.Owned,
				Contact:   st.Contact,
				DeviceUID: uid,
			})
		}
	}
	return nil
}

// notifyMutualTrustEstablished closes the flow on the contact's ack,
// showing the confirmation matching how the invitation was accepted.
func notifyMutualTrustEstablished(ctx *protocol.StepContext) (protocol.State, error) {
	st := ctx.State.(*WaitingForAckState)

	switch st.AcceptType {
	case AcceptAlreadyTrusted:
		// The contact was trusted all along; nothing to announce.
	case AcceptAutomatic:
		id, err := uuid.NewRandomFromReader(ctx.Rand)
		if err != nil {
			return nil, err
		}
		ctx.PostDialog(id, &channel.Dialog{
			Kind:           channel.DialogAutoconfirmedContactIntroduction,
			Contact:        st.Contact,
			ContactDetails: st.ContactDetails,
			Mediator:       st.Mediator,
		})
	case AcceptManual:
		ctx.PostDialog(uuid.UUID(st.DialogID), &channel.Dialog{
			Kind:           channel.DialogMutualTrustConfirmed,
			Contact:        st.Contact,
			ContactDetails: st.ContactDetails,
			Mediator:       st.Mediator,
		})
	default:
		return nil, fmt.Errorf("introduction: unknown accept type %d", st.AcceptType)
	}
	return new(MutualTrustEstablishedState), nil
}
