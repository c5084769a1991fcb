// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// messages.go - contact mutual introduction messages

package introduction

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/protocol"
)

// Message kinds.
const (
	MessageInitial = iota
	MessageMediatorInvitation
	MessageAcceptInviteDialogResponse
	MessagePropagateConfirmation
	MessageNotifyContactOfAcceptedInvitation
	MessagePropagateContactNotification
	MessageAck
	MessageTrustLevelIncreased
)

// InitialMessage starts the mediator side: introduce ContactA and
// ContactB, both of which must be active contacts of the owned identity.
type InitialMessage struct {
	ContactA        []byte
	ContactADetails string
	ContactB        []byte
	ContactBDetails string
}

func (m *InitialMessage) MessageKind() int { return MessageInitial }

// MediatorInvitationMessage is what each introduced party receives from
// the mediator: the other party's identity and display details.
type MediatorInvitationMessage struct {
	Contact        []byte
	ContactDetails string
}

func (m *MediatorInvitationMessage) MessageKind() int { return MessageMediatorInvitation }

// AcceptInviteDialogResponseMessage carries the user's dialog decision
// back into the protocol.  DialogID must match the one recorded in the
// waiting state or the response is dropped.
type AcceptInviteDialogResponseMessage struct {
	DialogID [16]byte
	Accepted bool
}

func (m *AcceptInviteDialogResponseMessage) MessageKind() int { return MessageAcceptInviteDialogResponse }

// PropagateConfirmationMessage mirrors an accept or reject decision to
// the user's other owned devices so they can settle their own instance
// of the flow.
type PropagateConfirmationMessage struct {
	Accepted       bool
	Contact        []byte
	ContactDetails string
	Mediator       []byte
}

func (m *PropagateConfirmationMessage) MessageKind() int { return MessagePropagateConfirmation }

// NotifyContactOfAcceptedInvitationMessage tells the introduced contact
// that this side accepted, proving knowledge of the introduction with a
// signature over the three identities involved.
type NotifyContactOfAcceptedInvitationMessage struct {
	ContactDeviceUIDs [][]byte
	Signature         []byte
}

func (m *NotifyContactOfAcceptedInvitationMessage) MessageKind() int {
	return MessageNotifyContactOfAcceptedInvitation
}

// PropagateContactNotificationMessage forwards a received acceptance
// notification to the other owned devices.
type PropagateContactNotificationMessage struct {
	ContactDeviceUIDs [][]byte
	Signature         []byte
}

func (m *PropagateContactNotificationMessage) MessageKind() int {
	return MessagePropagateContactNotification
}

// AckMessage closes the flow once both sides hold the new contact.
type AckMessage struct{}

func (m *AckMessage) MessageKind() int { return MessageAck }

// TrustLevelIncreasedMessage is synthesized by a satisfied trust watch,
// never received from the network.
type TrustLevelIncreasedMessage struct {
	Contact []byte
}

func (m *TrustLevelIncreasedMessage) MessageKind() int { return MessageTrustLevelIncreased }

func decodeMessage(kind int, data []byte) (protocol.Message, error) {
	var m protocol.Message
	switch kind {
	case MessageInitial:
		m = new(InitialMessage)
	case MessageMediatorInvitation:
		m = new(MediatorInvitationMessage)
	case MessageAcceptInviteDialogResponse:
		m = new(AcceptInviteDialogResponseMessage)
	case MessagePropagateConfirmation:
		m = new(PropagateConfirmationMessage)
	case MessageNotifyContactOfAcceptedInvitation:
		m = new(NotifyContactOfAcceptedInvitationMessage)
	case MessagePropagateContactNotification:
		m = new(PropagateContactNotificationMessage)
	case MessageAck:
		m = new(AckMessage)
	case MessageTrustLevelIncreased:
		m = new(TrustLevelIncreasedMessage)
	default:
		return nil, fmt.Errorf("introduction: unknown message kind %d", kind)
	}
	if err := cbor.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewIntroduceContactsReceived builds the local trigger that starts the
// mediator side of an introduction, under a fresh instance UID.
func NewIntroduceContactsReceived(owned crypto.Identity, contactA []byte, contactADetails string, contactB []byte, contactBDetails string, r io.Reader) (*protocol.Received, error) {
	uid, err := crypto.NewUID(r)
	if err != nil {
		return nil, err
	}
	return protocol.NewLocalReceived(protocol.KindContactMutualIntroduction, uid, owned, &InitialMessage{
		ContactA:        contactA,
		ContactADetails: contactADetails,
		ContactB:        contactB,
		ContactBDetails: contactBDetails,
	})
}

// NewDialogResponseReceived builds the local trigger carrying a user's
// accept or reject decision for a running instance.
func NewDialogResponseReceived(owned crypto.Identity, instanceUID crypto.UID, dialogID uuid.UUID, accepted bool) (*protocol.Received, error) {
	return protocol.NewLocalReceived(protocol.KindContactMutualIntroduction, instanceUID, owned, &AcceptInviteDialogResponseMessage{
		DialogID: [16]byte(dialogID),
		Accepted: accepted,
	})
}
