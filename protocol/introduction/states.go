// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// states.go - contact mutual introduction states

// Package introduction implements the contact mutual introduction
// protocol: a mediator who trusts two of her contacts introduces them to
// each other, and each side runs a trust-gated accept flow ending in
// mutual trust, with multi-device propagation and signed acceptance
// notifications.
package introduction

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilmesh/veilmesh/protocol"
)

// State kinds.
const (
	StateInitial = iota
	StateContactsIntroduced
	StateInvitationReceived
	StateInvitationAccepted
	StateInvitationRejected
	StateWaitingForAck
	StateMutualTrustEstablished
	StateCancelled
)

// AcceptType records how an invitation was accepted; it selects the
// final confirmation dialog and nothing else.
type AcceptType uint8

const (
	// AcceptAlreadyTrusted: the introduced contact was already trusted,
	// no dialog is shown at the end.
	AcceptAlreadyTrusted AcceptType = 1

	// AcceptAutomatic: the mediator's trust level allowed auto-accept.
	AcceptAutomatic AcceptType = 2

	// AcceptManual: the user accepted through a dialog.
	AcceptManual AcceptType = 3
)

// InitialState is the synthetic start state of both sides.
type InitialState struct{}

func (s *InitialState) StateKind() int   { return StateInitial }
func (s *InitialState) IsTerminal() bool { return false }

// ContactsIntroducedState is the mediator's terminal success state.
type ContactsIntroducedState struct{}

func (s *ContactsIntroducedState) StateKind() int   { return StateContactsIntroduced }
func (s *ContactsIntroducedState) IsTerminal() bool { return true }

// InvitationReceivedState: a dialog (or an informative prompt) is shown
// and trust watches are armed; the flow waits on the user or on a trust
// increase.
type InvitationReceivedState struct {
	Contact        []byte
	ContactDetails string
	Mediator       []byte
	DialogID       [16]byte
}

func (s *InvitationReceivedState) StateKind() int   { return StateInvitationReceived }
func (s *InvitationReceivedState) IsTerminal() bool { return false }

// InvitationAcceptedState: the acceptance notification was signed and
// sent; the flow waits for the contact's own notification.
type InvitationAcceptedState struct {
	Contact        []byte
	ContactDetails string
	Mediator       []byte
	DialogID       [16]byte
	AcceptType     AcceptType
}

func (s *InvitationAcceptedState) StateKind() int   { return StateInvitationAccepted }
func (s *InvitationAcceptedState) IsTerminal() bool { return false }

// InvitationRejectedState is the terminal state of a rejected
// introduction.
type InvitationRejectedState struct{}

func (s *InvitationRejectedState) StateKind() int   { return StateInvitationRejected }
func (s *InvitationRejectedState) IsTerminal() bool { return true }

// WaitingForAckState: the contact and her devices were admitted to the
// identity store; the flow waits for the contact's ack.
type WaitingForAckState struct {
	Contact        []byte
	ContactDetails string
	Mediator       []byte
	DialogID       [16]byte
	AcceptType     AcceptType
}

func (s *WaitingForAckState) StateKind() int   { return StateWaitingForAck }
func (s *WaitingForAckState) IsTerminal() bool { return false }

// MutualTrustEstablishedState is the terminal success state of each
// introduced side.
type MutualTrustEstablishedState struct{}

func (s *MutualTrustEstablishedState) StateKind() int   { return StateMutualTrustEstablished }
func (s *MutualTrustEstablishedState) IsTerminal() bool { return true }

// CancelledState is reachable from every non-terminal state.
type CancelledState struct{}

func (s *CancelledState) StateKind() int   { return StateCancelled }
func (s *CancelledState) IsTerminal() bool { return true }

func decodeState(kind int, data []byte) (protocol.State, error) {
	var s protocol.State
	switch kind {
	case StateInitial:
		s = new(InitialState)
	case StateContactsIntroduced:
		s = new(ContactsIntroducedState)
	case StateInvitationReceived:
		s = new(InvitationReceivedState)
	case StateInvitationAccepted:
		s = new(InvitationAcceptedState)
	case StateInvitationRejected:
		s = new(InvitationRejectedState)
	case StateWaitingForAck:
		s = new(WaitingForAckState)
	case StateMutualTrustEstablished:
		s = new(MutualTrustEstablishedState)
	case StateCancelled:
		s = new(CancelledState)
	default:
		return nil, fmt.Errorf("introduction: unknown state kind %d", kind)
	}
	if err := cbor.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func statePrototypes() []protocol.State {
	return []protocol.State{
		new(InitialState),
		new(ContactsIntroducedState),
		new(InvitationReceivedState),
		new(InvitationAcceptedState),
		new(InvitationRejectedState),
		new(WaitingForAckState),
		new(MutualTrustEstablishedState),
		new(CancelledState),
	}
}
