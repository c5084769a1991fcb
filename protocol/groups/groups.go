// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// groups.go - group management protocol

// Package groups implements the group maintenance flows the coordinator
// triggers when a channel with a contact is confirmed: resending group
// key material for shared groups, re-inviting pending and confirmed
// members of owned groups, and requesting current key material for
// groups owned by the contact.  Each flow is one local trigger step that
// posts over the established channels, plus the receiving side that
// updates the group records.
package groups

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilmesh/veilmesh/channel"
	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/identity"
	"github.com/veilmesh/veilmesh/protocol"
)

// State kinds.
const (
	StateInitial = iota
	StateDone
	StateCancelled
)

// Message kinds.  The local triggers and the remote receivals are all
// initial kinds: every group maintenance flow is a single-step instance.
const (
	MessageResendKeys = iota
	MessageReinvite
	MessageRequestMembership
	MessageGroupKeys
	MessageGroupInvite
	MessageMembershipRequest
)

// InitialState is the synthetic start state.
type InitialState struct{}

func (s *InitialState) StateKind() int   { return StateInitial }
func (s *InitialState) IsTerminal() bool { return false }

// DoneState is the terminal success state.
type DoneState struct{}

func (s *DoneState) StateKind() int   { return StateDone }
func (s *DoneState) IsTerminal() bool { return true }

// CancelledState is the terminal failure state.
type CancelledState struct{}

func (s *CancelledState) StateKind() int   { return StateCancelled }
func (s *CancelledState) IsTerminal() bool { return true }

// ResendKeysMessage locally triggers a key material resend for one owned
// group to one confirmed member.
type ResendKeysMessage struct {
	GroupUID []byte
	Version  identity.GroupVersion
	Member   []byte
}

func (m *ResendKeysMessage) MessageKind() int { return MessageResendKeys }

// ReinviteMessage locally triggers a fresh invitation for one owned
// group to one pending or confirmed member.
type ReinviteMessage struct {
	GroupUID []byte
	Version  identity.GroupVersion
	Member   []byte
}

func (m *ReinviteMessage) MessageKind() int { return MessageReinvite }

// RequestMembershipMessage locally triggers a key material request for a
// group owned by a contact.
type RequestMembershipMessage struct {
	Owner    []byte
	GroupUID []byte
	Version  identity.GroupVersion
}

func (m *RequestMembershipMessage) MessageKind() int { return MessageRequestMembership }

// GroupKeysMessage carries current key material for a group the sender
// owns.
type GroupKeysMessage struct {
	GroupUID []byte
	Version  identity.GroupVersion
}

func (m *GroupKeysMessage) MessageKind() int { return MessageGroupKeys }

// GroupInviteMessage invites the receiver into a group the sender owns.
type GroupInviteMessage struct {
	GroupUID []byte
	Version  identity.GroupVersion
}

func (m *GroupInviteMessage) MessageKind() int { return MessageGroupInvite }

// MembershipRequestMessage asks the owner of a group for current key
// material.
type MembershipRequestMessage struct {
	GroupUID []byte
	Version  identity.GroupVersion
}

func (m *MembershipRequestMessage) MessageKind() int { return MessageMembershipRequest }

func decodeState(kind int, data []byte) (protocol.State, error) {
	var s protocol.State
	switch kind {
	case StateInitial:
		s = new(InitialState)
	case StateDone:
		s = new(DoneState)
	case StateCancelled:
		s = new(CancelledState)
	default:
		return nil, fmt.Errorf("groups: unknown state kind %d", kind)
	}
	if err := cbor.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeMessage(kind int, data []byte) (protocol.Message, error) {
	var m protocol.Message
	switch kind {
	case MessageResendKeys:
		m = new(ResendKeysMessage)
	case MessageReinvite:
		m = new(ReinviteMessage)
	case MessageRequestMembership:
		m = new(RequestMembershipMessage)
	case MessageGroupKeys:
		m = new(GroupKeysMessage)
	case MessageGroupInvite:
		m = new(GroupInviteMessage)
	case MessageMembershipRequest:
		m = new(MembershipRequestMessage)
	default:
		return nil, fmt.Errorf("groups: unknown message kind %d", kind)
	}
	if err := cbor.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// InstanceUID derives a deterministic instance UID for one group
// maintenance flow toward one remote identity.
func InstanceUID(owned crypto.Identity, groupUID []byte, remote crypto.Identity) crypto.UID {
	return crypto.DeriveUID("group-management", owned, groupUID, remote)
}

// NewLocalTrigger builds the local trigger for one group maintenance
// message, with its deterministic instance UID.
func NewLocalTrigger(owned crypto.Identity, groupUID []byte, remote crypto.Identity, msg protocol.Message) (*protocol.Received, error) {
	return protocol.NewLocalReceived(protocol.KindGroupManagement, InstanceUID(owned, groupUID, remote), owned, msg)
}

// Descriptor returns the protocol descriptor registered with the engine.
func Descriptor() *protocol.Descriptor {
	return &protocol.Descriptor{
		Kind: protocol.KindGroupManagement,
		Name: "groups",
		InitialMessageKinds: map[int]bool{
			MessageResendKeys:        true,
			MessageReinvite:          true,
			MessageRequestMembership: true,
			MessageGroupKeys:         true,
			MessageGroupInvite:       true,
			MessageMembershipRequest: true,
		},
		InitialState:   func() protocol.State { return new(InitialState) },
		CancelledState: func() protocol.State { return new(CancelledState) },
		DecodeState:    decodeState,
		DecodeMessage:  decodeMessage,
		StatePrototypes: func() []protocol.State {
			return []protocol.State{
				new(InitialState),
				new(DoneState),
				new(CancelledState),
			}
		},
		Steps: map[protocol.StepKey]*protocol.Step{
			{StateKind: StateInitial, MessageKind: MessageResendKeys}: {
				Name:        "SendGroupKeys",
				Expectation: channel.Local(),
				Run:         sendGroupKeys,
			},
			{StateKind: StateInitial, MessageKind: MessageReinvite}: {
				Name:        "SendGroupInvite",
				Expectation: channel.Local(),
				Run:         sendGroupInvite,
			},
			{StateKind: StateInitial, MessageKind: MessageRequestMembership}: {
				Name:        "SendMembershipRequest",
				Expectation: channel.Local(),
				Run:         sendMembershipRequest,
			},
			{StateKind: StateInitial, MessageKind: MessageGroupKeys}: {
				Name:        "ProcessGroupKeys",
				Expectation: channel.AnyObliviousChannel(),
				Run:         processGroupKeys,
			},
			{StateKind: StateInitial, MessageKind: MessageGroupInvite}: {
				Name:        "ProcessGroupInvite",
				Expectation: channel.AnyObliviousChannel(),
				Run:         processGroupInvite,
			},
			{StateKind: StateInitial, MessageKind: MessageMembershipRequest}: {
				Name:        "ProcessMembershipRequest",
				Expectation: channel.AnyObliviousChannel(),
				Run:         processMembershipRequest,
			},
		},
	}
}

func sendGroupKeys(ctx *protocol.StepContext) (protocol.State, error) {
	msg := ctx.Message.(*ResendKeysMessage)
	err := ctx.Send(&GroupKeysMessage{GroupUID: msg.GroupUID, Version: msg.Version}, channel.Target{
		Kind:   channel.TargetAllObliviousChannelsWithContact,
		Owned:  ctx.Owned,
		Remote: msg.Member,
	})
	if err != nil {
		return nil, err
	}
	return new(DoneState), nil
}

func sendGroupInvite(ctx *protocol.StepContext) (protocol.State, error) {
	msg := ctx.Message.(*ReinviteMessage)
	err := ctx.Send(&GroupInviteMessage{GroupUID: msg.GroupUID, Version: msg.Version}, channel.Target{
		Kind:   channel.TargetAllObliviousChannelsWithContact,
		Owned:  ctx.Owned,
		Remote: msg.Member,
	})
	if err != nil {
		return nil, err
	}
	return new(DoneState), nil
}

func sendMembershipRequest(ctx *protocol.StepContext) (protocol.State, error) {
	msg := ctx.Message.(*RequestMembershipMessage)
	err := ctx.Send(&MembershipRequestMessage{GroupUID: msg.GroupUID, Version: msg.Version}, channel.Target{
		Kind:   channel.TargetAllObliviousChannelsWithContact,
		Owned:  ctx.Owned,
		Remote: msg.Owner,
	})
	if err != nil {
		return nil, err
	}
	return new(DoneState), nil
}

// processGroupKeys records (or refreshes) the joined group the sender
// owns and sent key material for.
func processGroupKeys(ctx *protocol.StepContext) (protocol.State, error) {
	msg := ctx.Message.(*GroupKeysMessage)
	sender := ctx.Provenance.RemoteIdentity

	err := ctx.Identities.PutJoinedGroup(ctx.Tx, &identity.JoinedGroupRecord{
		Owned:    ctx.Owned,
		Owner:    sender,
		GroupUID: msg.GroupUID,
		Version:  msg.Version,
	})
	if err != nil {
		return nil, err
	}
	return new(DoneState), nil
}

// processGroupInvite accepts a re-invitation by recording the joined
// group and asking the owner for current key material.
func processGroupInvite(ctx *protocol.StepContext) (protocol.State, error) {
	msg := ctx.Message.(*GroupInviteMessage)
	sender := ctx.Provenance.RemoteIdentity

	err := ctx.Identities.PutJoinedGroup(ctx.Tx, &identity.JoinedGroupRecord{
		Owned:    ctx.Owned,
		Owner:    sender,
		GroupUID: msg.GroupUID,
		Version:  msg.Version,
	})
	if err != nil {
		return nil, err
	}
	err = ctx.Send(&MembershipRequestMessage{GroupUID: msg.GroupUID, Version: msg.Version}, channel.Target{
		Kind:   channel.TargetAllObliviousChannelsWithContact,
		Owned:  ctx.Owned,
		Remote: sender,
	})
	if err != nil {
		return nil, err
	}
	return new(DoneState), nil
}

// processMembershipRequest answers a member's key material request for a
// group this identity owns.  Requests for unknown groups or from
// non-members are answered with nothing.
func processMembershipRequest(ctx *protocol.StepContext) (protocol.State, error) {
	msg := ctx.Message.(*MembershipRequestMessage)
	sender := ctx.Provenance.RemoteIdentity

	pending, confirmed, err := ctx.Identities.OwnedGroupsWithMember(ctx.Tx, ctx.Owned, sender)
	if err != nil {
		return nil, err
	}
	for _, rec := range append(pending, confirmed...) {
		uid, err := crypto.UIDFromBytes(rec.GroupUID)
		if err != nil {
			return nil, err
		}
		reqUID, err := crypto.UIDFromBytes(msg.GroupUID)
		if err != nil {
			return nil, err
		}
		if uid != reqUID {
			continue
		}
		err = ctx.Send(&GroupKeysMessage{GroupUID: rec.GroupUID, Version: rec.Version}, channel.Target{
			Kind:   channel.TargetAllObliviousChannelsWithContact,
			Owned:  ctx.Owned,
			Remote: sender,
		})
		if err != nil {
			return nil, err
		}
		break
	}
	return new(DoneState), nil
}
