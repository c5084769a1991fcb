// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// discovery.go - contact device discovery protocol

// Package discovery implements device discovery for a contact: ask the
// contact's devices for the current device list over an asymmetric
// broadcast, and record every announced device on the reply.  The
// coordinator starts it for contacts with no known device, throttled by
// a per-contact timestamp.
package discovery

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilmesh/veilmesh/channel"
	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/event"
	"github.com/veilmesh/veilmesh/protocol"
)

// State kinds.
const (
	StateInitial = iota
	StateWaitingForReply
	StateDone
	StateCancelled
)

// Message kinds.
const (
	MessageInitial = iota
	MessageRequest
	MessageReply
)

// InitialState is the synthetic start state.
type InitialState struct{}

func (s *InitialState) StateKind() int   { return StateInitial }
func (s *InitialState) IsTerminal() bool { return false }

// WaitingForReplyState waits for the contact's device list.
type WaitingForReplyState struct {
	Contact []byte
}

func (s *WaitingForReplyState) StateKind() int   { return StateWaitingForReply }
func (s *WaitingForReplyState) IsTerminal() bool { return false }

// DoneState is the terminal success state of either side.
type DoneState struct{}

func (s *DoneState) StateKind() int   { return StateDone }
func (s *DoneState) IsTerminal() bool { return true }

// CancelledState is the terminal failure state.
type CancelledState struct{}

func (s *CancelledState) StateKind() int   { return StateCancelled }
func (s *CancelledState) IsTerminal() bool { return true }

// InitialMessage starts a discovery toward one contact.
type InitialMessage struct {
	Contact []byte
}

func (m *InitialMessage) MessageKind() int { return MessageInitial }

// RequestMessage asks the receiving identity for its device list.
type RequestMessage struct{}

func (m *RequestMessage) MessageKind() int { return MessageRequest }

// ReplyMessage announces the sender's current device UIDs.
type ReplyMessage struct {
	DeviceUIDs [][]byte
}

func (m *ReplyMessage) MessageKind() int { return MessageReply }

func decodeState(kind int, data []byte) (protocol.State, error) {
	var s protocol.State
	switch kind {
	case StateInitial:
		s = new(InitialState)
	case StateWaitingForReply:
		s = new(WaitingForReplyState)
	case StateDone:
		s = new(DoneState)
	case StateCancelled:
		s = new(CancelledState)
	default:
		return nil, fmt.Errorf("discovery: unknown state kind %d", kind)
	}
	if err := cbor.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeMessage(kind int, data []byte) (protocol.Message, error) {
	var m protocol.Message
	switch kind {
	case MessageInitial:
		m = new(InitialMessage)
	case MessageRequest:
		m = new(RequestMessage)
	case MessageReply:
		m = new(ReplyMessage)
	default:
		return nil, fmt.Errorf("discovery: unknown message kind %d", kind)
	}
	if err := cbor.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// InstanceUID derives the deterministic instance UID for discovery of
// one contact's devices.
func InstanceUID(owned, contact crypto.Identity) crypto.UID {
	return crypto.DeriveUID("device-discovery", owned, contact)
}

// NewStartReceived builds the local trigger that starts a discovery.
func NewStartReceived(owned, contact crypto.Identity) (*protocol.Received, error) {
	return protocol.NewLocalReceived(protocol.KindDeviceDiscovery, InstanceUID(owned, contact), owned, &InitialMessage{
		Contact: contact,
	})
}

// Descriptor returns the protocol descriptor registered with the engine.
func Descriptor() *protocol.Descriptor {
	return &protocol.Descriptor{
		Kind: protocol.KindDeviceDiscovery,
		Name: "discovery",
		InitialMessageKinds: map[int]bool{
			MessageInitial: true,
			MessageRequest: true,
		},
		InitialState:   func() protocol.State { return new(InitialState) },
		CancelledState: func() protocol.State { return new(CancelledState) },
		DecodeState:    decodeState,
		DecodeMessage:  decodeMessage,
		StatePrototypes: func() []protocol.State {
			return []protocol.State{
				new(InitialState),
				new(WaitingForReplyState),
				new(DoneState),
				new(CancelledState),
			}
		},
		Steps: map[protocol.StepKey]*protocol.Step{
			{StateKind: StateInitial, MessageKind: MessageInitial}: {
				Name:        "StartDiscovery",
				Expectation: channel.Local(),
				Run:         startDiscovery,
			},
			{StateKind: StateInitial, MessageKind: MessageRequest}: {
				Name:        "ProcessRequest",
				Expectation: channel.AsymmetricChannel(),
				Run:         processRequest,
			},
			{StateKind: StateWaitingForReply, MessageKind: MessageReply}: {
				Name:        "ProcessReply",
				Expectation: channel.AsymmetricChannel(),
				Run:         processReply,
			},
		},
	}
}

func startDiscovery(ctx *protocol.StepContext) (protocol.State, error) {
	msg := ctx.Message.(*InitialMessage)

	isContact, err := ctx.Identities.IsContact(ctx.Tx, ctx.Owned, msg.Contact)
	if err != nil {
		return nil, err
	}
	if !isContact {
		return nil, fmt.Errorf("discovery: %v is not a contact", crypto.Identity(msg.Contact))
	}
	err = ctx.Send(new(RequestMessage), channel.Target{
		Kind:   channel.TargetAsymmetricBroadcast,
		Owned:  ctx.Owned,
		Remote: msg.Contact,
	})
	if err != nil {
		return nil, err
	}
	return &WaitingForReplyState{Contact: msg.Contact}, nil
}

func processRequest(ctx *protocol.StepContext) (protocol.State, error) {
	sender := ctx.Provenance.RemoteIdentity

	devices, err := ctx.Identities.GetDevices(ctx.Tx, ctx.Owned, ctx.Owned)
	if err != nil {
		return nil, err
	}
	uids := make([][]byte, 0, len(devices))
	for _, d := range devices {
		uids = append(uids, d.Bytes())
	}
	err = ctx.Send(&ReplyMessage{DeviceUIDs: uids}, channel.Target{
		Kind:   channel.TargetAsymmetricBroadcast,
		Owned:  ctx.Owned,
		Remote: sender,
	})
	if err != nil {
		return nil, err
	}
	return new(DoneState), nil
}

func processReply(ctx *protocol.StepContext) (protocol.State, error) {
	st := ctx.State.(*WaitingForReplyState)
	msg := ctx.Message.(*ReplyMessage)

	sender := ctx.Provenance.RemoteIdentity
	if !sender.Equal(st.Contact) {
		return nil, fmt.Errorf("discovery: reply from %v, expected %v", sender, crypto.Identity(st.Contact))
	}
	known, err := ctx.Identities.GetDevices(ctx.Tx, ctx.Owned, sender)
	if err != nil {
		return nil, err
	}
	seen := make(map[crypto.UID]bool, len(known))
	for _, d := range known {
		seen[d] = true
	}
	for _, b := range msg.DeviceUIDs {
		uid, err := crypto.UIDFromBytes(b)
		if err != nil {
			return nil, err
		}
		if err := ctx.Identities.AddDevice(ctx.Tx, ctx.Owned, sender, uid); err != nil {
			return nil, err
		}
		if !seen[uid] {
			// A freshly learned device: the coordinator reacts with a
			// channel creation once the step commits.
			ctx.Notify(&event.NewContactDeviceEvent{
				Owned:     ctx.Owned,
				Contact:   sender,
				DeviceUID: uid,
			})
		}
	}
	return new(DoneState), nil
}
