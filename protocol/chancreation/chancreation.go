// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// chancreation.go - oblivious channel creation protocol

// Package chancreation implements channel establishment with a single
// remote device, owned or a contact's: the initiator pings the device
// over an asymmetric channel, the responder records the channel and
// pongs back, and the initiator records its own end on the pong.
// Instance UIDs are derived from the device pair so the coordinator's
// bootstrap passes can restart the protocol idempotently.
package chancreation

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilmesh/veilmesh/channel"
	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/event"
	"github.com/veilmesh/veilmesh/protocol"
	"github.com/veilmesh/veilmesh/store"
)

// State kinds.
const (
	StateInitial = iota
	StatePingSent
	StateDone
	StateCancelled
)

// Message kinds.
const (
	MessageInitial = iota
	MessagePing
	MessagePong
)

// InitialState is the synthetic start state.
type InitialState struct{}

func (s *InitialState) StateKind() int   { return StateInitial }
func (s *InitialState) IsTerminal() bool { return false }

// PingSentState waits for the remote device's pong.
type PingSentState struct {
	Remote          []byte
	RemoteDeviceUID []byte
}

func (s *PingSentState) StateKind() int   { return StatePingSent }
func (s *PingSentState) IsTerminal() bool { return false }

// DoneState is the terminal success state of either side.
type DoneState struct{}

func (s *DoneState) StateKind() int   { return StateDone }
func (s *DoneState) IsTerminal() bool { return true }

// CancelledState is the terminal failure state.
type CancelledState struct{}

func (s *CancelledState) StateKind() int   { return StateCancelled }
func (s *CancelledState) IsTerminal() bool { return true }

// InitialMessage starts the initiator side toward one remote device.
type InitialMessage struct {
	Remote              []byte
	RemoteDeviceUID     []byte
	RemoteIsOwnedDevice bool
}

func (m *InitialMessage) MessageKind() int { return MessageInitial }

// PingMessage asks the remote device to establish a channel.
type PingMessage struct {
	FromDeviceUID []byte
}

func (m *PingMessage) MessageKind() int { return MessagePing }

// PongMessage confirms the responder recorded its end of the channel.
type PongMessage struct {
	FromDeviceUID []byte
}

func (m *PongMessage) MessageKind() int { return MessagePong }

func decodeState(kind int, data []byte) (protocol.State, error) {
	var s protocol.State
	switch kind {
	case StateInitial:
		s = new(InitialState)
	case StatePingSent:
		s = new(PingSentState)
	case StateDone:
		s = new(DoneState)
	case StateCancelled:
		s = new(CancelledState)
	default:
		return nil, fmt.Errorf("chancreation: unknown state kind %d", kind)
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
	case MessagePing:
		m = new(PingMessage)
	case MessagePong:
		m = new(PongMessage)
	default:
		return nil, fmt.Errorf("chancreation: unknown message kind %d", kind)
	}
	if err := cbor.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// InstanceUID derives the deterministic instance UID for channel
// creation between the owned identity and one remote device, so a
// restarted bootstrap joins the running instance instead of forking a
// second one.
func InstanceUID(owned crypto.Identity, remote crypto.Identity, remoteDevice crypto.UID) crypto.UID {
	return crypto.DeriveUID("channel-creation", owned, remote, remoteDevice.Bytes())
}

// NewStartReceived builds the local trigger that starts channel creation
// with one remote device.
func NewStartReceived(owned crypto.Identity, remote crypto.Identity, remoteDevice crypto.UID, remoteIsOwned bool) (*protocol.Received, error) {
	return protocol.NewLocalReceived(protocol.KindChannelCreation, InstanceUID(owned, remote, remoteDevice), owned, &InitialMessage{
		Remote:              remote,
		RemoteDeviceUID:     remoteDevice.Bytes(),
		RemoteIsOwnedDevice: remoteIsOwned,
	})
}

// TargetedDeviceUIDs extracts the remote device UIDs of running
// channel creation instances, for the coordinator's device pruning pass.
func TargetedDeviceUIDs(records []*store.InstanceRecord) (map[crypto.UID]bool, error) {
	out := make(map[crypto.UID]bool)
	for _, rec := range records {
		if rec.StateKind != StatePingSent {
			continue
		}
		st := new(PingSentState)
		if err := cbor.Unmarshal(rec.State, st); err != nil {
			return nil, err
		}
		uid, err := crypto.UIDFromBytes(st.RemoteDeviceUID)
		if err != nil {
			return nil, err
		}
		out[uid] = true
	}
	return out, nil
}

// Descriptor returns the protocol descriptor registered with the engine.
func Descriptor() *protocol.Descriptor {
	return &protocol.Descriptor{
		Kind: protocol.KindChannelCreation,
		Name: "chancreation",
		InitialMessageKinds: map[int]bool{
			MessageInitial: true,
			MessagePing:    true,
		},
		InitialState:   func() protocol.State { return new(InitialState) },
		CancelledState: func() protocol.State { return new(CancelledState) },
		DecodeState:    decodeState,
		DecodeMessage:  decodeMessage,
		StatePrototypes: func() []protocol.State {
			return []protocol.State{
				new(InitialState),
				new(PingSentState),
				new(DoneState),
				new(CancelledState),
			}
		},
		Steps: map[protocol.StepKey]*protocol.Step{
			{StateKind: StateInitial, MessageKind: MessageInitial}: {
				Name:        "SendPing",
				Expectation: channel.Local(),
				Run:         sendPing,
			},
			{StateKind: StateInitial, MessageKind: MessagePing}: {
				Name:        "ProcessPing",
				Expectation: channel.AsymmetricChannel(),
				Run:         processPing,
			},
			{StateKind: StatePingSent, MessageKind: MessagePong}: {
				Name:        "ProcessPong",
				Expectation: channel.AsymmetricChannel(),
				Run:         processPong,
			},
		},
	}
}

func sendPing(ctx *protocol.StepContext) (protocol.State, error) {
	msg := ctx.Message.(*InitialMessage)

	current, err := ctx.Identities.CurrentDeviceUID(ctx.Tx, ctx.Owned)
	if err != nil {
		return nil, err
	}
	remoteDevice, err := crypto.UIDFromBytes(msg.RemoteDeviceUID)
	if err != nil {
		return nil, err
	}
	err = ctx.Send(&PingMessage{FromDeviceUID: current.Bytes()}, channel.Target{
		Kind:             channel.TargetAsymmetric,
		Owned:            ctx.Owned,
		Remote:           msg.Remote,
		RemoteDeviceUIDs: []crypto.UID{remoteDevice},
	})
	if err != nil {
		return nil, err
	}
	return &PingSentState{
		Remote:          msg.Remote,
		RemoteDeviceUID: msg.RemoteDeviceUID,
	}, nil
}

func processPing(ctx *protocol.StepContext) (protocol.State, error) {
	msg := ctx.Message.(*PingMessage)
	remote := ctx.Provenance.RemoteIdentity

	remoteDevice, err := crypto.UIDFromBytes(msg.FromDeviceUID)
	if err != nil {
		return nil, err
	}
	current, err := recordChannel(ctx, remote, remoteDevice)
	if err != nil {
		return nil, err
	}
	err = ctx.Send(&PongMessage{FromDeviceUID: current.Bytes()}, channel.Target{
		Kind:             channel.TargetAsymmetric,
		Owned:            ctx.Owned,
		Remote:           remote,
		RemoteDeviceUIDs: []crypto.UID{remoteDevice},
	})
	if err != nil {
		return nil, err
	}
	return new(DoneState), nil
}

func processPong(ctx *protocol.StepContext) (protocol.State, error) {
	st := ctx.State.(*PingSentState)
	msg := ctx.Message.(*PongMessage)

	sender := ctx.Provenance.RemoteIdentity
	if !sender.Equal(st.Remote) {
		return nil, fmt.Errorf("chancreation: pong from %v, expected %v", sender, crypto.Identity(st.Remote))
	}
	remoteDevice, err := crypto.UIDFromBytes(msg.FromDeviceUID)
	if err != nil {
		return nil, err
	}
	if _, err := recordChannel(ctx, sender, remoteDevice); err != nil {
		return nil, err
	}
	return new(DoneState), nil
}

// recordChannel persists the confirmed channel record and makes sure the
// remote device is known to the identity store, so the bootstrap's
// channel/device set subtraction sees a consistent pair.  The confirmed
// channel and any newly learned contact device are announced to the
// event sink once the step commits.
func recordChannel(ctx *protocol.StepContext, remote crypto.Identity, remoteDevice crypto.UID) (crypto.UID, error) {
	current, err := ctx.Identities.CurrentDeviceUID(ctx.Tx, ctx.Owned)
	if err != nil {
		return crypto.UID{}, err
	}
	remoteIsOwned := remote.Equal(ctx.Owned)
	if !remoteIsOwned {
		known, err := ctx.Identities.GetDevices(ctx.Tx, ctx.Owned, remote)
		if err != nil {
			return crypto.UID{}, err
		}
		seen := false
		for _, d := range known {
			if d == remoteDevice {
				seen = true
				break
			}
		}
		if !seen {
			ctx.Notify(&event.NewContactDeviceEvent{
				Owned:                    ctx.Owned,
				Contact:                  remote,
				DeviceUID:                remoteDevice,
				CreatedByChannelCreation: true,
			})
		}
	}
	if err := ctx.Identities.AddDevice(ctx.Tx, ctx.Owned, remote, remoteDevice); err != nil {
		return crypto.UID{}, err
	}
	err = store.PutChannel(ctx.Tx, &store.ChannelRecord{
		CurrentDeviceUID: current.Bytes(),
		RemoteIdentity:   remote,
		RemoteDeviceUID:  remoteDevice.Bytes(),
		Confirmed:        true,
	})
	if err != nil {
		return crypto.UID{}, err
	}
	ctx.Notify(&event.NewConfirmedChannelEvent{
		Owned:           ctx.Owned,
		Remote:          remote,
		RemoteDeviceUID: remoteDevice,
		RemoteIsOwned:   remoteIsOwned,
	})
	return current, nil
}
