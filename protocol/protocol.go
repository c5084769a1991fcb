// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// protocol.go - protocol kinds, states, messages and descriptors

// Package protocol implements the generic protocol execution engine:
// per-kind descriptors holding a typed state/message/step triad, step
// lookup by (current state kind, message kind), and the persisted,
// resumable protocol instance lifecycle.  The engine never inspects
// state contents, only the kind tag used for step lookup.
package protocol

import (
	"errors"
	"fmt"

	"github.com/veilmesh/veilmesh/channel"
)

// Kind identifies one protocol.
type Kind uint32

const (
	// KindContactMutualIntroduction is the two-sided introduction by a
	// mediator.
	KindContactMutualIntroduction Kind = 1

	// KindChannelCreation establishes an oblivious channel with a
	// contact device or another owned device.
	KindChannelCreation Kind = 2

	// KindDeviceDiscovery asks a contact for its current device list.
	KindDeviceDiscovery Kind = 3

	// KindGroupManagement carries group key material resends, re-invites
	// and membership requests.
	KindGroupManagement Kind = 4
)

var (
	// ErrNoMatchingInstance is returned when no protocol instance exists
	// and the message cannot start one.
	ErrNoMatchingInstance = errors.New("protocol: no matching protocol instance")

	// ErrNoApplicableStep is returned when no step is registered for the
	// (state kind, message kind) pair.  The message is dropped; this is
	// the expected fate of duplicate and late messages.
	ErrNoApplicableStep = errors.New("protocol: no applicable step")

	// ErrChannelMismatch is returned when a message arrived on a channel
	// kind the matched step does not expect.  The message is dropped so
	// a forged or reordered message cannot force a transition.
	ErrChannelMismatch = errors.New("protocol: reception channel mismatch")

	// ErrUnknownProtocol is returned for a message naming an
	// unregistered protocol kind.
	ErrUnknownProtocol = errors.New("protocol: unknown protocol kind")
)

// State is one concrete protocol state.  Each protocol kind declares a
// closed set of state variants; the engine only ever looks at the kind
// tag and the terminal flag.
type State interface {
	// StateKind returns the kind tag used for step lookup.
	StateKind() int

	// IsTerminal reports whether reaching this state frees the
	// instance.
	IsTerminal() bool
}

// Message is one concrete protocol message.
type Message interface {
	// MessageKind returns the kind tag used for step lookup.
	MessageKind() int
}

// StepKey is the (current state kind, inbound message kind) pair a step
// is registered under.  Exactly one step may be registered per key
// within one protocol kind.
type StepKey struct {
	StateKind   int
	MessageKind int
}

// Step is the unique handler for one StepKey.
type Step struct {
	// Name is used for logging only.
	Name string

	// Expectation is the channel predicate the inbound message's
	// provenance must satisfy before the step runs.
	Expectation channel.Expectation

	// Run executes the step inside the transactional unit of work and
	// returns the next state.  Returning an error, or a nil state,
	// cancels the owning instance.
	Run func(ctx *StepContext) (State, error)
}

// Descriptor declares one protocol kind to the engine.
type Descriptor struct {
	Kind Kind
	Name string

	// InitialMessageKinds are the message kinds allowed to create a
	// fresh instance in the synthetic initial state.
	InitialMessageKinds map[int]bool

	// InitialState constructs the synthetic, non-terminal start state.
	InitialState func() State

	// CancelledState constructs the terminal cancelled state every
	// non-terminal state can fall back to.
	CancelledState func() State

	// DecodeState rebuilds a state variant from its kind tag and
	// encoded blob.
	DecodeState func(kind int, data []byte) (State, error)

	// DecodeMessage rebuilds a message variant from its kind tag and
	// encoded payload.
	DecodeMessage func(kind int, data []byte) (Message, error)

	// StatePrototypes enumerates every declared state variant, for the
	// startup self check.
	StatePrototypes func() []State

	// Steps is the step table.
	Steps map[StepKey]*Step
}

// Validate performs the startup self check of one descriptor: the
// initial state is non-terminal, a cancelled state exists and is
// terminal, and every declared non-terminal state has at least one
// registered step.  Step uniqueness per (state, message) pair is a
// property of the map type itself.
func (d *Descriptor) Validate() error {
	if d.InitialState == nil || d.CancelledState == nil || d.DecodeState == nil || d.DecodeMessage == nil {
		return fmt.Errorf("protocol: %s: descriptor is missing a constructor", d.Name)
	}
	if len(d.InitialMessageKinds) == 0 {
		return fmt.Errorf("protocol: %s: no initial message kind declared", d.Name)
	}
	if d.InitialState().IsTerminal() {
		return fmt.Errorf("protocol: %s: initial state must not be terminal", d.Name)
	}
	if !d.CancelledState().IsTerminal() {
		return fmt.Errorf("protocol: %s: cancelled state must be terminal", d.Name)
	}
	if d.StatePrototypes == nil {
		return fmt.Errorf("protocol: %s: no state prototypes declared", d.Name)
	}
	for _, s := range d.StatePrototypes() {
		if s.IsTerminal() {
			continue
		}
		found := false
		for key := range d.Steps {
			if key.StateKind == s.StateKind() {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("protocol: %s: non-terminal state kind %d has no registered step", d.Name, s.StateKind())
		}
	}
	return nil
}

// step returns the unique step for the pair, or nil.
func (d *Descriptor) step(stateKind, messageKind int) *Step {
	return d.Steps[StepKey{StateKind: stateKind, MessageKind: messageKind}]
}
