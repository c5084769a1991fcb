// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// channel.go - channel kinds, provenance and expectations

// Package channel describes the kinds of channels protocol messages
// travel on, and the expectation predicates steps use to authorize a
// state transition based on where a message actually came from.  The
// package carries no transport: delivery is owned by whatever sits
// beneath the Poster interface.
package channel

import (
	"github.com/google/uuid"

	"github.com/veilmesh/veilmesh/core/crypto"
)

// Kind enumerates the channel kinds a message can be received on.
type Kind uint8

const (
	// KindLocal marks a message that originated from this device's own
	// protocol logic, never from the network.
	KindLocal Kind = iota

	// KindObliviousChannel marks a message delivered over an established
	// secure channel from a remote device.
	KindObliviousChannel

	// KindAsymmetric marks a message delivered using public key
	// encryption directly, bypassing any pre-established channel.
	KindAsymmetric

	// KindUserInterface marks a user's response to a dialog.  It is not a
	// network channel at all.
	KindUserInterface
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "Local"
	case KindObliviousChannel:
		return "ObliviousChannel"
	case KindAsymmetric:
		return "AsymmetricChannel"
	case KindUserInterface:
		return "UserInterface"
	default:
		return "Unknown"
	}
}

// Provenance records which channel kind actually delivered a message,
// and the remote party it arrived from when applicable.
type Provenance struct {
	Kind Kind

	// RemoteIdentity is the sender for oblivious and asymmetric
	// deliveries.
	RemoteIdentity crypto.Identity

	// RemoteDeviceUID is the sending device for oblivious deliveries.
	RemoteDeviceUID crypto.UID

	// RemoteDeviceIsOwned is true when the sending device belongs to the
	// receiving owned identity itself (multi-device propagation).
	RemoteDeviceIsOwned bool

	// DialogID ties a user interface response to the dialog it answers.
	DialogID uuid.UUID
}

// LocalProvenance returns the provenance of a loopback message.
func LocalProvenance() Provenance {
	return Provenance{Kind: KindLocal}
}

// Expectation is the channel predicate a step declares for its inbound
// message.  A message whose provenance is not accepted must be dropped
// without executing the step.
type Expectation struct {
	kind              Kind
	requireOwnedPeer  bool
	requireRemotePeer bool
}

// Local expects a loopback message from this device's own protocol logic.
func Local() Expectation {
	return Expectation{kind: KindLocal}
}

// AnyObliviousChannel expects delivery over an established secure channel
// from any contact device of the receiving owned identity.
func AnyObliviousChannel() Expectation {
	return Expectation{kind: KindObliviousChannel, requireRemotePeer: true}
}

// AnyObliviousChannelWithOwnedDevice expects delivery from another device
// of the same owned identity.
func AnyObliviousChannelWithOwnedDevice() Expectation {
	return Expectation{kind: KindObliviousChannel, requireOwnedPeer: true}
}

// AsymmetricChannel expects direct public key encrypted delivery.
func AsymmetricChannel() Expectation {
	return Expectation{kind: KindAsymmetric}
}

// UserInterface expects a dialog response from the local user.
func UserInterface() Expectation {
	return Expectation{kind: KindUserInterface}
}

// Accepts reports whether the given provenance satisfies the expectation.
func (e Expectation) Accepts(p *Provenance) bool {
	if p.Kind != e.kind {
		return false
	}
	if e.requireOwnedPeer && !p.RemoteDeviceIsOwned {
		return false
	}
	if e.requireRemotePeer && p.RemoteDeviceIsOwned {
		return false
	}
	return true
}
