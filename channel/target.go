// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// target.go - outbound send targets

package channel

import (
	"github.com/google/uuid"

	"github.com/veilmesh/veilmesh/core/crypto"
)

// TargetKind enumerates where an outbound message should be sent.
type TargetKind uint8

const (
	// TargetLocal loops the message back into this device's own engine.
	TargetLocal TargetKind = iota

	// TargetAllObliviousChannelsWithContact sends over every confirmed
	// oblivious channel with the given contact's devices.
	TargetAllObliviousChannelsWithContact

	// TargetAllObliviousChannelsWithOtherOwnedDevices sends to every
	// other device of the owned identity.
	TargetAllObliviousChannelsWithOtherOwnedDevices

	// TargetAsymmetric sends public key encrypted to a named identity's
	// listed devices.
	TargetAsymmetric

	// TargetAsymmetricBroadcast sends public key encrypted to a named
	// identity without naming devices, used before any channel exists.
	TargetAsymmetricBroadcast

	// TargetUserInterface posts, replaces or deletes a user facing
	// prompt.
	TargetUserInterface
)

func (k TargetKind) String() string {
	switch k {
	case TargetLocal:
		return "Local"
	case TargetAllObliviousChannelsWithContact:
		return "AllObliviousChannelsWithContact"
	case TargetAllObliviousChannelsWithOtherOwnedDevices:
		return "AllObliviousChannelsWithOtherOwnedDevices"
	case TargetAsymmetric:
		return "AsymmetricChannel"
	case TargetAsymmetricBroadcast:
		return "AsymmetricBroadcast"
	case TargetUserInterface:
		return "UserInterface"
	default:
		return "Unknown"
	}
}

// DialogKind enumerates the user facing prompts the introduction flows
// post.
type DialogKind uint8

const (
	// DialogDelete removes a previously posted dialog.
	DialogDelete DialogKind = iota

	// DialogAcceptMediatorInvite asks the user to accept or reject a
	// mediator's introduction.
	DialogAcceptMediatorInvite

	// DialogIncreaseMediatorTrustLevelRequired tells the user that trust
	// in the mediator (or the introduced contact) must increase first.
	DialogIncreaseMediatorTrustLevelRequired

	// DialogMediatorInviteAccepted confirms that the invitation was
	// accepted and mutual trust establishment is under way.
	DialogMediatorInviteAccepted

	// DialogAutoconfirmedContactIntroduction announces an introduction
	// that was auto-accepted thanks to the mediator's trust level.
	DialogAutoconfirmedContactIntroduction

	// DialogMutualTrustConfirmed announces established mutual trust
	// after a manual accept.
	DialogMutualTrustConfirmed
)

// Dialog is the payload of a user interface target.
type Dialog struct {
	Kind           DialogKind
	Contact        crypto.Identity
	ContactDetails string
	Mediator       crypto.Identity
}

// Target names the destination of one outbound post.
type Target struct {
	Kind  TargetKind
	Owned crypto.Identity

	// Remote is the destination identity for contact and asymmetric
	// targets.
	Remote crypto.Identity

	// RemoteDeviceUIDs restricts asymmetric sends to named devices.
	RemoteDeviceUIDs []crypto.UID

	// DialogID and Dialog are set for user interface targets.
	DialogID uuid.UUID
	Dialog   *Dialog
}

// Outbound is one queued post: an encoded protocol message envelope and
// the target it must be delivered to.
type Outbound struct {
	Target  Target
	Payload []byte
}

// Poster queues outbound messages for delivery via the appropriate
// channel kind.  Posting is fire-and-forget from a protocol step's
// perspective: retry and delivery are owned by the layer beneath.
type Poster interface {
	Post(*Outbound) error
}
