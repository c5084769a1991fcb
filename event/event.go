// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// event.go - identity and channel lifecycle events

// Package event defines the identity and channel lifecycle events that
// protocol steps raise and the coordinator reacts to.  Events queued
// during a step are delivered only after its transaction commits.
package event

import (
	"fmt"

	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/trust"
)

// Event is the interface implemented by the events the coordinator
// reacts to.
type Event interface {
	// String returns a short human readable description of the event.
	String() string
}

// OwnedIdentityReactivatedEvent is raised when an owned identity comes
// back from a deactivated period, typically after a backup restore: the
// channel mesh must be rebuilt.
type OwnedIdentityReactivatedEvent struct {
	Owned crypto.Identity
}

func (e *OwnedIdentityReactivatedEvent) String() string {
	return fmt.Sprintf("OwnedIdentityReactivated[%v]", e.Owned)
}

// NewContactDeviceEvent is raised when a device UID is recorded for a
// contact.  CreatedByChannelCreation suppresses the channel creation
// reaction when the channel creation protocol itself recorded the
// device.
type NewContactDeviceEvent struct {
	Owned                    crypto.Identity
	Contact                  crypto.Identity
	DeviceUID                crypto.UID
	CreatedByChannelCreation bool
}

func (e *NewContactDeviceEvent) String() string {
	return fmt.Sprintf("NewContactDevice[%v, %v]", e.Contact, e.DeviceUID)
}

// NewConfirmedChannelEvent is raised when an oblivious channel with a
// remote device is confirmed.
type NewConfirmedChannelEvent struct {
	Owned           crypto.Identity
	Remote          crypto.Identity
	RemoteDeviceUID crypto.UID
	RemoteIsOwned   bool
}

func (e *NewConfirmedChannelEvent) String() string {
	return fmt.Sprintf("NewConfirmedChannel[%v, %v]", e.Remote, e.RemoteDeviceUID)
}

// TrustLevelIncreasedEvent is raised when the trust level held for a
// contact was raised, feeding the engine's trust watch table.
type TrustLevelIncreasedEvent struct {
	Owned   crypto.Identity
	Contact crypto.Identity
	Level   trust.Level
}

func (e *TrustLevelIncreasedEvent) String() string {
	return fmt.Sprintf("TrustLevelIncreased[%v, %v]", e.Contact, e.Level)
}
