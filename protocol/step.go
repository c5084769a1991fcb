// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// step.go - step execution context

package protocol

import (
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilmesh/veilmesh/channel"
	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/event"
	"github.com/veilmesh/veilmesh/identity"
	"github.com/veilmesh/veilmesh/store"
	"github.com/veilmesh/veilmesh/trust"
)

// StepContext is everything a protocol step may touch while executing
// inside its transactional unit of work.  All identity and channel state
// reads, all outbound emissions, and the resulting state transition
// commit together or not at all; posts to other parties are flushed only
// after the transaction commits.
type StepContext struct {
	// Tx is the transaction the whole step runs in.
	Tx *store.Tx

	// Owned is the identity this protocol instance belongs to.
	Owned crypto.Identity

	// InstanceUID identifies the running instance.
	InstanceUID crypto.UID

	// Protocol is the protocol kind being executed.
	Protocol Kind

	// State is the decoded start state.
	State State

	// Message is the decoded inbound message.
	Message Message

	// Provenance records the channel the message actually arrived on.
	Provenance channel.Provenance

	// Identities is the identity store collaborator.
	Identities *identity.Manager

	// Solver is the challenge/response collaborator.
	Solver crypto.ChallengeSolver

	// Trust holds the configured decision thresholds.
	Trust trust.Thresholds

	// Rand is the entropy source.
	Rand io.Reader

	// Now returns the current time.
	Now func() time.Time

	// FlowID correlates every log line of this unit of work.
	FlowID uuid.UUID

	// Log is the per-protocol logger.
	Log *logging.Logger

	outbound []*channel.Outbound
	events   []event.Event
}

// Notify queues a lifecycle event for delivery to the engine's event
// sink after the transaction commits.
func (ctx *StepContext) Notify(ev event.Event) {
	ctx.events = append(ctx.events, ev)
}

// Send queues a concrete protocol message of this instance for delivery
// to the given target after the transaction commits.
func (ctx *StepContext) Send(msg Message, target channel.Target) error {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return err
	}
	env, err := EncodeEnvelope(ctx.Protocol, ctx.InstanceUID, msg.MessageKind(), payload)
	if err != nil {
		return err
	}
	ctx.outbound = append(ctx.outbound, &channel.Outbound{Target: target, Payload: env})
	return nil
}

// PostDialog queues a user facing prompt tied to the given UUID.
func (ctx *StepContext) PostDialog(id uuid.UUID, dialog *channel.Dialog) {
	ctx.outbound = append(ctx.outbound, &channel.Outbound{
		Target: channel.Target{
			Kind:     channel.TargetUserInterface,
			Owned:    ctx.Owned,
			DialogID: id,
			Dialog:   dialog,
		},
	})
}

// DeleteDialog queues the removal of a previously posted prompt.
func (ctx *StepContext) DeleteDialog(id uuid.UUID) {
	ctx.PostDialog(id, &channel.Dialog{Kind: channel.DialogDelete})
}

// WatchTrustLevel registers a deferred trigger: when the trust level
// held for watched reaches target, a message of the given kind is
// synthesized and delivered locally to this instance.  A fresh watch on
// the same (instance, watched) pair supersedes the previous one.
func (ctx *StepContext) WatchTrustLevel(watched crypto.Identity, target trust.Level, messageKind int) error {
	return store.PutTrustWatch(ctx.Tx, &store.TrustWatch{
		Owned:        ctx.Owned,
		Watched:      watched,
		Target:       target,
		ProtocolKind: uint32(ctx.Protocol),
		InstanceUID:  ctx.InstanceUID.Bytes(),
		MessageKind:  messageKind,
	})
}

// ClearTrustWatch removes this instance's watch on the given identity.
func (ctx *StepContext) ClearTrustWatch(watched crypto.Identity) error {
	return store.DeleteTrustWatches(ctx.Tx, ctx.Owned, watched, ctx.InstanceUID)
}

// trustIncreasePayload is the payload convention for messages
// synthesized by a satisfied trust watch: protocols declaring a trust
// level increased message must decode a single Contact field.
type trustIncreasePayload struct {
	Contact []byte
}
