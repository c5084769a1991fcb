// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// engine.go - protocol instance lifecycle and step dispatch

package protocol

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilmesh/veilmesh/channel"
	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/core/log"
	"github.com/veilmesh/veilmesh/core/worker"
	"github.com/veilmesh/veilmesh/event"
	"github.com/veilmesh/veilmesh/identity"
	"github.com/veilmesh/veilmesh/store"
	"github.com/veilmesh/veilmesh/trust"
)

const defaultQueueSize = 64

// errStepAborted makes the step's transaction roll back before the
// cancellation is recorded on its own.
var errStepAborted = errors.New("protocol: step aborted")

// EventSink consumes the lifecycle events queued by protocol steps.
// Events of a step are delivered only after its transaction commits.
type EventSink interface {
	Notify(ev event.Event)
}

// EngineConfig wires the engine's collaborators.  Every field except
// Rand, Clock and QueueSize is required; a missing collaborator is a
// construction-time error, never a runtime assertion.
type EngineConfig struct {
	LogBackend *log.Backend
	Store      *store.Store
	Identities *identity.Manager
	Solver     crypto.ChallengeSolver
	Poster     channel.Poster
	Trust      trust.Thresholds

	Rand      io.Reader
	Clock     func() time.Time
	QueueSize int
}

func (cfg *EngineConfig) validate() error {
	switch {
	case cfg.LogBackend == nil:
		return errors.New("protocol: config: no log backend")
	case cfg.Store == nil:
		return errors.New("protocol: config: no store")
	case cfg.Identities == nil:
		return errors.New("protocol: config: no identity collaborator")
	case cfg.Solver == nil:
		return errors.New("protocol: config: no challenge solver")
	case cfg.Poster == nil:
		return errors.New("protocol: config: no channel poster")
	}
	return cfg.Trust.Validate()
}

// Engine runs persisted protocol instances.  All step executions are
// funneled through one serial protocol-operations queue, so at most one
// step is in flight per instance at any time.
type Engine struct {
	worker.Worker

	log        *logging.Logger
	logBackend *log.Backend

	db         *store.Store
	identities *identity.Manager
	solver     crypto.ChallengeSolver
	poster     channel.Poster
	trust      trust.Thresholds

	rand  io.Reader
	clock func() time.Time

	registry map[Kind]*Descriptor
	opCh     chan *Received
	events   EventSink
}

// NewEngine creates an engine over the given descriptors.  Each
// descriptor is validated, so a protocol kind with an unreachable state
// or a missing constructor is rejected at startup rather than at step
// time.
func NewEngine(cfg *EngineConfig, descriptors ...*Descriptor) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		log:        cfg.LogBackend.GetLogger("protocol"),
		logBackend: cfg.LogBackend,
		db:         cfg.Store,
		identities: cfg.Identities,
		solver:     cfg.Solver,
		poster:     cfg.Poster,
		trust:      cfg.Trust,
		rand:       cfg.Rand,
		clock:      cfg.Clock,
		registry:   make(map[Kind]*Descriptor),
	}
	if e.rand == nil {
		e.rand = crypto.Rand
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = defaultQueueSize
	}
	e.opCh = make(chan *Received, qs)
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, ok := e.registry[d.Kind]; ok {
			return nil, fmt.Errorf("protocol: duplicate descriptor for kind %d", d.Kind)
		}
		e.registry[d.Kind] = d
	}
	return e, nil
}

// SetEventSink registers the consumer of the lifecycle events queued by
// protocol steps.  Must be called before Start.
func (e *Engine) SetEventSink(sink EventSink) {
	e.events = sink
}

// Start starts the protocol operations worker.
func (e *Engine) Start() {
	e.Go(e.opWorker)
}

// Process enqueues an inbound message onto the serial protocol
// operations queue.
func (e *Engine) Process(rcv *Received) error {
	select {
	case <-e.HaltCh():
		return errors.New("protocol: engine halted")
	case e.opCh <- rcv:
		return nil
	}
}

func (e *Engine) opWorker() {
	for {
		select {
		case <-e.HaltCh():
			e.log.Debugf("Terminating gracefully.")
			return
		case rcv := <-e.opCh:
			if err := e.Handle(rcv); err != nil {
				e.log.Errorf("step execution failed: %s", err)
			}
		}
	}
}

// Handle executes one inbound message to completion: instance lookup or
// creation, step lookup, channel authorization, step execution inside a
// single transaction, and the post-commit flush of outbound messages.
// Callers other than the operations worker must provide their own
// serialization.
func (e *Engine) Handle(rcv *Received) error {
	desc, ok := e.registry[rcv.Protocol]
	if !ok {
		return ErrUnknownProtocol
	}

	flowID := uuid.New()
	var outbound []*channel.Outbound
	var events []event.Event

	err := e.db.Update(func(tx *store.Tx) error {
		obs, evs, err := e.executeStep(tx, desc, rcv, flowID)
		switch err {
		case nil:
			outbound = obs
			events = evs
			return nil
		case ErrNoMatchingInstance, ErrNoApplicableStep, ErrChannelMismatch:
			// Expected for duplicate, late, or misrouted messages; the
			// message is dropped with no state change.
			e.log.Debugf("flow %v: dropping message kind %d for %s instance %v: %s",
				flowID, rcv.MessageKind, desc.Name, rcv.InstanceUID, err)
			return nil
		default:
			return err
		}
	})
	if err == errStepAborted {
		// The failed step's transaction rolled back, so none of its
		// mutations, emissions or events survive.  The cancellation is
		// recorded in its own transaction.
		return e.cancelInstance(desc, rcv, flowID)
	}
	if err != nil {
		return err
	}

	// The transaction is committed; posts to other parties are now
	// fire-and-forget and cannot be retracted.
	for _, ob := range outbound {
		if ob.Target.Kind == channel.TargetLocal {
			if err := e.loopback(ob); err != nil {
				e.log.Errorf("flow %v: loopback failed: %s", flowID, err)
			}
			continue
		}
		if err := e.poster.Post(ob); err != nil {
			// Best effort: the primary transition already committed and
			// the coordinator's reconciliation passes repair the rest.
			e.log.Warningf("flow %v: post to %v failed: %s", flowID, ob.Target.Kind, err)
		}
	}
	if e.events != nil {
		for _, ev := range events {
			e.events.Notify(ev)
		}
	}
	return nil
}

// cancelInstance records the kind-specific cancelled state for the
// instance, after the failed step's transaction rolled back.
func (e *Engine) cancelInstance(desc *Descriptor, rcv *Received, flowID uuid.UUID) error {
	return e.db.Update(func(tx *store.Tx) error {
		cancelled := desc.CancelledState()
		if cancelled.IsTerminal() {
			if err := store.DeleteInstance(tx, uint32(desc.Kind), rcv.Owned, rcv.InstanceUID); err != nil {
				return err
			}
			return store.DeleteTrustWatchesOfInstance(tx, rcv.Owned, rcv.InstanceUID)
		}
		blob, err := cbor.Marshal(cancelled)
		if err != nil {
			return err
		}
		return store.PutInstance(tx, &store.InstanceRecord{
			ProtocolKind: uint32(desc.Kind),
			Owned:        rcv.Owned,
			InstanceUID:  rcv.InstanceUID.Bytes(),
			StateKind:    cancelled.StateKind(),
			State:        blob,
		})
	})
}

func (e *Engine) loopback(ob *channel.Outbound) error {
	rcv, err := DecodeEnvelope(ob.Payload, ob.Target.Owned, channel.LocalProvenance())
	if err != nil {
		return err
	}
	return e.Handle(rcv)
}

func (e *Engine) executeStep(tx *store.Tx, desc *Descriptor, rcv *Received, flowID uuid.UUID) ([]*channel.Outbound, []event.Event, error) {
	// Load the instance, or create a fresh one in the synthetic start
	// state when the message kind may start the protocol.
	var state State
	rec, err := store.GetInstance(tx, uint32(desc.Kind), rcv.Owned, rcv.InstanceUID)
	switch err {
	case nil:
		state, err = desc.DecodeState(rec.StateKind, rec.State)
		if err != nil {
			return nil, nil, fmt.Errorf("protocol: %s: undecodable persisted state kind %d: %v", desc.Name, rec.StateKind, err)
		}
	case store.ErrNotFound:
		if !desc.InitialMessageKinds[rcv.MessageKind] {
			return nil, nil, ErrNoMatchingInstance
		}
		state = desc.InitialState()
	default:
		return nil, nil, err
	}

	step := desc.step(state.StateKind(), rcv.MessageKind)
	if step == nil {
		return nil, nil, ErrNoApplicableStep
	}
	if !step.Expectation.Accepts(&rcv.Provenance) {
		e.log.Warningf("flow %v: %s.%s: message kind %d arrived on %v",
			flowID, desc.Name, step.Name, rcv.MessageKind, rcv.Provenance.Kind)
		return nil, nil, ErrChannelMismatch
	}

	msg, err := desc.DecodeMessage(rcv.MessageKind, rcv.Payload)
	if err != nil {
		e.log.Warningf("flow %v: %s.%s: undecodable payload for message kind %d: %s",
			flowID, desc.Name, step.Name, rcv.MessageKind, err)
		return nil, nil, ErrNoApplicableStep
	}

	ctx := &StepContext{
		Tx:          tx,
		Owned:       rcv.Owned,
		InstanceUID: rcv.InstanceUID,
		Protocol:    desc.Kind,
		State:       state,
		Message:     msg,
		Provenance:  rcv.Provenance,
		Identities:  e.identities,
		Solver:      e.solver,
		Trust:       e.trust,
		Rand:        e.rand,
		Now:         e.clock,
		FlowID:      flowID,
		Log:         e.logBackend.GetLogger(desc.Name),
	}

	e.log.Debugf("flow %v: %s.%s: executing from state kind %d", flowID, desc.Name, step.Name, state.StateKind())
	newState, err := step.Run(ctx)
	if err != nil || newState == nil {
		if err != nil {
			e.log.Errorf("flow %v: %s.%s: step failed, cancelling instance: %s", flowID, desc.Name, step.Name, err)
		}
		// The abort rolls the whole transaction back: mutations made
		// before the failure point are undone together with the queued
		// emissions and events.
		return nil, nil, errStepAborted
	}

	if newState.IsTerminal() {
		if err := store.DeleteInstance(tx, uint32(desc.Kind), rcv.Owned, rcv.InstanceUID); err != nil {
			return nil, nil, err
		}
		if err := store.DeleteTrustWatchesOfInstance(tx, rcv.Owned, rcv.InstanceUID); err != nil {
			return nil, nil, err
		}
	} else {
		blob, err := cbor.Marshal(newState)
		if err != nil {
			return nil, nil, err
		}
		if err := store.PutInstance(tx, &store.InstanceRecord{
			ProtocolKind: uint32(desc.Kind),
			Owned:        rcv.Owned,
			InstanceUID:  rcv.InstanceUID.Bytes(),
			StateKind:    newState.StateKind(),
			State:        blob,
		}); err != nil {
			return nil, nil, err
		}
	}
	return ctx.outbound, ctx.events, nil
}

// OnTrustLevelIncreased deletes every satisfied trust watch for the
// (owned, contact) pair and synthesizes the recorded message kind for
// each owning instance, delivered locally.  This is what retroactively
// unblocks a stalled introduction without a new network message.
func (e *Engine) OnTrustLevelIncreased(owned, contact crypto.Identity, level trust.Level) error {
	var watches []*store.TrustWatch
	err := e.db.Update(func(tx *store.Tx) error {
		var err error
		watches, err = store.SatisfiedTrustWatches(tx, owned, contact, level)
		return err
	})
	if err != nil {
		return err
	}
	for _, w := range watches {
		uid, err := crypto.UIDFromBytes(w.InstanceUID)
		if err != nil {
			return err
		}
		payload, err := cbor.Marshal(&trustIncreasePayload{Contact: contact.Bytes()})
		if err != nil {
			return err
		}
		rcv := &Received{
			Protocol:    Kind(w.ProtocolKind),
			InstanceUID: uid,
			Owned:       owned,
			MessageKind: w.MessageKind,
			Payload:     payload,
			Provenance:  channel.LocalProvenance(),
		}
		if err := e.Handle(rcv); err != nil {
			e.log.Errorf("trust watch delivery for instance %v failed: %s", uid, err)
		}
	}
	return nil
}

// RunningInstancesOfKind returns the persisted instance records of one
// protocol kind, for the coordinator's in-flight protocol queries.
func (e *Engine) RunningInstancesOfKind(kind Kind) ([]*store.InstanceRecord, error) {
	var out []*store.InstanceRecord
	err := e.db.View(func(tx *store.Tx) error {
		var err error
		out, err = store.InstancesOfKind(tx, uint32(kind))
		return err
	})
	return out, err
}
