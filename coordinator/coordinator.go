// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// coordinator.go - event loop and protocol starters

// Package coordinator implements the consistency repair loop that keeps
// the mesh of oblivious channels between a user's devices and her
// contacts' devices eventually consistent: idempotent bootstrap passes
// run at startup, and an event loop reacts to identity and channel
// lifecycle notifications while the daemon runs.
package coordinator

import (
	"errors"
	"time"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/core/log"
	"github.com/veilmesh/veilmesh/core/worker"
	"github.com/veilmesh/veilmesh/event"
	"github.com/veilmesh/veilmesh/identity"
	"github.com/veilmesh/veilmesh/protocol"
	"github.com/veilmesh/veilmesh/protocol/chancreation"
	"github.com/veilmesh/veilmesh/protocol/discovery"
	"github.com/veilmesh/veilmesh/protocol/groups"
	"github.com/veilmesh/veilmesh/store"
)

// Config wires the coordinator's collaborators.
type Config struct {
	LogBackend *log.Backend
	Store      *store.Store
	Identities *identity.Manager
	Engine     *protocol.Engine

	// DeviceDiscoveryThrottle is the minimum interval between
	// bootstrapped device discoveries for the same contact.
	DeviceDiscoveryThrottle time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (cfg *Config) validate() error {
	switch {
	case cfg.LogBackend == nil:
		return errors.New("coordinator: config: no log backend")
	case cfg.Store == nil:
		return errors.New("coordinator: config: no store")
	case cfg.Identities == nil:
		return errors.New("coordinator: config: no identity collaborator")
	case cfg.Engine == nil:
		return errors.New("coordinator: config: no protocol engine")
	case cfg.DeviceDiscoveryThrottle <= 0:
		return errors.New("coordinator: config: no device discovery throttle")
	}
	return nil
}

// Coordinator runs the bootstrap passes and the event loop.
type Coordinator struct {
	worker.Worker

	log *logging.Logger

	db         *store.Store
	identities *identity.Manager
	engine     *protocol.Engine

	discoveryThrottle time.Duration
	clock             func() time.Time

	eventCh *channels.InfiniteChannel
}

// New creates a Coordinator.
func New(cfg *Config) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		log:               cfg.LogBackend.GetLogger("coordinator"),
		db:                cfg.Store,
		identities:        cfg.Identities,
		engine:            cfg.Engine,
		discoveryThrottle: cfg.DeviceDiscoveryThrottle,
		clock:             cfg.Clock,
		eventCh:           channels.NewInfiniteChannel(),
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c, nil
}

// Start runs the bootstrap passes and then starts the event loop.
func (c *Coordinator) Start() error {
	if err := c.Bootstrap(); err != nil {
		return err
	}
	c.Go(c.eventWorker)
	return nil
}

// Halt stops the event loop.
func (c *Coordinator) Halt() {
	c.eventCh.Close()
	c.Worker.Halt()
}

// Notify hands an event to the coordinator.  Notify never blocks: the
// event channel buffers without bound.  The protocol engine delivers
// the events its steps queued through here, after their transaction
// committed.
func (c *Coordinator) Notify(ev event.Event) {
	c.eventCh.In() <- ev
}

var _ protocol.EventSink = (*Coordinator)(nil)

func (c *Coordinator) eventWorker() {
	for {
		select {
		case <-c.HaltCh():
			c.log.Debugf("Terminating gracefully.")
			return
		case raw, ok := <-c.eventCh.Out():
			if !ok {
				return
			}
			ev := raw.(event.Event)
			c.log.Debugf("event: %v", ev)
			if err := c.onEvent(ev); err != nil {
				c.log.Errorf("event %v: %s", ev, err)
			}
		}
	}
}

func (c *Coordinator) onEvent(ev event.Event) error {
	switch ev := ev.(type) {
	case *event.OwnedIdentityReactivatedEvent:
		// A reactivated identity may have been restored from a backup;
		// rebuild its channel mesh from scratch.
		return c.bootstrapOwned(ev.Owned)
	case *event.NewContactDeviceEvent:
		if ev.CreatedByChannelCreation {
			return nil
		}
		return c.startChannelCreation(ev.Owned, ev.Contact, ev.DeviceUID, false)
	case *event.NewConfirmedChannelEvent:
		if ev.RemoteIsOwned {
			return nil
		}
		return c.onNewConfirmedChannel(ev.Owned, ev.Remote)
	case *event.TrustLevelIncreasedEvent:
		return c.engine.OnTrustLevelIncreased(ev.Owned, ev.Contact, ev.Level)
	default:
		c.log.Warningf("ignoring unknown event %v", ev)
		return nil
	}
}

// onNewConfirmedChannel runs the group maintenance reactions for a fresh
// channel with a contact: resend key material for common groups, renew
// the invitations of owned groups the contact belongs to, and request
// key material for the contact's groups we joined.
func (c *Coordinator) onNewConfirmedChannel(owned, remote crypto.Identity) error {
	var triggers []*protocol.Received
	err := c.db.View(func(tx *store.Tx) error {
		common, err := c.identities.CommonGroupsV2(tx, owned, remote)
		if err != nil {
			return err
		}
		for _, g := range common {
			rcv, err := groups.NewLocalTrigger(owned, g.GroupUID, remote, &groups.ResendKeysMessage{
				GroupUID: g.GroupUID,
				Version:  g.Version,
				Member:   remote,
			})
			if err != nil {
				return err
			}
			triggers = append(triggers, rcv)
		}

		pending, confirmed, err := c.identities.OwnedGroupsWithMember(tx, owned, remote)
		if err != nil {
			return err
		}
		for _, g := range append(pending, confirmed...) {
			rcv, err := groups.NewLocalTrigger(owned, g.GroupUID, remote, &groups.ReinviteMessage{
				GroupUID: g.GroupUID,
				Version:  g.Version,
				Member:   remote,
			})
			if err != nil {
				return err
			}
			triggers = append(triggers, rcv)
		}

		joined, err := c.identities.JoinedGroupsOwnedBy(tx, owned, remote)
		if err != nil {
			return err
		}
		for _, g := range joined {
			rcv, err := groups.NewLocalTrigger(owned, g.GroupUID, remote, &groups.RequestMembershipMessage{
				Owner:    remote,
				GroupUID: g.GroupUID,
				Version:  g.Version,
			})
			if err != nil {
				return err
			}
			triggers = append(triggers, rcv)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, rcv := range triggers {
		if err := c.engine.Handle(rcv); err != nil {
			// Keep going: each group reaction stands alone and a later
			// confirmed channel retriggers the missing ones.
			c.log.Warningf("group reaction for %v failed: %s", remote, err)
		}
	}
	return nil
}

func (c *Coordinator) startChannelCreation(owned, remote crypto.Identity, device crypto.UID, remoteIsOwned bool) error {
	rcv, err := chancreation.NewStartReceived(owned, remote, device, remoteIsOwned)
	if err != nil {
		return err
	}
	return c.engine.Handle(rcv)
}

func (c *Coordinator) startDeviceDiscovery(owned, contact crypto.Identity) error {
	rcv, err := discovery.NewStartReceived(owned, contact)
	if err != nil {
		return err
	}
	return c.engine.Handle(rcv)
}
