// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// router.go - outbound message routing

// Package router implements the channel poster: it resolves an outbound
// target into the concrete deliveries it stands for.  Oblivious channel
// targets fan out over the persisted channel records, asymmetric targets
// go straight to the transport, and user interface targets are persisted
// dialogs rather than network sends.
package router

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilmesh/veilmesh/channel"
	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/core/log"
	"github.com/veilmesh/veilmesh/identity"
	"github.com/veilmesh/veilmesh/store"
)

// Transport delivers encoded envelopes to remote devices.  Retry and
// queueing are owned by the implementation; the router treats a send as
// fire-and-forget.
type Transport interface {
	// SendOverChannel delivers over one established oblivious channel.
	SendOverChannel(currentDevice crypto.UID, remote crypto.Identity, remoteDevice crypto.UID, payload []byte) error

	// SendAsymmetric delivers public key encrypted, to the named devices
	// or to all of the identity's devices when none are named.
	SendAsymmetric(from crypto.Identity, to crypto.Identity, deviceUIDs []crypto.UID, payload []byte) error
}

// Config wires the router's collaborators.
type Config struct {
	LogBackend *log.Backend
	Store      *store.Store
	Identities *identity.Manager
	Transport  Transport

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Router resolves outbound targets.  It implements channel.Poster.
type Router struct {
	log        *logging.Logger
	db         *store.Store
	identities *identity.Manager
	transport  Transport
	clock      func() time.Time
}

// New creates a Router.
func New(cfg *Config) (*Router, error) {
	switch {
	case cfg.LogBackend == nil:
		return nil, errors.New("router: config: no log backend")
	case cfg.Store == nil:
		return nil, errors.New("router: config: no store")
	case cfg.Identities == nil:
		return nil, errors.New("router: config: no identity collaborator")
	case cfg.Transport == nil:
		return nil, errors.New("router: config: no transport")
	}
	r := &Router{
		log:        cfg.LogBackend.GetLogger("router"),
		db:         cfg.Store,
		identities: cfg.Identities,
		transport:  cfg.Transport,
		clock:      cfg.Clock,
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	return r, nil
}

// Post resolves and delivers one outbound message.
func (r *Router) Post(ob *channel.Outbound) error {
	switch ob.Target.Kind {
	case channel.TargetAllObliviousChannelsWithContact:
		return r.postOverChannels(ob.Target.Owned, ob.Target.Remote, ob.Payload)
	case channel.TargetAllObliviousChannelsWithOtherOwnedDevices:
		return r.postOverChannels(ob.Target.Owned, ob.Target.Owned, ob.Payload)
	case channel.TargetAsymmetric, channel.TargetAsymmetricBroadcast:
		return r.transport.SendAsymmetric(ob.Target.Owned, ob.Target.Remote, ob.Target.RemoteDeviceUIDs, ob.Payload)
	case channel.TargetUserInterface:
		return r.postDialog(&ob.Target)
	default:
		return fmt.Errorf("router: unroutable target kind %v", ob.Target.Kind)
	}
}

// postOverChannels fans the payload out over every established channel
// between the owned identity's current device and the remote identity's
// devices.  A remote with no channel yet is not an error: the message is
// simply not deliverable until the coordinator establishes one.
func (r *Router) postOverChannels(owned, remote crypto.Identity, payload []byte) error {
	var current crypto.UID
	var devices []crypto.UID
	err := r.db.View(func(tx *store.Tx) error {
		var err error
		current, err = r.identities.CurrentDeviceUID(tx, owned)
		if err != nil {
			return err
		}
		all, err := r.identities.GetDevices(tx, owned, remote)
		if err != nil {
			return err
		}
		for _, d := range all {
			if d == current {
				continue
			}
			exists, err := store.ChannelExists(tx, current, remote, d)
			if err != nil {
				return err
			}
			if exists {
				devices = append(devices, d)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		r.log.Debugf("no established channel with %v, dropping post", remote)
		return nil
	}
	for _, d := range devices {
		if err := r.transport.SendOverChannel(current, remote, d, payload); err != nil {
			r.log.Warningf("send to %v device %v failed: %s", remote, d, err)
		}
	}
	return nil
}

func (r *Router) postDialog(t *channel.Target) error {
	return r.db.Update(func(tx *store.Tx) error {
		if t.Dialog.Kind == channel.DialogDelete {
			return store.DeleteDialog(tx, t.Owned, t.DialogID)
		}
		return store.PutDialog(tx, &store.DialogRecord{
			Owned:          t.Owned,
			ID:             [16]byte(t.DialogID),
			Kind:           uint8(t.Dialog.Kind),
			Contact:        t.Dialog.Contact,
			ContactDetails: t.Dialog.ContactDetails,
			Mediator:       t.Dialog.Mediator,
			CreatedAt:      r.clock(),
		})
	})
}
