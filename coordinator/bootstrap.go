// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// bootstrap.go - startup consistency repair passes

package coordinator

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/protocol"
	"github.com/veilmesh/veilmesh/protocol/chancreation"
	"github.com/veilmesh/veilmesh/store"
)

// Bootstrap runs every repair pass for every owned identity.  Each pass
// is idempotent and runs in its own transaction; a pass failing for one
// item never stops the others, so a crashed or restored device converges
// over repeated startups.
func (c *Coordinator) Bootstrap() error {
	var owneds []crypto.Identity
	err := c.db.View(func(tx *store.Tx) error {
		recs, err := c.identities.GetOwnedIdentities(tx)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			owneds = append(owneds, rec.Identity)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, owned := range owneds {
		if err := c.bootstrapOwned(owned); err != nil {
			c.log.Errorf("bootstrap of %v failed: %s", owned, err)
		}
	}
	return c.pruneObsoleteDialogs()
}

func (c *Coordinator) bootstrapOwned(owned crypto.Identity) error {
	passes := []struct {
		name string
		run  func(crypto.Identity) error
	}{
		// The pruning pass runs before the creation passes.  A device is
		// shielded from pruning by any channel record, confirmed or not,
		// or by a running creation instance; a device with neither is a
		// stale leftover, and the rediscovery brings it back if it still
		// exists.  The creation passes then cover the survivors whose
		// channel is not yet confirmed.
		{"deleteObsoleteObliviousChannels", c.deleteObsoleteObliviousChannels},
		{"deleteContactDevicesWithNoChannelAndNoChannelCreation", c.deleteContactDevicesWithNoChannelAndNoChannelCreation},
		{"startChannelCreationWithContactDevices", c.startChannelCreationWithContactDevices},
		{"startChannelCreationWithOtherOwnedDevices", c.startChannelCreationWithOtherOwnedDevices},
		{"startDeviceDiscoveryForContactsHavingNoDevice", c.startDeviceDiscoveryForContactsHavingNoDevice},
	}
	for _, p := range passes {
		if err := p.run(owned); err != nil {
			c.log.Errorf("bootstrap pass %s for %v failed: %s", p.name, owned, err)
		}
	}
	return nil
}

// deleteObsoleteObliviousChannels removes every channel record of the
// owned identity's current device whose remote device is no longer known
// to the identity store.  A channel must never outlive the device record
// it references.
func (c *Coordinator) deleteObsoleteObliviousChannels(owned crypto.Identity) error {
	deleted := 0
	err := c.db.Update(func(tx *store.Tx) error {
		current, err := c.identities.CurrentDeviceUID(tx, owned)
		if err != nil {
			return err
		}
		chans, err := store.AllChannels(tx)
		if err != nil {
			return err
		}
		for _, rec := range chans {
			if !bytes.Equal(rec.CurrentDeviceUID, current.Bytes()) {
				continue
			}
			remoteDevice, err := crypto.UIDFromBytes(rec.RemoteDeviceUID)
			if err != nil {
				c.log.Warningf("skipping channel record with bad device UID: %s", err)
				continue
			}
			devices, err := c.identities.GetDevices(tx, owned, rec.RemoteIdentity)
			if err != nil {
				c.log.Warningf("skipping channel record of %v: %s", crypto.Identity(rec.RemoteIdentity), err)
				continue
			}
			known := false
			for _, d := range devices {
				if d == remoteDevice {
					known = true
					break
				}
			}
			if known {
				continue
			}
			if err := store.DeleteChannel(tx, current, rec.RemoteIdentity, remoteDevice); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if deleted > 0 {
		c.log.Noticef("deleted %d obsolete oblivious channels of %v", deleted, owned)
	}
	return nil
}

// deleteContactDevicesWithNoChannelAndNoChannelCreation forgets contact
// devices that have neither a channel nor a channel creation under way,
// then schedules a throttled rediscovery for the affected contacts.
// Such devices are leftovers of interrupted flows or restores; the
// rediscovery brings back the ones that still exist.
func (c *Coordinator) deleteContactDevicesWithNoChannelAndNoChannelCreation(owned crypto.Identity) error {
	var rediscover []crypto.Identity
	err := c.db.Update(func(tx *store.Tx) error {
		withChannel, err := store.AllRemoteDeviceUIDsWithChannel(tx)
		if err != nil {
			return err
		}
		creationInstances, err := store.InstancesOfKind(tx, uint32(protocol.KindChannelCreation))
		if err != nil {
			return err
		}
		creating, err := chancreation.TargetedDeviceUIDs(creationInstances)
		if err != nil {
			return err
		}
		contacts, err := c.identities.AllContacts(tx, owned)
		if err != nil {
			return err
		}
		for _, contact := range contacts {
			devices, err := c.identities.GetDevices(tx, owned, contact.Identity)
			if err != nil {
				return err
			}
			removed := false
			for _, d := range devices {
				if withChannel[d] || creating[d] {
					continue
				}
				if err := c.identities.RemoveDevice(tx, owned, contact.Identity, d); err != nil {
					return err
				}
				removed = true
			}
			if removed {
				rediscover = append(rediscover, contact.Identity)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, contact := range rediscover {
		if err := c.maybeStartDiscovery(owned, contact); err != nil {
			c.log.Warningf("rediscovery of %v failed: %s", contact, err)
		}
	}
	return nil
}

// startChannelCreationWithContactDevices starts channel creation with
// every contact device lacking both a confirmed channel and a running
// creation instance.  Instance UIDs are derived from the device pair, so
// re-running the pass joins the running instance instead of forking one.
func (c *Coordinator) startChannelCreationWithContactDevices(owned crypto.Identity) error {
	type target struct {
		remote crypto.Identity
		device crypto.UID
	}
	var targets []target
	err := c.db.View(func(tx *store.Tx) error {
		current, err := c.identities.CurrentDeviceUID(tx, owned)
		if err != nil {
			return err
		}
		contacts, err := c.identities.AllContacts(tx, owned)
		if err != nil {
			return err
		}
		for _, contact := range contacts {
			devices, err := c.identities.GetDevices(tx, owned, contact.Identity)
			if err != nil {
				return err
			}
			for _, d := range devices {
				exists, err := store.ChannelExists(tx, current, contact.Identity, d)
				if err != nil {
					return err
				}
				if exists {
					continue
				}
				uid := chancreation.InstanceUID(owned, contact.Identity, d)
				_, err = store.GetInstance(tx, uint32(protocol.KindChannelCreation), owned, uid)
				if err == nil {
					continue
				}
				if err != store.ErrNotFound {
					return err
				}
				targets = append(targets, target{contact.Identity, d})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, t := range targets {
		if err := c.startChannelCreation(owned, t.remote, t.device, false); err != nil {
			c.log.Warningf("channel creation with %v device %v failed: %s", t.remote, t.device, err)
		}
	}
	return nil
}

// startChannelCreationWithOtherOwnedDevices does the same for the owned
// identity's other devices.
func (c *Coordinator) startChannelCreationWithOtherOwnedDevices(owned crypto.Identity) error {
	var targets []crypto.UID
	err := c.db.View(func(tx *store.Tx) error {
		current, err := c.identities.CurrentDeviceUID(tx, owned)
		if err != nil {
			return err
		}
		others, err := c.identities.GetOtherOwnedDevices(tx, owned)
		if err != nil {
			return err
		}
		for _, d := range others {
			exists, err := store.ChannelExists(tx, current, owned, d)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			uid := chancreation.InstanceUID(owned, owned, d)
			_, err = store.GetInstance(tx, uint32(protocol.KindChannelCreation), owned, uid)
			if err == nil {
				continue
			}
			if err != store.ErrNotFound {
				return err
			}
			targets = append(targets, d)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, d := range targets {
		if err := c.startChannelCreation(owned, owned, d, true); err != nil {
			c.log.Warningf("channel creation with owned device %v failed: %s", d, err)
		}
	}
	return nil
}

// startDeviceDiscoveryForContactsHavingNoDevice starts a throttled
// device discovery for every contact with zero known devices.
func (c *Coordinator) startDeviceDiscoveryForContactsHavingNoDevice(owned crypto.Identity) error {
	var contacts []crypto.Identity
	err := c.db.View(func(tx *store.Tx) error {
		var err error
		contacts, err = c.identities.ContactsWithNoDevice(tx, owned)
		return err
	})
	if err != nil {
		return err
	}
	for _, contact := range contacts {
		if err := c.maybeStartDiscovery(owned, contact); err != nil {
			c.log.Warningf("device discovery for %v failed: %s", contact, err)
		}
	}
	return nil
}

// maybeStartDiscovery starts a device discovery for the contact unless
// one was bootstrapped within the throttle window.
func (c *Coordinator) maybeStartDiscovery(owned, contact crypto.Identity) error {
	throttled := false
	err := c.db.Update(func(tx *store.Tx) error {
		last, err := c.identities.LastDeviceDiscovery(tx, owned, contact)
		if err != nil {
			return err
		}
		now := c.clock()
		if now.Sub(last) < c.discoveryThrottle {
			throttled = true
			return nil
		}
		return c.identities.SetLastDeviceDiscovery(tx, owned, contact, now)
	})
	if err != nil || throttled {
		return err
	}
	return c.startDeviceDiscovery(owned, contact)
}

// pruneObsoleteDialogs removes every persisted dialog belonging to an
// owned identity that no longer exists.
func (c *Coordinator) pruneObsoleteDialogs() error {
	pruned := 0
	err := c.db.Update(func(tx *store.Tx) error {
		recs, err := c.identities.GetOwnedIdentities(tx)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(recs))
		for _, rec := range recs {
			known[crypto.Identity(rec.Identity).MapKey()] = true
		}
		var stale []*store.DialogRecord
		err = store.ForEachDialog(tx, func(rec *store.DialogRecord) error {
			if !known[crypto.Identity(rec.Owned).MapKey()] {
				stale = append(stale, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range stale {
			if err := store.DeleteDialog(tx, rec.Owned, uuid.UUID(rec.ID)); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if pruned > 0 {
		c.log.Noticef("pruned %d obsolete dialogs", pruned)
	}
	return nil
}
