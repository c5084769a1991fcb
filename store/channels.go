// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// channels.go - oblivious channel records

package store

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/veilmesh/veilmesh/core/crypto"
)

// ChannelRecord identifies one established oblivious channel endpoint
// pair: the local device, and the remote identity's device on the other
// end.  A channel record must never outlive the device record it
// references; the coordinator's bootstrap pass enforces this by set
// subtraction against the identity store.
type ChannelRecord struct {
	CurrentDeviceUID []byte
	RemoteIdentity   []byte
	RemoteDeviceUID  []byte
	Confirmed        bool
}

func channelKey(current crypto.UID, remote crypto.Identity, remoteDevice crypto.UID) []byte {
	k := make([]byte, 0, crypto.UIDLength*2+len(remote))
	k = append(k, current[:]...)
	k = append(k, remote...)
	k = append(k, remoteDevice[:]...)
	return k
}

// PutChannel creates or replaces an oblivious channel record.
func PutChannel(tx *Tx, rec *ChannelRecord) error {
	current, err := crypto.UIDFromBytes(rec.CurrentDeviceUID)
	if err != nil {
		return err
	}
	remoteDevice, err := crypto.UIDFromBytes(rec.RemoteDeviceUID)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.bucket(channelsBucket).Put(channelKey(current, rec.RemoteIdentity, remoteDevice), blob)
}

// DeleteChannel removes an oblivious channel record.
func DeleteChannel(tx *Tx, current crypto.UID, remote crypto.Identity, remoteDevice crypto.UID) error {
	return tx.bucket(channelsBucket).Delete(channelKey(current, remote, remoteDevice))
}

// ChannelExists reports whether a confirmed channel exists between the
// local device and the remote device.
func ChannelExists(tx *Tx, current crypto.UID, remote crypto.Identity, remoteDevice crypto.UID) (bool, error) {
	blob := tx.bucket(channelsBucket).Get(channelKey(current, remote, remoteDevice))
	if blob == nil {
		return false, nil
	}
	rec := new(ChannelRecord)
	if err := cbor.Unmarshal(blob, rec); err != nil {
		return false, err
	}
	return rec.Confirmed, nil
}

// AllChannels returns every oblivious channel record.
func AllChannels(tx *Tx) ([]*ChannelRecord, error) {
	var out []*ChannelRecord
	err := tx.bucket(channelsBucket).ForEach(func(_, blob []byte) error {
		rec := new(ChannelRecord)
		if err := cbor.Unmarshal(blob, rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// AllRemoteDeviceUIDsWithChannel returns the set of remote device UIDs
// that appear in at least one channel record.
func AllRemoteDeviceUIDsWithChannel(tx *Tx) (map[crypto.UID]bool, error) {
	out := make(map[crypto.UID]bool)
	chans, err := AllChannels(tx)
	if err != nil {
		return nil, err
	}
	for _, rec := range chans {
		uid, err := crypto.UIDFromBytes(rec.RemoteDeviceUID)
		if err != nil {
			return nil, err
		}
		out[uid] = true
	}
	return out, nil
}
