// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// watches.go - deferred trust level triggers

package store

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/trust"
)

// TrustWatch is a deferred trigger: when the trust level the owned
// identity holds for the watched identity reaches Target, the recorded
// message kind is synthesized and delivered locally to the owning
// protocol instance.
type TrustWatch struct {
	Owned        []byte
	Watched      []byte
	Target       trust.Level
	ProtocolKind uint32
	InstanceUID  []byte
	MessageKind  int
}

// The key starts with owned || watched so that a new trust level for one
// (owned, watched) pair finds every satisfied trigger with a single
// prefix scan, and ends with the instance UID so a fresh watch on the
// same (instance, watched) pair supersedes the previous one.
func watchKey(owned, watched []byte, uid []byte) []byte {
	k := make([]byte, 0, len(owned)+len(watched)+len(uid))
	k = append(k, owned...)
	k = append(k, watched...)
	k = append(k, uid...)
	return k
}

// PutTrustWatch creates a trust watch, replacing any existing watch for
// the same (owned, watched, instance) triple.
func PutTrustWatch(tx *Tx, w *TrustWatch) error {
	blob, err := cbor.Marshal(w)
	if err != nil {
		return err
	}
	return tx.bucket(watchesBucket).Put(watchKey(w.Owned, w.Watched, w.InstanceUID), blob)
}

// DeleteTrustWatches removes every watch a protocol instance holds on
// the given watched identity.
func DeleteTrustWatches(tx *Tx, owned, watched crypto.Identity, uid crypto.UID) error {
	return tx.bucket(watchesBucket).Delete(watchKey(owned, watched, uid.Bytes()))
}

// DeleteTrustWatchesOfInstance removes every watch held by the given
// protocol instance, whatever the watched identity.  Used when the
// instance terminates.
func DeleteTrustWatchesOfInstance(tx *Tx, owned crypto.Identity, uid crypto.UID) error {
	bkt := tx.bucket(watchesBucket)
	var stale [][]byte
	err := bkt.ForEach(func(k, blob []byte) error {
		w := new(TrustWatch)
		if err := cbor.Unmarshal(blob, w); err != nil {
			return err
		}
		if bytes.Equal(w.Owned, owned) && bytes.Equal(w.InstanceUID, uid.Bytes()) {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := bkt.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// SatisfiedTrustWatches returns, and deletes, every watch on (owned,
// watched) whose target is reached by the new level.
func SatisfiedTrustWatches(tx *Tx, owned, watched crypto.Identity, level trust.Level) ([]*TrustWatch, error) {
	bkt := tx.bucket(watchesBucket)
	prefix := watchKey(owned, watched, nil)

	var satisfied []*TrustWatch
	var keys [][]byte
	c := bkt.Cursor()
	for k, blob := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, blob = c.Next() {
		w := new(TrustWatch)
		if err := cbor.Unmarshal(blob, w); err != nil {
			return nil, err
		}
		if level.Satisfies(w.Target) {
			satisfied = append(satisfied, w)
			keys = append(keys, append([]byte(nil), k...))
		}
	}
	for _, k := range keys {
		if err := bkt.Delete(k); err != nil {
			return nil, err
		}
	}
	return satisfied, nil
}
