// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// instances.go - persisted protocol instances

package store

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilmesh/veilmesh/core/crypto"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// InstanceRecord is one persisted protocol instance, keyed by
// (protocol kind, owned identity, instance UID).  The current state is
// held as an opaque encoded blob tagged with its state kind.
type InstanceRecord struct {
	ProtocolKind uint32
	Owned        []byte
	InstanceUID  []byte
	StateKind    int
	State        []byte
}

func instanceKey(kind uint32, owned crypto.Identity, uid crypto.UID) []byte {
	k := make([]byte, 0, 4+len(owned)+crypto.UIDLength)
	k = append(k, byte(kind>>24), byte(kind>>16), byte(kind>>8), byte(kind))
	k = append(k, owned...)
	k = append(k, uid[:]...)
	return k
}

// PutInstance creates or replaces a protocol instance record.
func PutInstance(tx *Tx, rec *InstanceRecord) error {
	uid, err := crypto.UIDFromBytes(rec.InstanceUID)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.bucket(instancesBucket).Put(instanceKey(rec.ProtocolKind, rec.Owned, uid), blob)
}

// GetInstance loads a protocol instance record, or ErrNotFound.
func GetInstance(tx *Tx, kind uint32, owned crypto.Identity, uid crypto.UID) (*InstanceRecord, error) {
	blob := tx.bucket(instancesBucket).Get(instanceKey(kind, owned, uid))
	if blob == nil {
		return nil, ErrNotFound
	}
	rec := new(InstanceRecord)
	if err := cbor.Unmarshal(blob, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteInstance frees a protocol instance record.  Deleting a missing
// record is a no-op.
func DeleteInstance(tx *Tx, kind uint32, owned crypto.Identity, uid crypto.UID) error {
	return tx.bucket(instancesBucket).Delete(instanceKey(kind, owned, uid))
}

// ForEachInstance iterates all persisted protocol instances.
func ForEachInstance(tx *Tx, fn func(*InstanceRecord) error) error {
	return tx.bucket(instancesBucket).ForEach(func(_, blob []byte) error {
		rec := new(InstanceRecord)
		if err := cbor.Unmarshal(blob, rec); err != nil {
			return err
		}
		return fn(rec)
	})
}

// InstancesOfKind returns all persisted instances of one protocol kind.
func InstancesOfKind(tx *Tx, kind uint32) ([]*InstanceRecord, error) {
	var out []*InstanceRecord
	err := ForEachInstance(tx, func(rec *InstanceRecord) error {
		if rec.ProtocolKind == kind {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
