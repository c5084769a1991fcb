// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// dialogs.go - persisted user facing prompts

package store

import (
	"bytes"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/veilmesh/veilmesh/core/crypto"
)

// DialogRecord is a pending user facing prompt, keyed by the UUID the
// owning protocol step controls.  Stale or duplicate responses are
// rejected by comparing this UUID against the one recorded in the
// protocol state.
type DialogRecord struct {
	Owned          []byte
	ID             [16]byte
	Kind           uint8
	Contact        []byte
	ContactDetails string
	Mediator       []byte
	CreatedAt      time.Time
}

func dialogKey(owned []byte, id uuid.UUID) []byte {
	k := make([]byte, 0, len(owned)+16)
	k = append(k, owned...)
	k = append(k, id[:]...)
	return k
}

// PutDialog creates or replaces a dialog record.
func PutDialog(tx *Tx, rec *DialogRecord) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.bucket(dialogsBucket).Put(dialogKey(rec.Owned, uuid.UUID(rec.ID)), blob)
}

// DeleteDialog removes a dialog record.  Removing a missing dialog is a
// no-op.
func DeleteDialog(tx *Tx, owned crypto.Identity, id uuid.UUID) error {
	return tx.bucket(dialogsBucket).Delete(dialogKey(owned, id))
}

// GetDialog loads a dialog record, or ErrNotFound.
func GetDialog(tx *Tx, owned crypto.Identity, id uuid.UUID) (*DialogRecord, error) {
	blob := tx.bucket(dialogsBucket).Get(dialogKey(owned, id))
	if blob == nil {
		return nil, ErrNotFound
	}
	rec := new(DialogRecord)
	if err := cbor.Unmarshal(blob, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ForEachDialog iterates all persisted dialogs.
func ForEachDialog(tx *Tx, fn func(*DialogRecord) error) error {
	return tx.bucket(dialogsBucket).ForEach(func(_, blob []byte) error {
		rec := new(DialogRecord)
		if err := cbor.Unmarshal(blob, rec); err != nil {
			return err
		}
		return fn(rec)
	})
}

// DeleteDialogsOfOwned removes every dialog belonging to the given owned
// identity and returns how many were removed.
func DeleteDialogsOfOwned(tx *Tx, owned crypto.Identity) (int, error) {
	bkt := tx.bucket(dialogsBucket)
	var stale [][]byte
	c := bkt.Cursor()
	for k, _ := c.Seek(owned.Bytes()); k != nil && bytes.HasPrefix(k, owned.Bytes()); k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := bkt.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
