// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// groups.go - group membership records

package identity

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/store"
)

// GroupVersion distinguishes the two generations of the group protocol.
type GroupVersion uint8

const (
	GroupV1 GroupVersion = 1
	GroupV2 GroupVersion = 2
)

// OwnedGroupRecord is a group administered by one of our owned
// identities.  Pending members have been invited but have not joined.
type OwnedGroupRecord struct {
	Owned            []byte
	GroupUID         []byte
	Version          GroupVersion
	PendingMembers   [][]byte
	ConfirmedMembers [][]byte
}

// JoinedGroupRecord is a group owned by a contact that one of our owned
// identities joined.
type JoinedGroupRecord struct {
	Owned    []byte
	Owner    []byte
	GroupUID []byte
	Version  GroupVersion
}

func ownedGroupKey(owned crypto.Identity, groupUID crypto.UID) []byte {
	k := []byte{'o'}
	k = append(k, owned...)
	k = append(k, groupUID[:]...)
	return k
}

func joinedGroupKey(owned crypto.Identity, groupUID crypto.UID) []byte {
	k := []byte{'j'}
	k = append(k, owned...)
	k = append(k, groupUID[:]...)
	return k
}

// PutOwnedGroup creates or replaces an owned group record.
func (m *Manager) PutOwnedGroup(tx *store.Tx, rec *OwnedGroupRecord) error {
	uid, err := crypto.UIDFromBytes(rec.GroupUID)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.GroupsBucket().Put(ownedGroupKey(rec.Owned, uid), blob)
}

// PutJoinedGroup creates or replaces a joined group record.
func (m *Manager) PutJoinedGroup(tx *store.Tx, rec *JoinedGroupRecord) error {
	uid, err := crypto.UIDFromBytes(rec.GroupUID)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.GroupsBucket().Put(joinedGroupKey(rec.Owned, uid), blob)
}

// OwnedGroupsWithMember returns the owned groups where the given remote
// identity is a pending or confirmed member, split by membership status.
func (m *Manager) OwnedGroupsWithMember(tx *store.Tx, owned, member crypto.Identity) (pending, confirmed []*OwnedGroupRecord, err error) {
	err = m.forEachOwnedGroup(tx, owned, func(rec *OwnedGroupRecord) error {
		for _, p := range rec.PendingMembers {
			if member.Equal(p) {
				pending = append(pending, rec)
				return nil
			}
		}
		for _, c := range rec.ConfirmedMembers {
			if member.Equal(c) {
				confirmed = append(confirmed, rec)
				return nil
			}
		}
		return nil
	})
	return
}

// CommonGroupsV2 returns the owned V2 groups where the remote identity
// is a confirmed member, i.e. the groups whose key material should be
// resent when a new channel with that identity is confirmed.
func (m *Manager) CommonGroupsV2(tx *store.Tx, owned, member crypto.Identity) ([]*OwnedGroupRecord, error) {
	var out []*OwnedGroupRecord
	err := m.forEachOwnedGroup(tx, owned, func(rec *OwnedGroupRecord) error {
		if rec.Version != GroupV2 {
			return nil
		}
		for _, c := range rec.ConfirmedMembers {
			if member.Equal(c) {
				out = append(out, rec)
				return nil
			}
		}
		return nil
	})
	return out, err
}

// JoinedGroupsOwnedBy returns the groups owned by the given remote
// identity that the owned identity joined.
func (m *Manager) JoinedGroupsOwnedBy(tx *store.Tx, owned, owner crypto.Identity) ([]*JoinedGroupRecord, error) {
	var out []*JoinedGroupRecord
	prefix := []byte{'j'}
	prefix = append(prefix, owned...)
	c := tx.GroupsBucket().Cursor()
	for k, blob := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, blob = c.Next() {
		rec := new(JoinedGroupRecord)
		if err := cbor.Unmarshal(blob, rec); err != nil {
			return nil, err
		}
		if owner.Equal(rec.Owner) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Manager) forEachOwnedGroup(tx *store.Tx, owned crypto.Identity, fn func(*OwnedGroupRecord) error) error {
	prefix := []byte{'o'}
	prefix = append(prefix, owned...)
	c := tx.GroupsBucket().Cursor()
	for k, blob := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, blob = c.Next() {
		rec := new(OwnedGroupRecord)
		if err := cbor.Unmarshal(blob, rec); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}
