// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// identity.go - owned identities, contacts, devices and trust

// Package identity implements the identity store: owned identities with
// their devices, per-owned contact records with trust levels and trust
// origins, and the group records the coordinator's channel-confirmed
// reactions consult.  All methods run inside a store transaction so a
// protocol step's identity mutations commit atomically with its state
// transition.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/core/log"
	"github.com/veilmesh/veilmesh/store"
	"github.com/veilmesh/veilmesh/trust"
)

var (
	// ErrNotFound is returned when a queried record does not exist.
	ErrNotFound = errors.New("identity: not found")

	// ErrNotAContact is returned when an operation requires an existing
	// contact record.
	ErrNotAContact = errors.New("identity: not a contact")
)

// TrustOriginKind enumerates how trust in a contact was first (or again)
// established.
type TrustOriginKind uint8

const (
	// TrustOriginDirect is an in-person or out-of-band establishment.
	TrustOriginDirect TrustOriginKind = iota

	// TrustOriginIntroduction records that a mediator introduced the
	// contact.
	TrustOriginIntroduction

	// TrustOriginGroup records trust acquired through shared group
	// membership.
	TrustOriginGroup
)

// TrustOrigin is one recorded origin of trust in a contact.
type TrustOrigin struct {
	Kind      TrustOriginKind
	Timestamp time.Time
	Mediator  []byte
}

// OwnedRecord is one owned identity known to this device.
type OwnedRecord struct {
	Identity         []byte
	CurrentDeviceUID []byte
	Active           bool
}

// ContactRecord is one contact of one owned identity.
type ContactRecord struct {
	Owned        []byte
	Identity     []byte
	CoreDetails  string
	Level        trust.Level
	Active       bool
	TrustOrigins []TrustOrigin
}

type deviceList struct {
	UIDs [][]byte
}

// Manager queries and mutates the identity store.
type Manager struct {
	log *logging.Logger
}

// NewManager creates an identity store manager.
func NewManager(logBackend *log.Backend) *Manager {
	return &Manager{log: logBackend.GetLogger("identity")}
}

func pairKey(owned, other crypto.Identity) []byte {
	k := make([]byte, 0, len(owned)+len(other))
	k = append(k, owned...)
	k = append(k, other...)
	return k
}

// AddOwnedIdentity registers an owned identity with its current device.
func (m *Manager) AddOwnedIdentity(tx *store.Tx, owned crypto.Identity, currentDevice crypto.UID) error {
	rec := &OwnedRecord{
		Identity:         owned,
		CurrentDeviceUID: currentDevice.Bytes(),
		Active:           true,
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	if err := tx.OwnedBucket().Put(owned.Bytes(), blob); err != nil {
		return err
	}
	// The current device is also a device of the owned identity.
	return m.AddDevice(tx, owned, owned, currentDevice)
}

// GetOwnedIdentities returns every registered owned identity.
func (m *Manager) GetOwnedIdentities(tx *store.Tx) ([]*OwnedRecord, error) {
	var out []*OwnedRecord
	err := tx.OwnedBucket().ForEach(func(_, blob []byte) error {
		rec := new(OwnedRecord)
		if err := cbor.Unmarshal(blob, rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (m *Manager) getOwned(tx *store.Tx, owned crypto.Identity) (*OwnedRecord, error) {
	blob := tx.OwnedBucket().Get(owned.Bytes())
	if blob == nil {
		return nil, ErrNotFound
	}
	rec := new(OwnedRecord)
	if err := cbor.Unmarshal(blob, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// IsOwnedIdentity reports whether the identity is registered as owned.
func (m *Manager) IsOwnedIdentity(tx *store.Tx, id crypto.Identity) (bool, error) {
	_, err := m.getOwned(tx, id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CurrentDeviceUID returns the UID of this device for the owned identity.
func (m *Manager) CurrentDeviceUID(tx *store.Tx, owned crypto.Identity) (crypto.UID, error) {
	rec, err := m.getOwned(tx, owned)
	if err != nil {
		return crypto.UID{}, err
	}
	return crypto.UIDFromBytes(rec.CurrentDeviceUID)
}

// SetOwnedIdentityActive flips the active flag of an owned identity.
func (m *Manager) SetOwnedIdentityActive(tx *store.Tx, owned crypto.Identity, active bool) error {
	rec, err := m.getOwned(tx, owned)
	if err != nil {
		return err
	}
	rec.Active = active
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.OwnedBucket().Put(owned.Bytes(), blob)
}

// DeleteOwnedIdentity removes an owned identity record.  Contacts,
// devices and dialogs referencing it become obsolete and are pruned by
// the coordinator.
func (m *Manager) DeleteOwnedIdentity(tx *store.Tx, owned crypto.Identity) error {
	return tx.OwnedBucket().Delete(owned.Bytes())
}

func (m *Manager) getContact(tx *store.Tx, owned, contact crypto.Identity) (*ContactRecord, error) {
	blob := tx.ContactsBucket().Get(pairKey(owned, contact))
	if blob == nil {
		return nil, ErrNotFound
	}
	rec := new(ContactRecord)
	if err := cbor.Unmarshal(blob, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) putContact(tx *store.Tx, rec *ContactRecord) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.ContactsBucket().Put(pairKey(rec.Owned, rec.Identity), blob)
}

// IsContact reports whether the identity is a contact of the owned
// identity.
func (m *Manager) IsContact(tx *store.Tx, owned, id crypto.Identity) (bool, error) {
	_, err := m.getContact(tx, owned, id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsContactActive reports whether the contact exists and is active.
func (m *Manager) IsContactActive(tx *store.Tx, owned, id crypto.Identity) (bool, error) {
	rec, err := m.getContact(tx, owned, id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Active, nil
}

// AddContact creates a contact with its first trust origin.  Adding an
// existing contact only appends the origin.
func (m *Manager) AddContact(tx *store.Tx, owned, id crypto.Identity, coreDetails string, origin TrustOrigin) error {
	rec, err := m.getContact(tx, owned, id)
	switch err {
	case nil:
		return m.AddTrustOrigin(tx, owned, id, origin)
	case ErrNotFound:
	default:
		return err
	}
	rec = &ContactRecord{
		Owned:        owned,
		Identity:     id,
		CoreDetails:  coreDetails,
		Level:        trust.Zero,
		Active:       true,
		TrustOrigins: []TrustOrigin{origin},
	}
	m.log.Debugf("adding contact %v for owned identity %v", id, owned)
	return m.putContact(tx, rec)
}

// AddTrustOrigin appends a trust origin to an existing contact.
func (m *Manager) AddTrustOrigin(tx *store.Tx, owned, id crypto.Identity, origin TrustOrigin) error {
	rec, err := m.getContact(tx, owned, id)
	if err == ErrNotFound {
		return ErrNotAContact
	}
	if err != nil {
		return err
	}
	rec.TrustOrigins = append(rec.TrustOrigins, origin)
	return m.putContact(tx, rec)
}

// GetTrustLevel returns the trust level held for a contact.  A
// non-contact has trust below Zero.
func (m *Manager) GetTrustLevel(tx *store.Tx, owned, id crypto.Identity) (trust.Level, error) {
	rec, err := m.getContact(tx, owned, id)
	if err == ErrNotFound {
		return trust.Zero - 1, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Level, nil
}

// SetTrustLevel raises the trust level held for a contact.  Unless reset
// is set, lowering is refused: the level is monotonic.
func (m *Manager) SetTrustLevel(tx *store.Tx, owned, id crypto.Identity, level trust.Level, reset bool) error {
	rec, err := m.getContact(tx, owned, id)
	if err == ErrNotFound {
		return ErrNotAContact
	}
	if err != nil {
		return err
	}
	if level < rec.Level && !reset {
		return fmt.Errorf("identity: refusing to lower trust level %v -> %v without reset", rec.Level, level)
	}
	rec.Level = level
	return m.putContact(tx, rec)
}

// AllContacts returns every contact of the owned identity.
func (m *Manager) AllContacts(tx *store.Tx, owned crypto.Identity) ([]*ContactRecord, error) {
	var out []*ContactRecord
	err := tx.ContactsBucket().ForEach(func(_, blob []byte) error {
		rec := new(ContactRecord)
		if err := cbor.Unmarshal(blob, rec); err != nil {
			return err
		}
		if owned.Equal(rec.Owned) {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// ContactsWithNoDevice returns the contacts of the owned identity with
// zero known devices.
func (m *Manager) ContactsWithNoDevice(tx *store.Tx, owned crypto.Identity) ([]crypto.Identity, error) {
	contacts, err := m.AllContacts(tx, owned)
	if err != nil {
		return nil, err
	}
	var out []crypto.Identity
	for _, rec := range contacts {
		devs, err := m.GetDevices(tx, owned, rec.Identity)
		if err != nil {
			return nil, err
		}
		if len(devs) == 0 {
			out = append(out, rec.Identity)
		}
	}
	return out, nil
}

// AddDevice records a device UID for an identity (owned or contact).
// Adding a known device is a no-op.
func (m *Manager) AddDevice(tx *store.Tx, owned, id crypto.Identity, uid crypto.UID) error {
	key := pairKey(owned, id)
	list := new(deviceList)
	if blob := tx.DevicesBucket().Get(key); blob != nil {
		if err := cbor.Unmarshal(blob, list); err != nil {
			return err
		}
	}
	for _, b := range list.UIDs {
		existing, err := crypto.UIDFromBytes(b)
		if err != nil {
			return err
		}
		if existing == uid {
			return nil
		}
	}
	list.UIDs = append(list.UIDs, uid.Bytes())
	blob, err := cbor.Marshal(list)
	if err != nil {
		return err
	}
	return tx.DevicesBucket().Put(key, blob)
}

// RemoveDevice forgets a device UID of an identity.
func (m *Manager) RemoveDevice(tx *store.Tx, owned, id crypto.Identity, uid crypto.UID) error {
	key := pairKey(owned, id)
	blob := tx.DevicesBucket().Get(key)
	if blob == nil {
		return nil
	}
	list := new(deviceList)
	if err := cbor.Unmarshal(blob, list); err != nil {
		return err
	}
	kept := list.UIDs[:0]
	for _, b := range list.UIDs {
		existing, err := crypto.UIDFromBytes(b)
		if err != nil {
			return err
		}
		if existing != uid {
			kept = append(kept, b)
		}
	}
	list.UIDs = kept
	out, err := cbor.Marshal(list)
	if err != nil {
		return err
	}
	return tx.DevicesBucket().Put(key, out)
}

// GetDevices returns the known device UIDs of an identity (owned or
// contact) as seen by the owned identity.
func (m *Manager) GetDevices(tx *store.Tx, owned, id crypto.Identity) ([]crypto.UID, error) {
	blob := tx.DevicesBucket().Get(pairKey(owned, id))
	if blob == nil {
		return nil, nil
	}
	list := new(deviceList)
	if err := cbor.Unmarshal(blob, list); err != nil {
		return nil, err
	}
	out := make([]crypto.UID, 0, len(list.UIDs))
	for _, b := range list.UIDs {
		uid, err := crypto.UIDFromBytes(b)
		if err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, nil
}

// GetOtherOwnedDevices returns the owned identity's devices other than
// the current one.
func (m *Manager) GetOtherOwnedDevices(tx *store.Tx, owned crypto.Identity) ([]crypto.UID, error) {
	current, err := m.CurrentDeviceUID(tx, owned)
	if err != nil {
		return nil, err
	}
	all, err := m.GetDevices(tx, owned, owned)
	if err != nil {
		return nil, err
	}
	var out []crypto.UID
	for _, uid := range all {
		if uid != current {
			out = append(out, uid)
		}
	}
	return out, nil
}

// LastDeviceDiscovery returns when a bootstrapped device discovery was
// last started for the contact, or the zero time.
func (m *Manager) LastDeviceDiscovery(tx *store.Tx, owned, contact crypto.Identity) (time.Time, error) {
	blob := tx.DiscoveryBucket().Get(pairKey(owned, contact))
	if blob == nil {
		return time.Time{}, nil
	}
	var t time.Time
	if err := cbor.Unmarshal(blob, &t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// SetLastDeviceDiscovery records when a bootstrapped device discovery
// was started for the contact.
func (m *Manager) SetLastDeviceDiscovery(tx *store.Tx, owned, contact crypto.Identity, t time.Time) error {
	blob, err := cbor.Marshal(t)
	if err != nil {
		return err
	}
	return tx.DiscoveryBucket().Put(pairKey(owned, contact), blob)
}
