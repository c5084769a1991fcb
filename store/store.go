// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// store.go - boltdb backed persistent store

// Package store implements the persistent store of the protocol engine
// with a simple boltdb based backend.  One Update call is the
// transactional unit of work: a protocol step or a bootstrap pass
// commits all of its reads, writes and the resulting state transition
// together or not at all.
package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	instancesBucket = "protocolInstances"
	watchesBucket   = "trustWatches"
	dialogsBucket   = "dialogs"
	channelsBucket  = "obliviousChannels"
	ownedBucket     = "ownedIdentities"
	contactsBucket  = "contacts"
	devicesBucket   = "devices"
	groupsBucket    = "groups"
	discoveryBucket = "deviceDiscoveryTimes"
)

var allBuckets = []string{
	instancesBucket,
	watchesBucket,
	dialogsBucket,
	channelsBucket,
	ownedBucket,
	contactsBucket,
	devicesBucket,
	groupsBucket,
	discoveryBucket,
}

// Store is the boltdb backed persistent store.
type Store struct {
	db *bolt.DB
}

// Tx wraps a bolt transaction and scopes bucket access.
type Tx struct {
	btx *bolt.Tx
}

// Open creates or opens the store at the given path and ensures all
// buckets exist.
func Open(path string) (*Store, error) {
	const fileMode = 0600

	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %s: %v", path, err)
	}
	err = db.Update(func(btx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := btx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Update runs fn inside a read-write transaction.
func (s *Store) Update(fn func(*Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(*Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (t *Tx) bucket(name string) *bolt.Bucket {
	return t.btx.Bucket([]byte(name))
}

// OwnedBucket exposes the owned identity records bucket to the identity
// store.
func (t *Tx) OwnedBucket() *bolt.Bucket { return t.bucket(ownedBucket) }

// ContactsBucket exposes the contact records bucket.
func (t *Tx) ContactsBucket() *bolt.Bucket { return t.bucket(contactsBucket) }

// DevicesBucket exposes the device list bucket.
func (t *Tx) DevicesBucket() *bolt.Bucket { return t.bucket(devicesBucket) }

// GroupsBucket exposes the group records bucket.
func (t *Tx) GroupsBucket() *bolt.Bucket { return t.bucket(groupsBucket) }

// DiscoveryBucket exposes the per-contact discovery timestamp bucket.
func (t *Tx) DiscoveryBucket() *bolt.Bucket { return t.bucket(discoveryBucket) }
