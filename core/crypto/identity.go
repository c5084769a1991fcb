// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// identity.go - crypto identities and device UIDs

// Package crypto provides the opaque identity values and the
// challenge/response capability that the protocol engine is built on.
package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// UIDLength is the size in bytes of a device UID and of a protocol
// instance UID.
const UIDLength = 32

// UID is the unique identifier of a device, or of a protocol instance.
type UID [UIDLength]byte

// NewUID generates a fresh random UID from the given entropy source.
func NewUID(r io.Reader) (UID, error) {
	var u UID
	if _, err := io.ReadFull(r, u[:]); err != nil {
		return UID{}, err
	}
	return u, nil
}

// UIDFromBytes builds a UID from a raw byte slice.
func UIDFromBytes(b []byte) (UID, error) {
	var u UID
	if len(b) != UIDLength {
		return u, fmt.Errorf("crypto: invalid UID length: %d", len(b))
	}
	copy(u[:], b)
	return u, nil
}

// DeriveUID deterministically derives a UID from the given domain string
// and parts.  It is used to key protocol instances that must be unique per
// (protocol, parties) tuple, so that re-running a bootstrap pass finds the
// existing instance instead of spawning a duplicate.
func DeriveUID(domain string, parts ...[]byte) UID {
	h, err := blake2b.New256([]byte(domain))
	if err != nil {
		panic(err)
	}
	for _, p := range parts {
		var l [2]byte
		l[0] = byte(len(p) >> 8)
		l[1] = byte(len(p))
		h.Write(l[:])
		h.Write(p)
	}
	var u UID
	copy(u[:], h.Sum(nil))
	return u
}

// Bytes returns the UID as a byte slice.
func (u UID) Bytes() []byte {
	return u[:]
}

func (u UID) String() string {
	return hex.EncodeToString(u[:8])
}

// IsZero returns true if the UID is all zeroes.
func (u UID) IsZero() bool {
	return u == UID{}
}

// Identity is an opaque public cryptographic identity, owned or contact.
// It is immutable once created and compared by byte value.
type Identity []byte

// Equal returns true if both identities hold the same byte value.
func (id Identity) Equal(other Identity) bool {
	return bytes.Equal(id, other)
}

// MapKey returns the identity as a string usable as a map key.
func (id Identity) MapKey() string {
	return string(id)
}

// Bytes returns the raw identity value.
func (id Identity) Bytes() []byte {
	return []byte(id)
}

func (id Identity) String() string {
	if len(id) == 0 {
		return "<nil>"
	}
	if len(id) <= 8 {
		return hex.EncodeToString(id)
	}
	return hex.EncodeToString(id[:8])
}

// Rand is the default entropy source.
var Rand io.Reader = rand.Reader
