// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// challenge.go - challenge/response signatures

package crypto

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"sync"
)

// ChallengeSolver signs challenges on behalf of owned identities and
// verifies signatures produced by remote identities.  The challenge is
// always prefixed with a protocol specific domain separation string
// before signing.
type ChallengeSolver interface {
	// Sign produces a signature over prefix || challenge with the key of
	// the given owned identity.
	Sign(challenge, prefix []byte, as Identity) ([]byte, error)

	// Verify checks that signature covers prefix || challenge under the
	// public key embedded in the given identity.
	Verify(signature, challenge, prefix []byte, from Identity) bool
}

// KeyRing is an in-memory ChallengeSolver holding the private keys of the
// local owned identities.  An Identity is the raw ed25519 public key of
// its holder, which is what lets any party verify without key lookup.
type KeyRing struct {
	sync.RWMutex

	keys map[string]ed25519.PrivateKey
}

// NewKeyRing creates an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PrivateKey)}
}

// GenerateIdentity creates a fresh identity, stores its private key in the
// ring, and returns the public identity value.
func (k *KeyRing) GenerateIdentity(r io.Reader) (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	id := Identity(pub)
	k.Lock()
	k.keys[id.MapKey()] = priv
	k.Unlock()
	return id, nil
}

// Sign implements ChallengeSolver.
func (k *KeyRing) Sign(challenge, prefix []byte, as Identity) ([]byte, error) {
	k.RLock()
	priv, ok := k.keys[as.MapKey()]
	k.RUnlock()
	if !ok {
		return nil, fmt.Errorf("crypto: no private key for identity %v", as)
	}
	msg := make([]byte, 0, len(prefix)+len(challenge))
	msg = append(msg, prefix...)
	msg = append(msg, challenge...)
	return ed25519.Sign(priv, msg), nil
}

// Verify implements ChallengeSolver.
func (k *KeyRing) Verify(signature, challenge, prefix []byte, from Identity) bool {
	if len(from) != ed25519.PublicKeySize {
		return false
	}
	msg := make([]byte, 0, len(prefix)+len(challenge))
	msg = append(msg, prefix...)
	msg = append(msg, challenge...)
	return ed25519.Verify(ed25519.PublicKey(from), msg, signature)
}
