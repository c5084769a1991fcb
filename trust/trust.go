// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// trust.go - trust levels

// Package trust defines the ordered trust level scalar that gates
// auto-accept versus ask-user decisions in introduction flows.
package trust

import "fmt"

// Level is the confidence an owned identity holds in a contact.  It is
// monotonically non-decreasing except on an explicit reset.
type Level int

// Zero is the trust level a remote identity has before becoming a
// contact.  A watch targeting Zero fires as soon as the identity becomes
// a contact by any means.
const Zero Level = 0

// Satisfies returns true if the level reaches the given target.
func (l Level) Satisfies(target Level) bool {
	return l >= target
}

func (l Level) String() string {
	return fmt.Sprintf("%d", int(l))
}

// Thresholds holds the two configured decision boundaries of the
// introduction flows.  UserConfirmation is always at most AutoAccept.
type Thresholds struct {
	// AutoAccept is the mediator trust level at or above which a mediator
	// invitation is accepted without asking the user.
	AutoAccept Level

	// UserConfirmation is the mediator trust level at or above which the
	// user is shown an accept/reject prompt.  Below it, only an
	// informative prompt is shown.
	UserConfirmation Level
}

// Validate returns an error when the thresholds are not ordered.
func (t Thresholds) Validate() error {
	if t.UserConfirmation > t.AutoAccept {
		return fmt.Errorf("trust: user confirmation threshold %v exceeds auto accept threshold %v", t.UserConfirmation, t.AutoAccept)
	}
	return nil
}
