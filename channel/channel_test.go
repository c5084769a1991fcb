// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// channel_test.go - expectation predicate tests

package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpectationAccepts(t *testing.T) {
	assert := assert.New(t)

	local := LocalProvenance()
	contactChannel := Provenance{Kind: KindObliviousChannel}
	ownedChannel := Provenance{Kind: KindObliviousChannel, RemoteDeviceIsOwned: true}
	asym := Provenance{Kind: KindAsymmetric}
	ui := Provenance{Kind: KindUserInterface}

	assert.True(Local().Accepts(&local))
	assert.False(Local().Accepts(&contactChannel))
	assert.False(Local().Accepts(&asym))

	assert.True(AnyObliviousChannel().Accepts(&contactChannel))
	assert.False(AnyObliviousChannel().Accepts(&ownedChannel), "owned device peer must not satisfy a contact channel expectation")
	assert.False(AnyObliviousChannel().Accepts(&asym))
	assert.False(AnyObliviousChannel().Accepts(&local))

	assert.True(AnyObliviousChannelWithOwnedDevice().Accepts(&ownedChannel))
	assert.False(AnyObliviousChannelWithOwnedDevice().Accepts(&contactChannel))

	assert.True(AsymmetricChannel().Accepts(&asym))
	assert.False(AsymmetricChannel().Accepts(&contactChannel))

	assert.True(UserInterface().Accepts(&ui))
	assert.False(UserInterface().Accepts(&local))
}
