// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// envelope.go - wire envelope and received messages

package protocol

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/veilmesh/veilmesh/channel"
	"github.com/veilmesh/veilmesh/core/crypto"
)

// Envelope is the encoded form of a protocol message in flight: the
// protocol kind, the instance it addresses, the message kind tag and the
// opaque payload.  The envelope is what a channel actually carries; its
// encoding is shared by all protocol kinds while payloads stay protocol
// specific.
type Envelope struct {
	Protocol    uint32
	InstanceUID []byte
	MessageKind int
	Payload     []byte
}

// Received is an inbound protocol message together with its channel
// provenance, ready for step lookup.
type Received struct {
	Protocol    Kind
	InstanceUID crypto.UID
	Owned       crypto.Identity
	MessageKind int
	Payload     []byte
	Provenance  channel.Provenance
}

// EncodeEnvelope serializes an envelope for posting.
func EncodeEnvelope(protocol Kind, instanceUID crypto.UID, messageKind int, payload []byte) ([]byte, error) {
	return cbor.Marshal(&Envelope{
		Protocol:    uint32(protocol),
		InstanceUID: instanceUID.Bytes(),
		MessageKind: messageKind,
		Payload:     payload,
	})
}

// DecodeEnvelope rebuilds a Received from envelope bytes, stamping the
// receiving owned identity and the delivery provenance.
func DecodeEnvelope(data []byte, owned crypto.Identity, provenance channel.Provenance) (*Received, error) {
	env := new(Envelope)
	if err := cbor.Unmarshal(data, env); err != nil {
		return nil, err
	}
	uid, err := crypto.UIDFromBytes(env.InstanceUID)
	if err != nil {
		return nil, err
	}
	return &Received{
		Protocol:    Kind(env.Protocol),
		InstanceUID: uid,
		Owned:       owned,
		MessageKind: env.MessageKind,
		Payload:     env.Payload,
		Provenance:  provenance,
	}, nil
}

// NewLocalReceived builds a loopback message for the given instance from
// an already constructed concrete message.  It is the factory used by
// the coordinator and by local triggers such as dialog responses.
func NewLocalReceived(protocol Kind, instanceUID crypto.UID, owned crypto.Identity, msg Message) (*Received, error) {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &Received{
		Protocol:    protocol,
		InstanceUID: instanceUID,
		Owned:       owned,
		MessageKind: msg.MessageKind(),
		Payload:     payload,
		Provenance:  channel.LocalProvenance(),
	}, nil
}
