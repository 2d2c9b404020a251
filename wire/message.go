// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire defines the plaintext message envelope exchanged between
// devices. Every payload travels inside a pairwise encrypted session;
// this layer is the tagged union keyed by message type that the
// dispatcher and the protocol handlers agree on.
package wire

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/catmesh/catmesh/identity"
)

// Type discriminates envelope payloads.
type Type uint8

const (
	TypeText Type = iota + 1
	TypeImage
	TypeFriendRequest
	TypeFriendResponse
	TypeSessionReset
	TypeDeviceLinkApproval
	TypeDeviceAnnounce
	TypeHistoryChunk
	TypeSyncBlob
	TypeSettingsSync
	TypeReadSync
	TypeSentSync
	TypeRecord
)

var (
	// ErrUnknownType is returned for an envelope with an unrecognized
	// discriminant.
	ErrUnknownType = errors.New("wire: unknown message type")

	// ErrTruncated is returned when an envelope fails to decode.
	ErrTruncated = errors.New("wire: malformed envelope")
)

// Envelope wraps a typed payload for transmission.
type Envelope struct {
	Type    Type
	Payload []byte
}

func (t Type) String() string {
	switch t {
	case TypeText:
		return "TEXT"
	case TypeImage:
		return "IMAGE"
	case TypeFriendRequest:
		return "FRIEND_REQUEST"
	case TypeFriendResponse:
		return "FRIEND_RESPONSE"
	case TypeSessionReset:
		return "SESSION_RESET"
	case TypeDeviceLinkApproval:
		return "DEVICE_LINK_APPROVAL"
	case TypeDeviceAnnounce:
		return "DEVICE_ANNOUNCE"
	case TypeHistoryChunk:
		return "HISTORY_CHUNK"
	case TypeSyncBlob:
		return "SYNC_BLOB"
	case TypeSettingsSync:
		return "SETTINGS_SYNC"
	case TypeReadSync:
		return "READ_SYNC"
	case TypeSentSync:
		return "SENT_SYNC"
	case TypeRecord:
		return "RECORD"
	}
	return "UNKNOWN"
}

// Encode wraps already-serialized variant bytes in an envelope of the
// given type.
func Encode(t Type, payload []byte) ([]byte, error) {
	return cbor.Marshal(&Envelope{Type: t, Payload: payload})
}

// DecodeEnvelope splits an envelope into its discriminant and payload
// bytes; the caller unmarshals the payload into the matching variant.
func DecodeEnvelope(blob []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := cbor.Unmarshal(blob, env); err != nil {
		return nil, ErrTruncated
	}
	if env.Type == 0 || env.Type > TypeRecord {
		return nil, ErrUnknownType
	}
	return env, nil
}

// Text is user message content addressed to a conversation.
type Text struct {
	ConversationID string
	Body           string
	SentAt         int64
}

// Image is user image content. The blob is a media reference, not the
// media bytes; attachment transport is a separate concern.
type Image struct {
	ConversationID string
	MIME           string
	BlobRef        string
	SentAt         int64
}

// FriendRequest carries the sender's roster so the recipient can
// message any of the sender's devices immediately upon acceptance.
type FriendRequest struct {
	Username string
	Devices  []identity.Device
	Message  string
}

// FriendResponse answers a FriendRequest. Devices is populated only
// when Accepted.
type FriendResponse struct {
	Username string
	Accepted bool
	Devices  []identity.Device
}

// SessionReset asks the receiver to discard its pairwise session state
// for the sending device. TargetUUID names the one device the notice
// is addressed to; both uuids are covered by the signature.
type SessionReset struct {
	DeviceUUID string
	TargetUUID string
	Timestamp  int64
	Signature  []byte
}

// LinkApproval admits a new device: the admitting device's full roster
// (already including the new device), the challenge echo, the recovery
// public keys and a portable state export.
type LinkApproval struct {
	ChallengeResponse  []byte
	Devices            []identity.Device
	RecoverySignPublic []byte
	RecoveryDHPublic   []byte
	StateExport        []byte
}

// DeviceAnnounce is the signed roster broadcast. Announces with
// IsRevocation are signed by the recovery key instead of the device
// signing key.
type DeviceAnnounce struct {
	Devices      []identity.Device
	Timestamp    int64
	IsRevocation bool
	Signature    []byte
}

// HistoryChunk is one piece of a bulk state transfer.
type HistoryChunk struct {
	Seq   uint32
	Total uint32
	Blob  []byte
}

// SyncBlob is an opaque bulk state transfer in one piece.
type SyncBlob struct {
	Blob []byte
}

// SettingsSync replicates user settings to the user's own devices.
type SettingsSync struct {
	Settings  map[string]string
	Timestamp int64
}

// ReadSync notifies the user's own devices that a conversation was read.
type ReadSync struct {
	ConversationID string
	ReadAt         int64
}

// SentSync notifies the user's own devices of content sent from this
// device, so every device shows the message as sent.
type SentSync struct {
	ConversationID string
	Envelope       []byte
	SentAt         int64
}
