// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"fmt"

	"github.com/catmesh/catmesh/objectsync"
)

// MessageReceivedEvent is the event signaling that a conversation
// message was received from a friend's device.
type MessageReceivedEvent struct {
	Username   string
	DeviceUUID string
	Body       string
	SentAt     int64
}

// String returns a string representation of the MessageReceivedEvent.
func (e *MessageReceivedEvent) String() string {
	return fmt.Sprintf("MessageReceived: %s from %s", e.Username, e.DeviceUUID)
}

// MessageSentEvent is the event signaling that one of our other
// devices sent a message, mirrored here to keep history converged.
type MessageSentEvent struct {
	ConversationID string
	SentAt         int64
}

// FriendRequestEvent is the event signaling an incoming friend
// request awaiting accept or reject.
type FriendRequestEvent struct {
	Username string
	Message  string
}

// FriendChangedEvent is the event signaling that a friend was
// accepted, declined us, or updated its roster.
type FriendChangedEvent struct {
	Username string
	Accepted bool
}

// DeviceLinkedEvent is the event signaling that a new device joined
// the roster.
type DeviceLinkedEvent struct {
	DeviceUUID string
}

// DeviceRevokedEvent is the event signaling that a device was removed
// from the roster by a revocation announce.
type DeviceRevokedEvent struct {
	DeviceUUID string
}

// SessionResetEvent is the event signaling that a pairwise session
// was torn down and reestablished.
type SessionResetEvent struct {
	DeviceUUID string
}

// ReadHorizonEvent is the event signaling that another of our devices
// marked a conversation as read.
type ReadHorizonEvent struct {
	ConversationID string
	ReadAt         int64
}

// RecordChangedEvent is the event signaling that a replicated record
// was created or updated by a merge.
type RecordChangedEvent struct {
	Record *objectsync.Record
}

// String returns a string representation of the RecordChangedEvent.
func (e *RecordChangedEvent) String() string {
	return fmt.Sprintf("RecordChanged: %s %s", e.Record.Model, e.Record.ID)
}
