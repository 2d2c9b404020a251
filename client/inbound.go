// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/catmesh/catmesh/announce"
	"github.com/catmesh/catmesh/directory"
	"github.com/catmesh/catmesh/dispatch"
	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/link"
	"github.com/catmesh/catmesh/objectsync"
	"github.com/catmesh/catmesh/wire"
)

func (c *Client) handleInbound(msg InboundMessage) error {
	env, err := c.disp.HandleInbound(msg.SourceDeviceUUID, msg.Blob)
	if err != nil {
		if errors.Is(err, dispatch.ErrUndecryptable) {
			c.emit(&SessionResetEvent{DeviceUUID: msg.SourceDeviceUUID})
		}
		return err
	}
	switch env.Type {
	case wire.TypeText, wire.TypeImage:
		return c.handleText(msg.SourceDeviceUUID, env)
	case wire.TypeFriendRequest:
		return c.handleFriendRequest(env)
	case wire.TypeFriendResponse:
		return c.handleFriendResponse(env)
	case wire.TypeSessionReset:
		return c.handleSessionReset(env)
	case wire.TypeDeviceAnnounce:
		return c.handleAnnounce(msg.SourceDeviceUUID, env)
	case wire.TypeDeviceLinkApproval:
		return c.handleLinkApproval(env)
	case wire.TypeSentSync:
		if err := c.requireOwnDevice(msg.SourceDeviceUUID, env.Type); err != nil {
			return err
		}
		return c.handleSentSync(env)
	case wire.TypeReadSync:
		if err := c.requireOwnDevice(msg.SourceDeviceUUID, env.Type); err != nil {
			return err
		}
		return c.handleReadSync(env)
	case wire.TypeSettingsSync:
		if err := c.requireOwnDevice(msg.SourceDeviceUUID, env.Type); err != nil {
			return err
		}
		return c.handleSettingsSync(env)
	case wire.TypeSyncBlob:
		if err := c.requireOwnDevice(msg.SourceDeviceUUID, env.Type); err != nil {
			return err
		}
		var blob wire.SyncBlob
		if err := cbor.Unmarshal(env.Payload, &blob); err != nil {
			return err
		}
		return c.importHistory(blob.Blob)
	case wire.TypeHistoryChunk:
		if err := c.requireOwnDevice(msg.SourceDeviceUUID, env.Type); err != nil {
			return err
		}
		return c.handleHistoryChunk(msg.SourceDeviceUUID, env)
	case wire.TypeRecord:
		return c.handleRecord(msg.SourceDeviceUUID, env)
	default:
		c.log.Warningf("dropping message of type %s", env.Type)
		return nil
	}
}

// friendForDevice finds the friend whose roster contains a device.
func (c *Client) friendForDevice(deviceUUID string) (*directory.Friend, error) {
	friends, err := c.dir.Friends()
	if err != nil {
		return nil, err
	}
	for _, f := range friends {
		if identity.ContainsDevice(f.Devices, deviceUUID) {
			return f, nil
		}
	}
	return nil, directory.ErrFriendNotFound
}

// isOwnDevice reports whether a device uuid is in our roster.
func (c *Client) isOwnDevice(deviceUUID string) (bool, error) {
	devices, err := c.dir.SelfDevices()
	if err != nil {
		return false, err
	}
	return identity.ContainsDevice(devices, deviceUUID), nil
}

// requireOwnDevice rejects own-device sync traffic originating outside
// our roster. Friends hold pairwise sessions with us too; without this
// check a friend device could inject directory, record or settings
// state.
func (c *Client) requireOwnDevice(sourceDeviceUUID string, t wire.Type) error {
	own, err := c.isOwnDevice(sourceDeviceUUID)
	if err != nil {
		return err
	}
	if !own {
		return fmt.Errorf("client: %s from non-roster device %s", t, sourceDeviceUUID)
	}
	return nil
}

func (c *Client) handleText(sourceDeviceUUID string, env *wire.Envelope) error {
	var msg wire.Text
	if err := cbor.Unmarshal(env.Payload, &msg); err != nil {
		return err
	}
	f, err := c.friendForDevice(sourceDeviceUUID)
	if err != nil {
		return err
	}
	c.emit(&MessageReceivedEvent{
		Username:   f.Username,
		DeviceUUID: sourceDeviceUUID,
		Body:       msg.Body,
		SentAt:     msg.SentAt,
	})
	return nil
}

func (c *Client) handleFriendRequest(env *wire.Envelope) error {
	var req wire.FriendRequest
	if err := cbor.Unmarshal(env.Payload, &req); err != nil {
		return err
	}
	if err := c.friends.HandleRequest(&req); err != nil {
		return err
	}
	c.emit(&FriendRequestEvent{Username: req.Username, Message: req.Message})
	return nil
}

func (c *Client) handleFriendResponse(env *wire.Envelope) error {
	var resp wire.FriendResponse
	if err := cbor.Unmarshal(env.Payload, &resp); err != nil {
		return err
	}
	if err := c.friends.HandleResponse(&resp); err != nil {
		return err
	}
	c.emit(&FriendChangedEvent{Username: resp.Username, Accepted: resp.Accepted})
	return nil
}

func (c *Client) handleSessionReset(env *wire.Envelope) error {
	var notice wire.SessionReset
	if err := cbor.Unmarshal(env.Payload, &notice); err != nil {
		return err
	}
	keys, err := c.expectedKeysForDevice(notice.DeviceUUID)
	if err != nil {
		return err
	}
	if err := c.coord.HandleReset(&notice, keys); err != nil {
		return err
	}
	c.emit(&SessionResetEvent{DeviceUUID: notice.DeviceUUID})
	return nil
}

func (c *Client) handleAnnounce(sourceDeviceUUID string, env *wire.Envelope) error {
	var a wire.DeviceAnnounce
	if err := cbor.Unmarshal(env.Payload, &a); err != nil {
		return err
	}
	own, err := c.isOwnDevice(sourceDeviceUUID)
	if err != nil {
		return err
	}
	if own {
		return c.applySelfAnnounce(&a)
	}
	f, err := c.friendForDevice(sourceDeviceUUID)
	if err != nil {
		return err
	}
	deviceKeys, recoveryKey := announce.FriendKeys(f)
	if err := announce.Verify(&a, deviceKeys, recoveryKey); err != nil {
		return err
	}
	if err := announce.ApplyToFriend(c.dir, f, &a); err != nil {
		if errors.Is(err, announce.ErrStale) {
			return nil
		}
		return err
	}
	c.emit(&FriendChangedEvent{Username: f.Username, Accepted: f.Status == directory.StatusAccepted})
	return nil
}

func (c *Client) applySelfAnnounce(a *wire.DeviceAnnounce) error {
	before, err := c.dir.SelfDevices()
	if err != nil {
		return err
	}
	deviceKeys := make([][]byte, 0, len(before))
	for _, d := range before {
		deviceKeys = append(deviceKeys, d.SigningPublicKey)
	}
	if err := announce.Verify(a, deviceKeys, c.id.RecoverySignPublic); err != nil {
		return err
	}
	if err := announce.ApplyToSelf(c.dir, a); err != nil {
		if errors.Is(err, announce.ErrStale) {
			return nil
		}
		return err
	}
	if a.IsRevocation {
		for _, d := range before {
			if !identity.ContainsDevice(a.Devices, d.DeviceUUID) {
				c.emit(&DeviceRevokedEvent{DeviceUUID: d.DeviceUUID})
			}
		}
	} else {
		for _, d := range a.Devices {
			if !identity.ContainsDevice(before, d.DeviceUUID) {
				c.emit(&DeviceLinkedEvent{DeviceUUID: d.DeviceUUID})
			}
		}
	}
	return nil
}

func (c *Client) handleLinkApproval(env *wire.Envelope) error {
	if c.pendingLink == nil {
		return ErrNoPendingLink
	}
	approval, err := link.OpenApproval(c.pendingLink.Challenge, env.Payload)
	if err != nil {
		return err
	}
	if err := link.Accept(c.dir, c.id, c.pendingLink, approval); err != nil {
		return err
	}
	c.pendingLink = nil
	if len(approval.StateExport) > 0 {
		if err := c.importHistory(approval.StateExport); err != nil {
			c.log.Errorf("state import after linking failed: %v", err)
		}
	}
	c.emit(&DeviceLinkedEvent{DeviceUUID: c.id.DeviceUUID})
	c.save()
	return nil
}

// handleHistoryChunk reassembles a chunked state transfer. Chunks for
// a source accumulate until every sequence number has arrived; only
// the inbound worker touches the buffer, so no locking is needed.
func (c *Client) handleHistoryChunk(sourceDeviceUUID string, env *wire.Envelope) error {
	var chunk wire.HistoryChunk
	if err := cbor.Unmarshal(env.Payload, &chunk); err != nil {
		return err
	}
	if chunk.Total == 0 || chunk.Seq >= chunk.Total {
		return fmt.Errorf("client: history chunk %d of %d out of range", chunk.Seq, chunk.Total)
	}
	buf := c.chunkBufs[sourceDeviceUUID]
	if buf == nil || buf.total != chunk.Total {
		buf = &chunkAssembly{total: chunk.Total, chunks: make(map[uint32][]byte)}
		c.chunkBufs[sourceDeviceUUID] = buf
	}
	buf.chunks[chunk.Seq] = chunk.Blob
	if uint32(len(buf.chunks)) < buf.total {
		return nil
	}
	delete(c.chunkBufs, sourceDeviceUUID)
	var blob []byte
	for i := uint32(0); i < buf.total; i++ {
		part, ok := buf.chunks[i]
		if !ok {
			return fmt.Errorf("client: history chunk %d missing", i)
		}
		blob = append(blob, part...)
	}
	return c.importHistory(blob)
}

func (c *Client) handleSentSync(env *wire.Envelope) error {
	var sync wire.SentSync
	if err := cbor.Unmarshal(env.Payload, &sync); err != nil {
		return err
	}
	c.emit(&MessageSentEvent{ConversationID: sync.ConversationID, SentAt: sync.SentAt})
	return nil
}

func (c *Client) handleReadSync(env *wire.Envelope) error {
	var sync wire.ReadSync
	if err := cbor.Unmarshal(env.Payload, &sync); err != nil {
		return err
	}
	c.emit(&ReadHorizonEvent{ConversationID: sync.ConversationID, ReadAt: sync.ReadAt})
	return nil
}

func (c *Client) handleSettingsSync(env *wire.Envelope) error {
	var sync wire.SettingsSync
	if err := cbor.Unmarshal(env.Payload, &sync); err != nil {
		return err
	}
	if sync.Timestamp <= c.state.SettingsAt {
		return nil
	}
	c.state.Settings = sync.Settings
	c.state.SettingsAt = sync.Timestamp
	c.save()
	return nil
}

func (c *Client) handleRecord(sourceDeviceUUID string, env *wire.Envelope) error {
	rec, err := objectsync.DecodeRecord(env.Payload)
	if err != nil {
		return err
	}
	keys, err := c.expectedKeysForDevice(rec.AuthorDeviceUUID)
	if err != nil {
		return err
	}
	merged, changed, err := c.engine.Merge(rec, keys)
	if err != nil {
		return err
	}
	if changed {
		c.emit(&RecordChangedEvent{Record: merged})
	}
	return nil
}
