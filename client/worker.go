// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/catmesh/catmesh/announce"
	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/link"
	"github.com/catmesh/catmesh/recovery"
	"github.com/catmesh/catmesh/wire"
)

// worker consumes submitted operations and inbound transport traffic
// in one loop. Everything touching the statefile, the pending link or
// the settings map runs here.
func (c *Client) worker() {
	inbound := c.transport.Inbound()
	for {
		select {
		case <-c.HaltCh():
			c.log.Debug("terminating gracefully")
			return
		case msg, ok := <-inbound:
			if !ok {
				c.log.Notice("transport inbound channel closed")
				inbound = nil
				continue
			}
			if err := c.handleInbound(msg); err != nil {
				c.log.Warningf("inbound from %s: %v", msg.SourceDeviceUUID, err)
			}
		case op := <-c.opCh:
			c.handleOp(op)
		}
	}
}

func (c *Client) handleOp(op interface{}) {
	switch op := op.(type) {
	case *opAddContact:
		op.doneCh <- c.doAddContact(op.username, op.message)
	case *opAcceptContact:
		op.doneCh <- c.doAcceptContact(op.username)
	case *opRejectContact:
		op.doneCh <- c.doRejectContact(op.username)
	case *opSendMessage:
		op.doneCh <- c.doSendMessage(op.username, op.body)
	case *opBeginLink:
		code, err := c.doBeginLink()
		if err != nil {
			op.codeCh <- err
		} else {
			op.codeCh <- code
		}
	case *opApproveLink:
		op.doneCh <- c.doApproveLink(op.code)
	case *opRevokeDevice:
		op.doneCh <- c.doRevokeDevice(op.deviceUUID, op.phrase)
	case *opCreateRecord:
		rec, err := c.engine.Create(op.model, op.data)
		if err != nil {
			op.resultCh <- err
		} else {
			op.resultCh <- rec
		}
	case *opUpsertRecord:
		rec, err := c.engine.Upsert(op.id, op.model, op.data)
		if err != nil {
			op.resultCh <- err
		} else {
			op.resultCh <- rec
		}
	case *opDeleteRecord:
		op.doneCh <- c.engine.Delete(op.id, op.model)
	case *opRetainRecord:
		op.doneCh <- c.engine.Retain(op.id, op.model)
	case *opSetSetting:
		op.doneCh <- c.doSetSetting(op.key, op.value)
	case *opGetSetting:
		op.resultCh <- c.state.Settings[op.key]
	case *opMarkRead:
		op.doneCh <- c.doMarkRead(op.conversationID)
	case *opVerificationCode:
		code, err := c.friends.VerificationCode(op.username)
		if err != nil {
			op.resultCh <- err
		} else {
			op.resultCh <- code
		}
	case *opResetSessions:
		op.doneCh <- c.doResetAllSessions()
	case *opExportBackup:
		blob, err := c.doExportBackup()
		if err != nil {
			op.resultCh <- err
		} else {
			op.resultCh <- blob
		}
	default:
		c.log.Errorf("unknown operation %T", op)
	}
}

func (c *Client) doAddContact(username, message string) error {
	req, err := c.friends.Request(username, message)
	if err != nil {
		return err
	}
	raw, err := cbor.Marshal(req)
	if err != nil {
		return err
	}
	env, err := wire.Encode(wire.TypeFriendRequest, raw)
	if err != nil {
		return err
	}
	// No sessions exist yet; the server relays by username.
	return c.transport.SendToUser(username, env)
}

func (c *Client) doAcceptContact(username string) error {
	resp, err := c.friends.Accept(username)
	if err != nil {
		return err
	}
	f, err := c.dir.Friend(username)
	if err != nil {
		return err
	}
	raw, err := cbor.Marshal(resp)
	if err != nil {
		return err
	}
	for _, dev := range f.Devices {
		if err := c.disp.SendPlaintext(dev.DeviceUUID, wire.TypeFriendResponse, raw); err != nil {
			c.log.Warningf("friend response to %s failed: %v", dev.DeviceUUID, err)
		}
	}
	c.emit(&FriendChangedEvent{Username: username, Accepted: true})
	return nil
}

func (c *Client) doRejectContact(username string) error {
	f, err := c.dir.Friend(username)
	if err != nil {
		return err
	}
	devices := f.Devices
	resp, err := c.friends.Reject(username)
	if err != nil {
		return err
	}
	raw, err := cbor.Marshal(resp)
	if err != nil {
		return err
	}
	for _, dev := range devices {
		if err := c.disp.SendPlaintext(dev.DeviceUUID, wire.TypeFriendResponse, raw); err != nil {
			c.log.Warningf("friend decline to %s failed: %v", dev.DeviceUUID, err)
		}
	}
	return nil
}

func (c *Client) doSendMessage(username, body string) error {
	msg := &wire.Text{
		ConversationID: username,
		Body:           body,
		SentAt:         time.Now().UnixMilli(),
	}
	raw, err := cbor.Marshal(msg)
	if err != nil {
		return err
	}
	res, err := c.disp.SendToFriend(username, wire.TypeText, raw)
	if err != nil {
		return err
	}
	if len(res.Delivered) == 0 && len(res.Failed) > 0 {
		return fmt.Errorf("client: message to %s reached no device", username)
	}
	return nil
}

func (c *Client) doBeginLink() (string, error) {
	code, err := link.Generate(c.id)
	if err != nil {
		return "", err
	}
	c.pendingLink = code
	return code.Encode()
}

func (c *Client) doApproveLink(encoded string) error {
	code, err := link.Decode(encoded)
	if err != nil {
		return err
	}
	export, err := c.exportHistory()
	if err != nil {
		return err
	}
	maxAge := time.Duration(c.cfg.Sync.LinkCodeMaxAgeMinutes) * time.Minute
	approver := link.NewApprover(c.dir, c.store)
	approval, err := approver.Approve(code, c.id, export, maxAge)
	if err != nil {
		return err
	}
	// No pairwise session to the new device exists yet; the approval
	// travels sealed under the out-of-band challenge instead.
	sealed, err := link.SealApproval(code.Challenge, approval)
	if err != nil {
		return err
	}
	if err := c.disp.SendPlaintext(code.DeviceUUID, wire.TypeDeviceLinkApproval, sealed); err != nil {
		return err
	}
	if err := c.announceSelf(false, c.id.Sign); err != nil {
		return err
	}
	c.emit(&DeviceLinkedEvent{DeviceUUID: code.DeviceUUID})
	c.save()
	return nil
}

func (c *Client) doRevokeDevice(deviceUUID, phrase string) error {
	if deviceUUID == c.id.DeviceUUID {
		return fmt.Errorf("client: a device cannot revoke itself")
	}
	devices, err := c.dir.SelfDevices()
	if err != nil {
		return err
	}
	if len(devices) < 2 {
		return ErrNeedTwoDevices
	}
	if !identity.ContainsDevice(devices, deviceUUID) {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceUUID)
	}
	if err := identity.VerifyRecoveryPhrase(phrase, c.id.RecoverySignPublic); err != nil {
		return err
	}
	keys, err := identity.DeriveRecoveryKeys(phrase)
	if err != nil {
		return err
	}
	defer keys.Wipe()
	if err := c.dir.RemoveSelfDevice(deviceUUID); err != nil {
		return err
	}
	if err := c.announceSelf(true, keys.SignPrivate.SignMessage); err != nil {
		return err
	}
	// The pairwise session to a revoked device never comes back.
	if err := c.cryptor.ResetSession(deviceUUID); err != nil {
		c.log.Warningf("dropping session to revoked device %s: %v", deviceUUID, err)
	}
	c.emit(&DeviceRevokedEvent{DeviceUUID: deviceUUID})
	c.save()
	return nil
}

// announceSelf signs and broadcasts the current roster. Link approvals
// sign with the device key; revocations sign with the recovery key so
// they remain verifiable even against a compromised device key.
func (c *Client) announceSelf(isRevocation bool, sign func([]byte) []byte) error {
	devices, err := c.dir.SelfDevices()
	if err != nil {
		return err
	}
	a := &wire.DeviceAnnounce{
		Devices:      devices,
		Timestamp:    time.Now().UnixMilli(),
		IsRevocation: isRevocation,
	}
	if err := announce.Sign(a, sign); err != nil {
		return err
	}
	if err := c.dir.ReplaceSelfDevices(devices, a.Timestamp); err != nil {
		return err
	}
	return c.broadcastAnnounce(a)
}

func (c *Client) doSetSetting(key, value string) error {
	c.state.Settings[key] = value
	c.state.SettingsAt = time.Now().UnixMilli()
	c.save()
	sync := &wire.SettingsSync{
		Settings:  c.state.Settings,
		Timestamp: c.state.SettingsAt,
	}
	raw, err := cbor.Marshal(sync)
	if err != nil {
		return err
	}
	_, err = c.disp.SendToOwnDevices(wire.TypeSettingsSync, raw)
	return err
}

func (c *Client) doMarkRead(conversationID string) error {
	sync := &wire.ReadSync{
		ConversationID: conversationID,
		ReadAt:         time.Now().UnixMilli(),
	}
	raw, err := cbor.Marshal(sync)
	if err != nil {
		return err
	}
	_, err = c.disp.SendToOwnDevices(wire.TypeReadSync, raw)
	return err
}

// doResetAllSessions covers own devices as well as friends: self-sync
// rides the same pairwise sessions.
func (c *Client) doResetAllSessions() error {
	targets, err := c.dir.OwnSyncTargets(c.id.DeviceUUID)
	if err != nil {
		return err
	}
	uuids := make([]string, 0, len(targets))
	for _, d := range targets {
		uuids = append(uuids, d.DeviceUUID)
	}
	friends, err := c.dir.AcceptedFriends()
	if err != nil {
		return err
	}
	for _, f := range friends {
		for _, d := range f.Devices {
			uuids = append(uuids, d.DeviceUUID)
		}
	}
	notices, err := c.coord.ResetAll(uuids)
	if err != nil {
		return err
	}
	for i, notice := range notices {
		raw, err := cbor.Marshal(notice)
		if err != nil {
			return err
		}
		if err := c.disp.SendPlaintext(uuids[i], wire.TypeSessionReset, raw); err != nil {
			c.log.Warningf("reset notice to %s failed: %v", uuids[i], err)
		}
	}
	return nil
}

func (c *Client) doExportBackup() ([]byte, error) {
	blob, err := c.exportHistory()
	if err != nil {
		return nil, err
	}
	return recovery.Export(c.id.RecoveryDHPublic, blob)
}
