// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"github.com/catmesh/catmesh/objectsync"
)

type opAddContact struct {
	username string
	message  string
	doneCh   chan error
}

type opAcceptContact struct {
	username string
	doneCh   chan error
}

type opRejectContact struct {
	username string
	doneCh   chan error
}

type opSendMessage struct {
	username string
	body     string
	doneCh   chan error
}

type opBeginLink struct {
	codeCh chan interface{}
}

type opApproveLink struct {
	code   string
	doneCh chan error
}

type opRevokeDevice struct {
	deviceUUID string
	phrase     string
	doneCh     chan error
}

type opCreateRecord struct {
	model    string
	data     map[string]interface{}
	resultCh chan interface{}
}

type opUpsertRecord struct {
	id       string
	model    string
	data     map[string]interface{}
	resultCh chan interface{}
}

type opDeleteRecord struct {
	id     string
	model  string
	doneCh chan error
}

type opRetainRecord struct {
	id     string
	model  string
	doneCh chan error
}

type opSetSetting struct {
	key    string
	value  string
	doneCh chan error
}

type opGetSetting struct {
	key      string
	resultCh chan interface{}
}

type opMarkRead struct {
	conversationID string
	doneCh         chan error
}

type opVerificationCode struct {
	username string
	resultCh chan interface{}
}

type opExportBackup struct {
	resultCh chan interface{}
}

type opResetSessions struct {
	doneCh chan error
}

func (c *Client) submit(op interface{}) error {
	select {
	case <-c.HaltCh():
		return ErrHalted
	case c.opCh <- op:
		return nil
	}
}

func (c *Client) await(doneCh chan error) error {
	select {
	case <-c.HaltCh():
		return ErrHalted
	case err := <-doneCh:
		return err
	}
}

func (c *Client) awaitResult(resultCh chan interface{}) (interface{}, error) {
	select {
	case <-c.HaltCh():
		return nil, ErrHalted
	case r := <-resultCh:
		if err, ok := r.(error); ok {
			return nil, err
		}
		return r, nil
	}
}

// AddContact sends a friend request to a username.
func (c *Client) AddContact(username, message string) error {
	op := &opAddContact{username: username, message: message, doneCh: make(chan error, 1)}
	if err := c.submit(op); err != nil {
		return err
	}
	return c.await(op.doneCh)
}

// AcceptContact confirms a pending incoming friend request.
func (c *Client) AcceptContact(username string) error {
	op := &opAcceptContact{username: username, doneCh: make(chan error, 1)}
	if err := c.submit(op); err != nil {
		return err
	}
	return c.await(op.doneCh)
}

// RejectContact declines a pending incoming friend request.
func (c *Client) RejectContact(username string) error {
	op := &opRejectContact{username: username, doneCh: make(chan error, 1)}
	if err := c.submit(op); err != nil {
		return err
	}
	return c.await(op.doneCh)
}

// SendMessage delivers a text message to every device of an accepted
// friend and mirrors it to our own other devices.
func (c *Client) SendMessage(username, body string) error {
	op := &opSendMessage{username: username, body: body, doneCh: make(chan error, 1)}
	if err := c.submit(op); err != nil {
		return err
	}
	return c.await(op.doneCh)
}

// BeginLink generates a link code for this device to be approved by
// an already linked device. The code is single use and expires.
func (c *Client) BeginLink() (string, error) {
	op := &opBeginLink{codeCh: make(chan interface{}, 1)}
	if err := c.submit(op); err != nil {
		return "", err
	}
	r, err := c.awaitResult(op.codeCh)
	if err != nil {
		return "", err
	}
	return r.(string), nil
}

// ApproveLink redeems a link code shown by a new device, adds it to
// the roster, and sends it the approval with a state export.
func (c *Client) ApproveLink(code string) error {
	op := &opApproveLink{code: code, doneCh: make(chan error, 1)}
	if err := c.submit(op); err != nil {
		return err
	}
	return c.await(op.doneCh)
}

// RevokeDevice removes a device from the roster. The recovery phrase
// must be presented; the resulting announce is signed with the
// recovery key so peers can verify it even if the revoked device's
// key is compromised.
func (c *Client) RevokeDevice(deviceUUID, phrase string) error {
	op := &opRevokeDevice{deviceUUID: deviceUUID, phrase: phrase, doneCh: make(chan error, 1)}
	if err := c.submit(op); err != nil {
		return err
	}
	return c.await(op.doneCh)
}

// CreateRecord creates and replicates a new record.
func (c *Client) CreateRecord(model string, data map[string]interface{}) (*objectsync.Record, error) {
	op := &opCreateRecord{model: model, data: data, resultCh: make(chan interface{}, 1)}
	if err := c.submit(op); err != nil {
		return nil, err
	}
	r, err := c.awaitResult(op.resultCh)
	if err != nil {
		return nil, err
	}
	return r.(*objectsync.Record), nil
}

// UpsertRecord replaces a record's data and replicates the write.
func (c *Client) UpsertRecord(id, model string, data map[string]interface{}) (*objectsync.Record, error) {
	op := &opUpsertRecord{id: id, model: model, data: data, resultCh: make(chan interface{}, 1)}
	if err := c.submit(op); err != nil {
		return nil, err
	}
	r, err := c.awaitResult(op.resultCh)
	if err != nil {
		return nil, err
	}
	return r.(*objectsync.Record), nil
}

// DeleteRecord tombstones a record and replicates the deletion.
func (c *Client) DeleteRecord(id, model string) error {
	op := &opDeleteRecord{id: id, model: model, doneCh: make(chan error, 1)}
	if err := c.submit(op); err != nil {
		return err
	}
	return c.await(op.doneCh)
}

// RetainRecord keeps a collectable record past its TTL on this device.
func (c *Client) RetainRecord(id, model string) error {
	op := &opRetainRecord{id: id, model: model, doneCh: make(chan error, 1)}
	if err := c.submit(op); err != nil {
		return err
	}
	return c.await(op.doneCh)
}

// SetSetting stores a key/value setting and syncs it to our other
// devices.
func (c *Client) SetSetting(key, value string) error {
	op := &opSetSetting{key: key, value: value, doneCh: make(chan error, 1)}
	if err := c.submit(op); err != nil {
		return err
	}
	return c.await(op.doneCh)
}

// Setting reads a synced setting. The read is serialized through the
// worker like every other settings access.
func (c *Client) Setting(key string) (string, error) {
	op := &opGetSetting{key: key, resultCh: make(chan interface{}, 1)}
	if err := c.submit(op); err != nil {
		return "", err
	}
	r, err := c.awaitResult(op.resultCh)
	if err != nil {
		return "", err
	}
	return r.(string), nil
}

// MarkRead records a conversation as read and syncs the read horizon
// to our other devices.
func (c *Client) MarkRead(conversationID string) error {
	op := &opMarkRead{conversationID: conversationID, doneCh: make(chan error, 1)}
	if err := c.submit(op); err != nil {
		return err
	}
	return c.await(op.doneCh)
}

// VerificationCode returns the 4-digit out-of-band code for a friend.
func (c *Client) VerificationCode(username string) (string, error) {
	op := &opVerificationCode{username: username, resultCh: make(chan interface{}, 1)}
	if err := c.submit(op); err != nil {
		return "", err
	}
	r, err := c.awaitResult(op.resultCh)
	if err != nil {
		return "", err
	}
	return r.(string), nil
}

// ResetAllSessions discards every pairwise session, own devices
// included, and notifies each peer so the channels re-negotiate.
func (c *Client) ResetAllSessions() error {
	op := &opResetSessions{doneCh: make(chan error, 1)}
	if err := c.submit(op); err != nil {
		return err
	}
	return c.await(op.doneCh)
}

// ExportBackup produces an encrypted backup blob readable only with
// the recovery phrase.
func (c *Client) ExportBackup() ([]byte, error) {
	op := &opExportBackup{resultCh: make(chan interface{}, 1)}
	if err := c.submit(op); err != nil {
		return nil, err
	}
	r, err := c.awaitResult(op.resultCh)
	if err != nil {
		return nil, err
	}
	return r.([]byte), nil
}
