// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/catmesh/catmesh/directory"
	"github.com/catmesh/catmesh/objectsync"
)

// historyExport is the full local state shipped to a newly linked
// device and wrapped into encrypted backups. The channel carrying it
// authenticates it as a whole.
type historyExport struct {
	Friends    []*directory.Friend   `cbor:"friends"`
	Records    []*objectsync.Record  `cbor:"records"`
	Settings   map[string]string     `cbor:"settings"`
	SettingsAt int64                 `cbor:"settings_at"`
}

func (c *Client) exportHistory() ([]byte, error) {
	friends, err := c.dir.Friends()
	if err != nil {
		return nil, err
	}
	records, err := c.engine.Dump()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&historyExport{
		Friends:    friends,
		Records:    records,
		Settings:   c.state.Settings,
		SettingsAt: c.state.SettingsAt,
	})
}

func (c *Client) importHistory(blob []byte) error {
	exp := new(historyExport)
	if err := cbor.Unmarshal(blob, exp); err != nil {
		return err
	}
	for _, f := range exp.Friends {
		existing, err := c.dir.Friend(f.Username)
		if err == nil {
			// Keep whichever side heard the fresher announce.
			if existing.LastAnnounce >= f.LastAnnounce {
				continue
			}
		} else if err != directory.ErrFriendNotFound {
			return err
		}
		if err := c.dir.UpsertFriend(f); err != nil {
			return err
		}
	}
	if err := c.engine.Import(exp.Records); err != nil {
		return err
	}
	if exp.SettingsAt > c.state.SettingsAt {
		c.state.Settings = exp.Settings
		c.state.SettingsAt = exp.SettingsAt
		c.save()
	}
	return nil
}
