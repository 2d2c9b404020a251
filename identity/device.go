// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity holds this device's signing identity, the two-tier
// account split and the recovery key material derived from a mnemonic
// phrase.
package identity

import (
	"sort"
	"time"
)

// Device describes one device belonging to a user. Devices are globally
// identified by DeviceUUID; the ServerUserID of a device account is
// random and cannot be linked to the shell account name.
type Device struct {
	DeviceUUID       string
	ServerUserID     string
	DisplayName      string
	SigningPublicKey []byte
	AddedAt          time.Time
}

// SortDevices orders devices by DeviceUUID in place. Both the signer and
// the verifier of a roster broadcast must serialize devices in this
// order or the signature check fails.
func SortDevices(devices []Device) {
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].DeviceUUID < devices[j].DeviceUUID
	})
}

// ContainsDevice reports whether devices already holds the given UUID.
func ContainsDevice(devices []Device, deviceUUID string) bool {
	for _, d := range devices {
		if d.DeviceUUID == deviceUUID {
			return true
		}
	}
	return false
}
