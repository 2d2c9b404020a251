// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package dispatch fans envelopes out to every device of a recipient
// and mirrors sent content to the sender's own other devices.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/catmesh/catmesh/directory"
	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/session"
	"github.com/catmesh/catmesh/wire"
)

var (
	// ErrUnknownFriend is returned when the recipient username has no
	// directory entry.
	ErrUnknownFriend = errors.New("dispatch: unknown friend")

	// ErrNotAccepted is returned when the relationship is still
	// pending.
	ErrNotAccepted = errors.New("dispatch: friendship not accepted")

	// ErrNoDevices is returned when the recipient has an empty roster.
	ErrNoDevices = errors.New("dispatch: recipient has no devices")

	// ErrUndecryptable is returned when an inbound blob cannot be
	// decrypted; a session reset has been initiated for the pair.
	ErrUndecryptable = errors.New("dispatch: undecryptable blob")
)

// Sender delivers an opaque blob to a single remote device. Transport
// failures for one device never abort delivery to the others.
type Sender interface {
	Send(deviceUUID string, blob []byte) error
}

// Result reports per-device delivery of one fan-out. Partial success
// is the normal case on a multi-device roster.
type Result struct {
	Delivered []string
	Failed    map[string]error
}

// Dispatcher ties the directory, the pairwise cryptor, and the
// transport together.
type Dispatcher struct {
	dir     *directory.Directory
	cryptor session.Cryptor
	coord   *session.Coordinator
	sender  Sender
	self    *identity.Identity
	log     *logging.Logger
}

// New creates a Dispatcher.
func New(dir *directory.Directory, cryptor session.Cryptor, coord *session.Coordinator, sender Sender, self *identity.Identity, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		dir:     dir,
		cryptor: cryptor,
		coord:   coord,
		sender:  sender,
		self:    self,
		log:     log,
	}
}

// isControlType reports whether a message type is protocol plumbing
// that must not itself be mirrored as sent content.
func isControlType(t wire.Type) bool {
	switch t {
	case wire.TypeSessionReset, wire.TypeDeviceAnnounce, wire.TypeDeviceLinkApproval,
		wire.TypeSentSync, wire.TypeReadSync, wire.TypeSettingsSync,
		wire.TypeHistoryChunk, wire.TypeSyncBlob, wire.TypeRecord:
		return true
	}
	return false
}

// SendToFriend encrypts and delivers one envelope to every device of
// an accepted friend, then mirrors content messages to our own other
// devices so conversation history converges everywhere.
func (d *Dispatcher) SendToFriend(username string, t wire.Type, payload []byte) (*Result, error) {
	f, err := d.dir.Friend(username)
	if err == directory.ErrFriendNotFound {
		return nil, ErrUnknownFriend
	}
	if err != nil {
		return nil, err
	}
	if f.Status != directory.StatusAccepted {
		return nil, ErrNotAccepted
	}
	if len(f.Devices) == 0 {
		return nil, ErrNoDevices
	}
	env, err := wire.Encode(t, payload)
	if err != nil {
		return nil, err
	}
	res := d.fanOut(f.Devices, env)

	if !isControlType(t) {
		sync := &wire.SentSync{
			ConversationID: username,
			Envelope:       env,
			SentAt:         time.Now().UnixMilli(),
		}
		raw, err := cbor.Marshal(sync)
		if err != nil {
			return res, err
		}
		if _, err := d.SendToOwnDevices(wire.TypeSentSync, raw); err != nil {
			d.log.Warningf("sent-sync mirror for %s failed: %v", username, err)
		}
	}
	return res, nil
}

// SendToOwnDevices delivers one envelope to every linked device except
// this one. A single-device account is a no-op.
func (d *Dispatcher) SendToOwnDevices(t wire.Type, payload []byte) (*Result, error) {
	targets, err := d.dir.OwnSyncTargets(d.self.DeviceUUID)
	if err != nil {
		return nil, err
	}
	env, err := wire.Encode(t, payload)
	if err != nil {
		return nil, err
	}
	return d.fanOut(targets, env), nil
}

// SendToDevice encrypts and delivers one envelope to a single device.
func (d *Dispatcher) SendToDevice(deviceUUID string, t wire.Type, payload []byte) error {
	env, err := wire.Encode(t, payload)
	if err != nil {
		return err
	}
	ct, err := d.cryptor.Encrypt(deviceUUID, env)
	if err != nil {
		return err
	}
	return d.sender.Send(deviceUUID, ct)
}

// SendPlaintext delivers an unencrypted envelope to a single device.
// Only the handshake traffic in plaintextOK travels this way;
// everything else rides a pairwise session.
func (d *Dispatcher) SendPlaintext(deviceUUID string, t wire.Type, payload []byte) error {
	env, err := wire.Encode(t, payload)
	if err != nil {
		return err
	}
	return d.sender.Send(deviceUUID, env)
}

func (d *Dispatcher) fanOut(devices []identity.Device, env []byte) *Result {
	res := &Result{Failed: make(map[string]error)}
	for _, dev := range devices {
		ct, err := d.cryptor.Encrypt(dev.DeviceUUID, env)
		if err != nil {
			d.log.Warningf("encrypt for device %s failed: %v", dev.DeviceUUID, err)
			res.Failed[dev.DeviceUUID] = err
			continue
		}
		if err := d.sender.Send(dev.DeviceUUID, ct); err != nil {
			d.log.Warningf("send to device %s failed: %v", dev.DeviceUUID, err)
			res.Failed[dev.DeviceUUID] = err
			continue
		}
		res.Delivered = append(res.Delivered, dev.DeviceUUID)
	}
	return res
}

// plaintextOK reports whether a message type may arrive outside a
// pairwise session. These are the handshakes that establish or repair
// sessions, plus roster announces which carry their own signature.
func plaintextOK(t wire.Type) bool {
	switch t {
	case wire.TypeSessionReset, wire.TypeFriendRequest, wire.TypeFriendResponse,
		wire.TypeDeviceLinkApproval, wire.TypeDeviceAnnounce:
		return true
	}
	return false
}

// HandleInbound decrypts one blob from a remote device and decodes the
// envelope. Session handshake traffic may arrive in plaintext because
// the session that would carry it does not exist yet. Any other
// undecryptable blob triggers exactly one outstanding reset for the
// pair.
func (d *Dispatcher) HandleInbound(sourceDeviceUUID string, blob []byte) (*wire.Envelope, error) {
	pt, err := d.cryptor.Decrypt(sourceDeviceUUID, blob)
	if err != nil {
		if env, derr := wire.DecodeEnvelope(blob); derr == nil && plaintextOK(env.Type) {
			return env, nil
		}
		notice, rerr := d.coord.OnDecryptFailure(sourceDeviceUUID)
		if rerr != nil {
			return nil, rerr
		}
		if notice != nil {
			raw, merr := cbor.Marshal(notice)
			if merr != nil {
				return nil, merr
			}
			if serr := d.SendPlaintext(sourceDeviceUUID, wire.TypeSessionReset, raw); serr != nil {
				d.log.Warningf("reset notice to %s failed: %v", sourceDeviceUUID, serr)
			}
		}
		return nil, fmt.Errorf("%w: from %s", ErrUndecryptable, sourceDeviceUUID)
	}
	if err := d.coord.MarkHealthy(sourceDeviceUUID); err != nil {
		return nil, err
	}
	return wire.DecodeEnvelope(pt)
}
