// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client ties the device identity, directory, sessions,
// dispatch, and record replication together behind a worker-based API.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/catmesh/catmesh/config"
	"github.com/catmesh/catmesh/core/log"
	"github.com/catmesh/catmesh/core/worker"
	"github.com/catmesh/catmesh/directory"
	"github.com/catmesh/catmesh/dispatch"
	"github.com/catmesh/catmesh/friend"
	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/link"
	"github.com/catmesh/catmesh/objectsync"
	"github.com/catmesh/catmesh/session"
	"github.com/catmesh/catmesh/storage"
	"github.com/catmesh/catmesh/wire"
)

var (
	// ErrHalted is returned when an operation is submitted to a
	// Client that has been shut down.
	ErrHalted = errors.New("client: halted")

	// ErrNeedTwoDevices is returned when revocation is attempted on a
	// single-device roster. The last device cannot revoke itself.
	ErrNeedTwoDevices = errors.New("client: revocation requires at least two linked devices")

	// ErrDeviceNotFound is returned when a device uuid is not in the
	// roster.
	ErrDeviceNotFound = errors.New("client: device not in roster")

	// ErrNoPendingLink is returned when a link approval arrives
	// without an outstanding link code.
	ErrNoPendingLink = errors.New("client: no pending link code")
)

// InboundMessage is one blob received from the transport.
type InboundMessage struct {
	SourceDeviceUUID string
	Blob             []byte
}

// Transport moves opaque blobs between devices. The server relays by
// device uuid and, before a roster is known, by username.
type Transport interface {
	Send(deviceUUID string, blob []byte) error
	SendToUser(username string, blob []byte) error
	Inbound() <-chan InboundMessage
}

// Options carries the pluggable collaborators of a Client.
type Options struct {
	Transport Transport
	Cryptor   session.Cryptor
	Provider  identity.AccountProvider
	Schemas   *objectsync.Registry
}

// Client is the top level of the multi-device messaging engine. One
// worker goroutine consumes both submitted operations and inbound
// transport traffic, so all state mutation is serialized on it;
// notifications surface on EventSink.
type Client struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	eventCh   channels.Channel
	EventSink chan interface{}
	opCh      chan interface{}

	stateWorker *StateWriter
	state       *State

	store   *storage.Store
	dir     *directory.Directory
	id      *identity.Identity
	friends *friend.Manager
	coord   *session.Coordinator
	disp    *dispatch.Dispatcher
	engine  *objectsync.Engine

	transport Transport
	cryptor   session.Cryptor

	pendingLink *link.Code
	chunkBufs   map[string]*chunkAssembly
}

// chunkAssembly buffers one in-progress chunked state transfer.
type chunkAssembly struct {
	total  uint32
	chunks map[uint32][]byte
}

// transportSender adapts a Transport to the dispatch Sender.
type transportSender struct {
	t Transport
}

func (s *transportSender) Send(deviceUUID string, blob []byte) error {
	return s.t.Send(deviceUUID, blob)
}

// CreateAccount provisions a fresh identity, registers it with the
// provider, and returns the running prerequisites together with the
// recovery phrase. The phrase is shown exactly once; it is never
// stored.
func CreateAccount(ctx context.Context, cfg *config.Config, passphrase []byte, opts *Options) (*Client, string, error) {
	phrase, err := identity.NewMnemonic()
	if err != nil {
		return nil, "", err
	}
	keys, err := identity.DeriveRecoveryKeys(phrase)
	if err != nil {
		return nil, "", err
	}
	defer keys.Wipe()
	id, err := identity.NewIdentity(cfg.Account.DisplayName, keys)
	if err != nil {
		return nil, "", err
	}
	if err := id.Register(ctx, opts.Provider, cfg.Account.Username); err != nil {
		return nil, "", err
	}
	logBackend, err := cfg.InitLogBackend()
	if err != nil {
		return nil, "", err
	}
	stateWorker, err := NewStateWriter(logBackend.GetLogger("statefile"), cfg.StatePath(), passphrase)
	if err != nil {
		return nil, "", err
	}
	state := &State{Identity: id, Settings: make(map[string]string)}
	c, err := newClient(cfg, logBackend, stateWorker, state, opts)
	if err != nil {
		return nil, "", err
	}
	if err := c.dir.AddSelfDevice(id.AsDevice()); err != nil && err != directory.ErrDuplicateDevice {
		c.store.Close()
		return nil, "", err
	}
	return c, phrase, nil
}

// Load opens an existing account from its encrypted statefile.
func Load(cfg *config.Config, passphrase []byte, opts *Options) (*Client, error) {
	logBackend, err := cfg.InitLogBackend()
	if err != nil {
		return nil, err
	}
	stateWorker, state, err := LoadStateWriter(logBackend.GetLogger("statefile"), cfg.StatePath(), passphrase)
	if err != nil {
		return nil, err
	}
	return newClient(cfg, logBackend, stateWorker, state, opts)
}

func newClient(cfg *config.Config, logBackend *log.Backend, stateWorker *StateWriter, state *State, opts *Options) (*Client, error) {
	store, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:         cfg,
		logBackend:  logBackend,
		log:         logBackend.GetLogger("client"),
		eventCh:     channels.NewInfiniteChannel(),
		EventSink:   make(chan interface{}),
		opCh:        make(chan interface{}, 8),
		stateWorker: stateWorker,
		state:       state,
		store:       store,
		id:          state.Identity,
		transport:   opts.Transport,
		cryptor:     opts.Cryptor,
		chunkBufs:   make(map[string]*chunkAssembly),
	}
	if c.state.Settings == nil {
		c.state.Settings = make(map[string]string)
	}
	c.dir = directory.New(store)
	c.friends = friend.NewManager(c.dir, c.id)
	c.coord = session.NewCoordinator(store, opts.Cryptor, c.id)
	c.disp = dispatch.New(c.dir, opts.Cryptor, c.coord, &transportSender{opts.Transport}, c.id, logBackend.GetLogger("dispatch"))
	c.engine = objectsync.NewEngine(opts.Schemas, store, c.disp, c.dir, c.id, logBackend.GetLogger("objectsync"))
	return c, nil
}

// Start starts the Client's workers.
func (c *Client) Start() {
	c.stateWorker.Start()
	c.Go(c.eventSinkWorker)
	c.Go(c.worker)
}

// Shutdown cleanly halts the Client and flushes state.
func (c *Client) Shutdown() {
	c.Halt()
	c.stateWorker.Halt()
	if err := c.store.Close(); err != nil {
		c.log.Errorf("failed to close database: %v", err)
	}
}

// Identity returns the local device identity.
func (c *Client) Identity() *identity.Identity {
	return c.id
}

// Records exposes the replication engine for reads. Mutations go
// through the Client operations so they serialize with everything
// else.
func (c *Client) Records() *objectsync.Engine {
	return c.engine
}

func (c *Client) eventSinkWorker() {
	for {
		select {
		case <-c.HaltCh():
			c.log.Debug("event sink worker terminating gracefully")
			return
		case e := <-c.eventCh.Out():
			select {
			case <-c.HaltCh():
				return
			case c.EventSink <- e:
			}
		}
	}
}

func (c *Client) emit(e interface{}) {
	c.eventCh.In() <- e
}

func (c *Client) save() {
	if err := c.stateWorker.Save(c.state); err != nil {
		c.log.Errorf("failed to save state: %v", err)
	}
}

// expectedKeysForDevice returns the candidate signing keys for a
// device uuid, searching our own roster first and then every friend.
func (c *Client) expectedKeysForDevice(deviceUUID string) ([][]byte, error) {
	self, err := c.dir.SelfDevices()
	if err != nil {
		return nil, err
	}
	for _, d := range self {
		if d.DeviceUUID == deviceUUID {
			return [][]byte{d.SigningPublicKey}, nil
		}
	}
	friends, err := c.dir.Friends()
	if err != nil {
		return nil, err
	}
	for _, f := range friends {
		for _, d := range f.Devices {
			if d.DeviceUUID == deviceUUID {
				return [][]byte{d.SigningPublicKey}, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceUUID)
}

// broadcastAnnounce sends a roster announce to our own other devices
// and every accepted friend.
func (c *Client) broadcastAnnounce(a *wire.DeviceAnnounce) error {
	raw, err := cbor.Marshal(a)
	if err != nil {
		return err
	}
	if _, err := c.disp.SendToOwnDevices(wire.TypeDeviceAnnounce, raw); err != nil {
		return err
	}
	friends, err := c.dir.AcceptedFriends()
	if err != nil {
		return err
	}
	for _, f := range friends {
		if _, err := c.disp.SendToFriend(f.Username, wire.TypeDeviceAnnounce, raw); err != nil {
			c.log.Warningf("announce to %s failed: %v", f.Username, err)
		}
	}
	return nil
}
