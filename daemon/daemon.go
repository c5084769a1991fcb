// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// daemon.go - daemon assembly

// Package daemon assembles the protocol execution core: the persisted
// store, the identity manager, the key ring, the protocol engine with
// every registered protocol, the outbound router and the coordinator.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilmesh/veilmesh/config"
	"github.com/veilmesh/veilmesh/coordinator"
	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/core/log"
	"github.com/veilmesh/veilmesh/identity"
	"github.com/veilmesh/veilmesh/protocol"
	"github.com/veilmesh/veilmesh/protocol/chancreation"
	"github.com/veilmesh/veilmesh/protocol/discovery"
	"github.com/veilmesh/veilmesh/protocol/groups"
	"github.com/veilmesh/veilmesh/protocol/introduction"
	"github.com/veilmesh/veilmesh/router"
	"github.com/veilmesh/veilmesh/store"
)

// Daemon is the assembled protocol execution core.
type Daemon struct {
	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	db         *store.Store
	identities *identity.Manager
	keyring    *crypto.KeyRing
	router     *router.Router
	engine     *protocol.Engine
	coord      *coordinator.Coordinator
}

// New constructs a Daemon from a validated configuration and a
// transport.
func New(cfg *config.Config, transport router.Transport) (*Daemon, error) {
	d := &Daemon{cfg: cfg}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	logFile := cfg.Logging.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.DataDir, logFile)
	}
	var err error
	d.logBackend, err = log.New(logFile, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	d.log = d.logBackend.GetLogger("daemon")

	d.db, err = store.Open(filepath.Join(cfg.DataDir, "veilmesh.db"))
	if err != nil {
		return nil, err
	}

	d.identities = identity.NewManager(d.logBackend)
	d.keyring = crypto.NewKeyRing()

	d.router, err = router.New(&router.Config{
		LogBackend: d.logBackend,
		Store:      d.db,
		Identities: d.identities,
		Transport:  transport,
	})
	if err != nil {
		d.db.Close()
		return nil, err
	}

	d.engine, err = protocol.NewEngine(&protocol.EngineConfig{
		LogBackend: d.logBackend,
		Store:      d.db,
		Identities: d.identities,
		Solver:     d.keyring,
		Poster:     d.router,
		Trust:      cfg.Trust.Thresholds(),
	},
		introduction.Descriptor(),
		chancreation.Descriptor(),
		discovery.Descriptor(),
		groups.Descriptor(),
	)
	if err != nil {
		d.db.Close()
		return nil, err
	}

	d.coord, err = coordinator.New(&coordinator.Config{
		LogBackend:              d.logBackend,
		Store:                   d.db,
		Identities:              d.identities,
		Engine:                  d.engine,
		DeviceDiscoveryThrottle: cfg.Bootstrap.DeviceDiscoveryThrottle(),
	})
	if err != nil {
		d.db.Close()
		return nil, err
	}
	// The events protocol steps queue reach the coordinator's reaction
	// loop: confirmed channels trigger the group maintenance flows, new
	// contact devices trigger channel creations, and trust increases feed
	// the engine's watch table.
	d.engine.SetEventSink(d.coord)
	return d, nil
}

// Deliver hands an inbound envelope to the protocol engine's serial
// operations queue.  The transport's receive loop calls this.
func (d *Daemon) Deliver(rcv *protocol.Received) error {
	return d.engine.Process(rcv)
}

// Start starts the protocol engine and runs the coordinator's bootstrap
// passes before its event loop.
func (d *Daemon) Start() error {
	d.engine.Start()
	if err := d.coord.Start(); err != nil {
		return fmt.Errorf("daemon: coordinator bootstrap failed: %v", err)
	}
	d.log.Noticef("veilmesh daemon started")
	return nil
}

// Shutdown halts the workers and closes the store.
func (d *Daemon) Shutdown() {
	d.coord.Halt()
	d.engine.Halt()
	d.db.Close()
	d.log.Noticef("veilmesh daemon stopped")
}

// NewOwnedIdentity generates a fresh owned identity with its current
// device and persists both.
func (d *Daemon) NewOwnedIdentity() (crypto.Identity, error) {
	owned, err := d.keyring.GenerateIdentity(crypto.Rand)
	if err != nil {
		return nil, err
	}
	device, err := crypto.NewUID(crypto.Rand)
	if err != nil {
		return nil, err
	}
	err = d.db.Update(func(tx *store.Tx) error {
		return d.identities.AddOwnedIdentity(tx, owned, device)
	})
	if err != nil {
		return nil, err
	}
	d.log.Noticef("created owned identity %v with device %v", owned, device)
	return owned, nil
}

// Engine returns the protocol engine.
func (d *Daemon) Engine() *protocol.Engine { return d.engine }

// Coordinator returns the coordinator.
func (d *Daemon) Coordinator() *coordinator.Coordinator { return d.coord }

// Store returns the persisted store.
func (d *Daemon) Store() *store.Store { return d.db }

// Identities returns the identity manager.
func (d *Daemon) Identities() *identity.Manager { return d.identities }

// KeyRing returns the key ring.
func (d *Daemon) KeyRing() *crypto.KeyRing { return d.keyring }

// LogBackend returns the logging backend.
func (d *Daemon) LogBackend() *log.Backend { return d.logBackend }
