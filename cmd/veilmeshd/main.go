// SPDX-FileCopyrightText: 2025 The Veilmesh Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// main.go - veilmesh daemon entry point

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/veilmesh/veilmesh/config"
	"github.com/veilmesh/veilmesh/core/crypto"
	"github.com/veilmesh/veilmesh/daemon"
)

// dropTransport stands in until a network transport is configured: every
// send is dropped.  The coordinator's repair passes redrive the mesh
// once a real transport is wired in.
type dropTransport struct{}

func (t *dropTransport) SendOverChannel(_ crypto.UID, _ crypto.Identity, _ crypto.UID, _ []byte) error {
	return nil
}

func (t *dropTransport) SendAsymmetric(_ crypto.Identity, _ crypto.Identity, _ []crypto.UID, _ []byte) error {
	return nil
}

func main() {
	cfgFile := flag.String("f", "veilmesh.toml", "Path to the daemon config file.")
	genIdentity := flag.Bool("g", false, "Generate a fresh owned identity and exit.")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config file '%v': %v\n", *cfgFile, err)
		os.Exit(-1)
	}

	d, err := daemon.New(cfg, new(dropTransport))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize daemon: %v\n", err)
		os.Exit(-1)
	}

	if *genIdentity {
		owned, err := d.NewOwnedIdentity()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate owned identity: %v\n", err)
			os.Exit(-1)
		}
		fmt.Printf("%v\n", owned)
		d.Shutdown()
		return
	}

	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start daemon: %v\n", err)
		d.Shutdown()
		os.Exit(-1)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	d.Shutdown()
}
