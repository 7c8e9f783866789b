// This file is part of meshcore, an offline peer-to-peer mesh messaging core.
//
// meshcore is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// meshcore is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
// Affero General Public License for more details.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/bfix/gospel/logger"

	"meshcore/config"
	"meshcore/mesh"
	"meshcore/mesh/debugrpc"
	"meshcore/signal"
	"meshcore/transport"
	"meshcore/util"
)

func main() {
	defer func() {
		logger.Println(logger.INFO, "[meshnode] Bye.")
		logger.Flush()
	}()
	logger.Println(logger.INFO, "[meshnode] Starting node...")

	var (
		cfgFile  string
		logLevel int
	)
	flag.StringVar(&cfgFile, "c", "meshnode-config.json", "mesh node configuration file")
	flag.IntVar(&logLevel, "L", logger.INFO, "log level")
	flag.Parse()

	if err := config.ParseConfig(cfgFile); err != nil {
		logger.Printf(logger.ERROR, "[meshnode] invalid configuration file: %s\n", err.Error())
		return
	}
	logger.SetLogLevel(logLevel)
	if config.Cfg.Mesh == nil {
		logger.Println(logger.ERROR, "[meshnode] configuration is missing its \"mesh\" section")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No real radio backend is wired into this module (Bluetooth/Wi-Fi
	// Direct adapters are an external collaborator's concern); this
	// binary demonstrates the wiring on a single-process loopback
	// transport, the same in-memory hub the neighbor table's own tests
	// are built against.
	hub := transport.NewFakeHub()
	self := util.AddressName(config.Cfg.Mesh.NodeName)
	trans := transport.NewFakeTransport(hub, util.EndpointId(self))
	if err := trans.Advertise(ctx, self); err != nil {
		logger.Printf(logger.ERROR, "[meshnode] advertise failed: %s\n", err.Error())
		return
	}

	cipher := signal.NewFakeCipher(self)
	node, err := mesh.New(ctx, config.Cfg.Mesh, cipher, trans, func(from util.AddressName, text string) {
		logger.Printf(logger.INFO, "[meshnode] %s: %s\n", from, text)
	})
	if err != nil {
		logger.Printf(logger.ERROR, "[meshnode] failed to wire node: %s\n", err.Error())
		return
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Printf(logger.WARN, "[meshnode] close failed: %s\n", err.Error())
		}
	}()
	go node.Run(ctx)

	if rpc := config.Cfg.DebugRPC; rpc != nil && rpc.Endpoint != "" {
		srv := debugrpc.NewServer(rpc.Endpoint, node.Store, node.Dispatch)
		srv.Start(ctx)
		logger.Printf(logger.INFO, "[meshnode] debug RPC listening on %s\n", rpc.Endpoint)
	}

	sigCh := make(chan os.Signal, 5)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Println(logger.INFO, "[meshnode] terminating on signal")
}
