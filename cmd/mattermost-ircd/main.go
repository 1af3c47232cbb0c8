// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mattermost-ircd is an IRC gateway to a Mattermost workspace.
// Standard IRC clients connect to it and use the workspace as a regular
// IRC network under a single authenticated identity.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-ircd/pkg/gateway"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// A .env file is optional; real environment takes precedence.
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "generate-config" {
		fmt.Print(gateway.ExampleConfig)
		return
	}

	configPath := os.Getenv("MMIRCD_CONFIG")
	if configPath == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			configPath = "config.yaml"
		}
	}
	cfg, err := gateway.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mattermost-ircd: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		Level(level).
		With().Timestamp().Logger()

	if Tag != "unknown" {
		gateway.Version = Tag
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting mattermost-ircd")

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("listen_addr", cfg.ListenAddr).Msg("Failed to listen")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	remote := gateway.NewMattermostRemote(cfg.Mattermost, log)
	srv := gateway.NewServer(cfg, log, remote)
	if err := srv.Run(ctx, ln); err != nil {
		log.Fatal().Err(err).Msg("Gateway exited with error")
	}
	log.Info().Msg("Goodbye")
}
