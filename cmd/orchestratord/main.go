// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombarlow/orchestrator/internal/daemon"
	"github.com/tombarlow/orchestrator/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to orchestratord config file")
		backendType = flag.String("backend", "", "State store backend (memory, redis)")
		redisAddr   = flag.String("redis-addr", "", "Redis address")
		socketPath  = flag.String("socket", "", "Unix socket path")
		tcpAddr     = flag.String("tcp", "", "TCP address to listen on")
		allowRemote = flag.Bool("allow-remote", false, "Allow binding to non-localhost addresses (SECURITY WARNING)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("orchestratord %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := daemon.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if *backendType != "" {
		cfg.Backend.Type = *backendType
	}
	if *redisAddr != "" {
		cfg.Backend.Redis.Addr = *redisAddr
	}
	if *socketPath != "" {
		cfg.Listen.SocketPath = *socketPath
	}
	if *tcpAddr != "" {
		cfg.Listen.TCPAddr = *tcpAddr
	}
	if *allowRemote {
		cfg.Listen.AllowRemote = true
		logger.Warn("--allow-remote is enabled; orchestratord will accept connections from any network address")
	}

	d, err := daemon.New(cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		logger.Error("failed to create daemon", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
