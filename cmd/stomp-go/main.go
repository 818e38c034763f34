// Copyright 2023 The emqx-go Authors
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

// Command stomp-go runs the STOMP broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/turtacn/stomp-go/pkg/config"
	"github.com/turtacn/stomp-go/pkg/logx"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "stomp-go:", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.Broker.LogLevel = logLevel
	}

	log, err := logx.New(cfg.Broker.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("node", cfg.Broker.NodeID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := a.start(); err != nil {
		return err
	}
	log.Info("broker started",
		zap.String("stomp", a.tcp.Addr().String()),
		zap.String("admin", cfg.Broker.AdminAddr),
		zap.String("grpc", cfg.Broker.GRPCAddr))
	return a.wait(ctx)
}
