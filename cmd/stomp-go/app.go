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


package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	protoactor "github.com/asynkron/protoactor-go/actor"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/stomp-go/pkg/admin"
	"github.com/turtacn/stomp-go/pkg/bridge"
	"github.com/turtacn/stomp-go/pkg/broker"
	"github.com/turtacn/stomp-go/pkg/config"
	"github.com/turtacn/stomp-go/pkg/history"
	"github.com/turtacn/stomp-go/pkg/monitor"
	"github.com/turtacn/stomp-go/pkg/supervisor"
	"github.com/turtacn/stomp-go/pkg/transport"
)

const certExpiryWarning = 30 * 24 * time.Hour

// app is one running broker process: the broker, its listeners and the
// supervised side actors.
type app struct {
	cfg *config.BrokerConfig
	log *zap.Logger

	broker   *broker.Broker
	tcp      *transport.Server
	ws       *transport.WSServer
	recorder *history.Recorder
	bridge   *bridge.Bridge
	health   *monitor.HealthChecker

	sup        *supervisor.OneForOneSupervisor
	stopActors context.CancelFunc
	started    bool
}

// newApp builds the broker and opens the configured history sink and MQTT
// bridge. Nothing listens until start.
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	bc := &cfg.Broker
	hasher, err := cfg.Hasher()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: bc, log: log}
	opts := broker.Options{NodeID: bc.NodeID, Hasher: hasher, Logger: log}

	if bc.History.Enabled {
		sink, err := openSink(ctx, bc.History, log)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		a.recorder = history.NewRecorder(sink, bc.History.QueueSize, log.Named("history"))
		opts.History = a.recorder
	}
	if bc.Bridge.Enabled {
		pub, err := bridge.NewPahoPublisher(bridge.PahoConfig{
			BrokerURL: bc.Bridge.BrokerURL,
			ClientID:  bc.Bridge.ClientID,
			Username:  bc.Bridge.Username,
			Password:  bc.Bridge.Password,
			QoS:       bc.Bridge.QoS,
		}, log)
		if err != nil {
			a.closeActors()
			return nil, fmt.Errorf("mqtt bridge: %w", err)
		}
		a.bridge = bridge.New(pub, bridge.Options{
			TopicPrefix:      bc.Bridge.TopicPrefix,
			QueueSize:        bc.Bridge.QueueSize,
			FailureThreshold: bc.Bridge.FailureThreshold,
		}, log.Named("bridge"))
		opts.Bridge = a.bridge
	}

	a.broker = broker.New(opts)
	for _, u := range bc.Auth.Users {
		cred, err := u.Credential(bc.Auth.BcryptCost)
		if err != nil {
			a.closeActors()
			return nil, fmt.Errorf("user %s: %w", u.Username, err)
		}
		if err := a.broker.Sessions().Preseed(u.Username, cred); err != nil {
			a.closeActors()
			return nil, err
		}
	}
	log.Info("users preseeded", zap.Int("count", len(bc.Auth.Users)))

	system := protoactor.NewActorSystem()
	topts := []transport.Option{
		transport.WithMaxFrameSize(bc.MaxFrameSize),
		transport.WithLogger(log.Named("transport")),
	}
	if bc.TLS.Enabled {
		tc, err := bc.TLS.Load()
		if err != nil {
			a.closeActors()
			return nil, err
		}
		if info, err := bc.TLS.Inspect(); err == nil {
			log.Info("tls certificate loaded",
				zap.String("subject", info.Subject),
				zap.Time("not_after", info.NotAfter),
				zap.String("fingerprint", info.Fingerprint))
			if info.ExpiresWithin(certExpiryWarning) {
				log.Warn("tls certificate expires soon", zap.Time("not_after", info.NotAfter))
			}
		}
		topts = append(topts, transport.WithTLS(tc))
	}
	a.tcp = transport.NewServer(a.broker, system, topts...)
	if bc.WSAddr != "" {
		a.ws = transport.NewWSServer(a.broker, system, bc.WSPath, topts...)
	}

	a.health = monitor.NewHealthChecker(log.Named("health"))
	a.health.RegisterCheck("stomp_listener", monitor.ListenerCheck("stomp", a.tcp.Serving), true)
	if a.ws != nil {
		a.health.RegisterCheck("ws_listener", monitor.ListenerCheck("websocket", a.ws.Serving), true)
	}
	if a.bridge != nil {
		a.health.RegisterCheck("mqtt_bridge", func(context.Context) error {
			if a.bridge.State() == gobreaker.StateOpen {
				return errors.New("mqtt bridge circuit is open")
			}
			return nil
		}, false)
	}
	return a, nil
}

// openSink selects the history sink named in the configuration.
func openSink(ctx context.Context, hc config.HistoryConfig, log *zap.Logger) (history.Sink, error) {
	switch hc.Sink {
	case config.SinkPostgres:
		return history.OpenPostgres(ctx, hc.URL, hc.Table)
	case config.SinkMySQL:
		return history.OpenMySQL(ctx, hc.URL, hc.Table)
	case config.SinkRedis:
		return history.OpenRedis(ctx, hc.URL, hc.Stream, hc.MaxLen)
	case config.SinkKafka:
		return history.OpenKafka(hc.URL, hc.Topic)
	default:
		return history.NewLogSink(log.Named("history")), nil
	}
}

// start launches the side actors and the STOMP listeners.
func (a *app) start() error {
	var specs []supervisor.Spec
	if a.recorder != nil {
		specs = append(specs, a.recorder.Spec())
	}
	if a.bridge != nil {
		specs = append(specs, a.bridge.Spec())
	}
	// Side actors outlive the listeners so the last logouts are recorded.
	actorCtx, cancel := context.WithCancel(context.Background())
	a.stopActors = cancel
	a.sup = supervisor.NewOneForOneSupervisor(supervisor.WithLogger(a.log.Named("supervisor")))
	if len(specs) > 0 {
		if err := a.sup.Start(actorCtx, specs); err != nil {
			return err
		}
	}

	if err := a.tcp.Start(a.cfg.StompAddr); err != nil {
		a.closeActors()
		return fmt.Errorf("stomp listener: %w", err)
	}
	if a.ws != nil {
		if err := a.ws.Start(a.cfg.WSAddr); err != nil {
			a.tcp.Stop()
			a.closeActors()
			return fmt.Errorf("websocket listener: %w", err)
		}
	}
	a.started = true
	return nil
}

// wait serves the admin and health endpoints until ctx is cancelled or one
// of them fails, then shuts everything down.
func (a *app) wait(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.AdminAddr != "" {
		g.Go(func() error {
			return admin.Serve(gctx, a.cfg.AdminAddr, a.broker, a.log.Named("admin"))
		})
	}
	if a.cfg.GRPCAddr != "" {
		hs := monitor.NewServer(a.health, 0, a.log.Named("health"))
		g.Go(func() error {
			return hs.ListenAndServe(gctx, a.cfg.GRPCAddr)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})
	return g.Wait()
}

// shutdown notifies logged-in clients, closes every connection and then
// stops the side actors once their queues are drained.
func (a *app) shutdown() {
	if !a.started {
		return
	}
	a.started = false
	n := a.broker.Shutdown()
	a.log.Info("shutting down", zap.Int("notified", n))
	a.tcp.Stop()
	if a.ws != nil {
		a.ws.Stop()
	}
	// Transports close their own connections; anything left was registered
	// outside them.
	if n := a.broker.Connections().CloseAll(); n > 0 {
		a.log.Warn("closed lingering connections", zap.Int("count", n))
	}
	a.closeActors()
	a.log.Info("shutdown complete")
}

func (a *app) closeActors() {
	if a.stopActors != nil {
		a.stopActors()
		a.sup.Wait()
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Warn("closing history sink", zap.Error(err))
		}
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
}
