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

// Package broker contains the STOMP broker service: the registries shared by
// every connection and the per-connection protocol state machine.
package broker

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/turtacn/stomp-go/pkg/auth"
	"github.com/turtacn/stomp-go/pkg/connection"
	"github.com/turtacn/stomp-go/pkg/history"
	"github.com/turtacn/stomp-go/pkg/metrics"
	"github.com/turtacn/stomp-go/pkg/session"
	"github.com/turtacn/stomp-go/pkg/topic"
)

// Version is the broker release reported in the CONNECTED server header.
const Version = "0.1.0"

// ChannelAuthenticated is the connection registry channel every logged-in
// connection joins.
const ChannelAuthenticated = "authenticated"

// HistoryRecorder receives session events. *history.Recorder implements it.
type HistoryRecorder interface {
	Record(e history.Event) bool
}

// Forwarder receives every successfully published message after fan-out.
// *bridge.Bridge implements it.
type Forwarder interface {
	Offer(destination, body string) bool
}

// Options configures a Broker.
type Options struct {
	NodeID string
	// Hasher hashes the secret of users registered on first login.
	Hasher  auth.Hasher
	History HistoryRecorder
	Bridge  Forwarder
	Logger  *zap.Logger
}

// Broker owns the session, subscription and connection registries and hands
// them to each connection's Handler.
type Broker struct {
	nodeID   string
	server   string
	log      *zap.Logger
	history  HistoryRecorder
	bridge   Forwarder
	sessions *session.Registry
	topics   *topic.Store
	conns    *connection.Registry
	nextID   atomic.Uint64
}

// New creates a new Broker with empty registries.
func New(opts Options) *Broker {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		nodeID:   opts.NodeID,
		server:   "stomp-go/" + Version,
		log:      log.Named("broker"),
		history:  opts.History,
		bridge:   opts.Bridge,
		sessions: session.NewRegistry(opts.Hasher),
		topics:   topic.NewStore(),
		conns:    connection.NewRegistry(),
	}
}

// Sessions returns the session registry.
func (b *Broker) Sessions() *session.Registry { return b.sessions }

// Topics returns the subscription registry.
func (b *Broker) Topics() *topic.Store { return b.topics }

// Connections returns the connection registry.
func (b *Broker) Connections() *connection.Registry { return b.conns }

// NextConnectionID returns a fresh connection identifier. Identifiers start
// at 1 and are never reused.
func (b *Broker) NextConnectionID() connection.ID {
	return connection.ID(b.nextID.Add(1))
}

// Accept registers the outbound handle of a new connection and returns the
// Handler the transport feeds decoded frames to.
func (b *Broker) Accept(id connection.ID, h connection.Handle, remoteAddr string) *Handler {
	b.conns.Register(id, h)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	log := b.log.With(zap.Uint64("conn", uint64(id)), zap.String("remote", remoteAddr))
	log.Info("connection accepted")
	return &Handler{broker: b, id: id, remote: remoteAddr, log: log}
}

// Shutdown sends an ERROR frame to every logged-in connection and returns
// how many were notified. Transports close the sockets afterwards.
func (b *Broker) Shutdown() int {
	n := b.conns.Broadcast(ChannelAuthenticated, errorFrame("", ReasonShuttingDown, "", ""))
	b.log.Info("shutdown notice sent", zap.Int("connections", n))
	return n
}

// Stats is a point-in-time summary of the registries.
type Stats struct {
	NodeID        string `json:"node_id"`
	Connections   int    `json:"connections"`
	Sessions      int    `json:"sessions"`
	Users         int    `json:"users"`
	Topics        int    `json:"topics"`
	Subscriptions int    `json:"subscriptions"`
}

// Stats returns current registry sizes.
func (b *Broker) Stats() Stats {
	return Stats{
		NodeID:        b.nodeID,
		Connections:   b.conns.Len(),
		Sessions:      b.sessions.Sessions(),
		Users:         b.sessions.Users(),
		Topics:        b.topics.TopicCount(),
		Subscriptions: b.topics.SubscriptionCount(),
	}
}
