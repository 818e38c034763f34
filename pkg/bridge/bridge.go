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

// Package bridge forwards messages published on the broker to an external
// MQTT broker. Messages are queued on an actor mailbox and published by a
// supervised worker through a circuit breaker.
package bridge

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/turtacn/stomp-go/pkg/actor"
	"github.com/turtacn/stomp-go/pkg/metrics"
	"github.com/turtacn/stomp-go/pkg/supervisor"
)

// DefaultQueueSize is the mailbox capacity used when none is configured.
const DefaultQueueSize = 4096

// Message is one published message offered to the bridge.
type Message struct {
	Destination string
	Body        string
}

// Publisher sends a payload to a topic on the remote broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close()
}

// Options configures a Bridge.
type Options struct {
	// TopicPrefix is prepended to the destination, without its leading '/'.
	TopicPrefix string
	QueueSize   int
	// FailureThreshold is the number of consecutive publish failures that
	// opens the breaker. Zero selects 5.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open. Zero selects 30s.
	OpenTimeout time.Duration
}

// Bridge is the actor draining offered messages into a Publisher.
type Bridge struct {
	pub    Publisher
	prefix string
	cb     *gobreaker.CircuitBreaker[struct{}]
	mb     *actor.Mailbox
	log    *zap.Logger
}

// New creates a bridge publishing through pub.
func New(pub Publisher, opts Options, log *zap.Logger) *Bridge {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	threshold := opts.FailureThreshold
	b := &Bridge{
		pub:    pub,
		prefix: opts.TopicPrefix,
		mb:     actor.NewMailbox(opts.QueueSize),
		log:    log,
	}
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "mqtt-bridge",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return b
}

// Topic maps a destination to the MQTT topic it is bridged to.
func Topic(prefix, destination string) string {
	return prefix + strings.TrimPrefix(destination, "/")
}

// Offer queues a message without blocking. A full queue drops the message
// and reports false.
func (b *Bridge) Offer(destination, body string) bool {
	if b.mb.TrySend(Message{Destination: destination, Body: body}) {
		return true
	}
	metrics.QueueDroppedTotal.WithLabelValues("bridge").Inc()
	return false
}

// Spec returns the supervisor spec running this bridge.
func (b *Bridge) Spec() supervisor.Spec {
	return supervisor.Spec{
		ID:      "mqtt-bridge",
		Actor:   b,
		Restart: supervisor.RestartPermanent,
		Mailbox: b.mb,
	}
}

// Start is the main loop of the bridge actor. On cancellation it publishes
// whatever is still queued before returning.
func (b *Bridge) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			if n := mb.Drain(func(m any) { b.handle(context.Background(), m) }); n > 0 {
				b.log.Debug("bridge drained", zap.Int("messages", n))
			}
			return nil
		}
		b.handle(ctx, msg)
	}
}

func (b *Bridge) handle(ctx context.Context, msg any) {
	m, ok := msg.(Message)
	if !ok {
		b.log.Warn("unexpected bridge message", zap.Any("message", msg))
		return
	}
	b.forward(ctx, m)
}

func (b *Bridge) forward(ctx context.Context, m Message) {
	topic := Topic(b.prefix, m.Destination)
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.pub.Publish(ctx, topic, []byte(m.Body))
	})
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.QueueDroppedTotal.WithLabelValues("bridge").Inc()
		b.log.Debug("bridge open, message dropped", zap.String("topic", topic))
	default:
		b.log.Warn("bridge publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// State returns the current circuit breaker state.
func (b *Bridge) State() gobreaker.State {
	return b.cb.State()
}

// Close releases the publisher. Call it after the bridge has stopped.
func (b *Bridge) Close() {
	b.pub.Close()
}
