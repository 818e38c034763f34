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

// Package history records session login and logout events. Events are queued
// on an actor mailbox and written to a Sink by a supervised worker, so the
// protocol path never waits on the sink.
package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/stomp-go/pkg/actor"
	"github.com/turtacn/stomp-go/pkg/metrics"
	"github.com/turtacn/stomp-go/pkg/supervisor"
)

// DefaultQueueSize is the mailbox capacity used when none is configured.
const DefaultQueueSize = 1024

// writeTimeout bounds a single sink write.
const writeTimeout = 5 * time.Second

// EventKind distinguishes login from logout events.
type EventKind string

const (
	EventLogin  EventKind = "login"
	EventLogout EventKind = "logout"
)

// Event is one session transition.
type Event struct {
	Kind         EventKind
	Username     string
	ConnectionID uint64
	RemoteAddr   string
	// Abrupt is set on logouts caused by transport loss rather than DISCONNECT.
	Abrupt bool
	At     time.Time
}

// Sink persists events.
type Sink interface {
	Write(ctx context.Context, e Event) error
	Close() error
}

// Recorder is the actor that drains queued events into a Sink.
type Recorder struct {
	sink Sink
	mb   *actor.Mailbox
	log  *zap.Logger
}

// NewRecorder creates a recorder with a mailbox of queueSize events.
func NewRecorder(sink Sink, queueSize int, log *zap.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Recorder{sink: sink, mb: actor.NewMailbox(queueSize), log: log}
}

// Record queues e without blocking. A full queue drops the event and reports
// false.
func (r *Recorder) Record(e Event) bool {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if r.mb.TrySend(e) {
		return true
	}
	metrics.QueueDroppedTotal.WithLabelValues("history").Inc()
	return false
}

// Spec returns the supervisor spec running this recorder.
func (r *Recorder) Spec() supervisor.Spec {
	return supervisor.Spec{
		ID:      "history",
		Actor:   r,
		Restart: supervisor.RestartTransient,
		Mailbox: r.mb,
	}
}

// Start is the main loop of the recorder actor. On cancellation it writes
// whatever is still queued before returning.
func (r *Recorder) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			if n := mb.Drain(func(m any) { r.write(context.Background(), m) }); n > 0 {
				r.log.Debug("history drained", zap.Int("events", n))
			}
			return nil
		}
		r.write(context.Background(), msg)
	}
}

func (r *Recorder) write(parent context.Context, msg any) {
	e, ok := msg.(Event)
	if !ok {
		r.log.Warn("unexpected history message", zap.Any("message", msg))
		return
	}
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()
	if err := r.sink.Write(ctx, e); err != nil {
		r.log.Warn("history write failed",
			zap.String("event", string(e.Kind)),
			zap.String("username", e.Username),
			zap.Error(err))
	}
}

// Close releases the sink. Call it after the recorder has stopped.
func (r *Recorder) Close() error {
	return r.sink.Close()
}

// LogSink writes events to a zap logger.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink returns a sink logging each event at Info.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, e Event) error {
	s.log.Info("session event",
		zap.String("event", string(e.Kind)),
		zap.String("username", e.Username),
		zap.Uint64("conn", e.ConnectionID),
		zap.String("remote", e.RemoteAddr),
		zap.Bool("abrupt", e.Abrupt),
		zap.Time("at", e.At))
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error {
	return nil
}
