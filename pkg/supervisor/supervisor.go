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

// Package supervisor provides an OTP-style supervisor for managing the
// lifecycle of concurrent actors.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/stomp-go/pkg/actor"
	"github.com/turtacn/stomp-go/pkg/metrics"
)

// ErrNoSpecs is returned by Start when called without children.
var ErrNoSpecs = errors.New("no child specs provided")

// DefaultBackoff is the pause before a crashed child is restarted.
const DefaultBackoff = time.Second

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent indicates that the child actor should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient indicates that the child actor should be restarted only if
	// it terminates abnormally (i.e., with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the child actor should never be restarted.
	RestartTemporary
)

// Spec describes a child actor managed by a supervisor.
type Spec struct {
	// ID is a unique identifier for the child actor, used for logging and the
	// restart metric.
	ID string
	// Actor is the actor instance to be supervised.
	Actor actor.Actor
	// Restart defines the restart strategy for this child.
	Restart RestartStrategy
	// Mailbox is the mailbox to be used by the actor. It survives restarts, so
	// queued messages are not lost when the actor crashes.
	Mailbox *actor.Mailbox
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	// Start begins the supervision of a set of child actors.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single child actor dynamically.
	StartChild(ctx context.Context, spec Spec)
	// Wait blocks until every supervised child has stopped for good.
	Wait()
}

// Option configures a OneForOneSupervisor.
type Option func(*OneForOneSupervisor)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(log *zap.Logger) Option {
	return func(s *OneForOneSupervisor) { s.log = log }
}

// WithBackoff sets the pause before a restart.
func WithBackoff(d time.Duration) Option {
	return func(s *OneForOneSupervisor) { s.backoff = d }
}

// OneForOneSupervisor implements a one-for-one supervision strategy.
// If a child process terminates, only that process is restarted.
type OneForOneSupervisor struct {
	log     *zap.Logger
	backoff time.Duration
	wg      sync.WaitGroup
}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor(opts ...Option) *OneForOneSupervisor {
	s := &OneForOneSupervisor{log: zap.NewNop(), backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the initial set of supervised children. This method is non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return ErrNoSpecs
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single new child actor in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	childCtx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorChild(childCtx, cancel, spec)
	}()
}

// Wait blocks until every child goroutine has returned.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

// monitorChild is the internal loop that monitors a single child actor.
// It handles actor termination, panics, and restart logic.
func (s *OneForOneSupervisor) monitorChild(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer cancel()
	log := s.log.With(zap.String("actor", spec.ID))

	for {
		err := s.run(ctx, spec)
		log.Debug("actor terminated", zap.Error(err))

		// If the supervisor's context is done, do not restart.
		if ctx.Err() != nil {
			return
		}

		if !shouldRestart(spec.Restart, err) {
			log.Debug("actor will not be restarted")
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Warn("restarting actor", zap.Error(err), zap.Duration("backoff", s.backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff):
		}
	}
}

func shouldRestart(strategy RestartStrategy, err error) bool {
	switch strategy {
	case RestartPermanent:
		return true
	case RestartTransient:
		return err != nil
	default:
		return false
	}
}

// run starts the actor, converting a panic into an error.
func (s *OneForOneSupervisor) run(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	return spec.Actor.Start(ctx, spec.Mailbox)
}
