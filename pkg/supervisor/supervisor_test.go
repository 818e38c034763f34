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

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/turtacn/stomp-go/pkg/actor"
	"github.com/turtacn/stomp-go/pkg/metrics"
)

// mockActor is a controllable actor for testing purposes.
type mockActor struct {
	startFunc func(ctx context.Context, mb *actor.Mailbox) error
}

func (m *mockActor) Start(ctx context.Context, mb *actor.Mailbox) error {
	if m.startFunc != nil {
		return m.startFunc(ctx, mb)
	}
	// Block until context is cancelled by default
	<-ctx.Done()
	return nil
}

func newTestSupervisor() *OneForOneSupervisor {
	return NewOneForOneSupervisor(WithLogger(zap.NewNop()), WithBackoff(10*time.Millisecond))
}

func countingActor(starts *atomic.Int32, result func() error) *mockActor {
	return &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
		starts.Add(1)
		return result()
	}}
}

func TestSupervisor_StartAndShutdown(t *testing.T) {
	sup := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	spec := Spec{
		ID: "test-actor",
		Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			close(started)
			<-ctx.Done()
			return nil
		}},
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}

	assert.NoError(t, sup.Start(ctx, []Spec{spec}))
	<-started

	cancel()
	sup.Wait()
}

func TestSupervisor_MailboxSurvivesRestart(t *testing.T) {
	sup := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mb := actor.NewMailbox(4)
	got := make(chan any, 4)
	var starts atomic.Int32
	spec := Spec{
		ID: "crash-after-first",
		Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			first := starts.Add(1) == 1
			msg, err := mb.Receive(ctx)
			if err != nil {
				return nil
			}
			got <- msg
			if first {
				return errors.New("boom")
			}
			<-ctx.Done()
			return nil
		}},
		Restart: RestartTransient,
		Mailbox: mb,
	}
	sup.StartChild(ctx, spec)

	mb.Send("one")
	mb.Send("two")
	assert.Equal(t, "one", <-got)
	assert.Equal(t, "two", <-got)
	assert.Equal(t, int32(2), starts.Load())

	cancel()
	sup.Wait()
}

func TestSupervisor_OneForOne_PermanentRestart(t *testing.T) {
	sup := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())

	before := testutil.ToFloat64(metrics.SupervisorRestartsTotal.WithLabelValues("actor-to-restart"))
	var starts atomic.Int32
	spec := Spec{
		ID:      "actor-to-restart",
		Actor:   countingActor(&starts, func() error { return errors.New("i have failed") }),
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}

	assert.NoError(t, sup.Start(ctx, []Spec{spec}))
	assert.Eventually(t, func() bool { return starts.Load() > 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	sup.Wait()

	after := testutil.ToFloat64(metrics.SupervisorRestartsTotal.WithLabelValues("actor-to-restart"))
	assert.GreaterOrEqual(t, after-before, float64(2))
}

func TestSupervisor_OneForOne_PanicRestart(t *testing.T) {
	sup := newTestSupervisor()
	ctx, cancel := context.WithCancel(context.Background())

	var starts atomic.Int32
	spec := Spec{
		ID: "panicking-actor",
		Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			starts.Add(1)
			panic("something went horribly wrong")
		}},
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}

	assert.NoError(t, sup.Start(ctx, []Spec{spec}))
	assert.Eventually(t, func() bool { return starts.Load() > 1 }, 2*time.Second, 5*time.Millisecond,
		"Actor should have panicked and been restarted by the supervisor")
	cancel()
	sup.Wait()
}

func TestSupervisor_Strategies(t *testing.T) {
	t.Run("start with no specs", func(t *testing.T) {
		sup := newTestSupervisor()
		err := sup.Start(context.Background(), []Spec{})
		assert.ErrorIs(t, err, ErrNoSpecs)
	})

	t.Run("temporary never restarts", func(t *testing.T) {
		sup := newTestSupervisor()
		var starts atomic.Int32
		sup.StartChild(context.Background(), Spec{
			ID:      "temp-actor",
			Actor:   countingActor(&starts, func() error { return errors.New("failed") }),
			Restart: RestartTemporary,
			Mailbox: actor.NewMailbox(1),
		})
		sup.Wait()
		assert.Equal(t, int32(1), starts.Load(), "Temporary actor should only start once")
	})

	t.Run("transient restart on error", func(t *testing.T) {
		sup := newTestSupervisor()
		ctx, cancel := context.WithCancel(context.Background())
		var starts atomic.Int32
		sup.StartChild(ctx, Spec{
			ID:      "transient-actor-fail",
			Actor:   countingActor(&starts, func() error { return errors.New("i failed") }),
			Restart: RestartTransient,
			Mailbox: actor.NewMailbox(1),
		})
		assert.Eventually(t, func() bool { return starts.Load() > 1 }, 2*time.Second, 5*time.Millisecond)
		cancel()
		sup.Wait()
	})

	t.Run("transient no restart on success", func(t *testing.T) {
		sup := newTestSupervisor()
		var starts atomic.Int32
		sup.StartChild(context.Background(), Spec{
			ID:      "transient-actor-success",
			Actor:   countingActor(&starts, func() error { return nil }),
			Restart: RestartTransient,
			Mailbox: actor.NewMailbox(1),
		})
		sup.Wait()
		assert.Equal(t, int32(1), starts.Load(), "Transient actor should not restart after normal termination")
	})
}
