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

package connection

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"

	"github.com/turtacn/stomp-go/pkg/protocol/stomp"
)

// ErrClosed is returned by ActorHandle.Send after Close.
var ErrClosed = errors.New("connection closed")

// Outbound is the message a Writer actor receives for each frame to write.
type Outbound struct {
	Frame *stomp.Frame
}

// Writer actor owns the write side of a single client connection. Frames
// arrive through its mailbox, so a publisher fanning out to many connections
// never waits on a slow socket.
type Writer struct {
	id     ID
	w      io.Writer
	log    *zap.Logger
	failed bool
}

// NewWriter creates props for a Writer actor writing encoded frames to w.
func NewWriter(id ID, w io.Writer, log *zap.Logger) *actor.Props {
	return actor.PropsFromProducer(func() actor.Actor {
		return &Writer{id: id, w: w, log: log}
	})
}

// Receive is the message handler for the Writer actor.
func (c *Writer) Receive(context actor.Context) {
	switch msg := context.Message().(type) {
	case *actor.Started:
		c.log.Debug("writer started", zap.Uint64("conn", uint64(c.id)))
	case *Outbound:
		c.write(msg.Frame)
	case *actor.Stopping:
		c.log.Debug("writer stopping", zap.Uint64("conn", uint64(c.id)))
	}
}

func (c *Writer) write(f *stomp.Frame) {
	// After the first failed write the peer is gone; drop the rest.
	if c.failed || f == nil {
		return
	}
	if _, err := c.w.Write(stomp.Encode(f)); err != nil {
		c.failed = true
		c.log.Debug("write failed", zap.Uint64("conn", uint64(c.id)), zap.Error(err))
	}
}

// ActorHandle is the Handle a transport registers for a connection whose
// writes go through a Writer actor.
type ActorHandle struct {
	root   *actor.RootContext
	pid    *actor.PID
	closed atomic.Bool
}

// NewActorHandle wraps the PID of a spawned Writer.
func NewActorHandle(root *actor.RootContext, pid *actor.PID) *ActorHandle {
	return &ActorHandle{root: root, pid: pid}
}

// Send queues f on the writer's mailbox.
func (h *ActorHandle) Send(f *stomp.Frame) error {
	if h.closed.Load() {
		return ErrClosed
	}
	h.root.Send(h.pid, &Outbound{Frame: f})
	return nil
}

// Close stops the writer after every frame already queued has been written.
// Later calls return immediately.
func (h *ActorHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return h.root.PoisonFuture(h.pid).Wait()
}
