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

// Package transport is responsible for handling the network transport layer of
// the STOMP server. It accepts client connections over TCP or WebSocket, feeds
// their bytes through a frame decoder into a broker.Handler, and writes replies
// through a per-connection writer actor.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"

	"github.com/turtacn/stomp-go/pkg/broker"
	"github.com/turtacn/stomp-go/pkg/connection"
	"github.com/turtacn/stomp-go/pkg/protocol/stomp"
)

// Option configures a Server or WSServer.
type Option func(*options)

type options struct {
	maxFrameSize int
	log          *zap.Logger
	tls          *tls.Config
}

func buildOptions(opts []Option) options {
	o := options{maxFrameSize: stomp.DefaultMaxFrameSize, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxFrameSize bounds the size of a single inbound frame.
func WithMaxFrameSize(n int) Option {
	return func(o *options) { o.maxFrameSize = n }
}

// WithTLS serves the listener over TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tls = cfg }
}

// listen opens a TCP listener on addr, wrapped in TLS when configured.
func (o options) listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if o.tls != nil {
		ln = tls.NewListener(ln, o.tls)
	}
	return ln, nil
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// deadliner is the part of a connection used to interrupt a blocked read.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// tracker remembers open connections so Stop can interrupt their readers.
type tracker struct {
	mu    sync.Mutex
	conns map[deadliner]struct{}
}

func (t *tracker) add(c deadliner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns == nil {
		t.conns = make(map[deadliner]struct{})
	}
	t.conns[c] = struct{}{}
}

func (t *tracker) remove(c deadliner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c)
}

// expire makes every pending read fail now. Readers then run the normal close
// path, which flushes queued frames before the socket closes.
func (t *tracker) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c := range t.conns {
		_ = c.SetReadDeadline(time.Now())
	}
}

// session wires one accepted connection to the broker.
type session struct {
	handler *broker.Handler
	handle  *connection.ActorHandle
	decoder *stomp.Decoder
}

func openSession(b *broker.Broker, system *actor.ActorSystem, w io.Writer, remote string, o options) *session {
	id := b.NextConnectionID()
	pid := system.Root.Spawn(connection.NewWriter(id, w, o.log))
	handle := connection.NewActorHandle(system.Root, pid)
	return &session{
		handler: b.Accept(id, handle, remote),
		handle:  handle,
		decoder: stomp.NewDecoder(o.maxFrameSize),
	}
}

// feedReader pushes bytes from r through the decoder until r is exhausted.
// It returns false once the connection must be closed.
func (s *session) feedReader(r io.ByteReader) bool {
	for {
		c, err := r.ReadByte()
		if err == io.EOF {
			return true
		}
		if err != nil {
			return false
		}
		if !s.feedByte(c) {
			return false
		}
	}
}

func (s *session) feedByte(c byte) bool {
	text, ok, err := s.decoder.DecodeNextByte(c)
	if err != nil {
		s.handler.Reject(err)
		return false
	}
	if ok {
		s.handler.Process(text)
		return !s.handler.ShouldTerminate()
	}
	return true
}

// close runs connection cleanup and waits for queued frames to be written.
func (s *session) close() {
	s.handler.Close()
	_ = s.handle.Close()
}

// Server manages the accepting and handling of raw TCP connections.
// For each incoming connection, it spawns a writer actor and runs the
// protocol handler on the reading goroutine.
type Server struct {
	broker   *broker.Broker
	system   *actor.ActorSystem
	opts     options
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	conns    tracker
}

// NewServer creates and returns a new transport Server.
func NewServer(b *broker.Broker, system *actor.ActorSystem, opts ...Option) *Server {
	return &Server{
		broker: b,
		system: system,
		opts:   buildOptions(opts),
		quit:   make(chan struct{}),
	}
}

// Start begins listening for new connections on the specified network address.
// It starts the accept loop in a new goroutine.
func (s *Server) Start(addr string) error {
	ln, err := s.opts.listen(addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.opts.log.Info("STOMP TCP listener started",
		zap.String("addr", ln.Addr().String()), zap.Bool("tls", s.opts.tls != nil))
	return nil
}

// Run starts the server and blocks until ctx is cancelled, then stops it.
func (s *Server) Run(ctx context.Context, addr string) error {
	if err := s.Start(addr); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop gracefully shuts down the server. It closes the listener, interrupts
// every connection and waits for all of them to finish cleanup.
func (s *Server) Stop() {
	select {
	case <-s.quit:
		return
	default:
		close(s.quit)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.conns.expire()
	s.wg.Wait()
	s.opts.log.Info("STOMP TCP listener stopped")
}

// acceptLoop is the main loop for accepting new client connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.opts.log.Warn("accept failed", zap.Error(err))
			}
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.conns.add(conn)
	defer s.conns.remove(conn)
	// A connection accepted while stopping is interrupted right away.
	select {
	case <-s.quit:
		_ = conn.SetReadDeadline(time.Now())
	default:
	}

	sess := openSession(s.broker, s.system, conn, conn.RemoteAddr().String(), s.opts)
	defer sess.close()

	sess.feedReader(bufio.NewReader(conn))
}

// Serving reports whether the listener is open and accepting.
func (s *Server) Serving() bool {
	if s.listener == nil {
		return false
	}
	select {
	case <-s.quit:
		return false
	default:
		return true
	}
}

// Addr returns the network address that the server is listening on.
// It returns nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
