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

package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/turtacn/stomp-go/pkg/broker"
)

const (
	// DefaultWSPath is the HTTP path STOMP-over-WebSocket clients connect to.
	DefaultWSPath = "/stomp"

	wsBufferSize   = 4096
	wsWriteTimeout = 10 * time.Second
)

// wsWriter adapts a WebSocket to io.Writer: every Write is one text message,
// so each encoded frame travels in its own message. Only the connection's
// writer actor calls it.
type wsWriter struct {
	ws *websocket.Conn
}

func (w wsWriter) Write(p []byte) (int, error) {
	_ = w.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WSServer serves STOMP over WebSocket.
type WSServer struct {
	broker   *broker.Broker
	system   *actor.ActorSystem
	opts     options
	path     string
	upgrader websocket.Upgrader
	srv      *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopped  bool
	conns    tracker
}

// NewWSServer creates a WebSocket transport serving path.
func NewWSServer(b *broker.Broker, system *actor.ActorSystem, path string, opts ...Option) *WSServer {
	if path == "" {
		path = DefaultWSPath
	}
	return &WSServer{
		broker: b,
		system: system,
		opts:   buildOptions(opts),
		path:   path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
			Subprotocols:    []string{"v12.stomp"},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler that upgrades requests on the configured
// path.
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.serveWS)
	return mux
}

// Start listens on addr and serves WebSocket upgrades in the background.
func (s *WSServer) Start(addr string) error {
	ln, err := s.opts.listen(addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.opts.log.Error("websocket server failed", zap.Error(err))
		}
	}()
	s.opts.log.Info("STOMP WebSocket listener started",
		zap.String("addr", ln.Addr().String()), zap.String("path", s.path))
	return nil
}

// Run starts the server and blocks until ctx is cancelled, then stops it.
func (s *WSServer) Run(ctx context.Context, addr string) error {
	if err := s.Start(addr); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop closes the listener, interrupts every WebSocket session and waits for
// their cleanup.
func (s *WSServer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	s.conns.expire()
	s.wg.Wait()
	s.opts.log.Info("STOMP WebSocket listener stopped")
}

// Serving reports whether the listener is open and accepting.
func (s *WSServer) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil && !s.stopped
}

// Addr returns the listening address, or nil before Start.
func (s *WSServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *WSServer) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	s.mu.Lock()
	stopped := s.stopped
	s.conns.add(ws)
	s.mu.Unlock()
	defer s.conns.remove(ws)
	if stopped {
		return
	}
	sess := openSession(s.broker, s.system, wsWriter{ws: ws}, r.RemoteAddr, s.opts)
	defer sess.close()

	// Messages are streamed into the decoder, which bounds every frame, so
	// no message-level read limit is set.
	br := bufio.NewReaderSize(nil, wsBufferSize)
	for {
		_, mr, err := ws.NextReader()
		if err != nil {
			return
		}
		br.Reset(mr)
		if !sess.feedReader(br) {
			return
		}
	}
}
