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

// Package admin provides the read-only HTTP management API of the STOMP
// broker: health, Prometheus metrics and registry inspection.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/turtacn/stomp-go/pkg/broker"
	"github.com/turtacn/stomp-go/pkg/connection"
	"github.com/turtacn/stomp-go/pkg/metrics"
	"github.com/turtacn/stomp-go/pkg/session"
	"github.com/turtacn/stomp-go/pkg/topic"
)

// BrokerInterface is the part of the broker the API reads from.
type BrokerInterface interface {
	Stats() broker.Stats
	Sessions() *session.Registry
	Topics() *topic.Store
}

// APIResponse represents a standard API response
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// PaginationMeta represents pagination metadata
type PaginationMeta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
	Total int `json:"total"`
}

// Page is one page of a listing.
type Page[T any] struct {
	Data []T           `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

// APIServer provides REST API endpoints for broker inspection
type APIServer struct {
	broker  BrokerInterface
	log     *zap.Logger
	started time.Time
}

// NewAPIServer creates a new API server instance
func NewAPIServer(b BrokerInterface, log *zap.Logger) *APIServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &APIServer{broker: b, log: log, started: time.Now()}
}

// Router returns the HTTP handler serving every endpoint.
func (s *APIServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Get("/stats", s.handleStats)
		ar.Get("/sessions", s.handleSessions)
		ar.Get("/topics", s.handleTopics)
		ar.Get("/connections/{id}/subscriptions", s.handleConnectionSubscriptions)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

func (s *APIServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("admin request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// handleHealth handles /healthz endpoint
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.started).Truncate(time.Second).String(),
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleStats handles /api/v1/stats endpoint
func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, s.broker.Stats())
}

// handleSessions handles /api/v1/sessions endpoint
func (s *APIServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, paginate(r, s.broker.Sessions().List()))
}

// handleTopics handles /api/v1/topics endpoint
func (s *APIServer) handleTopics(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, paginate(r, s.broker.Topics().Topics()))
}

// handleConnectionSubscriptions handles /api/v1/connections/{id}/subscriptions
func (s *APIServer) handleConnectionSubscriptions(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid connection id")
		return
	}
	s.writeSuccess(w, s.broker.Topics().SubscriptionsOf(connection.ID(id)))
}

func paginate[T any](r *http.Request, items []T) Page[T] {
	page, limit := getPagination(r)
	start := (page - 1) * limit
	end := start + limit
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	data := items[start:end]
	if data == nil {
		data = []T{}
	}
	return Page[T]{
		Data: data,
		Meta: PaginationMeta{Page: page, Limit: limit, Count: len(data), Total: len(items)},
	}
}

func getPagination(r *http.Request) (page int, limit int) {
	page = 1
	limit = 20

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	return page, limit
}

func (s *APIServer) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, APIResponse{Code: 0, Data: data})
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{Code: statusCode, Message: message})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("failed to encode admin response", zap.Error(err))
	}
}

// Serve runs the admin API on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, b BrokerInterface, log *zap.Logger) error {
	api := NewAPIServer(b, log)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: api.Router(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	api.log.Info("admin API listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
