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

// Package monitor runs periodic health checks for the broker and publishes
// the result through the standard gRPC health service.
package monitor

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName is the gRPC health service name reported for the broker.
	ServiceName = "stomp.Broker"

	// DefaultInterval is the period between check runs.
	DefaultInterval = 5 * time.Second

	checkTimeout = 2 * time.Second
)

// CheckFunc reports an unhealthy condition as a non-nil error.
type CheckFunc func(ctx context.Context) error

// HealthCheck represents a registered health check
type HealthCheck struct {
	Name        string
	CheckFunc   CheckFunc
	Critical    bool
	LastChecked time.Time
	LastError   error
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Goroutines int                    `json:"goroutines"`
	Checks     map[string]CheckResult `json:"checks"`
}

// HealthChecker runs registered checks. Only failing critical checks make the
// broker unhealthy.
type HealthChecker struct {
	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
	checks    map[string]*HealthCheck
	log       *zap.Logger
}

// NewHealthChecker creates a checker with the default goroutine check.
func NewHealthChecker(log *zap.Logger) *HealthChecker {
	if log == nil {
		log = zap.NewNop()
	}
	hc := &HealthChecker{
		healthy: true,
		checks:  make(map[string]*HealthCheck),
		log:     log,
	}
	hc.RegisterCheck("goroutines", GoroutineCheck(100000), false)
	return hc
}

// RegisterCheck registers or replaces a health check.
func (hc *HealthChecker) RegisterCheck(name string, fn CheckFunc, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = &HealthCheck{Name: name, CheckFunc: fn, Critical: critical}
}

// UnregisterCheck removes a health check
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// RunChecks executes every registered check and returns the new status.
// Checks run without the checker's lock held.
func (hc *HealthChecker) RunChecks(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	pending := make([]HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		pending = append(pending, *c)
	}
	hc.mu.RUnlock()

	now := time.Now()
	errs := make(map[string]error, len(pending))
	for _, c := range pending {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		errs[c.Name] = c.CheckFunc(cctx)
		cancel()
		if took := time.Since(start); took > time.Second {
			hc.log.Warn("slow health check", zap.String("check", c.Name), zap.Duration("took", took))
		}
	}

	hc.mu.Lock()
	healthy := true
	for name, err := range errs {
		c, ok := hc.checks[name]
		if !ok {
			continue
		}
		c.LastChecked, c.LastError = now, err
		if err != nil && c.Critical {
			healthy = false
		}
	}
	changed := hc.healthy != healthy
	hc.healthy, hc.lastCheck = healthy, now
	hc.mu.Unlock()

	if changed {
		hc.log.Info("health changed", zap.Bool("healthy", healthy))
	}
	return hc.GetStatus()
}

// GetStatus returns the status of the last run without running checks.
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]CheckResult, len(hc.checks))
	for name, c := range hc.checks {
		status, message := "unknown", ""
		if !c.LastChecked.IsZero() {
			if c.LastError != nil {
				status, message = "failed", c.LastError.Error()
			} else {
				status = "passed"
			}
		}
		results[name] = CheckResult{
			Status:      status,
			LastChecked: c.LastChecked,
			Message:     message,
			Critical:    c.Critical,
		}
	}
	overall := "healthy"
	if !hc.healthy {
		overall = "unhealthy"
	}
	return HealthStatus{
		Status:     overall,
		Timestamp:  hc.lastCheck,
		Goroutines: runtime.NumGoroutine(),
		Checks:     results,
	}
}

// IsHealthy returns true if no critical check failed in the last run.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// Failing returns the names of checks that failed in the last run, sorted.
func (hc *HealthChecker) Failing() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	var names []string
	for name, c := range hc.checks {
		if c.LastError != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GoroutineCheck fails when more than limit goroutines are running.
func GoroutineCheck(limit int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return fmt.Errorf("high goroutine count: %d", n)
		}
		return nil
	}
}

// ListenerCheck fails while serving reports false.
func ListenerCheck(name string, serving func() bool) CheckFunc {
	return func(context.Context) error {
		if !serving() {
			return fmt.Errorf("%s listener is not serving", name)
		}
		return nil
	}
}

// Server exposes the checker through grpc.health.v1.Health.
type Server struct {
	checker  *HealthChecker
	health   *health.Server
	grpc     *grpc.Server
	interval time.Duration
	log      *zap.Logger
}

// NewServer creates the gRPC health endpoint. A non-positive interval selects
// DefaultInterval.
func NewServer(checker *HealthChecker, interval time.Duration, log *zap.Logger) *Server {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		checker:  checker,
		health:   health.NewServer(),
		grpc:     grpc.NewServer(),
		interval: interval,
		log:      log,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Refresh runs the checks once and publishes the result.
func (s *Server) Refresh(ctx context.Context) {
	s.checker.RunChecks(ctx)
	if s.checker.IsHealthy() {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
		return
	}
	s.log.Warn("broker unhealthy", zap.Strings("failing", s.checker.Failing()))
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
}

// Serve runs the gRPC server on lis and refreshes health every interval until
// ctx is cancelled. On return every service reports NOT_SERVING.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()
	s.log.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))

	s.Refresh(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Refresh(ctx)
		case err := <-errCh:
			s.health.Shutdown()
			return err
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.Stop()
			<-errCh
			return nil
		}
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}
