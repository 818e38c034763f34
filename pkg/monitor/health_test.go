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

package monitor

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker(nil)

	assert.True(t, hc.IsHealthy())
	assert.Contains(t, hc.checks, "goroutines")
	assert.Equal(t, "unknown", hc.GetStatus().Checks["goroutines"].Status)
}

func TestHealthChecker_RunChecks(t *testing.T) {
	hc := NewHealthChecker(nil)

	var calls atomic.Int32
	hc.RegisterCheck("ok", func(ctx context.Context) error {
		calls.Add(1)
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	}, true)
	hc.RegisterCheck("soft", func(context.Context) error { return errors.New("degraded") }, false)

	status := hc.RunChecks(context.Background())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "passed", status.Checks["ok"].Status)
	assert.True(t, status.Checks["ok"].Critical)
	assert.Equal(t, "failed", status.Checks["soft"].Status)
	assert.Equal(t, "degraded", status.Checks["soft"].Message)
	assert.Positive(t, status.Goroutines)
	assert.False(t, status.Timestamp.IsZero())
	assert.True(t, hc.IsHealthy())
	assert.Equal(t, []string{"soft"}, hc.Failing())
}

func TestHealthChecker_CriticalFailure(t *testing.T) {
	hc := NewHealthChecker(nil)
	var up atomic.Bool
	hc.RegisterCheck("listener", ListenerCheck("stomp", up.Load), true)

	status := hc.RunChecks(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.False(t, hc.IsHealthy())
	assert.Equal(t, "stomp listener is not serving", status.Checks["listener"].Message)

	up.Store(true)
	hc.RunChecks(context.Background())
	assert.True(t, hc.IsHealthy())
	assert.Empty(t, hc.Failing())

	hc.UnregisterCheck("listener")
	assert.NotContains(t, hc.GetStatus().Checks, "listener")
}

func TestGoroutineCheck(t *testing.T) {
	assert.NoError(t, GoroutineCheck(1<<20)(context.Background()))
	assert.Error(t, GoroutineCheck(0)(context.Background()))
}

func dialBufconn(t *testing.T, lis *bufconn.Listener) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func checkStatus(client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN
	}
	return resp.GetStatus()
}

func TestServer_ReportsServingStatus(t *testing.T) {
	hc := NewHealthChecker(nil)
	var up atomic.Bool
	up.Store(true)
	hc.RegisterCheck("listener", ListenerCheck("stomp", up.Load), true)

	srv := NewServer(hc, 10*time.Millisecond, nil)
	lis := bufconn.Listen(1 << 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	client := dialBufconn(t, lis)
	assert.Eventually(t, func() bool {
		return checkStatus(client, ServiceName) == healthpb.HealthCheckResponse_SERVING &&
			checkStatus(client, "") == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	up.Store(false)
	assert.Eventually(t, func() bool {
		return checkStatus(client, ServiceName) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	up.Store(true)
	assert.Eventually(t, func() bool {
		return checkStatus(client, ServiceName) == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServer_ListenAndServeError(t *testing.T) {
	srv := NewServer(NewHealthChecker(nil), 0, nil)
	assert.Equal(t, DefaultInterval, srv.interval)
	assert.Error(t, srv.ListenAndServe(context.Background(), "256.0.0.1:bad"))
}
