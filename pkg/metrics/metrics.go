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

// Package metrics provides Prometheus metrics for the application.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal is a counter for the total number of accepted connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stomp_connections_total",
		Help: "The total number of connections accepted by the broker.",
	})

	// ConnectionsActive tracks currently open connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stomp_connections_active",
		Help: "The number of currently open connections.",
	})

	// FramesReceivedTotal counts inbound frames by command.
	FramesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stomp_frames_received_total",
		Help: "The total number of frames received, by command.",
	},
		[]string{"command"},
	)

	// ErrorsTotal counts ERROR frames sent, by error kind.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stomp_errors_total",
		Help: "The total number of ERROR frames sent, by kind.",
	},
		[]string{"kind"},
	)

	// MessagesDeliveredTotal counts MESSAGE frames handed to subscribers.
	MessagesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stomp_messages_delivered_total",
		Help: "The total number of MESSAGE frames delivered to subscribers.",
	})

	// LoginsTotal counts login attempts by outcome.
	LoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stomp_logins_total",
		Help: "The total number of login attempts, by outcome.",
	},
		[]string{"outcome"},
	)

	// QueueDroppedTotal counts items dropped because a worker queue was full.
	QueueDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stomp_queue_dropped_total",
		Help: "The total number of items dropped from full worker queues.",
	},
		[]string{"queue"},
	)

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stomp_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
