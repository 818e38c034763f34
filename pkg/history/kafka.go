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

package history

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic is the Kafka topic KafkaSink writes to when none is configured.
const DefaultTopic = "stomp.session-history"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each event as a JSON record keyed by username, so one
// user's events stay ordered within a partition.
type KafkaSink struct {
	w messageWriter
}

type kafkaRecord struct {
	Event        EventKind `json:"event"`
	Username     string    `json:"username"`
	ConnectionID uint64    `json:"connection_id"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	Abrupt       bool      `json:"abrupt"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// OpenKafka creates a sink writing to topic on brokers, a comma-separated
// host:port list. Connections are made on the first write.
func OpenKafka(brokers, topic string) (*KafkaSink, error) {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSink{w: &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}, nil
}

// Write implements Sink.
func (s *KafkaSink) Write(ctx context.Context, e Event) error {
	value, err := json.Marshal(kafkaRecord{
		Event:        e.Kind,
		Username:     e.Username,
		ConnectionID: e.ConnectionID,
		RemoteAddr:   e.RemoteAddr,
		Abrupt:       e.Abrupt,
		OccurredAt:   e.At,
	})
	if err != nil {
		return err
	}
	return s.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.Username),
		Value:   value,
		Time:    e.At,
		Headers: []kafka.Header{{Key: "event", Value: []byte(e.Kind)}},
	})
}

// Close implements Sink.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}
