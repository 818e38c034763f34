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

// Package topic provides the thread-safe subscription registry. It indexes
// subscriptions both by topic (for fan-out) and by connection (for
// unsubscribe and teardown), and generates message identifiers. Topics are
// matched by exact string equality.
package topic

import (
	"errors"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/turtacn/stomp-go/pkg/connection"
	"github.com/turtacn/stomp-go/pkg/storage"
)

var (
	// ErrDuplicateID is returned when a connection reuses a subscription id.
	ErrDuplicateID = errors.New("subscription id already in use")
	// ErrAlreadySubscribed is returned when a connection subscribes to a topic
	// it already holds under another id.
	ErrAlreadySubscribed = errors.New("already subscribed to topic")
	// ErrUnknownConnection is returned by Unsubscribe for a connection that
	// holds no subscriptions.
	ErrUnknownConnection = errors.New("connection has no subscriptions")
	// ErrUnknownSubscription is returned by Unsubscribe for an id the
	// connection does not hold.
	ErrUnknownSubscription = errors.New("unknown subscription id")
)

// Subscribers maps each subscribed connection to its own subscription id.
type Subscribers map[connection.ID]string

// Store is the subscription registry. Both indices live in sharded maps, so
// subscriptions on different topics or connections never contend on one lock.
//
// A connection holds at most one subscription per topic, which keeps the two
// indices in agreement.
type Store struct {
	// topic -> connection -> subscription id
	byTopic *storage.Map[string, Subscribers]
	// connection -> subscription id -> topic
	byConn *storage.Map[connection.ID, map[string]string]

	messageID atomic.Uint64
}

// NewStore creates and initializes a new, empty Store.
func NewStore() *Store {
	return &Store{
		byTopic: storage.NewMap[string, Subscribers](),
		byConn:  storage.NewMap[connection.ID, map[string]string](),
	}
}

// Subscribe records that conn receives topic under subscriptionID.
func (s *Store) Subscribe(conn connection.ID, topic, subscriptionID string) error {
	var err error
	s.byConn.Compute(conn, func(subs map[string]string, ok bool) (map[string]string, bool) {
		if !ok {
			subs = make(map[string]string)
		}
		if _, dup := subs[subscriptionID]; dup {
			err = ErrDuplicateID
			return subs, len(subs) > 0
		}
		for _, held := range subs {
			if held == topic {
				err = ErrAlreadySubscribed
				return subs, len(subs) > 0
			}
		}
		subs[subscriptionID] = topic
		return subs, true
	})
	if err != nil {
		return err
	}

	s.byTopic.Compute(topic, func(subs Subscribers, ok bool) (Subscribers, bool) {
		if !ok {
			subs = make(Subscribers)
		}
		subs[conn] = subscriptionID
		return subs, true
	})
	return nil
}

// Unsubscribe removes the subscription conn holds under subscriptionID and
// garbage-collects empty topic and connection entries.
func (s *Store) Unsubscribe(conn connection.ID, subscriptionID string) error {
	var (
		topic string
		err   error
	)
	s.byConn.Compute(conn, func(subs map[string]string, ok bool) (map[string]string, bool) {
		if !ok {
			err = ErrUnknownConnection
			return nil, false
		}
		t, found := subs[subscriptionID]
		if !found {
			err = ErrUnknownSubscription
			return subs, true
		}
		topic = t
		delete(subs, subscriptionID)
		return subs, len(subs) > 0
	})
	if err != nil {
		return err
	}
	s.removeFromTopic(topic, conn, subscriptionID)
	return nil
}

// RemoveAllSubscriptions drops every subscription held by conn. It returns
// the topics the connection was removed from.
func (s *Store) RemoveAllSubscriptions(conn connection.ID) []string {
	subs, ok := s.byConn.Delete(conn)
	if !ok {
		return nil
	}
	topics := make([]string, 0, len(subs))
	for id, topic := range subs {
		s.removeFromTopic(topic, conn, id)
		topics = append(topics, topic)
	}
	return topics
}

func (s *Store) removeFromTopic(topic string, conn connection.ID, subscriptionID string) {
	s.byTopic.Compute(topic, func(subs Subscribers, ok bool) (Subscribers, bool) {
		if !ok {
			return nil, false
		}
		if subs[conn] == subscriptionID {
			delete(subs, conn)
		}
		return subs, len(subs) > 0
	})
}

// IsSubscribed reports whether conn currently holds a subscription to topic.
func (s *Store) IsSubscribed(conn connection.ID, topic string) bool {
	found := false
	s.byConn.View(conn, func(subs map[string]string, ok bool) {
		for _, held := range subs {
			if held == topic {
				found = true
				return
			}
		}
	})
	return found
}

// GetSubscribers returns a snapshot of the topic's subscribers at call time.
// The copy shares nothing with the live index: later subscribes and
// unsubscribes do not change it, and changing it does not touch the index.
func (s *Store) GetSubscribers(topic string) Subscribers {
	snapshot := make(Subscribers)
	s.byTopic.View(topic, func(subs Subscribers, ok bool) {
		for conn, id := range subs {
			snapshot[conn] = id
		}
	})
	return snapshot
}

// SubscriptionsOf returns a copy of conn's subscription id -> topic mapping.
func (s *Store) SubscriptionsOf(conn connection.ID) map[string]string {
	out := make(map[string]string)
	s.byConn.View(conn, func(subs map[string]string, ok bool) {
		for id, topic := range subs {
			out[id] = topic
		}
	})
	return out
}

// TopicCount returns the number of topics with at least one subscriber.
func (s *Store) TopicCount() int {
	return s.byTopic.Len()
}

// SubscriptionCount returns the total number of live subscriptions.
func (s *Store) SubscriptionCount() int {
	n := 0
	s.byConn.Range(func(_ connection.ID, subs map[string]string) bool {
		n += len(subs)
		return true
	})
	return n
}

// TopicInfo summarizes one topic.
type TopicInfo struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

// Topics returns every topic with at least one subscriber, sorted by name.
func (s *Store) Topics() []TopicInfo {
	var out []TopicInfo
	s.byTopic.Range(func(topic string, subs Subscribers) bool {
		out = append(out, TopicInfo{Topic: topic, Subscribers: len(subs)})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// NextMessageID returns a process-unique, increasing message identifier.
func (s *Store) NextMessageID() string {
	return strconv.FormatUint(s.messageID.Add(1), 10)
}
