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

// Package actor provides the mailbox-driven actors that run the broker's
// background queues, such as the history recorder and the MQTT bridge.
package actor

import "context"

// Actor is a supervised process fed from a mailbox. Start blocks until ctx
// is cancelled or the actor fails.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a bounded message queue owned by a supervisor spec. It outlives
// restarts of the actor reading it.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox holding up to size messages.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{messages: make(chan any, size)}
}

// Send queues msg, blocking while the mailbox is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend queues msg without blocking. It reports false when the mailbox is
// full and msg was dropped.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message arrives or ctx is done.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Drain passes every message already queued to fn and returns how many there
// were. Messages sent while draining may or may not be included.
func (mb *Mailbox) Drain(fn func(any)) int {
	n := 0
	for {
		select {
		case msg := <-mb.messages:
			fn(msg)
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}

// Cap returns the capacity of the mailbox.
func (mb *Mailbox) Cap() int {
	return cap(mb.messages)
}
