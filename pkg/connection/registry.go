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

// Package connection routes outbound frames to live client connections. The
// Registry maps a connection identifier to the handle its transport installed;
// every other broker component pushes frames through it.
package connection

import (
	"errors"

	"github.com/turtacn/stomp-go/pkg/protocol/stomp"
	"github.com/turtacn/stomp-go/pkg/storage"
)

// ID identifies one transport connection for the lifetime of its socket.
type ID uint64

// ErrUnknownConnection is returned by Send for identifiers with no handle.
var ErrUnknownConnection = errors.New("unknown connection")

// Handle is the outbound side of one connection, provided by the transport.
type Handle interface {
	// Send queues one frame for delivery.
	Send(f *stomp.Frame) error
	// Close releases the connection's outbound resources.
	Close() error
}

// Registry maps connection identifiers to handles. It also tracks arbitrary
// named channels for broadcasts that are unrelated to topic subscriptions.
type Registry struct {
	handles  *storage.Map[ID, Handle]
	channels *storage.Map[string, map[ID]struct{}]
	joined   *storage.Map[ID, map[string]struct{}]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handles:  storage.NewMap[ID, Handle](),
		channels: storage.NewMap[string, map[ID]struct{}](),
		joined:   storage.NewMap[ID, map[string]struct{}](),
	}
}

// Register installs h for id, silently replacing any earlier handle. A nil
// handle is ignored.
func (r *Registry) Register(id ID, h Handle) {
	if h == nil {
		return
	}
	r.handles.Set(id, h)
}

// Send delivers f to the connection. Sends to identifiers that were never
// registered or already disconnected return ErrUnknownConnection.
func (r *Registry) Send(id ID, f *stomp.Frame) error {
	h, ok := r.handles.Get(id)
	if !ok {
		return ErrUnknownConnection
	}
	return h.Send(f)
}

// Disconnect drops the handle for id and removes it from every channel. It is
// a no-op for unknown identifiers.
func (r *Registry) Disconnect(id ID) {
	r.handles.Delete(id)
	channels, ok := r.joined.Delete(id)
	if !ok {
		return
	}
	for ch := range channels {
		r.removeMember(ch, id)
	}
}

// Registered reports whether id currently has a handle.
func (r *Registry) Registered(id ID) bool {
	_, ok := r.handles.Get(id)
	return ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return r.handles.Len()
}

// Join associates id with a broadcast channel.
func (r *Registry) Join(channel string, id ID) {
	r.joined.Compute(id, func(set map[string]struct{}, ok bool) (map[string]struct{}, bool) {
		if !ok {
			set = make(map[string]struct{})
		}
		set[channel] = struct{}{}
		return set, true
	})
	r.channels.Compute(channel, func(members map[ID]struct{}, ok bool) (map[ID]struct{}, bool) {
		if !ok {
			members = make(map[ID]struct{})
		}
		members[id] = struct{}{}
		return members, true
	})
}

func (r *Registry) removeMember(channel string, id ID) {
	r.channels.Compute(channel, func(members map[ID]struct{}, ok bool) (map[ID]struct{}, bool) {
		if !ok {
			return nil, false
		}
		delete(members, id)
		return members, len(members) > 0
	})
}

// Members returns a point-in-time copy of a channel's members.
func (r *Registry) Members(channel string) []ID {
	var ids []ID
	r.channels.View(channel, func(members map[ID]struct{}, ok bool) {
		if !ok {
			return
		}
		ids = make([]ID, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
	})
	return ids
}

// Broadcast sends f to every connection in the channel at call time and
// returns how many sends succeeded.
func (r *Registry) Broadcast(channel string, f *stomp.Frame) int {
	delivered := 0
	for _, id := range r.Members(channel) {
		if r.Send(id, f) == nil {
			delivered++
		}
	}
	return delivered
}

// CloseAll closes and drops every registered handle and returns how many it
// closed.
func (r *Registry) CloseAll() int {
	n := 0
	for _, id := range r.handles.Keys() {
		h, ok := r.handles.Get(id)
		r.Disconnect(id)
		if ok {
			_ = h.Close()
			n++
		}
	}
	return n
}
