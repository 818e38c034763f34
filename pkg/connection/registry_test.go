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

package connection

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/stomp-go/pkg/protocol/stomp"
)

type recordingHandle struct {
	mu     sync.Mutex
	frames []*stomp.Frame
	closed bool
}

func (h *recordingHandle) Send(f *stomp.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
	return nil
}

func (h *recordingHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *recordingHandle) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func msg(body string) *stomp.Frame {
	return stomp.NewFrame(stomp.CommandMessage, body)
}

func TestRegistry_SendAndDisconnect(t *testing.T) {
	r := NewRegistry()
	h := &recordingHandle{}
	r.Register(1, h)
	assert.True(t, r.Registered(1))
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.Send(1, msg("hello")))
	require.Equal(t, 1, h.count())
	assert.Equal(t, "hello", h.frames[0].Body)

	assert.ErrorIs(t, r.Send(2, msg("nobody")), ErrUnknownConnection)

	r.Disconnect(1)
	assert.False(t, r.Registered(1))
	assert.ErrorIs(t, r.Send(1, msg("late")), ErrUnknownConnection)
	assert.Equal(t, 1, h.count())

	// Unknown identifiers are fine.
	r.Disconnect(999)
}

func TestRegistry_RegisterReplacesAndIgnoresNil(t *testing.T) {
	r := NewRegistry()
	first, second := &recordingHandle{}, &recordingHandle{}

	r.Register(7, first)
	require.NoError(t, r.Send(7, msg("one")))
	r.Register(7, second)
	require.NoError(t, r.Send(7, msg("two")))

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
	assert.Equal(t, "two", second.frames[0].Body)

	r.Register(8, nil)
	assert.False(t, r.Registered(8))
}

func TestRegistry_Channels(t *testing.T) {
	r := NewRegistry()
	handles := map[ID]*recordingHandle{1: {}, 2: {}, 3: {}}
	for id, h := range handles {
		r.Register(id, h)
	}
	r.Join("ops", 1)
	r.Join("ops", 2)
	r.Join("ops", 42) // never registered

	members := r.Members("ops")
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	assert.Equal(t, []ID{1, 2, 42}, members)

	assert.Equal(t, 2, r.Broadcast("ops", msg("notice")))
	assert.Equal(t, 1, handles[1].count())
	assert.Equal(t, 1, handles[2].count())
	assert.Equal(t, 0, handles[3].count())

	r.Disconnect(1)
	r.Disconnect(2)
	assert.Equal(t, []ID{42}, r.Members("ops"))
	r.Disconnect(42)
	assert.Empty(t, r.Members("ops"))
	assert.Equal(t, 0, r.Broadcast("nobody-here", msg("x")))
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	a, b := &recordingHandle{}, &recordingHandle{}
	r.Register(1, a)
	r.Register(2, b)
	r.Join("all", 1)

	assert.Equal(t, 2, r.CloseAll())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Members("all"))
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry()
	h := &recordingHandle{}
	r.Register(1, h)

	const workers, perWorker = 10, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := ID(100 + w)
			r.Register(id, &recordingHandle{})
			for i := 0; i < perWorker; i++ {
				_ = r.Send(1, msg("m"))
			}
			r.Disconnect(id)
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, h.count())
	assert.Equal(t, 1, r.Len())
}
