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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream RedisSink appends to when none is configured.
const DefaultStream = "stomp:session-history"

// RedisSink appends events to a capped Redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// OpenRedis connects to addr, which is either a redis:// URL or host:port.
// maxLen caps the stream approximately; zero leaves it uncapped.
func OpenRedis(ctx context.Context, addr, stream string, maxLen int64) (*RedisSink, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}, nil
}

// Write implements Sink.
func (s *RedisSink) Write(ctx context.Context, e Event) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event":         string(e.Kind),
			"username":      e.Username,
			"connection_id": strconv.FormatUint(e.ConnectionID, 10),
			"remote_addr":   e.RemoteAddr,
			"abrupt":        strconv.FormatBool(e.Abrupt),
			"occurred_at":   e.At.Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

// Close implements Sink.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
