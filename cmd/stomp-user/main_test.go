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


package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/stomp-go/pkg/config"
)

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func generated(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	out, _, err := runCmd(t, "-config", path, "-cmd", "generate")
	require.NoError(t, err)
	assert.Contains(t, out, "Sample configuration saved to "+path)
	return path
}

func TestGenerateConfig(t *testing.T) {
	path := generated(t)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "stomp-go-node", cfg.Broker.NodeID)

	out, _, err := runCmd(t, "-config", path, "-cmd", "list")
	require.NoError(t, err)
	assert.Equal(t, "No users configured\n", out)
}

func TestUserLifecycle(t *testing.T) {
	path := generated(t)

	out, _, err := runCmd(t, "-config", path, "-cmd", "add", "-user", "alice", "-pass", "secret", "-algo", "sha256")
	require.NoError(t, err)
	assert.Contains(t, out, "User 'alice' added successfully")

	_, _, err = runCmd(t, "-config", path, "-cmd", "add", "-user", "alice", "-pass", "again", "-algo", "plain")
	assert.ErrorContains(t, err, "already exists")

	out, _, err = runCmd(t, "-config", path, "-cmd", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "USERNAME")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "sha256")
	assert.NotContains(t, out, "secret")

	out, _, err = runCmd(t, "-config", path, "-cmd", "verify", "-user", "alice", "-pass", "secret")
	require.NoError(t, err)
	assert.Contains(t, out, "Password matches")

	_, _, err = runCmd(t, "-config", path, "-cmd", "verify", "-user", "alice", "-pass", "wrong")
	assert.ErrorContains(t, err, "does not match")

	out, _, err = runCmd(t, "-config", path, "-cmd", "update", "-user", "alice", "-pass", "rotated", "-algo", "plain")
	require.NoError(t, err)
	assert.Contains(t, out, "User 'alice' updated successfully")
	_, _, err = runCmd(t, "-config", path, "-cmd", "verify", "-user", "alice", "-pass", "rotated")
	assert.NoError(t, err)

	out, _, err = runCmd(t, "-config", path, "-cmd", "remove", "-user", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "User 'alice' removed successfully")

	_, _, err = runCmd(t, "-config", path, "-cmd", "verify", "-user", "alice", "-pass", "rotated")
	assert.ErrorContains(t, err, "not found")
	_, _, err = runCmd(t, "-config", path, "-cmd", "remove", "-user", "alice")
	assert.ErrorContains(t, err, "not found")
}

func TestMissingArguments(t *testing.T) {
	path := generated(t)

	_, _, err := runCmd(t, "-config", path, "-cmd", "add", "-pass", "x")
	assert.ErrorContains(t, err, "username is required")
	_, _, err = runCmd(t, "-config", path, "-cmd", "add", "-user", "x")
	assert.ErrorContains(t, err, "password is required")
	_, _, err = runCmd(t, "-config", path, "-cmd", "remove")
	assert.ErrorContains(t, err, "username is required")
	_, _, err = runCmd(t, "-config", filepath.Join(t.TempDir(), "missing.yaml"), "-cmd", "list")
	assert.ErrorContains(t, err, "failed to load config")
}

func TestUsage(t *testing.T) {
	_, stderr, err := runCmd(t)
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, "Commands:")

	_, stderr, err = runCmd(t, "-cmd", "explode")
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, "Unknown command: explode")

	_, _, err = runCmd(t, "-bogus")
	assert.ErrorIs(t, err, errUsage)
}
