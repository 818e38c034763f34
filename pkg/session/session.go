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

// Package session provides the credential registry that binds usernames to
// client connections. A username is bound to at most one connection and a
// connection to at most one username.
package session

import (
	"errors"
	"sort"

	"github.com/turtacn/stomp-go/pkg/auth"
	"github.com/turtacn/stomp-go/pkg/connection"
	"github.com/turtacn/stomp-go/pkg/storage"
)

// ErrEmptyUsername is returned by Preseed for an empty username.
var ErrEmptyUsername = errors.New("username must not be empty")

// LoginStatus is the outcome of a login attempt.
type LoginStatus int

const (
	// NewUserRegistered means the username was unknown and has been created
	// and bound to the connection.
	NewUserRegistered LoginStatus = iota
	// LoggedIn means a known, unbound username was bound to the connection.
	LoggedIn
	// WrongPassword means the secret did not match the stored credential.
	WrongPassword
	// AlreadyLoggedIn means the username is bound to another connection.
	AlreadyLoggedIn
	// ClientAlreadyConnected means the connection is already bound.
	ClientAlreadyConnected
)

// String returns the string representation of LoginStatus
func (s LoginStatus) String() string {
	switch s {
	case NewUserRegistered:
		return "new_user"
	case LoggedIn:
		return "logged_in"
	case WrongPassword:
		return "wrong_password"
	case AlreadyLoggedIn:
		return "already_logged_in"
	case ClientAlreadyConnected:
		return "client_already_connected"
	default:
		return "unknown"
	}
}

// OK reports whether the login bound the connection.
func (s LoginStatus) OK() bool {
	return s == NewUserRegistered || s == LoggedIn
}

type record struct {
	cred  auth.Credential
	bound bool
	conn  connection.ID
}

// Registry holds credential records keyed by username and the reverse
// connection -> username binding. Records are never removed; logout only
// clears the binding.
type Registry struct {
	users  *storage.Map[string, record]
	conns  *storage.Map[connection.ID, string]
	hasher auth.Hasher
}

// NewRegistry creates an empty registry. Users registered through Login get
// their secret hashed by hasher.
func NewRegistry(hasher auth.Hasher) *Registry {
	return &Registry{
		users:  storage.NewMap[string, record](),
		conns:  storage.NewMap[connection.ID, string](),
		hasher: hasher,
	}
}

// Login binds username to conn if the rules allow it. Hashing and password
// verification run outside any lock; the bind itself is a compare-and-set on
// the username's record. The error is non-nil only when hashing a new user's
// secret fails.
func (r *Registry) Login(conn connection.ID, username, secret string) (LoginStatus, error) {
	if _, bound := r.conns.Get(conn); bound {
		return ClientAlreadyConnected, nil
	}

	for {
		current, known := r.users.Get(username)
		if !known {
			cred, err := r.hasher.NewCredential(secret)
			if err != nil {
				return WrongPassword, err
			}
			created := false
			r.users.Compute(username, func(old record, ok bool) (record, bool) {
				if ok {
					return old, true
				}
				created = true
				return record{cred: cred, bound: true, conn: conn}, true
			})
			if !created {
				// Lost the race to register; evaluate against the winner.
				continue
			}
			r.conns.Set(conn, username)
			return NewUserRegistered, nil
		}

		if current.bound {
			return AlreadyLoggedIn, nil
		}
		if !current.cred.Verify(secret) {
			return WrongPassword, nil
		}

		status, retry := LoggedIn, false
		r.users.Compute(username, func(old record, ok bool) (record, bool) {
			switch {
			case !ok:
				retry = true
				return old, false
			case old.bound:
				status = AlreadyLoggedIn
				return old, true
			case old.cred != current.cred:
				retry = true
				return old, true
			}
			old.bound, old.conn = true, conn
			return old, true
		})
		if retry {
			continue
		}
		if status == LoggedIn {
			r.conns.Set(conn, username)
		}
		return status, nil
	}
}

// Logout clears conn's binding and returns the username it was bound to.
// It is a no-op for a connection with no binding.
func (r *Registry) Logout(conn connection.ID) (string, bool) {
	username, ok := r.conns.Delete(conn)
	if !ok {
		return "", false
	}
	r.users.Compute(username, func(old record, exists bool) (record, bool) {
		if exists && old.bound && old.conn == conn {
			old.bound = false
			old.conn = 0
		}
		return old, exists
	})
	return username, true
}

// Preseed installs or replaces the stored credential for username. An
// existing binding is kept.
func (r *Registry) Preseed(username string, cred auth.Credential) error {
	if username == "" {
		return ErrEmptyUsername
	}
	r.users.Compute(username, func(old record, _ bool) (record, bool) {
		old.cred = cred
		return old, true
	})
	return nil
}

// Sessions returns the number of bound connections.
func (r *Registry) Sessions() int {
	return r.conns.Len()
}

// Users returns the number of known usernames.
func (r *Registry) Users() int {
	return r.users.Len()
}

// Binding is one username bound to a connection.
type Binding struct {
	Username   string        `json:"username"`
	Connection connection.ID `json:"connection"`
}

// List returns the current bindings sorted by username.
func (r *Registry) List() []Binding {
	var out []Binding
	r.conns.Range(func(id connection.ID, username string) bool {
		out = append(out, Binding{Username: username, Connection: id})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
