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

package broker

import (
	"fmt"
	"strings"
)

// ErrorKind classifies why a frame was rejected. Every kind ends the session.
type ErrorKind int

const (
	// KindMalformedFrame covers missing required headers and undecodable frames.
	KindMalformedFrame ErrorKind = iota
	// KindUnauthorized is an authenticated-only command sent before login.
	KindUnauthorized
	// KindProtocolViolation is an unrecognized command or unsupported version.
	KindProtocolViolation
	// KindDomainRejection is a well-formed request the registries refused.
	KindDomainRejection
)

// String returns the metric label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindMalformedFrame:
		return "malformed_frame"
	case KindUnauthorized:
		return "unauthorized"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindDomainRejection:
		return "domain_rejection"
	default:
		return "unknown"
	}
}

// Reasons carried in the message header of ERROR frames.
const (
	ReasonMalformed          = "malformed frame received"
	ReasonFrameTooLarge      = "frame too large"
	ReasonNotLoggedIn        = "not logged in"
	ReasonUnsupportedCommand = "unsupported command"
	ReasonUnsupportedVersion = "unsupported STOMP version"
	ReasonWrongPassword      = "wrong password"
	ReasonAlreadyLoggedIn    = "user already logged in"
	ReasonClientConnected    = "client already connected"
	ReasonLoginFailed        = "login failed"
	ReasonDuplicateID        = "subscription id already in use"
	ReasonAlreadySubscribed  = "already subscribed"
	ReasonUnknownID          = "unknown subscription id"
	ReasonNotSubscribed      = "not subscribed"
	ReasonShuttingDown       = "server shutting down"
)

// ProtocolError is the reply the state machine produces for a rejected frame.
type ProtocolError struct {
	Kind    ErrorKind
	Message string
	Detail  string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
}

func missingHeaders(names []string) *ProtocolError {
	return &ProtocolError{
		Kind:    KindMalformedFrame,
		Message: ReasonMalformed,
		Detail:  "missing header(s): " + strings.Join(names, ", "),
	}
}

func rejected(message, detail string) *ProtocolError {
	return &ProtocolError{Kind: KindDomainRejection, Message: message, Detail: detail}
}
