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

// Package stomp provides framing, parsing and encoding of STOMP frames.
// A frame on the wire is a command line, zero or more "name:value" header
// lines, a blank line and a body, terminated by a single NUL byte. All text
// is UTF-8.
package stomp

// Version is the only protocol version the broker speaks.
const Version = "1.2"

// Command is the closed set of frame commands known to the broker. Anything
// else parses as CommandUnknown.
type Command uint8

const (
	CommandUnknown Command = iota
	// Inbound (client → broker).
	CommandConnect
	CommandSend
	CommandSubscribe
	CommandUnsubscribe
	CommandDisconnect
	// Outbound (broker → client).
	CommandConnected
	CommandMessage
	CommandReceipt
	CommandError

	commandCount
)

var commandNames = [commandCount]string{
	CommandUnknown:     "UNKNOWN",
	CommandConnect:     "CONNECT",
	CommandSend:        "SEND",
	CommandSubscribe:   "SUBSCRIBE",
	CommandUnsubscribe: "UNSUBSCRIBE",
	CommandDisconnect:  "DISCONNECT",
	CommandConnected:   "CONNECTED",
	CommandMessage:     "MESSAGE",
	CommandReceipt:     "RECEIPT",
	CommandError:       "ERROR",
}

// String returns the wire name of the command.
func (c Command) String() string {
	if c >= commandCount {
		return commandNames[CommandUnknown]
	}
	return commandNames[c]
}

// ParseCommand maps a command line to a Command. Matching is exact and
// case-sensitive.
func ParseCommand(s string) Command {
	for c := CommandConnect; c < commandCount; c++ {
		if commandNames[c] == s {
			return c
		}
	}
	return CommandUnknown
}

// Header names used by the broker.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderHost          = "host"
	HeaderLogin         = "login"
	HeaderPasscode      = "passcode"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderVersion       = "version"
	HeaderSession       = "session"
	HeaderServer        = "server"
	HeaderMessage       = "message"
)
