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
	"strings"

	"github.com/turtacn/stomp-go/pkg/protocol/stomp"
)

// connectedFrame is the reply to a successful CONNECT.
func connectedFrame(sessionID, server string) *stomp.Frame {
	return stomp.NewFrame(stomp.CommandConnected, "",
		stomp.HeaderVersion, stomp.Version,
		stomp.HeaderSession, sessionID,
		stomp.HeaderServer, server,
	)
}

// receiptFrame acknowledges a frame that carried a receipt header.
func receiptFrame(receiptID string) *stomp.Frame {
	return stomp.NewFrame(stomp.CommandReceipt, "", stomp.HeaderReceiptID, receiptID)
}

// messageFrame delivers a published body to one subscriber.
func messageFrame(subscriptionID, messageID, destination, body string) *stomp.Frame {
	return stomp.NewFrame(stomp.CommandMessage, body,
		stomp.HeaderSubscription, subscriptionID,
		stomp.HeaderMessageID, messageID,
		stomp.HeaderDestination, destination,
	)
}

// errorFrame reports a failure. When the offending frame is known its text is
// echoed in the body ahead of the detail.
func errorFrame(receiptID, message, offending, detail string) *stomp.Frame {
	var kv []string
	if receiptID != "" {
		kv = append(kv, stomp.HeaderReceiptID, receiptID)
	}
	kv = append(kv, stomp.HeaderMessage, message)

	var body strings.Builder
	if offending != "" {
		body.WriteString("The message:\n-----\n")
		body.WriteString(offending)
		body.WriteString("\n-----\n")
	}
	body.WriteString(detail)
	return stomp.NewFrame(stomp.CommandError, strings.TrimSpace(body.String()), kv...)
}

// echo renders f for an ERROR body with the passcode masked.
func echo(f *stomp.Frame) string {
	if f == nil {
		return ""
	}
	if !f.Header.Has(stomp.HeaderPasscode) {
		return strings.TrimSpace(f.String())
	}
	masked := &stomp.Frame{Command: f.Command, Name: f.Name, Body: f.Body}
	for _, name := range f.Header.Names() {
		value := f.Header.Value(name)
		if name == stomp.HeaderPasscode {
			value = "********"
		}
		masked.Header.Set(name, value)
	}
	return strings.TrimSpace(masked.String())
}
