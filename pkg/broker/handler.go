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
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/turtacn/stomp-go/pkg/connection"
	"github.com/turtacn/stomp-go/pkg/history"
	"github.com/turtacn/stomp-go/pkg/metrics"
	"github.com/turtacn/stomp-go/pkg/protocol/stomp"
	"github.com/turtacn/stomp-go/pkg/session"
	"github.com/turtacn/stomp-go/pkg/topic"
)

// Handler is the protocol state machine of one connection. The transport
// calls Process for each decoded frame, one at a time, and Close once the
// connection is gone; the handler itself does no locking.
type Handler struct {
	broker *Broker
	id     connection.ID
	remote string
	log    *zap.Logger

	authenticated bool
	username      string
	terminate     bool

	tornDown bool
	closed   bool
}

// ID returns the connection identifier.
func (h *Handler) ID() connection.ID { return h.id }

// Authenticated reports whether CONNECT succeeded.
func (h *Handler) Authenticated() bool { return h.authenticated }

// Username returns the logged-in username, empty before login.
func (h *Handler) Username() string { return h.username }

// ShouldTerminate reports whether the transport must close the connection.
func (h *Handler) ShouldTerminate() bool { return h.terminate }

// Process interprets one decoded frame. Frames arriving after termination
// are ignored.
func (h *Handler) Process(text string) {
	if h.terminate {
		return
	}
	if strings.TrimLeft(text, "\r\n") == "" {
		// heart-beat
		return
	}

	f, err := stomp.Parse(text)
	if err != nil {
		h.fail(nil, &ProtocolError{Kind: KindMalformedFrame, Message: ReasonMalformed, Detail: err.Error()})
		return
	}
	metrics.FramesReceivedTotal.WithLabelValues(f.Command.String()).Inc()
	h.log.Debug("frame received", zap.String("command", f.Name))

	var perr *ProtocolError
	switch f.Command {
	case stomp.CommandConnect:
		perr = h.onConnect(f)
	case stomp.CommandSend:
		perr = h.onSend(f)
	case stomp.CommandSubscribe:
		perr = h.onSubscribe(f)
	case stomp.CommandUnsubscribe:
		perr = h.onUnsubscribe(f)
	case stomp.CommandDisconnect:
		perr = h.onDisconnect(f)
	default:
		perr = &ProtocolError{
			Kind:    KindProtocolViolation,
			Message: ReasonUnsupportedCommand,
			Detail:  "command " + f.Name + " is not supported",
		}
	}
	if perr != nil {
		h.fail(f, perr)
	}
}

// Reject terminates the connection for a stream-level decoding failure.
func (h *Handler) Reject(err error) {
	if h.terminate {
		return
	}
	perr := &ProtocolError{Kind: KindMalformedFrame, Message: ReasonMalformed, Detail: err.Error()}
	if errors.Is(err, stomp.ErrFrameTooLarge) {
		perr.Message = ReasonFrameTooLarge
	}
	h.fail(nil, perr)
}

// Close performs the cleanup of a connection that went away: subscriptions
// are removed, the session is logged out and the handle is dropped from the
// connection registry. No frame is sent. Close is idempotent.
func (h *Handler) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.teardown(true)
	metrics.ConnectionsActive.Dec()
	h.log.Info("connection closed")
}

func (h *Handler) requireAuth() *ProtocolError {
	if h.authenticated {
		return nil
	}
	return &ProtocolError{Kind: KindUnauthorized, Message: ReasonNotLoggedIn}
}

func (h *Handler) onConnect(f *stomp.Frame) *ProtocolError {
	if missing := f.Missing(stomp.HeaderAcceptVersion, stomp.HeaderHost, stomp.HeaderLogin, stomp.HeaderPasscode); missing != nil {
		return missingHeaders(missing)
	}
	if !acceptsVersion(f.Header.Value(stomp.HeaderAcceptVersion)) {
		return &ProtocolError{
			Kind:    KindProtocolViolation,
			Message: ReasonUnsupportedVersion,
			Detail:  "supported versions: " + stomp.Version,
		}
	}

	username := f.Header.Value(stomp.HeaderLogin)
	status, err := h.broker.sessions.Login(h.id, username, f.Header.Value(stomp.HeaderPasscode))
	if err != nil {
		h.log.Error("login failed", zap.String("username", username), zap.Error(err))
		return rejected(ReasonLoginFailed, "")
	}
	metrics.LoginsTotal.WithLabelValues(status.String()).Inc()

	if !status.OK() {
		switch status {
		case session.WrongPassword:
			return rejected(ReasonWrongPassword, "")
		case session.AlreadyLoggedIn:
			return rejected(ReasonAlreadyLoggedIn, "user "+username+" is logged in on another connection")
		default:
			return rejected(ReasonClientConnected, "this connection is already logged in")
		}
	}

	h.authenticated = true
	h.username = username
	h.broker.conns.Join(ChannelAuthenticated, h.id)
	h.log.Info("logged in", zap.String("username", username), zap.Stringer("outcome", status))
	h.record(history.EventLogin, false)

	h.send(connectedFrame(uuid.NewString(), h.broker.server))
	h.sendReceipt(f)
	return nil
}

func (h *Handler) onSend(f *stomp.Frame) *ProtocolError {
	if perr := h.requireAuth(); perr != nil {
		return perr
	}
	if missing := f.Missing(stomp.HeaderDestination); missing != nil {
		return missingHeaders(missing)
	}
	destination := f.Header.Value(stomp.HeaderDestination)
	topics := h.broker.topics
	if !topics.IsSubscribed(h.id, destination) {
		return rejected(ReasonNotSubscribed, "subscribe to "+destination+" before sending to it")
	}

	delivered := 0
	for conn, subscriptionID := range topics.GetSubscribers(destination) {
		msg := messageFrame(subscriptionID, topics.NextMessageID(), destination, f.Body)
		if err := h.broker.conns.Send(conn, msg); err != nil {
			h.log.Debug("delivery dropped", zap.Uint64("to", uint64(conn)), zap.Error(err))
			continue
		}
		delivered++
	}
	metrics.MessagesDeliveredTotal.Add(float64(delivered))
	if h.broker.bridge != nil {
		h.broker.bridge.Offer(destination, f.Body)
	}

	h.sendReceipt(f)
	return nil
}

func (h *Handler) onSubscribe(f *stomp.Frame) *ProtocolError {
	if perr := h.requireAuth(); perr != nil {
		return perr
	}
	if missing := f.Missing(stomp.HeaderDestination, stomp.HeaderID); missing != nil {
		return missingHeaders(missing)
	}
	destination := f.Header.Value(stomp.HeaderDestination)
	subscriptionID := f.Header.Value(stomp.HeaderID)

	err := h.broker.topics.Subscribe(h.id, destination, subscriptionID)
	switch {
	case err == nil:
	case errors.Is(err, topic.ErrDuplicateID):
		return rejected(ReasonDuplicateID, "id "+subscriptionID+" is already used on this connection")
	case errors.Is(err, topic.ErrAlreadySubscribed):
		return rejected(ReasonAlreadySubscribed, "this connection already subscribes to "+destination)
	default:
		return rejected(err.Error(), "")
	}
	h.log.Debug("subscribed", zap.String("destination", destination), zap.String("id", subscriptionID))
	h.sendReceipt(f)
	return nil
}

func (h *Handler) onUnsubscribe(f *stomp.Frame) *ProtocolError {
	if perr := h.requireAuth(); perr != nil {
		return perr
	}
	if missing := f.Missing(stomp.HeaderID); missing != nil {
		return missingHeaders(missing)
	}
	subscriptionID := f.Header.Value(stomp.HeaderID)
	if err := h.broker.topics.Unsubscribe(h.id, subscriptionID); err != nil {
		return rejected(ReasonUnknownID, err.Error())
	}
	h.sendReceipt(f)
	return nil
}

func (h *Handler) onDisconnect(f *stomp.Frame) *ProtocolError {
	if perr := h.requireAuth(); perr != nil {
		return perr
	}
	if missing := f.Missing(stomp.HeaderReceipt); missing != nil {
		return missingHeaders(missing)
	}
	h.broker.topics.RemoveAllSubscriptions(h.id)
	h.logout(false)
	h.sendReceipt(f)
	h.terminate = true
	h.teardown(false)
	return nil
}

// fail sends the ERROR reply for perr and ends the session.
func (h *Handler) fail(f *stomp.Frame, perr *ProtocolError) {
	var receiptID string
	if f != nil {
		receiptID = f.Header.Value(stomp.HeaderReceipt)
	}
	h.send(errorFrame(receiptID, perr.Message, echo(f), perr.Detail))
	metrics.ErrorsTotal.WithLabelValues(perr.Kind.String()).Inc()
	h.log.Warn("frame rejected",
		zap.Stringer("kind", perr.Kind),
		zap.String("reason", perr.Message),
		zap.String("detail", perr.Detail))
	h.terminate = true
	h.teardown(false)
}

// teardown removes every trace of the connection from the registries once.
func (h *Handler) teardown(abrupt bool) {
	if h.tornDown {
		return
	}
	h.tornDown = true
	h.broker.topics.RemoveAllSubscriptions(h.id)
	h.logout(abrupt)
	h.broker.conns.Disconnect(h.id)
}

func (h *Handler) logout(abrupt bool) {
	if _, ok := h.broker.sessions.Logout(h.id); !ok {
		return
	}
	h.record(history.EventLogout, abrupt)
	h.authenticated = false
}

func (h *Handler) record(kind history.EventKind, abrupt bool) {
	if h.broker.history == nil {
		return
	}
	h.broker.history.Record(history.Event{
		Kind:         kind,
		Username:     h.username,
		ConnectionID: uint64(h.id),
		RemoteAddr:   h.remote,
		Abrupt:       abrupt,
	})
}

func (h *Handler) send(f *stomp.Frame) {
	if err := h.broker.conns.Send(h.id, f); err != nil {
		h.log.Debug("reply dropped", zap.String("command", f.Name), zap.Error(err))
	}
}

func (h *Handler) sendReceipt(f *stomp.Frame) {
	if receipt, ok := f.Header.Get(stomp.HeaderReceipt); ok {
		h.send(receiptFrame(receipt))
	}
}

// acceptsVersion reports whether the comma-separated accept-version list
// contains the supported version.
func acceptsVersion(list string) bool {
	for _, v := range strings.Split(list, ",") {
		if strings.TrimSpace(v) == stomp.Version {
			return true
		}
	}
	return false
}
